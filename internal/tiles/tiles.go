// Package tiles maps geographic bounds onto slippy-map tile coordinates.
package tiles

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

const MaxZoom = 24

// MaxCover bounds how many tiles ForBounds will enumerate.
const MaxCover = 1 << 16

// maxFractionLat stays just inside the band where maptile.Fraction snaps rows.
const maxFractionLat = 85.0511

var (
	ErrInvalidTile  = errors.New("invalid tile")
	ErrTooManyTiles = errors.New("too many tiles")
)

func validate(zoom, padding int) error {
	if zoom < 0 || zoom > MaxZoom {
		return fmt.Errorf("invalid zoom %d (must be 0..%d)", zoom, MaxZoom)
	}
	if padding < 0 {
		return fmt.Errorf("invalid padding %d (must be >= 0)", padding)
	}
	return nil
}

// cover is the padded tile rectangle of a bbox. Columns are unwrapped and
// may leave [0, n); rows are clamped.
type cover struct {
	z                  int
	n                  int64
	xLo, xHi, yLo, yHi int64
}

func coverFor(b model.BBox, zoom, padding int) (cover, error) {
	if err := validate(zoom, padding); err != nil {
		return cover{}, err
	}
	if b.MinLon > b.MaxLon || b.MinLat > b.MaxLat {
		return cover{}, fmt.Errorf("inverted bbox %s", b)
	}
	z := maptile.Zoom(zoom)
	n := int64(1) << zoom

	// maxLat feeds the smallest row; Y grows southwards
	nw := maptile.Fraction(orb.Point{b.MinLon, clampLat(b.MaxLat)}, z)
	se := maptile.Fraction(orb.Point{b.MaxLon, clampLat(b.MinLat)}, z)

	xLo, xHi := span(nw[0], se[0])
	yLo, yHi := span(nw[1], se[1])

	p := int64(padding)
	xLo, xHi = xLo-p, xHi+p
	yLo = max(yLo-p, 0)
	yHi = min(yHi+p, n-1)
	if yLo > yHi {
		yLo = yHi
	}
	return cover{z: zoom, n: n, xLo: xLo, xHi: xHi, yLo: yLo, yHi: yHi}, nil
}

func (c cover) count() int64 {
	return min(c.xHi-c.xLo+1, c.n) * (c.yHi - c.yLo + 1)
}

func (c cover) tiles() model.Tiles {
	cols := columns(c.xLo, c.xHi, c.n)
	out := make(model.Tiles, 0, len(cols)*int(c.yHi-c.yLo+1))
	for y := c.yLo; y <= c.yHi; y++ {
		for _, x := range cols {
			out = append(out, model.Tile{X: uint32(x), Y: uint32(y), Z: c.z})
		}
	}
	return out
}

// windowColumns lists the cover's columns within r of cx, measured around
// the antimeridian the same way SortByDistance does.
func (c cover) windowColumns(cx, r int64) []int64 {
	width := c.xHi - c.xLo + 1
	seen := make(map[int64]struct{}, 2*r+1)
	out := make([]int64, 0, min(2*r+1, c.n))
	for x := cx - r; x <= cx+r; x++ {
		w := ((x % c.n) + c.n) % c.n
		if width < c.n && (((w-c.xLo)%c.n)+c.n)%c.n >= width {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns how many tiles ForBounds would return, without building them.
func Count(b model.BBox, zoom, padding int) (int64, error) {
	c, err := coverFor(b, zoom, padding)
	if err != nil {
		return 0, err
	}
	return c.count(), nil
}

// ForBounds returns every tile covering b at zoom, grown by padding tiles on
// each side. Rows are clamped to the pyramid; columns wrap around the
// antimeridian so a box east of 180° maps onto the western tiles. The result
// is unique and sorted by row, then column. Covers above MaxCover fail with
// ErrTooManyTiles before anything is allocated.
func ForBounds(b model.BBox, zoom, padding int) (model.Tiles, error) {
	c, err := coverFor(b, zoom, padding)
	if err != nil {
		return nil, err
	}
	if n := c.count(); n > MaxCover {
		return nil, fmt.Errorf("%w: %d tiles at zoom %d (max %d)", ErrTooManyTiles, n, zoom, MaxCover)
	}
	return c.tiles(), nil
}

// Nearest returns at most limit tiles of the ForBounds cover, nearest to the
// centre of b first. Only a window of limit+1 tiles around the centre tile is
// enumerated, so the cost does not depend on the size of b. A limit <= 0
// means the whole cover.
func Nearest(b model.BBox, zoom, padding, limit int) (model.Tiles, error) {
	c, err := coverFor(b, zoom, padding)
	if err != nil {
		return nil, err
	}
	center := b.Center()
	if limit <= 0 || c.count() <= int64(limit) {
		if n := c.count(); n > MaxCover {
			return nil, fmt.Errorf("%w: %d tiles at zoom %d (max %d)", ErrTooManyTiles, n, zoom, MaxCover)
		}
		ts := c.tiles()
		SortByDistance(ts, center)
		return ts, nil
	}

	// Every tile within distance limit of the centre lies in this window,
	// and the window holds at least limit tiles of the cover because the
	// centre tile is inside it.
	f := maptile.Fraction(orb.Point{center.Lon, clampLat(center.Lat)}, maptile.Zoom(zoom))
	cx, cy := int64(math.Floor(f[0])), int64(math.Floor(f[1]))
	r := int64(limit) + 1
	cols := c.windowColumns(cx, r)
	yLo, yHi := max(c.yLo, cy-r), min(c.yHi, cy+r)

	ts := make(model.Tiles, 0, len(cols)*int(max(yHi-yLo+1, 0)))
	for y := yLo; y <= yHi; y++ {
		for _, x := range cols {
			ts = append(ts, model.Tile{X: uint32(x), Y: uint32(y), Z: zoom})
		}
	}
	SortByDistance(ts, center)
	if len(ts) > limit {
		ts = ts[:limit]
	}
	return ts, nil
}

func clampLat(lat float64) float64 {
	return math.Max(-maxFractionLat, math.Min(maxFractionLat, lat))
}

// half-open span: an edge exactly on a tile boundary does not pull in the
// neighbouring tile
func span(lo, hi float64) (int64, int64) {
	l := int64(math.Floor(lo))
	h := int64(math.Ceil(hi)) - 1
	if h < l {
		h = l
	}
	return l, h
}

func columns(lo, hi, n int64) []int64 {
	if hi-lo+1 >= n {
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(i)
		}
		return out
	}
	seen := make(map[int64]struct{}, hi-lo+1)
	out := make([]int64, 0, hi-lo+1)
	for x := lo; x <= hi; x++ {
		w := ((x % n) + n) % n
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortByDistance orders ts by distance from center (nearest first), measuring
// columns the short way around the antimeridian.
func SortByDistance(ts model.Tiles, center model.LngLat) {
	if len(ts) == 0 {
		return
	}
	z := ts[0].Z
	c := maptile.Fraction(orb.Point{center.Lon, center.Lat}, maptile.Zoom(z))
	n := math.Exp2(float64(z))
	cx := math.Mod(math.Mod(c[0], n)+n, n)

	dist := func(t model.Tile) float64 {
		dx := math.Abs(float64(t.X) + 0.5 - cx)
		if dx > n/2 {
			dx = n - dx
		}
		dy := float64(t.Y) + 0.5 - c[1]
		return dx*dx + dy*dy
	}
	sort.SliceStable(ts, func(i, j int) bool { return dist(ts[i]) < dist(ts[j]) })
}

// Bounds returns the geographic extent of t.
func Bounds(t model.Tile) model.BBox {
	b := maptile.New(t.X, t.Y, maptile.Zoom(t.Z)).Bound()
	return model.BBox{MinLon: b.Min[0], MinLat: b.Min[1], MaxLon: b.Max[0], MaxLat: b.Max[1]}
}

// ParseKey parses a "z/x/y" tile key.
func ParseKey(s string) (model.Tile, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return model.Tile{}, fmt.Errorf("%w: %q is not z/x/y", ErrInvalidTile, s)
	}
	var v [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return model.Tile{}, fmt.Errorf("%w: %q: %v", ErrInvalidTile, s, err)
		}
		v[i] = n
	}
	z, x, y := v[0], v[1], v[2]
	if z < 0 || z > MaxZoom {
		return model.Tile{}, fmt.Errorf("%w: zoom %d out of range", ErrInvalidTile, z)
	}
	n := int64(1) << z
	if x < 0 || x >= n || y < 0 || y >= n {
		return model.Tile{}, fmt.Errorf("%w: %q outside the zoom %d pyramid", ErrInvalidTile, s, z)
	}
	return model.Tile{X: uint32(x), Y: uint32(y), Z: int(z)}, nil
}
