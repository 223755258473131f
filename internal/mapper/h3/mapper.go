package h3mapper

import (
	"errors"
	"fmt"
	"math"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/mapper"
)

// maxBBoxCells bounds polyfill work for a single box
const maxBBoxCells = 20_000

type Mapper struct{}

var _ mapper.Interface = (*Mapper)(nil)

func New() *Mapper { return &Mapper{} }

// CellForPoint wraps the longitude into [-180,180) first; predicted
// centres may sit past the antimeridian.
func (m *Mapper) CellForPoint(p model.LngLat, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	if math.IsNaN(p.Lon) || math.IsNaN(p.Lat) || math.IsInf(p.Lon, 0) || math.IsInf(p.Lat, 0) {
		return "", errors.New("non-finite coordinate")
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: clampLat(p.Lat), Lng: wrapLon(p.Lon)}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

func (m *Mapper) CellsForBBox(bb model.BBox, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if bb.MinLon >= bb.MaxLon || bb.MinLat >= bb.MaxLat {
		return nil, fmt.Errorf("degenerate bbox %s", bb)
	}
	// Build a rectangular loop (lon,lat in EPSG:4326). v4 wants degrees.
	outer := h3.GeoLoop{
		{Lat: bb.MinLat, Lng: bb.MinLon},
		{Lat: bb.MinLat, Lng: bb.MaxLon},
		{Lat: bb.MaxLat, Lng: bb.MaxLon},
		{Lat: bb.MaxLat, Lng: bb.MinLon},
	}
	if n := estimateCells(bb, res); n > maxBBoxCells {
		return nil, fmt.Errorf("bbox covers about %.0f cells at res %d (limit %d)", n, res, maxBBoxCells)
	}
	return polyfill(outer, res)
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func wrapLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

// average hexagon area at resolution 0; each finer level divides it by 7
const res0AreaKm2 = 4357449.416078381

func estimateCells(bb model.BBox, res int) float64 {
	const kmPerDeg = 111.32
	midLat := (bb.MinLat + bb.MaxLat) / 2 * math.Pi / 180
	w := bb.Width() * kmPerDeg * math.Cos(midLat)
	h := bb.Height() * kmPerDeg
	return w * h / (res0AreaKm2 / math.Pow(7, float64(res)))
}

// polyfill computes unique cells and returns them sorted for determinism.
func polyfill(outer h3.GeoLoop, res int) ([]string, error) {
	poly := h3.GeoPolygon{GeoLoop: outer}

	indexes, err := h3.PolygonToCells(poly, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
