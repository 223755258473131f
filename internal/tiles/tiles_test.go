package tiles

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

var world = model.BBox{MinLon: -180, MinLat: -85, MaxLon: 180, MaxLat: 85}

func TestForBounds_WorldAtZoomZero(t *testing.T) {
	got, err := ForBounds(world, 0, 0)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	want := model.Tiles{{X: 0, Y: 0, Z: 0}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestForBounds_WorldAtZoomOne(t *testing.T) {
	got, err := ForBounds(world, 1, 0)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	want := model.Tiles{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestForBounds_ReferenceTiles(t *testing.T) {
	cases := []struct {
		name     string
		lon, lat float64
		zoom     int
		want     model.Tile
	}{
		{"london", -0.1276, 51.5072, 12, model.Tile{X: 2046, Y: 1362, Z: 12}},
		{"stockholm", 18.0686, 59.3293, 10, model.Tile{X: 563, Y: 301, Z: 10}},
		{"null island", 0.0001, -0.0001, 1, model.Tile{X: 1, Y: 1, Z: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bb := model.BBox{MinLon: tc.lon, MinLat: tc.lat, MaxLon: tc.lon, MaxLat: tc.lat}
			got, err := ForBounds(bb, tc.zoom, 0)
			if err != nil {
				t.Fatalf("ForBounds: %v", err)
			}
			if len(got) != 1 || got[0] != tc.want {
				t.Fatalf("got %v want [%v]", got, tc.want)
			}
			// the chosen tile's extent must contain the point
			tb := Bounds(got[0])
			if tc.lon < tb.MinLon || tc.lon > tb.MaxLon || tc.lat < tb.MinLat || tc.lat > tb.MaxLat {
				t.Fatalf("tile %v bounds %v do not contain (%g,%g)", got[0], tb, tc.lon, tc.lat)
			}
		})
	}
}

func TestForBounds_MaxLatFeedsMinRow(t *testing.T) {
	bb := model.BBox{MinLon: 17.95, MinLat: 59.30, MaxLon: 18.15, MaxLat: 59.40}
	got, err := ForBounds(bb, 10, 0)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	want := model.Tiles{{X: 563, Y: 300, Z: 10}, {X: 563, Y: 301, Z: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestForBounds_PaddingExpandsEverySide(t *testing.T) {
	bb := model.BBox{MinLon: 18.0686, MinLat: 59.3293, MaxLon: 18.0686, MaxLat: 59.3293}
	got, err := ForBounds(bb, 10, 1)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	if len(got) != 9 {
		t.Fatalf("len=%d want 9: %v", len(got), got)
	}
	if got[0] != (model.Tile{X: 562, Y: 300, Z: 10}) || got[8] != (model.Tile{X: 564, Y: 302, Z: 10}) {
		t.Fatalf("unexpected corners: first=%v last=%v", got[0], got[8])
	}
}

func TestForBounds_RowsClampedToPyramid(t *testing.T) {
	bb := model.BBox{MinLon: 0, MinLat: 84, MaxLon: 1, MaxLat: 85}
	got, err := ForBounds(bb, 3, 2)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	for _, tl := range got {
		if tl.Y > 7 {
			t.Fatalf("row %d outside pyramid", tl.Y)
		}
	}
	if got[0].Y != 0 {
		t.Fatalf("expected first row 0, got %d", got[0].Y)
	}
}

func TestForBounds_AntimeridianWrapsColumns(t *testing.T) {
	bb := model.BBox{MinLon: 170, MinLat: 0, MaxLon: 190, MaxLat: 1}
	got, err := ForBounds(bb, 2, 0)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	want := model.Tiles{{X: 0, Y: 1, Z: 2}, {X: 3, Y: 1, Z: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for _, tl := range got {
		if tl.X >= 4 {
			t.Fatalf("column %d outside [0,4)", tl.X)
		}
	}
}

func TestForBounds_WideSpanListsEachColumnOnce(t *testing.T) {
	bb := model.BBox{MinLon: -300, MinLat: 0, MaxLon: 300, MaxLat: 1}
	got, err := ForBounds(bb, 2, 1)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	seen := map[model.Tile]bool{}
	for _, tl := range got {
		if seen[tl] {
			t.Fatalf("duplicate tile %v", tl)
		}
		seen[tl] = true
	}
	// 4 columns x rows 0..2 (row 1 plus padding)
	if len(got) != 12 {
		t.Fatalf("len=%d want 12", len(got))
	}
}

func TestForBounds_InvalidInput(t *testing.T) {
	bb := model.BBox{MinLon: 0, MinLat: 0, MaxLon: 1, MaxLat: 1}
	if _, err := ForBounds(bb, -1, 0); err == nil {
		t.Fatalf("expected error for zoom=-1")
	}
	if _, err := ForBounds(bb, MaxZoom+1, 0); err == nil {
		t.Fatalf("expected error for zoom beyond max")
	}
	if _, err := ForBounds(bb, 3, -1); err == nil {
		t.Fatalf("expected error for negative padding")
	}
	inv := model.BBox{MinLon: 2, MinLat: 0, MaxLon: 1, MaxLat: 1}
	if _, err := ForBounds(inv, 3, 0); err == nil {
		t.Fatalf("expected error for inverted bbox")
	}
}

func TestSortByDistance_NearestFirst(t *testing.T) {
	center := model.LngLat{Lon: 18.0686, Lat: 59.3293}
	bb := model.BBox{MinLon: center.Lon, MinLat: center.Lat, MaxLon: center.Lon, MaxLat: center.Lat}
	ts, err := ForBounds(bb, 10, 2)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	SortByDistance(ts, center)
	if ts[0] != (model.Tile{X: 563, Y: 301, Z: 10}) {
		t.Fatalf("nearest tile should be the centre tile, got %v", ts[0])
	}
	last := ts[len(ts)-1]
	if last.X != 561 && last.X != 565 {
		t.Fatalf("farthest tile should be a corner, got %v", last)
	}
}

func TestForBounds_RefusesOversizedCover(t *testing.T) {
	n, err := Count(world, MaxZoom, 0)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n <= MaxCover {
		t.Fatalf("world at zoom %d counted %d tiles", MaxZoom, n)
	}
	if _, err := ForBounds(world, MaxZoom, 0); !errors.Is(err, ErrTooManyTiles) {
		t.Fatalf("err=%v want ErrTooManyTiles", err)
	}

	small := model.BBox{MinLon: 18, MinLat: 59, MaxLon: 18.1, MaxLat: 59.1}
	n, err = Count(small, 12, 1)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	ts, err := ForBounds(small, 12, 1)
	if err != nil {
		t.Fatalf("ForBounds: %v", err)
	}
	if int64(len(ts)) != n {
		t.Fatalf("Count=%d but ForBounds returned %d", n, len(ts))
	}
}

func TestNearest_MatchesSortedCoverPrefix(t *testing.T) {
	cases := []struct {
		name    string
		bb      model.BBox
		zoom    int
		padding int
		limit   int
	}{
		{"city", model.BBox{MinLon: 18.0, MinLat: 59.3, MaxLon: 18.1, MaxLat: 59.35}, 12, 2, 7},
		{"antimeridian", model.BBox{MinLon: 179, MinLat: 0, MaxLon: 181, MaxLat: 0.5}, 8, 3, 10},
		{"whole width", model.BBox{MinLon: -300, MinLat: -10, MaxLon: 300, MaxLat: 10}, 3, 0, 5},
		{"limit above cover", model.BBox{MinLon: 18.0, MinLat: 59.3, MaxLon: 18.1, MaxLat: 59.35}, 10, 1, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want, err := ForBounds(tc.bb, tc.zoom, tc.padding)
			if err != nil {
				t.Fatalf("ForBounds: %v", err)
			}
			SortByDistance(want, tc.bb.Center())
			if len(want) > tc.limit {
				want = want[:tc.limit]
			}
			got, err := Nearest(tc.bb, tc.zoom, tc.padding, tc.limit)
			if err != nil {
				t.Fatalf("Nearest: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v want %v", got, want)
			}
		})
	}
}

func TestNearest_LargeCoverStaysBounded(t *testing.T) {
	got, err := Nearest(world, MaxZoom, 2, 64)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("len=%d want 64", len(got))
	}
	mid := uint32(1) << (MaxZoom - 1)
	if first := got[0]; first.Z != MaxZoom || first.X+1 < mid || first.X > mid || first.Y+1 < mid || first.Y > mid {
		t.Fatalf("first tile %v should touch the centre of the pyramid", first)
	}

	if _, err := Nearest(world, MaxZoom, 0, 0); !errors.Is(err, ErrTooManyTiles) {
		t.Fatalf("unlimited Nearest err=%v want ErrTooManyTiles", err)
	}
}

func TestExpandTemplate(t *testing.T) {
	tl := model.Tile{X: 563, Y: 301, Z: 10}
	got, err := ExpandTemplate("https://tiles.example.com/{z}/{x}/{y}.pbf", tl)
	if err != nil {
		t.Fatalf("ExpandTemplate: %v", err)
	}
	if got != "https://tiles.example.com/10/563/301.pbf" {
		t.Fatalf("got %q", got)
	}
	got, err = ExpandTemplate("https://tms.example.com/{z}/{x}/{-y}.png", tl)
	if err != nil {
		t.Fatalf("ExpandTemplate tms: %v", err)
	}
	if got != "https://tms.example.com/10/563/722.png" {
		t.Fatalf("tms got %q", got)
	}
	if _, err := ExpandTemplate("https://example.com/static.png", tl); !errors.Is(err, ErrUnusableTemplate) {
		t.Fatalf("expected ErrUnusableTemplate, got %v", err)
	}
}

func TestURLsForSource_MirrorRotationAndSkips(t *testing.T) {
	src := model.TileSource{
		Name: "osm",
		Tiles: []string{
			"https://a.tile.example/{z}/{x}/{y}.png",
			"not-a-template",
			"https://b.tile.example/{z}/{x}/{y}.png",
		},
	}
	ts := model.Tiles{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}}
	urls, skipped, err := URLsForSource(src, ts)
	if err != nil {
		t.Fatalf("URLsForSource: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("skipped=%d want 1", skipped)
	}
	want := []string{"https://a.tile.example/1/0/0.png", "https://b.tile.example/1/1/0.png"}
	if !reflect.DeepEqual(urls, want) {
		t.Fatalf("got %v want %v", urls, want)
	}

	_, _, err = URLsForSource(model.TileSource{Name: "geojson"}, ts)
	if !errors.Is(err, ErrUnusableTemplate) {
		t.Fatalf("source without templates should be unusable, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	tl, err := ParseKey("12/2046/1362")
	if err != nil || tl != (model.Tile{X: 2046, Y: 1362, Z: 12}) {
		t.Fatalf("got %v err=%v", tl, err)
	}
	for _, bad := range []string{"", "1/2", "a/b/c", "1/2/0", "-1/0/0", "30/0/0"} {
		if _, err := ParseKey(bad); !errors.Is(err, ErrInvalidTile) {
			t.Fatalf("%q: expected ErrInvalidTile, got %v", bad, err)
		}
	}
}
