package invalidation

import (
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate_BBoxAndTilesMutualExclusion(t *testing.T) {
	ev := Event{
		Version: 1, Op: "update", TS: mustTS(),
		BBox:  &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
		Tiles: []string{"10/550/320"},
	}
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected error when both bbox and tiles are set")
	}
	ev.BBox, ev.Tiles = nil, nil
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected error when neither bbox nor tiles is set")
	}
}

func TestEvent_Validate_BBoxHappyPath(t *testing.T) {
	ev := Event{
		Version: 1, Op: "delete", Source: "osm", TS: mustTS(),
		BBox:    &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
		MinZoom: 8, MaxZoom: 10,
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestEvent_Validate_Rejects(t *testing.T) {
	base := Event{Version: 1, Op: "update", TS: mustTS(), Tiles: []string{"3/1/2"}}
	cases := map[string]func(*Event){
		"zero version": func(e *Event) { e.Version = 0 },
		"bad op":       func(e *Event) { e.Op = "upsert" },
		"no ts":        func(e *Event) { e.TS = time.Time{} },
		"bad tile":     func(e *Event) { e.Tiles = []string{"3/9/2"} },
		"bad srid": func(e *Event) {
			e.Tiles = nil
			e.BBox = &BBox{X1: 0, Y1: 0, X2: 1, Y2: 1, SRID: "EPSG:3857"}
		},
		"inverted bbox": func(e *Event) {
			e.Tiles = nil
			e.BBox = &BBox{X1: 1, Y1: 0, X2: 0, Y2: 1, SRID: "EPSG:4326"}
		},
		"zoom range": func(e *Event) {
			e.Tiles = nil
			e.BBox = &BBox{X1: 0, Y1: 0, X2: 1, Y2: 1, SRID: "EPSG:4326"}
			e.MinZoom, e.MaxZoom = 5, 3
		},
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			ev := base
			mut(&ev)
			if err := ev.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
