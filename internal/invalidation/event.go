package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/tiles"
)

// Event announces that upstream tiles changed. It names the tiles either
// directly as z/x/y keys or as a bbox over a zoom range.
type Event struct {
	Version uint64    `json:"version"`
	Op      string    `json:"op"`
	Source  string    `json:"source,omitempty"` // empty means every source
	TS      time.Time `json:"ts"`
	Tiles   []string  `json:"tiles,omitempty"`
	BBox    *BBox     `json:"bbox,omitempty"`
	MinZoom int       `json:"min_zoom,omitempty"`
	MaxZoom int       `json:"max_zoom,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (b BBox) Model() model.BBox {
	return model.BBox{MinLon: b.X1, MinLat: b.Y1, MaxLon: b.X2, MaxLat: b.Y2}
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return errors.New("version must be > 0")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return errors.New("op must be insert|update|delete")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	hasBBox := e.BBox != nil
	hasTiles := len(e.Tiles) > 0
	if hasBBox == hasTiles {
		return errors.New("exactly one of bbox or tiles is required")
	}
	if hasTiles {
		for _, k := range e.Tiles {
			if _, err := tiles.ParseKey(strings.TrimSpace(k)); err != nil {
				return fmt.Errorf("tiles: %w", err)
			}
		}
		return nil
	}

	bb := *e.BBox
	if bb.SRID != "EPSG:4326" {
		return errors.New("bbox.srid must be EPSG:4326")
	}
	if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
		return errors.New("bbox longitude out of range")
	}
	if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
		return errors.New("bbox latitude out of range")
	}
	if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
		return errors.New("bbox must satisfy x2>x1 and y2>y1")
	}
	if e.MinZoom < 0 || e.MaxZoom > tiles.MaxZoom || e.MinZoom > e.MaxZoom {
		return fmt.Errorf("zoom range %d..%d invalid (0..%d)", e.MinZoom, e.MaxZoom, tiles.MaxZoom)
	}
	return nil
}
