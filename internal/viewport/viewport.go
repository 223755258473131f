// Package viewport models the map viewport a client reports to the service:
// its state, pixel projection and a registry of motion subscriptions.
package viewport

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

// half the Web Mercator world width in meters
const mercatorHalf = 20037508.342789244

type Kind string

const (
	KindMove    Kind = "move"
	KindDrag    Kind = "drag"
	KindMoveEnd Kind = "moveend"
	KindDragEnd Kind = "dragend"
)

func (k Kind) IsEnd() bool { return k == KindMoveEnd || k == KindDragEnd }

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMove, KindDrag, KindMoveEnd, KindDragEnd:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

type State struct {
	Center model.LngLat `json:"center"`
	Zoom   float64      `json:"zoom"`
	Bounds model.BBox   `json:"bounds"`
}

func (s State) Validate() error {
	if math.IsNaN(s.Zoom) || s.Zoom < 0 || s.Zoom > 24 {
		return fmt.Errorf("invalid zoom %g (must be 0..24)", s.Zoom)
	}
	if math.IsNaN(s.Center.Lon) || math.IsNaN(s.Center.Lat) {
		return errors.New("center has non-finite coordinate")
	}
	if err := s.Bounds.Validate(); err != nil {
		return err
	}
	return nil
}

// Event is one viewport change reported by the client. At is the client's
// timestamp; velocities are derived from it, not from arrival time.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	State
}

// Projector converts between geographic and world-pixel coordinates at a
// (possibly fractional) zoom.
type Projector struct {
	TileSize float64
}

func NewProjector(tileSize int) Projector {
	if tileSize <= 0 {
		tileSize = 512
	}
	return Projector{TileSize: float64(tileSize)}
}

func (p Projector) worldSize(zoom float64) float64 {
	return p.TileSize * math.Exp2(zoom)
}

// Project returns the world pixel of ll at zoom; X grows east, Y south.
func (p Projector) Project(ll model.LngLat, zoom float64) model.Point {
	lat := math.Max(-model.MaxMercatorLat, math.Min(model.MaxMercatorLat, ll.Lat))
	m := project.Point(orb.Point{ll.Lon, lat}, project.WGS84.ToMercator)
	ws := p.worldSize(zoom)
	return model.Point{
		X: (m[0] + mercatorHalf) / (2 * mercatorHalf) * ws,
		Y: (mercatorHalf - m[1]) / (2 * mercatorHalf) * ws,
	}
}

func (p Projector) Unproject(pt model.Point, zoom float64) model.LngLat {
	ws := p.worldSize(zoom)
	m := orb.Point{
		pt.X/ws*2*mercatorHalf - mercatorHalf,
		mercatorHalf - pt.Y/ws*2*mercatorHalf,
	}
	g := project.Point(m, project.Mercator.ToWGS84)
	return model.LngLat{Lon: g[0], Lat: g[1]}
}
