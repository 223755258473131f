// Package projector translates the current viewport along a velocity vector.
package projector

import (
	"math"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

const (
	// EarthCircumference is the equatorial circumference in meters (WGS84).
	EarthCircumference = 40075016.686
	MetersPerDegree    = 111320.0
	DefaultTileSize    = 512
)

type Projector struct {
	TileSize int
}

func New(tileSize int) *Projector {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return &Projector{TileSize: tileSize}
}

// MetersPerPixel at the given zoom, using the equatorial scale.
func (p *Projector) MetersPerPixel(zoom float64) float64 {
	return EarthCircumference / (float64(p.TileSize) * math.Exp2(zoom))
}

// DegreesPerPixel converts one screen pixel at zoom into degrees.
func (p *Projector) DegreesPerPixel(zoom float64) float64 {
	return p.MetersPerPixel(zoom) / MetersPerDegree
}

// Predict returns where the viewport will be after horizon if the velocity
// holds. The box is translated, never rescaled, and kept inside the
// Web-Mercator latitude band. Longitudes are not wrapped.
func (p *Projector) Predict(cur model.BBox, v model.Velocity, horizon time.Duration, zoom float64) model.BBox {
	if v.IsZero() || horizon <= 0 {
		return cur
	}
	hms := float64(horizon) / float64(time.Millisecond)
	deg := p.DegreesPerPixel(zoom)

	dLon := v.VX * hms * deg
	dLat := -v.VY * hms * deg // screen y grows southwards

	out := model.BBox{
		MinLon: cur.MinLon + dLon,
		MaxLon: cur.MaxLon + dLon,
		MinLat: cur.MinLat + dLat,
		MaxLat: cur.MaxLat + dLat,
	}
	return clampLat(out)
}

// Displacement returns the screen-pixel offset covered within horizon.
func Displacement(v model.Velocity, horizon time.Duration) model.Point {
	hms := float64(horizon) / float64(time.Millisecond)
	return model.Point{X: v.VX * hms, Y: v.VY * hms}
}

// shifts the box back inside the latitude band; only boxes taller than the
// band itself get cut
func clampLat(b model.BBox) model.BBox {
	const lim = model.MaxMercatorLat
	if b.MaxLat > lim {
		d := b.MaxLat - lim
		b.MaxLat -= d
		b.MinLat -= d
	}
	if b.MinLat < -lim {
		d := -lim - b.MinLat
		b.MinLat += d
		b.MaxLat += d
	}
	if b.MaxLat > lim {
		b.MaxLat = lim
	}
	return b
}
