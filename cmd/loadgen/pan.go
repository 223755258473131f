package main

import (
	"math"
	"math/rand"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/viewport"
)

// cities seed the hot destinations; Zipf picks the first ones most often.
var cities = []model.LngLat{
	{Lon: 18.0686, Lat: 59.3293}, // Stockholm
	{Lon: 11.9746, Lat: 57.7089}, // Göteborg
	{Lon: 13.0038, Lat: 55.6050}, // Malmö
	{Lon: 17.6389, Lat: 59.8586}, // Uppsala
	{Lon: 22.1547, Lat: 65.5848}, // Luleå
}

type gesture struct {
	Start   model.LngLat
	Zoom    float64
	Heading float64 // radians, 0 = east
	// Speed in screen pixels per millisecond.
	Speed  float64
	Frames int
	Frame  time.Duration
}

// halfSpan approximates the viewport half-size in degrees for a 1024x768
// screen with 512px tiles.
func halfSpan(zoom float64) (lon, lat float64) {
	deg := 360.0 / (512 * math.Exp2(zoom))
	return deg * 512, deg * 384
}

func (g gesture) degPerPx() float64 {
	return 360.0 / (512 * math.Exp2(g.Zoom))
}

// events renders the gesture as drag frames followed by one dragend, with
// client timestamps starting at t0.
func (g gesture) events(t0 time.Time) []viewport.Event {
	step := g.Speed * float64(g.Frame.Milliseconds()) * g.degPerPx()
	dx, dy := math.Cos(g.Heading)*step, math.Sin(g.Heading)*step
	hw, hh := halfSpan(g.Zoom)

	out := make([]viewport.Event, 0, g.Frames+1)
	c := g.Start
	for i := 0; i <= g.Frames; i++ {
		kind := viewport.KindDrag
		if i == g.Frames {
			kind = viewport.KindDragEnd
		}
		lat := math.Max(-model.MaxMercatorLat+hh, math.Min(model.MaxMercatorLat-hh, c.Lat))
		out = append(out, viewport.Event{
			Kind: kind,
			At:   t0.Add(time.Duration(i) * g.Frame),
			State: viewport.State{
				Center: model.LngLat{Lon: c.Lon, Lat: lat},
				Zoom:   g.Zoom,
				Bounds: model.BBox{
					MinLon: math.Max(-180, c.Lon-hw), MinLat: lat - hh,
					MaxLon: math.Min(180, c.Lon+hw), MaxLat: lat + hh,
				},
			},
		})
		if i < g.Frames {
			c.Lon += dx
			c.Lat += dy
		}
	}
	return out
}

type gestureGen struct {
	r    *rand.Rand
	zipf *rand.Zipf
	cfg  Config
}

func newGestureGen(seed int64, cfg Config) *gestureGen {
	r := rand.New(rand.NewSource(seed))
	return &gestureGen{
		r:    r,
		zipf: rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(cities)-1)),
		cfg:  cfg,
	}
}

func (g *gestureGen) next() gesture {
	c := cities[g.zipf.Uint64()]
	jitter := 0.05
	return gesture{
		Start:   model.LngLat{Lon: c.Lon + (g.r.Float64()-0.5)*jitter, Lat: c.Lat + (g.r.Float64()-0.5)*jitter},
		Zoom:    float64(g.cfg.MinZoom) + g.r.Float64()*float64(g.cfg.MaxZoom-g.cfg.MinZoom),
		Heading: g.r.Float64() * 2 * math.Pi,
		Speed:   g.cfg.MinSpeed + g.r.Float64()*(g.cfg.MaxSpeed-g.cfg.MinSpeed),
		Frames:  g.cfg.Frames,
		Frame:   16 * time.Millisecond,
	}
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
