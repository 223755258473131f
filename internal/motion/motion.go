// Package motion turns a stream of viewport positions into a smoothed velocity.
package motion

import (
	"fmt"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

// maxPoints bounds the buffer even when events arrive faster than expected.
const maxPoints = 256

type TimedPoint struct {
	model.Point
	At time.Time
}

// Estimator derives a velocity from the points of the current gesture.
type Estimator interface {
	// Observe is called once per accepted point with the instantaneous
	// velocity between it and its predecessor.
	Observe(s model.VelocitySample)
	// Estimate returns the velocity at now given the points still inside the window.
	Estimate(points []TimedPoint, now time.Time) model.Velocity
	Reset()
}

func NewEstimator(kind model.Estimator, decay float64) (Estimator, error) {
	switch kind {
	case model.EstimatorWindow, "":
		return &WindowEstimator{}, nil
	case model.EstimatorEMA:
		return NewEMA(decay)
	default:
		return nil, fmt.Errorf("unknown velocity estimator %q", kind)
	}
}

// Tracker is not safe for concurrent use; the owning session serialises calls.
type Tracker struct {
	window   time.Duration
	gapReset time.Duration
	est      Estimator
	points   []TimedPoint
}

func NewTracker(window, gapReset time.Duration, est Estimator) *Tracker {
	if est == nil {
		est = &WindowEstimator{}
	}
	return &Tracker{
		window:   window,
		gapReset: gapReset,
		est:      est,
		points:   make([]TimedPoint, 0, 16),
	}
}

// Record appends a position. Points older than the previous one are dropped;
// a pause longer than the gap reset starts a new gesture.
func (t *Tracker) Record(p model.Point, at time.Time) {
	if n := len(t.points); n > 0 {
		last := t.points[n-1]
		switch {
		case at.Before(last.At):
			return
		case at.Equal(last.At):
			t.points[n-1].Point = p
			return
		case t.gapReset > 0 && at.Sub(last.At) > t.gapReset:
			t.Reset()
		default:
			dt := float64(at.Sub(last.At)) / float64(time.Millisecond)
			t.est.Observe(model.VelocitySample{
				Velocity: model.Velocity{VX: (p.X - last.X) / dt, VY: (p.Y - last.Y) / dt},
				At:       at,
			})
		}
	}

	t.points = append(t.points, TimedPoint{Point: p, At: at})
	t.trim(at)
}

// Velocity reports ok=false when fewer than two points fall inside the window ending at now.
func (t *Tracker) Velocity(now time.Time) (model.Velocity, bool) {
	live := t.live(now)
	if len(live) < 2 {
		return model.Velocity{}, false
	}
	return t.est.Estimate(live, now), true
}

// Samples returns the instantaneous velocities between buffered points.
func (t *Tracker) Samples() []model.VelocitySample {
	if len(t.points) < 2 {
		return nil
	}
	out := make([]model.VelocitySample, 0, len(t.points)-1)
	for i := 1; i < len(t.points); i++ {
		a, b := t.points[i-1], t.points[i]
		dt := float64(b.At.Sub(a.At)) / float64(time.Millisecond)
		out = append(out, model.VelocitySample{
			Velocity: model.Velocity{VX: (b.X - a.X) / dt, VY: (b.Y - a.Y) / dt},
			At:       b.At,
		})
	}
	return out
}

func (t *Tracker) Len() int { return len(t.points) }

func (t *Tracker) Reset() {
	t.points = t.points[:0]
	t.est.Reset()
}

func (t *Tracker) trim(latest time.Time) {
	cut := latest.Add(-t.window)
	i := 0
	for i < len(t.points) && t.points[i].At.Before(cut) {
		i++
	}
	if over := len(t.points) - i - maxPoints; over > 0 {
		i += over
	}
	if i > 0 {
		t.points = append(t.points[:0], t.points[i:]...)
	}
}

func (t *Tracker) live(now time.Time) []TimedPoint {
	cut := now.Add(-t.window)
	i := 0
	for i < len(t.points) && t.points[i].At.Before(cut) {
		i++
	}
	return t.points[i:]
}
