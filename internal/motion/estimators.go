package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

// frameInterval is the animation-frame step friction is applied per.
const frameInterval = 16 * time.Millisecond

// WindowEstimator averages consecutive deltas weighted by their elapsed time.
// Idle velocity decays because old points leave the window.
type WindowEstimator struct{}

func (*WindowEstimator) Observe(model.VelocitySample) {}

func (*WindowEstimator) Reset() {}

func (*WindowEstimator) Estimate(points []TimedPoint, _ time.Time) model.Velocity {
	var sx, sy, sw float64
	for i := 1; i < len(points); i++ {
		dt := float64(points[i].At.Sub(points[i-1].At)) / float64(time.Millisecond)
		if dt <= 0 {
			continue
		}
		vx := (points[i].X - points[i-1].X) / dt
		vy := (points[i].Y - points[i-1].Y) / dt
		sx += vx * dt
		sy += vy * dt
		sw += dt
	}
	if sw == 0 {
		return model.Velocity{}
	}
	return model.Velocity{VX: sx / sw, VY: sy / sw}
}

// EMA keeps an exponential moving average of instantaneous velocity and
// applies per-frame friction for the time since the last observation.
type EMA struct {
	decay  float64
	v      model.Velocity
	has    bool
	lastAt time.Time
}

func NewEMA(decay float64) (*EMA, error) {
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("ema decay must be in (0,1), got %g", decay)
	}
	return &EMA{decay: decay}, nil
}

func (e *EMA) Observe(s model.VelocitySample) {
	if !e.has {
		e.v = s.Velocity
		e.has = true
	} else {
		e.v.VX = e.decay*e.v.VX + (1-e.decay)*s.VX
		e.v.VY = e.decay*e.v.VY + (1-e.decay)*s.VY
	}
	e.lastAt = s.At
}

func (e *EMA) Estimate(_ []TimedPoint, now time.Time) model.Velocity {
	if !e.has {
		return model.Velocity{}
	}
	idle := now.Sub(e.lastAt)
	if idle <= 0 {
		return e.v
	}
	f := math.Pow(e.decay, float64(idle)/float64(frameInterval))
	return model.Velocity{VX: e.v.VX * f, VY: e.v.VY * f}
}

func (e *EMA) Reset() {
	e.v = model.Velocity{}
	e.has = false
	e.lastAt = time.Time{}
}
