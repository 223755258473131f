package motion

import (
	"math"
	"testing"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func ms(n int) time.Time { return t0.Add(time.Duration(n) * time.Millisecond) }

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func TestVelocity_NoPredictionBelowTwoPoints(t *testing.T) {
	tr := NewTracker(200*time.Millisecond, 100*time.Millisecond, nil)

	if _, ok := tr.Velocity(ms(0)); ok {
		t.Fatalf("empty tracker must not predict")
	}
	tr.Record(model.Point{X: 10, Y: 10}, ms(0))
	if _, ok := tr.Velocity(ms(0)); ok {
		t.Fatalf("single point must not predict")
	}
}

func TestVelocity_TwoSamplesHundredMsApart(t *testing.T) {
	tr := NewTracker(200*time.Millisecond, 150*time.Millisecond, &WindowEstimator{})
	tr.Record(model.Point{X: 0, Y: 0}, ms(0))
	tr.Record(model.Point{X: 50, Y: 0}, ms(100))

	v, ok := tr.Velocity(ms(100))
	if !ok {
		t.Fatalf("expected a prediction")
	}
	almostEq(t, v.VX, 0.5, 1e-9)
	almostEq(t, v.VY, 0, 1e-9)
}

func TestWindowEstimator_TimeWeightedAverage(t *testing.T) {
	tr := NewTracker(time.Second, time.Second, &WindowEstimator{})
	tr.Record(model.Point{X: 0}, ms(0))
	tr.Record(model.Point{X: 10}, ms(10))   // 1 px/ms over 10ms
	tr.Record(model.Point{X: 110}, ms(110)) // 1 px/ms over 100ms
	tr.Record(model.Point{X: 110}, ms(210)) // 0 px/ms over 100ms

	v, ok := tr.Velocity(ms(210))
	if !ok {
		t.Fatalf("expected a prediction")
	}
	// (1*10 + 1*100 + 0*100) / 210
	almostEq(t, v.VX, 110.0/210.0, 1e-9)
}

func TestRecord_TrimsToWindow(t *testing.T) {
	tr := NewTracker(200*time.Millisecond, time.Second, nil)
	for i := 0; i <= 10; i++ {
		tr.Record(model.Point{X: float64(i * 10)}, ms(i*50))
	}
	// latest point is at 500ms; only points at >= 300ms survive
	if tr.Len() != 5 {
		t.Fatalf("buffer len=%d want 5", tr.Len())
	}
}

func TestVelocity_IdleAgesOutOfWindow(t *testing.T) {
	tr := NewTracker(200*time.Millisecond, time.Second, nil)
	tr.Record(model.Point{X: 0}, ms(0))
	tr.Record(model.Point{X: 40}, ms(50))

	if _, ok := tr.Velocity(ms(60)); !ok {
		t.Fatalf("expected prediction right after motion")
	}
	if _, ok := tr.Velocity(ms(500)); ok {
		t.Fatalf("velocity must not persist after the window elapses")
	}
}

func TestRecord_GapLongerThanDebounceStartsNewGesture(t *testing.T) {
	tr := NewTracker(time.Second, 100*time.Millisecond, nil)
	tr.Record(model.Point{X: 0}, ms(0))
	tr.Record(model.Point{X: 100}, ms(50))
	tr.Record(model.Point{X: 100}, ms(400)) // pause of 350ms

	if tr.Len() != 1 {
		t.Fatalf("buffer should restart after a pause, len=%d", tr.Len())
	}
	if _, ok := tr.Velocity(ms(400)); ok {
		t.Fatalf("no prediction expected right after a reset")
	}
	tr.Record(model.Point{X: 120}, ms(440))
	v, ok := tr.Velocity(ms(440))
	if !ok {
		t.Fatalf("expected prediction for new gesture")
	}
	// not averaged across the pause
	almostEq(t, v.VX, 0.5, 1e-9)
}

func TestRecord_DropsOutOfOrderAndCoalescesEqualTimestamps(t *testing.T) {
	tr := NewTracker(time.Second, time.Second, nil)
	tr.Record(model.Point{X: 0}, ms(100))
	tr.Record(model.Point{X: 999}, ms(50))
	if tr.Len() != 1 {
		t.Fatalf("out-of-order point should be dropped")
	}
	tr.Record(model.Point{X: 5}, ms(100))
	if tr.Len() != 1 {
		t.Fatalf("equal timestamp should replace the last point")
	}
	tr.Record(model.Point{X: 25}, ms(120))
	v, _ := tr.Velocity(ms(120))
	almostEq(t, v.VX, 1.0, 1e-9)
}

func TestEMA_FirstDeltaInitialisesThenSmooths(t *testing.T) {
	est, err := NewEMA(0.5)
	if err != nil {
		t.Fatalf("NewEMA: %v", err)
	}
	tr := NewTracker(time.Second, time.Second, est)
	tr.Record(model.Point{X: 0}, ms(0))
	tr.Record(model.Point{X: 100}, ms(100)) // 1.0
	v, _ := tr.Velocity(ms(100))
	almostEq(t, v.VX, 1.0, 1e-9)

	tr.Record(model.Point{X: 100}, ms(200)) // 0.0
	v, _ = tr.Velocity(ms(200))
	almostEq(t, v.VX, 0.5, 1e-9)
}

func TestEMA_FrictionDecaysIdleVelocityTowardZero(t *testing.T) {
	est, _ := NewEMA(0.85)
	tr := NewTracker(time.Second, time.Second, est)
	tr.Record(model.Point{X: 0}, ms(0))
	tr.Record(model.Point{X: 50}, ms(50))

	prev := math.Inf(1)
	for _, at := range []int{50, 66, 150, 400, 900} {
		v, ok := tr.Velocity(ms(at))
		if !ok {
			t.Fatalf("expected prediction at %dms", at)
		}
		if v.Speed() >= prev && at != 50 {
			t.Fatalf("speed did not decay at %dms: %g >= %g", at, v.Speed(), prev)
		}
		prev = v.Speed()
	}
	if prev > 0.01 {
		t.Fatalf("speed after long idle should be near zero, got %g", prev)
	}
}

func TestNewEstimator_Selection(t *testing.T) {
	if e, err := NewEstimator(model.EstimatorWindow, 0); err != nil {
		t.Fatalf("window: %v", err)
	} else if _, ok := e.(*WindowEstimator); !ok {
		t.Fatalf("window kind returned %T", e)
	}
	if e, err := NewEstimator(model.EstimatorEMA, 0.9); err != nil {
		t.Fatalf("ema: %v", err)
	} else if _, ok := e.(*EMA); !ok {
		t.Fatalf("ema kind returned %T", e)
	}
	if _, err := NewEstimator("kalman", 0.5); err == nil {
		t.Fatalf("expected error for unknown estimator")
	}
	if _, err := NewEstimator(model.EstimatorEMA, 1.5); err == nil {
		t.Fatalf("expected error for out-of-range decay")
	}
}

func TestSamples_InstantaneousVelocities(t *testing.T) {
	tr := NewTracker(time.Second, time.Second, nil)
	tr.Record(model.Point{X: 0, Y: 0}, ms(0))
	tr.Record(model.Point{X: 10, Y: -20}, ms(10))

	ss := tr.Samples()
	if len(ss) != 1 {
		t.Fatalf("samples=%d want 1", len(ss))
	}
	almostEq(t, ss[0].VX, 1, 1e-9)
	almostEq(t, ss[0].VY, -2, 1e-9)
	if !ss[0].At.Equal(ms(10)) {
		t.Fatalf("sample timestamp=%v", ss[0].At)
	}
}
