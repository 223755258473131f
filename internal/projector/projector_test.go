package projector

import (
	"math"
	"testing"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%.10f want=%.10f (eps=%g)", got, want, eps)
	}
}

var stockholm = model.BBox{MinLon: 17.95, MinLat: 59.30, MaxLon: 18.15, MaxLat: 59.40}

func TestPredict_ZeroVelocityIsIdentity(t *testing.T) {
	p := New(512)
	for _, z := range []float64{0, 5, 12.5, 20} {
		got := p.Predict(stockholm, model.Velocity{}, 500*time.Millisecond, z)
		if got != stockholm {
			t.Fatalf("zoom %g: got %v want %v", z, got, stockholm)
		}
	}
}

func TestMetersPerPixel_KnownScale(t *testing.T) {
	// the classic 256px pyramid value at zoom 0
	almostEq(t, New(256).MetersPerPixel(0), 156543.03392804097, 1e-6)
	almostEq(t, New(512).MetersPerPixel(1), 156543.03392804097/4, 1e-6)
}

func TestPredict_HorizontalScenario(t *testing.T) {
	p := New(512)
	v := model.Velocity{VX: 0.5}
	const zoom = 10.0

	got := p.Predict(stockholm, v, 500*time.Millisecond, zoom)

	wantDeg := 250 * EarthCircumference / (512 * math.Exp2(zoom)) / MetersPerDegree
	almostEq(t, got.MinLon-stockholm.MinLon, wantDeg, 1e-12)
	almostEq(t, got.MaxLon-stockholm.MaxLon, wantDeg, 1e-12)
	almostEq(t, got.MinLat, stockholm.MinLat, 0)
	almostEq(t, got.MaxLat, stockholm.MaxLat, 0)
	almostEq(t, got.Width(), stockholm.Width(), 1e-12)

	d := Displacement(v, 500*time.Millisecond)
	almostEq(t, d.X, 250, 1e-12)
}

func TestPredict_UpwardMotionMovesNorth(t *testing.T) {
	p := New(512)
	got := p.Predict(stockholm, model.Velocity{VY: -1}, 100*time.Millisecond, 8)
	if got.MinLat <= stockholm.MinLat || got.MaxLat <= stockholm.MaxLat {
		t.Fatalf("negative screen vy should move the box north: %v", got)
	}
	almostEq(t, got.Height(), stockholm.Height(), 1e-12)
	almostEq(t, got.MinLon, stockholm.MinLon, 0)
}

func TestPredict_LatitudeClampPreservesHeight(t *testing.T) {
	p := New(512)
	polar := model.BBox{MinLon: 0, MinLat: 80, MaxLon: 10, MaxLat: 84}

	got := p.Predict(polar, model.Velocity{VY: -10}, time.Second, 2)
	almostEq(t, got.MaxLat, 85, 1e-9)
	almostEq(t, got.Height(), 4, 1e-9)
	if err := got.Validate(); err != nil {
		t.Fatalf("predicted box invalid: %v", err)
	}

	south := model.BBox{MinLon: 0, MinLat: -84, MaxLon: 10, MaxLat: -80}
	got = p.Predict(south, model.Velocity{VY: 10}, time.Second, 2)
	almostEq(t, got.MinLat, -85, 1e-9)
	almostEq(t, got.Height(), 4, 1e-9)
}

func TestPredict_DoesNotWrapLongitude(t *testing.T) {
	p := New(512)
	east := model.BBox{MinLon: 170, MinLat: 0, MaxLon: 179, MaxLat: 5}
	got := p.Predict(east, model.Velocity{VX: 2}, time.Second, 3)
	if got.MaxLon <= 180 {
		t.Fatalf("expected prediction to run past the antimeridian, got %v", got)
	}
	almostEq(t, got.Width(), 9, 1e-9)
}
