package h3mapper

import (
	"testing"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

func TestToParent_RollsUpAndIsIdempotent(t *testing.T) {
	m := New()
	cell, err := m.CellForPoint(model.LngLat{Lon: 18.0686, Lat: 59.3293}, 8)
	if err != nil {
		t.Fatalf("CellForPoint: %v", err)
	}

	same, err := m.ToParent(cell, 8)
	if err != nil || same != cell {
		t.Fatalf("same-res parent=%s err=%v want %s", same, err, cell)
	}

	parent, err := m.ToParent(cell, 5)
	if err != nil {
		t.Fatalf("ToParent: %v", err)
	}
	if parent == cell {
		t.Fatalf("parent should differ from the res-8 cell")
	}
	again, err := m.ToParent(parent, 5)
	if err != nil || again != parent {
		t.Fatalf("parent is not a res-5 cell: %s err=%v", again, err)
	}
	if _, err := m.ToParent(parent, 6); err == nil {
		t.Fatalf("expected error rolling a res-5 cell down to res 6")
	}
}

func TestToParent_BadInput(t *testing.T) {
	m := New()
	cell, _ := m.CellForPoint(model.LngLat{Lon: 11.9746, Lat: 57.7089}, 9)

	if _, err := m.ToParent(cell, 10); err == nil {
		t.Fatalf("expected error for parentRes > current res")
	}
	if _, err := m.ToParent("not-a-cell", 3); err == nil {
		t.Fatalf("expected error for malformed cell")
	}
	if _, err := m.ToParent(cell, -1); err == nil {
		t.Fatalf("expected error for negative res")
	}
}
