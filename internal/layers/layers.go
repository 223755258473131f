// Package layers keeps per-session layer visibility and opacity.
package layers

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

var (
	ErrLayerNotFound  = errors.New("layer not found")
	ErrDuplicateLayer = errors.New("layer already registered")
)

// Registry is the only mutator of its descriptors; every read returns copies.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]model.LayerDescriptor
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]model.LayerDescriptor)}
}

func (r *Registry) Register(l model.LayerDescriptor) error {
	l.ID = strings.TrimSpace(l.ID)
	if l.ID == "" {
		return errors.New("layer id is required")
	}
	l.Opacity = clamp01(l.Opacity)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[l.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLayer, l.ID)
	}
	r.byID[l.ID] = clone(l)
	r.order = append(r.order, l.ID)
	return nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("%w: %q", ErrLayerNotFound, id)
	}
	r.remove(id)
	return nil
}

func (r *Registry) SetVisibility(id string, visible bool) error {
	return r.update(id, func(l *model.LayerDescriptor) { l.Visible = visible })
}

// SetOpacity clamps opacity into [0,1].
func (r *Registry) SetOpacity(id string, opacity float64) error {
	return r.update(id, func(l *model.LayerDescriptor) { l.Opacity = clamp01(opacity) })
}

func (r *Registry) Get(id string) (model.LayerDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	if !ok {
		return model.LayerDescriptor{}, fmt.Errorf("%w: %q", ErrLayerNotFound, id)
	}
	return clone(l), nil
}

// All returns copies in registration order.
func (r *Registry) All() []model.LayerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.LayerDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, clone(r.byID[id]))
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ReplaceSource drops every layer bound to sourceID and registers ls in its
// place. Nothing changes when ls contains a duplicate id.
func (r *Registry) ReplaceSource(sourceID string, ls []model.LayerDescriptor) error {
	seen := make(map[string]struct{}, len(ls))
	for _, l := range ls {
		if _, dup := seen[l.ID]; dup || strings.TrimSpace(l.ID) == "" {
			return fmt.Errorf("%w: %q", ErrDuplicateLayer, l.ID)
		}
		seen[l.ID] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range ls {
		if cur, ok := r.byID[l.ID]; ok && cur.SourceID != sourceID {
			return fmt.Errorf("%w: %q belongs to source %q", ErrDuplicateLayer, l.ID, cur.SourceID)
		}
	}
	for _, id := range slices.Clone(r.order) {
		if r.byID[id].SourceID == sourceID {
			r.remove(id)
		}
	}
	for _, l := range ls {
		l.Opacity = clamp01(l.Opacity)
		r.byID[l.ID] = clone(l)
		r.order = append(r.order, l.ID)
	}
	return nil
}

func (r *Registry) update(id string, fn func(*model.LayerDescriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrLayerNotFound, id)
	}
	fn(&l)
	r.byID[id] = l
	return nil
}

// caller holds r.mu
func (r *Registry) remove(id string) {
	delete(r.byID, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clone(l model.LayerDescriptor) model.LayerDescriptor {
	l.Filter = slices.Clone(l.Filter)
	return l
}
