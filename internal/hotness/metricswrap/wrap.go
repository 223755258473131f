// Package metricswrap publishes hotspot tracker size and hot-cell crossings.
package metricswrap

import (
	"fmt"
	"log/slog"

	xx "github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/hotness"
)

type Sizer interface{ Size() int }

type WithMetrics struct {
	inner     hotness.Interface
	threshold float64
	sample    float64
	log       *slog.Logger
}

// New wraps inner. A cell crossing threshold is logged for a sample
// fraction of cells, picked by hash so one cell is always in or out.
func New(inner hotness.Interface, threshold, sample float64, log *slog.Logger) *WithMetrics {
	if log == nil {
		log = slog.Default()
	}
	return &WithMetrics{inner: inner, threshold: threshold, sample: sample, log: log}
}

func (w *WithMetrics) Inc(cell string) {
	before := w.inner.Score(cell)
	w.inner.Inc(cell)
	if w.threshold > 0 {
		score := w.inner.Score(cell)
		if before < w.threshold && score >= w.threshold && shouldLog(w.sample, cell) {
			w.log.Info("hotspot above threshold",
				"cell", cell,
				"cell_hash", fmt.Sprintf("%08x", xx.Sum64String(cell)),
				"score", score)
		}
	}
	w.publishSize()
}

func (w *WithMetrics) Score(cell string) float64 {
	return w.inner.Score(cell)
}

func (w *WithMetrics) Reset(cells ...string) {
	w.inner.Reset(cells...)
	w.publishSize()
}

func (w *WithMetrics) publishSize() {
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotspotCells(s.Size())
	}
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000 // 0.01 => 100/10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	h := xx.Sum64String(key)
	return (h % denom) < threshold
}
