package prefetch

import (
	"log/slog"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/hotness"
)

// TTLPolicy picks the ledger lifetime for a batch headed to center.
type TTLPolicy interface {
	TTLFor(center model.LngLat) time.Duration
}

type FixedTTL time.Duration

func (f FixedTTL) TTLFor(model.LngLat) time.Duration { return time.Duration(f) }

type CellLocator interface {
	CellForPoint(p model.LngLat, res int) (string, error)
}

type Temperature string

const (
	Cold Temperature = "cold"
	Warm Temperature = "warm"
	Hot  Temperature = "hot"
)

type HotspotTTLConfig struct {
	Res       int
	Threshold float64
	Cold      time.Duration
	Warm      time.Duration
	Hot       time.Duration
}

// HotspotTTL counts each destination in its H3 cell and keeps tiles of
// popular destinations in the ledger longer. A cell is hot at Threshold
// and warm from half of it.
type HotspotTTL struct {
	cfg   HotspotTTLConfig
	hot   hotness.Interface
	cells CellLocator
	log   *slog.Logger
}

func NewHotspotTTL(cfg HotspotTTLConfig, hot hotness.Interface, cells CellLocator, log *slog.Logger) *HotspotTTL {
	if log == nil {
		log = slog.Default()
	}
	return &HotspotTTL{cfg: cfg, hot: hot, cells: cells, log: log}
}

func (h *HotspotTTL) TTLFor(center model.LngLat) time.Duration {
	cell, err := h.cells.CellForPoint(center, h.cfg.Res)
	if err != nil {
		h.log.Debug("hotspot cell lookup failed", "lon", center.Lon, "lat", center.Lat, "err", err)
		return h.cfg.Warm
	}
	h.hot.Inc(cell)
	switch h.Classify(h.hot.Score(cell)) {
	case Hot:
		return h.cfg.Hot
	case Warm:
		return h.cfg.Warm
	default:
		return h.cfg.Cold
	}
}

func (h *HotspotTTL) Classify(score float64) Temperature {
	switch {
	case h.cfg.Threshold <= 0:
		return Warm
	case score >= h.cfg.Threshold:
		return Hot
	case score >= h.cfg.Threshold/2:
		return Warm
	default:
		return Cold
	}
}
