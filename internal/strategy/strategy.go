// Package strategy picks the rendering representation for a dataset.
package strategy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/config"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
)

const (
	clusterRadius  = 50
	clusterMaxZoom = 14
	maxSourceZoom  = 22
)

// Reason explains why a strategy was chosen.
type Reason string

const (
	ReasonSmallDataset Reason = "below_vector_threshold"
	ReasonLargeDataset Reason = "above_raster_threshold"
	ReasonLowZoom      Reason = "medium_density_low_zoom"
	ReasonHighZoom     Reason = "medium_density_high_zoom"
	ReasonMidZoom      Reason = "medium_density_mid_zoom"
)

type Selector struct {
	cfg config.StrategyCfg
}

// New fails when the thresholds or zoom bands are inverted.
func New(cfg config.StrategyCfg) (*Selector, error) {
	if err := config.ValidateStrategy(cfg); err != nil {
		return nil, fmt.Errorf("strategy config: %w", err)
	}
	cfg.VectorTilerURL = strings.TrimRight(cfg.VectorTilerURL, "/")
	cfg.RasterTilerURL = strings.TrimRight(cfg.RasterTilerURL, "/")
	return &Selector{cfg: cfg}, nil
}

func (s *Selector) Determine(featureCount, zoom int) model.RenderStrategy {
	st, _ := s.decide(featureCount, zoom)
	return st
}

func (s *Selector) decide(featureCount, zoom int) (model.RenderStrategy, Reason) {
	switch {
	case featureCount < s.cfg.VectorThreshold:
		return model.StrategyVector, ReasonSmallDataset
	case featureCount > s.cfg.RasterThreshold:
		return model.StrategyRaster, ReasonLargeDataset
	case zoom <= s.cfg.LowZoomBand:
		return model.StrategyHybrid, ReasonLowZoom
	case zoom >= s.cfg.HighZoomBand:
		return model.StrategyRaster, ReasonHighZoom
	default:
		return model.StrategyHybrid, ReasonMidZoom
	}
}

func SourceID(dataset string) string {
	return "dataset-" + sanitize(dataset)
}

func (s *Selector) SourceFor(st model.RenderStrategy, dataset string) model.SourceDescriptor {
	id := SourceID(dataset)
	switch st {
	case model.StrategyRaster:
		return model.SourceDescriptor{
			ID:       id,
			Type:     model.SourceRaster,
			Tiles:    []string{s.rasterTemplate(dataset)},
			TileSize: 256,
			MinZoom:  0,
			MaxZoom:  maxSourceZoom,
		}
	case model.StrategyHybrid:
		return model.SourceDescriptor{
			ID:             id,
			Type:           model.SourceVector,
			Tiles:          []string{s.vectorTemplate(dataset)},
			MinZoom:        0,
			MaxZoom:        maxSourceZoom,
			Cluster:        true,
			ClusterRadius:  clusterRadius,
			ClusterMaxZoom: clusterMaxZoom,
		}
	default:
		return model.SourceDescriptor{
			ID:      id,
			Type:    model.SourceVector,
			Tiles:   []string{s.vectorTemplate(dataset)},
			MinZoom: 0,
			MaxZoom: maxSourceZoom,
		}
	}
}

func (s *Selector) LayersFor(st model.RenderStrategy, dataset string) []model.LayerDescriptor {
	src := SourceID(dataset)
	base := model.LayerDescriptor{
		ID:       src + "-base",
		SourceID: src,
		Strategy: st,
		Visible:  true,
		Opacity:  1,
	}
	switch st {
	case model.StrategyRaster:
		base.Type = model.LayerRaster
		return []model.LayerDescriptor{base}
	case model.StrategyHybrid:
		base.Type = model.LayerCircle
		base.Filter = []any{"!", []any{"has", "point_count"}}
		clusters := model.LayerDescriptor{
			ID:       src + "-clusters",
			SourceID: src,
			Type:     model.LayerCircle,
			Strategy: st,
			Visible:  true,
			Opacity:  0.8,
			Filter:   []any{"has", "point_count"},
		}
		counts := model.LayerDescriptor{
			ID:       src + "-cluster-count",
			SourceID: src,
			Type:     model.LayerSymbol,
			Strategy: st,
			Visible:  true,
			Opacity:  1,
			Filter:   []any{"has", "point_count"},
		}
		return []model.LayerDescriptor{base, clusters, counts}
	default:
		base.Type = model.LayerFill
		return []model.LayerDescriptor{base}
	}
}

// TileURL is the concrete URL of one tile of dataset under st.
func (s *Selector) TileURL(st model.RenderStrategy, dataset string, z, x, y int) string {
	tmpl := s.vectorTemplate(dataset)
	if st == model.StrategyRaster {
		tmpl = s.rasterTemplate(dataset)
	}
	r := strings.NewReplacer("{z}", fmt.Sprint(z), "{x}", fmt.Sprint(x), "{y}", fmt.Sprint(y))
	return r.Replace(tmpl)
}

type Recommendation struct {
	Dataset  model.DatasetDescriptor `json:"dataset"`
	Strategy model.RenderStrategy    `json:"strategy"`
	Reason   Reason                  `json:"reason"`
	Source   model.SourceDescriptor  `json:"source"`
	Layers   []model.LayerDescriptor `json:"layers"`
}

func (s *Selector) Recommend(d model.DatasetDescriptor) Recommendation {
	st, why := s.decide(d.FeatureCount, d.Zoom)
	observability.IncStrategyDecision(string(st))
	return Recommendation{
		Dataset:  d,
		Strategy: st,
		Reason:   why,
		Source:   s.SourceFor(st, d.ID),
		Layers:   s.LayersFor(st, d.ID),
	}
}

func (s *Selector) vectorTemplate(dataset string) string {
	return s.cfg.VectorTilerURL + "/" + url.PathEscape(sanitize(dataset)) + "/{z}/{x}/{y}"
}

func (s *Selector) rasterTemplate(dataset string) string {
	return s.cfg.RasterTilerURL + "/tiles/{z}/{x}/{y}?dataset=" + url.QueryEscape(sanitize(dataset))
}

// keeps ids usable inside URLs and layer ids
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := r
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			out = '-'
		}
		if out == '-' && prev == '-' {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}
