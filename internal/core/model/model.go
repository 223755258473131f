// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
	"time"
)

// MaxMercatorLat is the latitude limit used for viewport and tile math.
const MaxMercatorLat = 85.0

type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// String representation matching the lon,lat,lon,lat query format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

func (b BBox) Width() float64  { return b.MaxLon - b.MinLon }
func (b BBox) Height() float64 { return b.MaxLat - b.MinLat }

func (b BBox) Center() LngLat {
	return LngLat{Lon: (b.MinLon + b.MaxLon) / 2, Lat: (b.MinLat + b.MaxLat) / 2}
}

func (b BBox) Validate() error {
	for _, v := range []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bbox %s has non-finite coordinate", b)
		}
	}
	if b.MinLon > b.MaxLon {
		return fmt.Errorf("bbox %s: minLon > maxLon", b)
	}
	if b.MinLat > b.MaxLat {
		return fmt.Errorf("bbox %s: minLat > maxLat", b)
	}
	if b.MinLat < -MaxMercatorLat || b.MaxLat > MaxMercatorLat {
		return fmt.Errorf("bbox %s: latitude outside [-%g, %g]", b, MaxMercatorLat, MaxMercatorLat)
	}
	return nil
}

type LngLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Point is a screen or world pixel position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Tile struct {
	X, Y uint32
	Z    int
}

func (t Tile) String() string { return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y) }

type Tiles []Tile

// Velocity in pixels per millisecond. Positive VY points south on screen.
type Velocity struct {
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

func (v Velocity) Speed() float64 { return math.Hypot(v.VX, v.VY) }

func (v Velocity) IsZero() bool { return v.VX == 0 && v.VY == 0 }

type VelocitySample struct {
	Velocity
	At time.Time
}

type Estimator string

const (
	EstimatorWindow Estimator = "window"
	EstimatorEMA    Estimator = "ema"
)

type PredictionConfig struct {
	VelocityWindow       time.Duration
	PredictionHorizon    time.Duration
	MinVelocity          float64
	Debounce             time.Duration
	TilePadding          int
	MaxConcurrentFetches int
	MaxTilesPerDispatch  int
	Estimator            Estimator
	EMADecay             float64
	LedgerTTL            time.Duration
	CleanupInterval      time.Duration
	TileSize             int
}

type RenderStrategy string

const (
	StrategyVector RenderStrategy = "vector"
	StrategyHybrid RenderStrategy = "hybrid"
	StrategyRaster RenderStrategy = "raster"
)

type DatasetDescriptor struct {
	ID           string `json:"id,omitempty"`
	FeatureCount int    `json:"feature_count"`
	Zoom         int    `json:"zoom"`
}

type SourceType string

const (
	SourceVector SourceType = "vector"
	SourceRaster SourceType = "raster"
)

type SourceDescriptor struct {
	ID             string     `json:"id"`
	Type           SourceType `json:"type"`
	Tiles          []string   `json:"tiles"`
	TileSize       int        `json:"tile_size,omitempty"`
	MinZoom        int        `json:"minzoom"`
	MaxZoom        int        `json:"maxzoom"`
	Cluster        bool       `json:"cluster,omitempty"`
	ClusterRadius  int        `json:"cluster_radius,omitempty"`
	ClusterMaxZoom int        `json:"cluster_max_zoom,omitempty"`
}

type LayerType string

const (
	LayerFill   LayerType = "fill"
	LayerCircle LayerType = "circle"
	LayerSymbol LayerType = "symbol"
	LayerRaster LayerType = "raster"
)

type LayerDescriptor struct {
	ID       string         `json:"id"`
	SourceID string         `json:"source_id"`
	Type     LayerType      `json:"type"`
	Strategy RenderStrategy `json:"strategy"`
	Visible  bool           `json:"visible"`
	Opacity  float64        `json:"opacity"`
	Filter   []any          `json:"filter,omitempty"`
}

// TileSource is a named source supplied by the map client.
type TileSource struct {
	Name  string     `json:"name"`
	Type  SourceType `json:"type"`
	Tiles []string   `json:"tiles,omitempty"`
}
