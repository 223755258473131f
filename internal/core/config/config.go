package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
)

type StrategyCfg struct {
	VectorThreshold int
	RasterThreshold int
	LowZoomBand     int
	HighZoomBand    int
	VectorTilerURL  string
	RasterTilerURL  string
}

type LedgerCfg struct {
	Driver    string // memory|redis
	RedisAddr string
	KeyPrefix string
	OpTimeout time.Duration
}

type HotspotCfg struct {
	H3Res     int
	HalfLife  time.Duration
	Threshold float64
	TTLCold   time.Duration
	TTLWarm   time.Duration
	TTLHot    time.Duration
}

type KafkaCfg struct {
	Brokers             string
	EventsEnabled       bool
	EventsTopic         string
	EventsQueue         int
	InvalidationEnabled bool
	InvalidationTopic   string
	GroupID             string
}

type Config struct {
	Addr           string
	LogLevel       string
	FetchTimeout   time.Duration
	SessionIdleTTL time.Duration
	Prediction     model.PredictionConfig
	Strategy       StrategyCfg
	Ledger         LedgerCfg
	Hotspot        HotspotCfg
	Kafka          KafkaCfg
}

func Defaults() model.PredictionConfig {
	return model.PredictionConfig{
		VelocityWindow:       200 * time.Millisecond,
		PredictionHorizon:    500 * time.Millisecond,
		MinVelocity:          0.1,
		Debounce:             100 * time.Millisecond,
		TilePadding:          1,
		MaxConcurrentFetches: 6,
		MaxTilesPerDispatch:  64,
		Estimator:            model.EstimatorWindow,
		EMADecay:             0.85,
		LedgerTTL:            60 * time.Second,
		CleanupInterval:      30 * time.Second,
		TileSize:             512,
	}
}

func DefaultStrategy() StrategyCfg {
	return StrategyCfg{
		VectorThreshold: 10_000,
		RasterThreshold: 100_000,
		LowZoomBand:     6,
		HighZoomBand:    15,
		VectorTilerURL:  "http://martin:3000",
		RasterTilerURL:  "http://titiler:9000",
	}
}

func FromEnv() Config {
	def := Defaults()
	sdef := DefaultStrategy()
	ttl := getduration("PREFETCH_LEDGER_TTL", def.LedgerTTL)

	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		FetchTimeout:   getduration("PREFETCH_FETCH_TIMEOUT", 5*time.Second),
		SessionIdleTTL: getduration("SESSION_IDLE_TTL", 15*time.Minute),
		Prediction: model.PredictionConfig{
			VelocityWindow:       getduration("PREDICT_VELOCITY_WINDOW", def.VelocityWindow),
			PredictionHorizon:    getduration("PREDICT_HORIZON", def.PredictionHorizon),
			MinVelocity:          getfloat("PREDICT_MIN_VELOCITY", def.MinVelocity),
			Debounce:             getduration("PREDICT_DEBOUNCE", def.Debounce),
			TilePadding:          getint("PREFETCH_TILE_PADDING", def.TilePadding),
			MaxConcurrentFetches: getint("PREFETCH_MAX_CONCURRENT", def.MaxConcurrentFetches),
			MaxTilesPerDispatch:  getint("PREFETCH_MAX_TILES", def.MaxTilesPerDispatch),
			Estimator:            model.Estimator(strings.ToLower(getenv("PREDICT_ESTIMATOR", string(def.Estimator)))),
			EMADecay:             getfloat("PREDICT_EMA_DECAY", def.EMADecay),
			LedgerTTL:            ttl,
			CleanupInterval:      getduration("PREFETCH_CLEANUP_INTERVAL", def.CleanupInterval),
			TileSize:             getint("TILE_SIZE", def.TileSize),
		},
		Strategy: StrategyCfg{
			VectorThreshold: getint("STRATEGY_VECTOR_THRESHOLD", sdef.VectorThreshold),
			RasterThreshold: getint("STRATEGY_RASTER_THRESHOLD", sdef.RasterThreshold),
			LowZoomBand:     getint("STRATEGY_LOW_ZOOM", sdef.LowZoomBand),
			HighZoomBand:    getint("STRATEGY_HIGH_ZOOM", sdef.HighZoomBand),
			VectorTilerURL:  getenv("VECTOR_TILER_URL", sdef.VectorTilerURL),
			RasterTilerURL:  getenv("RASTER_TILER_URL", sdef.RasterTilerURL),
		},
		Ledger: LedgerCfg{
			Driver:    strings.ToLower(getenv("LEDGER_DRIVER", "memory")),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			KeyPrefix: getenv("LEDGER_KEY_PREFIX", "prefetch"),
			OpTimeout: getduration("LEDGER_OP_TIMEOUT", 250*time.Millisecond),
		},
		Hotspot: HotspotCfg{
			H3Res:     getint("HOTSPOT_H3_RES", 6),
			HalfLife:  getduration("HOTSPOT_HALF_LIFE", time.Minute),
			Threshold: getfloat("HOTSPOT_THRESHOLD", 5.0),
			TTLCold:   getduration("HOTSPOT_TTL_COLD", ttl/2),
			TTLWarm:   getduration("HOTSPOT_TTL_WARM", ttl),
			TTLHot:    getduration("HOTSPOT_TTL_HOT", 2*ttl),
		},
		Kafka: KafkaCfg{
			Brokers:             getenv("KAFKA_BROKERS", "localhost:9092"),
			EventsEnabled:       getbool("PREFETCH_EVENTS_ENABLED", false),
			EventsTopic:         getenv("PREFETCH_EVENTS_TOPIC", "prefetch-batches"),
			EventsQueue:         getint("PREFETCH_EVENTS_QUEUE", 1024),
			InvalidationEnabled: getbool("INVALIDATION_ENABLED", false),
			InvalidationTopic:   getenv("KAFKA_TOPIC", "tile-invalidation"),
			GroupID:             getenv("KAFKA_GROUP_ID", "tile-prefetcher"),
		},
	}
}

// ValidatePrediction reports every problem in p at once.
func ValidatePrediction(p model.PredictionConfig) error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"velocity window":    p.VelocityWindow,
		"prediction horizon": p.PredictionHorizon,
		"debounce":           p.Debounce,
		"ledger ttl":         p.LedgerTTL,
		"cleanup interval":   p.CleanupInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %s)", name, d))
		}
	}
	if p.VelocityWindow == 0 {
		errs = append(errs, errors.New("velocity window must be > 0"))
	}
	// the debounce timer fires after the newest sample has aged by Debounce;
	// once that reaches the window no samples are left to estimate from
	if p.VelocityWindow > 0 && p.Debounce >= p.VelocityWindow {
		errs = append(errs, fmt.Errorf("debounce (%s) must be shorter than the velocity window (%s)", p.Debounce, p.VelocityWindow))
	}
	if p.MinVelocity < 0 {
		errs = append(errs, fmt.Errorf("min velocity must not be negative (got %g)", p.MinVelocity))
	}
	if p.TilePadding < 0 {
		errs = append(errs, fmt.Errorf("tile padding must not be negative (got %d)", p.TilePadding))
	}
	if p.MaxConcurrentFetches <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent fetches must be > 0 (got %d)", p.MaxConcurrentFetches))
	}
	if p.MaxTilesPerDispatch < 0 {
		errs = append(errs, fmt.Errorf("max tiles per dispatch must not be negative (got %d)", p.MaxTilesPerDispatch))
	}
	switch p.Estimator {
	case model.EstimatorWindow:
	case model.EstimatorEMA:
		if p.EMADecay <= 0 || p.EMADecay >= 1 {
			errs = append(errs, fmt.Errorf("ema decay must be in (0,1) (got %g)", p.EMADecay))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown estimator %q", p.Estimator))
	}
	if p.TileSize <= 0 {
		errs = append(errs, fmt.Errorf("tile size must be > 0 (got %d)", p.TileSize))
	}
	return errors.Join(errs...)
}

func ValidateStrategy(s StrategyCfg) error {
	var errs []error
	if s.VectorThreshold < 0 || s.RasterThreshold < 0 {
		errs = append(errs, errors.New("strategy thresholds must not be negative"))
	}
	if s.VectorThreshold > s.RasterThreshold {
		errs = append(errs, fmt.Errorf("vector threshold %d > raster threshold %d", s.VectorThreshold, s.RasterThreshold))
	}
	if s.LowZoomBand > s.HighZoomBand {
		errs = append(errs, fmt.Errorf("low zoom band %d > high zoom band %d", s.LowZoomBand, s.HighZoomBand))
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if err := ValidatePrediction(c.Prediction); err != nil {
		errs = append(errs, fmt.Errorf("prediction: %w", err))
	}
	if err := ValidateStrategy(c.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("strategy: %w", err))
	}
	switch c.Ledger.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("ledger: unknown driver %q", c.Ledger.Driver))
	}
	if c.Hotspot.H3Res < 0 || c.Hotspot.H3Res > 15 {
		errs = append(errs, fmt.Errorf("hotspot: invalid H3 resolution %d (must be 0..15)", c.Hotspot.H3Res))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// accepts Go durations ("250ms") or bare integers as milliseconds
func getduration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
