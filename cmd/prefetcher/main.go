package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/mohammed-shakir/tile-prefetch/internal/cache/redisstore"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/config"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/health"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/httpclient"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/router"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/server"
	"github.com/mohammed-shakir/tile-prefetch/internal/hotness/expdecay"
	"github.com/mohammed-shakir/tile-prefetch/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/tile-prefetch/internal/invalidation"
	"github.com/mohammed-shakir/tile-prefetch/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/tile-prefetch/internal/logger"
	h3mapper "github.com/mohammed-shakir/tile-prefetch/internal/mapper/h3"
	"github.com/mohammed-shakir/tile-prefetch/internal/metrics"
	"github.com/mohammed-shakir/tile-prefetch/internal/prefetch"
	"github.com/mohammed-shakir/tile-prefetch/internal/prefetchevents"
	"github.com/mohammed-shakir/tile-prefetch/internal/session"
	"github.com/mohammed-shakir/tile-prefetch/internal/strategy"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "prefetcher",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 1
	}

	var provider *metrics.Provider
	if strings.ToLower(os.Getenv("METRICS_ENABLED")) != "false" {
		provider = metrics.Init(metrics.Config{
			Enabled: true,
			Path:    os.Getenv("METRICS_PATH"),
			Build:   metrics.BuildFromEnv(Version),
		})
		observability.Init(provider.Registerer(), true)
	} else {
		observability.Init(nil, false)
	}
	observability.ExposeBuildInfo(Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("starting prefetcher",
		"addr", cfg.Addr,
		"version", Version,
		"ledger", cfg.Ledger.Driver,
		"estimator", cfg.Prediction.Estimator)

	ready := health.Checks{}
	ledgers := session.MemoryLedgers()
	if cfg.Ledger.Driver == "redis" {
		store, err := redisstore.New(ctx, cfg.Ledger.RedisAddr)
		if err != nil {
			appLog.Error("redis ledger unavailable", "addr", cfg.Ledger.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = store.Close() }()
		ledgers = session.SharedLedger(prefetch.NewRedisLedger(store, cfg.Ledger.KeyPrefix, cfg.Ledger.OpTimeout))
		ready.Ledger = store
	}

	selector, err := strategy.New(cfg.Strategy)
	if err != nil {
		appLog.Error("strategy setup failed", "err", err)
		return 1
	}

	mapper := h3mapper.New()
	tracker := expdecay.New(cfg.Hotspot.HalfLife)
	hot := metricswrap.New(tracker, cfg.Hotspot.Threshold, 0.01, appLog)
	ttl := prefetch.NewHotspotTTL(prefetch.HotspotTTLConfig{
		Res:       cfg.Hotspot.H3Res,
		Threshold: cfg.Hotspot.Threshold,
		Cold:      cfg.Hotspot.TTLCold,
		Warm:      cfg.Hotspot.TTLWarm,
		Hot:       cfg.Hotspot.TTLHot,
	}, hot, mapper, appLog)

	deps := session.Deps{
		Fetcher:  prefetch.NewHTTPFetcher(httpclient.NewOutbound(envInt("FETCH_CONNS_PER_HOST", 0)), cfg.FetchTimeout, "tile-prefetch/"+Version),
		TTL:      ttl,
		Selector: selector,
		Log:      appLog,
	}

	var publisher *prefetchevents.Publisher
	if cfg.Kafka.EventsEnabled {
		brokers := kafkaconsumer.FromKafka(cfg.Kafka).Brokers
		publisher, err = prefetchevents.NewPublisher(brokers, cfg.Kafka.EventsTopic, cfg.Kafka.EventsQueue, appLog)
		if err != nil {
			appLog.Error("prefetch event publisher setup failed", "err", err)
			return 1
		}
		defer func() { _ = publisher.Close() }()
		deps.Observer = publisher
	}

	mgr, err := session.NewManager(session.ManagerConfig{
		Prediction: cfg.Prediction,
		IdleTTL:    cfg.SessionIdleTTL,
		Ledgers:    ledgers,
		Deps:       deps,
	})
	if err != nil {
		appLog.Error("session manager setup failed", "err", err)
		return 1
	}
	defer mgr.CloseAll()

	applier := invalidation.NewApplier(mgr, invalidation.Options{
		Logger:  appLog,
		Mapper:  mapper,
		Hotness: hot,
		Res:     cfg.Hotspot.H3Res,
	})

	var bg conc.WaitGroup
	defer func() {
		stop()
		bg.Wait()
	}()

	bg.Go(func() { mgr.RunReaper(ctx, time.Minute) })
	bg.Go(func() { pruneHotspots(ctx, tracker, cfg.Hotspot.HalfLife) })

	if cfg.Kafka.InvalidationEnabled {
		opts := kafkaconsumer.Options{Logger: appLog}
		if provider != nil {
			opts.Register = provider.Registerer()
		}
		consumer := kafkaconsumer.New(kafkaconsumer.FromKafka(cfg.Kafka), applier, opts)
		if err := consumer.Start(ctx); err != nil {
			appLog.Error("invalidation consumer failed to start", "err", err)
			return 1
		}
		defer consumer.Stop()
		ready.Consumer = consumer
	}

	srvDeps := server.Deps{
		API: router.Deps{
			Sessions:    mgr,
			Selector:    selector,
			Hotspots:    tracker,
			Invalidator: applier,
			Mapper:      mapper,
			Logger:      appLog,
		},
		Ready: ready,
	}
	if provider != nil {
		srvDeps.Metrics = provider.Handler()
		srvDeps.MetricsPath = provider.MetricsPath()
	}

	if err := server.Run(ctx, cfg, appLog, srvDeps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped", "sessions", mgr.Len())
	return 0
}

// pruneHotspots drops cells whose score decayed to nothing.
func pruneHotspots(ctx context.Context, t *expdecay.Tracker, halfLife time.Duration) {
	if halfLife <= 0 {
		return
	}
	tick := time.NewTicker(halfLife)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := t.Prune(); n > 0 {
				observability.SetHotspotCells(t.Size())
			}
		}
	}
}
