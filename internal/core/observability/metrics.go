package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prefetcher_build_info",
			Help: "Build version of the prefetcher binary (value is always 1).",
		},
		[]string{"version"},
	)

	prefetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_requests_total",
			Help: "Speculative tile requests by outcome.",
		},
		[]string{"outcome"},
	)

	prefetchFetchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prefetch_fetch_duration_seconds",
			Help:    "Latency of a single speculative tile request.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	prefetchBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_batches_total",
			Help: "Dispatch calls by result (dispatched, below_threshold, empty).",
		},
		[]string{"result"},
	)

	prefetchBatchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prefetch_batch_duration_seconds",
			Help:    "Wall time of a dispatch batch until every chunk settled.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	ledgerSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_ledger_skips_total",
			Help: "URLs skipped because the ledger already had a fresh entry.",
		},
	)

	templateSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_template_skips_total",
			Help: "Sources skipped because they had no usable tile template.",
		},
		[]string{"source"},
	)

	ledgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_op_total",
			Help: "Ledger operations by op and result.",
		},
		[]string{"op", "result"},
	)

	ledgerOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Ledger operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"op"},
	)

	strategyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_decisions_total",
			Help: "Rendering strategy decisions by strategy.",
		},
		[]string{"strategy"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of open map sessions.",
		},
	)

	hotspotCells = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hotspot_cells",
			Help: "Number of H3 cells tracked as prediction destinations.",
		},
	)

	invalidationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Tile invalidation events by result.",
		},
		[]string{"result"},
	)

	invalidationLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "invalidation_lag_seconds",
			Help: "Approximate lag: now - message.timestamp.",
		},
	)

	batchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_events_total",
			Help: "Prefetch batch events handed to the publisher by result.",
		},
		[]string{"result"}, // queued|dropped|error
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, buildInfo,
		prefetchRequests, prefetchFetchSeconds, prefetchBatches, prefetchBatchSeconds,
		ledgerSkips, templateSkips, ledgerOps, ledgerOpSeconds,
		strategyDecisions, sessionsActive, hotspotCells, invalidationEvents,
		invalidationLag, batchEvents,
	}
}

// Init also exposes the service collectors on reg (e.g. a metrics.Provider registry).
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func ObservePrefetch(outcome string, durationSeconds float64) {
	prefetchRequests.WithLabelValues(outcome).Inc()
	prefetchFetchSeconds.Observe(durationSeconds)
}

func ObserveBatch(result string, durationSeconds float64) {
	prefetchBatches.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		prefetchBatchSeconds.Observe(durationSeconds)
	}
}

func AddLedgerSkips(n int) {
	if n > 0 {
		ledgerSkips.Add(float64(n))
	}
}

func IncTemplateSkip(source string) {
	templateSkips.WithLabelValues(source).Inc()
}

func ObserveLedgerOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerOps.WithLabelValues(op, result).Inc()
	ledgerOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncStrategyDecision(strategy string) {
	strategyDecisions.WithLabelValues(strategy).Inc()
}

func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

func SetHotspotCells(n int) {
	hotspotCells.Set(float64(n))
}

func IncInvalidation(result string) {
	invalidationEvents.WithLabelValues(result).Inc()
}

func SetInvalidationLagSeconds(v float64) {
	invalidationLag.Set(v)
}

func IncBatchEvent(result string) {
	batchEvents.WithLabelValues(result).Inc()
}
