package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/tiles"
)

// State of a session's prediction pipeline. There is no failure state;
// a failed fetch is counted and forgotten.
type State string

const (
	StateIdle        State = "idle"
	StateTracking    State = "tracking"
	StatePrefetching State = "prefetching"
)

// Outcome of one Dispatch call.
type Outcome string

const (
	OutcomeDispatched   Outcome = "dispatched"
	OutcomeTooSlow      Outcome = "below_min_velocity"
	OutcomeNoSources    Outcome = "no_usable_source"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeLedgerError  Outcome = "ledger_error"
)

// Summary describes a finished Dispatch.
type Summary struct {
	Outcome       Outcome       `json:"outcome"`
	Predicted     model.BBox    `json:"predicted"`
	Zoom          int           `json:"zoom"`
	Speed         float64       `json:"speed"`
	Tiles         int           `json:"tiles"`
	Candidates    int           `json:"candidates"`
	LedgerSkipped int           `json:"ledger_skipped"`
	Fetched       int           `json:"fetched"`
	Failed        int           `json:"failed"`
	SourceSkips   []string      `json:"source_skips,omitempty"`
	TTL           time.Duration `json:"ttl"`
	Duration      time.Duration `json:"duration"`
}

// BatchObserver is told about every Dispatch that got past the velocity
// gate. Implementations must not block.
type BatchObserver interface {
	BatchDone(s Summary)
}

type Option func(*Dispatcher)

func WithTTLPolicy(p TTLPolicy) Option {
	return func(d *Dispatcher) { d.ttl = p }
}

func WithObserver(o BatchObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

type Dispatcher struct {
	cfg      model.PredictionConfig
	ledger   Ledger
	fetcher  Fetcher
	ttl      TTLPolicy
	observer BatchObserver
	log      *slog.Logger

	active atomic.Int32
}

func NewDispatcher(cfg model.PredictionConfig, ledger Ledger, fetcher Fetcher, opts ...Option) (*Dispatcher, error) {
	if ledger == nil || fetcher == nil {
		return nil, errors.New("prefetch: ledger and fetcher are required")
	}
	if cfg.MaxConcurrentFetches <= 0 {
		return nil, fmt.Errorf("prefetch: max concurrent fetches must be > 0 (got %d)", cfg.MaxConcurrentFetches)
	}
	if cfg.TilePadding < 0 {
		return nil, fmt.Errorf("prefetch: tile padding must not be negative (got %d)", cfg.TilePadding)
	}
	d := &Dispatcher{
		cfg:     cfg,
		ledger:  ledger,
		fetcher: fetcher,
		ttl:     FixedTTL(cfg.LedgerTTL),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// IsPrefetching reports whether a batch is in flight.
func (d *Dispatcher) IsPrefetching() bool { return d.active.Load() > 0 }

func (d *Dispatcher) Ledger() Ledger { return d.ledger }

// Dispatch warms every tile of predicted at zoom for each source. It is a
// no-op when speed is below the configured minimum. Only invalid input is
// returned as an error; fetch and ledger failures are logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, predicted model.BBox, zoom int, speed float64, sources []model.TileSource) (Summary, error) {
	start := time.Now()
	sum := Summary{Predicted: predicted, Zoom: zoom, Speed: speed}

	if speed < d.cfg.MinVelocity {
		sum.Outcome = OutcomeTooSlow
		return sum, nil
	}

	ts, err := tiles.Nearest(predicted, zoom, d.cfg.TilePadding, d.cfg.MaxTilesPerDispatch)
	if err != nil {
		return sum, fmt.Errorf("prefetch: %w", err)
	}
	sum.Tiles = len(ts)

	var candidates []string
	for _, src := range sources {
		urls, skipped, err := tiles.URLsForSource(src, ts)
		if err != nil {
			d.log.Debug("skipping source without usable template", "source", src.Name, "err", err)
			observability.IncTemplateSkip(src.Name)
			sum.SourceSkips = append(sum.SourceSkips, src.Name)
			continue
		}
		if skipped > 0 {
			d.log.Debug("ignored unusable mirror templates", "source", src.Name, "skipped", skipped)
		}
		candidates = append(candidates, urls...)
	}
	sum.Candidates = len(candidates)
	if len(candidates) == 0 {
		sum.Outcome = OutcomeNoSources
		d.finish(&sum, start)
		return sum, nil
	}

	sum.TTL = d.ttl.TTLFor(predicted.Center())
	claimed, err := d.ledger.Claim(ctx, candidates, sum.TTL)
	if err != nil {
		d.log.Warn("prefetch ledger unavailable, skipping batch", "err", err)
		sum.Outcome = OutcomeLedgerError
		d.finish(&sum, start)
		return sum, nil
	}
	sum.LedgerSkipped = len(candidates) - len(claimed)
	observability.AddLedgerSkips(sum.LedgerSkipped)
	if len(claimed) == 0 {
		sum.Outcome = OutcomeDeduplicated
		d.finish(&sum, start)
		return sum, nil
	}

	d.active.Add(1)
	failed := d.fetchChunked(ctx, claimed)
	d.active.Add(-1)

	if err := d.ledger.Mark(ctx, claimed, sum.TTL); err != nil {
		d.log.Warn("prefetch ledger refresh failed", "urls", len(claimed), "err", err)
	}

	sum.Outcome = OutcomeDispatched
	sum.Fetched = len(claimed) - failed
	sum.Failed = failed
	d.finish(&sum, start)
	d.log.Debug("prefetch batch done",
		"zoom", zoom, "tiles", sum.Tiles, "fetched", sum.Fetched,
		"failed", sum.Failed, "ledger_skipped", sum.LedgerSkipped, "ttl", sum.TTL)
	return sum, nil
}

// fetchChunked runs at most MaxConcurrentFetches requests at a time and
// waits for each chunk before starting the next.
func (d *Dispatcher) fetchChunked(ctx context.Context, urls []string) int {
	var failed atomic.Int32
	size := d.cfg.MaxConcurrentFetches
	for lo := 0; lo < len(urls); lo += size {
		if ctx.Err() != nil {
			failed.Add(int32(len(urls) - lo))
			break
		}
		hi := min(lo+size, len(urls))
		var wg conc.WaitGroup
		for _, u := range urls[lo:hi] {
			wg.Go(func() {
				t0 := time.Now()
				err := d.fetcher.Fetch(ctx, u)
				outcome := "ok"
				if err != nil {
					outcome = "error"
					failed.Add(1)
					d.log.Debug("prefetch request failed", "url", u, "err", err)
				}
				observability.ObservePrefetch(outcome, time.Since(t0).Seconds())
			})
		}
		wg.Wait()
	}
	return int(failed.Load())
}

func (d *Dispatcher) finish(sum *Summary, start time.Time) {
	sum.Duration = time.Since(start)
	observability.ObserveBatch(string(sum.Outcome), sum.Duration.Seconds())
	if d.observer != nil {
		d.observer.BatchDone(*sum)
	}
}

// RunCleanup sweeps expired ledger entries every interval until ctx ends.
func (d *Dispatcher) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := d.ledger.Sweep(ctx)
			if err != nil {
				d.log.Warn("prefetch ledger sweep failed", "err", err)
				continue
			}
			if n > 0 {
				d.log.Debug("prefetch ledger swept", "removed", n)
			}
		}
	}
}
