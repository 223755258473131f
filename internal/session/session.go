// Package session binds one client's viewport stream to the prediction
// pipeline: motion tracking, debounced prediction and prefetch dispatch.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/config"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/layers"
	"github.com/mohammed-shakir/tile-prefetch/internal/logger"
	"github.com/mohammed-shakir/tile-prefetch/internal/motion"
	"github.com/mohammed-shakir/tile-prefetch/internal/prefetch"
	"github.com/mohammed-shakir/tile-prefetch/internal/projector"
	"github.com/mohammed-shakir/tile-prefetch/internal/strategy"
	"github.com/mohammed-shakir/tile-prefetch/internal/tiles"
	"github.com/mohammed-shakir/tile-prefetch/internal/viewport"
)

var ErrClosed = errors.New("session closed")

// Deps are the collaborators a session is built from. Ledger is required;
// OwnsLedger tells Close whether the ledger may be discarded.
type Deps struct {
	Ledger     prefetch.Ledger
	OwnsLedger bool
	Fetcher    prefetch.Fetcher
	TTL        prefetch.TTLPolicy
	Observer   prefetch.BatchObserver
	Scheduler  prefetch.Scheduler
	Selector   *strategy.Selector
	Now        func() time.Time
	Log        *slog.Logger
}

// sessionObserver is implemented by observers that tag batches with the
// session they belong to.
type sessionObserver interface {
	ForSession(id string) prefetch.BatchObserver
}

type Status struct {
	ID            string            `json:"id"`
	State         prefetch.State    `json:"state"`
	IsPredicting  bool              `json:"is_predicting"`
	IsPrefetching bool              `json:"is_prefetching"`
	Velocity      model.Velocity    `json:"velocity"`
	Speed         float64           `json:"speed"`
	Predicted     *model.BBox       `json:"predicted,omitempty"`
	LedgerSize    int               `json:"ledger_size"`
	Viewport      viewport.State    `json:"viewport"`
	LastBatch     *prefetch.Summary `json:"last_batch,omitempty"`
	LastActive    time.Time         `json:"last_active"`
}

type Session struct {
	id   string
	cfg  model.PredictionConfig
	deps Deps
	log  *slog.Logger

	hub       *viewport.Hub
	px        viewport.Projector
	proj      *projector.Projector
	disp      *prefetch.Dispatcher
	deb       *prefetch.Debouncer
	layers    *layers.Registry
	disposers []viewport.Disposer

	ctx     context.Context
	cancel  context.CancelFunc
	bg      conc.WaitGroup
	batches conc.WaitGroup

	mu          sync.Mutex
	tracker     *motion.Tracker
	sources     []model.TileSource
	datasets    map[string]model.TileSource
	state       viewport.State
	zoom        float64
	gesture     bool
	velocity    model.Velocity
	predicting  bool
	predicted   *model.BBox
	lastBatch   *prefetch.Summary
	lastEventAt time.Time // client clock
	lastRecvAt  time.Time // server clock
	lastActive  time.Time
	closed      bool
}

func New(id string, cfg model.PredictionConfig, deps Deps) (*Session, error) {
	if deps.Ledger == nil || deps.Fetcher == nil {
		return nil, errors.New("session: ledger and fetcher are required")
	}
	if err := config.ValidatePrediction(cfg); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	est, err := motion.NewEstimator(cfg.Estimator, cfg.EMADecay)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	log := deps.Log.With("session", id)

	opts := []prefetch.Option{prefetch.WithLogger(log)}
	if deps.TTL != nil {
		opts = append(opts, prefetch.WithTTLPolicy(deps.TTL))
	}
	if deps.Observer != nil {
		obs := deps.Observer
		if so, ok := obs.(sessionObserver); ok {
			obs = so.ForSession(id)
		}
		opts = append(opts, prefetch.WithObserver(obs))
	}
	disp, err := prefetch.NewDispatcher(cfg, deps.Ledger, deps.Fetcher, opts...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	ctx, cancel := context.WithCancel(logger.WithSession(context.Background(), id))
	s := &Session{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		log:        log,
		hub:        viewport.NewHub(),
		px:         viewport.NewProjector(cfg.TileSize),
		proj:       projector.New(cfg.TileSize),
		disp:       disp,
		layers:     layers.NewRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		tracker:    motion.NewTracker(cfg.VelocityWindow, cfg.Debounce, est),
		datasets:   make(map[string]model.TileSource),
		lastActive: deps.Now(),
	}
	s.deb = prefetch.NewDebouncer(cfg.Debounce, deps.Scheduler, s.predictAndDispatch)
	s.disposers = []viewport.Disposer{
		s.hub.OnMove(s.onMove),
		s.hub.OnDrag(s.onMove),
		s.hub.OnMoveEnd(s.onEnd),
		s.hub.OnDragEnd(s.onEnd),
	}
	s.bg.Go(func() { disp.RunCleanup(ctx, cfg.CleanupInterval) })
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Layers() *layers.Registry { return s.layers }

func (s *Session) Hub() *viewport.Hub { return s.hub }

// HandleEvent validates ev and publishes it to the viewport hub.
func (s *Session) HandleEvent(ev viewport.Event) error {
	if _, err := viewport.ParseKind(string(ev.Kind)); err != nil {
		return err
	}
	if err := ev.State.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.lastActive = s.deps.Now()
	}
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ev.At.IsZero() {
		ev.At = s.deps.Now()
	}
	s.hub.Publish(ev)
	return nil
}

func (s *Session) record(ev viewport.Event) {
	if ev.Zoom != s.zoom {
		// pixel coordinates change scale with zoom
		s.tracker.Reset()
		s.zoom = ev.Zoom
	}
	s.tracker.Record(s.px.Project(ev.Center, ev.Zoom), ev.At)
	s.state = ev.State
	s.gesture = true
	s.lastEventAt = ev.At
	s.lastRecvAt = s.deps.Now()
}

func (s *Session) onMove(ev viewport.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.record(ev)
	s.mu.Unlock()
	s.deb.Trigger()
}

func (s *Session) onEnd(ev viewport.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.record(ev)
	s.mu.Unlock()

	s.deb.Flush()

	s.mu.Lock()
	s.gesture = false
	s.tracker.Reset()
	s.mu.Unlock()
}

// predictAndDispatch runs when the debounce settles. The tracker works on
// the client's clock, so the server time elapsed since the last event is
// added to the last client timestamp.
func (s *Session) predictAndDispatch() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.lastEventAt.Add(s.deps.Now().Sub(s.lastRecvAt))
	v, ok := s.tracker.Velocity(now)
	s.velocity = v
	speed := v.Speed()
	s.predicting = ok && speed >= s.cfg.MinVelocity
	if !s.predicting {
		s.predicted = nil
		s.mu.Unlock()
		return
	}
	predicted := s.proj.Predict(s.state.Bounds, v, s.cfg.PredictionHorizon, s.state.Zoom)
	s.predicted = &predicted
	zoom := tileZoom(s.state.Zoom)
	sources := s.sourcesLocked()

	// started under mu so Close, which flips closed under mu before
	// waiting, never races a new batch
	s.batches.Go(func() {
		sum, err := s.disp.Dispatch(s.ctx, predicted, zoom, speed, sources)
		if err != nil {
			s.log.Warn("prefetch dispatch rejected", "err", err)
			return
		}
		s.mu.Lock()
		s.lastBatch = &sum
		s.mu.Unlock()
	})
	s.mu.Unlock()
}

func tileZoom(z float64) int {
	return max(0, min(tiles.MaxZoom, int(math.Floor(z))))
}

func (s *Session) sourcesLocked() []model.TileSource {
	out := make([]model.TileSource, 0, len(s.sources)+len(s.datasets))
	out = append(out, s.sources...)
	for _, src := range s.datasets {
		out = append(out, src)
	}
	return out
}

// SetSources replaces the client-declared tile sources.
func (s *Session) SetSources(srcs []model.TileSource) {
	cp := make([]model.TileSource, len(srcs))
	for i, src := range srcs {
		cp[i] = model.TileSource{Name: src.Name, Type: src.Type, Tiles: append([]string(nil), src.Tiles...)}
	}
	s.mu.Lock()
	s.sources = cp
	s.mu.Unlock()
}

func (s *Session) Sources() []model.TileSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourcesLocked()
}

// ApplyDataset asks the selector for a rendering strategy, replaces the
// dataset's layers in the registry and prefetches its tiles from then on.
func (s *Session) ApplyDataset(d model.DatasetDescriptor) (strategy.Recommendation, error) {
	if s.deps.Selector == nil {
		return strategy.Recommendation{}, errors.New("session: no strategy selector configured")
	}
	rec := s.deps.Selector.Recommend(d)
	if err := s.layers.ReplaceSource(rec.Source.ID, rec.Layers); err != nil {
		return rec, err
	}
	s.mu.Lock()
	s.datasets[rec.Source.ID] = model.TileSource{
		Name:  rec.Source.ID,
		Type:  rec.Source.Type,
		Tiles: append([]string(nil), rec.Source.Tiles...),
	}
	s.mu.Unlock()
	return rec, nil
}

// Invalidate forgets the ledger entries of ts for the named source, or for
// every source when name is empty, so the next batch fetches them again.
func (s *Session) Invalidate(ctx context.Context, name string, ts model.Tiles) (int, error) {
	var urls []string
	for _, src := range s.Sources() {
		if name != "" && src.Name != name {
			continue
		}
		us, _, err := tiles.URLsForSource(src, ts)
		if err != nil {
			continue
		}
		urls = append(urls, us...)
	}
	if len(urls) == 0 {
		return 0, nil
	}
	if err := s.disp.Ledger().Forget(ctx, urls...); err != nil {
		return 0, fmt.Errorf("session %s: %w", s.id, err)
	}
	return len(urls), nil
}

func (s *Session) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		ID:            s.id,
		State:         prefetch.StateIdle,
		IsPredicting:  s.predicting,
		IsPrefetching: s.disp.IsPrefetching(),
		Velocity:      s.velocity,
		Speed:         s.velocity.Speed(),
		Viewport:      s.state,
		LastActive:    s.lastActive,
	}
	// without an end event a gesture is over once the debounce has fired
	// and no event arrived for a debounce interval
	if s.gesture && (s.deb.Pending() || s.deps.Now().Sub(s.lastRecvAt) <= s.cfg.Debounce) {
		st.State = prefetch.StateTracking
	}
	if s.predicted != nil {
		p := *s.predicted
		st.Predicted = &p
	}
	if s.lastBatch != nil {
		b := *s.lastBatch
		st.LastBatch = &b
	}
	s.mu.Unlock()

	if st.IsPrefetching {
		st.State = prefetch.StatePrefetching
	}
	if n, err := s.disp.Ledger().Len(ctx); err == nil {
		st.LedgerSize = n
	} else {
		s.log.Debug("ledger size unavailable", "err", err)
	}
	return st
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Wait blocks until in-flight batches finish.
func (s *Session) Wait() { s.batches.Wait() }

// Close stops the debounce timer, drops every subscription, cancels running
// batches and discards the ledger when the session owns it.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.deb.Cancel()
	for _, d := range s.disposers {
		d()
	}
	s.hub.Close()
	s.cancel()
	s.batches.Wait()
	s.bg.Wait()
	if s.deps.OwnsLedger {
		if err := s.deps.Ledger.Reset(context.Background()); err != nil {
			s.log.Warn("ledger reset failed", "err", err)
		}
	}
	s.log.Debug("session closed")
}
