package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/config"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/logger"
	"github.com/mohammed-shakir/tile-prefetch/internal/prefetch"
)

var ErrSessionNotFound = errors.New("session not found")

// LedgerFactory returns the ledger for a new session and whether the
// session owns it. A shared Redis ledger is never owned.
type LedgerFactory func() (prefetch.Ledger, bool)

// MemoryLedgers gives every session its own in-memory ledger.
func MemoryLedgers() LedgerFactory {
	return func() (prefetch.Ledger, bool) { return prefetch.NewMemoryLedger(), true }
}

// SharedLedger hands the same ledger to every session.
func SharedLedger(l prefetch.Ledger) LedgerFactory {
	return func() (prefetch.Ledger, bool) { return l, false }
}

type ManagerConfig struct {
	Prediction model.PredictionConfig
	IdleTTL    time.Duration
	Ledgers    LedgerFactory
	// Deps is the template for every session; its Ledger fields are
	// filled from Ledgers.
	Deps Deps
}

type Manager struct {
	cfg ManagerConfig
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := config.ValidatePrediction(cfg.Prediction); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.Ledgers == nil {
		cfg.Ledgers = MemoryLedgers()
	}
	if cfg.Deps.Now == nil {
		cfg.Deps.Now = time.Now
	}
	log := cfg.Deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		now:      cfg.Deps.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// Create starts a session with a fresh id and the given tile sources.
func (m *Manager) Create(sources []model.TileSource) (*Session, error) {
	deps := m.cfg.Deps
	deps.Ledger, deps.OwnsLedger = m.cfg.Ledgers()
	id := logger.NewID()
	s, err := New(id, m.cfg.Prediction, deps)
	if err != nil {
		return nil, err
	}
	s.SetSources(sources)

	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	observability.SetSessionsActive(n)
	m.log.Info("session created", "session", id, "sources", len(sources))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	observability.SetSessionsActive(n)
	s.Close()
	m.log.Info("session closed", "session", id)
	return nil
}

// Each calls fn for every live session in id order.
func (m *Manager) Each(fn func(*Session)) {
	for _, s := range m.snapshot() {
		fn(s)
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseAll closes every session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	observability.SetSessionsActive(0)
}

// ReapIdle closes sessions without events for longer than the idle TTL.
func (m *Manager) ReapIdle() int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cut := m.now().Add(-m.cfg.IdleTTL)
	n := 0
	for _, s := range m.snapshot() {
		if s.LastActive().Before(cut) {
			if m.Close(s.id) == nil {
				n++
			}
		}
	}
	return n
}

func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
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
			if n := m.ReapIdle(); n > 0 {
				m.log.Info("idle sessions reaped", "count", n)
			}
		}
	}
}

// Invalidate forgets ts in every session and returns the number of ledger
// entries dropped. Sessions sharing a ledger may count the same url twice.
func (m *Manager) Invalidate(ctx context.Context, source string, ts model.Tiles) (int, error) {
	total := 0
	var errs []error
	for _, s := range m.snapshot() {
		n, err := s.Invalidate(ctx, source, ts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
