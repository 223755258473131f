// Package prefetch issues deduplicated speculative tile requests for a
// predicted viewport.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/tile-prefetch/internal/cache/keys"
)

// Ledger remembers which URLs were recently warmed. An entry past its expiry
// behaves exactly like a missing one.
type Ledger interface {
	// Claim returns the subset of urls that are not fresh and records them
	// with ttl so a concurrent dispatch skips them.
	Claim(ctx context.Context, urls []string, ttl time.Duration) ([]string, error)
	// Mark refreshes the expiry of urls.
	Mark(ctx context.Context, urls []string, ttl time.Duration) error
	Forget(ctx context.Context, urls ...string) error
	// Sweep drops expired entries and reports how many went.
	Sweep(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}

const numShards = 64

type MemoryLedger struct {
	now    func() time.Time
	shards [numShards]ledgerShard
}

type ledgerShard struct {
	mu sync.Mutex
	m  map[string]time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

type LedgerOption func(*MemoryLedger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *MemoryLedger) { l.now = now }
}

func NewMemoryLedger(opts ...LedgerOption) *MemoryLedger {
	l := &MemoryLedger{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	for i := range l.shards {
		l.shards[i].m = make(map[string]time.Time)
	}
	return l
}

func (l *MemoryLedger) Claim(_ context.Context, urls []string, ttl time.Duration) ([]string, error) {
	now := l.now()
	exp := now.Add(ttl)
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		k := keys.NormalizeURL(u)
		s := l.pick(k)
		s.mu.Lock()
		if e, ok := s.m[k]; ok && now.Before(e) {
			s.mu.Unlock()
			continue
		}
		s.m[k] = exp
		s.mu.Unlock()
		out = append(out, u)
	}
	return out, nil
}

func (l *MemoryLedger) Mark(_ context.Context, urls []string, ttl time.Duration) error {
	exp := l.now().Add(ttl)
	for _, u := range urls {
		k := keys.NormalizeURL(u)
		s := l.pick(k)
		s.mu.Lock()
		s.m[k] = exp
		s.mu.Unlock()
	}
	return nil
}

func (l *MemoryLedger) Forget(_ context.Context, urls ...string) error {
	for _, u := range urls {
		k := keys.NormalizeURL(u)
		s := l.pick(k)
		s.mu.Lock()
		delete(s.m, k)
		s.mu.Unlock()
	}
	return nil
}

func (l *MemoryLedger) Sweep(_ context.Context) (int, error) {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, e := range s.m {
			if !now.Before(e) {
				delete(s.m, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len counts fresh entries only.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	now := l.now()
	total := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for _, e := range s.m {
			if now.Before(e) {
				total++
			}
		}
		s.mu.Unlock()
	}
	return total, nil
}

func (l *MemoryLedger) Reset(_ context.Context) error {
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		s.m = make(map[string]time.Time)
		s.mu.Unlock()
	}
	return nil
}

func (l *MemoryLedger) pick(k string) *ledgerShard {
	h := xxhash.Sum64String(k)
	return &l.shards[h&(numShards-1)]
}
