package prefetch

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/cache/keys"
)

// RedisStore is the subset of redisstore.Client the shared ledger needs.
type RedisStore interface {
	SetNX(ctx context.Context, keys []string, ttl time.Duration) (map[string]bool, error)
	MSetWithTTL(ctx context.Context, kv map[string][]byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Count(ctx context.Context, pattern string) (int, error)
	DelPattern(ctx context.Context, pattern string) (int, error)
}

// RedisLedger shares one ledger between service replicas. Claim is SET NX
// PX per URL, so two replicas predicting the same tile fetch it once.
type RedisLedger struct {
	store     RedisStore
	prefix    string
	opTimeout time.Duration
}

var _ Ledger = (*RedisLedger)(nil)

func NewRedisLedger(store RedisStore, prefix string, opTimeout time.Duration) *RedisLedger {
	return &RedisLedger{store: store, prefix: keys.Prefix(prefix), opTimeout: opTimeout}
}

func (l *RedisLedger) Claim(ctx context.Context, urls []string, ttl time.Duration) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	ks := make([]string, len(urls))
	for i, u := range urls {
		ks[i] = keys.Ledger(l.prefix, u)
	}
	created, err := l.store.SetNX(ctx, ks, ttlOrMin(ttl))
	if err != nil {
		return nil, fmt.Errorf("ledger claim: %w", err)
	}
	out := make([]string, 0, len(created))
	for i, u := range urls {
		if created[ks[i]] {
			out = append(out, u)
			// a repeated url in one call claims once
			delete(created, ks[i])
		}
	}
	return out, nil
}

func (l *RedisLedger) Mark(ctx context.Context, urls []string, ttl time.Duration) error {
	if len(urls) == 0 {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	kv := make(map[string][]byte, len(urls))
	for _, u := range urls {
		kv[keys.Ledger(l.prefix, u)] = []byte("1")
	}
	if err := l.store.MSetWithTTL(ctx, kv, ttlOrMin(ttl)); err != nil {
		return fmt.Errorf("ledger mark: %w", err)
	}
	return nil
}

func (l *RedisLedger) Forget(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	ks := make([]string, len(urls))
	for i, u := range urls {
		ks[i] = keys.Ledger(l.prefix, u)
	}
	if err := l.store.Del(ctx, ks...); err != nil {
		return fmt.Errorf("ledger forget: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis expires entries itself.
func (l *RedisLedger) Sweep(context.Context) (int, error) { return 0, nil }

func (l *RedisLedger) Len(ctx context.Context) (int, error) {
	n, err := l.store.Count(ctx, keys.Pattern(l.prefix))
	if err != nil {
		return 0, fmt.Errorf("ledger len: %w", err)
	}
	return n, nil
}

func (l *RedisLedger) Reset(ctx context.Context) error {
	if _, err := l.store.DelPattern(ctx, keys.Pattern(l.prefix)); err != nil {
		return fmt.Errorf("ledger reset: %w", err)
	}
	return nil
}

func (l *RedisLedger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.opTimeout)
}

// redis rejects a zero PX
func ttlOrMin(ttl time.Duration) time.Duration {
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
