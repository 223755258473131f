// Package redisstore wraps the Redis operations used by the shared prefetch ledger.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveLedgerOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// SetNX sets every key that does not exist yet, all with ttl, in one
// pipeline. The result holds the keys this call created.
func (c *Client) SetNX(ctx context.Context, keys []string, ttl time.Duration) (map[string]bool, error) {
	start := time.Now()
	if len(keys) == 0 {
		observability.ObserveLedgerOp("setnx", nil, time.Since(start).Seconds())
		return map[string]bool{}, nil
	}

	cmds := make([]*redis.BoolCmd, len(keys))
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.SetNX(ctx, k, "1", ttl)
		}
		return nil
	})
	observability.ObserveLedgerOp("setnx", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis SETNX %d keys (pipeline): %w", len(keys), err)
	}

	out := make(map[string]bool, len(keys))
	for i, cmd := range cmds {
		if cmd.Val() {
			out[keys[i]] = true
		}
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observability.ObserveLedgerOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) MSetWithTTL(
	ctx context.Context,
	kv map[string][]byte,
	ttl time.Duration,
) error {
	start := time.Now()
	if len(kv) == 0 {
		observability.ObserveLedgerOp("mset", nil, time.Since(start).Seconds())
		return nil
	}

	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range kv {
			if err := p.Set(ctx, k, v, ttl).Err(); err != nil {
				return fmt.Errorf("redis MSET pipeline SET %q: %w", k, err)
			}
		}
		return nil
	})

	observability.ObserveLedgerOp("mset", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis MSET %d keys (pipeline): %w", len(kv), err)
	}
	return nil
}

// Exists reports which of keys are present.
func (c *Client) Exists(ctx context.Context, keys []string) (map[string]bool, error) {
	start := time.Now()
	if len(keys) == 0 {
		return map[string]bool{}, nil
	}
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Exists(ctx, k)
		}
		return nil
	})
	observability.ObserveLedgerOp("exists", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis EXISTS %d keys (pipeline): %w", len(keys), err)
	}
	out := make(map[string]bool, len(keys))
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			out[keys[i]] = true
		}
	}
	return out, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	if len(keys) == 0 {
		return nil
	}
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveLedgerOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// Count walks the keyspace with SCAN and counts keys matching pattern.
func (c *Client) Count(ctx context.Context, pattern string) (int, error) {
	start := time.Now()
	n := 0
	it := c.rdb.Scan(ctx, 0, pattern, 512).Iterator()
	for it.Next(ctx) {
		n++
	}
	err := it.Err()
	observability.ObserveLedgerOp("scan", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis SCAN %q: %w", pattern, err)
	}
	return n, nil
}

// DelPattern deletes every key matching pattern and returns how many went.
func (c *Client) DelPattern(ctx context.Context, pattern string) (int, error) {
	var batch []string
	total := 0
	it := c.rdb.Scan(ctx, 0, pattern, 512).Iterator()
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == 512 {
			if err := c.Del(ctx, batch...); err != nil {
				return total, err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if err := it.Err(); err != nil {
		return total, fmt.Errorf("redis SCAN %q: %w", pattern, err)
	}
	if err := c.Del(ctx, batch...); err != nil {
		return total, err
	}
	return total + len(batch), nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observability.ObserveLedgerOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
