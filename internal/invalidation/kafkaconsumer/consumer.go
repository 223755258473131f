// Package kafkaconsumer feeds tile invalidation events from a Kafka topic
// into an invalidation.Applier.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	obs "github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/invalidation"
)

type Applier interface {
	Apply(ctx context.Context, ev invalidation.Event) (invalidation.Result, error)
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

type Consumer struct {
	cfg     Config
	log     *slog.Logger
	applier Applier
	ms      *metricSet
	now     func() time.Time

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, a Applier, opts Options) *Consumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Consumer{
		cfg:     cfg,
		log:     opts.Logger.With("component", "kafka_consumer"),
		applier: a,
		ms:      newMetricSet(opts.Register),
		now:     time.Now,
		assign:  map[int32]struct{}{},
	}
}

// Start joins the consumer group and consumes in the background until ctx
// ends or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.applier == nil {
		return errors.New("kafkaconsumer: applier is required")
	}
	if len(c.cfg.Brokers) == 0 || c.cfg.Topic == "" {
		return errors.New("kafkaconsumer: brokers and topic are required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	h := c.handler()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.log.Error("kafka consumer group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				c.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			c.log.Error("kafka group error", "err", err)
		}
	}()

	c.log.Info("kafka invalidation consumer started",
		"topic", c.cfg.Topic, "group", c.cfg.GroupID, "brokers", c.cfg.Brokers)
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info("kafka invalidation consumer stopped")
}

// Readiness reports whether partitions are currently assigned.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (c *Consumer) handler() *groupHandler {
	return &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					c.assign[p] = struct{}{}
				}
			}
			c.assigned.Store(true)
			c.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(false)
			c.assign = map[int32]struct{}{}
			c.assignMu.Unlock()
		},
		process: c.ProcessOne,
	}
}

// ProcessOne applies a single message. Messages that can never succeed are
// logged and reported as processed; only apply failures are returned so the
// message is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := c.now()
	if !msg.Timestamp.IsZero() {
		obs.SetInvalidationLagSeconds(start.Sub(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.poison(msg, "decode", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		c.poison(msg, "validate", err)
		return nil
	}

	res, err := c.applier.Apply(ctx, ev)
	c.ms.proc.WithLabelValues(ev.Op).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, invalidation.ErrTooManyTiles) {
			c.poison(msg, "apply", err)
			return nil
		}
		c.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("apply: %w", err)
	}
	c.ms.msgs.WithLabelValues("ok").Inc()
	c.log.Debug("invalidation applied",
		"source", ev.Source, "op", ev.Op, "version", ev.Version,
		"tiles", res.Tiles, "skipped", res.Skipped, "urls", res.URLs)
	return nil
}

func (c *Consumer) poison(msg *sarama.ConsumerMessage, kind string, err error) {
	c.ms.msgs.WithLabelValues("poison").Inc()
	c.log.Warn("dropping invalidation message",
		"kind", kind, "topic", msg.Topic, "partition", msg.Partition,
		"offset", msg.Offset, "err", err)
}
