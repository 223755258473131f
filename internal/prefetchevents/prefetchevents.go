// Package prefetchevents publishes a Kafka event for every prefetch batch.
package prefetchevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
	"github.com/mohammed-shakir/tile-prefetch/internal/prefetch"
)

type Event struct {
	Session       string     `json:"session,omitempty"`
	Outcome       string     `json:"outcome"`
	Predicted     model.BBox `json:"predicted"`
	Zoom          int        `json:"zoom"`
	Speed         float64    `json:"speed"`
	Tiles         int        `json:"tiles"`
	Fetched       int        `json:"fetched"`
	Failed        int        `json:"failed"`
	LedgerSkipped int        `json:"ledger_skipped"`
	TTLMs         int64      `json:"ttl_ms"`
	DurationMs    float64    `json:"duration_ms"`
	TS            time.Time  `json:"ts"`
}

func FromSummary(session string, s prefetch.Summary, ts time.Time) Event {
	return Event{
		Session:       session,
		Outcome:       string(s.Outcome),
		Predicted:     s.Predicted,
		Zoom:          s.Zoom,
		Speed:         s.Speed,
		Tiles:         s.Tiles,
		Fetched:       s.Fetched,
		Failed:        s.Failed,
		LedgerSkipped: s.LedgerSkipped,
		TTLMs:         s.TTL.Milliseconds(),
		DurationMs:    float64(s.Duration) / float64(time.Millisecond),
		TS:            ts.UTC(),
	}
}

// Publisher queues events and hands them to an async producer. A full queue
// drops the event; the request path never blocks on Kafka.
type Publisher struct {
	topic    string
	events   chan Event
	prod     sarama.AsyncProducer
	log      *slog.Logger
	now      func() time.Time
	stopped  chan struct{}
	errsDone chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("prefetchevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer wraps an existing producer; tests pass a sarama mock.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:    topic,
		events:   make(chan Event, queueSize),
		prod:     prod,
		log:      log,
		now:      time.Now,
		stopped:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("prefetchevents: marshal error", "err", err)
				continue
			}
			msg := &sarama.ProducerMessage{
				Topic: p.topic,
				Value: sarama.ByteEncoder(b),
			}
			if ev.Session != "" {
				msg.Key = sarama.StringEncoder(ev.Session)
			}
			p.prod.Input() <- msg
		}
	}()

	go func() {
		defer close(p.errsDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncBatchEvent("error")
				p.log.Warn("prefetchevents: producer error", "err", err)
			}
		}
	}()

	return p
}

func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
		observability.IncBatchEvent("queued")
	default:
		observability.IncBatchEvent("dropped")
	}
}

// BatchDone publishes s without a session id.
func (p *Publisher) BatchDone(s prefetch.Summary) {
	p.Publish(FromSummary("", s, p.now()))
}

// ForSession returns an observer that tags events with the session id.
func (p *Publisher) ForSession(id string) prefetch.BatchObserver {
	return sessionObserver{p: p, id: id}
}

type sessionObserver struct {
	p  *Publisher
	id string
}

func (o sessionObserver) BatchDone(s prefetch.Summary) {
	o.p.Publish(FromSummary(o.id, s, o.p.now()))
}

// Close drains the queue and closes the producer. Publish must not be
// called afterwards.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("prefetchevents: close producer: %w", err)
	}
	<-p.errsDone
	return nil
}
