package kafkaconsumer

import (
	"strings"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
}

// FromKafka derives the consumer settings from the service config.
func FromKafka(k config.KafkaCfg) Config {
	return Config{
		Brokers:             splitCSV(k.Brokers),
		Topic:               k.InvalidationTopic,
		GroupID:             k.GroupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: false,
	}
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
