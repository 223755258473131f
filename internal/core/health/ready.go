package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// ReadinessReporter is satisfied by the invalidation consumer.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Pinger is satisfied by the Redis ledger store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Checks struct {
	// Consumer is nil when invalidation is disabled.
	Consumer ReadinessReporter
	// Ledger is nil for the in-memory ledger.
	Ledger  Pinger
	Timeout time.Duration
}

type readyResp struct {
	Status     string            `json:"status"`
	Partitions []int32           `json:"partitions,omitempty"`
	Failing    map[string]string `json:"failing,omitempty"`
}

// Readiness answers 200 once every configured dependency is usable.
func Readiness(c Checks) http.HandlerFunc {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		out := readyResp{Status: "ready"}
		fail := func(name, why string) {
			if out.Failing == nil {
				out.Failing = map[string]string{}
			}
			out.Failing[name] = why
		}

		if c.Consumer != nil {
			ready, parts := c.Consumer.Readiness()
			if ready {
				sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
				out.Partitions = parts
			} else {
				fail("invalidation", "no partitions assigned")
			}
		}
		if c.Ledger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), c.Timeout)
			err := c.Ledger.Ping(ctx)
			cancel()
			if err != nil {
				fail("ledger", err.Error())
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Failing != nil {
			out.Status = "not_ready"
			out.Partitions = nil
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
