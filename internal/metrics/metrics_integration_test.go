package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_PrefetchMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}})
	observability.Init(p.Registerer(), true)
	observability.ExposeBuildInfo("test")

	observability.ObservePrefetch("ok", 0.02)
	observability.ObservePrefetch("error", 0.5)
	observability.ObserveBatch("dispatched", 0.1)
	observability.AddLedgerSkips(3)
	observability.ObserveLedgerOp("claim", nil, 0.001)
	observability.ObserveLedgerOp("claim", errors.New("down"), 0.001)
	observability.IncStrategyDecision("hybrid")
	observability.SetSessionsActive(2)
	observability.IncInvalidation("applied")

	req := httptest.NewRequest(http.MethodGet, p.MetricsPath(), nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`prefetch_fetch_duration_seconds_bucket`,
		`prefetch_batch_duration_seconds_count`,
		`prefetch_ledger_skips_total 3`,
		`sessions_active 2`,
		`strategy_decisions_total{strategy="hybrid"} 1`,
		`invalidation_events_total{result="applied"} 1`,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "prefetch_requests_total", `outcome="ok"`)
	assertHasMetricLine(t, body, "prefetch_requests_total", `outcome="error"`)
	assertHasMetricLine(t, body, "ledger_op_total", `op="claim"`, `result="error"`)
	assertHasMetricLine(t, body, "app_build_info", `version="test"`)
	assertHasMetricLine(t, body, "prefetcher_build_info", `version="test"`)
}
