package prefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/tile-prefetch/internal/cache/redisstore"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/hotness/expdecay"
	"github.com/mohammed-shakir/tile-prefetch/internal/logger"
	h3mapper "github.com/mohammed-shakir/tile-prefetch/internal/mapper/h3"
)

func TestMemoryLedger_ExpiredEntriesBehaveAsAbsent(t *testing.T) {
	clk := newClock()
	l := NewMemoryLedger(WithClock(clk.Now))
	ctx := context.Background()

	got, _ := l.Claim(ctx, []string{"a", "b", "a"}, time.Second)
	if len(got) != 2 {
		t.Fatalf("claimed=%v want a,b once each", got)
	}
	if n, _ := l.Len(ctx); n != 2 {
		t.Fatalf("len=%d want 2", n)
	}

	clk.Add(time.Second)
	if n, _ := l.Len(ctx); n != 0 {
		t.Fatalf("expired entries counted: len=%d", n)
	}
	again, _ := l.Claim(ctx, []string{"a"}, time.Second)
	if len(again) != 1 {
		t.Fatalf("expired entry should be claimable again")
	}
}

func TestMemoryLedger_MarkForgetSweepReset(t *testing.T) {
	clk := newClock()
	l := NewMemoryLedger(WithClock(clk.Now))
	ctx := context.Background()

	_, _ = l.Claim(ctx, []string{"a", "b", "c"}, time.Second)
	_ = l.Mark(ctx, []string{"a"}, time.Minute)
	_ = l.Forget(ctx, "b")

	clk.Add(2 * time.Second)
	removed, _ := l.Sweep(ctx)
	if removed != 1 {
		t.Fatalf("swept=%d want 1 (c)", removed)
	}
	if n, _ := l.Len(ctx); n != 1 {
		t.Fatalf("len=%d want 1 (a)", n)
	}
	_ = l.Reset(ctx)
	if n, _ := l.Len(ctx); n != 0 {
		t.Fatalf("len after reset=%d", n)
	}
}

func TestMemoryLedger_NormalisesURLs(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_, _ = l.Claim(ctx, []string{"https://A.example/1/0/0.png"}, time.Minute)
	got, _ := l.Claim(ctx, []string{"https://a.example/1/0/0.png"}, time.Minute)
	if len(got) != 0 {
		t.Fatalf("host case must not defeat dedupe: %v", got)
	}
}

func newRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisLedger(rc, "test", time.Second), mr
}

func TestRedisLedger_ClaimIsSharedAndExpires(t *testing.T) {
	a, mr := newRedisLedger(t)
	ctx := context.Background()
	urls := []string{"https://t.example/1/0/0.png", "https://t.example/1/1/0.png"}

	got, err := a.Claim(ctx, append(urls, urls[0]), 10*time.Second)
	if err != nil || len(got) != 2 {
		t.Fatalf("claim=%v err=%v", got, err)
	}
	// a second replica with the same prefix sees the entries
	rc2, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	defer func() { _ = rc2.Close() }()
	b := NewRedisLedger(rc2, "test", time.Second)
	if got, _ := b.Claim(ctx, urls, 10*time.Second); len(got) != 0 {
		t.Fatalf("replica claimed fresh urls: %v", got)
	}
	if n, _ := b.Len(ctx); n != 2 {
		t.Fatalf("len=%d want 2", n)
	}

	mr.FastForward(11 * time.Second)
	if got, _ := b.Claim(ctx, urls[:1], 10*time.Second); len(got) != 1 {
		t.Fatalf("expired url should be claimable")
	}
}

func TestRedisLedger_MarkForgetReset(t *testing.T) {
	l, mr := newRedisLedger(t)
	ctx := context.Background()
	u := "https://t.example/2/1/1.png"

	_, _ = l.Claim(ctx, []string{u}, time.Second)
	if err := l.Mark(ctx, []string{u}, time.Minute); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := l.Claim(ctx, []string{u}, time.Second); len(got) != 0 {
		t.Fatalf("Mark should have extended the entry")
	}
	if err := l.Forget(ctx, u); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if got, _ := l.Claim(ctx, []string{u}, time.Second); len(got) != 1 {
		t.Fatalf("forgotten url should be claimable")
	}
	mr.Set("unrelated", "x")
	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := l.Len(ctx); n != 0 {
		t.Fatalf("len after reset=%d", n)
	}
	if !mr.Exists("unrelated") {
		t.Fatalf("Reset removed keys outside the ledger prefix")
	}
	if n, _ := l.Sweep(ctx); n != 0 {
		t.Fatalf("redis sweep should be a no-op")
	}
}

func TestDispatcher_WithRedisLedger(t *testing.T) {
	l, _ := newRedisLedger(t)
	f := newCountingFetcher()
	d := newDispatcher(t, l, f)
	ctx := context.Background()

	_, _ = d.Dispatch(ctx, stockholm, 10, 1, []model.TileSource{osm})
	sum, _ := d.Dispatch(ctx, stockholm, 10, 1, []model.TileSource{osm})
	if sum.Outcome != OutcomeDeduplicated || f.total() != 9 {
		t.Fatalf("summary=%+v fetches=%d", sum, f.total())
	}
}

func TestHotspotTTL_GrowsWithPopularity(t *testing.T) {
	clk := newClock()
	cfg := HotspotTTLConfig{Res: 6, Threshold: 4, Cold: 30 * time.Second, Warm: time.Minute, Hot: 2 * time.Minute}
	p := NewHotspotTTL(cfg, expdecay.New(time.Hour, expdecay.WithClock(clk.Now)), h3mapper.New(), logger.Nop())
	c := model.LngLat{Lon: 18.0686, Lat: 59.3293}

	want := []time.Duration{cfg.Cold, cfg.Warm, cfg.Warm, cfg.Hot}
	for i, w := range want {
		if got := p.TTLFor(c); got != w {
			t.Fatalf("visit %d: ttl=%s want %s", i+1, got, w)
		}
	}
	if got := p.TTLFor(model.LngLat{Lon: -70, Lat: -30}); got != cfg.Cold {
		t.Fatalf("unvisited destination ttl=%s want cold", got)
	}
}

func TestHotspotTTL_ClassifyWithoutThreshold(t *testing.T) {
	p := NewHotspotTTL(HotspotTTLConfig{}, expdecay.New(time.Minute), h3mapper.New(), nil)
	if p.Classify(100) != Warm {
		t.Fatalf("no threshold should always be warm")
	}
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (m *manualScheduler) AfterFunc(_ time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &fakeTimer{fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// fireAll runs every timer callback, stopped or not, the way a timer that
// lost the race with Stop would.
func (m *manualScheduler) fireAll() {
	m.mu.Lock()
	ts := append([]*fakeTimer(nil), m.timers...)
	m.mu.Unlock()
	for _, t := range ts {
		t.fn()
	}
}

func TestDebouncer_BurstRunsOnce(t *testing.T) {
	sched := &manualScheduler{}
	var calls atomic.Int32
	d := NewDebouncer(100*time.Millisecond, sched, func() { calls.Add(1) })

	for range 10 {
		d.Trigger()
	}
	if !d.Pending() {
		t.Fatalf("expected a pending call")
	}
	for i, tm := range sched.timers[:9] {
		if !tm.stopped {
			t.Fatalf("timer %d was not cancelled", i)
		}
	}
	sched.fireAll()
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
	if d.Pending() {
		t.Fatalf("nothing should be pending after firing")
	}
}

func TestDebouncer_FlushAndCancel(t *testing.T) {
	sched := &manualScheduler{}
	var calls atomic.Int32
	d := NewDebouncer(time.Second, sched, func() { calls.Add(1) })

	if d.Flush() {
		t.Fatalf("flush with nothing pending should report false")
	}
	d.Trigger()
	if !d.Flush() || calls.Load() != 1 {
		t.Fatalf("flush should run the pending call")
	}
	sched.fireAll()
	if calls.Load() != 1 {
		t.Fatalf("flushed timer ran again")
	}

	d.Trigger()
	d.Cancel()
	sched.fireAll()
	if calls.Load() != 1 {
		t.Fatalf("cancelled call ran")
	}
}

func TestDebouncer_RealScheduler(t *testing.T) {
	done := make(chan struct{}, 4)
	d := NewDebouncer(10*time.Millisecond, nil, func() { done <- struct{}{} })
	for range 3 {
		d.Trigger()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("debounced call never ran")
	}
	select {
	case <-done:
		t.Fatalf("burst ran more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHTTPFetcher_DrainsAndReportsStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Purpose") != "prefetch" {
			t.Errorf("missing Purpose header")
		}
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), time.Second, "tile-prefetch/test")
	if err := f.Fetch(context.Background(), srv.URL+"/1/0/0.png"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := f.Fetch(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatalf("expected error for 404")
	}
	if hits.Load() != 2 {
		t.Fatalf("hits=%d", hits.Load())
	}
}
