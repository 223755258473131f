package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/tile-prefetch/internal/core/config"
	"github.com/mohammed-shakir/tile-prefetch/internal/core/model"
	"github.com/mohammed-shakir/tile-prefetch/internal/logger"
	"github.com/mohammed-shakir/tile-prefetch/internal/prefetch"
	"github.com/mohammed-shakir/tile-prefetch/internal/strategy"
	"github.com/mohammed-shakir/tile-prefetch/internal/viewport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingFetcher struct {
	mu   sync.Mutex
	urls map[string]int
}

func (f *countingFetcher) Fetch(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.urls == nil {
		f.urls = make(map[string]int)
	}
	f.urls[url]++
	return nil
}

func (f *countingFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.urls {
		n += c
	}
	return n
}

type recorder struct {
	mu   sync.Mutex
	sums []prefetch.Summary
}

func (r *recorder) BatchDone(s prefetch.Summary) {
	r.mu.Lock()
	r.sums = append(r.sums, s)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sums)
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

func (m *manualScheduler) AfterFunc(_ time.Duration, fn func()) prefetch.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &fakeTimer{fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualScheduler) fireAll() {
	m.mu.Lock()
	ts := append([]*fakeTimer(nil), m.timers...)
	m.mu.Unlock()
	for _, t := range ts {
		t.fn()
	}
}

var osm = model.TileSource{Name: "osm", Tiles: []string{"https://t.example/{z}/{x}/{y}.png"}}

type harness struct {
	s     *Session
	clk   *fakeClock
	sched *manualScheduler
	fetch *countingFetcher
	obs   *recorder
	led   *prefetch.MemoryLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:   newClock(),
		sched: &manualScheduler{},
		fetch: &countingFetcher{},
		obs:   &recorder{},
	}
	h.led = prefetch.NewMemoryLedger(prefetch.WithClock(h.clk.Now))
	sel, err := strategy.New(config.DefaultStrategy())
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	s, err := New("s1", config.Defaults(), Deps{
		Ledger:     h.led,
		OwnsLedger: true,
		Fetcher:    h.fetch,
		Observer:   h.obs,
		Scheduler:  h.sched,
		Selector:   sel,
		Now:        h.clk.Now,
		Log:        logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetSources([]model.TileSource{osm})
	t.Cleanup(s.Close)
	h.s = s
	return h
}

// pan emits n events of kind k moving east by stepDeg every 16ms, starting
// at step start.
func (h *harness) pan(t *testing.T, k viewport.Kind, start, n int, stepDeg float64) {
	t.Helper()
	base := time.Unix(0, 0)
	for i := start; i < start+n; i++ {
		lon := 18.0 + float64(i)*stepDeg
		ev := viewport.Event{
			Kind: k,
			At:   base.Add(time.Duration(i) * 16 * time.Millisecond),
			State: viewport.State{
				Center: model.LngLat{Lon: lon, Lat: 59.3},
				Zoom:   10,
				Bounds: model.BBox{MinLon: lon - 0.2, MinLat: 59.2, MaxLon: lon + 0.2, MaxLat: 59.4},
			},
		}
		if err := h.s.HandleEvent(ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		h.clk.Add(16 * time.Millisecond)
	}
}

// at zoom 10 with 512px tiles one pixel is ~0.000687 degrees; 0.022 per
// 16ms frame is roughly 2 px/ms
const fastStep = 0.022

func TestSession_BurstWithinDebounceDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	h.pan(t, viewport.KindDrag, 0, 5, fastStep)

	if h.obs.count() != 0 {
		t.Fatalf("dispatched before debounce settled")
	}
	st := h.s.Status(context.Background())
	if st.State != prefetch.StateTracking {
		t.Fatalf("state=%s want tracking", st.State)
	}

	h.sched.fireAll()
	h.s.Wait()

	if h.obs.count() != 1 {
		t.Fatalf("batches=%d want exactly 1", h.obs.count())
	}
	sum := h.obs.sums[0]
	if sum.Outcome != prefetch.OutcomeDispatched || sum.Fetched == 0 || sum.Fetched != h.fetch.total() {
		t.Fatalf("summary=%+v fetches=%d", sum, h.fetch.total())
	}
	if sum.Predicted.MinLon <= 18.0+4*fastStep-0.2 {
		t.Fatalf("prediction did not move east: %+v", sum.Predicted)
	}

	st = h.s.Status(context.Background())
	if !st.IsPredicting || st.Predicted == nil || st.Speed < 1 {
		t.Fatalf("status=%+v", st)
	}
	if st.LedgerSize != sum.Fetched {
		t.Fatalf("ledger size=%d want %d", st.LedgerSize, sum.Fetched)
	}
}

func TestSession_EndEventFlushesAndResetsGesture(t *testing.T) {
	h := newHarness(t)
	h.pan(t, viewport.KindMove, 0, 4, fastStep)
	h.pan(t, viewport.KindMoveEnd, 4, 1, fastStep)
	h.s.Wait()

	if h.obs.count() != 1 {
		t.Fatalf("end event should flush immediately: batches=%d", h.obs.count())
	}
	st := h.s.Status(context.Background())
	if st.State != prefetch.StateIdle {
		t.Fatalf("state=%s want idle", st.State)
	}
	if st.LastBatch == nil || st.LastBatch.Outcome != prefetch.OutcomeDispatched {
		t.Fatalf("last batch=%+v", st.LastBatch)
	}

	// the stale timer from the move burst must not dispatch again
	h.sched.fireAll()
	h.s.Wait()
	if h.obs.count() != 1 {
		t.Fatalf("batches=%d after stale timer", h.obs.count())
	}
}

func TestSession_SlowMotionDoesNotPredict(t *testing.T) {
	h := newHarness(t)
	h.pan(t, viewport.KindDrag, 0, 5, 0.00001)
	h.sched.fireAll()
	h.s.Wait()

	if h.obs.count() != 0 || h.fetch.total() != 0 {
		t.Fatalf("slow pan prefetched: batches=%d fetches=%d", h.obs.count(), h.fetch.total())
	}
	if st := h.s.Status(context.Background()); st.IsPredicting || st.Predicted != nil {
		t.Fatalf("status=%+v", st)
	}
}

func TestSession_ZoomChangeRestartsTracking(t *testing.T) {
	h := newHarness(t)
	base := time.Unix(0, 0)
	for i := range 4 {
		z := 10.0
		if i%2 == 1 {
			z = 11
		}
		ev := viewport.Event{Kind: viewport.KindMove, At: base.Add(time.Duration(i) * 16 * time.Millisecond),
			State: viewport.State{Center: model.LngLat{Lon: 18 + float64(i)*fastStep, Lat: 59.3}, Zoom: z,
				Bounds: model.BBox{MinLon: 17.8, MinLat: 59.2, MaxLon: 18.2, MaxLat: 59.4}}}
		if err := h.s.HandleEvent(ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}
	h.sched.fireAll()
	h.s.Wait()
	if h.obs.count() != 0 {
		t.Fatalf("velocity must not span zoom levels")
	}
}

func TestSession_InvalidateForcesRefetch(t *testing.T) {
	h := newHarness(t)
	h.pan(t, viewport.KindDrag, 0, 5, fastStep)
	h.sched.fireAll()
	h.s.Wait()
	first := h.fetch.total()

	var one string
	for u := range h.fetch.urls {
		one = u
		break
	}
	var z, x, y int
	if _, err := fmt.Sscanf(one, "https://t.example/%d/%d/%d.png", &z, &x, &y); err != nil {
		t.Fatalf("parse %q: %v", one, err)
	}
	n, err := h.s.Invalidate(context.Background(), "osm", model.Tiles{{X: uint32(x), Y: uint32(y), Z: z}})
	if err != nil || n != 1 {
		t.Fatalf("Invalidate n=%d err=%v", n, err)
	}
	if n, _ := h.s.Invalidate(context.Background(), "other", model.Tiles{{X: 1, Y: 1, Z: 1}}); n != 0 {
		t.Fatalf("unknown source invalidated %d urls", n)
	}

	// same prediction again: only the invalidated tile is fetched
	h.pan(t, viewport.KindDrag, 0, 5, fastStep)
	h.sched.fireAll()
	h.s.Wait()
	if got := h.fetch.total(); got != first+1 {
		t.Fatalf("fetches=%d want %d", got, first+1)
	}
}

func TestSession_ApplyDatasetAddsLayersAndSource(t *testing.T) {
	h := newHarness(t)
	rec, err := h.s.ApplyDataset(model.DatasetDescriptor{ID: "parks", FeatureCount: 500, Zoom: 10})
	if err != nil {
		t.Fatalf("ApplyDataset: %v", err)
	}
	if rec.Strategy != model.StrategyVector {
		t.Fatalf("strategy=%s", rec.Strategy)
	}
	if h.s.Layers().Len() != len(rec.Layers) {
		t.Fatalf("layers=%d want %d", h.s.Layers().Len(), len(rec.Layers))
	}
	found := false
	for _, src := range h.s.Sources() {
		if src.Name == rec.Source.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("dataset source not prefetched")
	}

	// switching strategy replaces the dataset's layers
	rec2, err := h.s.ApplyDataset(model.DatasetDescriptor{ID: "parks", FeatureCount: 50_000, Zoom: 10})
	if err != nil {
		t.Fatalf("ApplyDataset: %v", err)
	}
	if rec2.Strategy != model.StrategyHybrid || h.s.Layers().Len() != len(rec2.Layers) {
		t.Fatalf("strategy=%s layers=%d", rec2.Strategy, h.s.Layers().Len())
	}
	if len(h.s.Sources()) != 2 {
		t.Fatalf("sources=%d want 2", len(h.s.Sources()))
	}
}

func TestSession_CloseDiscardsOwnedLedger(t *testing.T) {
	h := newHarness(t)
	h.pan(t, viewport.KindDrag, 0, 5, fastStep)
	h.pan(t, viewport.KindDragEnd, 5, 1, fastStep)
	h.s.Wait()
	if n, _ := h.led.Len(context.Background()); n == 0 {
		t.Fatalf("ledger should hold entries before Close")
	}
	h.s.Close()
	h.s.Close()
	if n, _ := h.led.Len(context.Background()); n != 0 {
		t.Fatalf("owned ledger not discarded: %d", n)
	}
	if h.s.Hub().Subscribers() != 0 {
		t.Fatalf("subscriptions survived Close")
	}
	err := h.s.HandleEvent(viewport.Event{Kind: viewport.KindMove, State: viewport.State{Zoom: 3}})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

func TestSession_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t)
	if err := h.s.HandleEvent(viewport.Event{Kind: "pinch"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	bad := viewport.Event{Kind: viewport.KindMove, State: viewport.State{Zoom: 10,
		Bounds: model.BBox{MinLon: 1, MinLat: 0, MaxLon: 0, MaxLat: 1}}}
	if err := h.s.HandleEvent(bad); err == nil {
		t.Fatalf("expected error for inverted bounds")
	}
}

func TestSession_DispatchesAfterDebounceElapses(t *testing.T) {
	h := newHarness(t)
	h.pan(t, viewport.KindDrag, 0, 5, fastStep)

	// the timer fires once the debounce interval has really passed
	h.clk.Add(config.Defaults().Debounce)
	h.sched.fireAll()
	h.s.Wait()

	if h.obs.count() != 1 {
		t.Fatalf("batches=%d want 1", h.obs.count())
	}
	if sum := h.obs.sums[0]; sum.Outcome != prefetch.OutcomeDispatched || sum.Fetched == 0 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestSession_GestureWithoutEndEventGoesIdle(t *testing.T) {
	h := newHarness(t)
	h.pan(t, viewport.KindMove, 0, 5, fastStep)
	if st := h.s.Status(context.Background()); st.State != prefetch.StateTracking {
		t.Fatalf("state=%s want tracking", st.State)
	}

	h.clk.Add(config.Defaults().Debounce)
	h.sched.fireAll()
	h.s.Wait()
	h.clk.Add(time.Millisecond)

	if st := h.s.Status(context.Background()); st.State != prefetch.StateIdle {
		t.Fatalf("state=%s want idle once the gesture went quiet", st.State)
	}

	// the next event starts tracking again
	h.pan(t, viewport.KindMove, 5, 1, fastStep)
	if st := h.s.Status(context.Background()); st.State != prefetch.StateTracking {
		t.Fatalf("state=%s want tracking after a new event", st.State)
	}
}

func TestSession_CloseRacingDebounceFire(t *testing.T) {
	for range 50 {
		h := newHarness(t)
		h.pan(t, viewport.KindDrag, 0, 5, fastStep)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.sched.fireAll()
		}()
		go func() {
			defer wg.Done()
			h.s.Close()
		}()
		wg.Wait()
		h.s.Wait()

		before := h.obs.count()
		if before > 1 {
			t.Fatalf("batches=%d want at most 1", before)
		}
		h.sched.fireAll()
		h.s.Wait()
		if h.obs.count() != before {
			t.Fatalf("closed session dispatched again")
		}
	}
}

func TestNew_RejectsInvalidPrediction(t *testing.T) {
	cfg := config.Defaults()
	cfg.Debounce = cfg.VelocityWindow

	_, err := New("bad", cfg, Deps{
		Ledger:  prefetch.NewMemoryLedger(),
		Fetcher: &countingFetcher{},
		Log:     logger.Nop(),
	})
	if err == nil {
		t.Fatalf("expected error for debounce >= velocity window")
	}

	cfg = config.Defaults()
	cfg.MaxConcurrentFetches = 0
	if _, err := NewManager(ManagerConfig{Prediction: cfg}); err == nil {
		t.Fatalf("expected NewManager to reject the prediction config")
	}
}
