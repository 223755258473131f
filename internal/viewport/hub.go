package viewport

import (
	"sort"
	"sync"
)

type Handler func(Event)

// Disposer removes one subscription. Calling it twice is harmless.
type Disposer func()

// Hub fans viewport events out to subscribers. Every subscription gets a
// stable handle so it can be removed without comparing funcs.
type Hub struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[uint64]subscription
	state  State
	closed bool
}

type subscription struct {
	kind Kind
	fn   Handler
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]subscription)}
}

func (h *Hub) OnMove(fn Handler) Disposer    { return h.subscribe(KindMove, fn) }
func (h *Hub) OnDrag(fn Handler) Disposer    { return h.subscribe(KindDrag, fn) }
func (h *Hub) OnMoveEnd(fn Handler) Disposer { return h.subscribe(KindMoveEnd, fn) }
func (h *Hub) OnDragEnd(fn Handler) Disposer { return h.subscribe(KindDragEnd, fn) }

func (h *Hub) subscribe(kind Kind, fn Handler) Disposer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	h.next++
	id := h.next
	h.subs[id] = subscription{kind: kind, fn: fn}
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish records the event as the current state and calls the handlers
// subscribed to its kind in subscription order. Handlers run without the
// hub lock held.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.state = ev.State
	ids := make([]uint64, 0, len(h.subs))
	for id, s := range h.subs {
		if s.kind == ev.Kind {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Handler, len(ids))
	for i, id := range ids {
		fns[i] = h.subs[id].fn
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disposes every live subscription; later Publish calls are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	clear(h.subs)
}
