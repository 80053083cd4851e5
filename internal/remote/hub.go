package remote

import (
	"sync"
	"sync/atomic"
)

// subscriptionBuffer is the per-subscriber event backlog.
const subscriptionBuffer = 256

// Subscription is a live change feed. Events are delivered in publish order.
// Call Unsubscribe to release it.
type Subscription struct {
	events chan Event
	lagged atomic.Bool
	hub    *hub
	once   sync.Once
}

// Events returns the event channel. It is closed on Unsubscribe or store Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// TakeLagged reports whether events were dropped since the last call.
// A lagged subscriber should re-list the record set.
func (s *Subscription) TakeLagged() bool {
	return s.lagged.Swap(false)
}

// Unsubscribe stops delivery and closes the event channel. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
}

// hub fans events out to subscribers.
type hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	s := &Subscription{events: make(chan Event, subscriptionBuffer), hub: h}
	h.subs[s] = struct{}{}
	return s, nil
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.once.Do(func() { close(s.events) })
	}
}

// publish delivers ev to every subscriber without blocking. A full
// subscriber loses the event and is marked lagged.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.events <- ev:
		default:
			s.lagged.Store(true)
		}
	}
}

// markLagged flags every subscriber, used when the upstream feed may have lost events.
func (h *hub) markLagged() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.lagged.Store(true)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		s.once.Do(func() { close(s.events) })
	}
}
