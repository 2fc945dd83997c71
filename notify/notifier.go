package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for change signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send);
// watchers always re-read the change log so a dropped wakeup loses nothing.
const defaultSignalBufferSize = 16

// Signal announces that a collection's change log advanced to Seq.
type Signal struct {
	Collection string
	Seq        uint64
}

// Filter selects collections. Empty matches every collection.
type Filter struct {
	Collections []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(collection string) bool {
	if len(s.filter.Collections) == 0 {
		return true
	}

	for _, c := range s.filter.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe, lossy wakeup hub for change-log watchers.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a wakeup to all matching subscribers (non-blocking).
func (h *Hub) Signal(collection string, seq uint64) {
	signal := Signal{
		Collection: collection,
		Seq:        seq,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(collection) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
