package notify

import (
	"sync"
	"sync/atomic"
)

// Feed delivers values to subscribers without loss. Every subscriber owns a
// goroutine and an unbounded queue, so one slow callback never blocks Send or
// other subscribers, and each subscriber sees values in Send order.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*feedSub[T]
	nextID atomic.Uint64
	closed bool
}

type feedSub[T any] struct {
	match func(T) bool
	fn    func(T)

	mu      sync.Mutex
	queue   []T
	wake    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
}

// NewFeed creates an empty feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[uint64]*feedSub[T])}
}

// Subscribe registers fn for values accepted by match (nil matches all).
// The returned cancel is idempotent and may be called from inside fn.
func (f *Feed[T]) Subscribe(match func(T) bool, fn func(T)) func() {
	sub := &feedSub[T]{
		match: match,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	id := f.nextID.Add(1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	f.subs[id] = sub
	f.mu.Unlock()

	go sub.run()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.stop()
	}
}

// Send enqueues v for every matching subscriber.
func (f *Feed[T]) Send(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		if sub.match != nil && !sub.match(v) {
			continue
		}
		sub.push(v)
	}
}

// Len returns the number of active subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close stops every subscriber. Queued values that were not delivered yet are dropped.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*feedSub[T])
	f.closed = true
	f.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (s *feedSub[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *feedSub[T]) stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.done)
	}
}

func (s *feedSub[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.queue = nil
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.stopped.Load() {
				return
			}
			s.fn(v)
		}
	}
}
