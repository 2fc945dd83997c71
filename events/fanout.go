// Package events appends significant occurrences to the durable event log and
// fans them out to the live recent-events feed and the push dispatcher.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/id"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRecentCapacity = 100
	DefaultTimeout        = 5 * time.Second
)

// Log is the durable, append-only event log
type Log interface {
	AppendEvent(ctx context.Context, ev common.Event) (common.Event, error)
}

// Dispatcher delivers events to push transports. Implementations must be
// idempotent on retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev common.Event) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, ev common.Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, ev common.Event) error {
	return f(ctx, ev)
}

// Feed is the low-latency store holding the live recent-events list
type Feed interface {
	Set(ctx context.Context, path string, w mirror.Write) (mirror.Node, error)
	ChildKeys(ctx context.Context, path string) ([]string, error)
	Remove(ctx context.Context, path string) (bool, error)
}

// Options configures the fanout
type Options struct {
	RecentCapacity int
	Timeout        time.Duration
}

// Fanout publishes events
type Fanout struct {
	log        Log
	feed       Feed
	dispatcher Dispatcher
	opts       Options

	// Serializes publishes per subject so appends keep call order
	subjects *xsync.MapOf[string, *sync.Mutex]

	ringMu sync.Mutex
	ring   []common.Event
	head   int
	size   int

	feedMu sync.Mutex
}

// New creates a fanout. feed and dispatcher may be nil.
func New(log Log, feed Feed, dispatcher Dispatcher, opts Options) *Fanout {
	if opts.RecentCapacity <= 0 {
		opts.RecentCapacity = DefaultRecentCapacity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Fanout{
		log:        log,
		feed:       feed,
		dispatcher: dispatcher,
		opts:       opts,
		subjects:   xsync.NewMapOf[string, *sync.Mutex](),
		ring:       make([]common.Event, opts.RecentCapacity),
	}
}

// Publish appends ev to the durable log, then pushes it to the recent-events
// feed and the dispatcher. Only the append can fail the call; side-effect
// failures are logged.
func (f *Fanout) Publish(ctx context.Context, ev common.Event) (common.Event, error) {
	if ev.Kind == "" {
		return common.Event{}, common.Invalid("kind", "", "must not be empty")
	}
	if err := common.ValidateSegment("subject", ev.SubjectID); err != nil {
		return common.Event{}, err
	}

	mu, _ := f.subjects.LoadOrCompute(ev.SubjectID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	defer mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	stored, err := f.log.AppendEvent(actx, ev)
	cancel()
	if err != nil {
		return common.Event{}, common.Transient("append event", err)
	}

	f.remember(stored)
	f.pushFeed(ctx, stored)
	f.dispatch(ctx, stored)

	log.Debug().
		Uint64("seq", stored.Seq).
		Str("kind", stored.Kind).
		Str("subject", stored.SubjectID).
		Msg("Event published")
	return stored, nil
}

// PublishAsync runs Publish in the background
func (f *Fanout) PublishAsync(ctx context.Context, ev common.Event) *future.Future[common.Event] {
	p := future.NewPromise[common.Event]()
	go func() {
		p.Set(f.Publish(ctx, ev))
	}()
	return p.Future()
}

// Recent returns up to n of the latest events, oldest first
func (f *Fanout) Recent(n int) []common.Event {
	f.ringMu.Lock()
	defer f.ringMu.Unlock()

	if n <= 0 || n > f.size {
		n = f.size
	}
	out := make([]common.Event, 0, n)
	capacity := len(f.ring)
	start := f.head - n
	for i := 0; i < n; i++ {
		out = append(out, f.ring[(start+i+capacity)%capacity])
	}
	return out
}

func (f *Fanout) remember(ev common.Event) {
	f.ringMu.Lock()
	defer f.ringMu.Unlock()

	f.ring[f.head] = ev
	f.head = (f.head + 1) % len(f.ring)
	if f.size < len(f.ring) {
		f.size++
	}
}

func (f *Fanout) pushFeed(ctx context.Context, ev common.Event) {
	if f.feed == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	path := common.JoinPath(common.NamespaceRecent, id.EncodeKey(ev.Seq))
	_, err := f.feed.Set(ctx, path, mirror.Write{
		Data: common.Payload{
			"seq":       ev.Seq,
			"kind":      ev.Kind,
			"subjectId": ev.SubjectID,
			"data":      map[string]any(ev.Data),
			"createdAt": ev.CreatedAt,
		},
		Origin: common.OriginPrimary,
	})
	if err != nil {
		log.Warn().Err(err).Uint64("seq", ev.Seq).Msg("Failed to push recent event")
		return
	}

	// Evict the oldest entries beyond capacity
	f.feedMu.Lock()
	defer f.feedMu.Unlock()

	keys, err := f.feed.ChildKeys(ctx, common.NamespaceRecent)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list recent events")
		return
	}
	for i := 0; i < len(keys)-f.opts.RecentCapacity; i++ {
		if _, err := f.feed.Remove(ctx, common.JoinPath(common.NamespaceRecent, keys[i])); err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("Failed to evict recent event")
		}
	}
}

func (f *Fanout) dispatch(ctx context.Context, ev common.Event) {
	if f.dispatcher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	if err := f.dispatcher.Dispatch(ctx, ev); err != nil {
		telemetry.DispatchFailuresTotal.Inc()
		log.Warn().
			Err(err).
			Uint64("seq", ev.Seq).
			Str("kind", ev.Kind).
			Msg("Event dispatch failed")
	}
}
