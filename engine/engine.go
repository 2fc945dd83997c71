// Package engine is the API-facing facade of syncbridge. It owns the
// lifecycle of the bridge, reverse, presence and flusher watchers, and runs
// every client mutation through the rate limiter and the authorizer before it
// reaches a store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/maxpert/syncbridge/bridge"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/counter"
	"github.com/maxpert/syncbridge/events"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/presence"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/ratelimit"
	"github.com/maxpert/syncbridge/reverse"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Config wires the engine to its stores and collaborators
type Config struct {
	Primary    *primary.Store
	Mirror     *mirror.Store
	Dispatcher events.Dispatcher // nil disables push dispatch
	Limiter    *ratelimit.Limiter
	Authorizer Authorizer // nil allows everything

	// Collections mirrored by the bridge
	Collections []string
	// CollectionGlob selects the mirrored collections that accept external writes
	CollectionGlob string
	// EmitChangeEvents publishes "{collection}.{change}" events for bridged records
	EmitChangeEvents bool

	LowStockThreshold int64
	FlushInterval     time.Duration // 0 disables the counter flusher
	StoreTimeout      time.Duration // Bound on direct store calls, DefaultStoreTimeout when 0

	Counter  counter.Options
	Bridge   bridge.Options
	Reverse  reverse.Options
	Presence presence.Options
	Events   events.Options
}

// DefaultStoreTimeout bounds store calls made directly by the engine
const DefaultStoreTimeout = 5 * time.Second

// Engine is the API-facing facade of the synchronization core. Every mutation
// is rate limited and capability checked before it touches a store.
type Engine struct {
	primary *primary.Store
	mirror  *mirror.Store
	limiter *ratelimit.Limiter
	auth    Authorizer

	counter   *counter.Counter
	inventory *counter.Inventory
	analytics *counter.Analytics
	flusher   *counter.Flusher
	presence  *presence.Tracker
	fanout    *events.Fanout
	bridge    *bridge.Bridge
	reverse   *reverse.Listener

	collections    []string
	reverseMatcher glob.Glob
	flushInterval  time.Duration
	storeTimeout   time.Duration

	subs   *xsync.MapOf[uint64, func()]
	subSeq atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds the engine and its components. Nothing runs until Start.
func New(c Config) (*Engine, error) {
	if c.Primary == nil || c.Mirror == nil {
		return nil, fmt.Errorf("engine requires both stores")
	}
	if c.Limiter == nil {
		c.Limiter = ratelimit.New(ratelimit.Options{})
	}
	if c.Authorizer == nil {
		c.Authorizer = AllowAll()
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}

	pattern := c.CollectionGlob
	if pattern == "" {
		pattern = "*"
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid collection glob %q: %w", pattern, err)
	}

	for _, coll := range c.Collections {
		if err := common.ValidateSegment("collection", coll); err != nil {
			return nil, err
		}
	}

	ctr := counter.New(c.Mirror, c.Counter)
	fanout := events.New(c.Primary, c.Mirror, c.Dispatcher, c.Events)

	var pub bridge.Publisher
	if c.EmitChangeEvents {
		pub = fanout
	}

	e := &Engine{
		primary:        c.Primary,
		mirror:         c.Mirror,
		limiter:        c.Limiter,
		auth:           c.Authorizer,
		counter:        ctr,
		inventory:      counter.NewInventory(ctr, c.LowStockThreshold),
		analytics:      counter.NewAnalytics(ctr),
		presence:       presence.New(c.Mirror, c.Primary, c.Presence),
		fanout:         fanout,
		bridge:         bridge.New(c.Primary, c.Mirror, pub, c.Bridge),
		reverse:        reverse.New(c.Mirror, c.Primary, c.Reverse),
		collections:    append([]string(nil), c.Collections...),
		reverseMatcher: matcher,
		flushInterval:  c.FlushInterval,
		storeTimeout:   c.StoreTimeout,
		subs:           xsync.NewMapOf[uint64, func()](),
	}
	if c.FlushInterval > 0 {
		e.flusher = counter.NewFlusher(c.Mirror, c.Primary, c.FlushInterval)
	}
	return e, nil
}

// storeCtx bounds a single store call; a tighter caller deadline still wins
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storeTimeout)
}

// Start launches the bridge watcher of every configured collection, the
// reverse listener of those matching the collection glob, the presence
// projection and the counter flusher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return common.ErrClosed
	}
	if e.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.startWatchers(); err != nil {
		e.reverse.Stop()
		e.bridge.Stop()
		e.presence.Stop()
		return err
	}

	if e.flusher != nil {
		e.flusher.Start()
	}
	e.started = true

	log.Info().
		Strs("collections", e.collections).
		Int("watchers", e.ActiveWatchers()).
		Msg("Sync engine started")
	return nil
}

func (e *Engine) startWatchers() error {
	for _, coll := range e.collections {
		if _, err := e.bridge.Watch(coll); err != nil {
			return fmt.Errorf("bridge %s: %w", coll, err)
		}
		if e.reverseMatcher.Match(coll) {
			if _, err := e.reverse.WatchMirror(coll); err != nil {
				return fmt.Errorf("reverse listener %s: %w", coll, err)
			}
		}
	}
	if err := e.presence.Watch(); err != nil {
		return fmt.Errorf("presence projection: %w", err)
	}
	return nil
}

// Stop stops every watcher and client subscription and clears the rate
// limiter. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	e.stopped = true

	e.reverse.Stop()
	e.bridge.Stop()
	e.presence.Stop()
	if e.flusher != nil {
		e.flusher.Stop()
	}

	e.subs.Range(func(id uint64, unsubscribe func()) bool {
		unsubscribe()
		return true
	})
	e.limiter.Clear()

	log.Info().Msg("Sync engine stopped")
}

// ActiveWatchers counts running bridge and reverse watchers plus client subscriptions
func (e *Engine) ActiveWatchers() int {
	return e.bridge.ActiveWatchers() + e.reverse.ActiveWatchers() + e.subs.Size()
}

// Subscribe delivers mirror child events under path to cb until the returned
// function is called. The unsubscribe function is idempotent.
func (e *Engine) Subscribe(path string, cb func(mirror.Event)) (func(), error) {
	if cb == nil {
		return nil, common.Invalid("callback", path, "is required")
	}
	if err := common.ValidatePath(path); err != nil {
		return nil, err
	}

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, common.ErrClosed
	}

	unsubscribe, err := e.mirror.Subscribe(path, cb)
	if err != nil {
		return nil, err
	}

	id := e.subSeq.Add(1)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.subs.Delete(id)
			unsubscribe()
		})
	}
	e.subs.Store(id, cancel)
	return cancel, nil
}

// RecentEvents returns up to n of the latest events, oldest first
func (e *Engine) RecentEvents(n int) []common.Event {
	return e.fanout.Recent(n)
}

// Publish appends an application event through the fanout
func (e *Engine) Publish(ctx context.Context, ev common.Event) (common.Event, error) {
	return e.fanout.Publish(ctx, ev)
}

// Bridge exposes the change-stream bridge
func (e *Engine) Bridge() *bridge.Bridge { return e.bridge }

// Reverse exposes the reverse listener
func (e *Engine) Reverse() *reverse.Listener { return e.reverse }

// Flush projects counters into the primary store immediately
func (e *Engine) Flush(ctx context.Context) error {
	if e.flusher == nil {
		return counter.NewFlusher(e.mirror, e.primary, 0).Flush(ctx)
	}
	return e.flusher.Flush(ctx)
}
