// Package reverse merges external writes on mirrored nodes back into the
// primary store. Writes tagged origin=primary are echoes of the bridge and
// are never merged.
package reverse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 5
	DefaultTimeout     = 5 * time.Second
)

// Result of handling one mirror event
type Result string

const (
	ResultMerged  Result = "merged"
	ResultEcho    Result = "echo"
	ResultStale   Result = "stale" // The primary copy is newer
	ResultIgnored Result = "ignored"
	ResultFailed  Result = "failed"
)

// Mirror is the low-latency store side
type Mirror interface {
	Subscribe(prefix string, fn func(mirror.Event)) (func(), error)
	CompareAndSet(ctx context.Context, path string, expectedVersion uint64, w mirror.Write) (mirror.Node, error)
}

// Primary is the durable store side
type Primary interface {
	Get(ctx context.Context, collection, id string) (primary.Document, error)
	Merge(ctx context.Context, collection, id string, fields common.Payload, origin common.Origin) (primary.Document, error)
}

// Options configures the listener
type Options struct {
	MaxAttempts int
	Backoff     common.Backoff
	Timeout     time.Duration
}

// Listener runs one mirror subscription per collection
type Listener struct {
	mirror  Mirror
	primary Primary
	opts    Options

	mu      sync.Mutex
	subs    map[string]*Subscription
	stopped bool
}

// New creates a listener
func New(m Mirror, p Primary, opts Options) *Listener {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Listener{mirror: m, primary: p, opts: opts, subs: make(map[string]*Subscription)}
}

// Subscription is a running reverse watch of one collection
type Subscription struct {
	listener    *Listener
	collection  string
	unsubscribe func()
	stopOnce    sync.Once

	merged atomic.Uint64
	echoes atomic.Uint64
}

// Collection returns the watched collection
func (s *Subscription) Collection() string {
	return s.collection
}

// Merged returns the number of external writes merged so far
func (s *Subscription) Merged() uint64 {
	return s.merged.Load()
}

// Echoes returns the number of primary-origin writes ignored so far
func (s *Subscription) Echoes() uint64 {
	return s.echoes.Load()
}

// Stop cancels the subscription. It is idempotent.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.unsubscribe()
		s.listener.forget(s)
		log.Info().Str("collection", s.collection).Msg("Reverse listener stopped")
	})
}

// WatchMirror subscribes to sync/{collection}. Watching twice returns the
// running subscription.
func (l *Listener) WatchMirror(collection string) (*Subscription, error) {
	if err := common.ValidateSegment("collection", collection); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil, common.ErrClosed
	}
	if s, ok := l.subs[collection]; ok {
		return s, nil
	}

	s := &Subscription{listener: l, collection: collection}
	unsub, err := l.mirror.Subscribe(common.MirrorRoot(collection), func(ev mirror.Event) {
		res, err := l.Handle(context.Background(), collection, ev)
		switch res {
		case ResultMerged:
			s.merged.Add(1)
		case ResultEcho:
			s.echoes.Add(1)
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("collection", collection).
				Str("path", ev.Path).
				Msg("Reverse merge failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	s.unsubscribe = unsub
	l.subs[collection] = s

	log.Info().Str("collection", collection).Msg("Reverse listener watching mirror")
	return s, nil
}

// ActiveWatchers returns the number of running subscriptions
func (l *Listener) ActiveWatchers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Stop cancels every subscription. It is idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.stopped = true
	subs := make([]*Subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
}

func (l *Listener) forget(s *Subscription) {
	l.mu.Lock()
	if cur, ok := l.subs[s.collection]; ok && cur == s {
		delete(l.subs, s.collection)
	}
	l.mu.Unlock()
}

// Handle processes one mirror event of collection. Echoes and removals are
// ignored; external writes are merged unless the primary copy is newer.
func (l *Listener) Handle(ctx context.Context, collection string, ev mirror.Event) (Result, error) {
	entity, ok := entityOf(collection, ev.Path)
	if !ok || ev.Type == mirror.EventRemoved {
		return ResultIgnored, nil
	}

	if ev.Node.Origin.IsPrimary() {
		telemetry.EchoSuppressedTotal.With(collection).Inc()
		return ResultEcho, nil
	}

	res, err := l.Merge(ctx, collection, entity, ev.Node)
	telemetry.ReverseMergesTotal.With(collection, string(res)).Inc()
	return res, err
}

// Merge writes an external mirror node into the primary store and then
// republishes the node with origin=primary so the bridge discards its echo.
func (l *Listener) Merge(ctx context.Context, collection, entity string, node mirror.Node) (Result, error) {
	path := common.MirrorPath(collection, entity)
	if node.Origin.IsPrimary() {
		telemetry.LoopGuardViolationsTotal.Inc()
		err := &common.LoopGuardViolation{Path: path}
		log.Error().Err(err).Bool("defect", true).Str("path", path).Msg("Loop guard violation")
		return ResultFailed, err
	}

	var (
		doc   primary.Document
		stale bool
	)
	err := common.Retry(ctx, l.opts.MaxAttempts, l.opts.Backoff, "reverse merge", path, func(attempt int) error {
		cctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()

		cur, err := l.primary.Get(cctx, collection, entity)
		switch {
		case errors.Is(err, common.ErrNotFound):
		case err != nil:
			return err
		case cur.UpdatedAt > node.MirroredAt.Stamp():
			stale = true
			return nil
		}

		doc, err = l.primary.Merge(cctx, collection, entity, node.Data, common.OriginExternal)
		return err
	})
	if err != nil {
		return ResultFailed, err
	}
	if stale {
		log.Debug().Str("path", path).Msg("Primary copy is newer, skipping reverse merge")
		return ResultStale, nil
	}

	l.republish(ctx, path, node, doc)
	return ResultMerged, nil
}

// republish closes the loop. A version conflict means a newer write already
// replaced the node; that write gets its own event.
func (l *Listener) republish(ctx context.Context, path string, node mirror.Node, doc primary.Document) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	_, err := l.mirror.CompareAndSet(ctx, path, node.Version, mirror.Write{
		Data:   doc.Data,
		Origin: common.OriginPrimary,
		Seq:    doc.Seq,
	})
	switch {
	case err == nil:
	case errors.Is(err, common.ErrWriteConflict):
		log.Debug().Str("path", path).Msg("Mirror node moved before republish")
	default:
		log.Warn().Err(err).Str("path", path).Msg("Failed to republish merged node")
	}
}

// entityOf extracts the entity of sync/{collection}/{entity}. Deeper paths
// are not documents.
func entityOf(collection, path string) (string, bool) {
	prefix := common.MirrorRoot(collection) + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	entity := path[len(prefix):]
	if entity == "" || strings.IndexByte(entity, '/') >= 0 {
		return "", false
	}
	return entity, true
}
