// Package bridge mirrors primary-store collection changes into the mirror
// store under sync/{collection}/{entity}, tagged origin=primary.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
	DefaultTrimEvery   = 128
)

// Result of applying one change record
type Result string

const (
	ResultMirrored Result = "mirrored"
	ResultRemoved  Result = "removed"
	ResultSkipped  Result = "skipped" // Already mirrored: replay or echo
	ResultStale    Result = "stale"   // A newer external mirror write wins
	ResultFailed   Result = "failed"
)

// Source is the primary store side of the bridge
type Source interface {
	Watch(ctx context.Context, collection string, opts primary.WatchOptions) (*primary.Watch, error)
	LoadCursor(ctx context.Context, name string) (uint64, error)
	SaveCursor(ctx context.Context, name string, seq uint64) error
	TrimChanges(ctx context.Context, collection string, uptoSeq uint64) (int64, error)
}

// Target is the mirror side of the bridge
type Target interface {
	Get(ctx context.Context, path string) (mirror.Node, error)
	CompareAndSet(ctx context.Context, path string, expectedVersion uint64, w mirror.Write) (mirror.Node, error)
	Remove(ctx context.Context, path string) (bool, error)
}

// Publisher receives one event per processed change record
type Publisher interface {
	Publish(ctx context.Context, ev common.Event) (common.Event, error)
}

// Options configures the bridge
type Options struct {
	MaxAttempts int
	Backoff     common.Backoff
	Timeout     time.Duration // Per store call
	TrimEvery   int           // Records between change-log trims, negative disables
}

// Bridge runs one watcher per collection
type Bridge struct {
	source    Source
	target    Target
	publisher Publisher
	opts      Options

	mu       sync.Mutex
	watchers map[string]*Watcher
	stopped  bool
}

// New creates a bridge. publisher may be nil to skip event emission.
func New(source Source, target Target, publisher Publisher, opts Options) *Bridge {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TrimEvery == 0 {
		opts.TrimEvery = DefaultTrimEvery
	}
	return &Bridge{
		source:    source,
		target:    target,
		publisher: publisher,
		opts:      opts,
		watchers:  make(map[string]*Watcher),
	}
}

// CursorName is the persisted cursor of a collection watcher
func CursorName(collection string) string {
	return "bridge:" + collection
}

// Watch starts mirroring collection from its persisted cursor. Watching a
// collection twice returns the running watcher.
func (b *Bridge) Watch(collection string) (*Watcher, error) {
	if err := common.ValidateSegment("collection", collection); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, common.ErrClosed
	}
	if w, ok := b.watchers[collection]; ok {
		return w, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()

	cursor, err := b.source.LoadCursor(ctx, CursorName(collection))
	if err != nil {
		return nil, fmt.Errorf("load cursor for %s: %w", collection, err)
	}

	watch, err := b.source.Watch(ctx, collection, primary.WatchOptions{AfterSeq: cursor})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}

	w := &Watcher{
		bridge:     b,
		collection: collection,
		watch:      watch,
		doneCh:     make(chan struct{}),
	}
	b.watchers[collection] = w
	go w.run()

	log.Info().Str("collection", collection).Uint64("cursor", cursor).Msg("Bridge watching collection")
	return w, nil
}

// ActiveWatchers returns the number of running collection watchers
func (b *Bridge) ActiveWatchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

// Stop stops every watcher. It is idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.stopped = true
	watchers := make([]*Watcher, 0, len(b.watchers))
	for _, w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}

func (b *Bridge) forget(w *Watcher) {
	b.mu.Lock()
	if cur, ok := b.watchers[w.collection]; ok && cur == w {
		delete(b.watchers, w.collection)
	}
	b.mu.Unlock()
}

// Apply mirrors one change record, retrying retryable failures with backoff.
// Replaying a record that is already mirrored leaves the node untouched.
func (b *Bridge) Apply(ctx context.Context, rec common.ChangeRecord) (Result, error) {
	if rec.DecodeErr != nil {
		return ResultFailed, rec.DecodeErr
	}
	res := ResultFailed
	err := common.Retry(ctx, b.opts.MaxAttempts, b.opts.Backoff,
		"mirror "+rec.ChangeType.String(),
		common.MirrorPath(rec.CollectionID, rec.EntityID),
		func(attempt int) error {
			r, err := b.applyOnce(ctx, rec)
			if err != nil {
				log.Debug().
					Err(err).
					Str("collection", rec.CollectionID).
					Str("entity", rec.EntityID).
					Uint64("seq", rec.ObservedAt).
					Int("attempt", attempt).
					Msg("Mirror write failed")
				return err
			}
			res = r
			return nil
		})
	if err != nil {
		return ResultFailed, err
	}
	return res, nil
}

func (b *Bridge) applyOnce(ctx context.Context, rec common.ChangeRecord) (Result, error) {
	path := common.MirrorPath(rec.CollectionID, rec.EntityID)
	if err := common.ValidatePath(path); err != nil {
		return ResultFailed, err
	}

	start := time.Now()
	defer func() {
		telemetry.ObserveSince(telemetry.MirrorWriteSeconds.With("bridge"), start)
	}()

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	cur, err := b.target.Get(ctx, path)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return ResultFailed, err
	}

	if cur.Exists() {
		if cur.Origin.IsPrimary() && cur.Seq >= rec.ObservedAt {
			return ResultSkipped, nil
		}
		if !cur.Origin.IsPrimary() && cur.MirroredAt.Stamp() > rec.CommittedAt {
			return ResultStale, nil
		}
	}

	if rec.ChangeType == common.ChangeRemoved {
		if _, err := b.target.Remove(ctx, path); err != nil {
			return ResultFailed, err
		}
		return ResultRemoved, nil
	}

	data := rec.Payload
	if data == nil {
		data = common.Payload{}
	}
	_, err = b.target.CompareAndSet(ctx, path, cur.Version, mirror.Write{
		Data:   data,
		Origin: common.OriginPrimary,
		Seq:    rec.ObservedAt,
	})
	if err != nil {
		return ResultFailed, err
	}
	return ResultMirrored, nil
}

func (b *Bridge) emit(ctx context.Context, rec common.ChangeRecord) {
	if b.publisher == nil {
		return
	}

	_, err := b.publisher.Publish(ctx, common.Event{
		Kind:      rec.CollectionID + "." + rec.ChangeType.String(),
		SubjectID: rec.EntityID,
		Data:      rec.Payload,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("collection", rec.CollectionID).
			Str("entity", rec.EntityID).
			Uint64("seq", rec.ObservedAt).
			Msg("Failed to publish change event")
	}
}
