package primary

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/notify"
	"github.com/rs/zerolog/log"
)

// WatchOptions selects where a watch starts
type WatchOptions struct {
	AfterSeq   uint64 // Deliver records with seq > AfterSeq
	FromLatest bool   // Skip history: start after the current latest seq
}

// Watch delivers the change records of one collection in sequence order.
// In-process writes wake it immediately; writes made by other processes are
// picked up by the poll ticker.
type Watch struct {
	store      *Store
	collection string
	cursor     atomic.Uint64
	ch         chan common.ChangeRecord
	stopCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once
}

// Watch starts a change watch on a collection
func (s *Store) Watch(ctx context.Context, collection string, opts WatchOptions) (*Watch, error) {
	if err := common.ValidateSegment("collection", collection); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, common.ErrClosed
	}

	after := opts.AfterSeq
	if opts.FromLatest {
		latest, err := s.LatestSeq(ctx, collection)
		if err != nil {
			return nil, err
		}
		after = latest
	}

	// Subscribe before the first read so no wakeup is missed in between
	signals, cancel := s.hub.Subscribe(notify.Filter{Collections: []string{collection}})

	w := &Watch{
		store:      s,
		collection: collection,
		ch:         make(chan common.ChangeRecord),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	w.cursor.Store(after)

	go w.run(signals, cancel)
	return w, nil
}

// Changes returns the ordered record channel. It is closed when the watch stops.
func (w *Watch) Changes() <-chan common.ChangeRecord {
	return w.ch
}

// Collection returns the watched collection
func (w *Watch) Collection() string {
	return w.collection
}

// Cursor returns the seq of the last record handed to the consumer
func (w *Watch) Cursor() uint64 {
	return w.cursor.Load()
}

// Stop ends the watch. It is idempotent and safe to call from any goroutine.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}

func (w *Watch) run(signals <-chan notify.Signal, cancel func()) {
	defer close(w.doneCh)
	defer close(w.ch)
	defer cancel()

	ticker := time.NewTicker(w.store.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !w.drain() {
			return
		}

		select {
		case <-w.stopCh:
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
		case <-ticker.C:
		}
	}
}

// drain delivers everything after the cursor. It returns false once the watch
// must end.
func (w *Watch) drain() bool {
	for {
		ctx, cancel := w.store.withTimeout(context.Background())
		records, err := w.store.Changes(ctx, w.collection, w.cursor.Load(), w.store.opts.BatchSize)
		cancel()
		if err != nil {
			if errors.Is(err, common.ErrClosed) {
				return false
			}
			log.Warn().
				Err(err).
				Str("collection", w.collection).
				Uint64("cursor", w.cursor.Load()).
				Msg("Failed to read change log, will retry")
			return true
		}

		for _, rec := range records {
			select {
			case w.ch <- rec:
				w.cursor.Store(rec.ObservedAt)
			case <-w.stopCh:
				return false
			}
		}

		if len(records) < w.store.opts.BatchSize {
			return true
		}
	}
}
