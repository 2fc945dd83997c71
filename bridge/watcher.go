package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

// Watcher mirrors one collection. Records are applied strictly in the order
// the primary store emits them.
type Watcher struct {
	bridge     *Bridge
	collection string
	watch      *primary.Watch
	doneCh     chan struct{}
	stopOnce   sync.Once

	processed atomic.Uint64
	cursor    atomic.Uint64
}

// Collection returns the watched collection
func (w *Watcher) Collection() string {
	return w.collection
}

// Processed returns the number of records handled since start
func (w *Watcher) Processed() uint64 {
	return w.processed.Load()
}

// Cursor returns the seq of the last handled record
func (w *Watcher) Cursor() uint64 {
	return w.cursor.Load()
}

// Done is closed when the watcher has exited
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

// Stop ends the watcher. It is idempotent and safe from any goroutine.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.watch.Stop()
	})
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	defer w.bridge.forget(w)

	b := w.bridge
	for rec := range w.watch.Changes() {
		w.handle(rec)

		seq := rec.ObservedAt
		n := w.processed.Load() + 1

		ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
		if err := b.source.SaveCursor(ctx, CursorName(w.collection), seq); err != nil {
			log.Warn().Err(err).Str("collection", w.collection).Uint64("seq", seq).Msg("Failed to save bridge cursor")
		}
		if b.opts.TrimEvery > 0 && n%uint64(b.opts.TrimEvery) == 0 {
			if trimmed, err := b.source.TrimChanges(ctx, w.collection, seq); err != nil {
				log.Warn().Err(err).Str("collection", w.collection).Msg("Failed to trim change log")
			} else if trimmed > 0 {
				log.Debug().Str("collection", w.collection).Int64("trimmed", trimmed).Msg("Trimmed change log")
			}
		}
		cancel()

		w.cursor.Store(seq)
		telemetry.BridgeCursor.With(w.collection).Set(float64(seq))
		w.processed.Add(1)
	}

	log.Info().Str("collection", w.collection).Uint64("cursor", w.cursor.Load()).Msg("Bridge watcher stopped")
}

// handle applies one record. Failures are logged and never end the loop.
func (w *Watcher) handle(rec common.ChangeRecord) {
	b := w.bridge
	res, err := b.Apply(context.Background(), rec)
	telemetry.ChangeRecordsTotal.With(w.collection, string(res)).Inc()

	if err != nil {
		log.Error().
			Err(err).
			Str("collection", rec.CollectionID).
			Str("entity", rec.EntityID).
			Uint64("seq", rec.ObservedAt).
			Msg("Giving up on change record")
		return
	}

	if res == ResultSkipped {
		telemetry.EchoSuppressedTotal.With(w.collection).Inc()
	}
	b.emit(context.Background(), rec)
}
