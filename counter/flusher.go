package counter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

// Tree lists counter nodes in the mirror
type Tree interface {
	Children(ctx context.Context, path string) ([]mirror.Child, error)
	ChildKeys(ctx context.Context, path string) ([]string, error)
	Get(ctx context.Context, path string) (mirror.Node, error)
}

// Documents receives the durable projections
type Documents interface {
	Merge(ctx context.Context, collection, id string, fields common.Payload, origin common.Origin) (primary.Document, error)
}

// Durable fields written by the flusher
const (
	StockField = "stock"
	CountField = "count"
)

// Flusher periodically projects inventory and analytics totals into the
// primary store: products/{id}.stock and analytics/{event}.count.
type Flusher struct {
	tree     Tree
	docs     Documents
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFlusher creates a flusher. It does nothing until Start.
func NewFlusher(tree Tree, docs Documents, interval time.Duration) *Flusher {
	return &Flusher{
		tree:     tree,
		docs:     docs,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic flushing
func (f *Flusher) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-f.stopCh:
				return
			case <-ticker.C:
				if err := f.Flush(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Counter flush failed")
				}
			}
		}
	}()
}

// Stop halts periodic flushing and runs one final flush
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.wg.Wait()
		if err := f.Flush(context.Background()); err != nil && !errors.Is(err, common.ErrClosed) {
			log.Warn().Err(err).Msg("Final counter flush failed")
		}
	})
}

// Flush projects every counter once. Failures on single entries are logged
// and the first one is returned after the pass completes.
func (f *Flusher) Flush(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(f.flushInventory(ctx))
	keep(f.flushAnalytics(ctx))
	return first
}

func (f *Flusher) flushInventory(ctx context.Context) error {
	children, err := f.tree.Children(ctx, common.NamespaceInventory)
	if err != nil {
		return err
	}

	var first error
	for _, c := range children {
		v, err := nodeValue(common.InventoryPath(c.Key), c.Node)
		if err == nil {
			_, err = f.docs.Merge(ctx, common.CollectionProducts, c.Key, common.Payload{StockField: v}, common.OriginPrimary)
		}
		if err != nil {
			log.Warn().Err(err).Str("product", c.Key).Msg("Failed to flush stock")
			if first == nil {
				first = err
			}
			continue
		}
		telemetry.CounterFlushesTotal.With("inventory").Inc()
	}
	return first
}

func (f *Flusher) flushAnalytics(ctx context.Context) error {
	names, err := f.tree.ChildKeys(ctx, common.NamespaceAnalytics)
	if err != nil {
		return err
	}

	var first error
	for _, name := range names {
		path := common.AnalyticsCountPath(name)
		n, err := f.tree.Get(ctx, path)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		var v int64
		if err == nil {
			v, err = nodeValue(path, n)
		}
		if err == nil {
			_, err = f.docs.Merge(ctx, common.CollectionAnalytics, name, common.Payload{CountField: v}, common.OriginPrimary)
		}
		if err != nil {
			log.Warn().Err(err).Str("event", name).Msg("Failed to flush analytics count")
			if first == nil {
				first = err
			}
			continue
		}
		telemetry.CounterFlushesTotal.With("analytics").Inc()
	}
	return first
}
