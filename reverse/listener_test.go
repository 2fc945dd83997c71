package reverse

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/syncbridge/bridge"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPrimary counts merge writes reaching the primary store
type countingPrimary struct {
	*primary.Store
	merges atomic.Int32
}

func (p *countingPrimary) Merge(ctx context.Context, collection, id string, fields common.Payload, origin common.Origin) (primary.Document, error) {
	p.merges.Add(1)
	return p.Store.Merge(ctx, collection, id, fields, origin)
}

type fixture struct {
	clock    *hlc.Clock
	primary  *countingPrimary
	mirror   *mirror.Store
	listener *Listener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := hlc.NewClock(1)

	p, err := primary.Open(primary.Options{
		DSN:          filepath.Join(t.TempDir(), "primary.db"),
		Clock:        clock,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	m, err := mirror.Open(mirror.Options{Dir: t.TempDir(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	cp := &countingPrimary{Store: p}
	l := New(m, cp, Options{Backoff: common.Backoff{Initial: time.Millisecond}})
	t.Cleanup(l.Stop)

	return &fixture{clock: clock, primary: cp, mirror: m, listener: l}
}

func TestListener_IgnoresPrimaryOriginWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.listener.WatchMirror("orders")
	require.NoError(t, err)

	_, err = f.mirror.Set(ctx, "sync/orders/o1", mirror.Write{
		Data:   common.Payload{"status": "paid"},
		Origin: common.OriginPrimary,
		Seq:    1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sub.Echoes() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), f.primary.merges.Load())
	assert.Equal(t, uint64(0), sub.Merged())

	_, err = f.primary.Get(ctx, "orders", "o1")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestListener_ExternalWriteMergesOnceAndRepublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.primary.Set(ctx, "orders", "o1", common.Payload{"status": "paid", "total": 30}, common.OriginPrimary)
	require.NoError(t, err)

	sub, err := f.listener.WatchMirror("orders")
	require.NoError(t, err)

	_, err = f.mirror.Set(ctx, "sync/orders/o1", mirror.Write{
		Data:   common.Payload{"status": "cancelled"},
		Origin: common.OriginExternal,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := f.mirror.Get(ctx, "sync/orders/o1")
		return err == nil && n.Origin.IsPrimary()
	}, 2*time.Second, 5*time.Millisecond)

	// The republish is observed as an echo and causes no second merge
	require.Eventually(t, func() bool { return sub.Echoes() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.primary.merges.Load())
	assert.Equal(t, uint64(1), sub.Merged())

	doc, err := f.primary.Get(ctx, "orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", doc.Data["status"])
	assert.Equal(t, int64(30), doc.Data["total"], "merge keeps fields the mirror did not carry")
	assert.Equal(t, common.OriginExternal, doc.Origin)

	n, err := f.mirror.Get(ctx, "sync/orders/o1")
	require.NoError(t, err)
	assert.Equal(t, doc.Seq, n.Seq)
	assert.Equal(t, int64(30), n.Data["total"])
}

func TestListener_BridgeDiscardsEchoOfMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := bridge.New(f.primary.Store, f.mirror, nil, bridge.Options{Backoff: common.Backoff{Initial: time.Millisecond}})
	defer b.Stop()
	w, err := b.Watch("users")
	require.NoError(t, err)

	_, err = f.listener.WatchMirror("users")
	require.NoError(t, err)

	_, err = f.mirror.Set(ctx, "sync/users/u1", mirror.Write{
		Data:   common.Payload{"onlineStatus": "offline"},
		Origin: common.OriginExternal,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.Processed() == 1 }, 3*time.Second, 5*time.Millisecond)

	// Give a looping system room to misbehave
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), f.primary.merges.Load())
	assert.Equal(t, uint64(1), w.Processed())

	n, err := f.mirror.Get(ctx, "sync/users/u1")
	require.NoError(t, err)
	assert.True(t, n.Origin.IsPrimary())
	assert.Equal(t, "offline", n.Data["onlineStatus"])
}

func TestListener_NewerPrimaryWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ext, err := f.mirror.Set(ctx, "sync/orders/o1", mirror.Write{
		Data:   common.Payload{"status": "client"},
		Origin: common.OriginExternal,
	})
	require.NoError(t, err)

	_, err = f.primary.Set(ctx, "orders", "o1", common.Payload{"status": "server"}, common.OriginPrimary)
	require.NoError(t, err)

	res, err := f.listener.Merge(ctx, "orders", "o1", ext)
	require.NoError(t, err)
	assert.Equal(t, ResultStale, res)
	assert.Equal(t, int32(0), f.primary.merges.Load())
}

func TestListener_LoopGuard(t *testing.T) {
	f := newFixture(t)

	res, err := f.listener.Merge(context.Background(), "orders", "o1", mirror.Node{
		Data:    common.Payload{"x": 1},
		Origin:  common.OriginPrimary,
		Version: 1,
	})
	assert.Equal(t, ResultFailed, res)
	assert.True(t, errors.Is(err, common.ErrLoopGuard))

	var violation *common.LoopGuardViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "sync/orders/o1", violation.Path)
	assert.Equal(t, int32(0), f.primary.merges.Load())
}

func TestListener_IgnoresRemovalsAndDeepPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.listener.Handle(ctx, "orders", mirror.Event{
		Type: mirror.EventRemoved,
		Path: "sync/orders/o1",
		Node: mirror.Node{Origin: common.OriginExternal, Version: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)

	res, err = f.listener.Handle(ctx, "orders", mirror.Event{
		Type: mirror.EventAdded,
		Path: "sync/orders/o1/notes",
		Node: mirror.Node{Data: common.Payload{}, Origin: common.OriginExternal, Version: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res)
	assert.Equal(t, int32(0), f.primary.merges.Load())
}

func TestListener_WatchLifecycle(t *testing.T) {
	f := newFixture(t)

	a, err := f.listener.WatchMirror("orders")
	require.NoError(t, err)
	b, err := f.listener.WatchMirror("orders")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, f.listener.ActiveWatchers())
	assert.Equal(t, 1, f.mirror.Subscriptions())

	a.Stop()
	a.Stop()
	assert.Equal(t, 0, f.listener.ActiveWatchers())
	assert.Equal(t, 0, f.mirror.Subscriptions())

	f.listener.Stop()
	_, err = f.listener.WatchMirror("orders")
	assert.True(t, errors.Is(err, common.ErrClosed))
}
