package counter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMirror(t *testing.T) *mirror.Store {
	t.Helper()
	s, err := mirror.Open(mirror.Options{Dir: t.TempDir(), Clock: hlc.NewClock(1)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCounter(store Store) *Counter {
	return New(store, Options{
		MaxAttempts: 1000,
		Backoff:     common.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
}

func TestCounter_ConcurrentDeltasSum(t *testing.T) {
	s := openMirror(t)
	c := newTestCounter(s)
	ctx := context.Background()

	deltas := []int64{5, -3, 7, 11, -2, 1, 1, 1, 9, -4, 6, 3, -1, 2, 8, -5}
	var want int64
	for _, d := range deltas {
		want += d
	}

	var wg sync.WaitGroup
	for _, d := range deltas {
		wg.Add(1)
		go func(d int64) {
			defer wg.Done()
			_, err := c.Apply(ctx, "analytics/hits/count", d, Unclamped())
			assert.NoError(t, err)
		}(d)
	}
	wg.Wait()

	got, err := c.Value(ctx, "analytics/hits/count")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCounter_StockClampScenario(t *testing.T) {
	s := openMirror(t)
	c := newTestCounter(s)
	ctx := context.Background()

	_, err := c.Apply(ctx, "inventory/p1", 10, StockClamp())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Apply(ctx, "inventory/p1", -4, StockClamp())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := c.Value(ctx, "inventory/p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestCounter_AbsentIsZeroAndClampApplies(t *testing.T) {
	s := openMirror(t)
	c := newTestCounter(s)
	ctx := context.Background()

	v, err := c.Value(ctx, "inventory/none")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	res, err := c.Apply(ctx, "inventory/p2", -3, StockClamp())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Previous)
	assert.Equal(t, int64(0), res.Value)

	max := int64(3)
	res, err = c.Apply(ctx, "chats/c1/unread/u1", 10, Clamp{Max: &max})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Value)

	res, err = c.Apply(ctx, "chats/c1/unread/u2", -10, Unclamped())
	require.NoError(t, err)
	assert.Equal(t, int64(-10), res.Value)

	res, err = c.Reset(ctx, "chats/c1/unread/u2")
	require.NoError(t, err)
	assert.Equal(t, int64(-10), res.Previous)
	assert.Equal(t, int64(0), res.Value)
}

func TestCounter_WritesPrimaryOriginAndTimestamp(t *testing.T) {
	s := openMirror(t)
	c := newTestCounter(s)
	ctx := context.Background()

	_, err := c.Apply(ctx, "inventory/p1", 2, StockClamp())
	require.NoError(t, err)

	n, err := s.Get(ctx, "inventory/p1")
	require.NoError(t, err)
	assert.Equal(t, common.OriginPrimary, n.Origin)
	assert.IsType(t, int64(0), n.Data["updatedAt"])
}

func TestCounter_RejectsNonIntegerNode(t *testing.T) {
	s := openMirror(t)
	c := newTestCounter(s)
	ctx := context.Background()

	_, err := s.Set(ctx, "inventory/p1", mirror.Write{Data: common.Payload{ValueField: "ten"}})
	require.NoError(t, err)

	_, err = c.Apply(ctx, "inventory/p1", 1, StockClamp())
	assert.True(t, errors.Is(err, common.ErrValidation))

	_, err = c.Apply(ctx, "bad//path", 1, StockClamp())
	assert.True(t, errors.Is(err, common.ErrValidation))
}

// conflictStore fails every transaction with a write conflict
type conflictStore struct {
	calls atomic.Int32
}

func (s *conflictStore) Get(ctx context.Context, path string) (mirror.Node, error) {
	return mirror.Node{}, common.ErrNotFound
}

func (s *conflictStore) Transaction(ctx context.Context, path string, fn func(cur mirror.Node) (mirror.Write, bool, error)) (mirror.Node, bool, error) {
	s.calls.Add(1)
	if _, _, err := fn(mirror.Node{}); err != nil {
		return mirror.Node{}, false, err
	}
	return mirror.Node{}, false, common.ErrWriteConflict
}

func TestCounter_RetryExhausted(t *testing.T) {
	store := &conflictStore{}
	c := New(store, Options{MaxAttempts: 4, Backoff: common.Backoff{Initial: time.Millisecond}})

	_, err := c.Apply(context.Background(), "inventory/p1", -1, StockClamp())
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrRetryExhausted))
	assert.True(t, errors.Is(err, common.ErrWriteConflict))

	var exhausted *common.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, "inventory/p1", exhausted.Address)
	assert.Equal(t, int32(4), store.calls.Load())
}

func TestCounter_CancelledContextStopsRetrying(t *testing.T) {
	store := &conflictStore{}
	c := New(store, Options{MaxAttempts: 100, Backoff: common.Backoff{Initial: time.Hour}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Apply(ctx, "inventory/p1", 1, StockClamp())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestInventory_AdjustReportsLowCrossing(t *testing.T) {
	s := openMirror(t)
	inv := NewInventory(newTestCounter(s), 5)
	ctx := context.Background()

	_, crossed, err := inv.Adjust(ctx, "p1", 10)
	require.NoError(t, err)
	assert.False(t, crossed)

	res, crossed, err := inv.Adjust(ctx, "p1", -5)
	require.NoError(t, err)
	assert.True(t, crossed)
	assert.Equal(t, int64(5), res.Value)

	_, crossed, err = inv.Adjust(ctx, "p1", -1)
	require.NoError(t, err)
	assert.False(t, crossed, "already below threshold")

	stock, err := inv.Stock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stock)

	_, _, err = inv.Adjust(ctx, "p/1", 1)
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestAnalytics_TrackCountsTotalAndDay(t *testing.T) {
	s := openMirror(t)
	a := NewAnalytics(newTestCounter(s))
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	for _, at := range []time.Time{day1, day1, day2} {
		_, err := a.Track(ctx, "product_view", at)
		require.NoError(t, err)
	}

	total, err := a.Count(ctx, "product_view")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	d1, err := a.Daily(ctx, "product_view", day1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d1)

	n, err := s.Get(ctx, "analytics/product_view/daily/2024-03-02")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Data[ValueField])
}

func TestFlusher_ProjectsTotals(t *testing.T) {
	s := openMirror(t)
	c := newTestCounter(s)
	ctx := context.Background()

	docs, err := primary.Open(primary.Options{
		DSN:   filepath.Join(t.TempDir(), "primary.db"),
		Clock: hlc.NewClock(1),
	})
	require.NoError(t, err)
	defer docs.Close()

	inv := NewInventory(c, 0)
	_, _, err = inv.Adjust(ctx, "p1", 7)
	require.NoError(t, err)
	a := NewAnalytics(c)
	_, err = a.Track(ctx, "checkout", time.Now())
	require.NoError(t, err)
	_, err = a.Track(ctx, "checkout", time.Now())
	require.NoError(t, err)

	f := NewFlusher(s, docs, time.Hour)
	require.NoError(t, f.Flush(ctx))

	p, err := docs.Get(ctx, common.CollectionProducts, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Data[StockField])

	an, err := docs.Get(ctx, common.CollectionAnalytics, "checkout")
	require.NoError(t, err)
	assert.Equal(t, int64(2), an.Data[CountField])

	// Unchanged totals do not produce new change records
	seq, err := docs.LatestSeq(ctx, common.CollectionProducts)
	require.NoError(t, err)
	require.NoError(t, f.Flush(ctx))
	again, err := docs.LatestSeq(ctx, common.CollectionProducts)
	require.NoError(t, err)
	assert.Equal(t, seq, again)
}

func TestFlusher_StartStop(t *testing.T) {
	s := openMirror(t)
	docs, err := primary.Open(primary.Options{
		DSN:   filepath.Join(t.TempDir(), "primary.db"),
		Clock: hlc.NewClock(1),
	})
	require.NoError(t, err)
	defer docs.Close()

	_, _, err = NewInventory(newTestCounter(s), 0).Adjust(context.Background(), "p9", 3)
	require.NoError(t, err)

	f := NewFlusher(s, docs, 10*time.Millisecond)
	f.Start()
	require.Eventually(t, func() bool {
		d, err := docs.Get(context.Background(), common.CollectionProducts, "p9")
		return err == nil && d.Data[StockField] == int64(3)
	}, 2*time.Second, 10*time.Millisecond)
	f.Stop()
	f.Stop()
}

func TestCounter_NoLostUpdatesUnderCacheEviction(t *testing.T) {
	s, err := mirror.Open(mirror.Options{Dir: t.TempDir(), Clock: hlc.NewClock(1), CacheSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	c := newTestCounter(s)
	ctx := context.Background()

	const workers, rounds = 8, 300
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				_, err := c.Apply(ctx, "analytics/a/count", 1, Unclamped())
				assert.NoError(t, err)
				_, err = c.Apply(ctx, "analytics/b/count", 1, Unclamped())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := c.Value(ctx, "analytics/a/count")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*rounds), got)
}
