package hlc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_NowIsMonotonic(t *testing.T) {
	clock := NewClock(1)

	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		next := clock.Now()
		require.True(t, After(next, prev), "timestamp %d not after previous", i)
		require.Greater(t, next.Stamp(), prev.Stamp())
		prev = next
	}
	assert.Equal(t, uint64(1), prev.NodeID)
}

func TestClock_FrozenWallTimeAdvancesLogical(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	clock := newClockWithSource(3, func() time.Time { return frozen })

	a := clock.Now()
	b := clock.Now()

	assert.Equal(t, a.WallTime, b.WallTime)
	assert.Equal(t, a.Logical+1, b.Logical)
	assert.Equal(t, int64(1_700_000_000_000), StampMilli(b.Stamp()))
}

func TestClock_UpdateTakesRemoteWhenAhead(t *testing.T) {
	clock := NewClock(1)
	local := clock.Now()

	remote := Timestamp{
		WallTime: local.WallTime + int64(time.Hour),
		Logical:  7,
		NodeID:   2,
	}
	merged := clock.Update(remote)

	assert.Equal(t, remote.WallTime, merged.WallTime)
	assert.Equal(t, int32(8), merged.Logical)
	assert.True(t, After(clock.Now(), remote))
}

func TestCompare(t *testing.T) {
	base := Timestamp{WallTime: 100, Logical: 1, NodeID: 1}

	cases := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"equal", base, base, 0},
		{"wall less", base, Timestamp{WallTime: 200, Logical: 0, NodeID: 1}, -1},
		{"logical greater", Timestamp{WallTime: 100, Logical: 5, NodeID: 1}, base, 1},
		{"node tiebreak", Timestamp{WallTime: 100, Logical: 1, NodeID: 2}, base, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compare(tc.a, tc.b))
		})
	}
	assert.True(t, Less(base, Timestamp{WallTime: 101}))
}

func TestTimestamp_ZeroAndMilli(t *testing.T) {
	assert.True(t, Timestamp{}.IsZero())

	ts := Timestamp{WallTime: 1_500 * int64(time.Millisecond), Logical: 2}
	assert.False(t, ts.IsZero())
	assert.Equal(t, int64(1_500), ts.UnixMilli())
	assert.Equal(t, int64(1_500), StampMilli(ts.Stamp()))
}

func TestClock_ConcurrentStampsAreUnique(t *testing.T) {
	clock := NewClock(9)

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, clock.Now().Stamp())
			}
			mu.Lock()
			for _, s := range local {
				seen[s] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}
