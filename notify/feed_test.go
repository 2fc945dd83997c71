package notify

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_DeliversInOrderWithoutLoss(t *testing.T) {
	feed := NewFeed[int]()
	defer feed.Close()

	const total = 5000
	var mu sync.Mutex
	got := make([]int, 0, total)
	done := make(chan struct{})

	cancel := feed.Subscribe(nil, func(v int) {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == total {
			close(done)
		}
	})
	defer cancel()

	for i := 0; i < total; i++ {
		feed.Send(i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestFeed_MatchFilters(t *testing.T) {
	feed := NewFeed[string]()
	defer feed.Close()

	received := make(chan string, 10)
	cancel := feed.Subscribe(func(s string) bool {
		return strings.HasPrefix(s, "sync/")
	}, func(s string) {
		received <- s
	})
	defer cancel()

	feed.Send("status/u1")
	feed.Send("sync/orders/o1")

	select {
	case v := <-received:
		assert.Equal(t, "sync/orders/o1", v)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for matching value")
	}

	select {
	case v := <-received:
		t.Fatalf("unexpected delivery %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	feed := NewFeed[int]()
	defer feed.Close()

	release := make(chan struct{})
	cancelSlow := feed.Subscribe(nil, func(int) { <-release })
	defer cancelSlow()

	fast := make(chan int, 100)
	cancelFast := feed.Subscribe(nil, func(v int) { fast <- v })
	defer cancelFast()

	for i := 0; i < 50; i++ {
		feed.Send(i)
	}

	for i := 0; i < 50; i++ {
		select {
		case v := <-fast:
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatal("fast subscriber was blocked")
		}
	}
	close(release)
}

func TestFeed_CancelFromCallback(t *testing.T) {
	feed := NewFeed[int]()
	defer feed.Close()

	var calls atomic.Int32
	var cancel func()
	ready := make(chan struct{})
	cancel = feed.Subscribe(nil, func(int) {
		<-ready
		calls.Add(1)
		cancel()
		cancel()
	})
	close(ready)

	feed.Send(1)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return feed.Len() == 0 }, time.Second, 5*time.Millisecond)

	feed.Send(2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFeed_SubscribeAfterClose(t *testing.T) {
	feed := NewFeed[int]()
	feed.Close()

	cancel := feed.Subscribe(nil, func(int) { t.Fatal("closed feed must not deliver") })
	feed.Send(1)
	cancel()
	assert.Equal(t, 0, feed.Len())
}
