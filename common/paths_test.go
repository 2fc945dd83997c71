package common

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "sync/orders/o1", MirrorPath("orders", "o1"))
	assert.Equal(t, "sync/orders", MirrorRoot("orders"))
	assert.Equal(t, "status/u1", StatusPath("u1"))
	assert.Equal(t, "chats/c1/messages", ChatMessagesPath("c1"))
	assert.Equal(t, "chats/c1/unread/u2", ChatUnreadPath("c1", "u2"))
	assert.Equal(t, "inventory/p1", InventoryPath("p1"))
	assert.Equal(t, "analytics/view/count", AnalyticsCountPath("view"))
	assert.Equal(t, "analytics/view/daily/2024-05-01", AnalyticsDailyPath("view", "2024-05-01"))

	parent, key := ParentAndKey("sync/orders/o1")
	assert.Equal(t, "sync/orders", parent)
	assert.Equal(t, "o1", key)

	parent, key = ParentAndKey("root")
	assert.Equal(t, "", parent)
	assert.Equal(t, "root", key)
}

func TestHasPrefixPath(t *testing.T) {
	assert.True(t, HasPrefixPath("sync/orders/o1", "sync/orders"))
	assert.True(t, HasPrefixPath("sync/orders", "sync/orders"))
	assert.True(t, HasPrefixPath("anything", ""))
	assert.False(t, HasPrefixPath("sync/orders2/o1", "sync/orders"))
	assert.False(t, HasPrefixPath("sync", "sync/orders"))
}

func TestValidatePath(t *testing.T) {
	require.NoError(t, ValidatePath("inventory/p-1"))

	bad := []string{
		"",
		"/inventory",
		"inventory/",
		"inventory//p1",
		"inventory/../p1",
		"inventory/p#1",
		"inventory/p$1",
		"inventory/p[1]",
		"inventory/p\x001",
		"inventory/" + strings.Repeat("x", 769),
	}
	for _, p := range bad {
		err := ValidatePath(p)
		require.Error(t, err, "path %q", p)
		assert.True(t, errors.Is(err, ErrValidation), "path %q", p)
	}
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(ErrWriteConflict))
	assert.True(t, IsRetryable(Transient("get", errors.New("io timeout"))))
	assert.False(t, IsRetryable(Invalid("delta", "x", "bad")))
	assert.False(t, IsRetryable(&LoopGuardViolation{Path: "sync/a/b"}))
	assert.False(t, IsRetryable(nil))

	assert.Nil(t, Transient("get", nil))
	v := Invalid("f", "v", "r")
	assert.Same(t, v, Transient("get", v))

	exhausted := &RetryExhaustedError{Op: "counter", Address: "inventory/p1", Attempts: 3, Last: ErrWriteConflict}
	assert.True(t, errors.Is(exhausted, ErrRetryExhausted))
	assert.True(t, errors.Is(exhausted, ErrWriteConflict))
}

func TestOriginAndChangeTypeStrings(t *testing.T) {
	assert.Equal(t, "primary", OriginPrimary.String())
	assert.False(t, OriginUnknown.IsPrimary())
	assert.Equal(t, "removed", ChangeRemoved.String())

	p := Payload{"a": 1}
	c := p.Clone()
	c["a"] = 2
	assert.Equal(t, 1, p["a"])
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 20*time.Millisecond, b.Delay(2))
	assert.Equal(t, 40*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(4))
	assert.Equal(t, 50*time.Millisecond, b.Delay(30))
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Second))
	assert.True(t, Sleep(context.Background(), time.Millisecond))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	b := Backoff{Initial: time.Millisecond}

	calls := 0
	err := Retry(ctx, 5, b, "op", "a/b", func(int) error {
		calls++
		if calls < 3 {
			return ErrWriteConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, 3, b, "op", "a/b", func(int) error {
		calls++
		return Transient("op", errors.New("down"))
	})
	assert.True(t, errors.Is(err, ErrRetryExhausted))
	assert.True(t, errors.Is(err, ErrTransientStore))
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, 3, b, "op", "a/b", func(int) error {
		calls++
		return Invalid("path", "x", "bad")
	})
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, 1, calls)
}
