package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"chat.*", "orders.*"}, []string{"vip-*"})
	require.NoError(t, err)

	assert.Len(t, filter.kindGlobs, 2)
	assert.Len(t, filter.subjectGlobs, 1)
}

func TestGlobFilterEmptyMatchesEverything(t *testing.T) {
	filter, err := NewGlobFilter(nil, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("chat.sent", "chat-1"))
	assert.True(t, filter.Match("", ""))
}

func TestGlobFilterKinds(t *testing.T) {
	filter, err := NewGlobFilter([]string{"orders.*", "inventory.low_stock"}, nil)
	require.NoError(t, err)

	assert.True(t, filter.Match("orders.updated", "o1"))
	assert.True(t, filter.Match("orders.created", "o1"))
	assert.True(t, filter.Match("inventory.low_stock", "p1"))
	assert.False(t, filter.Match("chat.sent", "c1"))
	assert.False(t, filter.Match("inventory.restocked", "p1"))
}

func TestGlobFilterKindSeparator(t *testing.T) {
	filter, err := NewGlobFilter([]string{"orders.*"}, nil)
	require.NoError(t, err)
	assert.False(t, filter.Match("orders.items.updated", "o1"))

	filter, err = NewGlobFilter([]string{"orders.**"}, nil)
	require.NoError(t, err)
	assert.True(t, filter.Match("orders.items.updated", "o1"))
}

func TestGlobFilterSubjects(t *testing.T) {
	filter, err := NewGlobFilter(nil, []string{"vip-*", "order-[0-9]"})
	require.NoError(t, err)

	assert.True(t, filter.Match("orders.updated", "vip-42"))
	assert.True(t, filter.Match("orders.updated", "order-7"))
	assert.False(t, filter.Match("orders.updated", "order-77"))
	assert.False(t, filter.Match("orders.updated", "guest-1"))
}

func TestGlobFilterBothMustMatch(t *testing.T) {
	filter, err := NewGlobFilter([]string{"chat.sent"}, []string{"support-*"})
	require.NoError(t, err)

	assert.True(t, filter.Match("chat.sent", "support-1"))
	assert.False(t, filter.Match("chat.sent", "sales-1"))
	assert.False(t, filter.Match("orders.updated", "support-1"))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[invalid"}, nil)
	assert.Error(t, err)

	_, err = NewGlobFilter(nil, []string{"[invalid"})
	assert.Error(t, err)
}

func TestGlobFilterCaseSensitive(t *testing.T) {
	filter, err := NewGlobFilter([]string{"chat.sent"}, nil)
	require.NoError(t, err)
	assert.False(t, filter.Match("Chat.Sent", "c1"))
}

func BenchmarkGlobFilterMatch(b *testing.B) {
	filter, _ := NewGlobFilter([]string{"orders.*", "chat.*", "inventory.*"}, []string{"*"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		filter.Match("inventory.low_stock", "product-1")
	}
}
