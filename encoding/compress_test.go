package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_SmallValuesStayRaw(t *testing.T) {
	c, err := NewCodec(1024, 1)
	require.NoError(t, err)
	defer c.Close()

	packed, err := c.Pack(map[string]interface{}{"state": "online"})
	require.NoError(t, err)
	assert.Equal(t, headerRaw, packed[0])

	var out map[string]interface{}
	require.NoError(t, c.Unpack(packed, &out))
	assert.Equal(t, "online", out["state"])
}

func TestCodec_LargeValuesAreCompressed(t *testing.T) {
	c, err := NewCodec(64, 2)
	require.NoError(t, err)
	defer c.Close()

	in := map[string]interface{}{"text": strings.Repeat("hello world ", 500)}
	packed, err := c.Pack(in)
	require.NoError(t, err)
	assert.Equal(t, headerZstd, packed[0])

	raw, err := Marshal(in)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(raw))

	var out map[string]interface{}
	require.NoError(t, c.Unpack(packed, &out))
	assert.True(t, Equal(in, out))
}

func TestCodec_DisabledThreshold(t *testing.T) {
	c, err := NewCodec(0, 1)
	require.NoError(t, err)
	defer c.Close()

	packed, err := c.Pack(strings.Repeat("x", 10_000))
	require.NoError(t, err)
	assert.Equal(t, headerRaw, packed[0])
}

func TestCodec_RejectsBadInput(t *testing.T) {
	c, err := NewCodec(0, 1)
	require.NoError(t, err)
	defer c.Close()

	var v interface{}
	assert.Error(t, c.Unpack(nil, &v))
	assert.Error(t, c.Unpack([]byte{9, 1, 2}, &v))
}
