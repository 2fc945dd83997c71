package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offline() Write {
	return Write{Data: common.Payload{"state": "offline", "lastChangedAt": ServerTimestamp}}
}

func TestConn_DropFiresHooks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.Connect("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenConnections())

	require.NoError(t, c.OnDisconnect("status/u1", offline()))
	c.Drop()
	c.Drop()

	n, err := s.Get(ctx, "status/u1")
	require.NoError(t, err)
	assert.Equal(t, "offline", n.Data["state"])
	assert.Equal(t, common.OriginExternal, n.Origin)
	assert.IsType(t, int64(0), n.Data["lastChangedAt"])
	assert.Equal(t, 0, s.OpenConnections())
}

func TestConn_CloseDiscardsHooks(t *testing.T) {
	s := openTestStore(t)

	c, err := s.Connect("c1")
	require.NoError(t, err)
	require.NoError(t, c.OnDisconnect("status/u1", offline()))
	c.Close()

	_, err = s.Get(context.Background(), "status/u1")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	assert.True(t, errors.Is(c.OnDisconnect("status/u1", offline()), common.ErrClosed))
}

func TestConn_OnDisconnectReplacesHook(t *testing.T) {
	s := openTestStore(t)

	c, err := s.Connect("c1")
	require.NoError(t, err)
	require.NoError(t, c.OnDisconnect("status/u1", Write{Data: common.Payload{"state": "first"}}))
	require.NoError(t, c.OnDisconnect("status/u1", Write{Data: common.Payload{"state": "second"}}))
	assert.Equal(t, 1, c.Hooks())

	c.CancelOnDisconnect("status/u1")
	assert.Equal(t, 0, c.Hooks())

	require.NoError(t, c.OnDisconnect("status/u1", Write{Data: common.Payload{"state": "third"}}))
	c.Drop()

	n, err := s.Get(context.Background(), "status/u1")
	require.NoError(t, err)
	assert.Equal(t, "third", n.Data["state"])
}

func TestConn_ConnectReturnsLiveConnection(t *testing.T) {
	s := openTestStore(t)

	a, err := s.Connect("c1")
	require.NoError(t, err)
	b, err := s.Connect("c1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	gen, err := s.Connect("")
	require.NoError(t, err)
	assert.NotEmpty(t, gen.ID())
	assert.Equal(t, 2, s.OpenConnections())

	_, err = s.Connect("bad/id")
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestConn_ReaperDropsIdleConnections(t *testing.T) {
	s := openTestStoreWith(t, Options{
		ConnectionTimeout: 50 * time.Millisecond,
		ReapInterval:      10 * time.Millisecond,
	})

	c, err := s.Connect("c1")
	require.NoError(t, err)
	require.NoError(t, c.OnDisconnect("status/u1", offline()))

	require.Eventually(t, func() bool {
		n, err := s.Get(context.Background(), "status/u1")
		return err == nil && n.Data["state"] == "offline"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.OpenConnections())
}

func TestConn_HeartbeatKeepsConnectionAlive(t *testing.T) {
	s := openTestStoreWith(t, Options{
		ConnectionTimeout: 200 * time.Millisecond,
		ReapInterval:      10 * time.Millisecond,
	})

	c, err := s.Connect("c1")
	require.NoError(t, err)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.Heartbeat()
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 1, s.OpenConnections())
}

func TestStore_CloseFiresPendingHooks(t *testing.T) {
	dir := t.TempDir()
	clock := hlc.NewClock(1)

	s, err := Open(Options{Dir: dir, Clock: clock})
	require.NoError(t, err)
	c, err := s.Connect("c1")
	require.NoError(t, err)
	require.NoError(t, c.OnDisconnect("status/u1", offline()))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir, Clock: clock})
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Get(context.Background(), "status/u1")
	require.NoError(t, err)
	assert.Equal(t, "offline", n.Data["state"])
}
