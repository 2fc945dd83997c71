package publisher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/syncbridge/cfg"
	"github.com/maxpert/syncbridge/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registerTestFactories sync.Once

func registerTestPlugins() {
	registerTestFactories.Do(func() {
		RegisterSink("recording", func(config cfg.SinkConfiguration) (Sink, error) {
			if config.Name == "bad" {
				return nil, errors.New("cannot connect")
			}
			return &recordingSink{}, nil
		})
		RegisterTransformer("test", func() Transformer { return kindTransformer{} })
	})
}

func newTestRegistry(t *testing.T, sinks ...cfg.SinkConfiguration) *Registry {
	t.Helper()
	registerTestPlugins()
	r, err := NewRegistry(RegistryConfig{DataDir: t.TempDir(), SinkConfigs: sinks})
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)
}

func TestNewRegistryCreatesWorkers(t *testing.T) {
	r := newTestRegistry(t,
		cfg.SinkConfiguration{Name: "a", Type: "recording", Format: "test"},
		cfg.SinkConfiguration{Name: "b", Type: "recording", Format: "test", FilterKinds: []string{"chat.*"}},
	)

	workers := r.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, "a", workers[0].Name())
	assert.Equal(t, "b", workers[1].Name())
}

func TestNewRegistryRejectsBadSinks(t *testing.T) {
	registerTestPlugins()

	cases := []cfg.SinkConfiguration{
		{Name: "x", Type: "carrier-pigeon", Format: "test"},
		{Name: "x", Type: "recording", Format: "avro"},
		{Name: "bad", Type: "recording", Format: "test"},
		{Name: "x", Type: "recording", Format: "test", FilterKinds: []string{"[oops"}},
	}
	for _, sc := range cases {
		dir := t.TempDir()
		_, err := NewRegistry(RegistryConfig{DataDir: dir, SinkConfigs: []cfg.SinkConfiguration{sc}})
		assert.Error(t, err, "%+v", sc)

		// outbox was released: it can be reopened
		o, err := OpenOutbox(filepath.Join(dir, "outbox"))
		require.NoError(t, err)
		o.Close()
	}
}

func TestRegistryDuplicateSinkName(t *testing.T) {
	r := newTestRegistry(t, cfg.SinkConfiguration{Name: "a", Type: "recording", Format: "test"})
	err := r.AddSink(cfg.SinkConfiguration{Name: "a", Type: "recording", Format: "test"})
	assert.Error(t, err)
}

func TestRegistryDispatchDeliversToEverySink(t *testing.T) {
	r := newTestRegistry(t,
		cfg.SinkConfiguration{Name: "all", Type: "recording", Format: "test", PollIntervalMS: 5},
		cfg.SinkConfiguration{Name: "chat", Type: "recording", Format: "test", PollIntervalMS: 5, FilterKinds: []string{"chat.*"}},
	)
	require.NoError(t, r.Start())

	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, testEvent(1)))
	require.NoError(t, r.Dispatch(ctx, common.Event{Seq: 2, Kind: common.KindChatSent, SubjectID: "c1"}))

	workers := r.Workers()
	all := workers[0].config.Sink.(*recordingSink)
	chat := workers[1].config.Sink.(*recordingSink)

	waitForMessages(t, all, 2)
	msgs := waitForMessages(t, chat, 1)
	assert.Equal(t, "chat.sent", msgs[0].topic)
	assert.Equal(t, "c1", msgs[0].key)

	require.Eventually(t, func() bool { return workers[1].Cursor() == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, chat.snapshot(), 1)
}

func TestRegistryDispatchBeforeStartIsDurable(t *testing.T) {
	r := newTestRegistry(t, cfg.SinkConfiguration{Name: "a", Type: "recording", Format: "test", PollIntervalMS: 5})

	require.NoError(t, r.Dispatch(context.Background(), testEvent(1)))
	assert.Equal(t, uint64(1), r.Outbox().LastSeq())

	require.NoError(t, r.Start())
	waitForMessages(t, r.Workers()[0].config.Sink.(*recordingSink), 1)
}

func TestRegistryAddWorkerWhileRunning(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start())

	s := &recordingSink{}
	require.NoError(t, r.AddWorker(fastWorkerConfig("late", nil, s)))
	require.NoError(t, r.Dispatch(context.Background(), testEvent(1)))
	waitForMessages(t, s, 1)
}

func TestRegistryLifecycle(t *testing.T) {
	registerTestPlugins()
	r, err := NewRegistry(RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "a", Type: "recording", Format: "test"}},
	})
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())

	s := r.Workers()[0].config.Sink.(*recordingSink)
	r.Stop()
	r.Stop()

	assert.True(t, s.closed)
	assert.ErrorIs(t, r.Dispatch(context.Background(), testEvent(1)), common.ErrClosed)
	assert.ErrorIs(t, r.Start(), common.ErrClosed)
}
