package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	key   string
	value []byte
}

type recordingSink struct {
	mu       sync.Mutex
	messages []published
	failNext int
	closed   bool
}

func (s *recordingSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("sink unavailable")
	}
	s.messages = append(s.messages, published{topic: topic, key: key, value: value})
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.messages...)
}

type kindTransformer struct{}

func (kindTransformer) Transform(rec Record) ([]byte, error) {
	if rec.Event.Kind == "broken" {
		return nil, errors.New("cannot encode")
	}
	return []byte(fmt.Sprintf("%d:%s:%s", rec.SeqNum, rec.Event.Kind, rec.Event.SubjectID)), nil
}

func fastWorkerConfig(name string, o *Outbox, s Sink) WorkerConfig {
	return WorkerConfig{
		Name:         name,
		Outbox:       o,
		Sink:         s,
		Transformer:  kindTransformer{},
		Filter:       &GlobFilter{},
		TopicPrefix:  "sb",
		PollInterval: 5 * time.Millisecond,
		Backoff:      common.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		MaxRetries:   3,
	}
}

func waitForMessages(t *testing.T, s *recordingSink, n int) []published {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.snapshot()) >= n }, 5*time.Second, 5*time.Millisecond)
	return s.snapshot()
}

func TestNewWorkerValidation(t *testing.T) {
	o := openTestOutbox(t)
	valid := fastWorkerConfig("w", o, &recordingSink{})

	cases := map[string]func(c *WorkerConfig){
		"missing name":        func(c *WorkerConfig) { c.Name = "" },
		"missing outbox":      func(c *WorkerConfig) { c.Outbox = nil },
		"missing sink":        func(c *WorkerConfig) { c.Sink = nil },
		"missing transformer": func(c *WorkerConfig) { c.Transformer = nil },
		"missing filter":      func(c *WorkerConfig) { c.Filter = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			_, err := NewWorker(c)
			assert.Error(t, err)
		})
	}

	w, err := NewWorker(WorkerConfig{
		Name: "defaults", Outbox: o, Sink: &recordingSink{}, Transformer: kindTransformer{}, Filter: &GlobFilter{},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, w.config.BatchSize)
	assert.Equal(t, DefaultPollInterval, w.config.PollInterval)
	assert.Equal(t, DefaultRetryInitial, w.config.Backoff.Initial)
	assert.Equal(t, DefaultRetryMax, w.config.Backoff.Max)
	assert.Equal(t, DefaultMaxRetries, w.config.MaxRetries)
	assert.Equal(t, DefaultPublishTimeout, w.config.PublishTimeout)
}

func TestWorkerDeliversInOrder(t *testing.T) {
	o := openTestOutbox(t)
	s := &recordingSink{}
	w, err := NewWorker(fastWorkerConfig("w", o, s))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := o.Append(testEvent(i))
		require.NoError(t, err)
	}

	w.Start()
	defer w.Stop()

	msgs := waitForMessages(t, s, 5)
	for i, m := range msgs {
		assert.Equal(t, "sb.orders.updated", m.topic)
		assert.Equal(t, fmt.Sprintf("order-%d", i), m.key)
		assert.Equal(t, fmt.Sprintf("%d:orders.updated:order-%d", i+1, i), string(m.value))
	}

	require.Eventually(t, func() bool { return w.Cursor() == 5 }, time.Second, 5*time.Millisecond)
	cursor, err := o.Cursor("w")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cursor)
	assert.Equal(t, uint64(5), w.Delivered())
}

func TestWorkerSkipsFilteredAndAdvances(t *testing.T) {
	o := openTestOutbox(t)
	s := &recordingSink{}
	cfg := fastWorkerConfig("w", o, s)
	filter, err := NewGlobFilter([]string{"chat.*"}, nil)
	require.NoError(t, err)
	cfg.Filter = filter
	w, err := NewWorker(cfg)
	require.NoError(t, err)

	_, err = o.Append(testEvent(1), common.Event{Seq: 2, Kind: common.KindChatSent, SubjectID: "c1"}, testEvent(3))
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	msgs := waitForMessages(t, s, 1)
	assert.Equal(t, "sb.chat.sent", msgs[0].topic)
	require.Eventually(t, func() bool { return w.Cursor() == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.snapshot(), 1)
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	o := openTestOutbox(t)
	s := &recordingSink{failNext: 2}
	w, err := NewWorker(fastWorkerConfig("w", o, s))
	require.NoError(t, err)

	_, err = o.Append(testEvent(1))
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	msgs := waitForMessages(t, s, 1)
	assert.Equal(t, "order-1", msgs[0].key)
}

func TestWorkerRepollsAfterExhaustion(t *testing.T) {
	o := openTestOutbox(t)
	// more failures than one round of MaxRetries: the batch is re-read from the cursor
	s := &recordingSink{failNext: 5}
	w, err := NewWorker(fastWorkerConfig("w", o, s))
	require.NoError(t, err)

	_, err = o.Append(testEvent(1), testEvent(2))
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	msgs := waitForMessages(t, s, 2)
	assert.Equal(t, "order-1", msgs[0].key)
	assert.Equal(t, "order-2", msgs[1].key)
}

func TestWorkerDropsUntransformableRecords(t *testing.T) {
	o := openTestOutbox(t)
	s := &recordingSink{}
	w, err := NewWorker(fastWorkerConfig("w", o, s))
	require.NoError(t, err)

	_, err = o.Append(common.Event{Kind: "broken", SubjectID: "x"}, testEvent(2))
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	msgs := waitForMessages(t, s, 1)
	assert.Equal(t, "order-2", msgs[0].key)
}

func TestWorkerResumesFromCursor(t *testing.T) {
	o := openTestOutbox(t)
	_, err := o.Append(testEvent(1), testEvent(2), testEvent(3))
	require.NoError(t, err)
	require.NoError(t, o.AdvanceCursor("w", 2))

	s := &recordingSink{}
	w, err := NewWorker(fastWorkerConfig("w", o, s))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.Cursor())

	w.Start()
	defer w.Stop()

	msgs := waitForMessages(t, s, 1)
	assert.Equal(t, "order-3", msgs[0].key)
}

func TestWorkerStartStopIdempotent(t *testing.T) {
	o := openTestOutbox(t)
	w, err := NewWorker(fastWorkerConfig("w", o, &recordingSink{}))
	require.NoError(t, err)

	w.Stop()
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()

	// restart after stop keeps delivering
	s := w.config.Sink.(*recordingSink)
	w.Start()
	defer w.Stop()
	_, err = o.Append(testEvent(9))
	require.NoError(t, err)
	waitForMessages(t, s, 1)
}

func TestWorkerTopicWithoutPrefix(t *testing.T) {
	o := openTestOutbox(t)
	cfg := fastWorkerConfig("w", o, &recordingSink{})
	cfg.TopicPrefix = ""
	w, err := NewWorker(cfg)
	require.NoError(t, err)
	assert.Equal(t, "chat.sent", w.topic("chat.sent"))
}
