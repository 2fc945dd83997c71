package sink

import (
	"context"
	"sync"

	"github.com/maxpert/syncbridge/cfg"
	"github.com/maxpert/syncbridge/publisher"
)

func init() {
	publisher.RegisterSink("mock", func(cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records messages in memory. It backs the "mock" sink type used by
// local setups and tests.
type MockSink struct {
	mu       sync.Mutex
	messages []MockMessage
	closed   bool

	// PublishErr, when set, fails every publish
	PublishErr error
	// FailNext fails that many publishes before succeeding
	FailNext int
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message
func (m *MockSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.FailNext > 0 {
		m.FailNext--
		return errMockUnavailable
	}

	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Messages returns a copy of recorded messages
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

// Reset clears recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockUnavailable = mockError("mock sink unavailable")
