package publisher

import (
	"context"

	"github.com/maxpert/syncbridge/common"
)

// Record is one outbox entry: an appended event plus its outbox sequence
type Record struct {
	SeqNum uint64       `msgpack:"seq"`
	Event  common.Event `msgpack:"ev"`
}

// Sink represents a push transport for notification events (e.g., NATS, Kafka)
type Sink interface {
	// Publish sends one message; ctx bounds a single attempt
	Publish(ctx context.Context, topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts outbox records to sink payloads
type Transformer interface {
	Transform(rec Record) ([]byte, error)
}

// Filter determines whether an event should be pushed to a sink
type Filter interface {
	Match(kind, subject string) bool
}
