package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/syncbridge/cfg"
	"github.com/maxpert/syncbridge/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultStreamMaxAge = 24 * time.Hour

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.Name)
	})
}

// NatsSink publishes to JetStream, creating one stream per topic on first use
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	name    string
	streams *xsync.MapOf[string, struct{}]
}

// NewNatsSink connects to url; name tags the connection for server-side monitoring
func NewNatsSink(url, name string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:      nc,
		js:      js,
		name:    name,
		streams: xsync.NewMapOf[string, struct{}](),
	}, nil
}

// Publish sends value on subject topic with key carried in the "key" header.
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	if _, ok := n.streams.Load(topic); ok {
		return nil
	}

	stream := StreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}
	n.streams.Store(topic, struct{}{})
	return nil
}

// Close drains pending publishes and closes the connection
func (n *NatsSink) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}

// StreamName maps a subject to a valid JetStream stream name
func StreamName(topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(topic)
}
