package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
	DefaultPublishTimeout  = 5 * time.Second
)

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name           string
	Outbox         *Outbox
	Sink           Sink
	Transformer    Transformer
	Filter         Filter
	TopicPrefix    string // topic = prefix + "." + kind
	BatchSize      int
	PollInterval   time.Duration
	Backoff        common.Backoff
	MaxRetries     int // attempts per record before the batch is re-polled
	PublishTimeout time.Duration
}

// Worker delivers outbox records to one sink, advancing its cursor only after
// a successful publish (at-least-once).
type Worker struct {
	config    WorkerConfig
	cursor    atomic.Uint64
	delivered atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config, applies defaults and loads the sink cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Outbox == nil {
		return nil, fmt.Errorf("outbox is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Backoff.Initial <= 0 {
		config.Backoff.Initial = DefaultRetryInitial
	}
	if config.Backoff.Max <= 0 {
		config.Backoff.Max = DefaultRetryMax
	}
	if config.Backoff.Multiplier <= 0 {
		config.Backoff.Multiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}

	cursor, err := config.Outbox.Cursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	config.Outbox.Register(config.Name)

	w := &Worker{config: config, doneCh: make(chan struct{})}
	w.cursor.Store(cursor)
	close(w.doneCh)
	return w, nil
}

// Name returns the sink name
func (w *Worker) Name() string { return w.config.Name }

// Cursor returns the last delivered (or filtered) outbox sequence
func (w *Worker) Cursor() uint64 { return w.cursor.Load() }

// Delivered counts records published by this worker since it was created
func (w *Worker) Delivered() uint64 { return w.delivered.Load() }

// Start launches the poll loop
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.doneCh = make(chan struct{})

	log.Info().Str("sink", w.config.Name).Uint64("cursor", w.cursor.Load()).Msg("Starting sink worker")
	go w.pollLoop()
}

// Stop cancels the loop and waits for it to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	w.cancel()
	<-w.doneCh
	w.running.Store(false)
	log.Info().Str("sink", w.config.Name).Msg("Sink worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for w.ctx.Err() == nil {
		records, err := w.config.Outbox.ReadFrom(w.cursor.Load(), w.config.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("sink", w.config.Name).Msg("Failed to read outbox")
			common.Sleep(w.ctx, w.config.PollInterval)
			continue
		}
		if len(records) == 0 {
			common.Sleep(w.ctx, w.config.PollInterval)
			continue
		}

		for _, rec := range records {
			if err := w.process(rec); err != nil {
				if w.ctx.Err() == nil {
					log.Error().
						Err(err).
						Str("sink", w.config.Name).
						Uint64("seq", rec.SeqNum).
						Str("kind", rec.Event.Kind).
						Msg("Delivery failed, re-polling from cursor")
					common.Sleep(w.ctx, w.config.PollInterval)
				}
				break
			}
		}
	}
}

// process delivers one record; filtered records advance the cursor without publishing
func (w *Worker) process(rec Record) error {
	ev := rec.Event
	if w.config.Filter.Match(ev.Kind, ev.SubjectID) {
		data, err := w.config.Transformer.Transform(rec)
		if err != nil {
			telemetry.SinkPublishTotal.With(w.config.Name, "invalid").Inc()
			log.Warn().Err(err).Str("sink", w.config.Name).Uint64("seq", rec.SeqNum).Msg("Dropping untransformable record")
		} else {
			if err := w.publish(w.topic(ev.Kind), ev.SubjectID, data); err != nil {
				return err
			}
			w.delivered.Add(1)
		}
	} else {
		telemetry.SinkPublishTotal.With(w.config.Name, "filtered").Inc()
	}

	if err := w.config.Outbox.AdvanceCursor(w.config.Name, rec.SeqNum); err != nil {
		log.Warn().Err(err).Str("sink", w.config.Name).Uint64("seq", rec.SeqNum).
			Msg("Failed to advance cursor, record may be redelivered")
	}
	w.cursor.Store(rec.SeqNum)
	return nil
}

func (w *Worker) topic(kind string) string {
	if w.config.TopicPrefix == "" {
		return kind
	}
	return w.config.TopicPrefix + "." + kind
}

func (w *Worker) publish(topic, key string, data []byte) error {
	return common.Retry(w.ctx, w.config.MaxRetries, w.config.Backoff, "sink.publish", topic, func(attempt int) error {
		ctx, cancel := context.WithTimeout(w.ctx, w.config.PublishTimeout)
		defer cancel()

		err := w.config.Sink.Publish(ctx, topic, key, data)
		if err == nil {
			telemetry.SinkPublishTotal.With(w.config.Name, "ok").Inc()
			return nil
		}

		telemetry.SinkPublishTotal.With(w.config.Name, "error").Inc()
		log.Warn().Err(err).Str("sink", w.config.Name).Str("topic", topic).Int("attempt", attempt).
			Msg("Publish failed, retrying")
		return common.Transient("sink.publish", err)
	})
}
