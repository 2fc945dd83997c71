package publisher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/syncbridge/cfg"
	"github.com/maxpert/syncbridge/common"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the push dispatcher
type RegistryConfig struct {
	DataDir     string // outbox lives at {DataDir}/outbox
	SinkConfigs []cfg.SinkConfiguration
}

// Registry owns the outbox and the sink workers. It is the dispatcher handed to
// the event fanout: Dispatch only appends durably, workers deliver asynchronously.
type Registry struct {
	outbox  *Outbox
	workers []*Worker
	running atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex
}

// NewRegistry opens the outbox and creates a worker per configured sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	outbox, err := OpenOutbox(filepath.Join(config.DataDir, "outbox"))
	if err != nil {
		return nil, err
	}

	r := &Registry{
		outbox:  outbox,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sc := range config.SinkConfigs {
		if err := r.AddSink(sc); err != nil {
			r.closeSinks()
			outbox.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sc.Name, err)
		}
	}

	log.Info().Int("sinks", len(r.workers)).Msg("Push dispatcher initialized")
	return r, nil
}

// AddSink builds sink, transformer and filter from configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	format := config.Format
	if format == "" {
		format = "json"
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterKinds, config.FilterSubjects)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	err = r.AddWorker(WorkerConfig{
		Name:         config.Name,
		Sink:         snk,
		Transformer:  trans,
		Filter:       filter,
		TopicPrefix:  config.TopicPrefix,
		BatchSize:    config.BatchSize,
		PollInterval: time.Duration(config.PollIntervalMS) * time.Millisecond,
		Backoff: common.Backoff{
			Initial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
			Max:        time.Duration(config.RetryMaxMS) * time.Millisecond,
			Multiplier: config.RetryMultiplier,
		},
		MaxRetries: config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return err
	}

	log.Info().Str("sink", config.Name).Str("type", config.Type).Str("format", format).Msg("Added push sink")
	return nil
}

// AddWorker registers a worker over the registry outbox. Workers added while the
// registry is running start immediately.
func (r *Registry) AddWorker(config WorkerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Name() == config.Name {
			return fmt.Errorf("duplicate sink name %q", config.Name)
		}
	}

	config.Outbox = r.outbox
	w, err := NewWorker(config)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	r.workers = append(r.workers, w)
	if r.running.Load() {
		w.Start()
	}
	return nil
}

// Workers returns a snapshot of the registered workers
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Worker(nil), r.workers...)
}

// Outbox exposes the underlying log
func (r *Registry) Outbox() *Outbox { return r.outbox }

// Dispatch durably appends ev for every sink
func (r *Registry) Dispatch(_ context.Context, ev common.Event) error {
	if r.closed.Load() {
		return common.ErrClosed
	}
	if _, err := r.outbox.Append(ev); err != nil {
		return fmt.Errorf("outbox append: %w", err)
	}
	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return common.ErrClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("registry already running")
	}

	for _, w := range r.workers {
		w.Start()
	}
	log.Info().Int("sinks", len(r.workers)).Msg("Push dispatcher started")
	return nil
}

// Stop stops workers, closes sinks and the outbox. Safe to call twice.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.running.Store(false)

	for _, w := range r.workers {
		w.Stop()
	}
	r.closeSinks()
	if err := r.outbox.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close outbox")
	}
	log.Info().Msg("Push dispatcher stopped")
}

func (r *Registry) closeSinks() {
	for _, w := range r.workers {
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.Name()).Msg("Failed to close sink")
		}
	}
}

// SinkFactory creates a Sink from configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := sinkFactories[config.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, ok := transformerFactories[format]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
