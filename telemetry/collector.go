package telemetry

import (
	"sync"
	"time"
)

// ConnectionStats is implemented by the mirror store
type ConnectionStats interface {
	OpenConnections() int
	Subscriptions() int
}

// WatcherStats is implemented by the engine
type WatcherStats interface {
	ActiveWatchers() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	conns    ConnectionStats
	watchers WatcherStats
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(conns ConnectionStats, watchers WatcherStats, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		conns:    conns,
		watchers: watchers,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.conns != nil {
		OpenConnections.Set(float64(mc.conns.OpenConnections()))
		MirrorSubscriptions.Set(float64(mc.conns.Subscriptions()))
	}
	if mc.watchers != nil {
		ActiveWatchers.Set(float64(mc.watchers.ActiveWatchers()))
	}
}
