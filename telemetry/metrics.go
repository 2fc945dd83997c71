package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// StoreWriteBuckets for local store writes (SQL commit, Pebble batch)
	StoreWriteBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// AttemptBuckets for the number of transaction attempts per counter apply
	AttemptBuckets = []float64{1, 2, 3, 5, 8, 13, 21}
)

// Sync Metrics
var (
	// ChangeRecordsTotal counts bridge records by collection and result (mirrored, removed, skipped, failed)
	ChangeRecordsTotal CounterVec = noopCounterVec{}

	// MirrorWriteSeconds measures mirror write latency by operation
	MirrorWriteSeconds HistogramVec = noopHistogramVec{}

	// PrimaryWriteSeconds measures primary store write latency by operation
	PrimaryWriteSeconds HistogramVec = noopHistogramVec{}

	// EchoSuppressedTotal counts mirror writes ignored because they came from the bridge
	EchoSuppressedTotal CounterVec = noopCounterVec{}

	// ReverseMergesTotal counts external mirror writes by collection and result (merged, stale, failed)
	ReverseMergesTotal CounterVec = noopCounterVec{}

	// LoopGuardViolationsTotal counts primary-origin echoes that reached a merge
	LoopGuardViolationsTotal Counter = NoopStat{}

	// ActiveWatchers tracks running collection watchers (bridge and reverse)
	ActiveWatchers Gauge = NoopStat{}

	// BridgeCursor tracks the last change seq handled per collection
	BridgeCursor GaugeVec = noopGaugeVec{}
)

// Counter and Presence Metrics
var (
	// CounterAppliesTotal counts counter applies by result (ok, exhausted, invalid, failed)
	CounterAppliesTotal CounterVec = noopCounterVec{}

	// CounterAttempts measures transaction attempts per successful apply
	CounterAttempts Histogram = NoopStat{}

	// CounterFlushesTotal counts durable counter projections by kind (inventory, analytics)
	CounterFlushesTotal CounterVec = noopCounterVec{}

	// PresenceUpdatesTotal counts presence writes by state
	PresenceUpdatesTotal CounterVec = noopCounterVec{}

	// DurableMirrorFailuresTotal counts best-effort durable projections that failed
	DurableMirrorFailuresTotal Counter = NoopStat{}

	// OpenConnections tracks live mirror connections
	OpenConnections Gauge = NoopStat{}

	// DisconnectHooksFiredTotal counts disconnect hooks executed on abnormal termination
	DisconnectHooksFiredTotal Counter = NoopStat{}

	// MirrorSubscriptions tracks live child-event subscriptions
	MirrorSubscriptions Gauge = NoopStat{}
)

// Event and Dispatch Metrics
var (
	// EventsPublishedTotal counts appended events by kind
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// DispatchFailuresTotal counts dispatcher failures after a durable append
	DispatchFailuresTotal Counter = NoopStat{}

	// SinkPublishTotal counts sink deliveries by sink and result
	SinkPublishTotal CounterVec = noopCounterVec{}

	// RateLimitRejectedTotal counts rejected calls by role
	RateLimitRejectedTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all metrics. Must be called after InitializeTelemetry().
func InitMetrics() {
	ChangeRecordsTotal = NewCounterVec(
		"change_records_total",
		"Change records processed by the bridge",
		[]string{"collection", "result"},
	)
	MirrorWriteSeconds = NewHistogramVec(
		"mirror_write_seconds",
		"Mirror store write duration in seconds",
		[]string{"op"},
		StoreWriteBuckets,
	)
	PrimaryWriteSeconds = NewHistogramVec(
		"primary_write_seconds",
		"Primary store write duration in seconds",
		[]string{"op"},
		StoreWriteBuckets,
	)
	EchoSuppressedTotal = NewCounterVec(
		"echo_suppressed_total",
		"Mirror writes ignored because they originated from the bridge",
		[]string{"collection"},
	)
	ReverseMergesTotal = NewCounterVec(
		"reverse_merges_total",
		"External mirror writes merged back into the primary store",
		[]string{"collection", "result"},
	)
	LoopGuardViolationsTotal = NewCounter(
		"loop_guard_violations_total",
		"Primary-origin echoes that reached the merge path",
	)
	ActiveWatchers = NewGauge(
		"active_watchers",
		"Running collection watchers",
	)
	BridgeCursor = NewGaugeVec(
		"bridge_cursor",
		"Last change sequence handled by the bridge",
		[]string{"collection"},
	)

	CounterAppliesTotal = NewCounterVec(
		"counter_applies_total",
		"Counter applies by result",
		[]string{"result"},
	)
	CounterAttempts = NewHistogram(
		"counter_attempts",
		"Transaction attempts per counter apply",
		AttemptBuckets,
	)
	CounterFlushesTotal = NewCounterVec(
		"counter_flushes_total",
		"Counter totals projected into the primary store",
		[]string{"kind"},
	)
	PresenceUpdatesTotal = NewCounterVec(
		"presence_updates_total",
		"Presence writes by state",
		[]string{"state"},
	)
	DurableMirrorFailuresTotal = NewCounter(
		"durable_mirror_failures_total",
		"Failed best-effort presence projections",
	)
	OpenConnections = NewGauge(
		"open_connections",
		"Live mirror connections",
	)
	DisconnectHooksFiredTotal = NewCounter(
		"disconnect_hooks_fired_total",
		"Disconnect hooks executed",
	)
	MirrorSubscriptions = NewGauge(
		"mirror_subscriptions",
		"Live mirror child-event subscriptions",
	)

	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Events appended to the event log",
		[]string{"kind"},
	)
	DispatchFailuresTotal = NewCounter(
		"dispatch_failures_total",
		"Dispatcher failures after a durable append",
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Sink deliveries by result",
		[]string{"sink", "result"},
	)
	RateLimitRejectedTotal = NewCounterVec(
		"rate_limit_rejected_total",
		"Calls rejected by the rate limiter",
		[]string{"role"},
	)
}
