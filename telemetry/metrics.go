package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CallbackBuckets for outbound HTTP callbacks (remote endpoint + network)
	CallbackBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// PushBuckets for push gateway calls
	PushBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// WatchBuckets for long-poll durations, up to the watch timeout
	WatchBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120}
)

// Watch Metrics
var (
	// WatchRegistrationsTotal counts register calls by kind (subject, table) and result (created, reused)
	WatchRegistrationsTotal CounterVec = noopCounterVec{}

	// WatchCallsTotal counts watch calls by kind and outcome (events, cancelled, timeout, stopped)
	WatchCallsTotal CounterVec = noopCounterVec{}

	// WatchDurationSeconds measures how long watch calls block by kind
	WatchDurationSeconds HistogramVec = noopHistogramVec{}

	// ActiveRegistrations tracks registrations held in memory by kind (subject, table, push)
	ActiveRegistrations GaugeVec = noopGaugeVec{}

	// BlockedWatchers tracks watch calls currently waiting
	BlockedWatchers Gauge = NoopStat{}

	// GCEvictionsTotal counts removed registrations by kind and reason (idle, callback_failed, callback_expired, unregistered)
	GCEvictionsTotal CounterVec = noopCounterVec{}
)

// Delivery Metrics
var (
	// CallbackDeliveriesTotal counts callback attempts by result (success, failure, expired)
	CallbackDeliveriesTotal CounterVec = noopCounterVec{}

	// CallbackDurationSeconds measures callback round trip latency
	CallbackDurationSeconds Histogram = NoopStat{}

	// CallbackRetriesScheduled counts scheduled redeliveries after failure
	CallbackRetriesScheduled Counter = NoopStat{}

	// PushSendsTotal counts push gateway sends by result (success, invalid_token, transient)
	PushSendsTotal CounterVec = noopCounterVec{}

	// PushSendSeconds measures push gateway latency
	PushSendSeconds Histogram = NoopStat{}

	// PushQueueLength tracks pending push updates
	PushQueueLength Gauge = NoopStat{}
)

// Infrastructure Metrics
var (
	// SourceMessagesTotal counts upstream messages by source, kind (mutations, roster) and result (ok, invalid)
	SourceMessagesTotal CounterVec = noopCounterVec{}

	// SessionsOpen tracks open store sessions
	SessionsOpen Gauge = NoopStat{}

	// SessionsForceClosedTotal counts sessions closed while still in use
	SessionsForceClosedTotal Counter = NoopStat{}

	// StoreErrorsTotal counts registration store failures by operation
	StoreErrorsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	WatchRegistrationsTotal = NewCounterVec(
		"watch_registrations_total",
		"Register calls by kind and result",
		[]string{"kind", "result"},
	)
	WatchCallsTotal = NewCounterVec(
		"watch_calls_total",
		"Watch calls by kind and outcome",
		[]string{"kind", "outcome"},
	)
	WatchDurationSeconds = NewHistogramVec(
		"watch_duration_seconds",
		"Time spent blocked in watch calls",
		[]string{"kind"},
		WatchBuckets,
	)
	ActiveRegistrations = NewGaugeVec(
		"active_registrations",
		"Registrations held in memory by kind",
		[]string{"kind"},
	)
	BlockedWatchers = NewGauge(
		"blocked_watchers",
		"Watch calls currently waiting for events",
	)
	GCEvictionsTotal = NewCounterVec(
		"gc_evictions_total",
		"Removed registrations by kind and reason",
		[]string{"kind", "reason"},
	)

	CallbackDeliveriesTotal = NewCounterVec(
		"callback_deliveries_total",
		"Callback attempts by result",
		[]string{"result"},
	)
	CallbackDurationSeconds = NewHistogramWithBuckets(
		"callback_duration_seconds",
		"Callback round trip latency in seconds",
		CallbackBuckets,
	)
	CallbackRetriesScheduled = NewCounter(
		"callback_retries_scheduled_total",
		"Redeliveries scheduled after a failed callback",
	)
	PushSendsTotal = NewCounterVec(
		"push_sends_total",
		"Push gateway sends by result",
		[]string{"result"},
	)
	PushSendSeconds = NewHistogramWithBuckets(
		"push_send_seconds",
		"Push gateway latency in seconds",
		PushBuckets,
	)
	PushQueueLength = NewGauge(
		"push_queue_length",
		"Pending push updates",
	)

	SourceMessagesTotal = NewCounterVec(
		"source_messages_total",
		"Upstream messages by source, kind and result",
		[]string{"source", "kind", "result"},
	)
	SessionsOpen = NewGauge(
		"sessions_open",
		"Open store sessions",
	)
	SessionsForceClosedTotal = NewCounter(
		"sessions_force_closed_total",
		"Store sessions closed while still in use",
	)
	StoreErrorsTotal = NewCounterVec(
		"store_errors_total",
		"Registration store failures by operation",
		[]string{"op"},
	)
}
