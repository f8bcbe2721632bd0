package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for EventsConsumed
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeFallback  = "fallback"
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
)

// Ingestion metrics
var (
	// EventsConsumed counts polled messages by how their handling ended
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpulse_events_consumed_total",
			Help: "Messages taken from the inbound stream, by outcome",
		},
		[]string{"outcome"},
	)

	// EventsAcked is the number of offsets committed back to the broker
	EventsAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpulse_events_acked_total",
			Help: "Messages acknowledged to the broker",
		},
	)

	// AckErrors is the number of failed offset commits
	AckErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpulse_ack_errors_total",
			Help: "Offset commits that failed",
		},
	)

	// DegradedAcks counts messages acknowledged by the breaker fallback without side effects
	DegradedAcks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpulse_degraded_acks_total",
			Help: "Messages acknowledged in degraded mode while the circuit breaker was open",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventpulse_event_processing_duration_seconds",
			Help:    "Time spent applying rules and aggregation to one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	UnknownEventTypes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpulse_unknown_event_types_total",
			Help: "Events whose type has no business rule",
		},
		[]string{"event_type"},
	)

	EventsProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpulse_events_produced_total",
			Help: "Events produced to the inbound stream by the request surface",
		},
		[]string{"event_type"},
	)
)

// Circuit breaker metrics
var (
	// BreakerState 0=closed, 1=half_open, 2=open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventpulse_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpulse_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)
)

// Window metrics, labelled by aggregation name
var (
	WindowsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpulse_windows_emitted_total",
			Help: "Closed windows written to the metrics sink",
		},
		[]string{"aggregation"},
	)

	// WindowsLost counts closed windows whose emission failed; they are not retried
	WindowsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpulse_windows_lost_total",
			Help: "Closed windows dropped because the metrics sink write failed",
		},
		[]string{"aggregation"},
	)

	LateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpulse_late_events_total",
			Help: "Window records dropped because the window had already closed",
		},
		[]string{"aggregation"},
	)

	ActiveWindows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventpulse_active_windows",
			Help: "Windows currently open",
		},
		[]string{"aggregation"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventpulse_sweep_duration_seconds",
			Help:    "Time spent closing and emitting windows per sweep",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"aggregation"},
	)
)

// Anomaly metrics
var (
	FraudAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpulse_fraud_alerts_total",
			Help: "Purchase-burst alerts raised",
		},
	)

	HighValuePurchases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpulse_high_value_purchases_total",
			Help: "Purchases above the high value amount",
		},
	)

	AlertErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpulse_alert_errors_total",
			Help: "Alerts that could not be written to the metrics sink",
		},
	)
)

// Ingestion lag metrics, refreshed by the lag collector
var (
	// ConsumerLag is the lag of the ingestion group for a topic partition
	ConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventpulse_consumer_lag",
			Help: "Messages between the committed offset of the ingestion group and the log end",
		},
		[]string{"topic", "partition"},
	)

	// ConsumerCurrentOffset is the committed offset of the ingestion group
	ConsumerCurrentOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventpulse_consumer_current_offset",
			Help: "Committed offset of the ingestion group for a topic partition",
		},
		[]string{"topic", "partition"},
	)

	// LogEndOffset is the log end offset of a topic partition
	LogEndOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventpulse_partition_log_end_offset",
			Help: "Log end offset of a topic partition",
		},
		[]string{"topic", "partition"},
	)

	// ScrapeDuration is the duration of the last lag scrape in seconds
	ScrapeDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventpulse_lag_scrape_duration_seconds",
			Help: "Duration of the last lag scrape in seconds",
		},
	)

	ScrapeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpulse_lag_scrape_errors_total",
			Help: "Total number of lag scrape errors",
		},
	)
)
