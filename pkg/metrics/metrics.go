package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client-facing connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpprox_connections_total",
			Help: "Total number of client connections admitted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nntpprox_connections_current",
			Help: "Current number of live client connections",
		},
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nntpprox_connection_duration_seconds",
			Help:    "Lifetime of client connections in seconds",
			Buckets: []float64{0.1, 1, 10, 60, 300, 900, 3600},
		},
	)

	AdmissionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntpprox_admissions_rejected_total",
			Help: "Client connections closed at admission, by reason",
		},
		[]string{"reason"},
	)

	Teardowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntpprox_teardowns_total",
			Help: "Client connections torn down, by reason",
		},
		[]string{"reason"},
	)

	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpprox_bytes_received_total",
			Help: "Bytes read from client connections",
		},
	)

	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpprox_bytes_sent_total",
			Help: "Bytes written to client connections",
		},
	)

	WriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nntpprox_write_retries_total",
			Help: "Transient chunk write failures (write deadline exceeded or EAGAIN)",
		},
	)
)

// Command dispatch metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntpprox_commands_total",
			Help: "Commands dispatched, by command and response status",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nntpprox_command_duration_seconds",
			Help:    "Time spent in the upstream call for each command",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"command"},
	)
)

// Upstream session metrics
var (
	UpstreamSessionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nntpprox_upstream_sessions_current",
			Help: "Upstream NNTP sessions currently bound to client connections",
		},
	)

	UpstreamDialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nntpprox_upstream_dial_failures_total",
			Help: "Failed upstream session establishments, by cause",
		},
		[]string{"cause"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nntpprox_upstream_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
