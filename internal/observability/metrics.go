package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized metric set for the transport and hub.
//
// Tracks:
//   - Frame flow in both directions by type
//   - Connection state and reconnect attempts
//   - Job queue throughput and handler latency
//   - Typing signals and notification announcements
type Metrics struct {
	// FrameCounter counts frames by direction and type.
	// Labels: direction (inbound|outbound), type
	FrameCounter *prometheus.CounterVec

	// DroppedFrameCounter counts frames dropped before delivery.
	// Labels: reason (not_connected|malformed|slow_consumer)
	DroppedFrameCounter *prometheus.CounterVec

	// ConnectionState is 1 for the current transport state, 0 otherwise.
	// Labels: state (disconnected|connecting|connected|reconnecting)
	ConnectionState *prometheus.GaugeVec

	// ReconnectAttempts counts reconnection attempts.
	ReconnectAttempts prometheus.Counter

	// JobCounter counts finished jobs by type and status.
	// Labels: type, status (completed|failed)
	JobCounter *prometheus.CounterVec

	// JobDuration measures job handler execution time in seconds.
	// Labels: type
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	JobDuration *prometheus.HistogramVec

	// JobsQueued is a gauge of jobs currently waiting or processing.
	JobsQueued prometheus.Gauge

	// TypingSignals counts typing directives sent.
	// Labels: kind (start|stop)
	TypingSignals *prometheus.CounterVec

	// NotificationsAnnounced counts one-time notification announcements.
	NotificationsAnnounced prometheus.Counter

	// HubSessions is a gauge of currently attached hub sessions.
	HubSessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer.
// Tests pass a fresh prometheus.NewRegistry to avoid duplicate
// registration across cases.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwire_frames_total",
				Help: "Total number of frames processed by direction and type",
			},
			[]string{"direction", "type"},
		),

		DroppedFrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwire_dropped_frames_total",
				Help: "Total number of frames dropped before delivery",
			},
			[]string{"reason"},
		),

		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatwire_connection_state",
				Help: "Current transport state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),

		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatwire_reconnect_attempts_total",
				Help: "Total number of reconnection attempts",
			},
		),

		JobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwire_jobs_total",
				Help: "Total number of finished jobs by type and status",
			},
			[]string{"type", "status"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatwire_job_duration_seconds",
				Help:    "Duration of job handler execution in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"type"},
		),

		JobsQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatwire_jobs_queued",
				Help: "Number of jobs currently queued or processing",
			},
		),

		TypingSignals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatwire_typing_signals_total",
				Help: "Total number of typing directives sent",
			},
			[]string{"kind"},
		),

		NotificationsAnnounced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatwire_notifications_announced_total",
				Help: "Total number of one-time notification announcements",
			},
		),

		HubSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatwire_hub_sessions",
				Help: "Number of currently attached hub sessions",
			},
		),
	}
}

// SetConnectionState marks state as current and clears the others.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "reconnecting"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}
