package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	SessionEndings    *prometheus.CounterVec
	JoinFailures      *prometheus.CounterVec
	TimerDriftResyncs prometheus.Counter
	WSMessages        *prometheus.CounterVec
	JoinLatency       prometheus.Histogram
	SessionMinutes    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active speaking-practice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SessionEndings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_endings_total",
			Help:      "Session terminations by reason.",
		}, []string{"reason"}),
		JoinFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_failures_total",
			Help:      "Audio channel join failures by class.",
		}, []string{"class"}),
		TimerDriftResyncs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_drift_resyncs_total",
			Help:      "Watchdog corrections of a stalled or drifted session clock.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		JoinLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_join_latency_ms",
			Help:      "Latency from join request to connected in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		SessionMinutes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_minutes",
			Help:      "Reported session durations in minutes.",
			Buckets:   []float64{1, 2, 4, 6, 8, 10, 12, 13},
		}),
	}
}

func (m *Metrics) ObserveJoinLatency(d time.Duration) {
	m.JoinLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
