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
	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	TransferOutcomes  *prometheus.CounterVec
	AIErrors          *prometheus.CounterVec
	TTSCache          *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	CallDuration      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls with an open session.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call-control bus events by type.",
		}, []string{"type"}),
		TransferOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_outcomes_total",
			Help:      "Blind transfer attempts by outcome.",
		}, []string{"outcome"}),
		AIErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_errors_total",
			Help:      "AI provider errors by operation.",
		}, []string{"operation"}),
		TTSCache: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_cache_total",
			Help:      "TTS cache lookups by result.",
		}, []string{"result"}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook notification attempts by outcome.",
		}, []string{"outcome"}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration from session creation to channel destruction.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

func (m *Metrics) ObserveCallDuration(d time.Duration) {
	m.CallDuration.Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
