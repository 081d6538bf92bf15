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
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	StateTransitions   *prometheus.CounterVec
	QuotaDenials       *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	ProviderFailovers  prometheus.Counter
	MaintenanceActive  prometheus.Gauge
	VoiceDowngrades    *prometheus.CounterVec
	Interruptions      *prometheus.CounterVec
	IntegrationRetries *prometheus.CounterVec
	TurnLatency        prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions not yet completed.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle transitions by from and to state.",
		}, []string{"from", "to"}),
		QuotaDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denials_total",
			Help:      "Session creations refused by the daily quota, by plan.",
		}, []string{"plan"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ProviderFailovers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failovers_total",
			Help:      "Completions served by the fallback provider.",
		}),
		MaintenanceActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_active",
			Help:      "1 while the service refuses new work because every provider is down.",
		}),
		VoiceDowngrades: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_downgrades_total",
			Help:      "Sessions downgraded from voice to text, by failure code.",
		}, []string{"code"}),
		Interruptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Teaching interruptions by trigger.",
		}, []string{"trigger"}),
		IntegrationRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integration_outcomes_total",
			Help:      "Outbound integration deliveries by outcome.",
		}, []string{"outcome"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end latency of one tutoring turn in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
	}
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

// ProviderError counts one failed provider call.
func (m *Metrics) ProviderError(provider, code string) {
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

// ProviderFailover counts one completion served by the fallback.
func (m *Metrics) ProviderFailover() {
	m.ProviderFailovers.Inc()
}

// SetMaintenance mirrors the maintenance flag onto the gauge.
func (m *Metrics) SetMaintenance(active bool) {
	if active {
		m.MaintenanceActive.Set(1)
		return
	}
	m.MaintenanceActive.Set(0)
}

// IntegrationOutcome counts one outbound delivery outcome.
func (m *Metrics) IntegrationOutcome(outcome string) {
	m.IntegrationRetries.WithLabelValues(outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
