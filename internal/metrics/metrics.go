package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the counters below.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeCached  = "cached"
	OutcomeStale   = "stale"
	OutcomeReuse   = "reuse_detected"
	OutcomeDenied  = "denied"
)

// Metrics provides observability for the gateway. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	SecurityEvents   *prometheus.CounterVec
	DiscoveryFetches *prometheus.CounterVec
	Launches         *prometheus.CounterVec
	Callbacks        *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	ResourceFetches  *prometheus.CounterVec
	ResourceDuration prometheus.Histogram
	TokenDuration    prometheus.Histogram
	ActiveSessions   prometheus.Gauge
}

// New creates and registers all gateway metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SecurityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgate_security_events_total",
			Help: "Security events by kind (csrf, code_replay, refresh_reuse, untrusted_redirect, untrusted_issuer)",
		}, []string{"event"}),
		DiscoveryFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgate_discovery_fetches_total",
			Help: "Capability document lookups by outcome",
		}, []string{"outcome"}),
		Launches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgate_launches_total",
			Help: "Authorization attempts started, by launch kind",
		}, []string{"kind"}),
		Callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgate_callbacks_total",
			Help: "Authorization callbacks by outcome",
		}, []string{"outcome"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgate_token_refreshes_total",
			Help: "Refresh rotations by outcome",
		}, []string{"outcome"}),
		ResourceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smartgate_resource_fetches_total",
			Help: "Record server fetches by outcome",
		}, []string{"outcome"}),
		ResourceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartgate_resource_fetch_duration_seconds",
			Help:    "Duration of record server fetches including retries",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		TokenDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartgate_token_request_duration_seconds",
			Help:    "Duration of token endpoint calls (code exchange and refresh)",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "smartgate_active_sessions",
			Help: "Sessions currently held by this process (memory store only)",
		}),
	}
}

// SecurityEvent counts an audit event.
func (m *Metrics) SecurityEvent(event string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(event).Inc()
}

// Discovery counts a capability lookup.
func (m *Metrics) Discovery(outcome string) {
	if m == nil {
		return
	}
	m.DiscoveryFetches.WithLabelValues(outcome).Inc()
}

// Launch counts a started attempt. kind is "standalone" or "ehr".
func (m *Metrics) Launch(kind string) {
	if m == nil {
		return
	}
	m.Launches.WithLabelValues(kind).Inc()
}

// Callback counts a completed or rejected callback.
func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(outcome).Inc()
}

// Refresh counts a refresh rotation.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveToken records a token endpoint call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveToken(start time.Time) {
	if m == nil {
		return
	}
	m.TokenDuration.Observe(time.Since(start).Seconds())
}

// ObserveResource records a resource fetch and its outcome.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveResource(start time.Time, outcome string) {
	if m == nil {
		return
	}
	m.ResourceDuration.Observe(time.Since(start).Seconds())
	m.ResourceFetches.WithLabelValues(outcome).Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
