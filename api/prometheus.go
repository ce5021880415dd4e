package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	resultAuthenticated = "authenticated"
	resultRejected      = "rejected"
	resultRateLimited   = "rate_limited"
	resultMalformed     = "malformed"
)

// outcomeMetrics exports request outcomes to Prometheus.
type outcomeMetrics struct {
	outcomes   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	deliveries *prometheus.CounterVec
}

func newOutcomeMetrics(reg prometheus.Registerer) *outcomeMetrics {
	m := &outcomeMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cmpauth",
			Name:      "outcomes_total",
			Help:      "CMP authentication outcomes by alias, result and rejection reason.",
		}, []string{"alias", "result", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cmpauth",
			Name:      "evaluation_seconds",
			Help:      "Time spent evaluating CMP authentication requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"alias"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cmpauth",
			Name:      "webhook_events_total",
			Help:      "Webhook events by sink and delivery result.",
		}, []string{"sink", "result"}),
	}
	reg.MustRegister(m.outcomes, m.duration, m.deliveries)
	return m
}

func (m *outcomeMetrics) observe(alias, result, reason string) {
	m.outcomes.WithLabelValues(alias, result, reason).Inc()
}

// Metrics serves the Prometheus registry.
func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
