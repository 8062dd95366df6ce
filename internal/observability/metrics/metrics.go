package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	GuardrailDecisionsTotal *prometheus.CounterVec
	TransactionsTotal       *prometheus.CounterVec
	CyclesTotal             *prometheus.CounterVec
	CycleDuration           prometheus.Histogram
	ReasoningDuration       *prometheus.HistogramVec
	AgentsByStatus          *prometheus.GaugeVec
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	StartTime               prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		GuardrailDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karen_guardrail_decisions_total",
			Help: "Guardrail evaluations by outcome and failing rule.",
		}, []string{"outcome", "rule"}),

		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karen_transactions_total",
			Help: "Terminal transaction records by kind and status.",
		}, []string{"kind", "status"}),

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karen_agent_cycles_total",
			Help: "Agent loop cycles by outcome.",
		}, []string{"outcome"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "karen_agent_cycle_duration_seconds",
			Help:    "Wall time of one observe-think-act-remember cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		ReasoningDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "karen_reasoning_duration_seconds",
			Help:    "Reasoning service latency by provider.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 9),
		}, []string{"provider", "outcome"}),

		AgentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "karen_agents",
			Help: "Registered agents by lifecycle status.",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "karen_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "karen_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		StartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "karen_start_time_seconds",
			Help: "Unix timestamp when the process started.",
		}),
	}

	reg.MustRegister(
		m.GuardrailDecisionsTotal,
		m.TransactionsTotal,
		m.CyclesTotal,
		m.CycleDuration,
		m.ReasoningDuration,
		m.AgentsByStatus,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StartTime,
	)
	m.StartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveGuardrail counts one guardrail evaluation.
func (m *Metrics) ObserveGuardrail(allowed bool, failedRule string) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.GuardrailDecisionsTotal.WithLabelValues(outcome, failedRule).Inc()
}

// ObserveTransaction counts one terminal transaction record.
func (m *Metrics) ObserveTransaction(kind, status string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveCycle records the outcome and duration of one agent cycle.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// ObserveReasoning records one reasoning call.
func (m *Metrics) ObserveReasoning(provider string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ReasoningDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// SetAgentCounts replaces the per-status agent gauge.
func (m *Metrics) SetAgentCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.AgentsByStatus.Reset()
	for status, n := range counts {
		m.AgentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveHTTPRequest records metrics about one HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
