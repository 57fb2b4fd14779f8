package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "privacy_rag"

// Collector exports request metrics to Prometheus. Metrics register on the
// injected registry so tests and multiple instances stay isolated.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  prometheus.Histogram
	stageDuration    *prometheus.HistogramVec
	retriesTotal     prometheus.Counter
	entitiesRedacted prometheus.Counter
	interventions    *prometheus.CounterVec
	bypasses         *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
	degradedTotal    prometheus.Counter
}

// NewCollector registers the pipeline metrics. A nil registry gets a fresh
// one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = defaultNamespace
	}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat requests by outcome and guardrail policy.",
		}, []string{"outcome", "policy"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end chat request latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retries spent on knowledge-service calls.",
		}),
		entitiesRedacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pii_entities_redacted_total",
			Help:      "PII entities masked in questions and answers.",
		}),
		interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_interventions_total",
			Help:      "Guardrail interventions by policy.",
		}, []string{"policy"}),
		bypasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_bypass_decisions_total",
			Help:      "Compliance bypass decisions by reason.",
		}, []string{"reason"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		degradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_responses_total",
			Help:      "Responses synthesized after upstream throttling.",
		}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.stageDuration,
		c.retriesTotal,
		c.entitiesRedacted,
		c.interventions,
		c.bypasses,
		c.cacheRequests,
		c.degradedTotal,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Record(m *RequestMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy := m.PolicyID
	if policy == "" {
		policy = "none"
	}
	c.requestsTotal.WithLabelValues(m.Outcome, policy).Inc()
	c.requestDuration.Observe(m.Total.Seconds())
	for _, s := range m.Stages {
		c.stageDuration.WithLabelValues(string(s.Stage)).Observe(s.Duration.Seconds())
	}
	c.retriesTotal.Add(float64(m.Retries))
	c.entitiesRedacted.Add(float64(m.EntitiesRedacted))
	if m.Interventions > 0 {
		c.interventions.WithLabelValues(policy).Add(float64(m.Interventions))
	}
	if m.BypassReason != "" {
		c.bypasses.WithLabelValues(m.BypassReason).Inc()
	}
	if m.ContextCache != CacheSkip {
		c.cacheRequests.WithLabelValues("context", string(m.ContextCache)).Inc()
	}
	if m.AnswerCache != CacheSkip {
		c.cacheRequests.WithLabelValues("answer", string(m.AnswerCache)).Inc()
	}
	if m.Degraded {
		c.degradedTotal.Inc()
	}
}
