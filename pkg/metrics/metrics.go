// Package metrics exposes Prometheus instrumentation for the MAICE
// orchestrator, adapted from the teacher's pkg/observability metrics
// surface: per-agent call/duration/error counters, LLM call/token/error
// counters, bus operation counters, session lifecycle gauges, and an
// HTTP middleware-friendly request recorder. Every recorder is a no-op
// on a nil *Metrics so callers never need a feature flag to skip
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the metrics registry (spec's ambient-stack
// expansion; not named by spec.md itself).
type Config struct {
	Enabled   bool
	Endpoint  string
	Namespace string
}

// SetDefaults fills zero-value fields the way the teacher's
// MetricsConfig.SetDefaults does.
func (c *Config) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "/metrics"
	}
	if c.Namespace == "" {
		c.Namespace = "maice"
	}
}

// Metrics holds every registered collector. A nil *Metrics is valid
// and every Record*/Observe* method degrades to a no-op on it.
type Metrics struct {
	config   *Config
	registry *prometheus.Registry

	agentCalls        *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec
	agentErrors       *prometheus.CounterVec

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec
	llmErrors       *prometheus.CounterVec

	busSent      *prometheus.CounterVec
	busPublished *prometheus.CounterVec
	busErrors    *prometheus.CounterVec

	sessionsCreated     prometheus.Counter
	sessionsActive      prometheus.Gauge
	clarificationRounds *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Metrics instance, or returns (nil, nil) when metrics
// are disabled so callers can wire the nil-receiver no-op path
// uniformly.
func New(cfg *Config) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{config: cfg, registry: prometheus.NewRegistry()}
	m.initAgentMetrics()
	m.initLLMMetrics()
	m.initBusMetrics()
	m.initSessionMetrics()
	m.initHTTPMetrics()
	return m, nil
}

func (m *Metrics) initAgentMetrics() {
	m.agentCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "agent", Name: "calls_total",
		Help: "Total number of agent operations (Classifier, Clarifier, Answer, Observer)",
	}, []string{"agent"})

	m.agentCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "agent", Name: "call_duration_seconds",
		Help:    "Agent operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"agent"})

	m.agentErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "agent", Name: "errors_total",
		Help: "Total number of agent errors by orcherr kind",
	}, []string{"agent", "error_kind"})

	m.registry.MustRegister(m.agentCalls, m.agentCallDuration, m.agentErrors)
}

func (m *Metrics) initLLMMetrics() {
	m.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "calls_total",
		Help: "Total number of LLM provider calls",
	}, []string{"model", "provider", "stream"})

	m.llmCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "call_duration_seconds",
		Help:    "LLM call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
	}, []string{"model", "provider", "stream"})

	m.llmTokensInput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "tokens_input_total",
		Help: "Total input tokens consumed",
	}, []string{"model", "provider"})

	m.llmTokensOutput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "tokens_output_total",
		Help: "Total output tokens generated",
	}, []string{"model", "provider"})

	m.llmErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "llm", Name: "errors_total",
		Help: "Total LLM provider errors",
	}, []string{"model", "provider", "error_kind"})

	m.registry.MustRegister(m.llmCalls, m.llmCallDuration, m.llmTokensInput, m.llmTokensOutput, m.llmErrors)
}

func (m *Metrics) initBusMetrics() {
	m.busSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "bus", Name: "sent_total",
		Help: "Total envelopes written to a session stream",
	}, []string{"envelope_type"})

	m.busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "bus", Name: "published_total",
		Help: "Total envelopes published to a broadcast channel",
	}, []string{"envelope_type", "target_agent"})

	m.busErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "bus", Name: "errors_total",
		Help: "Total bus transport errors",
	}, []string{"op"})

	m.registry.MustRegister(m.busSent, m.busPublished, m.busErrors)
}

func (m *Metrics) initSessionMetrics() {
	m.sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "session", Name: "created_total",
		Help: "Total number of sessions created",
	})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.config.Namespace, Subsystem: "session", Name: "active",
		Help: "Number of sessions currently mid-relay-loop",
	})

	m.clarificationRounds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "session", Name: "clarification_rounds",
		Help:    "Number of clarification rounds a session went through before answering",
		Buckets: prometheus.LinearBuckets(0, 1, 6), // 0..5
	}, []string{"outcome"})

	m.registry.MustRegister(m.sessionsCreated, m.sessionsActive, m.clarificationRounds)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total HTTP requests to the front door",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.config.Namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordAgentCall records one agent operation's duration.
func (m *Metrics) RecordAgentCall(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(agent).Inc()
	m.agentCallDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// RecordAgentError records an agent error tagged with its orcherr kind.
func (m *Metrics) RecordAgentError(agent, errorKind string) {
	if m == nil {
		return
	}
	m.agentErrors.WithLabelValues(agent, errorKind).Inc()
}

// RecordLLMCall records an LLM provider call.
func (m *Metrics) RecordLLMCall(model, provider string, streaming bool, d time.Duration) {
	if m == nil {
		return
	}
	streamLabel := "false"
	if streaming {
		streamLabel = "true"
	}
	m.llmCalls.WithLabelValues(model, provider, streamLabel).Inc()
	m.llmCallDuration.WithLabelValues(model, provider, streamLabel).Observe(d.Seconds())
}

// RecordLLMTokens records input/output token counts for a call.
func (m *Metrics) RecordLLMTokens(model, provider string, input, output int) {
	if m == nil {
		return
	}
	m.llmTokensInput.WithLabelValues(model, provider).Add(float64(input))
	m.llmTokensOutput.WithLabelValues(model, provider).Add(float64(output))
}

// RecordLLMError records an LLM provider error.
func (m *Metrics) RecordLLMError(model, provider, errorKind string) {
	if m == nil {
		return
	}
	m.llmErrors.WithLabelValues(model, provider, errorKind).Inc()
}

// RecordBusSend records one Bus.Send call.
func (m *Metrics) RecordBusSend(envelopeType string) {
	if m == nil {
		return
	}
	m.busSent.WithLabelValues(envelopeType).Inc()
}

// RecordBusPublish records one Bus.Publish call.
func (m *Metrics) RecordBusPublish(envelopeType, targetAgent string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(envelopeType, targetAgent).Inc()
}

// RecordBusError records a bus transport failure.
func (m *Metrics) RecordBusError(op string) {
	if m == nil {
		return
	}
	m.busErrors.WithLabelValues(op).Inc()
}

// RecordSessionCreated increments the sessions-created counter.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// IncSessionsActive/DecSessionsActive track in-flight relay loops.
func (m *Metrics) IncSessionsActive() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) DecSessionsActive() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// RecordClarificationRounds records how many rounds a session needed
// before reaching outcome ("answered" or "clarification_failed").
func (m *Metrics) RecordClarificationRounds(outcome string, rounds int) {
	if m == nil {
		return
	}
	m.clarificationRounds.WithLabelValues(outcome).Observe(float64(rounds))
}

// RecordHTTPRequest records one front-door HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Endpoint returns the configured scrape path, defaulting to
// "/metrics" even on a nil *Metrics.
func (m *Metrics) Endpoint() string {
	if m == nil || m.config == nil || m.config.Endpoint == "" {
		return "/metrics"
	}
	return m.config.Endpoint
}

// Handler returns the Prometheus scrape endpoint handler. Nil-safe:
// when metrics are disabled it answers 503 rather than panicking.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
