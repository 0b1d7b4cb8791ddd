// Package observability exposes Prometheus metrics for the runtime: HTTP
// traffic, agent calls, tool executions, LLM usage, ingestion and graph
// extraction.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the runtime records. A nil *Metrics is
// valid and records nothing, so callers never guard their call sites.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	agentCalls    *prometheus.CounterVec
	agentErrors   *prometheus.CounterVec
	agentDuration *prometheus.HistogramVec

	toolCalls    *prometheus.CounterVec
	toolErrors   *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	llmRequests     *prometheus.CounterVec
	llmErrors       *prometheus.CounterVec
	llmOutputTokens *prometheus.CounterVec

	documentsIngested *prometheus.CounterVec
	chunksIndexed     *prometheus.CounterVec
	triplesExtracted  *prometheus.CounterVec

	activeSessions prometheus.Gauge
	wsConnections  prometheus.Gauge
}

// New builds a Metrics set on its own registry, including the standard Go
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_http_requests_total",
			Help: "Total HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_agent_calls_total",
			Help: "Total agent invocations.",
		}, []string{"agent"}),
		agentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_agent_errors_total",
			Help: "Total agent invocations that ended in an error chunk.",
		}, []string{"agent"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_agent_call_duration_seconds",
			Help:    "Agent call duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent"}),

		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_calls_total",
			Help: "Total tool executions.",
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_errors_total",
			Help: "Total failed tool executions.",
		}, []string{"tool"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),

		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_requests_total",
			Help: "Total LLM requests.",
		}, []string{"model"}),
		llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_errors_total",
			Help: "Total failed LLM requests.",
		}, []string{"model"}),
		llmOutputTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_tokens_output_total",
			Help: "Total output tokens reported by LLM providers.",
		}, []string{"model"}),

		documentsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_kb_documents_ingested_total",
			Help: "Total documents ingested by outcome.",
		}, []string{"status"}),
		chunksIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_kb_chunks_indexed_total",
			Help: "Total chunks embedded and indexed.",
		}, []string{"knowledge_base"}),
		triplesExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_kg_triples_extracted_total",
			Help: "Total knowledge-graph triples stored.",
		}, []string{"knowledge_base"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_chat_active_streams",
			Help: "Chat streams currently open.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_ws_connections",
			Help: "WebSocket connections currently open.",
		}),
	}

	registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.agentCalls, m.agentErrors, m.agentDuration,
		m.toolCalls, m.toolErrors, m.toolDuration,
		m.llmRequests, m.llmErrors, m.llmOutputTokens,
		m.documentsIngested, m.chunksIndexed, m.triplesExtracted,
		m.activeSessions, m.wsConnections,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordAgentCall(agent string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(agent).Inc()
	m.agentDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if failed {
		m.agentErrors.WithLabelValues(agent).Inc()
	}
}

func (m *Metrics) RecordToolCall(tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if err != nil {
		m.toolErrors.WithLabelValues(tool).Inc()
	}
}

func (m *Metrics) RecordLLMRequest(model string, outputTokens int, err error) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(model).Inc()
	if err != nil {
		m.llmErrors.WithLabelValues(model).Inc()
	}
	if outputTokens > 0 {
		m.llmOutputTokens.WithLabelValues(model).Add(float64(outputTokens))
	}
}

func (m *Metrics) RecordIngestion(status string, kbName string, chunks int) {
	if m == nil {
		return
	}
	m.documentsIngested.WithLabelValues(status).Inc()
	if chunks > 0 {
		m.chunksIndexed.WithLabelValues(kbName).Add(float64(chunks))
	}
}

func (m *Metrics) RecordTriples(kbName string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.triplesExtracted.WithLabelValues(kbName).Add(float64(count))
}

func (m *Metrics) StreamOpened() { m.gaugeAdd(m.activeSessions, 1) }
func (m *Metrics) StreamClosed() { m.gaugeAdd(m.activeSessions, -1) }
func (m *Metrics) SocketOpened() { m.gaugeAdd(m.wsConnections, 1) }
func (m *Metrics) SocketClosed() { m.gaugeAdd(m.wsConnections, -1) }

func (m *Metrics) gaugeAdd(g prometheus.Gauge, delta float64) {
	if m == nil {
		return
	}
	g.Add(delta)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
