package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New()

	m.RecordAgentCall("assistant", 120*time.Millisecond, false)
	m.RecordAgentCall("assistant", 2*time.Second, true)
	m.RecordToolCall("web_search", 30*time.Millisecond, nil)
	m.RecordToolCall("web_search", 30*time.Millisecond, errors.New("timeout"))
	m.RecordLLMRequest("scripted", 42, nil)
	m.RecordIngestion("completed", "docs", 7)
	m.RecordTriples("docs", 3)
	m.StreamOpened()

	body := scrape(t, m)
	assert.Contains(t, body, `loom_agent_calls_total{agent="assistant"} 2`)
	assert.Contains(t, body, `loom_agent_errors_total{agent="assistant"} 1`)
	assert.Contains(t, body, `loom_tool_errors_total{tool="web_search"} 1`)
	assert.Contains(t, body, `loom_llm_tokens_output_total{model="scripted"} 42`)
	assert.Contains(t, body, `loom_kb_chunks_indexed_total{knowledge_base="docs"} 7`)
	assert.Contains(t, body, `loom_kg_triples_extracted_total{knowledge_base="docs"} 3`)
	assert.Contains(t, body, "loom_chat_active_streams 1")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest(http.MethodGet, "/api/chat", http.StatusOK, time.Millisecond)
	m.RecordAgentCall("a", time.Millisecond, true)
	m.RecordToolCall("t", time.Millisecond, nil)
	m.RecordLLMRequest("m", 0, nil)
	m.RecordIngestion("failed", "kb", 0)
	m.RecordTriples("kb", 1)
	m.StreamOpened()
	m.SocketClosed()
}

func TestHTTPMiddlewareRecordsRoutePattern(t *testing.T) {
	m := New()

	router := chi.NewRouter()
	router.Use(HTTPMiddleware(m))
	router.Get("/api/chat/messages/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/messages/abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := scrape(t, m)
	assert.Contains(t, body, `loom_http_requests_total{method="GET",route="/api/chat/messages/{session_id}",status="4xx"} 1`)
}
