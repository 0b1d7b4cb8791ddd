package server

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/databases"
	"github.com/loomworks/loom/pkg/embedders"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/observability"
	"github.com/loomworks/loom/pkg/rag"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

type echoTool struct{}

func (echoTool) GetName() string        { return "echo" }
func (echoTool) GetDescription() string { return "echoes its query" }
func (echoTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: "echo", Description: "echoes its query"}
}
func (echoTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	query, _ := args["query"].(string)
	return tools.ToolResult{Success: true, Content: "echo: " + query}, nil
}

type testEnv struct {
	server *Server
	router http.Handler
	store  *store.Store
	llm    *llms.ScriptedProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	raw, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	raw.SetMaxOpenConns(1)
	db, err := store.NewWithDB(raw, "sqlite")
	require.NoError(t, err)

	cfg, err := config.Process(&config.Config{})
	require.NoError(t, err)

	toolsCfg := &config.ToolsConfig{}
	toolsCfg.SetDefaults()
	registry := tools.NewRegistry(toolsCfg, nil)
	require.NoError(t, registry.Register(echoTool{}, tools.TypeBuiltin))

	vectors, err := databases.NewChromemProvider(&config.VectorStoreConfig{Type: "chromem"})
	require.NoError(t, err)
	llm := &llms.ScriptedProvider{Responses: []string{"scripted answer"}}
	engine, err := rag.NewEngine(&cfg.Retrieval, db, embedders.NewHashEmbedder(32), vectors)
	require.NoError(t, err)

	srv, err := New(Options{
		Config:  cfg,
		Store:   db,
		LLM:     llm,
		Tools:   registry,
		RAG:     engine,
		Metrics: observability.New(),
	})
	require.NoError(t, err)

	return &testEnv{server: srv, router: srv.Router(), store: db, llm: llm}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	return parsed
}

func (env *testEnv) seedAgent(t *testing.T, name string) *store.AgentRecord {
	t.Helper()
	record := &store.AgentRecord{
		Name:         name,
		AgentType:    store.AgentTypeGeneral,
		SystemPrompt: "You are a test assistant.",
	}
	require.NoError(t, env.store.CreateAgent(context.Background(), record))
	return record
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestChatCreatesSessionAndPersistsTurn(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "helper")

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]any{
		"user_id":    "user-1",
		"message":    "hello there, assistant",
		"agent_name": "helper",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "scripted answer", body["message"])
	assert.Equal(t, "helper", body["agent_name"])
	assert.NotNil(t, body["pipeline_context"])

	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	ctx := context.Background()
	session, err := env.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "hello there, assistant", session.Title)

	messages, err := env.store.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "scripted answer", messages[1].Content)

	snapshot, err := env.store.GetPipelineSnapshot(ctx, "user-1", "helper", sessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot)
}

func TestChatSessionTitleTruncated(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "helper")

	long := strings.Repeat("a", 80)
	rec := env.do(t, http.MethodPost, "/api/chat", map[string]any{
		"user_id":    "user-1",
		"message":    long,
		"agent_name": "helper",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	sessionID := decode(t, rec)["session_id"].(string)
	session, err := env.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, []rune(session.Title), 50)
}

func TestChatUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/chat", map[string]any{
		"user_id":    "user-1",
		"message":    "hi",
		"agent_name": "ghost",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}

func TestChatMissingFields(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/chat", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStreamEmitsSSE(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "helper")

	rec := env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{
		"user_id":    "user-1",
		"message":    "stream please",
		"agent_name": "helper",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		types = append(types, chunk["type"].(string))
	}
	require.NotEmpty(t, types)

	finals := 0
	for _, typ := range types {
		if typ == "final" {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
	assert.Equal(t, "done", types[len(types)-1])
}

func TestPipelineStateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedAgent(t, "helper")

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]any{
		"user_id":    "user-1",
		"message":    "hello",
		"agent_name": "helper",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decode(t, rec)["session_id"].(string)

	rec = env.do(t, http.MethodGet,
		"/api/chat/pipeline_state?user_id=user-1&agent_name=helper&session_id="+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	state := body["pipeline_context"].(map[string]any)
	assert.NotEmpty(t, state["pipeline_id"])

	// Unknown session answers with a fresh pipeline, not an error.
	rec = env.do(t, http.MethodGet,
		"/api/chat/pipeline_state?user_id=user-1&agent_name=helper&session_id=nope", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/chat/sessions", map[string]any{
		"user_id":      "user-9",
		"session_name": "planning",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)["session"].(map[string]any)
	sessionID := created["session_id"].(string)
	require.NotEmpty(t, sessionID)

	rec = env.do(t, http.MethodGet, "/api/chat/sessions/user-9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode(t, rec)["sessions"].([]any)
	require.Len(t, sessions, 1)

	rec = env.do(t, http.MethodDelete, "/api/chat/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/chat/sessions/user-9", nil)
	sessions = decode(t, rec)["sessions"].([]any)
	assert.Empty(t, sessions)
}

func TestFlowValidationOnCreate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/flows/", map[string]any{
		"name":       "broken",
		"definition": "{not json",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/flows/", map[string]any{
		"name":       "greeter",
		"definition": `{"nodes": [{"id": "gen", "implementation": "llm", "config": {}}]}`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/flows/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["flows"].([]any), 1)
}

func TestToolEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/tools/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	toolList := decode(t, rec)["tools"].([]any)
	require.Len(t, toolList, 1)
	first := toolList[0].(map[string]any)
	assert.Equal(t, "echo", first["name"])

	rec = env.do(t, http.MethodPost, "/api/tools/echo/reset_score", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/tools/ghost/reset_score", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/knowledge_base/", map[string]any{"name": "docs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	kb := decode(t, rec)["knowledge_base"].(map[string]any)
	kbID := kb["id"].(string)

	rec = env.do(t, http.MethodPost, "/api/knowledge_base/"+kbID+"/documents", map[string]any{
		"name":    "guide.txt",
		"content": "The setup guide explains installation. Configuration lives in config.yaml. Restart applies changes.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode(t, rec)["document"].(map[string]any)
	assert.Equal(t, store.DocStatusCompleted, doc["status"])
	docID := doc["id"].(string)

	rec = env.do(t, http.MethodPost, "/api/knowledge_base/"+kbID+"/query", map[string]any{
		"query": "where does configuration live",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode(t, rec)["result"].(map[string]any)
	assert.NotEmpty(t, result["response"])

	rec = env.do(t, http.MethodPost, "/api/knowledge_base/"+kbID+"/documents/"+docID+"/reingest", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/knowledge_base/"+kbID+"/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["documents"].([]any), 1)

	rec = env.do(t, http.MethodDelete, "/api/knowledge_base/"+kbID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agents/", map[string]any{
		"name":          "support",
		"agent_type":    "general",
		"system_prompt": "You answer support questions.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)["agent"].(map[string]any)
	agentID := created["id"].(string)

	rec = env.do(t, http.MethodGet, "/api/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["agents"].([]any), 1)

	rec = env.do(t, http.MethodDelete, "/api/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents/"+agentID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessagesIncludeFlowNodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	flowRecord := &store.FlowRecord{
		Name:       "simple",
		Definition: `{"nodes": [{"id": "gen", "implementation": "llm", "config": {}}]}`,
	}
	require.NoError(t, env.store.CreateFlow(ctx, flowRecord))
	require.NoError(t, env.store.CreateAgent(ctx, &store.AgentRecord{
		Name:      "flowbot",
		AgentType: store.AgentTypeFlowDriven,
		FlowID:    flowRecord.ID,
	}))

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]any{
		"user_id":    "user-1",
		"message":    "run the flow",
		"agent_name": "flowbot",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sessionID := decode(t, rec)["session_id"].(string)

	rec = env.do(t, http.MethodGet, "/api/chat/messages/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode(t, rec)["messages"].([]any)
	require.Len(t, messages, 2)

	assistant := messages[1].(map[string]any)
	nodes, ok := assistant["nodes"].([]any)
	require.True(t, ok, "assistant message should carry flow node records")
	assert.NotEmpty(t, nodes)
}
