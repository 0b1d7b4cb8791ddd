package agent

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/databases"
	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

type stubTool struct {
	name    string
	params  []tools.ToolParameter
	result  tools.ToolResult
	err     error
	calls   int
	gotArgs []map[string]any
}

func (t *stubTool) GetName() string        { return t.name }
func (t *stubTool) GetDescription() string { return "stub " + t.name }

func (t *stubTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: t.name, Description: t.GetDescription(), Parameters: t.params}
}

func (t *stubTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	t.calls++
	t.gotArgs = append(t.gotArgs, args)
	return t.result, t.err
}

func newTestRegistry(t *testing.T, toolList ...tools.Tool) *tools.Registry {
	t.Helper()
	cfg := &config.ToolsConfig{}
	cfg.SetDefaults()
	registry := tools.NewRegistry(cfg, nil)
	for _, tool := range toolList {
		require.NoError(t, registry.Register(tool, tools.TypeBuiltin))
	}
	return registry
}

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	s, err := store.NewWithDB(db, "sqlite")
	require.NoError(t, err)
	return s
}

func collect(t *testing.T, stream <-chan protocol.Chunk) []protocol.Chunk {
	t.Helper()
	var chunks []protocol.Chunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func chunksOfType(chunks []protocol.Chunk, chunkType protocol.ChunkType) []protocol.Chunk {
	var out []protocol.Chunk
	for _, chunk := range chunks {
		if chunk.Type == chunkType {
			out = append(out, chunk)
		}
	}
	return out
}

// satisfiedRoute wraps a route so satisfaction checks always pass.
func satisfiedRoute(route func(messages []llms.Message) string) func([]llms.Message) string {
	return func(messages []llms.Message) string {
		if strings.Contains(messages[0].Content, "fully answers") {
			return `{"satisfied": true}`
		}
		return route(messages)
	}
}

func TestGeneralAgentStreamsAnswer(t *testing.T) {
	provider := &llms.ScriptedProvider{Responses: []string{"hello there"}}
	agent := NewGeneralAgent("helper", "be brief", &Services{LLM: provider})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{Message: "hi"})
	require.NoError(t, err)
	chunks := collect(t, stream)

	var content strings.Builder
	for _, chunk := range chunksOfType(chunks, protocol.ChunkTypeContent) {
		content.WriteString(chunk.Content)
	}
	assert.Equal(t, "hello there", content.String())

	finals := chunksOfType(chunks, protocol.ChunkTypeFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "hello there", finals[0].Content)
	assert.True(t, finals[0].IsEnd)
	assert.Equal(t, "helper", finals[0].AgentName)

	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.True(t, dones[0].IsEnd)
	assert.Empty(t, dones[0].Metadata[protocol.MetaToolsUsed])
	assert.Equal(t, protocol.ChunkTypeDone, chunks[len(chunks)-1].Type)
}

func TestGeneralAgentParsesToolCall(t *testing.T) {
	weather := &stubTool{
		name:   "weather_lookup",
		result: tools.ToolResult{Success: true, Content: "sunny, 21C"},
	}
	provider := &llms.ScriptedProvider{Route: satisfiedRoute(func(messages []llms.Message) string {
		return "Checking the weather.\nTOOL_CALL: weather_lookup {\"city\": \"tokyo\"}"
	})}

	agent := NewGeneralAgent("helper", "", &Services{
		LLM:   provider,
		Tools: newTestRegistry(t, weather),
	})
	agent.BindTools([]string{"weather_lookup"})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{Message: "weather in tokyo?"})
	require.NoError(t, err)
	chunks := collect(t, stream)

	require.Equal(t, 1, weather.calls)
	assert.Equal(t, "tokyo", weather.gotArgs[0]["city"])

	results := chunksOfType(chunks, protocol.ChunkTypeToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "sunny, 21C", results[0].Content)
	assert.Equal(t, "weather_lookup", results[0].Metadata[protocol.MetaToolName])

	finals := chunksOfType(chunks, protocol.ChunkTypeFinal)
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0].Content, "sunny, 21C")

	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, []string{"weather_lookup"}, dones[0].Metadata[protocol.MetaToolsUsed])
}

func TestGeneralAgentIgnoresUnboundToolCall(t *testing.T) {
	bound := &stubTool{name: "notes", result: tools.ToolResult{Success: true, Content: "noted"}}
	provider := &llms.ScriptedProvider{Route: satisfiedRoute(func(messages []llms.Message) string {
		return "TOOL_CALL: delete_everything {}"
	})}

	agent := NewGeneralAgent("helper", "", &Services{
		LLM:   provider,
		Tools: newTestRegistry(t, bound),
	})
	agent.BindTools([]string{"notes"})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{Message: "do it"})
	require.NoError(t, err)
	chunks := collect(t, stream)

	// The unbound call is dropped; the bound tool runs as the default.
	assert.Equal(t, 1, bound.calls)
	assert.Equal(t, "do it", bound.gotArgs[0]["query"])
	require.Len(t, chunksOfType(chunks, protocol.ChunkTypeToolResult), 1)
}

func TestGeneralAgentDefaultToolPrefersSearch(t *testing.T) {
	notes := &stubTool{name: "notes", result: tools.ToolResult{Success: true, Content: "noted"}}
	search := &stubTool{name: "web_search", result: tools.ToolResult{Success: true, Content: "found it"}}
	provider := &llms.ScriptedProvider{Route: satisfiedRoute(func(messages []llms.Message) string {
		return "Let me look that up."
	})}

	agent := NewGeneralAgent("helper", "", &Services{
		LLM:   provider,
		Tools: newTestRegistry(t, notes, search),
	})
	agent.BindTools([]string{"notes", "web_search"})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{Message: "latest go release?"})
	require.NoError(t, err)
	collect(t, stream)

	assert.Equal(t, 0, notes.calls)
	require.Equal(t, 1, search.calls)
	assert.Equal(t, "latest go release?", search.gotArgs[0]["query"])
}

func TestGeneralAgentSatisfactionLoopRunsOnce(t *testing.T) {
	search := &stubTool{name: "web_search", result: tools.ToolResult{Success: true, Content: "partial result"}}
	provider := &llms.ScriptedProvider{Route: func(messages []llms.Message) string {
		if strings.Contains(messages[0].Content, "fully answers") {
			return `{"satisfied": false, "refined_query": "narrower question"}`
		}
		return "Searching."
	}}

	agent := NewGeneralAgent("helper", "", &Services{
		LLM:   provider,
		Tools: newTestRegistry(t, search),
	})
	agent.BindTools([]string{"web_search"})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{Message: "broad question"})
	require.NoError(t, err)
	chunks := collect(t, stream)

	// One default round plus one refined round, never more.
	require.Equal(t, 2, search.calls)
	assert.Equal(t, "broad question", search.gotArgs[0]["query"])
	assert.Equal(t, "narrower question", search.gotArgs[1]["query"])

	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, []string{"web_search", "web_search"}, dones[0].Metadata[protocol.MetaToolsUsed])
}

func TestGeneralAgentToolFailureEmitsToolError(t *testing.T) {
	broken := &stubTool{name: "web_search", result: tools.ToolResult{Success: false, Error: "backend down"}}
	provider := &llms.ScriptedProvider{Route: satisfiedRoute(func(messages []llms.Message) string {
		return "Searching."
	})}

	agent := NewGeneralAgent("helper", "", &Services{
		LLM:   provider,
		Tools: newTestRegistry(t, broken),
	})
	agent.BindTools([]string{"web_search"})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{Message: "q"})
	require.NoError(t, err)
	chunks := collect(t, stream)

	errs := chunksOfType(chunks, protocol.ChunkTypeToolError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "backend down")

	// The failed tool does not count as used and the stream still completes.
	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.Empty(t, dones[0].Metadata[protocol.MetaToolsUsed])
	require.Len(t, chunksOfType(chunks, protocol.ChunkTypeFinal), 1)
}

func TestGeneralAgentRebuildsContextFromStore(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	session, err := db.CreateSession(ctx, "user-1", "", "old chat")
	require.NoError(t, err)
	require.NoError(t, db.AppendMessage(ctx, &store.Message{
		SessionID: session.ID, UserID: "user-1", Role: "user", Content: "my name is Alice",
	}))
	require.NoError(t, db.AppendMessage(ctx, &store.Message{
		SessionID: session.ID, UserID: "user-1", Role: "assistant", Content: "nice to meet you Alice",
	}))

	provider := &llms.ScriptedProvider{Responses: []string{"you are Alice"}}
	agent := NewGeneralAgent("helper", "", &Services{LLM: provider, Store: db})

	stream, err := agent.ProcessMessageStream(ctx, &Request{
		UserID:    "user-1",
		SessionID: session.ID,
		Message:   "what is my name?",
	})
	require.NoError(t, err)
	collect(t, stream)

	require.Len(t, provider.Prompts, 1)
	prompt := provider.Prompts[0]
	// system + two restored turns + current message
	require.Len(t, prompt, 4)
	assert.Equal(t, "my name is Alice", prompt[1].Content)
	assert.Equal(t, "assistant", prompt[2].Role)
	assert.Equal(t, "what is my name?", prompt[3].Content)
}

func TestGeneralAgentHistoryWindow(t *testing.T) {
	agent := NewGeneralAgent("helper", "", &Services{})
	agentCtx := &AgentContext{UserID: "u"}
	for i := 0; i < 20; i++ {
		agentCtx.Messages = append(agentCtx.Messages, llms.Message{Role: "user", Content: "filler"})
	}

	history := agent.buildConversationHistory(agentCtx, "now")
	// Ten windowed messages plus the current one.
	require.Len(t, history, historyWindow+1)
	assert.Equal(t, "now", history[len(history)-1].Content)
}

type stubKnowledge struct {
	gotKB    string
	gotQuery string
}

func (k *stubKnowledge) Search(ctx context.Context, kbID, query string, topK int) ([]databases.SearchResult, error) {
	k.gotKB = kbID
	k.gotQuery = query
	return []databases.SearchResult{{Content: "the capital of France is Paris"}}, nil
}

func TestGeneralAgentKnowledgeAugmentsPrompt(t *testing.T) {
	knowledge := &stubKnowledge{}
	provider := &llms.ScriptedProvider{Responses: []string{"Paris"}}

	agent := NewGeneralAgent("helper", "", &Services{LLM: provider, Knowledge: knowledge})
	agent.BindKnowledgeBases([]string{"kb-geo"})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{Message: "capital of France?"})
	require.NoError(t, err)
	collect(t, stream)

	assert.Equal(t, "kb-geo", knowledge.gotKB)
	assert.Equal(t, "capital of France?", knowledge.gotQuery)
	require.Len(t, provider.Prompts, 1)
	assert.Contains(t, provider.Prompts[0][0].Content, "the capital of France is Paris")
}

func TestFlowDrivenAgentRunsFlowAndPersistsNodes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	session, err := db.CreateSession(ctx, "user-1", "", "flow chat")
	require.NoError(t, err)

	flowCfg, err := flow.ParseFlowConfig(`{
		"nodes": [{"id": "gen", "implementation": "llm", "config": {}}]
	}`)
	require.NoError(t, err)

	provider := &llms.ScriptedProvider{Responses: []string{"flow says hi"}}
	agent := NewFlowDrivenAgent("flowbot", flowCfg, &Services{LLM: provider, Store: db})

	req := &Request{
		UserID:    "user-1",
		SessionID: session.ID,
		Message:   "hello",
		Context:   map[string]any{"assistant_message_id": "msg-1"},
	}
	stream, err := agent.ProcessMessageStream(ctx, req)
	require.NoError(t, err)
	chunks := collect(t, stream)

	finals := chunksOfType(chunks, protocol.ChunkTypeFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "flow says hi", finals[0].Content)
	assert.Equal(t, "flowbot", finals[0].AgentName)

	nodes, err := db.ListMessageNodes(ctx, "msg-1")
	require.NoError(t, err)
	require.NotEmpty(t, nodes)

	var started []string
	for _, node := range nodes {
		if node.NodeType == string(protocol.ChunkTypeNodeStart) {
			started = append(started, node.NodeID)
		}
	}
	assert.Equal(t, []string{"start", "gen", "end"}, started)
}

func TestFlowDrivenAgentStreamEndsWithDone(t *testing.T) {
	flowCfg, err := flow.ParseFlowConfig(`{
		"nodes": [{"id": "gen", "implementation": "llm", "config": {}}]
	}`)
	require.NoError(t, err)

	provider := &llms.ScriptedProvider{Responses: []string{"flow answer"}}
	agent := NewFlowDrivenAgent("flowbot", flowCfg, &Services{LLM: provider})

	stream, err := agent.ProcessMessageStream(context.Background(), &Request{
		UserID:  "user-1",
		Message: "hello",
	})
	require.NoError(t, err)
	chunks := collect(t, stream)

	// Exactly one final followed by exactly one done, both marked as end.
	finals := chunksOfType(chunks, protocol.ChunkTypeFinal)
	require.Len(t, finals, 1)
	assert.True(t, finals[0].IsEnd)

	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.True(t, dones[0].IsEnd)
	assert.Equal(t, "flowbot", dones[0].AgentName)
	assert.Equal(t, protocol.ChunkTypeDone, chunks[len(chunks)-1].Type)

	finalIdx, doneIdx := -1, -1
	for i, chunk := range chunks {
		switch chunk.Type {
		case protocol.ChunkTypeFinal:
			finalIdx = i
		case protocol.ChunkTypeDone:
			doneIdx = i
		}
	}
	assert.Less(t, finalIdx, doneIdx)
}

func TestFromRecordDispatch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	services := &Services{Store: db}

	general, err := FromRecord(ctx, &store.AgentRecord{
		Name: "chatty", AgentType: store.AgentTypeGeneral, SystemPrompt: "hi",
	}, services)
	require.NoError(t, err)
	assert.IsType(t, &GeneralAgent{}, general)

	flowRecord := &store.FlowRecord{
		Name:       "f1",
		Definition: `{"nodes": [{"id": "gen", "implementation": "llm"}]}`,
	}
	require.NoError(t, db.CreateFlow(ctx, flowRecord))

	driven, err := FromRecord(ctx, &store.AgentRecord{
		Name: "flowbot", AgentType: store.AgentTypeFlowDriven, FlowID: flowRecord.ID,
	}, services)
	require.NoError(t, err)
	assert.IsType(t, &FlowDrivenAgent{}, driven)

	_, err = FromRecord(ctx, &store.AgentRecord{
		Name: "broken", AgentType: store.AgentTypeFlowDriven, FlowID: "missing",
	}, services)
	require.Error(t, err)

	_, err = FromRecord(ctx, &store.AgentRecord{Name: "odd", AgentType: "martian"}, services)
	require.Error(t, err)
}
