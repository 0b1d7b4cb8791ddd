package flow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/pipeline"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/tools"
)

type stubTool struct {
	name    string
	params  []tools.ToolParameter
	result  tools.ToolResult
	err     error
	gotArgs map[string]any
}

func (t *stubTool) GetName() string        { return t.name }
func (t *stubTool) GetDescription() string { return "stub " + t.name }

func (t *stubTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: t.name, Description: t.GetDescription(), Parameters: t.params}
}

func (t *stubTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	t.gotArgs = args
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

func newTestRun(message string, deps *Deps) *Run {
	return NewRun("user-1", message, map[string]any{
		"agent_name": "tester",
		"session_id": "sess-1",
	}, pipeline.New(), deps)
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

func TestEngineSynthesizesTerminals(t *testing.T) {
	cfg := &FlowConfig{Nodes: []NodeConfig{
		{ID: "gen", Implementation: "llm", Config: map[string]any{
			"system_prompt": "answer briefly",
		}},
	}}
	engine, err := BuildFromConfig(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, "start", engine.StartID())
	assert.Equal(t, "end", engine.EndID())
	assert.Equal(t, []string{"start", "gen", "end"}, engine.Nodes())
}

func TestEngineRunStreamLinearFlow(t *testing.T) {
	provider := &llms.ScriptedProvider{Responses: []string{"the answer"}}
	engine, err := BuildFromConfig(&FlowConfig{Nodes: []NodeConfig{
		{ID: "gen", Implementation: "llm", Config: map[string]any{}},
	}}, nil)
	require.NoError(t, err)

	run := newTestRun("what is the answer?", &Deps{LLM: provider})
	stream, err := engine.RunStream(context.Background(), run, "")
	require.NoError(t, err)
	chunks := collect(t, stream)

	starts := chunksOfType(chunks, protocol.ChunkTypeNodeStart)
	require.Len(t, starts, 3)
	assert.Equal(t, "start", starts[0].MetaString(protocol.MetaNodeID))
	assert.Equal(t, "gen", starts[1].MetaString(protocol.MetaNodeID))
	assert.Equal(t, "end", starts[2].MetaString(protocol.MetaNodeID))

	var content strings.Builder
	for _, chunk := range chunksOfType(chunks, protocol.ChunkTypeContent) {
		content.WriteString(chunk.Content)
	}
	assert.Equal(t, "the answer", content.String())

	finals := chunksOfType(chunks, protocol.ChunkTypeFinal)
	require.Len(t, finals, 1)
	assert.True(t, finals[0].IsEnd)
	assert.Equal(t, "the answer", finals[0].Content)
	assert.Equal(t, "sess-1", finals[0].SessionID)
	assert.Equal(t, "tester", finals[0].AgentName)

	// The final is followed by exactly one terminating done chunk.
	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.True(t, dones[0].IsEnd)
	assert.Equal(t, protocol.ChunkTypeDone, chunks[len(chunks)-1].Type)
}

func TestEngineDoneCarriesToolsUsed(t *testing.T) {
	tool := &stubTool{
		name:   "lookup",
		result: tools.ToolResult{Success: true, Content: "found it"},
	}
	engine, err := BuildFromConfig(&FlowConfig{Nodes: []NodeConfig{
		{ID: "t1", Implementation: "tool", Config: map[string]any{
			"tool_name": "lookup",
		}},
	}}, nil)
	require.NoError(t, err)

	run := newTestRun("find it", &Deps{Tools: newTestRegistry(t, tool)})
	stream, err := engine.RunStream(context.Background(), run, "")
	require.NoError(t, err)
	chunks := collect(t, stream)

	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.True(t, dones[0].IsEnd)
	assert.Equal(t, []string{"lookup"}, dones[0].Metadata[protocol.MetaToolsUsed])
}

func TestEngineRouterBranching(t *testing.T) {
	cfg := &FlowConfig{
		Nodes: []NodeConfig{
			{ID: "start", Implementation: "start"},
			{ID: "route", Implementation: "router", Config: map[string]any{
				"routing_logic": map[string]any{"field": "approved"},
			}},
			{ID: "yes", Implementation: "llm", Config: map[string]any{}},
			{ID: "no", Implementation: "llm", Config: map[string]any{}},
			{ID: "end", Implementation: "end"},
		},
		Edges: []EdgeConfig{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "yes"},
			{Source: "route", Target: "no"},
			{Source: "yes", Target: "end"},
			{Source: "no", Target: "end"},
		},
	}

	for _, tc := range []struct {
		approved bool
		expected string
	}{
		{true, "yes"},
		{false, "no"},
	} {
		provider := &llms.ScriptedProvider{Responses: []string{"done"}}
		engine, err := BuildFromConfig(cfg, nil)
		require.NoError(t, err)

		run := newTestRun("go", &Deps{LLM: provider})
		run.StateSet("approved", tc.approved)

		stream, err := engine.RunStream(context.Background(), run, "")
		require.NoError(t, err)
		chunks := collect(t, stream)

		visited := make(map[string]bool)
		for _, chunk := range chunksOfType(chunks, protocol.ChunkTypeNodeStart) {
			visited[chunk.MetaString(protocol.MetaNodeID)] = true
		}
		assert.True(t, visited[tc.expected], "approved=%v should visit %s", tc.approved, tc.expected)
		assert.False(t, visited[map[bool]string{true: "no", false: "yes"}[tc.approved]])

		// The router's node_complete carries the branch it selected.
		var routeComplete *protocol.Chunk
		for _, chunk := range chunksOfType(chunks, protocol.ChunkTypeNodeComplete) {
			if chunk.MetaString(protocol.MetaNodeID) == "route" {
				c := chunk
				routeComplete = &c
			}
		}
		require.NotNil(t, routeComplete)
		assert.Equal(t, strconv.FormatBool(tc.approved),
			routeComplete.MetaString(protocol.MetaSelectedBranch))
	}
}

func TestEngineSourceIndexOrdersConnections(t *testing.T) {
	zero, one := 0, 1
	cfg := &FlowConfig{
		Nodes: []NodeConfig{
			{ID: "route", Implementation: "router", Start: true, Config: map[string]any{
				"routing_logic": map[string]any{"field": "flag"},
			}},
			{ID: "b", Implementation: "end"},
			{ID: "a", Implementation: "end"},
		},
		Edges: []EdgeConfig{
			{Source: "route", Target: "b", SourceIndex: &one},
			{Source: "route", Target: "a", SourceIndex: &zero},
		},
	}
	engine, err := BuildFromConfig(cfg, nil)
	require.NoError(t, err)

	run := newTestRun("x", &Deps{})
	run.StateSet("flag", false)

	stream, err := engine.RunStream(context.Background(), run, "")
	require.NoError(t, err)
	chunks := collect(t, stream)

	visited := make(map[string]bool)
	for _, chunk := range chunksOfType(chunks, protocol.ChunkTypeNodeStart) {
		visited[chunk.MetaString(protocol.MetaNodeID)] = true
	}
	// false branch follows connections[1], which sourceIndex placed "b" at.
	assert.True(t, visited["b"])
	assert.False(t, visited["a"])
}

func TestEngineHaltsOnNodeError(t *testing.T) {
	provider := &llms.ScriptedProvider{Fail: errors.New("llm down")}
	engine, err := BuildFromConfig(&FlowConfig{Nodes: []NodeConfig{
		{ID: "gen", Implementation: "llm", Config: map[string]any{}},
		{ID: "after", Implementation: "llm", Config: map[string]any{}},
	}, Edges: []EdgeConfig{{Source: "gen", Target: "after"}}}, nil)
	require.NoError(t, err)

	run := newTestRun("x", &Deps{LLM: provider})
	stream, err := engine.RunStream(context.Background(), run, "")
	require.NoError(t, err)
	chunks := collect(t, stream)

	require.NotEmpty(t, chunksOfType(chunks, protocol.ChunkTypeNodeError))
	for _, chunk := range chunksOfType(chunks, protocol.ChunkTypeNodeStart) {
		assert.NotEqual(t, "after", chunk.MetaString(protocol.MetaNodeID))
	}
	// The stream still terminates with a final and a done.
	require.Len(t, chunksOfType(chunks, protocol.ChunkTypeFinal), 1)
	dones := chunksOfType(chunks, protocol.ChunkTypeDone)
	require.Len(t, dones, 1)
	assert.True(t, dones[0].IsEnd)
	assert.Equal(t, protocol.ChunkTypeDone, chunks[len(chunks)-1].Type)
}

func TestEngineOnChunkAndOnFinalHooks(t *testing.T) {
	provider := &llms.ScriptedProvider{Responses: []string{"hi"}}
	engine, err := BuildFromConfig(&FlowConfig{Nodes: []NodeConfig{
		{ID: "gen", Implementation: "llm", Config: map[string]any{}},
	}}, nil)
	require.NoError(t, err)

	var finals []protocol.Chunk
	engine.SetOnFinal(func(chunk protocol.Chunk) { finals = append(finals, chunk) })
	engine.SetOnChunk(func(chunk protocol.Chunk) *protocol.Chunk {
		if chunk.Type == protocol.ChunkTypeNodeStart {
			return nil // drop
		}
		return &chunk
	})

	run := newTestRun("x", &Deps{LLM: provider})
	stream, err := engine.RunStream(context.Background(), run, "")
	require.NoError(t, err)
	chunks := collect(t, stream)

	assert.Empty(t, chunksOfType(chunks, protocol.ChunkTypeNodeStart))
	require.Len(t, finals, 1)
	assert.Equal(t, "hi", finals[0].Content)
}

func TestEngineRunCollectsMessages(t *testing.T) {
	provider := &llms.ScriptedProvider{Responses: []string{"result text"}}
	engine, err := BuildFromConfig(&FlowConfig{Nodes: []NodeConfig{
		{ID: "gen", Implementation: "llm", Config: map[string]any{}},
	}}, nil)
	require.NoError(t, err)

	run := newTestRun("x", &Deps{LLM: provider})
	messages, err := engine.Run(context.Background(), run, "")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, protocol.MessageTypeAssistant, messages[0].Type)
	assert.Equal(t, "result text", messages[0].Content)
}

func TestEngineMountProvider(t *testing.T) {
	tool := &stubTool{
		name:   "web_search_stub",
		result: tools.ToolResult{Success: true, Content: "ok"},
	}
	engine, err := BuildFromConfig(&FlowConfig{Nodes: []NodeConfig{
		{ID: "t1", Implementation: "tool", Config: map[string]any{
			"tool_name": "web_search_stub",
		}},
	}}, nil)
	require.NoError(t, err)

	var mounted []MountSpec
	engine.SetMountProvider(func(spec MountSpec) error {
		mounted = append(mounted, spec)
		return nil
	})

	run := newTestRun("find it", &Deps{Tools: newTestRegistry(t, tool)})
	stream, err := engine.RunStream(context.Background(), run, "")
	require.NoError(t, err)
	collect(t, stream)

	require.Len(t, mounted, 1)
	assert.Equal(t, "t1", mounted[0].NodeID)
	assert.Equal(t, tools.ContainerBrowser, mounted[0].ContainerType)
}
