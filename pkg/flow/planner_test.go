package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/tools"
)

func plannerResponse(prefix string) string {
	return `{
		"nodes": [
			{"id": "` + prefix + `1", "implementation": "auto_param",
			 "config": {"tool_name": "lookup", "target_tool_node_id": "` + prefix + `2"}},
			{"id": "` + prefix + `2", "implementation": "tool",
			 "config": {"tool_name": "lookup"}}
		],
		"edges": [{"source": "` + prefix + `1", "target": "` + prefix + `2"}],
		"metadata": {}
	}`
}

func TestPlannerExecutesPlannedChain(t *testing.T) {
	tool := &stubTool{
		name:   "lookup",
		params: []tools.ToolParameter{{Name: "query", Type: "string", Required: true}},
		result: tools.ToolResult{Success: true, Content: "looked up"},
	}
	provider := &llms.ScriptedProvider{Route: func(messages []llms.Message) string {
		if strings.Contains(messages[0].Content, "task planner") {
			return plannerResponse("plan_retry_0_")
		}
		return `{"query": "planned query"}`
	}}

	node, err := NewPlannerNode(NodeConfig{ID: "plan", Implementation: "planner"})
	require.NoError(t, err)

	run := newTestRun("look something up", &Deps{LLM: provider, Tools: newTestRegistry(t, tool)})
	stream, err := node.ExecuteStream(context.Background(), run)
	require.NoError(t, err)
	chunks := collect(t, stream)

	extends := chunksOfType(chunks, protocol.ChunkTypeFlowNodesExtend)
	require.Len(t, extends, 1)
	nodes := extends[0].Metadata[protocol.MetaNodes].([]map[string]any)
	require.Len(t, nodes, 2)
	assert.Equal(t, "plan_retry_0_1", nodes[0]["id"])

	// The auto_param node fed the tool node.
	assert.Equal(t, "planned query", tool.gotArgs["query"])
	assert.Equal(t, "looked up", run.LastOutput())

	starts := chunksOfType(chunks, protocol.ChunkTypeNodeStart)
	require.Len(t, starts, 2)
	assert.Empty(t, chunksOfType(chunks, protocol.ChunkTypeNodeError))
}

func TestPlannerRetriesOnFailure(t *testing.T) {
	failing := &stubTool{
		name:   "lookup",
		result: tools.ToolResult{Success: false, Error: "backend down"},
	}
	working := &stubTool{
		name:   "fallback_lookup",
		result: tools.ToolResult{Success: true, Content: "recovered"},
	}

	provider := &llms.ScriptedProvider{Route: func(messages []llms.Message) string {
		if !strings.Contains(messages[0].Content, "task planner") {
			return `{"query": "x"}`
		}
		if strings.Contains(messages[1].Content, "previous attempts failed") {
			return `{
				"nodes": [{"id": "plan_retry_1_1", "implementation": "tool",
				           "config": {"tool_name": "fallback_lookup"}}],
				"edges": []
			}`
		}
		return `{
			"nodes": [{"id": "plan_retry_0_1", "implementation": "tool",
			           "config": {"tool_name": "lookup"}}],
			"edges": []
		}`
	}}

	node, err := NewPlannerNode(NodeConfig{ID: "plan", Implementation: "planner"})
	require.NoError(t, err)

	run := newTestRun("look it up", &Deps{LLM: provider, Tools: newTestRegistry(t, failing, working)})
	stream, err := node.ExecuteStream(context.Background(), run)
	require.NoError(t, err)
	chunks := collect(t, stream)

	extends := chunksOfType(chunks, protocol.ChunkTypeFlowNodesExtend)
	require.Len(t, extends, 2)
	assert.Equal(t, false, extends[0].Metadata[protocol.MetaIsRetry])
	assert.Equal(t, true, extends[1].Metadata[protocol.MetaIsRetry])
	assert.Equal(t, 1, extends[1].Metadata[protocol.MetaRetryIndex])

	assert.Equal(t, "recovered", run.LastOutput())
	// The retry converged; no terminal planner error.
	assert.Empty(t, chunksOfType(chunks, protocol.ChunkTypeNodeError))

	var failedCompletes int
	for _, chunk := range chunksOfType(chunks, protocol.ChunkTypeNodeComplete) {
		if chunk.MetaString(protocol.MetaStatus) == "failed" {
			failedCompletes++
		}
	}
	assert.Equal(t, 1, failedCompletes)
}

func TestPlannerSanitizeRemovesTerminalsAndEnforcesSerial(t *testing.T) {
	node, err := NewPlannerNode(NodeConfig{ID: "plan", Implementation: "planner"})
	require.NoError(t, err)
	planner := node.(*PlannerNode)

	plan := &FlowConfig{
		Nodes: []NodeConfig{
			{ID: "start", Implementation: "start"},
			{ID: "a", Implementation: "llm"},
			{ID: "b", Implementation: "llm"},
			{ID: "c", Implementation: "llm"},
			{ID: "end", Implementation: "end"},
		},
		Edges: []EdgeConfig{
			{Source: "start", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"}, // branch
			{Source: "c", Target: "end"},
		},
	}

	sanitized := planner.sanitize(plan, "plan_retry_0_")
	require.Len(t, sanitized.Nodes, 3)
	for _, nodeCfg := range sanitized.Nodes {
		assert.True(t, strings.HasPrefix(nodeCfg.ID, "plan_retry_0_"))
		assert.NotEqual(t, "start", nodeCfg.Implementation)
		assert.NotEqual(t, "end", nodeCfg.Implementation)
	}

	// Branching plan was rewired into a serial chain.
	require.Len(t, sanitized.Edges, 2)
	assert.Equal(t, sanitized.Nodes[0].ID, sanitized.Edges[0].Source)
	assert.Equal(t, sanitized.Nodes[1].ID, sanitized.Edges[0].Target)
	assert.Equal(t, sanitized.Nodes[1].ID, sanitized.Edges[1].Source)
	assert.Equal(t, sanitized.Nodes[2].ID, sanitized.Edges[1].Target)
}

func TestPlannerExhaustsRetries(t *testing.T) {
	failing := &stubTool{
		name:   "lookup",
		result: tools.ToolResult{Success: false, Error: "always down"},
	}
	provider := &llms.ScriptedProvider{Route: func(messages []llms.Message) string {
		if !strings.Contains(messages[0].Content, "task planner") {
			return `{"query": "x"}`
		}
		return `{"nodes": [{"id": "n1", "implementation": "tool",
		         "config": {"tool_name": "lookup"}}], "edges": []}`
	}}

	node, err := NewPlannerNode(NodeConfig{ID: "plan", Implementation: "planner"})
	require.NoError(t, err)

	run := newTestRun("doomed", &Deps{LLM: provider, Tools: newTestRegistry(t, failing)})
	stream, err := node.ExecuteStream(context.Background(), run)
	require.NoError(t, err)
	chunks := collect(t, stream)

	errs := chunksOfType(chunks, protocol.ChunkTypeNodeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "exhausted retries")
	assert.Len(t, chunksOfType(chunks, protocol.ChunkTypeFlowNodesExtend), maxPlannerRetries+1)
}