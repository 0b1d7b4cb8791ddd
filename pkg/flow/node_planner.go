package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/protocol"
)

// maxPlannerRetries bounds re-planning after sub-node failures.
const maxPlannerRetries = 3

const plannerSystemPrompt = `You are a task planner. You compose a serial chain of flow nodes
that accomplishes the user's task with the available tools.

Respond with a single JSON object: {"nodes": [...], "edges": [...], "metadata": {}}.
Each node: {"id", "implementation", "name", "config"}.
Each edge: {"source", "target"}.

Rules:
- Node ids MUST follow the naming convention given in the request.
- Produce a single serial chain. No branches, no orphan nodes.
- Never emit start or end nodes.
- Before every tool node, place an auto_param node whose target_tool_node_id
  is that tool node's id.`

// PlannerNode asks the LLM for a sub-plan, streams the planned nodes in
// order, and re-plans on failure with namespaced retry ids.
type PlannerNode struct {
	BaseNode
	registry *NodeRegistry
}

func NewPlannerNode(cfg NodeConfig) (Node, error) {
	return &PlannerNode{
		BaseNode: newBaseNode(cfg, CategoryPlanner),
		registry: NewNodeRegistry(),
	}, nil
}

func (n *PlannerNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	if run.Deps == nil || run.Deps.LLM == nil {
		return nil, fmt.Errorf("planner node %s has no LLM provider", n.ID())
	}

	out := make(chan protocol.Chunk, 100)
	go func() {
		defer close(out)
		n.planAndExecute(ctx, run, out)
	}()
	return out, nil
}

func (n *PlannerNode) planAndExecute(ctx context.Context, run *Run, out chan<- protocol.Chunk) {
	var failures []string

	for retry := 0; retry <= maxPlannerRetries; retry++ {
		plan, err := n.plan(ctx, run, retry, failures)
		if err != nil {
			n.send(ctx, out, n.errorChunk(fmt.Sprintf("planning failed: %v", err)))
			return
		}
		if len(plan.Nodes) == 0 {
			n.send(ctx, out, n.errorChunk("planner produced an empty plan"))
			return
		}

		n.send(ctx, out, n.extendChunk(plan, retry))

		failed, failure := n.executePlan(ctx, run, plan, out)
		if !failed {
			// The flow's end node carries the final chunk downstream.
			return
		}
		failures = append(failures, failure)
	}

	n.send(ctx, out, n.errorChunk(fmt.Sprintf(
		"planner exhausted retries: %s", strings.Join(failures, "; "))))
}

// plan builds the prompt, calls the LLM and sanitizes the returned subgraph.
func (n *PlannerNode) plan(ctx context.Context, run *Run, retry int, failures []string) (*FlowConfig, error) {
	prefix := fmt.Sprintf("%s_retry_%d_", n.ID(), retry)

	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\n", run.Message)
	if last := run.LastOutput(); last != "" {
		fmt.Fprintf(&b, "context: %s\n", last)
	}
	b.WriteString("available tools:\n")
	for _, info := range n.bestToolPerGroup(run) {
		fmt.Fprintf(&b, "- %s: %s\n", info.Name, info.Description)
	}
	fmt.Fprintf(&b, "node id naming convention: %sN (N = 1, 2, ...)\n", prefix)
	if len(failures) > 0 {
		fmt.Fprintf(&b, "previous attempts failed:\n%s\n", strings.Join(failures, "\n"))
	}

	response, err := run.Deps.LLM.Generate(ctx, llms.SystemUser(plannerSystemPrompt, b.String()))
	if err != nil {
		return nil, err
	}

	var plan FlowConfig
	if err := jsonx.Decode(response, &plan); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	return n.sanitize(&plan, prefix), nil
}

// bestToolPerGroup keeps the highest-scored tool per (type, container) pair.
// The registry already lists tools in score order.
func (n *PlannerNode) bestToolPerGroup(run *Run) []toolSummary {
	type group struct{ toolType, container string }
	seen := make(map[group]bool)

	var summaries []toolSummary
	for _, info := range run.Deps.Tools.List("") {
		if !info.IsAvailable {
			continue
		}
		key := group{info.Type, info.ContainerType}
		if seen[key] {
			continue
		}
		seen[key] = true
		summaries = append(summaries, toolSummary{Name: info.Name, Description: info.Description})
	}
	return summaries
}

type toolSummary struct {
	Name        string
	Description string
}

// sanitize drops start/end nodes, edges touching them, and enforces a serial
// chain by regenerating edges when the LLM produced branches or orphans.
func (n *PlannerNode) sanitize(plan *FlowConfig, prefix string) *FlowConfig {
	kept := make([]NodeConfig, 0, len(plan.Nodes))
	removed := make(map[string]bool)
	for _, nodeCfg := range plan.Nodes {
		if nodeCfg.Implementation == "start" || nodeCfg.Implementation == "end" ||
			nodeCfg.Category == CategoryStart || nodeCfg.Category == CategoryEnd {
			removed[nodeCfg.ID] = true
			continue
		}
		if !strings.HasPrefix(nodeCfg.ID, prefix) {
			nodeCfg.ID = prefix + nodeCfg.ID
		}
		kept = append(kept, nodeCfg)
	}

	ids := make(map[string]bool, len(kept))
	for _, nodeCfg := range kept {
		ids[nodeCfg.ID] = true
	}

	edges := make([]EdgeConfig, 0, len(plan.Edges))
	outdegree := make(map[string]int)
	indegree := make(map[string]int)
	for _, edge := range plan.Edges {
		source, target := edge.Source, edge.Target
		if !strings.HasPrefix(source, prefix) {
			source = prefix + source
		}
		if !strings.HasPrefix(target, prefix) {
			target = prefix + target
		}
		if removed[edge.Source] || removed[edge.Target] || !ids[source] || !ids[target] {
			continue
		}
		edges = append(edges, EdgeConfig{Source: source, Target: target})
		outdegree[source]++
		indegree[target]++
	}

	serial := len(edges) == len(kept)-1
	for _, nodeCfg := range kept {
		if outdegree[nodeCfg.ID] > 1 || indegree[nodeCfg.ID] > 1 {
			serial = false
		}
		if indegree[nodeCfg.ID] == 0 && outdegree[nodeCfg.ID] == 0 && len(kept) > 1 {
			serial = false
		}
	}
	if !serial {
		edges = edges[:0]
		for i := 0; i+1 < len(kept); i++ {
			edges = append(edges, EdgeConfig{Source: kept[i].ID, Target: kept[i+1].ID})
		}
	}

	return &FlowConfig{Nodes: kept, Edges: edges}
}

// executePlan streams the planned chain in order. Returns failure info when
// a sub-node errors.
func (n *PlannerNode) executePlan(ctx context.Context, run *Run, plan *FlowConfig, out chan<- protocol.Chunk) (bool, string) {
	ordered := orderChain(plan)

	for _, nodeCfg := range ordered {
		node, err := n.registry.Build(nodeCfg)
		if err != nil {
			return true, fmt.Sprintf("node %s could not be built: %v", nodeCfg.ID, err)
		}

		start := protocol.NewChunk(protocol.ChunkTypeNodeStart, "")
		start = start.WithMeta(protocol.MetaNodeID, node.ID())
		start = start.WithMeta(protocol.MetaNodeImplementation, node.Implementation())
		start = start.WithMeta(protocol.MetaPlannerNodeID, n.ID())
		if !n.send(ctx, out, start) {
			return true, "cancelled"
		}

		stream, err := node.ExecuteStream(ctx, run)
		if err != nil {
			return true, fmt.Sprintf("node %s failed to start: %v", node.ID(), err)
		}

		var output strings.Builder
		failed := false
		failure := ""
		for chunk := range stream {
			switch chunk.Type {
			case protocol.ChunkTypeContent, protocol.ChunkTypeToolResult:
				output.WriteString(chunk.Content)
			case protocol.ChunkTypeNodeError, protocol.ChunkTypeToolError, protocol.ChunkTypeError:
				failed = true
				failure = chunk.Content
				// Downgraded so the outer engine lets the planner retry.
				chunk.Type = protocol.ChunkTypeContent
				chunk = chunk.WithMeta(protocol.MetaError, failure)
			case protocol.ChunkTypeFinal:
				continue
			}
			chunk = chunk.WithMeta(protocol.MetaPlannerNodeID, n.ID())
			if !n.send(ctx, out, chunk) {
				return true, "cancelled"
			}
		}

		complete := protocol.NewChunk(protocol.ChunkTypeNodeComplete, "")
		complete = complete.WithMeta(protocol.MetaNodeID, node.ID())
		complete = complete.WithMeta(protocol.MetaOutput, output.String())
		complete = complete.WithMeta(protocol.MetaPlannerNodeID, n.ID())
		if failed {
			complete = complete.WithMeta(protocol.MetaStatus, "failed")
		}
		if !n.send(ctx, out, complete) {
			return true, "cancelled"
		}
		if failed {
			return true, fmt.Sprintf("node %s failed: %s", node.ID(), failure)
		}
	}
	return false, ""
}

// orderChain walks edges from the head of the serial chain.
func orderChain(plan *FlowConfig) []NodeConfig {
	byID := make(map[string]NodeConfig, len(plan.Nodes))
	next := make(map[string]string, len(plan.Edges))
	hasIncoming := make(map[string]bool)
	for _, nodeCfg := range plan.Nodes {
		byID[nodeCfg.ID] = nodeCfg
	}
	for _, edge := range plan.Edges {
		next[edge.Source] = edge.Target
		hasIncoming[edge.Target] = true
	}

	head := ""
	for _, nodeCfg := range plan.Nodes {
		if !hasIncoming[nodeCfg.ID] {
			head = nodeCfg.ID
			break
		}
	}
	if head == "" {
		return plan.Nodes
	}

	ordered := make([]NodeConfig, 0, len(plan.Nodes))
	for id := head; id != ""; id = next[id] {
		nodeCfg, ok := byID[id]
		if !ok || len(ordered) >= len(plan.Nodes) {
			break
		}
		ordered = append(ordered, nodeCfg)
	}
	if len(ordered) < len(plan.Nodes) {
		return plan.Nodes
	}
	return ordered
}

// extendChunk tells the client which nodes the plan appended. Retry plans
// converge on the global end node.
func (n *PlannerNode) extendChunk(plan *FlowConfig, retry int) protocol.Chunk {
	nodes := make([]map[string]any, 0, len(plan.Nodes))
	for _, nodeCfg := range plan.Nodes {
		raw, _ := json.Marshal(nodeCfg)
		var m map[string]any
		json.Unmarshal(raw, &m)
		nodes = append(nodes, m)
	}
	edges := make([]map[string]any, 0, len(plan.Edges)+2)
	if len(plan.Nodes) > 0 {
		edges = append(edges, map[string]any{"source": n.ID(), "target": plan.Nodes[0].ID})
	}
	for _, edge := range plan.Edges {
		edges = append(edges, map[string]any{"source": edge.Source, "target": edge.Target})
	}
	if len(plan.Nodes) > 0 {
		edges = append(edges, map[string]any{"source": plan.Nodes[len(plan.Nodes)-1].ID, "target": "end"})
	}

	chunk := protocol.NewChunk(protocol.ChunkTypeFlowNodesExtend, "")
	chunk = chunk.WithMeta(protocol.MetaPlannerNodeID, n.ID())
	chunk = chunk.WithMeta(protocol.MetaNodes, nodes)
	chunk = chunk.WithMeta(protocol.MetaEdges, edges)
	chunk = chunk.WithMeta(protocol.MetaRetryIndex, retry)
	chunk = chunk.WithMeta(protocol.MetaIsRetry, retry > 0)
	if retry > 0 {
		chunk = chunk.WithMeta(protocol.MetaRetryPlannerNodeID, n.ID())
		chunk = chunk.WithMeta(protocol.MetaRootPlannerNodeID, n.ID())
	}
	return chunk
}

func (n *PlannerNode) errorChunk(msg string) protocol.Chunk {
	chunk := protocol.NewChunk(protocol.ChunkTypeNodeError, msg)
	chunk = chunk.WithMeta(protocol.MetaNodeID, n.ID())
	return chunk
}

func (n *PlannerNode) send(ctx context.Context, out chan<- protocol.Chunk, chunk protocol.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
