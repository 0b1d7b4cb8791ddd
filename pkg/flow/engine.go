package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loomworks/loom/pkg/protocol"
)

// maxSteps caps the walk so malformed graphs cannot loop forever.
const maxSteps = 1000

// MountProvider prepares the environment a node declared it needs.
type MountProvider func(spec MountSpec) error

// ChunkHook may transform an outgoing chunk; returning nil drops it.
type ChunkHook func(chunk protocol.Chunk) *protocol.Chunk

// FinalHook observes the terminating chunk, typically for persistence.
type FinalHook func(chunk protocol.Chunk)

// Engine walks a built flow graph.
type Engine struct {
	nodes     map[string]Node
	order     []string
	adjacency map[string][]string
	indegree  map[string]int
	startID   string
	endID     string
	registry  *NodeRegistry

	mountProvider MountProvider
	onChunk       ChunkHook
	onFinal       FinalHook
}

// BuildFromConfig constructs an engine from a flow definition. A missing
// start or end node is synthesized; edges default to the connections
// declared on nodes.
func BuildFromConfig(cfg *FlowConfig, nodeRegistry *NodeRegistry) (*Engine, error) {
	if cfg == nil || len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("flow config has no nodes")
	}
	if nodeRegistry == nil {
		nodeRegistry = NewNodeRegistry()
	}

	nodeConfigs := ensureTerminals(cfg.Nodes)

	engine := &Engine{
		nodes:     make(map[string]Node, len(nodeConfigs)),
		adjacency: make(map[string][]string, len(nodeConfigs)),
		indegree:  make(map[string]int, len(nodeConfigs)),
		registry:  nodeRegistry,
	}

	var explicitStart string
	for _, nodeCfg := range nodeConfigs {
		node, err := nodeRegistry.Build(nodeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build node %s: %w", nodeCfg.ID, err)
		}
		if _, exists := engine.nodes[nodeCfg.ID]; exists {
			return nil, fmt.Errorf("duplicate node id: %s", nodeCfg.ID)
		}
		engine.nodes[nodeCfg.ID] = node
		engine.order = append(engine.order, nodeCfg.ID)
		engine.indegree[nodeCfg.ID] = 0
		if nodeCfg.Start && explicitStart == "" {
			explicitStart = nodeCfg.ID
		}
		if node.Category() == CategoryEnd && engine.endID == "" {
			engine.endID = nodeCfg.ID
		}
	}

	edges := cfg.Edges
	if len(edges) == 0 {
		for _, nodeCfg := range nodeConfigs {
			for _, target := range nodeCfg.Connections {
				edges = append(edges, EdgeConfig{Source: nodeCfg.ID, Target: target})
			}
		}
	}
	for _, edge := range edges {
		if err := engine.addEdge(edge); err != nil {
			return nil, err
		}
	}

	engine.startID = engine.chooseStart(explicitStart)
	return engine, nil
}

// ensureTerminals prepends a start node and appends an end node when the
// definition lacks them, wiring them into the chain.
func ensureTerminals(nodes []NodeConfig) []NodeConfig {
	hasStart, hasEnd := false, false
	for _, nodeCfg := range nodes {
		switch {
		case nodeCfg.Implementation == "start" || nodeCfg.Category == CategoryStart:
			hasStart = true
		case nodeCfg.Implementation == "end" || nodeCfg.Category == CategoryEnd:
			hasEnd = true
		}
	}

	out := make([]NodeConfig, 0, len(nodes)+2)
	if !hasStart {
		out = append(out, NodeConfig{
			ID:             "start",
			Implementation: "start",
			Connections:    []string{nodes[0].ID},
		})
	}
	out = append(out, nodes...)
	if !hasEnd {
		last := out[len(out)-1]
		out = append(out, NodeConfig{ID: "end", Implementation: "end"})
		if len(last.Connections) == 0 {
			out[len(out)-2].Connections = []string{"end"}
		}
	}
	return out
}

func (e *Engine) addEdge(edge EdgeConfig) error {
	if _, ok := e.nodes[edge.Source]; !ok {
		return fmt.Errorf("edge references unknown source node: %s", edge.Source)
	}
	if _, ok := e.nodes[edge.Target]; !ok {
		return fmt.Errorf("edge references unknown target node: %s", edge.Target)
	}
	targets := e.adjacency[edge.Source]
	if edge.SourceIndex != nil && *edge.SourceIndex >= 0 && *edge.SourceIndex <= len(targets) {
		idx := *edge.SourceIndex
		targets = append(targets[:idx], append([]string{edge.Target}, targets[idx:]...)...)
	} else {
		targets = append(targets, edge.Target)
	}
	e.adjacency[edge.Source] = targets
	e.indegree[edge.Target]++
	return nil
}

// chooseStart: explicit argument, START category, "start" implementation,
// first zero in-degree node, first node.
func (e *Engine) chooseStart(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, id := range e.order {
		if e.nodes[id].Category() == CategoryStart {
			return id
		}
	}
	for _, id := range e.order {
		if e.nodes[id].Implementation() == "start" {
			return id
		}
	}
	for _, id := range e.order {
		if e.indegree[id] == 0 {
			return id
		}
	}
	return e.order[0]
}

// StartID exposes the resolved start node.
func (e *Engine) StartID() string { return e.startID }

// EndID exposes the resolved end node.
func (e *Engine) EndID() string { return e.endID }

// Nodes lists node ids in insertion order.
func (e *Engine) Nodes() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// SetMountProvider installs the environment hook.
func (e *Engine) SetMountProvider(provider MountProvider) { e.mountProvider = provider }

// SetOnChunk installs the chunk transform hook.
func (e *Engine) SetOnChunk(hook ChunkHook) { e.onChunk = hook }

// SetOnFinal installs the final chunk observer.
func (e *Engine) SetOnFinal(hook FinalHook) { e.onFinal = hook }

// Run executes the flow synchronously and returns the produced messages.
func (e *Engine) Run(ctx context.Context, run *Run, start string) ([]protocol.Message, error) {
	stream, err := e.RunStream(ctx, run, start)
	if err != nil {
		return nil, err
	}
	var messages []protocol.Message
	for chunk := range stream {
		switch chunk.Type {
		case protocol.ChunkTypeFinal:
			msg := protocol.NewMessage(protocol.MessageTypeAssistant, chunk.Content)
			msg.SessionID = run.SessionID
			msg.UserID = run.UserID
			msg.AgentName = chunk.AgentName
			messages = append(messages, msg)
		case protocol.ChunkTypeError, protocol.ChunkTypeNodeError:
			return messages, fmt.Errorf("flow execution failed: %s", chunk.Content)
		}
	}
	return messages, nil
}

// RunStream walks the graph from the start node, streaming every chunk.
func (e *Engine) RunStream(ctx context.Context, run *Run, start string) (<-chan protocol.Chunk, error) {
	startID := start
	if startID == "" {
		startID = e.startID
	}
	if _, ok := e.nodes[startID]; !ok {
		return nil, fmt.Errorf("unknown start node: %s", startID)
	}

	out := make(chan protocol.Chunk, 100)
	go func() {
		defer close(out)
		e.walk(ctx, run, startID, out)
	}()
	return out, nil
}

func (e *Engine) walk(ctx context.Context, run *Run, startID string, out chan<- protocol.Chunk) {
	currentID := startID
	sawFinal := false
	var toolsUsed []string

	for step := 0; step < maxSteps; step++ {
		node := e.nodes[currentID]

		if !e.emit(ctx, out, run, e.nodeStartChunk(node)) {
			return
		}
		if err := e.mount(node); err != nil {
			chunk := protocol.NewChunk(protocol.ChunkTypeNodeError, err.Error())
			chunk = chunk.WithMeta(protocol.MetaNodeID, node.ID())
			e.emit(ctx, out, run, chunk)
			break
		}

		output, failed := e.runNode(ctx, run, node, out, &sawFinal, &toolsUsed)

		complete := protocol.NewChunk(protocol.ChunkTypeNodeComplete, "")
		complete = complete.WithMeta(protocol.MetaNodeID, node.ID())
		complete = complete.WithMeta(protocol.MetaOutput, output)
		if node.Category() == CategoryRouter {
			if label := routerBranchLabel(run); label != "" {
				complete = complete.WithMeta(protocol.MetaSelectedBranch, label)
			}
		}
		if failed {
			complete = complete.WithMeta(protocol.MetaStatus, "failed")
		}
		if !e.emit(ctx, out, run, complete) {
			return
		}
		if failed {
			break
		}

		if node.Category() == CategoryEnd {
			break
		}
		nextID, ok := e.nextNode(run, node)
		if !ok {
			break
		}
		currentID = nextID
	}

	if !sawFinal {
		final := protocol.NewChunk(protocol.ChunkTypeFinal, run.LastOutput())
		final.IsEnd = true
		if !e.emitFinal(ctx, out, run, final) {
			return
		}
	}

	done := protocol.NewChunk(protocol.ChunkTypeDone, "")
	done.IsEnd = true
	done = done.WithMeta(protocol.MetaToolsUsed, toolsUsed)
	e.emit(ctx, out, run, done)
}

// routerBranchLabel reads the branch the router just recorded, as the label
// the frontend renders on the node.
func routerBranchLabel(run *Run) string {
	decision, _ := run.StateGet("router_decision")
	m, ok := decision.(map[string]any)
	if !ok {
		return ""
	}
	branch, ok := m["selected_branch"].(bool)
	if !ok {
		return ""
	}
	return strconv.FormatBool(branch)
}

// runNode streams one node, forwarding chunks and accumulating its textual
// output. Returns the accumulated output and whether the node failed.
func (e *Engine) runNode(ctx context.Context, run *Run, node Node, out chan<- protocol.Chunk, sawFinal *bool, toolsUsed *[]string) (string, bool) {
	stream, err := node.ExecuteStream(ctx, run)
	if err != nil {
		chunk := protocol.NewChunk(protocol.ChunkTypeNodeError, err.Error())
		chunk = chunk.WithMeta(protocol.MetaNodeID, node.ID())
		e.emit(ctx, out, run, chunk)
		return "", true
	}

	var output strings.Builder
	failed := false
	for chunk := range stream {
		switch chunk.Type {
		case protocol.ChunkTypeContent, protocol.ChunkTypeToolResult:
			output.WriteString(chunk.Content)
			if chunk.Type == protocol.ChunkTypeToolResult {
				if name := chunk.MetaString(protocol.MetaToolName); name != "" {
					*toolsUsed = append(*toolsUsed, name)
				}
			}
		case protocol.ChunkTypeNodeError, protocol.ChunkTypeError:
			failed = true
		case protocol.ChunkTypeFinal:
			// Mid-flow finals are progress markers; only the end node's
			// final reaches the caller.
			if node.Category() != CategoryEnd {
				continue
			}
			*sawFinal = true
			if !e.emitFinal(ctx, out, run, chunk) {
				return output.String(), failed
			}
			continue
		}
		if !e.emit(ctx, out, run, chunk) {
			return output.String(), failed
		}
	}
	return output.String(), failed
}

// nextNode picks the successor. Routers pick a branch from the recorded
// decision; everything else follows the first connection.
func (e *Engine) nextNode(run *Run, node Node) (string, bool) {
	targets := e.adjacency[node.ID()]
	if len(targets) == 0 {
		targets = node.Connections()
	}
	if len(targets) == 0 {
		return "", false
	}

	selected := targets[0]
	if node.Category() == CategoryRouter {
		if decision, ok := run.StateGet("router_decision"); ok {
			if m, ok := decision.(map[string]any); ok {
				if branch, ok := m["selected_branch"].(bool); ok && !branch && len(targets) > 1 {
					selected = targets[1]
				}
			}
		}
	}
	if _, ok := e.nodes[selected]; !ok {
		slog.Warn("flow edge points at unknown node", "source", node.ID(), "target", selected)
		return "", false
	}
	return selected, true
}

func (e *Engine) mount(node Node) error {
	mountable, ok := node.(Mountable)
	if !ok || !mountable.RequiresMount() {
		return nil
	}
	if e.mountProvider == nil {
		return nil
	}
	if err := e.mountProvider(mountable.MountSpec()); err != nil {
		return fmt.Errorf("failed to mount environment for node %s: %w", node.ID(), err)
	}
	return nil
}

func (e *Engine) nodeStartChunk(node Node) protocol.Chunk {
	chunk := protocol.NewChunk(protocol.ChunkTypeNodeStart, "")
	chunk = chunk.WithMeta(protocol.MetaNodeID, node.ID())
	chunk = chunk.WithMeta(protocol.MetaNodeCategory, node.Category())
	chunk = chunk.WithMeta(protocol.MetaNodeImplementation, node.Implementation())
	chunk = chunk.WithMeta(protocol.MetaNodeName, node.Name())
	chunk = chunk.WithMeta(protocol.MetaNodeLabel, node.Label())
	return chunk
}

// emit applies hooks and sends. Returns false when the context is done.
func (e *Engine) emit(ctx context.Context, out chan<- protocol.Chunk, run *Run, chunk protocol.Chunk) bool {
	chunk.SessionID = run.SessionID
	if chunk.AgentName == "" {
		chunk.AgentName = run.AgentName
	}
	if e.onChunk != nil {
		transformed := e.onChunk(chunk)
		if transformed == nil {
			return true
		}
		chunk = *transformed
	}
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) emitFinal(ctx context.Context, out chan<- protocol.Chunk, run *Run, chunk protocol.Chunk) bool {
	chunk.IsEnd = true
	chunk.SessionID = run.SessionID
	if chunk.AgentName == "" {
		chunk.AgentName = run.AgentName
	}
	if e.onFinal != nil {
		e.onFinal(chunk)
	}
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
