package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/store"
)

// FlowDrivenAgent answers by walking a flow graph instead of prompting the
// LLM directly. Node activity is persisted as message nodes so the frontend
// can replay the execution trace.
type FlowDrivenAgent struct {
	BaseAgent
	flowCfg *flow.FlowConfig
}

func NewFlowDrivenAgent(name string, flowCfg *flow.FlowConfig, services *Services) *FlowDrivenAgent {
	return &FlowDrivenAgent{
		BaseAgent: newBaseAgent(name, services),
		flowCfg:   flowCfg,
	}
}

func (a *FlowDrivenAgent) ProcessMessageStream(ctx context.Context, req *Request) (<-chan protocol.Chunk, error) {
	if a.flowCfg == nil {
		return nil, fmt.Errorf("agent %s has no flow definition", a.name)
	}
	req.normalize()

	engine, err := flow.BuildFromConfig(a.flowCfg, flow.NewNodeRegistry())
	if err != nil {
		return nil, fmt.Errorf("failed to build flow for agent %s: %w", a.name, err)
	}

	deps := &flow.Deps{
		LLM:       a.services.LLM,
		Tools:     a.services.Tools,
		Knowledge: a.services.Knowledge,
		Workspace: a.services.Workspace,
	}
	runCtx := map[string]any{
		"agent_name": a.name,
		"session_id": req.SessionID,
	}
	for k, v := range req.Context {
		runCtx[k] = v
	}
	run := flow.NewRun(req.UserID, req.Message, runCtx, req.Pipeline, deps)
	run.AgentName = a.name

	messageID := a.assistantMessageID(req)
	engine.SetOnChunk(func(chunk protocol.Chunk) *protocol.Chunk {
		a.persistNodeChunk(ctx, req, messageID, chunk)
		return &chunk
	})

	agentCtx := a.agentContext(ctx, req.UserID, req.SessionID)
	engine.SetOnFinal(func(chunk protocol.Chunk) {
		a.appendTurn(agentCtx, req.Message, chunk.Content)
		a.rememberTurn(ctx, req, chunk.Content)
	})

	stream, err := engine.RunStream(ctx, run, "")
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// assistantMessageID ties persisted node traces to the assistant message the
// caller is about to store. The caller passes it through the request context;
// a fresh id is minted when absent.
func (a *FlowDrivenAgent) assistantMessageID(req *Request) string {
	if v, ok := req.Context["assistant_message_id"].(string); ok && v != "" {
		return v
	}
	id := uuid.NewString()
	req.Context["assistant_message_id"] = id
	return id
}

// persistNodeChunk writes node lifecycle chunks to the store. Persistence
// failures are logged, never surfaced to the stream.
func (a *FlowDrivenAgent) persistNodeChunk(ctx context.Context, req *Request, messageID string, chunk protocol.Chunk) {
	if a.services.Store == nil || req.SessionID == "" {
		return
	}
	switch chunk.Type {
	case protocol.ChunkTypeNodeStart, protocol.ChunkTypeNodeComplete,
		protocol.ChunkTypeNodeError, protocol.ChunkTypeFlowNodesExtend:
	default:
		return
	}

	node := &store.MessageNode{
		MessageID: messageID,
		SessionID: req.SessionID,
		NodeID:    chunk.MetaString(protocol.MetaNodeID),
		NodeType:  string(chunk.Type),
		NodeName:  chunk.MetaString(protocol.MetaNodeName),
		Content:   chunk.Content,
		Metadata:  chunk.Metadata,
	}
	if err := a.services.Store.AppendMessageNode(ctx, node); err != nil {
		slog.Warn("failed to persist message node",
			"agent", a.name, "session_id", req.SessionID,
			"node_id", node.NodeID, "error", err)
	}
}
