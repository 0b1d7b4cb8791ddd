// Package agent implements the conversational agents: GeneralAgent talks to
// the LLM directly and drives tools itself, FlowDrivenAgent delegates to a
// flow graph. Both share the context, history and memory behavior of
// BaseAgent.
package agent

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/flow"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/pipeline"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// Agent processes user messages, producing a chunk stream.
type Agent interface {
	Name() string
	ProcessMessageStream(ctx context.Context, req *Request) (<-chan protocol.Chunk, error)
}

// Request is one user turn plus its surrounding state.
type Request struct {
	UserID    string
	SessionID string
	Message   string
	Context   map[string]any
	Pipeline  *pipeline.Pipeline
}

func (r *Request) normalize() {
	if r.UserID == "" {
		r.UserID = pipeline.DefaultUserID
	}
	if r.Context == nil {
		r.Context = map[string]any{}
	}
	if r.Pipeline == nil {
		r.Pipeline = pipeline.New()
	}
	if r.SessionID == "" {
		if v, ok := r.Context["session_id"].(string); ok {
			r.SessionID = v
		}
	}
}

// Services are the shared dependencies agents run against.
type Services struct {
	LLM       llms.Provider
	Tools     *tools.Registry
	Knowledge flow.KnowledgeSearcher
	Store     *store.Store
	Workspace string
}

// FromRecord instantiates the agent a persisted record describes.
func FromRecord(ctx context.Context, record *store.AgentRecord, services *Services) (Agent, error) {
	if record == nil {
		return nil, fmt.Errorf("agent record is required")
	}
	switch record.AgentType {
	case store.AgentTypeGeneral, store.AgentTypeChat:
		agent := NewGeneralAgent(record.Name, record.SystemPrompt, services)
		agent.BindTools(record.BoundTools)
		agent.BindKnowledgeBases(record.BoundKnowledgeBases)
		return agent, nil

	case store.AgentTypeFlowDriven:
		if record.FlowID == "" {
			return nil, fmt.Errorf("flow_driven agent %s has no flow bound", record.Name)
		}
		if services == nil || services.Store == nil {
			return nil, fmt.Errorf("flow_driven agent %s requires a store", record.Name)
		}
		flowRecord, err := services.Store.GetFlow(ctx, record.FlowID)
		if err != nil {
			return nil, fmt.Errorf("failed to load flow %s: %w", record.FlowID, err)
		}
		if flowRecord == nil {
			return nil, fmt.Errorf("flow %s not found", record.FlowID)
		}
		flowCfg, err := flow.ParseFlowConfig(flowRecord.Definition)
		if err != nil {
			return nil, err
		}
		agent := NewFlowDrivenAgent(record.Name, flowCfg, services)
		agent.BindTools(record.BoundTools)
		agent.BindKnowledgeBases(record.BoundKnowledgeBases)
		return agent, nil

	default:
		return nil, fmt.Errorf("unsupported agent type: %s", record.AgentType)
	}
}
