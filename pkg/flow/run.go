package flow

import (
	"context"

	"github.com/loomworks/loom/pkg/databases"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/pipeline"
	"github.com/loomworks/loom/pkg/tools"
)

// KnowledgeSearcher answers knowledge-base queries for knowledge nodes.
type KnowledgeSearcher interface {
	Search(ctx context.Context, kbID, query string, topK int) ([]databases.SearchResult, error)
}

// Deps are the shared services nodes call into.
type Deps struct {
	LLM       llms.Provider
	Tools     *tools.Registry
	Knowledge KnowledgeSearcher
	Workspace string
}

// Run is the per-request execution context threaded through every node.
type Run struct {
	UserID    string
	AgentName string
	SessionID string
	Message   string
	Context   map[string]any
	Pipeline  *pipeline.Pipeline
	Deps      *Deps
}

func NewRun(userID, message string, ctx map[string]any, p *pipeline.Pipeline, deps *Deps) *Run {
	if p == nil {
		p = pipeline.New()
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	run := &Run{
		UserID:   userID,
		Message:  message,
		Context:  ctx,
		Pipeline: p,
		Deps:     deps,
	}
	if v, ok := ctx["agent_name"].(string); ok {
		run.AgentName = v
	}
	if v, ok := ctx["session_id"].(string); ok {
		run.SessionID = v
	}
	return run
}

// StateGet reads a flow state variable.
func (r *Run) StateGet(key string) (any, bool) {
	return r.Pipeline.Get(pipeline.NamespaceFlowState, key)
}

// StateSet writes a flow state variable.
func (r *Run) StateSet(key string, value any) {
	r.Pipeline.Put(pipeline.NamespaceFlowState, key, value)
}

// StateVars returns the flow state plus the current message, the variable
// set templates render against.
func (r *Run) StateVars() map[string]any {
	vars := r.Pipeline.Namespace(pipeline.NamespaceFlowState)
	vars["message"] = r.Message
	return vars
}

// LastOutput reads flow_state.last_output.
func (r *Run) LastOutput() string {
	value, _ := r.StateGet("last_output")
	s, _ := value.(string)
	return s
}

// appendNodeOutput records a node's output under flow_state.nodes.
func (r *Run) appendNodeOutput(nodeID, output string) {
	value, _ := r.StateGet("nodes")
	nodes, _ := value.(map[string]any)
	if nodes == nil {
		nodes = make(map[string]any)
	}
	entry, _ := nodes[nodeID].(map[string]any)
	if entry == nil {
		entry = make(map[string]any)
	}
	entry["outputs"] = append(toStringSlice(entry["outputs"]), output)
	nodes[nodeID] = entry
	r.StateSet("nodes", nodes)
}

// NodeOutputs returns the recorded outputs of one node.
func (r *Run) NodeOutputs(nodeID string) []string {
	value, _ := r.StateGet("nodes")
	nodes, _ := value.(map[string]any)
	entry, _ := nodes[nodeID].(map[string]any)
	return toStringSlice(entry["outputs"])
}

// toStringSlice accepts both live []string values and the []any a JSON
// snapshot round-trip produces.
func toStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// derive builds a sub-run for a composite node: same identity and services,
// fresh pipeline.
func (r *Run) derive(message string) *Run {
	return &Run{
		UserID:    r.UserID,
		AgentName: r.AgentName,
		SessionID: r.SessionID,
		Message:   message,
		Context:   r.Context,
		Pipeline:  pipeline.New(),
		Deps:      r.Deps,
	}
}
