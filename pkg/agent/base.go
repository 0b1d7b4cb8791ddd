package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/pipeline"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/tools"
)

const (
	// historyWindow is how many prior messages enter the prompt.
	historyWindow = 10

	// historyTokenBudget caps the prompt history even within the window.
	historyTokenBudget = 4000
)

// AgentContext is the per-user conversation state an agent keeps across
// requests.
type AgentContext struct {
	UserID    string
	SessionID string
	Messages  []llms.Message
	Metadata  map[string]any
}

// BaseAgent carries the shared state and helpers of all agent kinds.
type BaseAgent struct {
	name     string
	services *Services

	boundTools          []string
	boundKnowledgeBases []string

	mu       sync.Mutex
	contexts map[string]*AgentContext
}

func newBaseAgent(name string, services *Services) BaseAgent {
	if services == nil {
		services = &Services{}
	}
	return BaseAgent{
		name:     name,
		services: services,
		contexts: make(map[string]*AgentContext),
	}
}

func (a *BaseAgent) Name() string { return a.name }

// BindTools restricts the agent to named tools.
func (a *BaseAgent) BindTools(names []string) { a.boundTools = names }

// BindKnowledgeBases attaches knowledge bases consulted before answering.
func (a *BaseAgent) BindKnowledgeBases(ids []string) { a.boundKnowledgeBases = ids }

// agentContext restores or creates the per-user context. When absent and a
// store plus session id are available, the message list is rebuilt from
// persisted chat messages.
func (a *BaseAgent) agentContext(ctx context.Context, userID, sessionID string) *AgentContext {
	a.mu.Lock()
	agentCtx, ok := a.contexts[userID]
	a.mu.Unlock()
	if ok {
		if sessionID != "" {
			agentCtx.SessionID = sessionID
		}
		return agentCtx
	}

	agentCtx = &AgentContext{
		UserID:    userID,
		SessionID: sessionID,
		Metadata:  make(map[string]any),
	}
	if a.services.Store != nil && sessionID != "" {
		persisted, err := a.services.Store.ListMessages(ctx, sessionID)
		if err != nil {
			slog.Warn("failed to rebuild agent context from session",
				"agent", a.name, "session_id", sessionID, "error", err)
		}
		for _, msg := range persisted {
			role := "user"
			if msg.Role == string(protocol.MessageTypeAssistant) {
				role = "assistant"
			} else if msg.Role != string(protocol.MessageTypeUser) {
				continue
			}
			agentCtx.Messages = append(agentCtx.Messages, llms.Message{Role: role, Content: msg.Content})
		}
	}

	a.mu.Lock()
	a.contexts[userID] = agentCtx
	a.mu.Unlock()
	return agentCtx
}

// appendTurn records a completed exchange on the agent context.
func (a *BaseAgent) appendTurn(agentCtx *AgentContext, userMessage, response string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agentCtx.Messages = append(agentCtx.Messages,
		llms.Message{Role: "user", Content: userMessage},
		llms.Message{Role: "assistant", Content: response},
	)
}

// buildConversationHistory returns the recent window of messages plus the
// current one, trimmed to the token budget oldest-first.
func (a *BaseAgent) buildConversationHistory(agentCtx *AgentContext, current string) []llms.Message {
	a.mu.Lock()
	recent := agentCtx.Messages
	a.mu.Unlock()

	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	budget := historyTokenBudget - countTokens(current)
	kept := make([]llms.Message, 0, len(recent)+1)
	for i := len(recent) - 1; i >= 0; i-- {
		cost := countTokens(recent[i].Content)
		if budget-cost < 0 {
			break
		}
		budget -= cost
		kept = append(kept, recent[i])
	}
	// Reverse back to chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return append(kept, llms.Message{Role: "user", Content: current})
}

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// countTokens measures text with cl100k_base, falling back to a byte
// estimate when the encoding is unavailable.
func countTokens(text string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, estimating token counts", "error", err)
			return
		}
		tokenizer = enc
	})
	if tokenizer != nil {
		return len(tokenizer.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// rememberTurn writes the exchange into the pipeline memory buckets.
func (a *BaseAgent) rememberTurn(ctx context.Context, req *Request, response string) {
	dims := pipeline.Dims{UserID: req.UserID, TopicID: req.SessionID, AgentID: a.name}
	req.Pipeline.RememberDialogTurn(ctx, dims, req.Message, response)
}

// ExecuteTool validates required parameters against the tool's schema, then
// runs it through the registry.
func (a *BaseAgent) ExecuteTool(ctx context.Context, name string, params map[string]any) (tools.ToolResult, error) {
	if a.services.Tools == nil {
		return tools.ToolResult{}, fmt.Errorf("agent %s has no tool registry", a.name)
	}
	tool, ok := a.services.Tools.Get(name)
	if !ok {
		return tools.ToolResult{}, fmt.Errorf("tool '%s' not found", name)
	}
	for _, param := range tool.GetInfo().Parameters {
		if param.Required {
			if _, present := params[param.Name]; !present {
				return tools.ToolResult{}, fmt.Errorf("tool '%s' missing required parameter: %s", name, param.Name)
			}
		}
	}
	return a.services.Tools.Execute(ctx, name, params)
}

// SearchMemory queries the in-process pipeline first, then the durable
// memories store.
func (a *BaseAgent) SearchMemory(ctx context.Context, req *Request, term string, limit int) []string {
	dims := pipeline.Dims{UserID: req.UserID, TopicID: req.SessionID, AgentID: a.name}
	hits := req.Pipeline.SearchMemory(ctx, dims, term, limit)
	if len(hits) >= limit || a.services.Store == nil {
		return hits
	}
	userID := dims.UserID
	if userID == "" {
		userID = pipeline.DefaultUserID
	}
	records, err := a.services.Store.SearchMemories(ctx, userID, a.name, term, limit-len(hits))
	if err != nil {
		slog.Warn("memory store search failed", "agent", a.name, "error", err)
		return hits
	}
	seen := make(map[string]bool, len(hits))
	for _, hit := range hits {
		seen[hit] = true
	}
	for _, record := range records {
		if !seen[record.Content] {
			hits = append(hits, record.Content)
			seen[record.Content] = true
		}
	}
	return hits
}
