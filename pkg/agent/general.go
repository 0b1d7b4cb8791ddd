package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/protocol"
)

const toolCallPrefix = "TOOL_CALL:"

const satisfactionSystemPrompt = `You judge whether a response fully answers the user's request.
Respond with a single JSON object: {"satisfied": true|false, "refined_query": "..."}.
Set refined_query only when not satisfied.`

// GeneralAgent answers directly with the LLM, consults bound knowledge
// bases, and drives tools through TOOL_CALL lines in the model output.
type GeneralAgent struct {
	BaseAgent
	systemPrompt string
}

func NewGeneralAgent(name, systemPrompt string, services *Services) *GeneralAgent {
	return &GeneralAgent{
		BaseAgent:    newBaseAgent(name, services),
		systemPrompt: systemPrompt,
	}
}

func (a *GeneralAgent) ProcessMessageStream(ctx context.Context, req *Request) (<-chan protocol.Chunk, error) {
	if a.services.LLM == nil {
		return nil, fmt.Errorf("agent %s has no LLM provider", a.name)
	}
	req.normalize()

	out := make(chan protocol.Chunk, 100)
	go func() {
		defer close(out)
		a.process(ctx, req, out)
	}()
	return out, nil
}

func (a *GeneralAgent) process(ctx context.Context, req *Request, out chan<- protocol.Chunk) {
	agentCtx := a.agentContext(ctx, req.UserID, req.SessionID)
	history := a.buildConversationHistory(agentCtx, req.Message)

	messages := append([]llms.Message{
		{Role: "system", Content: a.augmentedSystemPrompt(ctx, req)},
	}, history...)

	response, ok := a.streamLLM(ctx, messages, out)
	if !ok {
		return
	}
	accumulated := response

	calls := a.parseToolCalls(response)
	if len(calls) == 0 && len(a.boundTools) > 0 {
		calls = []toolCall{a.defaultToolCall(req.Message)}
	}

	var toolsUsed []string
	for _, call := range calls {
		result, used := a.runTool(ctx, call, out)
		if used != "" {
			toolsUsed = append(toolsUsed, used)
		}
		accumulated += result
	}

	// Satisfaction loop, once.
	if len(toolsUsed) > 0 {
		if refined, notSatisfied := a.checkSatisfaction(ctx, req.Message, accumulated); notSatisfied && refined != "" {
			call := a.defaultToolCall(refined)
			result, used := a.runTool(ctx, call, out)
			if used != "" {
				toolsUsed = append(toolsUsed, used)
			}
			accumulated += result
		}
	}

	a.appendTurn(agentCtx, req.Message, accumulated)
	a.rememberTurn(ctx, req, accumulated)

	final := protocol.NewChunk(protocol.ChunkTypeFinal, accumulated)
	final.IsEnd = true
	final.AgentName = a.name
	final.SessionID = req.SessionID
	if !send(ctx, out, final) {
		return
	}

	done := protocol.NewChunk(protocol.ChunkTypeDone, "")
	done.IsEnd = true
	done.AgentName = a.name
	done.SessionID = req.SessionID
	done = done.WithMeta(protocol.MetaToolsUsed, toolsUsed)
	send(ctx, out, done)
}

// augmentedSystemPrompt appends knowledge base context and tool usage
// instructions to the configured prompt.
func (a *GeneralAgent) augmentedSystemPrompt(ctx context.Context, req *Request) string {
	var b strings.Builder
	if a.systemPrompt != "" {
		b.WriteString(a.systemPrompt)
	} else {
		b.WriteString("You are a helpful assistant.")
	}

	if kbContext := a.knowledgeContext(ctx, req.Message); kbContext != "" {
		b.WriteString("\n\nRelevant knowledge:\n")
		b.WriteString(kbContext)
		b.WriteString("\nUse this knowledge when it answers the question.")
	}

	if len(a.boundTools) > 0 && a.services.Tools != nil {
		b.WriteString("\n\nAvailable tools:\n")
		for _, name := range a.boundTools {
			if tool, ok := a.services.Tools.Get(name); ok {
				fmt.Fprintf(&b, "- %s: %s\n", name, tool.GetDescription())
			}
		}
		b.WriteString("To use a tool, output a line exactly like:\n")
		b.WriteString(`TOOL_CALL: <tool_name> {"param": "value"}`)
	}
	return b.String()
}

func (a *GeneralAgent) knowledgeContext(ctx context.Context, query string) string {
	if a.services.Knowledge == nil || len(a.boundKnowledgeBases) == 0 {
		return ""
	}
	var b strings.Builder
	for _, kbID := range a.boundKnowledgeBases {
		results, err := a.services.Knowledge.Search(ctx, kbID, query, 3)
		if err != nil {
			continue
		}
		for _, result := range results {
			fmt.Fprintf(&b, "- %s\n", result.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// streamLLM forwards content chunks and returns the full response.
func (a *GeneralAgent) streamLLM(ctx context.Context, messages []llms.Message, out chan<- protocol.Chunk) (string, bool) {
	stream, err := a.services.LLM.GenerateStreaming(ctx, messages)
	if err != nil {
		a.emitError(ctx, out, fmt.Sprintf("generation failed: %v", err))
		return "", false
	}

	var accumulated strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case "text":
			accumulated.WriteString(chunk.Text)
			c := protocol.NewChunk(protocol.ChunkTypeContent, chunk.Text)
			c.AgentName = a.name
			if !send(ctx, out, c) {
				return accumulated.String(), false
			}
		case "error":
			msg := "generation failed"
			if chunk.Err != nil {
				msg = chunk.Err.Error()
			}
			a.emitError(ctx, out, msg)
			return accumulated.String(), false
		}
	}
	return accumulated.String(), true
}

type toolCall struct {
	name   string
	params map[string]any
}

// parseToolCalls extracts TOOL_CALL lines from the model output.
func (a *GeneralAgent) parseToolCalls(response string) []toolCall {
	var calls []toolCall
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, toolCallPrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, toolCallPrefix))
		if rest == "" {
			continue
		}
		name := rest
		params := map[string]any{}
		if idx := strings.IndexAny(rest, " \t"); idx > 0 {
			name = rest[:idx]
			if parsed, err := jsonx.ExtractObject(rest[idx+1:]); err == nil {
				params = parsed
			}
		}
		if a.isBound(name) {
			calls = append(calls, toolCall{name: name, params: params})
		}
	}
	return calls
}

func (a *GeneralAgent) isBound(name string) bool {
	for _, bound := range a.boundTools {
		if bound == name {
			return true
		}
	}
	return false
}

// defaultToolCall prefers a bound search tool, else the first bound tool,
// with the message as its query.
func (a *GeneralAgent) defaultToolCall(query string) toolCall {
	name := a.boundTools[0]
	for _, bound := range a.boundTools {
		if strings.Contains(strings.ToLower(bound), "search") {
			name = bound
			break
		}
	}
	return toolCall{name: name, params: map[string]any{"query": query}}
}

// runTool executes one call and emits tool_result plus content chunks.
// Returns the textual result and the tool name when it ran successfully.
func (a *GeneralAgent) runTool(ctx context.Context, call toolCall, out chan<- protocol.Chunk) (string, string) {
	result, err := a.services.Tools.Execute(ctx, call.name, call.params)
	if err != nil || !result.Success {
		msg := result.Error
		if err != nil {
			msg = err.Error()
		}
		chunk := protocol.NewChunk(protocol.ChunkTypeToolError, fmt.Sprintf("tool %s failed: %s", call.name, msg))
		chunk.AgentName = a.name
		chunk = chunk.WithMeta(protocol.MetaToolName, call.name)
		send(ctx, out, chunk)
		return "", ""
	}

	meta := map[string]any{
		protocol.MetaToolName:   call.name,
		protocol.MetaToolResult: result.Output,
	}
	text := "\n\n[" + call.name + "]\n" + result.Content

	toolChunk := protocol.NewChunk(protocol.ChunkTypeToolResult, result.Content)
	toolChunk.AgentName = a.name
	toolChunk.Metadata = meta
	if !send(ctx, out, toolChunk) {
		return text, call.name
	}
	contentChunk := protocol.NewChunk(protocol.ChunkTypeContent, text)
	contentChunk.AgentName = a.name
	contentChunk.Metadata = meta
	send(ctx, out, contentChunk)
	return text, call.name
}

// checkSatisfaction asks the LLM whether the accumulated response answers
// the request. Returns a refined query when it does not.
func (a *GeneralAgent) checkSatisfaction(ctx context.Context, question, response string) (string, bool) {
	prompt := fmt.Sprintf("question: %s\nresponse: %s", question, response)
	answer, err := a.services.LLM.Generate(ctx, llms.SystemUser(satisfactionSystemPrompt, prompt))
	if err != nil {
		return "", false
	}
	parsed, err := jsonx.ExtractObject(answer)
	if err != nil {
		return "", false
	}
	if satisfied, ok := parsed["satisfied"].(bool); ok && !satisfied {
		refined, _ := parsed["refined_query"].(string)
		return refined, true
	}
	return "", false
}

func (a *GeneralAgent) emitError(ctx context.Context, out chan<- protocol.Chunk, msg string) {
	chunk := protocol.NewChunk(protocol.ChunkTypeError, msg)
	chunk.AgentName = a.name
	send(ctx, out, chunk)
}

func send(ctx context.Context, out chan<- protocol.Chunk, chunk protocol.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
