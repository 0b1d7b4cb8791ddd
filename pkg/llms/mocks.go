package llms

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedProvider is a deterministic Provider for tests. Responses are
// returned in order; when the script is exhausted the last response repeats.
// A Route function may override the script per prompt.
type ScriptedProvider struct {
	// Responses returned in order.
	Responses []string

	// Route, when set, picks the response from the full prompt text and
	// takes precedence over Responses.
	Route func(messages []Message) string

	// Fail makes every call return an error.
	Fail error

	mu    sync.Mutex
	calls int

	// Prompts records every conversation received.
	Prompts [][]Message
}

func (p *ScriptedProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Prompts = append(p.Prompts, messages)
	if p.Fail != nil {
		return "", p.Fail
	}
	if p.Route != nil {
		return p.Route(messages), nil
	}
	if len(p.Responses) == 0 {
		return "", fmt.Errorf("scripted provider has no responses")
	}
	idx := p.calls
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	p.calls++
	return p.Responses[idx], nil
}

func (p *ScriptedProvider) GenerateStreaming(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	outputCh := make(chan StreamChunk, 8)
	go func() {
		defer close(outputCh)
		text, err := p.Generate(ctx, messages)
		if err != nil {
			outputCh <- StreamChunk{Type: "error", Err: err}
			return
		}
		// Emit in two pieces so consumers exercise accumulation.
		if len(text) > 1 {
			mid := len(text) / 2
			outputCh <- StreamChunk{Type: "text", Text: text[:mid]}
			outputCh <- StreamChunk{Type: "text", Text: text[mid:]}
		} else {
			outputCh <- StreamChunk{Type: "text", Text: text}
		}
		outputCh <- StreamChunk{Type: "done"}
	}()
	return outputCh, nil
}

func (p *ScriptedProvider) GetModelName() string {
	return "scripted"
}

func (p *ScriptedProvider) Close() error {
	return nil
}

// Calls returns how many generations were requested.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
