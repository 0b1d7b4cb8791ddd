// Package llms provides the LLM provider abstraction and the openai,
// anthropic and ollama implementations.
package llms

import "context"

// Message is a single conversational turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one unit of a streaming generation.
type StreamChunk struct {
	// Type: "text", "done", "error".
	Type string

	// Text carries the incremental content for "text" chunks.
	Text string

	// Tokens is the total token usage, reported on "done" when known.
	Tokens int

	// Err is set for "error" chunks.
	Err error
}

// Provider generates completions. Implementations must honor ctx deadlines
// and cancellation on every call.
type Provider interface {
	// Generate returns the full completion for the conversation.
	Generate(ctx context.Context, messages []Message) (string, error)

	// GenerateStreaming returns a channel of chunks. The channel is closed
	// when generation completes; an "error" chunk precedes the close on
	// failure.
	GenerateStreaming(ctx context.Context, messages []Message) (<-chan StreamChunk, error)

	// GetModelName returns the configured model.
	GetModelName() string

	// Close releases provider resources.
	Close() error
}

// SystemUser is a convenience constructor for the common two-message prompt.
func SystemUser(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})
	return msgs
}
