package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/httpclient"
)

// OllamaProvider calls a local Ollama server's chat API.
type OllamaProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

func NewOllamaProvider(cfg *config.LLMProviderConfig) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return &OllamaProvider{
		config:     cfg,
		httpClient: newProviderHTTPClient(cfg),
	}, nil
}

func (p *OllamaProvider) GetModelName() string {
	return p.config.Model
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.post(ctx, ollamaRequest{
		Model:    p.config.Model,
		Messages: messages,
		Options:  map[string]any{"temperature": p.config.Temperature},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := p.stream(ctx, outputCh, messages); err != nil {
			outputCh <- StreamChunk{Type: "error", Err: err}
		}
	}()
	return outputCh, nil
}

func (p *OllamaProvider) post(ctx context.Context, request ollamaRequest) (*http.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	return resp, nil
}

func (p *OllamaProvider) stream(ctx context.Context, outputCh chan<- StreamChunk, messages []Message) error {
	resp, err := p.post(ctx, ollamaRequest{
		Model:    p.config.Model,
		Messages: messages,
		Stream:   true,
		Options:  map[string]any{"temperature": p.config.Temperature},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Ollama streams newline-delimited JSON objects.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	totalTokens := 0

	for scanner.Scan() {
		var chunk ollamaResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			select {
			case outputCh <- StreamChunk{Type: "text", Text: chunk.Message.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if chunk.Done {
			totalTokens = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}
