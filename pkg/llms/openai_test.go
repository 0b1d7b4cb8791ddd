package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
)

func openAITestConfig(host string) *config.LLMProviderConfig {
	cfg := &config.LLMProviderConfig{Type: "openai", Model: "gpt-4o", APIKey: "sk-test", Host: host}
	cfg.SetDefaults()
	cfg.Host = host
	return cfg
}

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello from the model"}},
			},
		})
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	text, err := provider.Generate(context.Background(), SystemUser("be brief", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", text)
}

func TestOpenAIGenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprintf(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":12}}\n\n")
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	ch, err := provider.GenerateStreaming(context.Background(), SystemUser("", "hi"))
	require.NoError(t, err)

	var text string
	var tokens int
	for chunk := range ch {
		require.NotEqual(t, "error", chunk.Type)
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "done":
			tokens = chunk.Tokens
		}
	}
	assert.Equal(t, "hello", text)
	assert.Equal(t, 12, tokens)
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model overloaded"},
		})
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL))
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), SystemUser("", "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestScriptedProvider(t *testing.T) {
	p := &ScriptedProvider{Responses: []string{"one", "two"}}

	first, err := p.Generate(context.Background(), SystemUser("", "a"))
	require.NoError(t, err)
	second, err := p.Generate(context.Background(), SystemUser("", "b"))
	require.NoError(t, err)
	third, err := p.Generate(context.Background(), SystemUser("", "c"))
	require.NoError(t, err)

	assert.Equal(t, "one", first)
	assert.Equal(t, "two", second)
	assert.Equal(t, "two", third)
	assert.Equal(t, 3, p.Calls())
}
