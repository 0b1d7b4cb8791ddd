package embedders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
)

func TestOpenAIEmbedBatchPreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Return items reversed to exercise index-based reordering.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"embedding": []float32{float32(i)},
				"index":     i,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer server.Close()

	cfg := &config.EmbedderProviderConfig{Type: "openai", APIKey: "sk-test", Host: server.URL}
	cfg.SetDefaults()
	cfg.Host = server.URL

	embedder, err := NewOpenAIEmbedder(cfg)
	require.NoError(t, err)

	vectors, err := embedder.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{0}, vectors[0])
	assert.Equal(t, []float32{2}, vectors[2])
}

func TestOpenAIEmbedderRequiresAPIKey(t *testing.T) {
	cfg := &config.EmbedderProviderConfig{Type: "openai"}
	cfg.SetDefaults()

	_, err := NewOpenAIEmbedder(cfg)
	require.Error(t, err)
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
	}))
	defer server.Close()

	cfg := &config.EmbedderProviderConfig{Type: "ollama", Host: server.URL}
	cfg.SetDefaults()
	cfg.Host = server.URL

	embedder, err := NewOllamaEmbedder(cfg)
	require.NoError(t, err)

	vector, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vector)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	embedder := NewHashEmbedder(8)

	first, err := embedder.Embed(context.Background(), "knowledge graph")
	require.NoError(t, err)
	second, err := embedder.Embed(context.Background(), "knowledge graph")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 8)
}

func TestRegistryCreateFromConfig(t *testing.T) {
	r := NewEmbedderRegistry()
	cfg := &config.EmbedderProviderConfig{Type: "ollama"}
	cfg.SetDefaults()

	embedder, err := r.CreateFromConfig("default", cfg)
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", embedder.GetModelName())

	got, err := r.GetEmbedder("default")
	require.NoError(t, err)
	assert.Same(t, embedder, got)

	_, err = r.GetEmbedder("missing")
	require.Error(t, err)
}
