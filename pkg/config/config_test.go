package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "chromem", cfg.Vector.Type)
	assert.Equal(t, "hierarchical", cfg.Retrieval.ChunkStrategy)
	assert.Equal(t, "ner_rule", cfg.Graph.ExtractMode)
	assert.Equal(t, 3.0, cfg.Tools.DefaultScore)
	assert.Equal(t, 1.5, cfg.Tools.MinAvailableScore)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9090
llms:
  main:
    type: openai
    model: gpt-4o
    api_key: ${TEST_LLM_KEY}
retrieval:
  chunk_strategy: ${TEST_MISSING_STRATEGY:-sentence}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.LLMs["main"].APIKey)
	assert.Equal(t, "sentence", cfg.Retrieval.ChunkStrategy)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RERANKER_ENABLED", "true")
	t.Setenv("RERANKER_TOP_K", "7")
	t.Setenv("SIMILARITY_THRESHOLD", "0.6")
	t.Setenv("KG_EXTRACT_MODE", "hybrid")
	t.Setenv("TOOL_MIN_AVAILABLE_SCORE", "2.0")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Retrieval.RerankerEnabled)
	assert.Equal(t, 7, cfg.Retrieval.RerankerTopK)
	assert.Equal(t, 0.6, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, "hybrid", cfg.Graph.ExtractMode)
	assert.Equal(t, 2.0, cfg.Tools.MinAvailableScore)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Graph.ExtractMode = "telepathy"
	assert.Error(t, cfg.Validate())

	cfg = &Config{}
	cfg.SetDefaults()
	cfg.Retrieval.SimilarityThresholdMin = 0.9
	assert.Error(t, cfg.Validate())
}
