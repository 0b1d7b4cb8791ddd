// Package embedders provides text embedding providers for the retrieval
// pipeline. Providers speak HTTP directly; there are no SDK dependencies.
package embedders

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/registry"
)

// Embedder turns text into dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	GetDimension() int
	GetModelName() string
	Close() error
}

// EmbedderRegistry holds named embedder instances.
type EmbedderRegistry struct {
	*registry.BaseRegistry[Embedder]
}

func NewEmbedderRegistry() *EmbedderRegistry {
	return &EmbedderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Embedder](),
	}
}

// CreateFromConfig builds an embedder from config and registers it under name.
func (r *EmbedderRegistry) CreateFromConfig(name string, cfg *config.EmbedderProviderConfig) (Embedder, error) {
	if name == "" {
		return nil, fmt.Errorf("embedder name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	var embedder Embedder
	var err error
	switch cfg.Type {
	case "openai":
		embedder, err = NewOpenAIEmbedder(cfg)
	case "ollama":
		embedder, err = NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	if err := r.Register(name, embedder); err != nil {
		return nil, err
	}
	return embedder, nil
}

// GetEmbedder returns a registered embedder by name.
func (r *EmbedderRegistry) GetEmbedder(name string) (Embedder, error) {
	embedder, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("embedder '%s' not found", name)
	}
	return embedder, nil
}
