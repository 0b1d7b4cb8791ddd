// Package databases provides vector database providers for the retrieval
// engine. Embeddings are computed externally; providers only store and
// search pre-computed vectors.
package databases

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/registry"
)

// SearchResult is a single vector search hit.
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]any
}

// DatabaseProvider stores and searches vectors grouped into collections.
type DatabaseProvider interface {
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchResult, error)
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]SearchResult, error)
	Delete(ctx context.Context, collection string, id string) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
	DeleteCollection(ctx context.Context, collection string) error
	Name() string
	Close() error
}

// DatabaseRegistry holds named vector database providers.
type DatabaseRegistry struct {
	*registry.BaseRegistry[DatabaseProvider]
}

func NewDatabaseRegistry() *DatabaseRegistry {
	return &DatabaseRegistry{
		BaseRegistry: registry.NewBaseRegistry[DatabaseProvider](),
	}
}

// CreateFromConfig builds a provider from config and registers it under name.
func (r *DatabaseRegistry) CreateFromConfig(name string, cfg *config.VectorStoreConfig) (DatabaseProvider, error) {
	if name == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	var provider DatabaseProvider
	var err error
	switch cfg.Type {
	case "chromem":
		provider, err = NewChromemProvider(cfg)
	case "qdrant":
		provider, err = NewQdrantProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// GetDatabase returns a registered provider by name.
func (r *DatabaseRegistry) GetDatabase(name string) (DatabaseProvider, error) {
	provider, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("vector store '%s' not found", name)
	}
	return provider, nil
}
