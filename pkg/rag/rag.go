// Package rag implements knowledge-base ingestion and hybrid retrieval:
// chunking, embedding, multi-route recall (vector, keyword, sub-term),
// score fusion, graph-boosted ranking, cross-encoder reranking and LLM
// answer synthesis.
package rag

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/databases"
	"github.com/loomworks/loom/pkg/embedders"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

// GraphEnhancer supplies knowledge-graph context for retrieval. Implemented
// by pkg/kg.
type GraphEnhancer interface {
	// QueryTriples returns triples relevant to the query's entities.
	QueryTriples(ctx context.Context, kbID, query string, limit int) ([]*store.Triple, error)
}

// TripleExtractor runs triple extraction over a freshly ingested document.
// Implemented by pkg/kg.
type TripleExtractor interface {
	ExtractDocument(ctx context.Context, doc *store.Document, chunks []*store.Chunk) error
}

// Engine owns ingestion and retrieval for all knowledge bases.
type Engine struct {
	cfg       *config.RetrievalConfig
	store     *store.Store
	embedder  embedders.Embedder
	vectors   databases.DatabaseProvider
	llm       llms.Provider
	reranker  *Reranker
	graph     GraphEnhancer
	extractor TripleExtractor
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

func WithLLM(provider llms.Provider) Option {
	return func(e *Engine) { e.llm = provider }
}

func WithReranker(reranker *Reranker) Option {
	return func(e *Engine) { e.reranker = reranker }
}

func WithGraph(graph GraphEnhancer) Option {
	return func(e *Engine) { e.graph = graph }
}

func WithExtractor(extractor TripleExtractor) Option {
	return func(e *Engine) { e.extractor = extractor }
}

func NewEngine(cfg *config.RetrievalConfig, db *store.Store, embedder embedders.Embedder, vectors databases.DatabaseProvider, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg == nil {
		cfg = &config.RetrievalConfig{}
		cfg.SetDefaults()
	}
	e := &Engine{
		cfg:      cfg,
		store:    db,
		embedder: embedder,
		vectors:  vectors,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Collection names the vector collection backing a knowledge base.
func Collection(kbID string) string {
	return "kb_" + kbID
}
