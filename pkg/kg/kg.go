// Package kg extracts knowledge-graph triples from documents and answers
// graph queries: entity lookup, event participants, multi-hop expansion and
// shortest path. Extraction combines fixed Chinese relation rules, optional
// per-document LLM-generated rules, and an external NER service.
package kg

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

// Service is the knowledge-graph engine for all knowledge bases.
type Service struct {
	cfg   *config.GraphConfig
	store *store.Store
	llm   llms.Provider
	ner   *NERClient

	// docRules caches per-document dynamic rules.
	rulesMu  sync.Mutex
	docRules map[string][]Rule
}

// Option configures optional Service collaborators.
type Option func(*Service)

func WithLLM(provider llms.Provider) Option {
	return func(s *Service) { s.llm = provider }
}

func WithNER(client *NERClient) Option {
	return func(s *Service) { s.ner = client }
}

func NewService(cfg *config.GraphConfig, db *store.Store, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg == nil {
		cfg = &config.GraphConfig{}
		cfg.SetDefaults()
	}
	s := &Service{
		cfg:      cfg,
		store:    db,
		docRules: make(map[string][]Rule),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}
