package llms

import (
	"fmt"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/registry"
)

// ProviderRegistry holds named LLM providers built from configuration.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// CreateFromConfig builds and registers a provider.
func (r *ProviderRegistry) CreateFromConfig(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
	}

	var provider Provider
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProvider(cfg)
	case "anthropic":
		provider, err = NewAnthropicProvider(cfg)
	case "ollama":
		provider, err = NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider type: %s", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider %s: %w", name, err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// GetProvider retrieves a provider by name.
func (r *ProviderRegistry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("llm provider '%s' not found", name)
	}
	return provider, nil
}
