package config

import "fmt"

// LLMProviderConfig configures an LLM provider.
//
// Example YAML:
//
//	llms:
//	  main:
//	    type: openai
//	    model: gpt-4o
//	    api_key: ${OPENAI_API_KEY}
type LLMProviderConfig struct {
	// Type is the provider type: "openai", "anthropic", "ollama".
	Type string `yaml:"type"`

	// Model is the model name.
	Model string `yaml:"model"`

	// APIKey for authenticated providers.
	APIKey string `yaml:"api_key,omitempty"`

	// Host overrides the provider base URL.
	Host string `yaml:"host,omitempty"`

	// Temperature for generation.
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps the generated response.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout in seconds for a single call.
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries for transient HTTP failures.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryDelay in seconds between retries.
	RetryDelay int `yaml:"retry_delay,omitempty"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		case "ollama":
			c.Model = "llama3"
		default:
			c.Model = "gpt-4o"
		}
	}
	if c.Host == "" {
		switch c.Type {
		case "openai":
			c.Host = "https://api.openai.com"
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "ollama":
			c.Host = "http://localhost:11434"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("unsupported llm type: %s", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// EmbedderProviderConfig configures an embedding provider.
type EmbedderProviderConfig struct {
	// Type is the provider type: "openai", "ollama".
	Type string `yaml:"type"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// APIKey for authenticated providers.
	APIKey string `yaml:"api_key,omitempty"`

	// Host overrides the provider base URL.
	Host string `yaml:"host,omitempty"`

	// Dimension of produced vectors.
	Dimension int `yaml:"dimension,omitempty"`

	// BatchSize for batch embedding calls.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Timeout in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

func (c *EmbedderProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "ollama"
	}
	if c.Model == "" {
		switch c.Type {
		case "openai":
			c.Model = "text-embedding-3-small"
		default:
			c.Model = "nomic-embed-text"
		}
	}
	if c.Host == "" {
		switch c.Type {
		case "openai":
			c.Host = "https://api.openai.com"
		case "ollama":
			c.Host = "http://localhost:11434"
		}
	}
	if c.Dimension == 0 {
		switch c.Type {
		case "openai":
			c.Dimension = 1536
		default:
			c.Dimension = 768
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
}

func (c *EmbedderProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported embedder type: %s", c.Type)
	}
	return nil
}
