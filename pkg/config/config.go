// Package config loads and validates the service configuration.
//
// Configuration comes from a YAML file with ${VAR:-default} environment
// expansion, optionally seeded from a .env file. Every section follows the
// SetDefaults/Validate convention and recognizes the documented environment
// overrides.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig                       `yaml:"server"`
	Database  DatabaseConfig                     `yaml:"database"`
	LLMs      map[string]*LLMProviderConfig      `yaml:"llms"`
	Embedders map[string]*EmbedderProviderConfig `yaml:"embedders"`
	Vector    VectorStoreConfig                  `yaml:"vector_store"`
	Retrieval RetrievalConfig                    `yaml:"retrieval"`
	Graph     GraphConfig                        `yaml:"knowledge_graph"`
	Tools     ToolsConfig                        `yaml:"tools"`
	MCP       []MCPServerConfig                  `yaml:"mcp_servers"`
	Logging   LoggingConfig                      `yaml:"logging"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Load reads the YAML file at path, expands environment references and runs
// the defaults/validation pipeline. A missing path yields the zero config
// with defaults applied.
func Load(path string) (*Config, error) {
	// .env is best-effort: absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	return Process(cfg)
}

// Process applies env overrides and defaults, then validates.
func Process(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMProviderConfig)
	}
	if c.Embedders == nil {
		c.Embedders = make(map[string]*EmbedderProviderConfig)
	}

	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Vector.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Graph.SetDefaults()
	c.Tools.SetDefaults()
	c.Logging.SetDefaults()

	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
	for _, emb := range c.Embedders {
		emb.SetDefaults()
	}
	for i := range c.MCP {
		c.MCP[i].SetDefaults()
	}
}

func (c *Config) ApplyEnvOverrides() {
	c.Retrieval.ApplyEnvOverrides()
	c.Graph.ApplyEnvOverrides()
	c.Tools.ApplyEnvOverrides()
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector_store: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("knowledge_graph: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm %s: %w", name, err)
		}
	}
	for name, emb := range c.Embedders {
		if err := emb.Validate(); err != nil {
			return fmt.Errorf("embedder %s: %w", name, err)
		}
	}
	for i := range c.MCP {
		if err := c.MCP[i].Validate(); err != nil {
			return fmt.Errorf("mcp_servers[%d]: %w", i, err)
		}
	}
	return nil
}
