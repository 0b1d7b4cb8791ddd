package config

import "fmt"

// DatabaseConfig configures the relational store.
//
// Example YAML:
//
//	database:
//	  driver: sqlite
//	  path: .loom/loom.db
type DatabaseConfig struct {
	// Driver is the SQL driver: "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver"`

	// Path is the database file path (sqlite only).
	Path string `yaml:"path,omitempty"`

	// DSN is the connection string (postgres/mysql).
	DSN string `yaml:"dsn,omitempty"`

	// MaxConns limits open connections.
	MaxConns int `yaml:"max_conns,omitempty"`

	// MaxIdle limits idle connections.
	MaxIdle int `yaml:"max_idle,omitempty"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = ".loom/loom.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("path is required for sqlite")
		}
	case "postgres", "mysql":
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for %s", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres, mysql)", c.Driver)
	}
	return nil
}

// ConnectionString returns the driver-specific DSN.
func (c *DatabaseConfig) ConnectionString() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return c.DSN
}

// VectorStoreConfig configures the vector database used for chunk recall.
type VectorStoreConfig struct {
	// Type is the vector store type: "chromem" (embedded) or "qdrant".
	Type string `yaml:"type"`

	// PersistPath for chromem file persistence (empty = in-memory).
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for chromem persistence.
	Compress bool `yaml:"compress,omitempty"`

	// Host for qdrant.
	Host string `yaml:"host,omitempty"`

	// Port is the qdrant gRPC port.
	Port int `yaml:"port,omitempty"`

	// APIKey for authenticated qdrant access.
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS for qdrant.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Type == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
}

func (c *VectorStoreConfig) Validate() error {
	switch c.Type {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported vector store type: %s", c.Type)
	}
	return nil
}
