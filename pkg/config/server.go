package config

import "fmt"

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Host to bind.
	Host string `yaml:"host"`

	// Port to listen on.
	Port int `yaml:"port"`

	// ReadTimeout in seconds.
	ReadTimeout int `yaml:"read_timeout"`

	// WriteTimeout in seconds. Zero disables the timeout, which streaming
	// responses require.
	WriteTimeout int `yaml:"write_timeout"`

	// HistoryWindow is the number of recent messages included in agent
	// conversation history.
	HistoryWindow int `yaml:"history_window"`

	// MaxHistoryTokens bounds history by token count when positive.
	MaxHistoryTokens int `yaml:"max_history_tokens"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 10
	}
	if c.MaxHistoryTokens == 0 {
		c.MaxHistoryTokens = 4000
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}
