package config

import "fmt"

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	// DefaultScore is assigned to newly registered tools.
	DefaultScore float64 `yaml:"default_score"`

	// MinAvailableScore gates execution: tools below it are unavailable.
	MinAvailableScore float64 `yaml:"min_available_score"`

	// Workspace is the directory tools may write files into.
	Workspace string `yaml:"workspace"`

	// CommandAllowlist restricts execute_command to these binaries.
	CommandAllowlist []string `yaml:"command_allowlist,omitempty"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.DefaultScore == 0 {
		c.DefaultScore = 3.0
	}
	if c.MinAvailableScore == 0 {
		c.MinAvailableScore = 1.5
	}
	if c.Workspace == "" {
		c.Workspace = ".loom/workspace"
	}
	if len(c.CommandAllowlist) == 0 {
		c.CommandAllowlist = []string{"ls", "cat", "echo", "date", "wc", "head", "tail", "grep"}
	}
}

func (c *ToolsConfig) ApplyEnvOverrides() {
	envFloat("TOOL_DEFAULT_SCORE", &c.DefaultScore)
	envFloat("TOOL_MIN_AVAILABLE_SCORE", &c.MinAvailableScore)
}

func (c *ToolsConfig) Validate() error {
	if c.DefaultScore < 1.0 || c.DefaultScore > 5.0 {
		return fmt.Errorf("default_score %v outside [1.0, 5.0]", c.DefaultScore)
	}
	if c.MinAvailableScore < 1.0 || c.MinAvailableScore > 5.0 {
		return fmt.Errorf("min_available_score %v outside [1.0, 5.0]", c.MinAvailableScore)
	}
	return nil
}

// MCPServerConfig describes one MCP server the helper may connect to.
type MCPServerConfig struct {
	// Name identifies the server in tool names (mcp_{server}_{tool}).
	Name string `yaml:"name"`

	// Transport: "stdio", "sse", "streamable_http", "websocket".
	Transport string `yaml:"transport"`

	// Command for stdio transport.
	Command string `yaml:"command,omitempty"`

	// Args for stdio transport.
	Args []string `yaml:"args,omitempty"`

	// Env for stdio transport.
	Env map[string]string `yaml:"env,omitempty"`

	// URL for HTTP transports.
	URL string `yaml:"url,omitempty"`
}

func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = "stdio"
		} else {
			c.Transport = "streamable_http"
		}
	}
}

func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case "sse", "streamable_http", "websocket":
		if c.URL == "" {
			return fmt.Errorf("url is required for %s transport", c.Transport)
		}
	default:
		return fmt.Errorf("unsupported transport: %s", c.Transport)
	}
	return nil
}
