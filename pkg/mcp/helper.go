// Package mcp manages connections to MCP (Model Context Protocol) servers.
// Connections are opened lazily on first use; a failed connection is not
// cached, so a flaky server does not poison the pool.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/llms"
)

// ToolDescriptor describes one tool exposed by an MCP server.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// connection abstracts the transport behind one connected server.
type connection interface {
	listTools(ctx context.Context) ([]ToolDescriptor, error)
	callTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	close() error
}

// Helper is the MCP connection manager shared by the tool registry and the
// API surface.
type Helper struct {
	mu      sync.Mutex
	servers map[string]config.MCPServerConfig
	conns   map[string]connection
}

func NewHelper(servers []config.MCPServerConfig) *Helper {
	h := &Helper{
		servers: make(map[string]config.MCPServerConfig),
		conns:   make(map[string]connection),
	}
	for _, server := range servers {
		h.servers[server.Name] = server
	}
	return h
}

// AddServer registers or replaces a server config. An existing connection
// under the same name is dropped.
func (h *Helper) AddServer(cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, ok := h.conns[cfg.Name]; ok {
		_ = conn.close()
		delete(h.conns, cfg.Name)
	}
	h.servers[cfg.Name] = cfg
	return nil
}

// RemoveServer drops the server and closes its connection if open.
func (h *Helper) RemoveServer(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, ok := h.conns[name]; ok {
		_ = conn.close()
		delete(h.conns, name)
	}
	delete(h.servers, name)
}

// GetAvailableServices lists configured server names, sorted.
func (h *Helper) GetAvailableServices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.servers))
	for name := range h.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetTools lists the tools of one server, connecting on demand.
func (h *Helper) GetTools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	conn, err := h.getConnection(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.listTools(ctx)
}

// CallTool invokes a tool on a server, connecting on demand.
func (h *Helper) CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	conn, err := h.getConnection(ctx, server)
	if err != nil {
		return nil, err
	}
	result, err := conn.callTool(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("mcp tool '%s/%s' failed: %w", server, tool, err)
	}
	return result, nil
}

func (h *Helper) getConnection(ctx context.Context, server string) (connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, ok := h.conns[server]; ok {
		return conn, nil
	}

	cfg, ok := h.servers[server]
	if !ok {
		return nil, fmt.Errorf("mcp server '%s' not configured", server)
	}

	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mcp server '%s': %w", server, err)
	}
	h.conns[server] = conn

	slog.Info("connected to mcp server", "name", server, "transport", cfg.Transport)
	return conn, nil
}

func dial(ctx context.Context, cfg config.MCPServerConfig) (connection, error) {
	switch cfg.Transport {
	case "stdio", "":
		return newStdioConnection(ctx, cfg)
	case "sse", "streamable_http":
		return newHTTPConnection(ctx, cfg)
	case "websocket":
		return nil, fmt.Errorf("websocket transport is not supported")
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// Close drops every open connection.
func (h *Helper) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, conn := range h.conns {
		if err := conn.close(); err != nil {
			slog.Warn("failed to close mcp connection", "name", name, "error", err)
		}
		delete(h.conns, name)
	}
}

// SummarizeTools asks the LLM for one-line display descriptions keyed by
// tool name. Falls back to the raw descriptions on any failure.
func (h *Helper) SummarizeTools(ctx context.Context, provider llms.Provider, server string) (map[string]string, error) {
	tools, err := h.GetTools(ctx, server)
	if err != nil {
		return nil, err
	}

	summaries := make(map[string]string, len(tools))
	for _, tool := range tools {
		summaries[tool.Name] = tool.Description
	}
	if provider == nil || len(tools) == 0 {
		return summaries, nil
	}

	var b strings.Builder
	for _, tool := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
	}
	prompt := "Rewrite each tool description as a single short sentence. " +
		"Answer one line per tool in the form 'name: description'.\n\n" + b.String()

	text, err := provider.Generate(ctx, llms.SystemUser("", prompt))
	if err != nil {
		slog.Debug("tool summarization failed, using raw descriptions", "server", server, "error", err)
		return summaries, nil
	}

	for _, line := range strings.Split(text, "\n") {
		name, desc, ok := strings.Cut(strings.TrimPrefix(strings.TrimSpace(line), "- "), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if _, known := summaries[name]; known {
			summaries[name] = strings.TrimSpace(desc)
		}
	}
	return summaries, nil
}
