package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/pkg/config"
)

const protocolVersion = "2024-11-05"

// stdioConnection drives an MCP server subprocess through mcp-go.
type stdioConnection struct {
	client *client.Client
}

func newStdioConnection(ctx context.Context, cfg config.MCPServerConfig) (*stdioConnection, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required for stdio transport")
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start stdio client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "loom", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	return &stdioConnection{client: mcpClient}, nil
}

func (c *stdioConnection) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := c.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

func (c *stdioConnection) callTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	result := make(map[string]any)
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	if resp.IsError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result, nil
}

func (c *stdioConnection) close() error {
	return c.client.Close()
}
