package tools

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/mcp"
)

// MCPTool adapts one tool on one MCP server to the Tool interface. Names
// follow mcp_{server}_{tool}.
type MCPTool struct {
	helper     *mcp.Helper
	server     string
	remoteName string
	descriptor mcp.ToolDescriptor
}

func MCPToolName(server, tool string) string {
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// DiscoverMCPTools lists a server's tools and wraps each one.
func DiscoverMCPTools(ctx context.Context, helper *mcp.Helper, server string) ([]*MCPTool, error) {
	descriptors, err := helper.GetTools(ctx, server)
	if err != nil {
		return nil, err
	}

	wrapped := make([]*MCPTool, 0, len(descriptors))
	for _, descriptor := range descriptors {
		wrapped = append(wrapped, &MCPTool{
			helper:     helper,
			server:     server,
			remoteName: descriptor.Name,
			descriptor: descriptor,
		})
	}
	return wrapped, nil
}

func (t *MCPTool) GetName() string {
	return MCPToolName(t.server, t.remoteName)
}

func (t *MCPTool) GetDescription() string {
	return t.descriptor.Description
}

func (t *MCPTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.descriptor.Description,
		InputSchema: t.descriptor.InputSchema,
	}
}

func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	result, err := t.helper.CallTool(ctx, t.server, t.remoteName, args)
	if err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}

	out := ToolResult{
		Success:  true,
		ToolName: t.GetName(),
		Output:   result,
	}
	if errMsg, ok := result["error"].(string); ok {
		out.Success = false
		out.Error = errMsg
		return out, nil
	}
	if text, ok := result["result"].(string); ok {
		out.Content = text
	}
	return out, nil
}
