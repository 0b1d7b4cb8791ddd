// Package tools provides the scored tool registry and its builtin, MCP and
// temporary tool sources.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// Tool types.
const (
	TypeBuiltin   = "builtin"
	TypeMCP       = "mcp"
	TypeTemporary = "temporary"
)

// Container types a tool may require from the runtime environment.
const (
	ContainerNone    = ""
	ContainerBrowser = "browser"
	ContainerFile    = "file"
)

type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type ToolInfo struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Parameters    []ToolParameter `json:"parameters,omitempty"`
	InputSchema   map[string]any  `json:"input_schema,omitempty"`
	Type          string          `json:"type,omitempty"`
	ContainerType string          `json:"container_type,omitempty"`
	Score         float64         `json:"score,omitempty"`
	IsAvailable   bool            `json:"is_available"`
}

type ToolResult struct {
	Success       bool           `json:"success"`
	Content       string         `json:"content,omitempty"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ToolName      string         `json:"tool_name"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Tool interface {
	GetInfo() ToolInfo
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
	GetName() string
	GetDescription() string
}

// ContainerAware is implemented by tools that need an external environment
// mounted before execution.
type ContainerAware interface {
	ContainerType() string
}

func successResult(name, content string, metadata map[string]any) ToolResult {
	return ToolResult{
		Success:  true,
		Content:  content,
		ToolName: name,
		Metadata: metadata,
	}
}

func errorResult(name, message string) ToolResult {
	return ToolResult{
		Success:  false,
		Error:    message,
		ToolName: name,
	}
}

// SchemaFor reflects a parameter struct into a plain JSON-schema map for
// ToolInfo.InputSchema.
func SchemaFor[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	schema := reflector.Reflect(&v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result
}
