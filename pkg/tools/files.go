package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// workspacePath resolves a user-supplied path inside the workspace root and
// rejects escapes.
func workspacePath(workspace, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path parameter is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}

	resolved := filepath.Join(workspace, filepath.Clean(path))
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// ReadFileTool reads files under the workspace root.
type ReadFileTool struct {
	workspace string
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"title=path,description=Workspace-relative file path"`
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) GetName() string        { return "read_file" }
func (t *ReadFileTool) GetDescription() string { return "Read a file from the workspace" }
func (t *ReadFileTool) ContainerType() string  { return ContainerFile }

func (t *ReadFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Workspace-relative file path", Required: true},
		},
		InputSchema: SchemaFor[readFileArgs](),
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := args["path"].(string)
	resolved, err := workspacePath(t.workspace, path)
	if err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}
	return successResult(t.GetName(), string(data), map[string]any{
		"path": path,
		"size": len(data),
	}), nil
}

// WriteFileTool writes files under the workspace root, creating parent
// directories as needed.
type WriteFileTool struct {
	workspace string
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"title=path,description=Workspace-relative file path"`
	Content string `json:"content" jsonschema:"title=content,description=File content to write"`
}

func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

func (t *WriteFileTool) GetName() string        { return "write_file" }
func (t *WriteFileTool) GetDescription() string { return "Write a file into the workspace" }
func (t *WriteFileTool) ContainerType() string  { return ContainerFile }

func (t *WriteFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Workspace-relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content to write", Required: true},
		},
		InputSchema: SchemaFor[writeFileArgs](),
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	resolved, err := workspacePath(t.workspace, path)
	if err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}
	return successResult(t.GetName(), fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		map[string]any{"path": path, "size": len(content)}), nil
}
