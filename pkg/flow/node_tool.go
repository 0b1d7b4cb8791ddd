package flow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/tools"
)

type toolNodeConfig struct {
	ToolName     string         `mapstructure:"tool_name"`
	Server       string         `mapstructure:"server"`
	Tool         string         `mapstructure:"tool"`
	ToolType     string         `mapstructure:"tool_type"`
	Params       map[string]any `mapstructure:"params"`
	AutoParamKey string         `mapstructure:"auto_param_key"`
}

// ToolNode resolves and invokes one registered tool, filling missing
// required parameters from flow state.
type ToolNode struct {
	BaseNode
	cfg toolNodeConfig
}

func NewToolNode(cfg NodeConfig) (Node, error) {
	node := &ToolNode{BaseNode: newBaseNode(cfg, CategoryTool)}
	if err := decodeNodeConfig(cfg.Config, &node.cfg); err != nil {
		return nil, fmt.Errorf("invalid tool node config: %w", err)
	}
	return node, nil
}

func (n *ToolNode) RequiresMount() bool {
	return n.containerType() != tools.ContainerNone
}

func (n *ToolNode) MountSpec() MountSpec {
	return MountSpec{NodeID: n.ID(), ContainerType: n.containerType()}
}

func (n *ToolNode) containerType() string {
	// Resolved lazily against the registry at execute time; config-level
	// hints are unavailable, so mount only for known browser tools.
	if strings.Contains(n.cfg.ToolName, "search") {
		return tools.ContainerBrowser
	}
	return tools.ContainerNone
}

func (n *ToolNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	if run.Deps == nil || run.Deps.Tools == nil {
		return nil, fmt.Errorf("tool node %s has no registry", n.ID())
	}

	out := make(chan protocol.Chunk, 10)
	go func() {
		defer close(out)

		toolName, err := n.resolveToolName(run.Deps.Tools)
		if err != nil {
			n.emitError(ctx, out, err.Error())
			return
		}

		params := n.buildParams(run, toolName)
		result, err := run.Deps.Tools.Execute(ctx, toolName, params)
		if err != nil {
			n.emitError(ctx, out, fmt.Sprintf("tool %s failed: %v", toolName, err))
			return
		}
		if !result.Success {
			n.emitError(ctx, out, fmt.Sprintf("tool %s failed: %s", toolName, result.Error))
			return
		}

		n.SaveOutput(run, result.Content)
		n.persistSearchResult(run, toolName, params, result.Content)

		meta := map[string]any{
			protocol.MetaNodeID:     n.ID(),
			protocol.MetaToolName:   toolName,
			protocol.MetaToolResult: result.Output,
		}
		toolChunk := protocol.NewChunk(protocol.ChunkTypeToolResult, result.Content)
		toolChunk.Metadata = meta
		contentChunk := protocol.NewChunk(protocol.ChunkTypeContent, result.Content)
		contentChunk.Metadata = meta
		final := protocol.NewChunk(protocol.ChunkTypeFinal, result.Content)
		final.IsEnd = true
		final = final.WithMeta(protocol.MetaNodeID, n.ID())

		for _, chunk := range []protocol.Chunk{toolChunk, contentChunk, final} {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *ToolNode) emitError(ctx context.Context, out chan<- protocol.Chunk, msg string) {
	chunk := protocol.NewChunk(protocol.ChunkTypeToolError, msg)
	chunk = chunk.WithMeta(protocol.MetaNodeID, n.ID())
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

// resolveToolName: mcp naming, direct name, server_tool, then suffix match.
func (n *ToolNode) resolveToolName(registry *tools.Registry) (string, error) {
	if n.cfg.ToolType == tools.TypeMCP && n.cfg.Server != "" && n.cfg.Tool != "" {
		return tools.MCPToolName(n.cfg.Server, n.cfg.Tool), nil
	}
	if n.cfg.ToolName != "" {
		if _, ok := registry.Get(n.cfg.ToolName); ok {
			return n.cfg.ToolName, nil
		}
	}
	if n.cfg.Server != "" && n.cfg.Tool != "" {
		candidate := n.cfg.Server + "_" + n.cfg.Tool
		if _, ok := registry.Get(candidate); ok {
			return candidate, nil
		}
	}

	suffix := n.cfg.ToolName
	if suffix == "" {
		suffix = n.cfg.Tool
	}
	if suffix != "" {
		for _, info := range registry.List("") {
			if strings.HasSuffix(info.Name, suffix) {
				return info.Name, nil
			}
		}
	}
	return "", fmt.Errorf("tool node %s could not resolve a tool", n.ID())
}

// buildParams merges configured params, auto params written upstream, and
// fallback values for unfilled required parameters.
func (n *ToolNode) buildParams(run *Run, toolName string) map[string]any {
	params := make(map[string]any, len(n.cfg.Params))
	for key, value := range n.cfg.Params {
		params[key] = value
	}
	for key, value := range n.PrepareInputs(run) {
		params[key] = value
	}

	autoKey := n.cfg.AutoParamKey
	if autoKey == "" {
		autoKey = "auto_params_" + n.ID()
	}
	if value, ok := run.StateGet(autoKey); ok {
		if auto, ok := value.(map[string]any); ok {
			for key, v := range auto {
				params[key] = v
			}
		}
	}

	info, ok := n.toolInfo(run, toolName)
	if ok {
		for _, param := range info.Parameters {
			if !param.Required {
				continue
			}
			if value, present := params[param.Name]; present && !looksLikeSchema(value) {
				continue
			}
			params[param.Name] = n.fallbackValue(run, param.Name)
		}
	}

	// Report-style tools get the accumulated file list.
	if strings.Contains(toolName, "report") {
		if _, ok := params["file_names"]; !ok {
			if files, ok := run.StateGet("saved_files"); ok {
				params["file_names"] = files
			}
		}
	}
	return params
}

func (n *ToolNode) toolInfo(run *Run, toolName string) (tools.ToolInfo, bool) {
	tool, ok := run.Deps.Tools.Get(toolName)
	if !ok {
		return tools.ToolInfo{}, false
	}
	return tool.GetInfo(), true
}

func (n *ToolNode) fallbackValue(run *Run, paramName string) any {
	if value, ok := run.StateGet(paramName); ok && value != nil {
		return value
	}
	if run.Message != "" {
		return run.Message
	}
	return run.LastOutput()
}

// looksLikeSchema catches schema fragments leaking in as parameter values.
func looksLikeSchema(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	_, hasType := m["type"]
	_, hasDescription := m["description"]
	return hasType || hasDescription
}

var querySlugRe = regexp.MustCompile(`[^a-z0-9\p{Han}]+`)

var searchKeywords = []string{"search", "查询", "检索"}

// persistSearchResult writes search output to the workspace and records the
// file path in flow state.
func (n *ToolNode) persistSearchResult(run *Run, toolName string, params map[string]any, content string) {
	if run.Deps.Workspace == "" || !isSearchTool(toolName) || !looksLikeSearchOutput(content) {
		return
	}
	query, _ := params["query"].(string)
	if query == "" {
		query = run.Message
	}
	slug := querySlugRe.ReplaceAllString(strings.ToLower(query), "_")
	slug = strings.Trim(slug, "_")
	if len([]rune(slug)) > 40 {
		slug = string([]rune(slug)[:40])
	}

	relative := filepath.Join("search_results",
		fmt.Sprintf("%s_%d.txt", slug, time.Now().Unix()))
	absolute := filepath.Join(run.Deps.Workspace, relative)
	if err := os.MkdirAll(filepath.Dir(absolute), 0755); err != nil {
		return
	}
	if err := os.WriteFile(absolute, []byte(content), 0644); err != nil {
		return
	}

	saved, _ := run.StateGet("saved_files")
	run.StateSet("saved_files", append(toStringSlice(saved), relative))
	run.StateSet(n.ID()+"_file_path", relative)
}

func isSearchTool(toolName string) bool {
	lower := strings.ToLower(toolName)
	for _, keyword := range searchKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// looksLikeSearchOutput checks for the numbered-result shape search tools
// produce.
func looksLikeSearchOutput(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || strings.HasPrefix(strings.ToLower(trimmed), "not found") {
		return false
	}
	return strings.HasPrefix(trimmed, "1.") || strings.Contains(trimmed, "http")
}
