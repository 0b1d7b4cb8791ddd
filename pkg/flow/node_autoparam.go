package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/tools"
)

type autoParamNodeConfig struct {
	ToolName         string `mapstructure:"tool_name"`
	ToolType         string `mapstructure:"tool_type"`
	Server           string `mapstructure:"server"`
	TargetToolNodeID string `mapstructure:"target_tool_node_id"`
	AutoParamKey     string `mapstructure:"auto_param_key"`
}

const autoParamSystemPrompt = `You generate tool call parameters.
Given a tool's JSON schema and the user's request, respond with a single JSON
object containing the parameter values. No prose.`

// AutoParamNode asks the LLM to derive parameters for a downstream tool node
// from the tool's input schema and the conversation so far.
type AutoParamNode struct {
	BaseNode
	cfg autoParamNodeConfig
}

func NewAutoParamNode(cfg NodeConfig) (Node, error) {
	node := &AutoParamNode{BaseNode: newBaseNode(cfg, CategoryAutoParam)}
	if err := decodeNodeConfig(cfg.Config, &node.cfg); err != nil {
		return nil, fmt.Errorf("invalid auto_param node config: %w", err)
	}
	return node, nil
}

func (n *AutoParamNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	out := make(chan protocol.Chunk, 2)
	go func() {
		defer close(out)

		schema, required := n.targetSchema(run)
		params := n.generate(ctx, run, schema, required)

		key := n.cfg.AutoParamKey
		if key == "" {
			key = "auto_params_" + n.cfg.TargetToolNodeID
		}
		run.StateSet(key, params)

		rendered, _ := json.Marshal(params)
		n.SaveOutput(run, string(rendered))

		chunk := protocol.NewChunk(protocol.ChunkTypeContent, string(rendered))
		chunk = chunk.WithMeta(protocol.MetaNodeID, n.ID())
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// targetSchema resolves the downstream tool's input schema and required
// parameter names.
func (n *AutoParamNode) targetSchema(run *Run) (map[string]any, []string) {
	if run.Deps == nil || run.Deps.Tools == nil {
		return nil, nil
	}

	toolName := n.cfg.ToolName
	if n.cfg.ToolType == tools.TypeMCP && n.cfg.Server != "" && n.cfg.ToolName != "" {
		toolName = tools.MCPToolName(n.cfg.Server, n.cfg.ToolName)
	}
	tool, ok := run.Deps.Tools.Get(toolName)
	if !ok {
		return nil, nil
	}
	info := tool.GetInfo()

	var required []string
	for _, param := range info.Parameters {
		if param.Required {
			required = append(required, param.Name)
		}
	}
	schema := info.InputSchema
	if schema != nil {
		schema = filterSchema(schema)
		if names, ok := schema["required"].([]string); ok && len(required) == 0 {
			required = names
		}
	}
	return schema, required
}

// filterSchema drops bookkeeping fields models tend to echo back.
func filterSchema(schema map[string]any) map[string]any {
	filtered := make(map[string]any, len(schema))
	for key, value := range schema {
		switch key {
		case "$schema", "$id", "additionalProperties":
			continue
		}
		filtered[key] = value
	}
	return filtered
}

func (n *AutoParamNode) generate(ctx context.Context, run *Run, schema map[string]any, required []string) map[string]any {
	if run.Deps == nil || run.Deps.LLM == nil {
		return n.fallback(run, schema, required)
	}

	schemaJSON, _ := json.Marshal(schema)
	userPrompt := fmt.Sprintf("schema_json: %s\nmessage: %s\nprevious_output: %s",
		schemaJSON, run.Message, run.LastOutput())

	response, err := run.Deps.LLM.Generate(ctx, llms.SystemUser(autoParamSystemPrompt, userPrompt))
	if err != nil {
		return n.fallback(run, schema, required)
	}
	params, err := jsonx.ExtractObject(response)
	if err != nil {
		return n.fallback(run, schema, required)
	}
	return params
}

// fallback fills required fields with the message; with no schema at all,
// assume a query parameter.
func (n *AutoParamNode) fallback(run *Run, schema map[string]any, required []string) map[string]any {
	if schema == nil && len(required) == 0 {
		return map[string]any{"query": run.Message}
	}
	params := make(map[string]any, len(required))
	for _, name := range required {
		params[name] = run.Message
	}
	if len(params) == 0 {
		params["query"] = run.Message
	}
	return params
}
