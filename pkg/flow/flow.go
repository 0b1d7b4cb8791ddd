// Package flow executes node graphs. A flow is a set of typed nodes joined
// by edges; the engine walks the graph from the start node, streaming chunks
// from each node, and routes on router decisions written into flow state.
package flow

import (
	"encoding/json"
	"fmt"
)

// Node categories.
const (
	CategoryStart         = "START"
	CategoryEnd           = "END"
	CategoryLLM           = "LLM"
	CategoryTool          = "TOOL"
	CategoryRouter        = "ROUTER"
	CategoryAutoParam     = "AUTO_PARAM"
	CategoryComposite     = "COMPOSITE"
	CategoryPlanner       = "PLANNER"
	CategoryKnowledgeBase = "KNOWLEDGE_BASE"
)

// NodeConfig declares one node in a flow definition.
type NodeConfig struct {
	ID             string         `json:"id" mapstructure:"id"`
	Implementation string         `json:"implementation" mapstructure:"implementation"`
	Category       string         `json:"category,omitempty" mapstructure:"category"`
	Name           string         `json:"name,omitempty" mapstructure:"name"`
	Label          string         `json:"label,omitempty" mapstructure:"label"`
	Start          bool           `json:"start,omitempty" mapstructure:"start"`
	Connections    []string       `json:"connections,omitempty" mapstructure:"connections"`
	Config         map[string]any `json:"config,omitempty" mapstructure:"config"`
}

// EdgeConfig joins two nodes. SourceIndex places the target at a specific
// slot in the source's ordered connection list.
type EdgeConfig struct {
	Source      string `json:"source" mapstructure:"source"`
	Target      string `json:"target" mapstructure:"target"`
	SourceIndex *int   `json:"sourceIndex,omitempty" mapstructure:"sourceIndex"`
}

// FlowConfig is a full flow definition.
type FlowConfig struct {
	Nodes []NodeConfig `json:"nodes"`
	Edges []EdgeConfig `json:"edges,omitempty"`
}

// ParseFlowConfig decodes a JSON flow definition.
func ParseFlowConfig(raw string) (*FlowConfig, error) {
	var cfg FlowConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("flow definition has no nodes")
	}
	return &cfg, nil
}
