package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/loomworks/loom/pkg/protocol"
	"github.com/loomworks/loom/pkg/registry"
)

// Node is one executable unit in a flow graph. ExecuteStream returns a
// channel closed when the node finishes; an error return means the node
// could not start at all.
type Node interface {
	ID() string
	Category() string
	Implementation() string
	Name() string
	Label() string
	Connections() []string
	ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error)
}

// MountSpec describes the external environment a node needs.
type MountSpec struct {
	NodeID        string
	ContainerType string
}

// Mountable nodes request an environment before execution.
type Mountable interface {
	RequiresMount() bool
	MountSpec() MountSpec
}

// BaseNode carries the declaration shared by all node types and the
// save-output and template-rendering behavior.
type BaseNode struct {
	id             string
	implementation string
	category       string
	name           string
	label          string
	connections    []string
	saveAs         string
	inputs         map[string]string
}

func newBaseNode(cfg NodeConfig, category string) BaseNode {
	base := BaseNode{
		id:             cfg.ID,
		implementation: cfg.Implementation,
		category:       category,
		name:           cfg.Name,
		label:          cfg.Label,
		connections:    cfg.Connections,
	}
	if cfg.Category != "" {
		base.category = cfg.Category
	}
	if base.name == "" {
		base.name = cfg.ID
	}
	if saveAs, ok := cfg.Config["save_as"].(string); ok {
		base.saveAs = saveAs
	}
	if inputs, ok := cfg.Config["input"].(map[string]any); ok {
		base.inputs = make(map[string]string, len(inputs))
		for key, value := range inputs {
			if s, ok := value.(string); ok {
				base.inputs[key] = s
			}
		}
	}
	return base
}

func (b *BaseNode) ID() string             { return b.id }
func (b *BaseNode) Category() string       { return b.category }
func (b *BaseNode) Implementation() string { return b.implementation }
func (b *BaseNode) Name() string           { return b.name }
func (b *BaseNode) Label() string          { return b.label }
func (b *BaseNode) Connections() []string  { return b.connections }

// SaveOutput appends to the node's outputs list, updates last_output, and
// writes the save_as key when configured.
func (b *BaseNode) SaveOutput(run *Run, output string) {
	run.appendNodeOutput(b.id, output)
	run.StateSet("last_output", output)
	if b.saveAs != "" {
		run.StateSet(b.saveAs, output)
	}
}

// PrepareInputs renders the configured input templates against flow state.
func (b *BaseNode) PrepareInputs(run *Run) map[string]string {
	if len(b.inputs) == 0 {
		return nil
	}
	vars := run.StateVars()
	rendered := make(map[string]string, len(b.inputs))
	for key, template := range b.inputs {
		rendered[key] = RenderVars(template, vars)
	}
	return rendered
}

// RenderVars substitutes {{name}} placeholders from the variable map.
// Unknown names render empty.
func RenderVars(template string, vars map[string]any) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : start+end])
		if value, ok := vars[name]; ok && value != nil {
			b.WriteString(fmt.Sprint(value))
		}
		rest = rest[start+end+2:]
	}
}

// NodeFactory builds a node from its declaration.
type NodeFactory func(cfg NodeConfig) (Node, error)

// NodeRegistry maps implementation names to factories.
type NodeRegistry struct {
	*registry.BaseRegistry[NodeFactory]
}

func NewNodeRegistry() *NodeRegistry {
	r := &NodeRegistry{BaseRegistry: registry.NewBaseRegistry[NodeFactory]()}
	r.registerDefaults()
	return r
}

func (r *NodeRegistry) registerDefaults() {
	r.Set("start", func(cfg NodeConfig) (Node, error) { return NewStartNode(cfg), nil })
	r.Set("end", func(cfg NodeConfig) (Node, error) { return NewEndNode(cfg), nil })
	r.Set("llm", NewLLMNode)
	r.Set("tool", NewToolNode)
	r.Set("router", NewRouterNode)
	r.Set("auto_param", NewAutoParamNode)
	r.Set("composite", NewCompositeNode)
	r.Set("planner", NewPlannerNode)
	r.Set("knowledge_base", NewKnowledgeBaseNode)
}

// Build instantiates a node from its config.
func (r *NodeRegistry) Build(cfg NodeConfig) (Node, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("node config missing id")
	}
	impl := cfg.Implementation
	if impl == "" {
		return nil, fmt.Errorf("node %s missing implementation", cfg.ID)
	}
	factory, ok := r.Get(impl)
	if !ok {
		return nil, fmt.Errorf("unknown node implementation: %s", impl)
	}
	return factory(cfg)
}

// decodeNodeConfig maps a raw config block onto a typed config struct.
func decodeNodeConfig(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
