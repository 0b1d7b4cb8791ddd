package flow

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/protocol"
)

type compositeNodeConfig struct {
	Subflow       *FlowConfig       `mapstructure:"subflow"`
	InputMapping  map[string]string `mapstructure:"input_mapping"`
	OutputMapping map[string]string `mapstructure:"output_mapping"`
	SaveAs        string            `mapstructure:"save_as"`
}

// CompositeNode runs a nested flow with an isolated state, copying mapped
// keys in and out.
type CompositeNode struct {
	BaseNode
	cfg compositeNodeConfig
}

func NewCompositeNode(cfg NodeConfig) (Node, error) {
	node := &CompositeNode{BaseNode: newBaseNode(cfg, CategoryComposite)}
	if err := decodeNodeConfig(cfg.Config, &node.cfg); err != nil {
		return nil, fmt.Errorf("invalid composite node config: %w", err)
	}
	if node.cfg.Subflow == nil || len(node.cfg.Subflow.Nodes) == 0 {
		return nil, fmt.Errorf("composite node %s missing subflow", cfg.ID)
	}
	return node, nil
}

func (n *CompositeNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	engine, err := BuildFromConfig(n.cfg.Subflow, NewNodeRegistry())
	if err != nil {
		return nil, fmt.Errorf("composite node %s failed to build subflow: %w", n.ID(), err)
	}

	subRun := run.derive(run.Message)
	if len(n.cfg.InputMapping) > 0 {
		for parentKey, subKey := range n.cfg.InputMapping {
			if value, ok := run.StateGet(parentKey); ok {
				subRun.StateSet(subKey, value)
			}
		}
	} else if last := run.LastOutput(); last != "" {
		subRun.StateSet("last_output", last)
		subRun.Message = last
	}

	stream, err := engine.RunStream(ctx, subRun, "")
	if err != nil {
		return nil, err
	}

	out := make(chan protocol.Chunk, 100)
	go func() {
		defer close(out)

		for chunk := range stream {
			// The parent engine emits its own final and done.
			if chunk.Type == protocol.ChunkTypeFinal || chunk.Type == protocol.ChunkTypeDone {
				continue
			}
			chunk = chunk.WithMeta(protocol.MetaCompositeNodeID, n.ID())
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if len(n.cfg.OutputMapping) > 0 {
			for subKey, parentKey := range n.cfg.OutputMapping {
				if value, ok := subRun.StateGet(subKey); ok {
					run.StateSet(parentKey, value)
				}
			}
		}
		last := subRun.LastOutput()
		if n.cfg.SaveAs != "" {
			run.StateSet(n.cfg.SaveAs, last)
		}
		n.SaveOutput(run, last)
	}()
	return out, nil
}
