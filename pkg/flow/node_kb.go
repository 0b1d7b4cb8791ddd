package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/protocol"
)

type kbNodeConfig struct {
	KnowledgeBaseID string `mapstructure:"knowledge_base_id"`
	Query           string `mapstructure:"query"`
	TopK            int    `mapstructure:"top_k"`
	SaveAs          string `mapstructure:"save_as"`
}

// KnowledgeBaseNode retrieves chunks from a knowledge base and writes them
// into flow state for downstream prompts.
type KnowledgeBaseNode struct {
	BaseNode
	cfg kbNodeConfig
}

func NewKnowledgeBaseNode(cfg NodeConfig) (Node, error) {
	node := &KnowledgeBaseNode{BaseNode: newBaseNode(cfg, CategoryKnowledgeBase)}
	if err := decodeNodeConfig(cfg.Config, &node.cfg); err != nil {
		return nil, fmt.Errorf("invalid knowledge_base node config: %w", err)
	}
	if node.cfg.KnowledgeBaseID == "" {
		return nil, fmt.Errorf("knowledge_base node %s missing knowledge_base_id", cfg.ID)
	}
	if node.cfg.TopK <= 0 {
		node.cfg.TopK = 5
	}
	return node, nil
}

func (n *KnowledgeBaseNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	if run.Deps == nil || run.Deps.Knowledge == nil {
		return nil, fmt.Errorf("knowledge_base node %s has no retrieval service", n.ID())
	}

	out := make(chan protocol.Chunk, 2)
	go func() {
		defer close(out)

		query := run.Message
		if n.cfg.Query != "" {
			query = RenderVars(n.cfg.Query, run.StateVars())
		}

		results, err := run.Deps.Knowledge.Search(ctx, n.cfg.KnowledgeBaseID, query, n.cfg.TopK)
		if err != nil {
			chunk := protocol.NewChunk(protocol.ChunkTypeNodeError,
				fmt.Sprintf("knowledge base query failed: %v", err))
			chunk = chunk.WithMeta(protocol.MetaNodeID, n.ID())
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
			return
		}

		var b strings.Builder
		for i, result := range results {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, result.Content)
		}
		retrieved := strings.TrimSpace(b.String())

		n.SaveOutput(run, retrieved)
		if n.cfg.SaveAs != "" {
			run.StateSet(n.cfg.SaveAs, retrieved)
		}

		chunk := protocol.NewChunk(protocol.ChunkTypeContent, retrieved)
		chunk = chunk.WithMeta(protocol.MetaNodeID, n.ID())
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
