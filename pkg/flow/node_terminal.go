package flow

import (
	"context"

	"github.com/loomworks/loom/pkg/protocol"
)

// StartNode persists the incoming message as its output.
type StartNode struct {
	BaseNode
}

func NewStartNode(cfg NodeConfig) *StartNode {
	return &StartNode{BaseNode: newBaseNode(cfg, CategoryStart)}
}

func (n *StartNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	out := make(chan protocol.Chunk, 1)
	go func() {
		defer close(out)
		n.SaveOutput(run, run.Message)
	}()
	return out, nil
}

// EndNode emits the final chunk carrying the last output.
type EndNode struct {
	BaseNode
}

func NewEndNode(cfg NodeConfig) *EndNode {
	return &EndNode{BaseNode: newBaseNode(cfg, CategoryEnd)}
}

func (n *EndNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	out := make(chan protocol.Chunk, 1)
	go func() {
		defer close(out)
		final := protocol.NewChunk(protocol.ChunkTypeFinal, run.LastOutput())
		final.IsEnd = true
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
