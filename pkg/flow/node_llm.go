package flow

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/protocol"
)

type llmNodeConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	UserPrompt   string `mapstructure:"user_prompt"`
	SaveAs       string `mapstructure:"save_as"`
}

// LLMNode renders its prompts against flow state, streams the completion,
// and merges any JSON object found in the full response back into flow
// state.
type LLMNode struct {
	BaseNode
	cfg llmNodeConfig
}

func NewLLMNode(cfg NodeConfig) (Node, error) {
	node := &LLMNode{BaseNode: newBaseNode(cfg, CategoryLLM)}
	if err := decodeNodeConfig(cfg.Config, &node.cfg); err != nil {
		return nil, fmt.Errorf("invalid llm node config: %w", err)
	}
	return node, nil
}

func (n *LLMNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	if run.Deps == nil || run.Deps.LLM == nil {
		return nil, fmt.Errorf("llm node %s has no provider", n.ID())
	}

	vars := run.StateVars()
	messages := []llms.Message{}
	if n.cfg.SystemPrompt != "" {
		messages = append(messages, llms.Message{Role: "system", Content: RenderVars(n.cfg.SystemPrompt, vars)})
	}
	userPrompt := n.cfg.UserPrompt
	if userPrompt == "" {
		userPrompt = "{{message}}"
	}
	messages = append(messages, llms.Message{Role: "user", Content: RenderVars(userPrompt, vars)})

	stream, err := run.Deps.LLM.GenerateStreaming(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("llm node %s failed to start generation: %w", n.ID(), err)
	}

	out := make(chan protocol.Chunk, 100)
	go func() {
		defer close(out)
		var accumulated string
		for chunk := range stream {
			switch chunk.Type {
			case "text":
				accumulated += chunk.Text
				c := protocol.NewChunk(protocol.ChunkTypeContent, chunk.Text)
				c = c.WithMeta(protocol.MetaNodeID, n.ID())
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			case "error":
				msg := "generation failed"
				if chunk.Err != nil {
					msg = chunk.Err.Error()
				}
				c := protocol.NewChunk(protocol.ChunkTypeNodeError, msg)
				c = c.WithMeta(protocol.MetaNodeID, n.ID())
				select {
				case out <- c:
				case <-ctx.Done():
				}
				return
			}
		}

		n.SaveOutput(run, accumulated)
		if parsed, err := jsonx.ExtractObject(accumulated); err == nil {
			for key, value := range parsed {
				run.StateSet(key, value)
			}
		}

		final := protocol.NewChunk(protocol.ChunkTypeFinal, accumulated)
		final.IsEnd = true
		final = final.WithMeta(protocol.MetaNodeID, n.ID())
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
