package rag

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
)

const maxSubTerms = 5

const decomposeSystemPrompt = `You split a search query into independent sub-terms for retrieval.
Respond with a single JSON object: {"terms": ["...", "..."]}.
Return at most 5 terms. Each term must be a meaningful standalone phrase from the query.`

// decomposeQuery asks the LLM for sub-terms, falling back to keyword tokens
// when the LLM is absent or its output is unparseable.
func (e *Engine) decomposeQuery(ctx context.Context, query string) []string {
	if e.llm != nil {
		if terms := e.decomposeLLM(ctx, query); len(terms) > 0 {
			return terms
		}
	}
	terms := tokenize(query)
	if len(terms) > maxSubTerms {
		terms = terms[:maxSubTerms]
	}
	return terms
}

func (e *Engine) decomposeLLM(ctx context.Context, query string) []string {
	answer, err := e.llm.Generate(ctx, llms.SystemUser(decomposeSystemPrompt, query))
	if err != nil {
		return nil
	}
	parsed, err := jsonx.ExtractObject(answer)
	if err != nil {
		return nil
	}
	raw, ok := parsed["terms"].([]any)
	if !ok {
		return nil
	}
	var terms []string
	for _, item := range raw {
		if term := fmt.Sprint(item); term != "" && term != "<nil>" {
			terms = append(terms, term)
		}
		if len(terms) == maxSubTerms {
			break
		}
	}
	return terms
}
