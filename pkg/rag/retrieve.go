package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/pkg/databases"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

const emptyKBResponse = "I could not find any relevant documents for this question."

// Source is one retrieved chunk with its scoring trail.
type Source struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	Content      string  `json:"content"`
	Similarity   float64 `json:"similarity"`
	RerankScore  float64 `json:"rerank_score,omitempty"`
	Origin       string  `json:"source"`
	GraphBoosted bool    `json:"graph_boosted,omitempty"`
}

// QueryResult is the full retrieval answer.
type QueryResult struct {
	Query    string         `json:"query"`
	Response string         `json:"response"`
	Sources  []Source       `json:"sources"`
	Metadata map[string]any `json:"metadata"`
}

type candidate struct {
	chunk        *store.Chunk
	vecScore     float64
	kwScore      float64
	score        float64
	origin       string
	graphBoosted bool
	rerankScore  float64
}

func sortCandidatesBy(candidates []*candidate, less func(a, b *candidate) bool) {
	sort.SliceStable(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
}

// Query runs the full hybrid retrieval for one knowledge base.
func (e *Engine) Query(ctx context.Context, kbID, query, userID string, maxResults int) (*QueryResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	chunks, err := e.store.ListChunksByKB(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return &QueryResult{
			Query:    query,
			Response: emptyKBResponse,
			Sources:  []Source{},
			Metadata: map[string]any{"total_chunks": 0},
		}, nil
	}
	byID := make(map[string]*store.Chunk, len(chunks))
	contents := make(map[string]string, len(chunks))
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
		contents[chunk.ID] = chunk.Content
	}

	var subTerms []string
	if e.cfg.QueryDecomposeEnabled {
		subTerms = e.decomposeQuery(ctx, query)
	}

	merged := e.multiRouteRecall(ctx, kbID, query, subTerms, byID, contents)

	var triples []*store.Triple
	if e.graph != nil {
		triples = e.graphBoost(ctx, kbID, query, merged)
	}

	candidates := make([]*candidate, 0, len(merged))
	for _, cand := range merged {
		candidates = append(candidates, cand)
	}
	sortCandidatesBy(candidates, func(a, b *candidate) bool {
		if a.score != b.score {
			return a.score > b.score
		}
		return a.chunk.ID < b.chunk.ID
	})

	pool := e.cfg.RerankerAfterTopN
	if 2*maxResults > pool {
		pool = 2 * maxResults
	}
	if len(candidates) > pool {
		candidates = candidates[:pool]
	}

	if e.cfg.RerankerEnabled {
		candidates = e.rerank(ctx, query, candidates)
	}
	keep := maxResults
	if e.cfg.RerankerEnabled && e.cfg.RerankerTopK > 0 && e.cfg.RerankerTopK < keep {
		keep = e.cfg.RerankerTopK
	}
	if len(candidates) > keep {
		candidates = candidates[:keep]
	}

	sources := make([]Source, 0, len(candidates))
	for _, cand := range candidates {
		sources = append(sources, Source{
			ChunkID:      cand.chunk.ID,
			DocumentID:   cand.chunk.DocumentID,
			Content:      cand.chunk.Content,
			Similarity:   cand.score,
			RerankScore:  cand.rerankScore,
			Origin:       cand.origin,
			GraphBoosted: cand.graphBoosted,
		})
	}

	response := e.synthesize(ctx, query, candidates, triples)

	return &QueryResult{
		Query:    query,
		Response: response,
		Sources:  sources,
		Metadata: map[string]any{
			"total_chunks":     len(chunks),
			"candidates":       len(merged),
			"decomposed_terms": subTerms,
			"reranker_enabled": e.cfg.RerankerEnabled,
			"graph_enhanced":   len(triples) > 0,
		},
	}, nil
}

// multiRouteRecall fans out the vector, keyword and sub-term routes and
// merges by chunk id.
func (e *Engine) multiRouteRecall(ctx context.Context, kbID, query string, subTerms []string, byID map[string]*store.Chunk, contents map[string]string) map[string]*candidate {
	topK := e.cfg.TopK

	var mu sync.Mutex
	merged := make(map[string]*candidate)

	mergeVector := func(hits []databases.SearchResult, weight float64, origin string) {
		mu.Lock()
		defer mu.Unlock()
		for _, hit := range hits {
			chunk, ok := byID[hit.ID]
			if !ok {
				continue
			}
			score := weight * float64(hit.Score)
			existing, ok := merged[hit.ID]
			if !ok {
				merged[hit.ID] = &candidate{chunk: chunk, vecScore: float64(hit.Score), score: score, origin: origin}
				continue
			}
			if float64(hit.Score) > existing.vecScore {
				existing.vecScore = float64(hit.Score)
			}
			if score > existing.score {
				existing.score = score
				existing.origin = origin
			}
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		hits, err := e.vectorSearch(groupCtx, kbID, query, topK)
		if err != nil {
			slog.Warn("vector route failed", "kb_id", kbID, "error", err)
			return nil
		}
		mergeVector(hits, 1.0, "vector")
		return nil
	})

	if e.cfg.MultiRouteRecallEnabled {
		group.Go(func() error {
			terms := tokenize(query)
			hits := keywordSearch(contents, terms, topK)
			mu.Lock()
			defer mu.Unlock()
			for _, hit := range hits {
				chunk := byID[hit.chunkID]
				existing, ok := merged[hit.chunkID]
				if !ok {
					merged[hit.chunkID] = &candidate{chunk: chunk, kwScore: hit.score, score: 0.8 * hit.score, origin: "keyword"}
					continue
				}
				existing.kwScore = hit.score
			}
			return nil
		})
	}

	if len(subTerms) > 0 {
		sub, subCtx := errgroup.WithContext(ctx)
		sub.SetLimit(e.cfg.SubQueryWorkers)
		for _, term := range subTerms {
			term := term
			sub.Go(func() error {
				hits, err := e.vectorSearch(subCtx, kbID, term, topK)
				if err != nil {
					return nil
				}
				mergeVector(hits, 0.9, "sub_query")
				return nil
			})
		}
		group.Go(sub.Wait)
	}

	_ = group.Wait()

	// Fusion for chunks both routes hit.
	for _, cand := range merged {
		if cand.vecScore == 0 || cand.kwScore == 0 {
			continue
		}
		if cand.kwScore > 0.8 && cand.kwScore > cand.vecScore {
			cand.score = cand.kwScore
			cand.origin = "keyword"
			continue
		}
		if cand.kwScore > 0.7*cand.vecScore {
			cand.score = 0.6*cand.vecScore + 0.4*cand.kwScore
			cand.origin = "hybrid"
		}
	}
	return merged
}

// vectorSearch embeds the query, over-fetches at 2x depth and applies the
// similarity threshold with relaxation.
func (e *Engine) vectorSearch(ctx context.Context, kbID, query string, topK int) ([]databases.SearchResult, error) {
	if e.embedder == nil || e.vectors == nil {
		return nil, nil
	}
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := e.vectors.Search(ctx, Collection(kbID), vector, 2*topK)
	if err != nil {
		return nil, err
	}

	filtered := thresholdFilter(hits, e.cfg.SimilarityThreshold)
	if len(filtered) < topK {
		filtered = thresholdFilter(hits, e.cfg.SimilarityThresholdMin)
	}
	if len(filtered) < topK {
		filtered = hits
	}
	return filtered, nil
}

func thresholdFilter(hits []databases.SearchResult, threshold float64) []databases.SearchResult {
	var out []databases.SearchResult
	for _, hit := range hits {
		if float64(hit.Score) >= threshold {
			out = append(out, hit)
		}
	}
	return out
}

// graphBoost raises the score of chunks referenced by triples matching the
// query's entities and returns those triples for answer context.
func (e *Engine) graphBoost(ctx context.Context, kbID, query string, merged map[string]*candidate) []*store.Triple {
	triples, err := e.graph.QueryTriples(ctx, kbID, query, 20)
	if err != nil {
		slog.Warn("graph enhancement failed", "kb_id", kbID, "error", err)
		return nil
	}
	if len(triples) == 0 {
		return nil
	}

	referenced := make(map[string]bool)
	for _, triple := range triples {
		if triple.ChunkID != "" {
			referenced[triple.ChunkID] = true
		}
	}
	for chunkID, cand := range merged {
		if !referenced[chunkID] {
			continue
		}
		cand.score += 0.1
		if cand.score > 1.0 {
			cand.score = 1.0
		}
		cand.graphBoosted = true
	}
	return triples
}

const answerSystemPrompt = `You answer questions using only the provided context.
If the context does not contain the answer, say so. Be concise.`

// synthesize builds the final response from selected chunks and triples,
// with a deterministic truncation fallback when no LLM is available.
func (e *Engine) synthesize(ctx context.Context, query string, candidates []*candidate, triples []*store.Triple) string {
	if len(candidates) == 0 {
		return emptyKBResponse
	}

	var b strings.Builder
	for i, cand := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, cand.chunk.Content)
	}
	if len(triples) > 0 {
		b.WriteString("\nKnown facts:\n")
		for _, triple := range triples {
			fmt.Fprintf(&b, "- %s %s %s\n", triple.Subject, triple.Predicate, triple.Object)
		}
	}
	contextText := b.String()

	if e.llm != nil {
		prompt := fmt.Sprintf("Context:\n%s\nQuestion: %s", contextText, query)
		answer, err := e.llm.Generate(ctx, llms.SystemUser(answerSystemPrompt, prompt))
		if err == nil && strings.TrimSpace(answer) != "" {
			return answer
		}
		slog.Warn("answer synthesis failed, returning context summary", "error", err)
	}
	return "Relevant context:\n" + truncateRunes(contextText, 500)
}

// Search implements the flow engine's knowledge lookup: vector recall with
// keyword fallback, returned as plain search results.
func (e *Engine) Search(ctx context.Context, kbID, query string, topK int) ([]databases.SearchResult, error) {
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	hits, err := e.vectorSearch(ctx, kbID, query, topK)
	if err != nil {
		slog.Warn("vector search failed, falling back to keywords", "kb_id", kbID, "error", err)
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	if len(hits) > 0 {
		return hits, nil
	}

	chunks, err := e.store.ListChunksByKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	contents := make(map[string]string, len(chunks))
	byID := make(map[string]*store.Chunk, len(chunks))
	for _, chunk := range chunks {
		contents[chunk.ID] = chunk.Content
		byID[chunk.ID] = chunk
	}
	var results []databases.SearchResult
	for _, hit := range keywordSearch(contents, tokenize(query), topK) {
		results = append(results, databases.SearchResult{
			ID:      hit.chunkID,
			Content: byID[hit.chunkID].Content,
			Score:   float32(hit.score),
		})
	}
	return results, nil
}
