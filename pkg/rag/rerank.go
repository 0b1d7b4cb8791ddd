package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/httpclient"
)

// Reranker scores (query, document) pairs through an external cross-encoder
// HTTP endpoint.
type Reranker struct {
	url    string
	client *httpclient.Client
}

func NewReranker(url string) *Reranker {
	return &Reranker{
		url: url,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(1),
		),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one relevance score per document. The caller must treat an
// error as "keep the existing order".
func (r *Reranker) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, payload)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode reranker response: %w", err)
	}
	if len(parsed.Scores) != len(documents) {
		return nil, fmt.Errorf("reranker returned %d scores for %d documents", len(parsed.Scores), len(documents))
	}
	return parsed.Scores, nil
}

// rerank reorders candidates by cross-encoder score, preserving the input
// order when the reranker is unavailable or fails.
func (e *Engine) rerank(ctx context.Context, query string, candidates []*candidate) []*candidate {
	if e.reranker == nil || len(candidates) == 0 {
		return candidates
	}
	documents := make([]string, len(candidates))
	for i, cand := range candidates {
		documents[i] = cand.chunk.Content
	}
	scores, err := e.reranker.Score(ctx, query, documents)
	if err != nil {
		slog.Warn("reranker unavailable, keeping recall order", "error", err)
		return candidates
	}

	reranked := make([]*candidate, len(candidates))
	copy(reranked, candidates)
	for i, score := range scores {
		reranked[i].rerankScore = score
	}
	// Stable sort so ties keep recall order.
	sortCandidatesBy(reranked, func(a, b *candidate) bool {
		return a.rerankScore > b.rerankScore
	})
	return reranked
}
