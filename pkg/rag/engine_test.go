package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/databases"
	"github.com/loomworks/loom/pkg/embedders"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	s, err := store.NewWithDB(db, "sqlite")
	require.NoError(t, err)
	return s
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	db := newTestDB(t)
	vectors, err := databases.NewChromemProvider(&config.VectorStoreConfig{Type: "chromem"})
	require.NoError(t, err)

	cfg := testRetrievalConfig()
	cfg.MultiRouteRecallEnabled = true

	engine, err := NewEngine(cfg, db, embedders.NewHashEmbedder(32), vectors, opts...)
	require.NoError(t, err)
	return engine, db
}

func ingestTestDoc(t *testing.T, engine *Engine, db *store.Store, kbID, name, content string) *store.Document {
	t.Helper()
	ctx := context.Background()
	doc := &store.Document{KBID: kbID, Name: name, Content: content}
	require.NoError(t, db.CreateDocument(ctx, doc))
	require.NoError(t, engine.IngestDocument(ctx, doc))
	return doc
}

func TestIngestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	kb := &store.KnowledgeBase{Name: "history"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))

	doc := ingestTestDoc(t, engine, db, kb.ID, "oath.txt",
		"Liu Bei, Guan Yu, and Zhang Fei swore brotherhood in the peach garden. "+
			"The peach garden is located in Zhuo county.")

	stored, err := db.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocStatusCompleted, stored.Status)
	assert.Greater(t, stored.ChunkCount, 0)

	chunks, err := db.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, stored.ChunkCount)
	for _, chunk := range chunks {
		assert.NotEmpty(t, chunk.Content)
		assert.Equal(t, "hierarchical", chunk.ChunkStrategy)
	}
}

func TestIngestDocumentReplacesOnReingest(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	kb := &store.KnowledgeBase{Name: "kb"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))

	doc := ingestTestDoc(t, engine, db, kb.ID, "doc.txt", "original content of the document.")
	first, err := db.ListChunks(ctx, doc.ID)
	require.NoError(t, err)

	doc.Content = "replacement content, entirely different now."
	require.NoError(t, engine.IngestDocument(ctx, doc))

	second, err := db.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, second)
	for _, chunk := range second {
		assert.Contains(t, chunk.Content, "replacement")
		for _, old := range first {
			assert.NotEqual(t, old.ID, chunk.ID)
		}
	}
}

func TestQueryEmptyKB(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	kb := &store.KnowledgeBase{Name: "empty"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))

	result, err := engine.Query(ctx, kb.ID, "anything", "user-1", 5)
	require.NoError(t, err)
	assert.Empty(t, result.Sources)
	assert.Equal(t, emptyKBResponse, result.Response)
}

func TestQueryExactContentIsTopResult(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	kb := &store.KnowledgeBase{Name: "kb"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))
	ingestTestDoc(t, engine, db, kb.ID, "a.txt", "the quick brown fox jumps over the lazy dog.")
	ingestTestDoc(t, engine, db, kb.ID, "b.txt", "databases index records for efficient lookup queries.")

	result, err := engine.Query(ctx, kb.ID, "the quick brown fox jumps over the lazy dog.", "user-1", 3)
	require.NoError(t, err)
	require.NotEmpty(t, result.Sources)
	assert.Contains(t, result.Sources[0].Content, "quick brown fox")
	for _, source := range result.Sources[1:] {
		assert.LessOrEqual(t, source.Similarity, result.Sources[0].Similarity)
	}
}

func TestQueryHybridRecall(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	kb := &store.KnowledgeBase{Name: "threekingdoms"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))
	ingestTestDoc(t, engine, db, kb.ID, "c1.txt",
		"Liu Bei, Guan Yu, and Zhang Fei swore brotherhood in the peach garden.")
	ingestTestDoc(t, engine, db, kb.ID, "c2.txt",
		"The peach garden is located in Zhuo county.")

	result, err := engine.Query(ctx, kb.ID, "who swore brotherhood in the peach garden", "user-1", 2)
	require.NoError(t, err)
	require.NotEmpty(t, result.Sources)
	assert.Contains(t, result.Sources[0].Content, "swore brotherhood")
	assert.Contains(t, result.Response, "Relevant context")
}

type stubGraph struct {
	triples []*store.Triple
}

func (g *stubGraph) QueryTriples(ctx context.Context, kbID, query string, limit int) ([]*store.Triple, error) {
	return g.triples, nil
}

func TestQueryGraphBoost(t *testing.T) {
	ctx := context.Background()
	graph := &stubGraph{}
	engine, db := newTestEngine(t, WithGraph(graph))

	kb := &store.KnowledgeBase{Name: "kb"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))
	doc := ingestTestDoc(t, engine, db, kb.ID, "c1.txt",
		"Liu Bei, Guan Yu, and Zhang Fei swore brotherhood in the peach garden.")

	chunks, err := db.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	graph.triples = []*store.Triple{
		{KBID: kb.ID, ChunkID: chunks[0].ID, Subject: "刘备", Predicate: "参与", Object: "桃园结义"},
	}

	result, err := engine.Query(ctx, kb.ID, "who swore brotherhood in the peach garden", "user-1", 2)
	require.NoError(t, err)
	require.NotEmpty(t, result.Sources)
	assert.True(t, result.Sources[0].GraphBoosted)
	assert.LessOrEqual(t, result.Sources[0].Similarity, 1.0)
	assert.Equal(t, true, result.Metadata["graph_enhanced"])
	// Triples surface in the fallback response context.
	assert.Contains(t, result.Response, "参与")
}

func TestQuerySynthesisWithLLM(t *testing.T) {
	ctx := context.Background()
	provider := &llms.ScriptedProvider{Responses: []string{"Liu Bei, Guan Yu and Zhang Fei."}}
	engine, db := newTestEngine(t, WithLLM(provider))
	engine.cfg.QueryDecomposeEnabled = false

	kb := &store.KnowledgeBase{Name: "kb"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))
	ingestTestDoc(t, engine, db, kb.ID, "c1.txt",
		"Liu Bei, Guan Yu, and Zhang Fei swore brotherhood in the peach garden.")

	result, err := engine.Query(ctx, kb.ID, "who swore brotherhood", "user-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Liu Bei, Guan Yu and Zhang Fei.", result.Response)
}

func TestRerankerReordersCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Score documents in reverse of their arrival order.
		scores := make([]float64, len(req.Documents))
		for i := range scores {
			scores[i] = float64(i)
		}
		json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer server.Close()

	engine, _ := newTestEngine(t, WithReranker(NewReranker(server.URL)))
	candidates := []*candidate{
		{chunk: &store.Chunk{ID: "a", Content: "first"}, score: 0.9},
		{chunk: &store.Chunk{ID: "b", Content: "second"}, score: 0.5},
	}
	reranked := engine.rerank(context.Background(), "q", candidates)
	require.Len(t, reranked, 2)
	assert.Equal(t, "b", reranked[0].chunk.ID)
	assert.Equal(t, float64(1), reranked[0].rerankScore)
}

func TestRerankerFailurePreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	engine, _ := newTestEngine(t, WithReranker(NewReranker(server.URL)))
	candidates := []*candidate{
		{chunk: &store.Chunk{ID: "a", Content: "first"}, score: 0.9},
		{chunk: &store.Chunk{ID: "b", Content: "second"}, score: 0.5},
	}
	reranked := engine.rerank(context.Background(), "q", candidates)
	require.Len(t, reranked, 2)
	assert.Equal(t, "a", reranked[0].chunk.ID)
}

func TestSearchFallsBackToKeywords(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	engine, err := NewEngine(testRetrievalConfig(), db, nil, nil)
	require.NoError(t, err)

	kb := &store.KnowledgeBase{Name: "kb"}
	require.NoError(t, db.CreateKnowledgeBase(ctx, kb))
	doc := &store.Document{KBID: kb.ID, Name: "d", Content: "x"}
	require.NoError(t, db.CreateDocument(ctx, doc))
	require.NoError(t, db.InsertChunks(ctx, []*store.Chunk{
		{DocumentID: doc.ID, KBID: kb.ID, ChunkIndex: 0, Content: "peach garden brotherhood oath"},
		{DocumentID: doc.ID, KBID: kb.ID, ChunkIndex: 1, Content: "unrelated database internals"},
	}))

	results, err := engine.Search(ctx, kb.ID, "peach garden oath", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "peach garden")
}

func TestDecomposeQueryFallback(t *testing.T) {
	engine, _ := newTestEngine(t)
	terms := engine.decomposeQuery(context.Background(), "who swore brotherhood in the peach garden of Zhuo county China")
	require.NotEmpty(t, terms)
	assert.LessOrEqual(t, len(terms), maxSubTerms)
	assert.NotContains(t, terms, "the")
}

func TestDecomposeQueryLLM(t *testing.T) {
	provider := &llms.ScriptedProvider{Responses: []string{`{"terms": ["peach garden", "sworn brotherhood"]}`}}
	engine, _ := newTestEngine(t, WithLLM(provider))
	terms := engine.decomposeQuery(context.Background(), "who swore brotherhood in the peach garden")
	assert.Equal(t, []string{"peach garden", "sworn brotherhood"}, terms)
}

func TestClassifyDomainKeywordFallback(t *testing.T) {
	domain, confidence := classifyDomainKeywords([]*store.Chunk{
		{Content: "三国朝代的战争与皇帝"},
		{Content: "历史上的著名战争"},
	})
	assert.Equal(t, "history", domain)
	assert.Greater(t, confidence, 0.0)
}
