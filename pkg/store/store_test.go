package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// sqlite in-memory DBs are per-connection.
	db.SetMaxOpenConns(1)

	s, err := NewWithDB(db, "sqlite")
	require.NoError(t, err)
	return s
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: "postgres"}
	assert.Equal(t, `SELECT $1, $2`, s.rebind(`SELECT ?, ?`))

	s.dialect = "sqlite"
	assert.Equal(t, `SELECT ?, ?`, s.rebind(`SELECT ?, ?`))
}

func TestSessionAndMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session, err := s.CreateSession(ctx, "u1", "", "a title that is far longer than fifty characters so it gets cut")
	require.NoError(t, err)
	assert.Len(t, session.Title, sessionTitleMax)

	require.NoError(t, s.AppendMessage(ctx, &Message{
		SessionID: session.ID, UserID: "u1", Role: "user", Content: "hello",
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		SessionID: session.ID, UserID: "u1", Role: "assistant", Content: "hi",
		AgentName: "general", Metadata: map[string]any{"tokens": 3.0},
	}))

	messages, err := s.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, int64(1), messages[0].SequenceNum)
	assert.Equal(t, int64(2), messages[1].SequenceNum)
	assert.Equal(t, "general", messages[1].AgentName)
	assert.Equal(t, 3.0, messages[1].Metadata["tokens"])
}

func TestMessageNodesOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, nodeID := range []string{"start", "llm_1", "end"} {
		require.NoError(t, s.AppendMessageNode(ctx, &MessageNode{
			MessageID: "m1", SessionID: "s1", NodeID: nodeID, NodeType: "llm",
		}))
	}

	nodes, err := s.ListMessageNodes(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "start", nodes[0].NodeID)
	assert.Equal(t, "end", nodes[2].NodeID)
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session, err := s.CreateSession(ctx, "u1", "", "t")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: session.ID, UserID: "u1", Role: "user", Content: "x"}))

	require.NoError(t, s.DeleteSession(ctx, session.ID))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	messages, err := s.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestAgentCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	agent := &AgentRecord{
		Name: "helper", AgentType: "general", SystemPrompt: "be helpful",
		BoundTools: []string{"builtin_web_search"},
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	got, err := s.GetAgentByName(ctx, "helper")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"builtin_web_search"}, got.BoundTools)

	got.Description = "updated"
	require.NoError(t, s.UpdateAgent(ctx, got))

	err = s.CreateAgent(ctx, &AgentRecord{Name: "bad", AgentType: "magic"})
	require.Error(t, err)
}

func TestToolScoreUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveToolScore(ctx, "web_search", 3.0, true))
	require.NoError(t, s.SaveToolScore(ctx, "web_search", 1.2, false))

	score, err := s.GetToolScore(ctx, "web_search")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, 1.2, score.Score)
	assert.False(t, score.IsAvailable)

	missing, err := s.GetToolScore(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTripleDedupe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	triples := []*Triple{
		{KBID: "kb1", DocumentID: "d1", Subject: "刘备", Predicate: "结拜", Object: "关羽", Confidence: 0.9},
		{KBID: "kb1", DocumentID: "d1", Subject: "刘备", Predicate: "结拜", Object: "关羽", Confidence: 0.8},
		{KBID: "kb1", DocumentID: "d1", Subject: "关羽", Predicate: "结拜", Object: "张飞", Confidence: 0.9},
	}
	inserted, err := s.InsertTriples(ctx, triples)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	count, err := s.CountTriples(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	found, err := s.FindTriplesByEntity(ctx, "kb1", "关羽")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	sub, err := s.FindTriplesByEntitySubstring(ctx, "kb1", "张")
	require.NoError(t, err)
	assert.Len(t, sub, 1)
}

func TestPipelineSnapshotUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SavePipelineSnapshot(ctx, "u1", "general", "s1", "p1", `{"v":1}`))
	require.NoError(t, s.SavePipelineSnapshot(ctx, "u1", "general", "s1", "p1", `{"v":2}`))

	data, err := s.GetPipelineSnapshot(ctx, "u1", "general", "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, data)

	missing, err := s.GetPipelineSnapshot(ctx, "u2", "general", "s1")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kb := &KnowledgeBase{Name: "novels"}
	require.NoError(t, s.CreateKnowledgeBase(ctx, kb))

	doc := &Document{KBID: kb.ID, Name: "sanguo.txt", Content: "text"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	assert.Equal(t, DocStatusPending, doc.Status)
	assert.Equal(t, ExtractionPending, doc.ExtractionStatus)

	require.NoError(t, s.UpdateDocumentStatus(ctx, doc.ID, DocStatusChunked, ""))
	require.NoError(t, s.UpdateDocumentExtractionStatus(ctx, doc.ID, ExtractionExtracting))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocStatusChunked, got.Status)
	assert.Equal(t, ExtractionExtracting, got.ExtractionStatus)

	require.NoError(t, s.InsertChunks(ctx, []*Chunk{
		{DocumentID: doc.ID, KBID: kb.ID, ChunkIndex: 0, Content: "first"},
		{DocumentID: doc.ID, KBID: kb.ID, ChunkIndex: 1, Content: "second", IsSummary: true},
	}))
	chunks, err := s.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[1].IsSummary)
}
