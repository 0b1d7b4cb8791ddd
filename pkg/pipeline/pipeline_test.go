package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

func TestNamespacePutGetDelete(t *testing.T) {
	p := New()

	p.Put(NamespaceFlowState, "last_output", "hello")
	value, ok := p.Get(NamespaceFlowState, "last_output")
	require.True(t, ok)
	assert.Equal(t, "hello", value)
	assert.True(t, p.Has(NamespaceFlowState, "last_output"))

	p.Delete(NamespaceFlowState, "last_output")
	assert.False(t, p.Has(NamespaceFlowState, "last_output"))

	history := p.History()
	require.Len(t, history, 2)
	assert.Equal(t, "put", history[0].Action)
	assert.Equal(t, "delete", history[1].Action)
}

func TestPut3DIsolatedByDims(t *testing.T) {
	p := New()
	dims := Dims{UserID: "alice", TopicID: "travel", AgentID: "planner"}
	other := Dims{UserID: "bob", TopicID: "travel", AgentID: "planner"}

	p.Put3D(dims, "preference", "window seat")

	value, ok := p.Get3D(dims, "preference")
	require.True(t, ok)
	assert.Equal(t, "window seat", value)
	assert.False(t, p.Has3D(other, "preference"))

	history := p.History()
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].UserID)
	assert.Equal(t, "preference", history[0].Key)
}

func TestDimsDefaults(t *testing.T) {
	p := New()
	p.Put3D(Dims{}, "k", "v")

	value, ok := p.Get3D(Dims{UserID: DefaultUserID, TopicID: DefaultTopicID, AgentID: DefaultAgentID}, "k")
	require.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestDimsFromContext(t *testing.T) {
	dims := DimsFromContext(map[string]any{
		"user_id":    "alice",
		"session_id": "s-1",
		"agent_name": "helper",
	})
	assert.Equal(t, Dims{UserID: "alice", TopicID: "s-1", AgentID: "helper"}, dims)

	assert.Equal(t,
		Dims{UserID: DefaultUserID, TopicID: DefaultTopicID, AgentID: DefaultAgentID},
		DimsFromContext(map[string]any{}))
}

func TestHistoryBounded(t *testing.T) {
	p := New()
	for i := 0; i < maxHistory+100; i++ {
		p.Put(NamespaceGlobal, "k", i)
	}
	assert.Len(t, p.History(), maxHistory)
}

func TestExportImportRoundTrip(t *testing.T) {
	p := New()
	p.Put(NamespaceGlobal, "scratch", "x")
	p.Put3D(Dims{UserID: "alice"}, "fact", "likes go")
	p.PutFile("report", FileRef{Path: "reports/r1.txt", Type: "text", Size: 12})

	restored := New()
	restored.ImportData(p.Export())

	value, ok := restored.Get(NamespaceGlobal, "scratch")
	require.True(t, ok)
	assert.Equal(t, "x", value)

	value, ok = restored.Get3D(Dims{UserID: "alice"}, "fact")
	require.True(t, ok)
	assert.Equal(t, "likes go", value)

	ref, ok := restored.GetFile("report")
	require.True(t, ok)
	assert.Equal(t, "reports/r1.txt", ref.Path)
	assert.Equal(t, p.ID(), restored.ID())
}

func TestRestoreFromJSON(t *testing.T) {
	p := New()
	p.RememberDialogTurn(context.Background(), Dims{UserID: "alice", AgentID: "helper"},
		"my name is Alice", "nice to meet you Alice")

	raw, err := p.MarshalSnapshot()
	require.NoError(t, err)

	restored, err := Restore(raw)
	require.NoError(t, err)

	hits := restored.SearchMemory(context.Background(),
		Dims{UserID: "alice", AgentID: "helper"}, "name", 10)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0], "my name is Alice")
}

func TestRestoreToleratesMissingFields(t *testing.T) {
	restored, err := Restore(`{"pipeline_id": "p-1", "data": {"global": {"k": "v"}}}`)
	require.NoError(t, err)

	value, ok := restored.Get(NamespaceGlobal, "k")
	require.True(t, ok)
	assert.Equal(t, "v", value)

	// Defaulted surfaces still work.
	restored.Put3D(Dims{UserID: "u"}, "a", 1)
	restored.PutFile("f", FileRef{Path: "x"})
	assert.True(t, restored.Has3D(Dims{UserID: "u"}, "a"))
}

func TestRestoreCorrupt(t *testing.T) {
	_, err := Restore("{not json")
	assert.Error(t, err)
}

func TestExportForFrontendTruncatesHistory(t *testing.T) {
	p := New()
	for i := 0; i < frontendHistoryLimit+20; i++ {
		p.Put(NamespaceGlobal, "k", i)
	}
	p.Put(NamespaceGlobal, "agent_ctx", make(chan int)) // not serializable

	view := p.ExportForFrontend()
	history := view["history"].([]HistoryEntry)
	assert.Len(t, history, frontendHistoryLimit)

	data := view["data"].(map[string]map[string]any)
	_, ok := data[NamespaceGlobal]["agent_ctx"]
	assert.False(t, ok)
	_, ok = data[NamespaceGlobal]["k"]
	assert.True(t, ok)
}

func TestMemoryWriteThrough(t *testing.T) {
	db := newTestDB(t)
	p := New().WithMemoryStore(db)
	dims := Dims{UserID: "alice", AgentID: "helper"}

	ctx := context.Background()
	p.RememberUserMessage(ctx, dims, "I prefer aisle seats")

	records, err := db.SearchMemories(ctx, "alice", "helper", "aisle", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.MemorySubconscious, records[0].Scope)
	assert.Contains(t, records[0].Content, "aisle seats")
}

func TestSearchMemoryFallsBackToStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveMemory(ctx, &store.MemoryRecord{
		UserID: "alice", AgentID: "helper",
		Scope: store.MemoryLongTerm, Content: "user: my name is Alice",
	}))

	// Fresh pipeline with empty in-process buckets.
	p := New().WithMemoryStore(db)
	hits := p.SearchMemory(ctx, Dims{UserID: "alice", AgentID: "helper"}, "name", 10)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0], "Alice")
}

func TestExtractKnowledgeWithLLM(t *testing.T) {
	p := New()
	dims := Dims{UserID: "alice", TopicID: "travel", AgentID: "planner"}
	ctx := context.Background()
	p.RememberDialogTurn(ctx, dims, "I want to visit Kyoto in spring", "Kyoto is lovely then")

	provider := &llms.ScriptedProvider{Responses: []string{
		`{"user_knowledge": "prefers spring travel", "topics": ["kyoto", "travel"], "agent_knowledge": "planning a Kyoto trip"}`,
	}}
	require.NoError(t, p.ExtractKnowledge(ctx, provider, "alice"))

	value, ok := p.Get3D(Dims{UserID: "alice"}, KeyUserKnowledge)
	require.True(t, ok)
	assert.Equal(t, "prefers spring travel", value)

	topics, ok := p.Get3D(Dims{UserID: "alice", TopicID: "travel"}, KeyTopicLabels)
	require.True(t, ok)
	assert.Equal(t, []string{"kyoto", "travel"}, topics)

	knowledge, ok := p.Get3D(dims, KeyAgentKnowledge)
	require.True(t, ok)
	assert.Equal(t, "planning a Kyoto trip", knowledge)
}

func TestExtractKnowledgeFallback(t *testing.T) {
	p := New()
	dims := Dims{UserID: "alice", TopicID: "travel", AgentID: "planner"}
	ctx := context.Background()
	p.RememberDialogTurn(ctx, dims, "kyoto kyoto kyoto", "kyoto sounds great")

	provider := &llms.ScriptedProvider{Responses: []string{"no json here"}}
	require.NoError(t, p.ExtractKnowledge(ctx, provider, "alice"))

	knowledge, ok := p.Get3D(dims, KeyAgentKnowledge)
	require.True(t, ok)
	assert.Contains(t, knowledge.(string), "kyoto")
}
