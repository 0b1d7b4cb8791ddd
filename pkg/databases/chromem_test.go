package databases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
)

func newTestChromem(t *testing.T) *ChromemProvider {
	t.Helper()
	provider, err := NewChromemProvider(&config.VectorStoreConfig{Type: "chromem"})
	require.NoError(t, err)
	return provider
}

func TestChromemUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	provider := newTestChromem(t)

	require.NoError(t, provider.Upsert(ctx, "chunks", "a", []float32{1, 0, 0},
		map[string]any{"content": "alpha", "kb_id": "kb1"}))
	require.NoError(t, provider.Upsert(ctx, "chunks", "b", []float32{0, 1, 0},
		map[string]any{"content": "beta", "kb_id": "kb1"}))

	results, err := provider.Search(ctx, "chunks", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "alpha", results[0].Content)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestChromemSearchWithFilter(t *testing.T) {
	ctx := context.Background()
	provider := newTestChromem(t)

	require.NoError(t, provider.Upsert(ctx, "chunks", "a", []float32{1, 0},
		map[string]any{"content": "alpha", "kb_id": "kb1"}))
	require.NoError(t, provider.Upsert(ctx, "chunks", "b", []float32{1, 0},
		map[string]any{"content": "beta", "kb_id": "kb2"}))

	results, err := provider.SearchWithFilter(ctx, "chunks", []float32{1, 0}, 2,
		map[string]any{"kb_id": "kb2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestChromemSearchEmptyCollection(t *testing.T) {
	provider := newTestChromem(t)

	results, err := provider.Search(context.Background(), "empty", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemDelete(t *testing.T) {
	ctx := context.Background()
	provider := newTestChromem(t)

	require.NoError(t, provider.Upsert(ctx, "chunks", "a", []float32{1, 0},
		map[string]any{"content": "alpha"}))
	require.NoError(t, provider.Delete(ctx, "chunks", "a"))

	results, err := provider.Search(ctx, "chunks", []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDatabaseRegistry(t *testing.T) {
	r := NewDatabaseRegistry()

	provider, err := r.CreateFromConfig("main", &config.VectorStoreConfig{Type: "chromem"})
	require.NoError(t, err)
	assert.Equal(t, "chromem", provider.Name())

	got, err := r.GetDatabase("main")
	require.NoError(t, err)
	assert.Same(t, provider, got)

	_, err = r.CreateFromConfig("bad", &config.VectorStoreConfig{Type: "faiss"})
	require.Error(t, err)
}
