package embedders

import (
	"context"
	"hash/fnv"
	"math"
)

// HashEmbedder produces deterministic pseudo-embeddings from text content.
// Texts sharing tokens land near each other, which is enough for tests.
type HashEmbedder struct {
	Dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 16
	}
	return &HashEmbedder{Dimension: dimension}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vector := make([]float32, e.Dimension)
	for i := 0; i+2 < len(text); i++ {
		h := fnv.New32a()
		h.Write([]byte(text[i : i+3]))
		vector[h.Sum32()%uint32(e.Dimension)] += 1
	}
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}

func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}

func (e *HashEmbedder) GetDimension() int    { return e.Dimension }
func (e *HashEmbedder) GetModelName() string { return "hash" }
func (e *HashEmbedder) Close() error         { return nil }
