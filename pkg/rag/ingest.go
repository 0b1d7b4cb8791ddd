package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

const embedBatchSize = 32

// IngestDocument chunks, embeds and indexes a document's content, updating
// the document's status through the lifecycle. Re-ingestion of an existing
// document replaces its chunks and vectors.
func (e *Engine) IngestDocument(ctx context.Context, doc *store.Document) error {
	if doc == nil || doc.Content == "" {
		return fmt.Errorf("document content is required")
	}

	if err := e.store.UpdateDocumentStatus(ctx, doc.ID, store.DocStatusProcessing, ""); err != nil {
		return err
	}
	if err := e.clearDocumentIndex(ctx, doc); err != nil {
		return e.failDocument(ctx, doc, err)
	}

	chunker := NewChunker(e.cfg)
	pieces := chunker.Chunk(doc.Content)
	if len(pieces) == 0 {
		return e.failDocument(ctx, doc, fmt.Errorf("document produced no chunks"))
	}

	chunks := make([]*store.Chunk, 0, len(pieces))
	for _, piece := range pieces {
		chunk := &store.Chunk{
			ID:            uuid.NewString(),
			DocumentID:    doc.ID,
			KBID:          doc.KBID,
			ChunkIndex:    piece.Index,
			Content:       piece.Content,
			ChunkStrategy: chunker.Strategy(),
		}
		if piece.Section != "" {
			chunk.Metadata = map[string]any{"section": piece.Section}
		}
		chunks = append(chunks, chunk)
	}

	if e.cfg.DomainClassifyEnabled {
		domain, confidence := e.classifyDomain(ctx, chunks)
		for _, chunk := range chunks {
			chunk.Domain = domain
			chunk.DomainConfidence = confidence
		}
	}
	if e.cfg.SummaryChunksEnabled {
		chunks = append(chunks, e.summaryChunks(doc, chunks)...)
	}

	if err := e.store.InsertChunks(ctx, chunks); err != nil {
		return e.failDocument(ctx, doc, err)
	}
	if err := e.store.UpdateDocumentStatus(ctx, doc.ID, store.DocStatusChunked, ""); err != nil {
		return err
	}

	if err := e.indexChunks(ctx, doc.KBID, chunks); err != nil {
		return e.failDocument(ctx, doc, err)
	}

	if err := e.store.SetDocumentChunkCount(ctx, doc.ID, len(chunks)); err != nil {
		return err
	}
	if err := e.store.UpdateDocumentStatus(ctx, doc.ID, store.DocStatusCompleted, ""); err != nil {
		return err
	}

	if e.cfg.ExtractTriplesEnabled && e.extractor != nil {
		if err := e.extractor.ExtractDocument(ctx, doc, chunks); err != nil {
			slog.Warn("triple extraction failed", "document_id", doc.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) failDocument(ctx context.Context, doc *store.Document, cause error) error {
	if err := e.store.UpdateDocumentStatus(ctx, doc.ID, store.DocStatusFailed, cause.Error()); err != nil {
		slog.Warn("failed to record document failure", "document_id", doc.ID, "error", err)
	}
	return cause
}

// clearDocumentIndex drops previous chunks, triples and vectors for
// re-ingestion.
func (e *Engine) clearDocumentIndex(ctx context.Context, doc *store.Document) error {
	if err := e.store.DeleteDocumentData(ctx, doc.ID); err != nil {
		return err
	}
	if e.vectors != nil {
		if err := e.vectors.DeleteByFilter(ctx, Collection(doc.KBID), map[string]any{"document_id": doc.ID}); err != nil {
			slog.Warn("failed to clear document vectors", "document_id", doc.ID, "error", err)
		}
	}
	return nil
}

// indexChunks embeds chunk contents in batches and upserts them into the
// vector collection.
func (e *Engine) indexChunks(ctx context.Context, kbID string, chunks []*store.Chunk) error {
	if e.embedder == nil || e.vectors == nil {
		return nil
	}
	collection := Collection(kbID)
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Content
		}
		vectors, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed chunk batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		for i, chunk := range batch {
			metadata := map[string]any{
				"document_id": chunk.DocumentID,
				"chunk_index": chunk.ChunkIndex,
				"content":     chunk.Content,
			}
			if err := e.vectors.Upsert(ctx, collection, chunk.ID, vectors[i], metadata); err != nil {
				return fmt.Errorf("failed to upsert chunk vector: %w", err)
			}
		}
	}
	return nil
}

const domainSamples = 5

const domainSystemPrompt = `You classify documents into a single domain.
Choose one of: history, technology, finance, medicine, literature, law, general.
Respond with a single JSON object: {"domain": "...", "confidence": 0.0-1.0}.`

var domainKeywords = map[string][]string{
	"history":    {"dynasty", "emperor", "war", "kingdom", "三国", "朝代", "皇帝", "战争", "历史"},
	"technology": {"software", "algorithm", "server", "network", "软件", "算法", "技术", "系统"},
	"finance":    {"market", "stock", "investment", "revenue", "市场", "股票", "投资", "金融"},
	"medicine":   {"patient", "disease", "treatment", "clinical", "病人", "疾病", "治疗", "医学"},
	"literature": {"novel", "poem", "character", "story", "小说", "诗", "文学", "故事"},
	"law":        {"court", "contract", "statute", "legal", "法院", "合同", "法律", "条款"},
}

// classifyDomain samples up to five chunks and asks the LLM for a domain,
// falling back to the keyword taxonomy.
func (e *Engine) classifyDomain(ctx context.Context, chunks []*store.Chunk) (string, float64) {
	sample := sampleChunks(chunks, domainSamples)
	if e.llm != nil {
		if domain, confidence, ok := e.classifyDomainLLM(ctx, sample); ok {
			return domain, confidence
		}
	}
	return classifyDomainKeywords(sample)
}

func (e *Engine) classifyDomainLLM(ctx context.Context, sample []*store.Chunk) (string, float64, bool) {
	var b strings.Builder
	for _, chunk := range sample {
		b.WriteString(chunk.Content)
		b.WriteString("\n---\n")
	}
	answer, err := e.llm.Generate(ctx, llms.SystemUser(domainSystemPrompt, b.String()))
	if err != nil {
		return "", 0, false
	}
	parsed, err := jsonx.ExtractObject(answer)
	if err != nil {
		return "", 0, false
	}
	domain, _ := parsed["domain"].(string)
	if domain == "" {
		return "", 0, false
	}
	confidence, _ := parsed["confidence"].(float64)
	if confidence == 0 {
		confidence = 0.5
	}
	return domain, confidence, true
}

func classifyDomainKeywords(sample []*store.Chunk) (string, float64) {
	var text strings.Builder
	for _, chunk := range sample {
		text.WriteString(strings.ToLower(chunk.Content))
		text.WriteString("\n")
	}
	lowered := text.String()

	best, bestCount := "general", 0
	for domain, keywords := range domainKeywords {
		count := 0
		for _, keyword := range keywords {
			count += strings.Count(lowered, keyword)
		}
		if count > bestCount || (count == bestCount && count > 0 && domain < best) {
			best, bestCount = domain, count
		}
	}
	if bestCount == 0 {
		return "general", 0.3
	}
	return best, float64(bestCount) / float64(bestCount+5)
}

func sampleChunks(chunks []*store.Chunk, n int) []*store.Chunk {
	if len(chunks) <= n {
		return chunks
	}
	picked := make([]*store.Chunk, 0, n)
	for _, idx := range rand.Perm(len(chunks))[:n] {
		picked = append(picked, chunks[idx])
	}
	return picked
}

// summaryChunks produces extractive summaries for oversized chunks and
// chapter heads. Summary chunks carry no index of their own content in
// retrieval fusion; they are regular chunks flagged as summaries.
func (e *Engine) summaryChunks(doc *store.Document, chunks []*store.Chunk) []*store.Chunk {
	nextIndex := len(chunks)
	var summaries []*store.Chunk
	for _, chunk := range chunks {
		oversized := len([]rune(chunk.Content)) > 2*e.cfg.ChunkSize
		chapterHead := isHeading(firstLine(chunk.Content))
		if !oversized && !chapterHead {
			continue
		}
		summary := extractiveSummary(chunk.Content, 200)
		if summary == "" || summary == chunk.Content {
			continue
		}
		summaries = append(summaries, &store.Chunk{
			DocumentID:           doc.ID,
			KBID:                 doc.KBID,
			ChunkIndex:           nextIndex,
			Content:              summary,
			ChunkStrategy:        "summary",
			IsSummary:            true,
			SummaryParentChunkID: chunk.ID,
		})
		nextIndex++
	}
	return summaries
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}

// extractiveSummary keeps the leading sentence plus the highest-information
// sentences until the rune budget is spent.
func extractiveSummary(text string, budget int) string {
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return truncateRunes(text, budget)
	}

	terms := tokenize(text)
	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		score, _ := keywordScore(sentence, terms)
		if i == 0 {
			score += 1.0 // lead sentence always wins
		}
		ranked = append(ranked, scored{idx: i, score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	chosen := make(map[int]bool)
	used := 0
	for _, entry := range ranked {
		cost := len([]rune(sentences[entry.idx]))
		if used+cost > budget && len(chosen) > 0 {
			continue
		}
		chosen[entry.idx] = true
		used += cost
		if used >= budget {
			break
		}
	}

	var b strings.Builder
	for i, sentence := range sentences {
		if chosen[i] {
			b.WriteString(sentence)
		}
	}
	return truncateRunes(b.String(), budget)
}

func truncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
