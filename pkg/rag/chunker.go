package rag

import (
	"regexp"
	"strings"

	"github.com/loomworks/loom/pkg/config"
)

// Piece is one chunk of a document before persistence.
type Piece struct {
	Content string
	Index   int
	Section string
}

// Chunker splits document content into pieces.
type Chunker interface {
	Chunk(content string) []Piece
	Strategy() string
}

// NewChunker selects the chunker for the configured strategy.
func NewChunker(cfg *config.RetrievalConfig) Chunker {
	switch cfg.ChunkStrategy {
	case "sentence":
		return &SentenceChunker{size: cfg.ChunkSize, min: cfg.MinChunkSize, max: cfg.MaxChunkSize, overlap: cfg.ChunkOverlap}
	case "fixed":
		return &FixedChunker{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, min: cfg.MinChunkSize, max: cfg.MaxChunkSize}
	case "semantic":
		return &SemanticChunker{size: cfg.ChunkSize, min: cfg.MinChunkSize, max: cfg.MaxChunkSize, overlap: cfg.ChunkOverlap}
	default:
		return &HierarchicalChunker{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, min: cfg.MinChunkSize, max: cfg.MaxChunkSize}
	}
}

// Heading patterns, tested per line in order.
var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^第[一二三四五六七八九十百千零〇0-9]+[章节篇回部卷]`),
	regexp.MustCompile(`^[一二三四五六七八九十百]+[、.．]`),
	regexp.MustCompile(`^#{1,6}\s+`),
	regexp.MustCompile(`^\d+(\.\d+)*[、.．)\s]`),
}

func isHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, pattern := range headingPatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}

// HierarchicalChunker splits by detected section headings, then paragraphs,
// then sentence-merges to the target size with overlap.
type HierarchicalChunker struct {
	size    int
	overlap int
	min     int
	max     int
}

func (c *HierarchicalChunker) Strategy() string { return "hierarchical" }

func (c *HierarchicalChunker) Chunk(content string) []Piece {
	var pieces []Piece
	for _, section := range splitSections(content) {
		for _, paragraph := range splitParagraphs(section.body) {
			sentences := splitSentences(paragraph)
			for _, merged := range mergeSentences(sentences, c.size, c.overlap) {
				pieces = append(pieces, Piece{Content: merged, Section: section.heading})
			}
		}
	}
	return finalize(applyLimits(pieces, c.min, c.max, c.overlap))
}

type section struct {
	heading string
	body    string
}

func splitSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	current := section{}
	var body strings.Builder

	flush := func() {
		text := strings.TrimSpace(body.String())
		if text != "" || current.heading != "" {
			current.body = text
			if current.body == "" {
				current.body = current.heading
			}
			sections = append(sections, current)
		}
		body.Reset()
	}

	for _, line := range lines {
		if isHeading(line) {
			flush()
			current = section{heading: strings.TrimSpace(line)}
			body.WriteString(line)
			body.WriteString("\n")
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()

	if len(sections) == 0 {
		return []section{{body: strings.TrimSpace(content)}}
	}
	return sections
}

func splitParagraphs(text string) []string {
	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

var sentenceEnd = regexp.MustCompile(`([。！？!?]|\.\s)`)

func splitSentences(text string) []string {
	if text == "" {
		return nil
	}
	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		sentence := strings.TrimSpace(text[last:loc[1]])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		last = loc[1]
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// mergeSentences packs sentences into chunks of roughly size runes, carrying
// an overlap tail between adjacent chunks.
func mergeSentences(sentences []string, size, overlap int) []string {
	if len(sentences) == 0 {
		return nil
	}
	var chunks []string
	var current strings.Builder

	for _, sentence := range sentences {
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(sentence)) > size {
			chunk := current.String()
			chunks = append(chunks, chunk)
			current.Reset()
			current.WriteString(overlapTail(chunk, overlap))
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func overlapTail(text string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= overlap {
		return text
	}
	return string(runes[len(runes)-overlap:])
}

// applyLimits merges undersized pieces into the previous piece and re-splits
// oversized ones by sliding window.
func applyLimits(pieces []Piece, min, max, overlap int) []Piece {
	var merged []Piece
	for _, piece := range pieces {
		if len(merged) > 0 && len([]rune(piece.Content)) < min {
			merged[len(merged)-1].Content += "\n" + piece.Content
			continue
		}
		merged = append(merged, piece)
	}

	step := max - overlap
	if step <= 0 {
		step = max
	}
	var out []Piece
	for _, piece := range merged {
		runes := []rune(piece.Content)
		if len(runes) <= max {
			out = append(out, piece)
			continue
		}
		for start := 0; start < len(runes); start += step {
			end := start + max
			if end > len(runes) {
				end = len(runes)
			}
			out = append(out, Piece{Content: string(runes[start:end]), Section: piece.Section})
			if end == len(runes) {
				break
			}
		}
	}
	return out
}

func finalize(pieces []Piece) []Piece {
	for i := range pieces {
		pieces[i].Index = i
		pieces[i].Content = strings.TrimSpace(pieces[i].Content)
	}
	return pieces
}

// SentenceChunker merges whole sentences up to the target size.
type SentenceChunker struct {
	size    int
	min     int
	max     int
	overlap int
}

func (c *SentenceChunker) Strategy() string { return "sentence" }

func (c *SentenceChunker) Chunk(content string) []Piece {
	var pieces []Piece
	for _, merged := range mergeSentences(splitSentences(content), c.size, 0) {
		pieces = append(pieces, Piece{Content: merged})
	}
	return finalize(applyLimits(pieces, c.min, c.max, c.overlap))
}

// FixedChunker slides a fixed rune window with overlap.
type FixedChunker struct {
	size    int
	overlap int
	min     int
	max     int
}

func (c *FixedChunker) Strategy() string { return "fixed" }

func (c *FixedChunker) Chunk(content string) []Piece {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) == 0 {
		return nil
	}
	step := c.size - c.overlap
	if step <= 0 {
		step = c.size
	}
	var pieces []Piece
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, Piece{Content: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return finalize(applyLimits(pieces, c.min, c.max, c.overlap))
}

// SemanticChunker splits recursively along a separator ladder, preferring
// the largest separator that keeps pieces under the target size.
type SemanticChunker struct {
	size    int
	min     int
	max     int
	overlap int
}

func (c *SemanticChunker) Strategy() string { return "semantic" }

var semanticSeparators = []string{"\n\n", "\n", "。", ". ", " "}

func (c *SemanticChunker) Chunk(content string) []Piece {
	var pieces []Piece
	for _, part := range recursiveSplit(strings.TrimSpace(content), semanticSeparators, c.size) {
		pieces = append(pieces, Piece{Content: part})
	}
	return finalize(applyLimits(pieces, c.min, c.max, c.overlap))
}

func recursiveSplit(text string, separators []string, size int) []string {
	if len([]rune(text)) <= size {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	if len(separators) == 0 {
		// No separator fits; hard split.
		runes := []rune(text)
		var out []string
		for start := 0; start < len(runes); start += size {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}
			out = append(out, string(runes[start:end]))
		}
		return out
	}

	parts := strings.Split(text, separators[0])
	var out []string
	var current strings.Builder
	for _, part := range parts {
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(part)) > size {
			out = append(out, recursiveSplit(current.String(), separators[1:], size)...)
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(separators[0])
		}
		current.WriteString(part)
	}
	if current.Len() > 0 {
		out = append(out, recursiveSplit(current.String(), separators[1:], size)...)
	}
	return out
}
