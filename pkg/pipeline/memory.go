package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/pkg/store"
)

// Memory bucket keys inside the 3-D store. Raw conversation turns default to
// the subconscious bucket and get promoted by knowledge extraction.
const (
	keyShortTerm    = "short_term"
	keySubconscious = "subconscious"
	keyLongTerm     = "long_term"
)

// MemoryEntry is one remembered item in the in-process buckets.
type MemoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RememberUserMessage records a user utterance in the short-term and
// subconscious buckets and writes through to the durable memories store.
func (p *Pipeline) RememberUserMessage(ctx context.Context, dims Dims, message string) {
	p.remember(ctx, dims, "user", message)
}

// RememberAgentResponse records an assistant reply.
func (p *Pipeline) RememberAgentResponse(ctx context.Context, dims Dims, response string) {
	p.remember(ctx, dims, "assistant", response)
}

// RememberDialogTurn records a full user/assistant exchange.
func (p *Pipeline) RememberDialogTurn(ctx context.Context, dims Dims, userMessage, agentResponse string) {
	p.RememberUserMessage(ctx, dims, userMessage)
	p.RememberAgentResponse(ctx, dims, agentResponse)
}

func (p *Pipeline) remember(ctx context.Context, dims Dims, role, content string) {
	if content == "" {
		return
	}
	dims = dims.withDefaults()
	entry := MemoryEntry{Role: role, Content: content}

	p.appendBucket(dims, keyShortTerm, entry)
	p.appendBucket(dims, keySubconscious, entry)

	if p.memoryStore() != nil {
		record := &store.MemoryRecord{
			UserID:  dims.UserID,
			AgentID: dims.AgentID,
			Scope:   store.MemorySubconscious,
			Content: fmt.Sprintf("%s: %s", role, content),
		}
		if err := p.memoryStore().SaveMemory(ctx, record); err != nil {
			slog.Warn("failed to persist memory", "user_id", dims.UserID, "error", err)
		}
	}
}

func (p *Pipeline) appendBucket(dims Dims, key string, entry MemoryEntry) {
	existing, _ := p.Get3D(dims, key)
	p.Put3D(dims, key, append(coerceEntries(existing), entry))
}

// MemoryBucket returns the entries in one memory bucket.
func (p *Pipeline) MemoryBucket(dims Dims, key string) []MemoryEntry {
	existing, _ := p.Get3D(dims, key)
	return coerceEntries(existing)
}

// coerceEntries accepts both live []MemoryEntry values and the []any of
// maps a JSON snapshot round-trip produces.
func coerceEntries(value any) []MemoryEntry {
	switch v := value.(type) {
	case []MemoryEntry:
		return v
	case []any:
		entries := make([]MemoryEntry, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			entry := MemoryEntry{}
			entry.Role, _ = m["role"].(string)
			entry.Content, _ = m["content"].(string)
			if entry.Content != "" {
				entries = append(entries, entry)
			}
		}
		return entries
	default:
		return nil
	}
}

// SearchMemory looks for a term first in the in-process buckets, then in the
// durable memories store. Matching is a case-insensitive substring check.
func (p *Pipeline) SearchMemory(ctx context.Context, dims Dims, term string, limit int) []string {
	dims = dims.withDefaults()
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(term)

	var hits []string
	seen := make(map[string]bool)
	for _, key := range []string{keyShortTerm, keyLongTerm, keySubconscious} {
		for _, entry := range p.MemoryBucket(dims, key) {
			if len(hits) >= limit {
				return hits
			}
			line := fmt.Sprintf("%s: %s", entry.Role, entry.Content)
			if seen[line] {
				continue
			}
			if needle == "" || strings.Contains(strings.ToLower(entry.Content), needle) {
				hits = append(hits, line)
				seen[line] = true
			}
		}
	}

	if len(hits) < limit && p.memoryStore() != nil {
		records, err := p.memoryStore().SearchMemories(ctx, dims.UserID, dims.AgentID, term, limit-len(hits))
		if err != nil {
			slog.Warn("failed to search durable memories", "user_id", dims.UserID, "error", err)
			return hits
		}
		for _, record := range records {
			if seen[record.Content] {
				continue
			}
			hits = append(hits, record.Content)
			seen[record.Content] = true
		}
	}
	return hits
}

func (p *Pipeline) memoryStore() MemoryStore {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.memories
}
