package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
)

// Well-known keys knowledge extraction writes to.
const (
	KeyUserKnowledge  = "user_knowledge"
	KeyTopicLabels    = "topic_labels"
	KeyAgentKnowledge = "agent_knowledge"
)

const knowledgeSystemPrompt = `You distill conversation history into compact knowledge.
Respond with a single JSON object:
{
  "user_knowledge": "cross-topic user preferences and facts, one short paragraph",
  "topics": ["topic label", ...],
  "agent_knowledge": "what this agent has learned about the task, one short paragraph"
}`

// ExtractKnowledge asks the LLM to distill the subconscious conversation
// buckets for one user into user knowledge, topic labels, and per-agent
// knowledge, and writes the results back into well-known keys. A parse
// failure degrades to keyword extraction rather than erroring.
func (p *Pipeline) ExtractKnowledge(ctx context.Context, provider llms.Provider, userID string) error {
	if userID == "" {
		userID = DefaultUserID
	}

	for _, topic := range p.Topics(userID) {
		for _, agent := range p.agents(userID, topic) {
			dims := Dims{UserID: userID, TopicID: topic, AgentID: agent}
			transcript := p.transcript(dims)
			if transcript == "" {
				continue
			}
			p.extractOne(ctx, provider, dims, transcript)
		}
	}
	return nil
}

func (p *Pipeline) extractOne(ctx context.Context, provider llms.Provider, dims Dims, transcript string) {
	if provider == nil {
		p.fallbackExtract(dims, transcript)
		return
	}

	response, err := provider.Generate(ctx, []llms.Message{
		{Role: "system", Content: knowledgeSystemPrompt},
		{Role: "user", Content: transcript},
	})
	if err != nil {
		slog.Warn("knowledge extraction LLM call failed, using keyword fallback",
			"user_id", dims.UserID, "topic_id", dims.TopicID, "error", err)
		p.fallbackExtract(dims, transcript)
		return
	}

	parsed, err := jsonx.ExtractObject(response)
	if err != nil {
		slog.Warn("knowledge extraction returned no JSON, using keyword fallback",
			"user_id", dims.UserID, "topic_id", dims.TopicID, "error", err)
		p.fallbackExtract(dims, transcript)
		return
	}

	if knowledge, ok := parsed[KeyUserKnowledge].(string); ok && knowledge != "" {
		p.Put3D(Dims{UserID: dims.UserID}, KeyUserKnowledge, knowledge)
	}
	if topics, ok := parsed["topics"].([]any); ok && len(topics) > 0 {
		labels := make([]string, 0, len(topics))
		for _, t := range topics {
			if label, ok := t.(string); ok && label != "" {
				labels = append(labels, label)
			}
		}
		p.Put3D(Dims{UserID: dims.UserID, TopicID: dims.TopicID}, KeyTopicLabels, labels)
	}
	if knowledge, ok := parsed[KeyAgentKnowledge].(string); ok && knowledge != "" {
		p.Put3D(dims, KeyAgentKnowledge, knowledge)
	}
}

// fallbackExtract keeps the most frequent long words as topic labels and the
// raw transcript tail as agent knowledge.
func (p *Pipeline) fallbackExtract(dims Dims, transcript string) {
	counts := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(transcript)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if len([]rune(word)) >= 4 {
			counts[word]++
		}
	}
	var labels []string
	for word, count := range counts {
		if count >= 2 {
			labels = append(labels, word)
		}
	}
	if len(labels) > 5 {
		labels = labels[:5]
	}
	if len(labels) > 0 {
		p.Put3D(Dims{UserID: dims.UserID, TopicID: dims.TopicID}, KeyTopicLabels, labels)
	}

	tail := []rune(transcript)
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	p.Put3D(dims, KeyAgentKnowledge, string(tail))
}

func (p *Pipeline) transcript(dims Dims) string {
	entries := p.MemoryBucket(dims, keySubconscious)
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Content)
	}
	return strings.TrimSpace(b.String())
}

func (p *Pipeline) agents(userID, topicID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	byAgent := p.data3D[userID][topicID]
	agents := make([]string, 0, len(byAgent))
	for agent := range byAgent {
		agents = append(agents, agent)
	}
	return agents
}
