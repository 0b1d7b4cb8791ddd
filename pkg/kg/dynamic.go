package kg

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"time"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

const dynamicRulesSystemPrompt = `You analyze a document sample and propose relation-extraction rules.
First characterize the document: {"text_type": "...", "core_themes": [...], "common_relations": [...], "language_style": "..."}.
Then respond with ONLY a JSON object:
{"rules": [{"pattern": "<regex with two capture groups>", "relation": "<relation name>", "subject_group": 1, "object_group": 2}, ...]}
Propose between 5 and 10 rules tailored to this document's phrasing.`

// dynamicRules returns per-document LLM-generated rules, generating and
// caching them on first request. Failures cache an empty rule set so the
// document is analyzed once.
func (s *Service) dynamicRules(ctx context.Context, doc *store.Document) []Rule {
	s.rulesMu.Lock()
	if rules, ok := s.docRules[doc.ID]; ok {
		s.rulesMu.Unlock()
		return rules
	}
	s.rulesMu.Unlock()

	var rules []Rule
	err := sharedPool(s.cfg.Workers).Run(func() {
		rules = s.generateRules(ctx, doc)
	})
	if err != nil {
		slog.Warn("dynamic rule generation skipped", "document_id", doc.ID, "error", err)
		return nil
	}

	s.rulesMu.Lock()
	s.docRules[doc.ID] = rules
	s.rulesMu.Unlock()
	return rules
}

func (s *Service) generateRules(ctx context.Context, doc *store.Document) []Rule {
	sample := s.sampleText(doc.Content)
	delay := time.Duration(s.cfg.DynamicRulesRetryDelay) * time.Second

	for attempt := 0; attempt < s.cfg.DynamicRulesRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
		}
		answer, err := s.llm.Generate(ctx, llms.SystemUser(dynamicRulesSystemPrompt, sample))
		if err != nil {
			slog.Warn("dynamic rule generation failed", "document_id", doc.ID, "attempt", attempt+1, "error", err)
			continue
		}
		rules, err := parseRules(answer)
		if err != nil {
			slog.Warn("dynamic rules unparseable", "document_id", doc.ID, "attempt", attempt+1, "error", err)
			continue
		}
		return rules
	}
	return nil
}

func parseRules(answer string) ([]Rule, error) {
	parsed, err := jsonx.ExtractObject(answer)
	if err != nil {
		return nil, err
	}
	raw, ok := parsed["rules"].([]any)
	if !ok {
		return nil, fmt.Errorf("response carries no rules array")
	}

	var rules []Rule
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pattern, _ := entry["pattern"].(string)
		relation, _ := entry["relation"].(string)
		if pattern == "" || relation == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rule := Rule{Pattern: re, Relation: relation, SubjectGroup: 1, ObjectGroup: 2}
		if g, ok := entry["subject_group"].(float64); ok {
			rule.SubjectGroup = int(g)
		}
		if g, ok := entry["object_group"].(float64); ok {
			rule.ObjectGroup = int(g)
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("no valid rules in response")
	}
	return rules, nil
}

// sampleText draws the configured sample from the document: head, random,
// or mixed (head plus a random middle slice).
func (s *Service) sampleText(content string) string {
	runes := []rune(content)
	limit := s.cfg.SampleTextLength
	if len(runes) <= limit {
		return content
	}

	switch s.cfg.SampleMethod {
	case "head":
		return string(runes[:limit])
	case "random":
		start := rand.Intn(len(runes) - limit)
		return string(runes[start : start+limit])
	default: // mixed
		head := limit / 2
		rest := limit - head
		tailSpace := len(runes) - head - rest
		start := head
		if tailSpace > 0 {
			start = head + rand.Intn(tailSpace)
		}
		return string(runes[:head]) + "\n...\n" + string(runes[start:start+rest])
	}
}
