package kg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/jsonx"
	"github.com/loomworks/loom/pkg/llms"
	"github.com/loomworks/loom/pkg/store"
)

const extractSystemPrompt = `You extract knowledge-graph triples from text.
Respond with ONLY a JSON object:
{"triples": [{"subject": "...", "predicate": "...", "object": "...", "confidence": 0.0}, ...]}
Extract only relations stated in the text. Keep entity names short and exact.`

// ExtractDocument runs triple extraction over a document's chunks and
// stores the results. The document's extraction status moves to
// "extracting" immediately and to "completed" or "failed" at the end.
func (s *Service) ExtractDocument(ctx context.Context, doc *store.Document, chunks []*store.Chunk) error {
	if !s.cfg.Enabled || !s.cfg.ExtractEnabled {
		return nil
	}
	if err := s.store.UpdateDocumentExtractionStatus(ctx, doc.ID, store.ExtractionExtracting); err != nil {
		return fmt.Errorf("failed to mark extraction started: %w", err)
	}

	total := 0
	var failure error
	for _, chunk := range chunks {
		if chunk.IsSummary {
			continue
		}
		triples, err := s.extractChunk(ctx, doc, chunk)
		if err != nil {
			failure = err
			break
		}
		for _, triple := range triples {
			triple.KBID = doc.KBID
			triple.DocumentID = doc.ID
			triple.ChunkID = chunk.ID
		}
		inserted, err := s.store.InsertTriples(ctx, triples)
		if err != nil {
			failure = fmt.Errorf("failed to store triples: %w", err)
			break
		}
		total += inserted
	}

	if failure != nil {
		if err := s.store.UpdateDocumentExtractionStatus(ctx, doc.ID, store.ExtractionFailed); err != nil {
			slog.Warn("failed to record extraction failure", "document_id", doc.ID, "error", err)
		}
		return failure
	}
	if err := s.store.UpdateDocumentExtractionStatus(ctx, doc.ID, store.ExtractionCompleted); err != nil {
		return fmt.Errorf("failed to mark extraction completed: %w", err)
	}
	slog.Info("document extraction completed", "document_id", doc.ID, "triples", total)
	return nil
}

func (s *Service) extractChunk(ctx context.Context, doc *store.Document, chunk *store.Chunk) ([]*store.Triple, error) {
	switch s.cfg.ExtractMode {
	case "llm":
		return s.extractLLM(ctx, chunk.Content)
	case "rule":
		return applyRules(chunk.Content, s.ruleSet(ctx, doc)), nil
	case "hybrid":
		triples := applyRules(chunk.Content, s.ruleSet(ctx, doc))
		if len(triples) >= 2 || s.llm == nil {
			return triples, nil
		}
		extra, err := s.extractLLM(ctx, chunk.Content)
		if err != nil {
			slog.Warn("llm supplement failed, keeping rule triples", "chunk_id", chunk.ID, "error", err)
			return triples, nil
		}
		return append(triples, extra...), nil
	default: // model, ner_rule
		return s.extractNERRule(ctx, doc, chunk.Content)
	}
}

// ruleSet combines the fixed rules with per-document dynamic rules when
// those are enabled and an LLM is available.
func (s *Service) ruleSet(ctx context.Context, doc *store.Document) []Rule {
	rules := defaultRules
	if s.cfg.DynamicRulesEnabled && s.llm != nil {
		rules = append(append([]Rule{}, rules...), s.dynamicRules(ctx, doc)...)
	}
	return rules
}

func (s *Service) extractLLM(ctx context.Context, text string) ([]*store.Triple, error) {
	if s.llm == nil {
		return nil, fmt.Errorf("llm extraction requested without a provider")
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.CallTimeout)*time.Second)
	defer cancel()

	var (
		answer string
		genErr error
	)
	if err := sharedPool(s.cfg.Workers).Run(func() {
		answer, genErr = s.llm.Generate(callCtx, llms.SystemUser(extractSystemPrompt, text))
	}); err != nil {
		return nil, err
	}
	if genErr != nil {
		return nil, fmt.Errorf("triple extraction call failed: %w", genErr)
	}
	return parseTriples(answer), nil
}

func parseTriples(answer string) []*store.Triple {
	parsed, err := jsonx.ExtractObject(answer)
	if err != nil {
		return nil
	}
	raw, ok := parsed["triples"].([]any)
	if !ok {
		return nil
	}
	var triples []*store.Triple
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		subject, _ := entry["subject"].(string)
		predicate, _ := entry["predicate"].(string)
		object, _ := entry["object"].(string)
		if subject == "" || predicate == "" || object == "" {
			continue
		}
		confidence := baseConfidence
		if c, ok := entry["confidence"].(float64); ok && c > 0 && c <= 1 {
			confidence = c
		}
		triples = append(triples, &store.Triple{
			Subject:    strings.TrimSpace(subject),
			Predicate:  strings.TrimSpace(predicate),
			Object:     strings.TrimSpace(object),
			Confidence: confidence,
		})
	}
	return triples
}

// extractNERRule runs the rule patterns restricted to sentences the NER
// service recognized entities in. A triple whose subject and object are
// both certified entities gets the higher NER confidence. Without a
// reachable NER service it degrades to plain rule extraction.
func (s *Service) extractNERRule(ctx context.Context, doc *store.Document, text string) ([]*store.Triple, error) {
	rules := s.ruleSet(ctx, doc)
	if s.ner == nil {
		return applyRules(text, rules), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.CallTimeout)*time.Second)
	defer cancel()
	entities, err := s.ner.Extract(callCtx, text)
	if err != nil {
		slog.Warn("ner service unavailable, falling back to rules", "error", err)
		return applyRules(text, rules), nil
	}

	known := make(map[string]bool, len(entities))
	for _, entity := range entities {
		known[entity.Text] = true
	}

	var triples []*store.Triple
	for _, sentence := range splitSentences(text) {
		if countKnownEntities(sentence, known) < 2 {
			continue
		}
		for _, triple := range applyRules(sentence, rules) {
			if !entityCertified(triple.Subject, known) || !entityCertified(triple.Object, known) {
				continue
			}
			if known[triple.Subject] && known[triple.Object] {
				triple.Confidence = nerConfidence
			}
			triples = append(triples, triple)
		}
	}
	return triples, nil
}

func countKnownEntities(sentence string, known map[string]bool) int {
	count := 0
	for entity := range known {
		if strings.Contains(sentence, entity) {
			count++
		}
	}
	return count
}

// entityCertified accepts exact entity matches and mentions that contain
// or are contained by a recognized entity.
func entityCertified(mention string, known map[string]bool) bool {
	if known[mention] {
		return true
	}
	for entity := range known {
		if strings.Contains(mention, entity) || strings.Contains(entity, mention) {
			return true
		}
	}
	return false
}
