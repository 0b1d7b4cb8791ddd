package kg

import (
	"regexp"
	"strings"

	"github.com/loomworks/loom/pkg/store"
)

const (
	baseConfidence = 0.85
	nerConfidence  = 0.9
)

// Rule maps a grammatical pattern to a relation. SubjectGroup and
// ObjectGroup index the capture groups holding the entities.
type Rule struct {
	Pattern      *regexp.Regexp
	Relation     string
	SubjectGroup int
	ObjectGroup  int
}

// entityRun matches a plausible entity mention: a short Han run or a
// capitalized Latin name.
const entityRun = `[\p{Han}]{1,8}|[A-Z][A-Za-z]+(?:\s[A-Z][A-Za-z]+)*`

// defaultRules are the fixed Chinese relation patterns, tested per
// sentence.
var defaultRules = []Rule{
	{Pattern: regexp.MustCompile(`(` + entityRun + `)是(` + entityRun + `)`), Relation: "是", SubjectGroup: 1, ObjectGroup: 2},
	{Pattern: regexp.MustCompile(`(` + entityRun + `)位于(` + entityRun + `)`), Relation: "位于", SubjectGroup: 1, ObjectGroup: 2},
	{Pattern: regexp.MustCompile(`(` + entityRun + `)在([\p{Han}]{1,8})[地县城乡村]`), Relation: "位于", SubjectGroup: 1, ObjectGroup: 2},
	{Pattern: regexp.MustCompile(`(` + entityRun + `)和(` + entityRun + `)结义`), Relation: "结义", SubjectGroup: 1, ObjectGroup: 2},
	{Pattern: regexp.MustCompile(`(` + entityRun + `)说`), Relation: "说", SubjectGroup: 1, ObjectGroup: 0},
	{Pattern: regexp.MustCompile(`(` + entityRun + `)(攻打|占领|夺取|斩杀|击败|救助|辅佐|投靠)(` + entityRun + `)`), Relation: "执行", SubjectGroup: 1, ObjectGroup: 3},
}

// multiPartyOath matches three or more participants swearing brotherhood,
// optionally with a location: "X、Y、Z在W结义".
var multiPartyOath = regexp.MustCompile(`((?:[\p{Han}]{2,4}、){1,8}[\p{Han}]{2,4})(?:[与和][\p{Han}]{2,4})?(?:在([\p{Han}]{2,6}))?结义`)

var sentenceSplit = regexp.MustCompile(`[。！？!?；;\n]`)

func splitSentences(text string) []string {
	var sentences []string
	for _, s := range sentenceSplit.Split(text, -1) {
		s = strings.TrimSpace(s)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// applyRules extracts triples from text with the given rules. Entity names
// are trimmed of leading connectives picked up by greedy Han runs.
func applyRules(text string, rules []Rule) []*store.Triple {
	var triples []*store.Triple
	for _, sentence := range splitSentences(text) {
		triples = append(triples, oathTriples(sentence)...)
		for _, rule := range rules {
			for _, match := range rule.Pattern.FindAllStringSubmatch(sentence, -1) {
				subject := normalizeEntity(group(match, rule.SubjectGroup))
				object := normalizeEntity(group(match, rule.ObjectGroup))
				if subject == "" {
					continue
				}
				if rule.ObjectGroup > 0 && object == "" {
					continue
				}
				if rule.ObjectGroup == 0 {
					// Speech pattern: the quoted remainder is the object.
					object = speechObject(sentence, subject)
					if object == "" {
						continue
					}
				}
				if subject == object {
					continue
				}
				triples = append(triples, &store.Triple{
					Subject:    subject,
					Predicate:  rule.Relation,
					Object:     object,
					Confidence: baseConfidence,
					SourceText: sentence,
				})
			}
		}
	}
	return triples
}

func group(match []string, idx int) string {
	if idx <= 0 || idx >= len(match) {
		return ""
	}
	return match[idx]
}

var connectivePrefix = regexp.MustCompile(`^(于是|然后|接着|因此|后来|并且|而且)`)

func normalizeEntity(entity string) string {
	entity = strings.TrimSpace(entity)
	entity = connectivePrefix.ReplaceAllString(entity, "")
	return entity
}

func speechObject(sentence, speaker string) string {
	idx := strings.Index(sentence, speaker+"说")
	if idx < 0 {
		return ""
	}
	quoted := sentence[idx+len(speaker+"说"):]
	quoted = strings.Trim(quoted, "：: “”\"")
	return strings.TrimSpace(quoted)
}

// oathTriples handles multi-party sworn brotherhood. Each participant pair
// yields a 结义 triple; a located oath synthesizes an event entity with
// type, location and participation triples.
func oathTriples(sentence string) []*store.Triple {
	match := multiPartyOath.FindStringSubmatch(sentence)
	if match == nil {
		return nil
	}
	participants := strings.Split(match[1], "、")
	if extra := extraParticipant(sentence, match[0]); extra != "" {
		participants = append(participants, extra)
	}
	if len(participants) < 2 {
		return nil
	}

	var triples []*store.Triple
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			triples = append(triples, &store.Triple{
				Subject:    participants[i],
				Predicate:  "结义",
				Object:     participants[j],
				Confidence: baseConfidence,
				SourceText: sentence,
			})
		}
	}

	location := match[2]
	if location != "" {
		event := location + "结义"
		triples = append(triples,
			&store.Triple{Subject: event, Predicate: "类型", Object: "结义事件", Confidence: baseConfidence, SourceText: sentence},
			&store.Triple{Subject: event, Predicate: "发生地点", Object: location, Confidence: baseConfidence, SourceText: sentence},
		)
		for _, participant := range participants {
			triples = append(triples, &store.Triple{
				Subject:    participant,
				Predicate:  "参与",
				Object:     event,
				Confidence: baseConfidence,
				SourceText: sentence,
			})
		}
	}
	return triples
}

// extraParticipant recovers the "与Z" / "和Z" participant the list capture
// missed.
var extraParticipantRe = regexp.MustCompile(`[与和]([\p{Han}]{2,4})(?:在[\p{Han}]{2,6})?结义`)

func extraParticipant(sentence, matched string) string {
	sub := extraParticipantRe.FindStringSubmatch(matched)
	if sub == nil {
		return ""
	}
	return sub[1]
}
