package rag

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "to": true, "in": true,
	"on": true, "at": true, "is": true, "are": true, "was": true, "and": true,
	"or": true, "for": true, "with": true, "who": true, "what": true,
	"where": true, "when": true, "how": true, "why": true, "do": true,
	"does": true, "did": true, "me": true, "about": true, "tell": true,
	"的": true, "了": true, "是": true, "在": true, "和": true, "与": true,
	"吗": true, "呢": true, "什么": true, "哪里": true, "怎么": true, "谁": true,
}

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// tokenize lowercases and extracts query terms, dropping stopwords. Long
// Han runs additionally contribute their 2-grams so that unsegmented
// Chinese text still matches.
func tokenize(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(term string) {
		if term == "" || stopwords[term] || seen[term] {
			return
		}
		seen[term] = true
		terms = append(terms, term)
	}

	for _, token := range tokenRe.FindAllString(strings.ToLower(query), -1) {
		add(token)
		runes := []rune(token)
		if isHanRun(runes) && len(runes) > 2 {
			for i := 0; i+2 <= len(runes); i++ {
				add(string(runes[i : i+2]))
			}
		}
	}
	return terms
}

func isHanRun(runes []rune) bool {
	for _, r := range runes {
		if !unicode.Is(unicode.Han, r) {
			return false
		}
	}
	return len(runes) > 0
}

type keywordHit struct {
	chunkID string
	score   float64
	matched int
}

// keywordScore rates one chunk against the query terms: term counts
// weighted by earliest occurrence, normalized into (0, 1).
func keywordScore(content string, terms []string) (float64, int) {
	lowered := strings.ToLower(content)
	var raw float64
	matched := 0
	for _, term := range terms {
		count := strings.Count(lowered, term)
		if count == 0 {
			continue
		}
		matched++
		pos := strings.Index(lowered, term)
		raw += float64(count) / (1.0 + float64(pos)/500.0)
	}
	if raw == 0 {
		return 0, 0
	}
	return raw / (raw + 2.0), matched
}

// keywordSearch ranks chunk contents by keyword score and returns the top
// hits. Two or more matched terms earn a 1.2x boost, capped at 1.0.
func keywordSearch(contents map[string]string, terms []string, topK int) []keywordHit {
	if len(terms) == 0 {
		return nil
	}
	var hits []keywordHit
	for chunkID, content := range contents {
		score, matched := keywordScore(content, terms)
		if score == 0 {
			continue
		}
		if matched >= 2 {
			score *= 1.2
			if score > 1.0 {
				score = 1.0
			}
		}
		hits = append(hits, keywordHit{chunkID: chunkID, score: score, matched: matched})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].chunkID < hits[j].chunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
