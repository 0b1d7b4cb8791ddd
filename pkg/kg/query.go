package kg

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/loomworks/loom/pkg/store"
)

var (
	quotedSpan      = regexp.MustCompile(`[“"']([^”"']{1,16})[”"']`)
	bookSpan        = regexp.MustCompile(`《([^》]{1,16})》`)
	capitalizedRun  = regexp.MustCompile(`[A-Z][A-Za-z]+(?:\s[A-Z][A-Za-z]+)*`)
	hanToken        = regexp.MustCompile(`[\p{Han}]{2,8}`)
	participantsAsk = regexp.MustCompile(`(.{2,12})的是谁`)
)

// queryEntities pulls candidate entity mentions out of free text: quoted
// spans, book titles, capitalized Latin names and Han runs.
func queryEntities(query string) []string {
	var entities []string
	seen := make(map[string]bool)
	add := func(entity string) {
		entity = strings.TrimSpace(entity)
		if entity != "" && !seen[entity] {
			seen[entity] = true
			entities = append(entities, entity)
		}
	}
	for _, match := range quotedSpan.FindAllStringSubmatch(query, -1) {
		add(match[1])
	}
	for _, match := range bookSpan.FindAllStringSubmatch(query, -1) {
		add(match[1])
	}
	for _, match := range capitalizedRun.FindAllString(query, -1) {
		add(match)
	}
	for _, match := range hanToken.FindAllString(query, -1) {
		add(match)
		// Long Han runs rarely equal a stored entity name; their
		// bigrams catch names embedded in the question.
		runes := []rune(match)
		if len(runes) > 2 {
			for i := 0; i+2 <= len(runes); i++ {
				add(string(runes[i : i+2]))
			}
		}
	}
	return entities
}

// QueryTriples finds triples relevant to a free-text query, matching the
// query's entity mentions exactly first and by substring when exact lookup
// finds nothing. Questions of the form "X的是谁" resolve event participants.
func (s *Service) QueryTriples(ctx context.Context, kbID, query string, limit int) ([]*store.Triple, error) {
	if ask := participantsAsk.FindStringSubmatch(query); ask != nil {
		for _, entity := range queryEntities(ask[1]) {
			triples, err := s.QueryEventParticipants(ctx, kbID, entity, limit)
			if err != nil {
				return nil, err
			}
			if len(triples) > 0 {
				return triples, nil
			}
		}
	}

	seen := make(map[string]bool)
	var triples []*store.Triple
	for _, entity := range queryEntities(query) {
		found, err := s.QueryEntities(ctx, kbID, entity, limit)
		if err != nil {
			return nil, err
		}
		for _, triple := range found {
			if !seen[triple.ID] {
				seen[triple.ID] = true
				triples = append(triples, triple)
			}
		}
		if limit > 0 && len(triples) >= limit {
			return triples[:limit], nil
		}
	}
	return triples, nil
}

// QueryEntities looks up triples mentioning the entity, exact match first
// and substring as fallback.
func (s *Service) QueryEntities(ctx context.Context, kbID, entity string, limit int) ([]*store.Triple, error) {
	triples, err := s.store.FindTriplesByEntity(ctx, kbID, entity)
	if err != nil {
		return nil, err
	}
	if len(triples) == 0 {
		triples, err = s.store.FindTriplesByEntitySubstring(ctx, kbID, entity)
		if err != nil {
			return nil, err
		}
	}
	if limit > 0 && len(triples) > limit {
		triples = triples[:limit]
	}
	return triples, nil
}

// QueryEventParticipants returns the (X, 参与, event) triples for an event
// entity, trying substring event names when the exact name finds nothing.
func (s *Service) QueryEventParticipants(ctx context.Context, kbID, event string, limit int) ([]*store.Triple, error) {
	candidates, err := s.QueryEntities(ctx, kbID, event, 0)
	if err != nil {
		return nil, err
	}
	var participants []*store.Triple
	for _, triple := range candidates {
		if triple.Predicate == "参与" && strings.Contains(triple.Object, event) {
			participants = append(participants, triple)
		}
	}
	if limit > 0 && len(participants) > limit {
		participants = participants[:limit]
	}
	return participants, nil
}

// HopTriple is a triple tagged with the expansion hop it was found at.
type HopTriple struct {
	*store.Triple
	Hop int `json:"hop"`
}

// MultiHopQuery expands from the query's entities across the graph,
// following subjects and objects up to maxHops times. Hop 0 is the direct
// lookup; maxHops 0 returns only that. Results sort by hop ascending then
// confidence descending.
func (s *Service) MultiHopQuery(ctx context.Context, kbID, query string, maxHops int) ([]*HopTriple, error) {
	if maxHops < 0 {
		maxHops = 0
	}
	if maxHops > s.cfg.MultiHopMaxHops {
		maxHops = s.cfg.MultiHopMaxHops
	}

	frontier := queryEntities(query)
	visited := make(map[string]bool)
	seen := make(map[string]bool)
	var results []*HopTriple

	for hop := 0; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, entity := range frontier {
			if visited[entity] {
				continue
			}
			visited[entity] = true

			triples, err := s.QueryEntities(ctx, kbID, entity, 0)
			if err != nil {
				return nil, err
			}
			for _, triple := range triples {
				if seen[triple.ID] {
					continue
				}
				seen[triple.ID] = true
				results = append(results, &HopTriple{Triple: triple, Hop: hop})
				if !visited[triple.Subject] {
					next = append(next, triple.Subject)
				}
				if !visited[triple.Object] {
					next = append(next, triple.Object)
				}
			}
		}
		frontier = next
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Hop != results[j].Hop {
			return results[i].Hop < results[j].Hop
		}
		return results[i].Confidence > results[j].Confidence
	})
	return results, nil
}

// ShortestPath finds a relation path between two entities by bounded
// depth-first search over the knowledge base's triples. It returns nil
// when no path exists within maxDepth hops.
func (s *Service) ShortestPath(ctx context.Context, kbID, from, to string, maxDepth int) ([]*store.Triple, error) {
	if maxDepth <= 0 {
		maxDepth = s.cfg.MultiHopMaxHops
	}
	all, err := s.store.ListTriples(ctx, kbID)
	if err != nil {
		return nil, err
	}

	adjacency := make(map[string][]*store.Triple)
	for _, triple := range all {
		adjacency[triple.Subject] = append(adjacency[triple.Subject], triple)
		adjacency[triple.Object] = append(adjacency[triple.Object], triple)
	}

	var best []*store.Triple
	var walk func(entity string, path []*store.Triple, onPath map[string]bool)
	walk = func(entity string, path []*store.Triple, onPath map[string]bool) {
		if best != nil && len(path) >= len(best) {
			return
		}
		if entity == to {
			best = append([]*store.Triple{}, path...)
			return
		}
		if len(path) >= maxDepth {
			return
		}
		for _, triple := range adjacency[entity] {
			neighbor := triple.Object
			if neighbor == entity {
				neighbor = triple.Subject
			}
			if onPath[neighbor] {
				continue
			}
			onPath[neighbor] = true
			walk(neighbor, append(path, triple), onPath)
			delete(onPath, neighbor)
		}
	}
	walk(from, nil, map[string]bool{from: true})
	return best, nil
}
