package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Triple is one knowledge-graph fact extracted from a chunk.
type Triple struct {
	ID         string    `json:"id"`
	KBID       string    `json:"knowledge_base_id"`
	DocumentID string    `json:"document_id"`
	ChunkID    string    `json:"chunk_id,omitempty"`
	Subject    string    `json:"subject"`
	Predicate  string    `json:"predicate"`
	Object     string    `json:"object"`
	Confidence float64   `json:"confidence"`
	SourceText string    `json:"source_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertTriples stores triples, silently skipping duplicates on
// (kb_id, subject, predicate, object). Returns the number inserted.
func (s *Store) InsertTriples(ctx context.Context, triples []*Triple) (int, error) {
	if len(triples) == 0 {
		return 0, nil
	}

	query := s.rebind(`INSERT INTO kg_triples (id, kb_id, document_id, chunk_id, subject, predicate, object, confidence, source_text, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	inserted := 0
	now := nowUTC()
	for _, triple := range triples {
		if triple.Subject == "" || triple.Predicate == "" || triple.Object == "" {
			continue
		}
		if triple.ID == "" {
			triple.ID = uuid.NewString()
		}
		triple.CreatedAt = now

		_, err := s.db.ExecContext(ctx, query,
			triple.ID, triple.KBID, triple.DocumentID, nullable(triple.ChunkID),
			triple.Subject, triple.Predicate, triple.Object,
			triple.Confidence, nullable(triple.SourceText), triple.CreatedAt)
		if err != nil {
			if isDuplicateErr(err) {
				continue
			}
			return inserted, fmt.Errorf("failed to insert triple: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

// isDuplicateErr matches unique-constraint violations across dialects.
func isDuplicateErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (s *Store) ListTriples(ctx context.Context, kbID string) ([]*Triple, error) {
	query := s.rebind(tripleSelect + ` WHERE kb_id = ? ORDER BY created_at ASC`)
	return s.queryTriples(ctx, query, kbID)
}

// FindTriplesByEntity returns triples whose subject or object matches the
// entity exactly.
func (s *Store) FindTriplesByEntity(ctx context.Context, kbID, entity string) ([]*Triple, error) {
	query := s.rebind(tripleSelect + ` WHERE kb_id = ? AND (subject = ? OR object = ?) ORDER BY confidence DESC`)
	return s.queryTriples(ctx, query, kbID, entity, entity)
}

// FindTriplesByEntitySubstring is the fallback when the exact match is empty.
func (s *Store) FindTriplesByEntitySubstring(ctx context.Context, kbID, entity string) ([]*Triple, error) {
	pattern := "%" + entity + "%"
	query := s.rebind(tripleSelect + ` WHERE kb_id = ? AND (subject LIKE ? OR object LIKE ?) ORDER BY confidence DESC`)
	return s.queryTriples(ctx, query, kbID, pattern, pattern)
}

func (s *Store) CountTriples(ctx context.Context, kbID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM kg_triples WHERE kb_id = ?`)
	var count int
	if err := s.db.QueryRowContext(ctx, query, kbID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count triples: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteTriplesByDocument(ctx context.Context, documentID string) error {
	query := s.rebind(`DELETE FROM kg_triples WHERE document_id = ?`)
	_, err := s.db.ExecContext(ctx, query, documentID)
	return err
}

const tripleSelect = `SELECT id, kb_id, document_id, chunk_id, subject, predicate, object, confidence, source_text, created_at FROM kg_triples`

func (s *Store) queryTriples(ctx context.Context, query string, args ...any) ([]*Triple, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triples: %w", err)
	}
	defer rows.Close()

	var triples []*Triple
	for rows.Next() {
		var triple Triple
		var chunkID, sourceText sql.NullString
		if err := rows.Scan(&triple.ID, &triple.KBID, &triple.DocumentID, &chunkID,
			&triple.Subject, &triple.Predicate, &triple.Object,
			&triple.Confidence, &sourceText, &triple.CreatedAt); err != nil {
			return nil, err
		}
		triple.ChunkID = chunkID.String
		triple.SourceText = sourceText.String
		triples = append(triples, &triple)
	}
	return triples, rows.Err()
}
