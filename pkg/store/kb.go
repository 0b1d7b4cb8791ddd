package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document status lifecycle. Chunking runs synchronously; triple extraction
// progresses the extraction status in the background.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusChunked    = "chunked"
	DocStatusCompleted  = "completed"
	DocStatusFailed     = "failed"

	ExtractionPending    = "pending"
	ExtractionExtracting = "extracting"
	ExtractionCompleted  = "completed"
	ExtractionFailed     = "failed"
)

type KnowledgeBase struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Embedder    string    `json:"embedder,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Document struct {
	ID               string    `json:"id"`
	KBID             string    `json:"knowledge_base_id"`
	Name             string    `json:"name"`
	FileType         string    `json:"file_type,omitempty"`
	Content          string    `json:"-"`
	Status           string    `json:"status"`
	ExtractionStatus string    `json:"extraction_status"`
	Error            string    `json:"error,omitempty"`
	ChunkCount       int       `json:"chunk_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Chunk struct {
	ID                   string         `json:"id"`
	DocumentID           string         `json:"document_id"`
	KBID                 string         `json:"knowledge_base_id"`
	ChunkIndex           int            `json:"chunk_index"`
	Content              string         `json:"content"`
	Metadata             map[string]any `json:"chunk_metadata,omitempty"`
	ChunkStrategy        string         `json:"chunk_strategy,omitempty"`
	StrategyVariant      string         `json:"strategy_variant,omitempty"`
	Domain               string         `json:"domain,omitempty"`
	DomainConfidence     float64        `json:"domain_confidence,omitempty"`
	IsSummary            bool           `json:"is_summary"`
	SummaryParentChunkID string         `json:"summary_parent_chunk_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if kb == nil || kb.Name == "" {
		return fmt.Errorf("knowledge base name is required")
	}
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	now := nowUTC()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	query := s.rebind(`INSERT INTO kb (id, name, description, embedder, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		kb.ID, kb.Name, nullable(kb.Description), nullable(kb.Embedder),
		kb.CreatedAt, kb.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

func (s *Store) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error) {
	query := s.rebind(`SELECT id, name, description, embedder, created_at, updated_at FROM kb WHERE id = ?`)

	var kb KnowledgeBase
	var description, embedder sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&kb.ID, &kb.Name, &description, &embedder, &kb.CreatedAt, &kb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	kb.Description = description.String
	kb.Embedder = embedder.String
	return &kb, nil
}

func (s *Store) ListKnowledgeBases(ctx context.Context) ([]*KnowledgeBase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, embedder, created_at, updated_at FROM kb ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer rows.Close()

	var kbs []*KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		var description, embedder sql.NullString
		if err := rows.Scan(&kb.ID, &kb.Name, &description, &embedder,
			&kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, err
		}
		kb.Description = description.String
		kb.Embedder = embedder.String
		kbs = append(kbs, &kb)
	}
	return kbs, rows.Err()
}

// DeleteKnowledgeBase removes the KB with its documents, chunks and triples.
func (s *Store) DeleteKnowledgeBase(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		`DELETE FROM kg_triples WHERE kb_id = ?`,
		`DELETE FROM kb_chunks WHERE kb_id = ?`,
		`DELETE FROM kb_documents WHERE kb_id = ?`,
		`DELETE FROM kb WHERE id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			return fmt.Errorf("failed to delete knowledge base: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc == nil || doc.KBID == "" {
		return fmt.Errorf("document kb_id is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = DocStatusPending
	}
	if doc.ExtractionStatus == "" {
		doc.ExtractionStatus = ExtractionPending
	}
	now := nowUTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	query := s.rebind(`INSERT INTO kb_documents (id, kb_id, name, file_type, content, status, extraction_status, error, chunk_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.KBID, doc.Name, nullable(doc.FileType), nullable(doc.Content),
		doc.Status, doc.ExtractionStatus, nullable(doc.Error), doc.ChunkCount,
		doc.CreatedAt, doc.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	query := s.rebind(`SELECT id, kb_id, name, file_type, content, status, extraction_status, error, chunk_count, created_at, updated_at
FROM kb_documents WHERE id = ?`)

	var doc Document
	var fileType, content, docErr sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.KBID, &doc.Name, &fileType, &content,
		&doc.Status, &doc.ExtractionStatus, &docErr, &doc.ChunkCount,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc.FileType = fileType.String
	doc.Content = content.String
	doc.Error = docErr.String
	return &doc, nil
}

func (s *Store) ListDocuments(ctx context.Context, kbID string) ([]*Document, error) {
	query := s.rebind(`SELECT id, kb_id, name, file_type, status, extraction_status, error, chunk_count, created_at, updated_at
FROM kb_documents WHERE kb_id = ? ORDER BY created_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, kbID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var doc Document
		var fileType, docErr sql.NullString
		if err := rows.Scan(&doc.ID, &doc.KBID, &doc.Name, &fileType,
			&doc.Status, &doc.ExtractionStatus, &docErr, &doc.ChunkCount,
			&doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.FileType = fileType.String
		doc.Error = docErr.String
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status, errMsg string) error {
	query := s.rebind(`UPDATE kb_documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, status, nullable(errMsg), nowUTC(), id)
	return err
}

func (s *Store) UpdateDocumentExtractionStatus(ctx context.Context, id, status string) error {
	query := s.rebind(`UPDATE kb_documents SET extraction_status = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, status, nowUTC(), id)
	return err
}

func (s *Store) SetDocumentChunkCount(ctx context.Context, id string, count int) error {
	query := s.rebind(`UPDATE kb_documents SET chunk_count = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, count, nowUTC(), id)
	return err
}

// DeleteDocument removes the document with its chunks and triples, for
// re-ingestion.
func (s *Store) DeleteDocumentData(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		`DELETE FROM kg_triples WHERE document_id = ?`,
		`DELETE FROM kb_chunks WHERE document_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			return fmt.Errorf("failed to delete document data: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := s.rebind(`INSERT INTO kb_chunks (id, document_id, kb_id, chunk_index, content, chunk_metadata, chunk_strategy, strategy_variant, domain, domain_confidence, is_summary, summary_parent_chunk_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	now := nowUTC()
	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}
		chunk.CreatedAt = now

		var metadata any
		metadata, err = marshalJSONMap(chunk.Metadata)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, query,
			chunk.ID, chunk.DocumentID, chunk.KBID, chunk.ChunkIndex, chunk.Content,
			metadata, nullable(chunk.ChunkStrategy), nullable(chunk.StrategyVariant),
			nullable(chunk.Domain), chunk.DomainConfidence, chunk.IsSummary,
			nullable(chunk.SummaryParentChunkID), chunk.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]*Chunk, error) {
	query := s.rebind(`SELECT id, document_id, kb_id, chunk_index, content, chunk_metadata, chunk_strategy, strategy_variant, domain, domain_confidence, is_summary, summary_parent_chunk_id, created_at
FROM kb_chunks WHERE document_id = ? ORDER BY chunk_index ASC`)
	return s.queryChunks(ctx, query, documentID)
}

func (s *Store) ListChunksByKB(ctx context.Context, kbID string) ([]*Chunk, error) {
	query := s.rebind(`SELECT id, document_id, kb_id, chunk_index, content, chunk_metadata, chunk_strategy, strategy_variant, domain, domain_confidence, is_summary, summary_parent_chunk_id, created_at
FROM kb_chunks WHERE kb_id = ? ORDER BY document_id, chunk_index ASC`)
	return s.queryChunks(ctx, query, kbID)
}

func (s *Store) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	query := s.rebind(`SELECT id, document_id, kb_id, chunk_index, content, chunk_metadata, chunk_strategy, strategy_variant, domain, domain_confidence, is_summary, summary_parent_chunk_id, created_at
FROM kb_chunks WHERE id = ?`)
	chunks, err := s.queryChunks(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var chunk Chunk
		var metadata, strategy, variant, domain, parentID sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.KBID, &chunk.ChunkIndex,
			&chunk.Content, &metadata, &strategy, &variant, &domain, &confidence,
			&chunk.IsSummary, &parentID, &chunk.CreatedAt); err != nil {
			return nil, err
		}
		chunk.Metadata = unmarshalJSONMap(metadata.String)
		chunk.ChunkStrategy = strategy.String
		chunk.StrategyVariant = variant.String
		chunk.Domain = domain.String
		chunk.DomainConfidence = confidence.Float64
		chunk.SummaryParentChunkID = parentID.String
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}
