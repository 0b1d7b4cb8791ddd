package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomworks/loom/pkg/store"
)

func (s *Server) handleListKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	kbs, err := s.store.ListKnowledgeBases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if kbs == nil {
		kbs = []*store.KnowledgeBase{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "knowledge_bases": kbs})
}

func (s *Server) handleCreateKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	var kb store.KnowledgeBase
	if !decodeBody(w, r, &kb) {
		return
	}
	if err := s.store.CreateKnowledgeBase(r.Context(), &kb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "knowledge_base": kb})
}

func (s *Server) handleGetKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	kb, err := s.store.GetKnowledgeBase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if kb == nil {
		writeError(w, http.StatusNotFound, "knowledge base not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "knowledge_base": kb})
}

func (s *Server) handleDeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteKnowledgeBase(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleQueryKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	if s.rag == nil {
		writeError(w, http.StatusNotFound, "retrieval is not configured")
		return
	}
	var req struct {
		Query  string `json:"query"`
		UserID string `json:"user_id,omitempty"`
		TopK   int    `json:"top_k,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.rag.Query(r.Context(), chi.URLParam(r, "id"), req.Query, req.UserID, req.TopK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	documents, err := s.store.ListDocuments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if documents == nil {
		documents = []*store.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "documents": documents})
}

// handleCreateDocument stores the document and ingests it synchronously:
// chunking, embedding, indexing and (when enabled) triple extraction.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	if s.rag == nil {
		writeError(w, http.StatusNotFound, "retrieval is not configured")
		return
	}
	ctx := r.Context()
	kbID := chi.URLParam(r, "id")

	kb, err := s.store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if kb == nil {
		writeError(w, http.StatusNotFound, "knowledge base not found")
		return
	}

	var req struct {
		Name     string `json:"name"`
		FileType string `json:"file_type,omitempty"`
		Content  string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	doc := &store.Document{
		KBID:     kbID,
		Name:     req.Name,
		FileType: req.FileType,
		Content:  req.Content,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.ingest(w, r, kb, doc)
}

// handleReingestDocument clears a document's chunks, vectors and triples and
// runs ingestion again from its stored content.
func (s *Server) handleReingestDocument(w http.ResponseWriter, r *http.Request) {
	if s.rag == nil {
		writeError(w, http.StatusNotFound, "retrieval is not configured")
		return
	}
	ctx := r.Context()
	kbID := chi.URLParam(r, "id")

	kb, err := s.store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if kb == nil {
		writeError(w, http.StatusNotFound, "knowledge base not found")
		return
	}

	doc, err := s.store.GetDocument(ctx, chi.URLParam(r, "doc_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil || doc.KBID != kbID {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	s.ingest(w, r, kb, doc)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, kb *store.KnowledgeBase, doc *store.Document) {
	ctx := r.Context()
	if err := s.rag.IngestDocument(ctx, doc); err != nil {
		s.metrics.RecordIngestion(store.DocStatusFailed, kb.Name, 0)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stored, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil || stored == nil {
		stored = doc
	}
	s.metrics.RecordIngestion(stored.Status, kb.Name, stored.ChunkCount)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "document": stored})
}
