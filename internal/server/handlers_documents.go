package server

import (
	"net/http"

	"srg/internal/apperr"
	"srg/internal/retrieval"
	"srg/internal/types"
)

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context(),
		types.DocumentStatus(r.URL.Query().Get("status")),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}

func (s *Server) handleDocumentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.indexer.GetStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDocumentReindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pathID(r, "id")
	if _, err := s.store.GetDocument(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.indexer.IndexDocument(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.UpdateDocumentStatus(ctx, id, types.DocStatusIndexed); err != nil {
		writeError(w, r, err)
		return
	}
	s.retriever.CacheInvalidate()
	writeJSON(w, http.StatusOK, map[string]interface{}{"reindexed": true, "document_id": id})
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDocument(r.Context(), pathID(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	s.retriever.CacheInvalidate()
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// =============================================================================
// SEARCH
// =============================================================================

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.retriever.Search(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearchQuick is the GET convenience flavor: cached hybrid search with
// query parameters only.
func (s *Server) handleSearchQuick(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, r, apperr.Validation("q query parameter is required"))
		return
	}
	resp, err := s.retriever.Search(r.Context(), retrieval.Request{
		Query:    query,
		TopK:     queryInt(r, "top_k", 10),
		UseCache: true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchSemantic(w http.ResponseWriter, r *http.Request) {
	s.handleSearchFlavor(w, r, retrieval.StrategySemantic)
}

func (s *Server) handleSearchKeyword(w http.ResponseWriter, r *http.Request) {
	s.handleSearchFlavor(w, r, retrieval.StrategyKeyword)
}

func (s *Server) handleSearchFlavor(w http.ResponseWriter, r *http.Request, strategy string) {
	var req retrieval.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Strategy = strategy
	resp, err := s.retriever.Search(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.retriever.CacheStats())
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	dropped := s.retriever.CacheInvalidate()
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": dropped})
}
