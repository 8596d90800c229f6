package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"srg/internal/apperr"
	"srg/internal/catalog"
)

// catalogAddRequest promotes invoice line items into the catalog. An empty
// item_ids list promotes every unmatched item on the invoice.
type catalogAddRequest struct {
	InvoiceID int64   `json:"invoice_id"`
	ItemIDs   []int64 `json:"item_ids,omitempty"`
}

func (s *Server) handleCatalogAdd(w http.ResponseWriter, r *http.Request) {
	var req catalogAddRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.InvoiceID <= 0 {
		writeError(w, r, apperr.Validation("invoice_id is required"))
		return
	}
	materials, err := s.reconciler.AddToCatalog(r.Context(), req.InvoiceID, req.ItemIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"materials": materials,
		"count":     len(materials),
	})
}

func (s *Server) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if prefix := q.Get("suggest"); prefix != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"suggestions": s.reconciler.Suggestions(r.Context(), prefix),
		})
		return
	}
	materials, err := s.store.ListMaterials(r.Context(), q.Get("category"),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"materials": materials,
		"count":     len(materials),
	})
}

func (s *Server) handleCatalogGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMaterial(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		// A normalized display name also resolves; ids are opaque UUIDs and
		// operators paste names.
		if m2, err2 := s.store.GetMaterialByNormalizedName(r.Context(),
			catalog.Normalize(mux.Vars(r)["id"])); err2 == nil {
			writeJSON(w, http.StatusOK, m2)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleCatalogIngest accepts the request shape but URL-sourced catalog
// enrichment is not performed; sourcing stays manual.
func (s *Server) handleCatalogIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeError(w, r, apperr.Validation("URL catalog ingestion is not supported").
		WithHint("add materials from invoice line items via POST /api/catalog"))
}

// =============================================================================
// PRICES
// =============================================================================

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	item := r.URL.Query().Get("item")
	if item == "" {
		writeError(w, r, apperr.Validation("item query parameter is required"))
		return
	}
	rows, err := s.store.GetPriceHistory(r.Context(), catalog.Normalize(item), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"item":    catalog.Normalize(item),
		"history": rows,
		"count":   len(rows),
	})
}

func (s *Server) handlePriceStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	item := q.Get("item")
	if item == "" {
		writeError(w, r, apperr.Validation("item query parameter is required"))
		return
	}
	stats, err := s.store.GetPriceStats(r.Context(), catalog.Normalize(item),
		q.Get("seller"), q.Get("currency"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
