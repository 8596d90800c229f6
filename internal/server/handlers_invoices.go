package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"srg/internal/apperr"
	"srg/internal/audit"
	"srg/internal/store"
	"srg/internal/types"
)

// pathID extracts a numeric path variable. The route patterns already
// constrain these to digits.
func pathID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v := strings.ToLower(r.URL.Query().Get(name))
	return v == "1" || v == "true" || v == "yes"
}

func (s *Server) handleInvoiceList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InvoiceFilter{
		Seller:     q.Get("seller"),
		CompanyKey: q.Get("company_key"),
		Status:     types.ParsingStatus(q.Get("status")),
		LatestOnly: queryBool(r, "latest_only"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	invoices, err := s.store.ListInvoices(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invoices": invoices,
		"count":    len(invoices),
	})
}

func (s *Server) handleInvoiceGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pathID(r, "id")
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.store.GetLineItems(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inv.Items = items
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleInvoiceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteInvoice(r.Context(), pathID(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleInvoiceAudit(w http.ResponseWriter, r *http.Request) {
	opts := audit.DefaultOptions()
	if r.ContentLength > 0 {
		if err := decodeBody(r, &opts); err != nil {
			writeError(w, r, err)
			return
		}
	}
	result, err := s.auditor.AuditInvoice(r.Context(), pathID(r, "id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInvoiceAudits(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListAuditResults(r.Context(), pathID(r, "id"), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"audits": results,
		"count":  len(results),
	})
}

func (s *Server) handleInvoiceMatchCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pathID(r, "id")
	summary, err := s.reconciler.AutoMatchItems(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Suggestions help the operator resolve what auto-match could not.
	suggestions, err := s.reconciler.SuggestForInvoice(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matched":     summary.Matched,
		"unmatched":   summary.Unmatched,
		"suggestions": suggestions,
	})
}

// itemMatchRequest resolves one line item: link it to an existing material or
// promote it into the catalog.
type itemMatchRequest struct {
	MaterialID   string `json:"material_id,omitempty"`
	AddToCatalog bool   `json:"add_to_catalog,omitempty"`
}

func (s *Server) handleItemMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invoiceID := pathID(r, "id")
	itemID := pathID(r, "item_id")

	var req itemMatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case req.MaterialID != "":
		m, err := s.store.GetMaterial(ctx, req.MaterialID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.store.SetLineItemMaterial(ctx, itemID, m.ID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"material": m})
	case req.AddToCatalog:
		materials, err := s.reconciler.AddToCatalog(ctx, invoiceID, []int64{itemID})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if len(materials) == 0 {
			writeError(w, r, apperr.Validation("line item not found on this invoice"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"material": materials[0]})
	default:
		writeError(w, r, apperr.Validation("provide material_id or add_to_catalog"))
	}
}
