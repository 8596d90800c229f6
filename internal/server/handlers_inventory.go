package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"srg/internal/apperr"
	"srg/internal/types"
)

// stockRequest covers receive and issue bodies.
type stockRequest struct {
	MaterialID string  `json:"material_id"`
	Quantity   float64 `json:"quantity"`
	UnitCost   float64 `json:"unit_cost,omitempty"`
	Reference  string  `json:"reference,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

func (s *Server) handleInventoryReceive(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.MaterialID == "" || req.Quantity <= 0 {
		writeError(w, r, apperr.Validation("material_id and a positive quantity are required"))
		return
	}
	item, err := s.ledger.Receive(r.Context(), req.MaterialID, req.Quantity, req.UnitCost, req.Reference, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleInventoryIssue(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.MaterialID == "" || req.Quantity <= 0 {
		writeError(w, r, apperr.Validation("material_id and a positive quantity are required"))
		return
	}
	item, err := s.ledger.Issue(r.Context(), req.MaterialID, req.Quantity, req.Reference, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleInventoryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ledger.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleInventoryLowStock(w http.ResponseWriter, r *http.Request) {
	threshold := 0.0
	if v := r.URL.Query().Get("threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			threshold = f
		}
	}
	items, err := s.ledger.LowStock(r.Context(), threshold)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleInventoryMovements(w http.ResponseWriter, r *http.Request) {
	moves, err := s.ledger.Movements(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"movements": moves,
		"count":     len(moves),
	})
}

// =============================================================================
// SALES
// =============================================================================

// saleRequest is a sales invoice plus an optional tax rate. Omitting tax_rate
// applies the default VAT; an explicit zero means a zero-tax sale.
type saleRequest struct {
	types.LocalSalesInvoice
	TaxRate *float64 `json:"tax_rate,omitempty"`
}

func (s *Server) handleSaleCreate(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.InvoiceNo == "" || len(req.Items) == 0 {
		writeError(w, r, apperr.Validation("invoice_no and at least one item are required"))
		return
	}
	taxRate := -1.0
	if req.TaxRate != nil {
		taxRate = *req.TaxRate
	}
	if err := s.ledger.CreateSale(r.Context(), &req.LocalSalesInvoice, taxRate); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &req.LocalSalesInvoice)
}

func (s *Server) handleSaleList(w http.ResponseWriter, r *http.Request) {
	sales, err := s.ledger.ListSales(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invoices": sales,
		"count":    len(sales),
	})
}

func (s *Server) handleSaleGet(w http.ResponseWriter, r *http.Request) {
	sale, err := s.ledger.GetSale(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}
