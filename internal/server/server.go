// Package server exposes the HTTP API: ingestion, audit, retrieval, chat,
// catalog, inventory and insights. All responses are JSON; errors use the
// stable envelope from internal/apperr.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"srg/internal/apperr"
	"srg/internal/audit"
	"srg/internal/catalog"
	"srg/internal/config"
	"srg/internal/indexer"
	"srg/internal/insights"
	"srg/internal/inventory"
	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/parser"
	"srg/internal/retrieval"
	"srg/internal/session"
	"srg/internal/store"
)

// Server wires the HTTP surface to the domain components.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	provider   llm.Provider
	parsers    *parser.Registry
	indexer    *indexer.Indexer
	retriever  *retrieval.Retriever
	auditor    *audit.Engine
	reconciler *catalog.Reconciler
	sessions   *session.Orchestrator
	ledger     *inventory.Ledger
	evaluator  *insights.Evaluator
}

// New assembles the server over already-constructed components.
func New(cfg *config.Config, st *store.Store, provider llm.Provider,
	parsers *parser.Registry, ix *indexer.Indexer, rt *retrieval.Retriever,
	auditor *audit.Engine, rec *catalog.Reconciler, sessions *session.Orchestrator,
	ledger *inventory.Ledger, evaluator *insights.Evaluator) *Server {
	return &Server{
		cfg: cfg, store: st, provider: provider, parsers: parsers,
		indexer: ix, retriever: rt, auditor: auditor, reconciler: rec,
		sessions: sessions, ledger: ledger, evaluator: evaluator,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	api := r.PathPrefix("/api").Subrouter()

	// Health.
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/health/full", s.handleHealthFull).Methods(http.MethodGet)
	api.HandleFunc("/health/llm", s.handleHealthLLM).Methods(http.MethodGet)
	api.HandleFunc("/health/db", s.handleHealthDB).Methods(http.MethodGet)
	api.HandleFunc("/health/search", s.handleHealthSearch).Methods(http.MethodGet)

	// Invoices.
	api.HandleFunc("/invoices/upload", s.handleInvoiceUpload).Methods(http.MethodPost)
	api.HandleFunc("/invoices", s.handleInvoiceList).Methods(http.MethodGet)
	api.HandleFunc("/invoices/{id:[0-9]+}", s.handleInvoiceGet).Methods(http.MethodGet)
	api.HandleFunc("/invoices/{id:[0-9]+}", s.handleInvoiceDelete).Methods(http.MethodDelete)
	api.HandleFunc("/invoices/{id:[0-9]+}/audit", s.handleInvoiceAudit).Methods(http.MethodPost)
	api.HandleFunc("/invoices/{id:[0-9]+}/audits", s.handleInvoiceAudits).Methods(http.MethodGet)
	api.HandleFunc("/invoices/{id:[0-9]+}/match-catalog", s.handleInvoiceMatchCatalog).Methods(http.MethodPost)
	api.HandleFunc("/invoices/{id:[0-9]+}/items/{item_id:[0-9]+}/match", s.handleItemMatch).Methods(http.MethodPost)

	// Catalog and prices.
	api.HandleFunc("/catalog", s.handleCatalogAdd).Methods(http.MethodPost)
	api.HandleFunc("/catalog", s.handleCatalogList).Methods(http.MethodGet)
	api.HandleFunc("/catalog/ingest", s.handleCatalogIngest).Methods(http.MethodPost)
	api.HandleFunc("/catalog/{id}", s.handleCatalogGet).Methods(http.MethodGet)
	api.HandleFunc("/prices/history", s.handlePriceHistory).Methods(http.MethodGet)
	api.HandleFunc("/prices/stats", s.handlePriceStats).Methods(http.MethodGet)

	// RAG documents.
	api.HandleFunc("/documents/upload", s.handleDocumentUpload).Methods(http.MethodPost)
	api.HandleFunc("/documents", s.handleDocumentList).Methods(http.MethodGet)
	api.HandleFunc("/documents/stats", s.handleDocumentStats).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id:[0-9]+}/reindex", s.handleDocumentReindex).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id:[0-9]+}", s.handleDocumentDelete).Methods(http.MethodDelete)

	// Search.
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/search/quick", s.handleSearchQuick).Methods(http.MethodGet)
	api.HandleFunc("/search/semantic", s.handleSearchSemantic).Methods(http.MethodPost)
	api.HandleFunc("/search/keyword", s.handleSearchKeyword).Methods(http.MethodPost)
	api.HandleFunc("/search/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/search/cache/invalidate", s.handleCacheInvalidate).Methods(http.MethodPost)

	// Chat and sessions.
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/stream", s.handleChatStream).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleSessionList).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSessionCreate).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/messages", s.handleSessionMessages).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/summary", s.handleSessionSummary).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleSessionGet).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleSessionDelete).Methods(http.MethodDelete)

	// Inventory and sales.
	api.HandleFunc("/inventory/receive", s.handleInventoryReceive).Methods(http.MethodPost)
	api.HandleFunc("/inventory/issue", s.handleInventoryIssue).Methods(http.MethodPost)
	api.HandleFunc("/inventory/status", s.handleInventoryStatus).Methods(http.MethodGet)
	api.HandleFunc("/inventory/low-stock", s.handleInventoryLowStock).Methods(http.MethodGet)
	api.HandleFunc("/inventory/{id}/movements", s.handleInventoryMovements).Methods(http.MethodGet)
	api.HandleFunc("/sales/invoices", s.handleSaleCreate).Methods(http.MethodPost)
	api.HandleFunc("/sales/invoices", s.handleSaleList).Methods(http.MethodGet)
	api.HandleFunc("/sales/invoices/{id:[0-9]+}", s.handleSaleGet).Methods(http.MethodGet)

	// Company documents, reminders, insights.
	api.HandleFunc("/company-documents", s.handleCompanyDocList).Methods(http.MethodGet)
	api.HandleFunc("/company-documents", s.handleCompanyDocCreate).Methods(http.MethodPost)
	api.HandleFunc("/company-documents/expiring", s.handleCompanyDocExpiring).Methods(http.MethodGet)
	api.HandleFunc("/company-documents/check-expiry", s.handleCheckExpiry).Methods(http.MethodPost)
	api.HandleFunc("/company-documents/{id:[0-9]+}", s.handleCompanyDocUpdate).Methods(http.MethodPut)
	api.HandleFunc("/company-documents/{id:[0-9]+}", s.handleCompanyDocDelete).Methods(http.MethodDelete)
	api.HandleFunc("/reminders", s.handleReminderList).Methods(http.MethodGet)
	api.HandleFunc("/reminders", s.handleReminderCreate).Methods(http.MethodPost)
	api.HandleFunc("/reminders/insights", s.handleInsights).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{id:[0-9]+}", s.handleReminderUpdate).Methods(http.MethodPut)
	api.HandleFunc("/reminders/{id:[0-9]+}", s.handleReminderDelete).Methods(http.MethodDelete)

	return r
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Boot("HTTP API listening on %s", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.APIDebug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := apperr.ToEnvelope(err, r.URL.Path)
	status := apperr.HTTPStatus(env.ErrorCode)
	if status >= http.StatusInternalServerError {
		logging.Get(logging.CategoryAPI).Error("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, env)
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return apperr.Validation("request body required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("malformed JSON body: " + err.Error())
	}
	return nil
}
