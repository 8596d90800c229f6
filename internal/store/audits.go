package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"srg/internal/apperr"
	"srg/internal/types"
)

// =============================================================================
// AUDIT RESULTS
// =============================================================================

// InsertAuditResult persists one audit run keyed by trace id.
func (s *Store) InsertAuditResult(ctx context.Context, r *types.AuditResult) error {
	r.Sections.Normalize()
	sections, err := json.Marshal(r.Sections)
	if err != nil {
		return apperr.Database("failed to marshal audit sections", err)
	}
	issues := r.Issues
	if issues == nil {
		issues = []types.Issue{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return apperr.Database("failed to marshal audit issues", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_results
		(trace_id, invoice_id, status, success, audit_type, sections_json, issues_json,
		 processing_time_ms, model, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TraceID, r.InvoiceID, r.Status, r.Success, r.AuditType,
		string(sections), string(issuesJSON), r.ProcessingTimeMS, nullStr(r.Model), r.Confidence)
	if err != nil {
		return apperr.Database("failed to insert audit result", err)
	}
	return nil
}

func scanAuditResult(row interface{ Scan(...interface{}) error }) (*types.AuditResult, error) {
	var r types.AuditResult
	var sections, issues string
	var model sql.NullString
	err := row.Scan(&r.TraceID, &r.InvoiceID, &r.Status, &r.Success, &r.AuditType,
		&sections, &issues, &r.ProcessingTimeMS, &model, &r.Confidence, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Model = strOrEmpty(model)
	if err := json.Unmarshal([]byte(sections), &r.Sections); err != nil {
		r.Sections = types.EmptySections()
	}
	r.Sections.Normalize()
	if err := json.Unmarshal([]byte(issues), &r.Issues); err != nil {
		r.Issues = []types.Issue{}
	}
	if r.Issues == nil {
		r.Issues = []types.Issue{}
	}
	return &r, nil
}

const auditColumns = `trace_id, invoice_id, status, success, audit_type,
	sections_json, issues_json, processing_time_ms, model, confidence, created_at`

// GetAuditResult loads one audit run by trace id.
func (s *Store) GetAuditResult(ctx context.Context, traceID string) (*types.AuditResult, error) {
	r, err := scanAuditResult(s.db.QueryRowContext(ctx,
		"SELECT "+auditColumns+" FROM audit_results WHERE trace_id = ?", traceID))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeInvoiceNotFound, "audit result", traceID)
	}
	if err != nil {
		return nil, apperr.Database("failed to load audit result", err)
	}
	return r, nil
}

// GetLatestAuditForInvoice returns the most recent audit run for an invoice.
func (s *Store) GetLatestAuditForInvoice(ctx context.Context, invoiceID int64) (*types.AuditResult, error) {
	r, err := scanAuditResult(s.db.QueryRowContext(ctx,
		"SELECT "+auditColumns+" FROM audit_results WHERE invoice_id = ? ORDER BY created_at DESC, trace_id DESC LIMIT 1",
		invoiceID))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeInvoiceNotFound, "audit result for invoice", invoiceID)
	}
	if err != nil {
		return nil, apperr.Database("failed to load audit result", err)
	}
	return r, nil
}

// ListAuditResults pages audit history for an invoice, newest first.
func (s *Store) ListAuditResults(ctx context.Context, invoiceID int64, limit int) ([]*types.AuditResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM audit_results WHERE invoice_id = ? ORDER BY created_at DESC, trace_id DESC LIMIT ?",
		invoiceID, limit)
	if err != nil {
		return nil, apperr.Database("failed to list audit results", err)
	}
	defer rows.Close()

	var out []*types.AuditResult
	for rows.Next() {
		r, err := scanAuditResult(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan audit result", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
