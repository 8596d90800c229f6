package store

import (
	"context"
	"database/sql"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// INVOICES AND LINE ITEMS
// =============================================================================

const invoiceColumns = `id, document_id, invoice_no, invoice_date, due_date,
	seller_name, buyer_name, company_key, currency, subtotal, tax, discount,
	total_amount, quality_score, confidence, parser_used, parsing_status,
	is_latest, bank_details, created_at, updated_at`

func scanInvoice(row interface{ Scan(...interface{}) error }) (*types.Invoice, error) {
	var inv types.Invoice
	var docID sql.NullInt64
	var companyKey, bankDetails sql.NullString
	err := row.Scan(&inv.ID, &docID, &inv.InvoiceNo, &inv.InvoiceDate, &inv.DueDate,
		&inv.SellerName, &inv.BuyerName, &companyKey, &inv.Currency,
		&inv.Subtotal, &inv.Tax, &inv.Discount, &inv.TotalAmount,
		&inv.QualityScore, &inv.Confidence, &inv.ParserUsed, &inv.ParsingStatus,
		&inv.IsLatest, &bankDetails, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if docID.Valid {
		v := docID.Int64
		inv.DocumentID = &v
	}
	inv.CompanyKey = strOrEmpty(companyKey)
	inv.BankDetails = strOrEmpty(bankDetails)
	return &inv, nil
}

// InsertInvoice stores an invoice with its line items in one transaction.
// Re-parses of the same invoice_no demote earlier rows to is_latest=0. The
// price_history trigger fires per line item insert.
func (s *Store) InsertInvoice(ctx context.Context, inv *types.Invoice) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if inv.InvoiceNo != "" {
			if _, err := tx.ExecContext(ctx,
				"UPDATE invoices SET is_latest = 0, updated_at = CURRENT_TIMESTAMP WHERE invoice_no = ?",
				inv.InvoiceNo); err != nil {
				return apperr.Database("failed to demote previous invoice versions", err)
			}
		}
		inv.IsLatest = true
		if inv.ParsingStatus == "" {
			inv.ParsingStatus = types.ParsingOK
		}

		var docID interface{}
		if inv.DocumentID != nil {
			docID = *inv.DocumentID
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO invoices
			(document_id, invoice_no, invoice_date, due_date, seller_name, buyer_name,
			 company_key, currency, subtotal, tax, discount, total_amount,
			 quality_score, confidence, parser_used, parsing_status, is_latest, bank_details)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			docID, inv.InvoiceNo, inv.InvoiceDate, inv.DueDate, inv.SellerName, inv.BuyerName,
			nullStr(inv.CompanyKey), inv.Currency, inv.Subtotal, inv.Tax, inv.Discount, inv.TotalAmount,
			inv.QualityScore, inv.Confidence, inv.ParserUsed, inv.ParsingStatus, nullStr(inv.BankDetails))
		if err != nil {
			return apperr.Database("failed to insert invoice", err)
		}
		inv.ID, _ = res.LastInsertId()

		for i := range inv.Items {
			it := &inv.Items[i]
			it.InvoiceID = inv.ID
			if it.RowType == "" {
				it.RowType = types.RowLineItem
			}
			ires, err := tx.ExecContext(ctx, `INSERT INTO line_items
				(invoice_id, line_number, item_name, description, hs_code, unit, brand, model,
				 quantity, unit_price, total_price, row_type, trusted_total, matched_material_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				it.InvoiceID, it.LineNumber, it.ItemName, nullStr(it.Description), nullStr(it.HSCode),
				nullStr(it.Unit), nullStr(it.Brand), nullStr(it.Model),
				it.Quantity, it.UnitPrice, it.TotalPrice, it.RowType, it.TrustedTotal, it.MatchedMaterialID)
			if err != nil {
				return apperr.Database("failed to insert line item", err)
			}
			it.ID, _ = ires.LastInsertId()
		}
		logging.Store("Invoice inserted: id=%d no=%s items=%d", inv.ID, inv.InvoiceNo, len(inv.Items))
		return nil
	})
}

// GetInvoice loads one invoice with its line items.
func (s *Store) GetInvoice(ctx context.Context, id int64) (*types.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeInvoiceNotFound, "invoice", id)
	}
	if err != nil {
		return nil, apperr.Database("failed to load invoice", err)
	}
	items, err := s.GetLineItems(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	return inv, nil
}

// GetLineItems loads an invoice's rows in line order.
func (s *Store) GetLineItems(ctx context.Context, invoiceID int64) ([]types.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, invoice_id, line_number, item_name,
		COALESCE(description, ''), COALESCE(hs_code, ''), COALESCE(unit, ''),
		COALESCE(brand, ''), COALESCE(model, ''), quantity, unit_price, total_price,
		row_type, trusted_total, matched_material_id
		FROM line_items WHERE invoice_id = ? ORDER BY line_number, id`, invoiceID)
	if err != nil {
		return nil, apperr.Database("failed to load line items", err)
	}
	defer rows.Close()

	var out []types.LineItem
	for rows.Next() {
		var it types.LineItem
		var matched sql.NullString
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.LineNumber, &it.ItemName,
			&it.Description, &it.HSCode, &it.Unit, &it.Brand, &it.Model,
			&it.Quantity, &it.UnitPrice, &it.TotalPrice, &it.RowType, &it.TrustedTotal, &matched); err != nil {
			return nil, apperr.Database("failed to scan line item", err)
		}
		if matched.Valid {
			v := matched.String
			it.MatchedMaterialID = &v
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// InvoiceFilter narrows ListInvoices.
type InvoiceFilter struct {
	Seller     string
	CompanyKey string
	Status     types.ParsingStatus
	LatestOnly bool
	Limit      int
	Offset     int
}

// ListInvoices returns invoices newest-first under the filter, without items.
func (s *Store) ListInvoices(ctx context.Context, f InvoiceFilter) ([]*types.Invoice, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := "SELECT " + invoiceColumns + " FROM invoices WHERE 1=1"
	args := []interface{}{}
	if f.Seller != "" {
		query += " AND seller_name = ?"
		args = append(args, f.Seller)
	}
	if f.CompanyKey != "" {
		query += " AND company_key = ?"
		args = append(args, f.CompanyKey)
	}
	if f.Status != "" {
		query += " AND parsing_status = ?"
		args = append(args, f.Status)
	}
	if f.LatestOnly {
		query += " AND is_latest = 1"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Database("failed to list invoices", err)
	}
	defer rows.Close()

	var out []*types.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan invoice", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// FindInvoicesByNumber returns latest invoices sharing an invoice number,
// excluding one id. Used by the cross-invoice duplicate audit rule.
func (s *Store) FindInvoicesByNumber(ctx context.Context, invoiceNo string, excludeID int64) ([]*types.Invoice, error) {
	if invoiceNo == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE invoice_no = ? AND id != ? AND is_latest = 1",
		invoiceNo, excludeID)
	if err != nil {
		return nil, apperr.Database("failed to find invoices by number", err)
	}
	defer rows.Close()

	var out []*types.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan invoice", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// SetLineItemMaterial links a line item to a catalog material and backfills
// the matching price_history rows that have not been reconciled yet.
func (s *Store) SetLineItemMaterial(ctx context.Context, lineItemID int64, materialID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE line_items SET matched_material_id = ? WHERE id = ?", materialID, lineItemID)
		if err != nil {
			return apperr.Database("failed to link line item", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound(apperr.CodeInvoiceNotFound, "line item", lineItemID)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE price_history SET material_id = ?
			WHERE material_id IS NULL AND (invoice_id, normalized_name) IN
				(SELECT invoice_id, lower(trim(item_name)) FROM line_items WHERE id = ?)`,
			materialID, lineItemID); err != nil {
			return apperr.Database("failed to backfill price history", err)
		}
		return nil
	})
}

// DeleteInvoice removes an invoice and its line items.
func (s *Store) DeleteInvoice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM invoices WHERE id = ?", id)
	if err != nil {
		return apperr.Database("failed to delete invoice", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeInvoiceNotFound, "invoice", id)
	}
	return nil
}
