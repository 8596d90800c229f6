package store

import (
	"context"
	"database/sql"

	"srg/internal/apperr"
	"srg/internal/types"
)

// =============================================================================
// PRICE HISTORY
// =============================================================================

// GetPriceHistory returns observations for a normalized name, newest invoice
// date first.
func (s *Store) GetPriceHistory(ctx context.Context, normalizedName string, limit int) ([]types.PriceHistoryRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, normalized_name, COALESCE(hs_code, ''),
		COALESCE(seller, ''), invoice_id, COALESCE(invoice_date, ''), quantity, unit_price,
		currency, material_id
		FROM price_history WHERE normalized_name = ?
		ORDER BY invoice_date DESC, id DESC LIMIT ?`, normalizedName, limit)
	if err != nil {
		return nil, apperr.Database("failed to load price history", err)
	}
	defer rows.Close()

	var out []types.PriceHistoryRow
	for rows.Next() {
		var r types.PriceHistoryRow
		var material sql.NullString
		if err := rows.Scan(&r.ID, &r.NormalizedName, &r.HSCode, &r.Seller,
			&r.InvoiceID, &r.InvoiceDate, &r.Quantity, &r.UnitPrice, &r.Currency, &material); err != nil {
			return nil, apperr.Database("failed to scan price row", err)
		}
		if material.Valid {
			v := material.String
			r.MaterialID = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPriceStats aggregates price history per (normalized_name, seller,
// currency). With an empty seller the aggregation falls back to
// (normalized_name, currency) across all sellers.
func (s *Store) GetPriceStats(ctx context.Context, normalizedName, seller, currency string) (*types.PriceStats, error) {
	query := `SELECT COUNT(*), COALESCE(AVG(unit_price), 0), COALESCE(MIN(unit_price), 0),
		COALESCE(MAX(unit_price), 0)
		FROM price_history WHERE normalized_name = ? AND currency = ?`
	args := []interface{}{normalizedName, currency}
	if seller != "" {
		query += " AND seller = ?"
		args = append(args, seller)
	}

	st := &types.PriceStats{NormalizedName: normalizedName, Seller: seller, Currency: currency}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.OccurrenceCount, &st.AvgPrice, &st.MinPrice, &st.MaxPrice); err != nil {
		return nil, apperr.Database("failed to aggregate price stats", err)
	}
	if st.OccurrenceCount == 0 {
		return st, nil
	}

	lastQuery := `SELECT unit_price, COALESCE(invoice_date, '') FROM price_history
		WHERE normalized_name = ? AND currency = ?`
	lastArgs := []interface{}{normalizedName, currency}
	if seller != "" {
		lastQuery += " AND seller = ?"
		lastArgs = append(lastArgs, seller)
	}
	lastQuery += " ORDER BY invoice_date DESC, id DESC LIMIT 1"
	if err := s.db.QueryRowContext(ctx, lastQuery, lastArgs...).Scan(&st.LastPrice, &st.LastInvoiceDate); err != nil && err != sql.ErrNoRows {
		return nil, apperr.Database("failed to load last price", err)
	}
	return st, nil
}

// PriceBaseline computes the historical average for a name excluding one
// invoice, preferring per-seller history and falling back to all sellers in
// the same currency.
func (s *Store) PriceBaseline(ctx context.Context, normalizedName, seller, currency string, excludeInvoiceID int64) (avg float64, count int, err error) {
	if seller != "" {
		err = s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(unit_price), 0), COUNT(*)
			FROM price_history
			WHERE normalized_name = ? AND seller = ? AND currency = ? AND invoice_id != ?`,
			normalizedName, seller, currency, excludeInvoiceID).Scan(&avg, &count)
		if err != nil {
			return 0, 0, apperr.Database("failed to compute price baseline", err)
		}
		if count >= 2 {
			return avg, count, nil
		}
	}
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(unit_price), 0), COUNT(*)
		FROM price_history
		WHERE normalized_name = ? AND currency = ? AND invoice_id != ?`,
		normalizedName, currency, excludeInvoiceID).Scan(&avg, &count)
	if err != nil {
		return 0, 0, apperr.Database("failed to compute price baseline", err)
	}
	return avg, count, nil
}

// PriceRowsInWindow returns observations for a normalized name dated inside
// [from, to] (ISO dates, inclusive) from invoices other than excludeInvoiceID.
func (s *Store) PriceRowsInWindow(ctx context.Context, normalizedName, from, to string, excludeInvoiceID int64) ([]types.PriceHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, normalized_name, COALESCE(seller, ''),
		invoice_id, COALESCE(invoice_date, ''), unit_price, currency
		FROM price_history
		WHERE normalized_name = ? AND invoice_id != ?
		  AND invoice_date != '' AND invoice_date >= ? AND invoice_date <= ?
		ORDER BY invoice_date ASC, id ASC`, normalizedName, excludeInvoiceID, from, to)
	if err != nil {
		return nil, apperr.Database("failed to load price window", err)
	}
	defer rows.Close()

	var out []types.PriceHistoryRow
	for rows.Next() {
		var r types.PriceHistoryRow
		if err := rows.Scan(&r.ID, &r.NormalizedName, &r.Seller,
			&r.InvoiceID, &r.InvoiceDate, &r.UnitPrice, &r.Currency); err != nil {
			return nil, apperr.Database("failed to scan price row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
