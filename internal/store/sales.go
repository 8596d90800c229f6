package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// LOCAL SALES
// =============================================================================

// CreateSalesInvoice writes a local sales invoice and its stock issues in one
// transaction. Header totals are computed from the items; caller-supplied
// totals are ignored. Each line's cost basis is the weighted-average cost of
// the issued quantity, and total_profit is total_amount minus total_cost.
// Any line with insufficient stock aborts the whole invoice, leaving
// inventory untouched.
func (s *Store) CreateSalesInvoice(ctx context.Context, inv *types.LocalSalesInvoice, taxRate float64) error {
	if len(inv.Items) == 0 {
		return apperr.Validation("sales invoice requires at least one item")
	}
	for i := range inv.Items {
		if inv.Items[i].Quantity <= 0 {
			return apperr.Validation(fmt.Sprintf("item %d: quantity must be positive", i+1))
		}
		if inv.Items[i].UnitPrice < 0 {
			return apperr.Validation(fmt.Sprintf("item %d: unit price must not be negative", i+1))
		}
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		subtotal := decimal.Zero
		totalCost := decimal.Zero
		// Unit average cost per line, kept for the stock movement rows.
		unitCosts := make([]float64, len(inv.Items))

		for i := range inv.Items {
			it := &inv.Items[i]
			cur, err := lockInventoryRow(ctx, tx, it.MaterialID)
			if err != nil {
				return err
			}
			if cur.QuantityOnHand < it.Quantity {
				return apperr.New(apperr.CodeInsufficientStock,
					fmt.Sprintf("cannot sell %.4f of %s: only %.4f on hand",
						it.Quantity, it.MaterialID, cur.QuantityOnHand)).
					WithDetail("material_id", it.MaterialID).
					WithDetail("available", cur.QuantityOnHand).
					WithDetail("requested", it.Quantity)
			}

			qty := decimal.NewFromFloat(it.Quantity)
			price := decimal.NewFromFloat(it.UnitPrice)
			cost := decimal.NewFromFloat(cur.AvgCost)

			lineTotal := qty.Mul(price)
			lineCost := qty.Mul(cost)
			unitCosts[i] = cur.AvgCost
			it.LineTotal = lineTotal.InexactFloat64()
			it.CostBasis = lineCost.InexactFloat64()
			it.Profit = lineTotal.Sub(lineCost).InexactFloat64()

			subtotal = subtotal.Add(lineTotal)
			totalCost = totalCost.Add(lineCost)

			newQty := decimal.NewFromFloat(cur.QuantityOnHand).Sub(qty)
			if _, err := tx.ExecContext(ctx, `UPDATE inventory_items SET
				quantity_on_hand = ?, last_movement_date = CURRENT_TIMESTAMP
				WHERE material_id = ?`, newQty.InexactFloat64(), it.MaterialID); err != nil {
				return apperr.Database("failed to update inventory for sale", err)
			}
		}

		tax := subtotal.Mul(decimal.NewFromFloat(taxRate)).Round(2)
		total := subtotal.Add(tax)
		inv.Subtotal = subtotal.InexactFloat64()
		inv.Tax = tax.InexactFloat64()
		inv.TotalAmount = total.InexactFloat64()
		inv.TotalCost = totalCost.InexactFloat64()
		inv.TotalProfit = total.Sub(totalCost).InexactFloat64()

		res, err := tx.ExecContext(ctx, `INSERT INTO local_sales_invoices
			(invoice_no, customer_name, invoice_date, subtotal, tax, total_amount, total_cost, total_profit)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.InvoiceNo, inv.CustomerName, inv.InvoiceDate,
			inv.Subtotal, inv.Tax, inv.TotalAmount, inv.TotalCost, inv.TotalProfit)
		if err != nil {
			return apperr.Wrap(apperr.CodeSalesError, "failed to insert sales invoice", err)
		}
		inv.ID, _ = res.LastInsertId()

		for i := range inv.Items {
			it := &inv.Items[i]
			it.InvoiceID = inv.ID
			ires, err := tx.ExecContext(ctx, `INSERT INTO local_sales_items
				(invoice_id, material_id, item_name, quantity, unit_price, line_total, cost_basis, profit)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				it.InvoiceID, it.MaterialID, it.ItemName, it.Quantity, it.UnitPrice,
				it.LineTotal, it.CostBasis, it.Profit)
			if err != nil {
				return apperr.Wrap(apperr.CodeSalesError, "failed to insert sales item", err)
			}
			it.ID, _ = ires.LastInsertId()

			if _, err := tx.ExecContext(ctx, `INSERT INTO stock_movements
				(material_id, type, quantity, unit_cost, reference, notes)
				VALUES (?, ?, ?, ?, ?, NULL)`,
				it.MaterialID, types.MovementOut, it.Quantity, unitCosts[i],
				fmt.Sprintf("sale:%s", inv.InvoiceNo)); err != nil {
				return apperr.Database("failed to record sale movement", err)
			}
		}
		logging.Inventory("Sales invoice created: no=%s items=%d total=%.2f profit=%.2f",
			inv.InvoiceNo, len(inv.Items), inv.TotalAmount, inv.TotalProfit)
		return nil
	})
}

const salesColumns = `id, invoice_no, customer_name, invoice_date, subtotal, tax,
	total_amount, total_cost, total_profit, created_at`

func scanSalesInvoice(row interface{ Scan(...interface{}) error }) (*types.LocalSalesInvoice, error) {
	var inv types.LocalSalesInvoice
	err := row.Scan(&inv.ID, &inv.InvoiceNo, &inv.CustomerName, &inv.InvoiceDate,
		&inv.Subtotal, &inv.Tax, &inv.TotalAmount, &inv.TotalCost, &inv.TotalProfit, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetSalesInvoice loads one local sales invoice with its items.
func (s *Store) GetSalesInvoice(ctx context.Context, id int64) (*types.LocalSalesInvoice, error) {
	inv, err := scanSalesInvoice(s.db.QueryRowContext(ctx,
		"SELECT "+salesColumns+" FROM local_sales_invoices WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeInvoiceNotFound, "sales invoice", id)
	}
	if err != nil {
		return nil, apperr.Database("failed to load sales invoice", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, invoice_id, material_id, item_name,
		quantity, unit_price, line_total, cost_basis, profit
		FROM local_sales_items WHERE invoice_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, apperr.Database("failed to load sales items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it types.LocalSalesItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.MaterialID, &it.ItemName,
			&it.Quantity, &it.UnitPrice, &it.LineTotal, &it.CostBasis, &it.Profit); err != nil {
			return nil, apperr.Database("failed to scan sales item", err)
		}
		inv.Items = append(inv.Items, it)
	}
	return inv, rows.Err()
}

// ListSalesInvoices returns sales invoices newest-first, without items.
func (s *Store) ListSalesInvoices(ctx context.Context, limit, offset int) ([]*types.LocalSalesInvoice, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+salesColumns+" FROM local_sales_invoices ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, apperr.Database("failed to list sales invoices", err)
	}
	defer rows.Close()

	var out []*types.LocalSalesInvoice
	for rows.Next() {
		inv, err := scanSalesInvoice(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan sales invoice", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
