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
// INVENTORY - weighted average cost ledger
// =============================================================================

// ReceiveStock adds quantity at a unit cost, recomputing the weighted average
// cost with decimal arithmetic. The item row is created on first receipt.
func (s *Store) ReceiveStock(ctx context.Context, materialID string, quantity, unitCost float64, reference, notes string) (*types.InventoryItem, error) {
	if quantity <= 0 {
		return nil, apperr.Validation("receive quantity must be positive")
	}
	if unitCost < 0 {
		return nil, apperr.Validation("unit cost must not be negative")
	}

	var item *types.InventoryItem
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockInventoryRow(ctx, tx, materialID)
		if err != nil && !apperr.Is(err, apperr.CodeInventoryItemNotFound) {
			return err
		}

		qty := decimal.NewFromFloat(quantity)
		cost := decimal.NewFromFloat(unitCost)

		var newQty, newAvg decimal.Decimal
		if cur == nil {
			newQty = qty
			newAvg = cost
		} else {
			oldQty := decimal.NewFromFloat(cur.QuantityOnHand)
			oldAvg := decimal.NewFromFloat(cur.AvgCost)
			newQty = oldQty.Add(qty)
			// WAC: (old_qty*old_avg + qty*cost) / (old_qty + qty)
			newAvg = oldQty.Mul(oldAvg).Add(qty.Mul(cost)).DivRound(newQty, 8)
		}

		if cur == nil {
			if _, err := tx.ExecContext(ctx, `INSERT INTO inventory_items
				(material_id, quantity_on_hand, avg_cost, last_movement_date)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
				materialID, newQty.InexactFloat64(), newAvg.InexactFloat64()); err != nil {
				return apperr.Database("failed to create inventory item", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE inventory_items SET
				quantity_on_hand = ?, avg_cost = ?, last_movement_date = CURRENT_TIMESTAMP
				WHERE material_id = ?`,
				newQty.InexactFloat64(), newAvg.InexactFloat64(), materialID); err != nil {
				return apperr.Database("failed to update inventory item", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO stock_movements
			(material_id, type, quantity, unit_cost, reference, notes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			materialID, types.MovementIn, quantity, unitCost, nullStr(reference), nullStr(notes)); err != nil {
			return apperr.Database("failed to record stock movement", err)
		}

		item, err = getInventoryTx(ctx, tx, materialID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Inventory("Stock received: material=%s qty=%.4f cost=%.4f", materialID, quantity, unitCost)
	return item, nil
}

// IssueStock removes quantity at the current average cost. Issuing more than
// is on hand fails with INSUFFICIENT_STOCK carrying both quantities. The
// average cost is unchanged by issues.
func (s *Store) IssueStock(ctx context.Context, materialID string, quantity float64, reference, notes string) (*types.InventoryItem, error) {
	if quantity <= 0 {
		return nil, apperr.Validation("issue quantity must be positive")
	}

	var item *types.InventoryItem
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockInventoryRow(ctx, tx, materialID)
		if err != nil {
			return err
		}
		if cur.QuantityOnHand < quantity {
			return apperr.New(apperr.CodeInsufficientStock,
				fmt.Sprintf("cannot issue %.4f of %s: only %.4f on hand", quantity, materialID, cur.QuantityOnHand)).
				WithDetail("available", cur.QuantityOnHand).
				WithDetail("requested", quantity)
		}

		newQty := decimal.NewFromFloat(cur.QuantityOnHand).Sub(decimal.NewFromFloat(quantity))
		if _, err := tx.ExecContext(ctx, `UPDATE inventory_items SET
			quantity_on_hand = ?, last_movement_date = CURRENT_TIMESTAMP
			WHERE material_id = ?`, newQty.InexactFloat64(), materialID); err != nil {
			return apperr.Database("failed to update inventory item", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO stock_movements
			(material_id, type, quantity, unit_cost, reference, notes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			materialID, types.MovementOut, quantity, cur.AvgCost, nullStr(reference), nullStr(notes)); err != nil {
			return apperr.Database("failed to record stock movement", err)
		}

		item, err = getInventoryTx(ctx, tx, materialID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Inventory("Stock issued: material=%s qty=%.4f", materialID, quantity)
	return item, nil
}

// AdjustStock sets the on-hand quantity directly, recording the delta as an
// adjust movement. Average cost is unchanged.
func (s *Store) AdjustStock(ctx context.Context, materialID string, newQuantity float64, notes string) (*types.InventoryItem, error) {
	if newQuantity < 0 {
		return nil, apperr.Validation("adjusted quantity must not be negative")
	}
	var item *types.InventoryItem
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockInventoryRow(ctx, tx, materialID)
		if err != nil {
			return err
		}
		delta := newQuantity - cur.QuantityOnHand
		if _, err := tx.ExecContext(ctx, `UPDATE inventory_items SET
			quantity_on_hand = ?, last_movement_date = CURRENT_TIMESTAMP
			WHERE material_id = ?`, newQuantity, materialID); err != nil {
			return apperr.Database("failed to adjust inventory item", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO stock_movements
			(material_id, type, quantity, unit_cost, reference, notes)
			VALUES (?, ?, ?, ?, NULL, ?)`,
			materialID, types.MovementAdjust, delta, cur.AvgCost, nullStr(notes)); err != nil {
			return apperr.Database("failed to record adjustment", err)
		}
		item, err = getInventoryTx(ctx, tx, materialID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// lockInventoryRow reads the inventory row inside the transaction. SQLite
// write transactions serialize, so the read is stable for the tx lifetime.
func lockInventoryRow(ctx context.Context, tx *sql.Tx, materialID string) (*types.InventoryItem, error) {
	var it types.InventoryItem
	err := tx.QueryRowContext(ctx, `SELECT id, material_id, quantity_on_hand, avg_cost, last_movement_date
		FROM inventory_items WHERE material_id = ?`, materialID).
		Scan(&it.ID, &it.MaterialID, &it.QuantityOnHand, &it.AvgCost, &it.LastMovementDate)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeInventoryItemNotFound, "inventory item", materialID)
	}
	if err != nil {
		return nil, apperr.Database("failed to load inventory item", err)
	}
	return &it, nil
}

func getInventoryTx(ctx context.Context, tx *sql.Tx, materialID string) (*types.InventoryItem, error) {
	return lockInventoryRow(ctx, tx, materialID)
}

// GetInventoryItem loads one inventory row.
func (s *Store) GetInventoryItem(ctx context.Context, materialID string) (*types.InventoryItem, error) {
	var it types.InventoryItem
	err := s.db.QueryRowContext(ctx, `SELECT id, material_id, quantity_on_hand, avg_cost, last_movement_date
		FROM inventory_items WHERE material_id = ?`, materialID).
		Scan(&it.ID, &it.MaterialID, &it.QuantityOnHand, &it.AvgCost, &it.LastMovementDate)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeInventoryItemNotFound, "inventory item", materialID)
	}
	if err != nil {
		return nil, apperr.Database("failed to load inventory item", err)
	}
	return &it, nil
}

// ListInventory returns all inventory rows ordered by material.
func (s *Store) ListInventory(ctx context.Context) ([]types.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, material_id, quantity_on_hand, avg_cost, last_movement_date
		FROM inventory_items ORDER BY material_id`)
	if err != nil {
		return nil, apperr.Database("failed to list inventory", err)
	}
	defer rows.Close()

	var out []types.InventoryItem
	for rows.Next() {
		var it types.InventoryItem
		if err := rows.Scan(&it.ID, &it.MaterialID, &it.QuantityOnHand, &it.AvgCost, &it.LastMovementDate); err != nil {
			return nil, apperr.Database("failed to scan inventory item", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListMovements returns a material's ledger newest-first.
func (s *Store) ListMovements(ctx context.Context, materialID string, limit int) ([]types.StockMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, material_id, type, quantity, unit_cost,
		COALESCE(reference, ''), COALESCE(notes, ''), created_at
		FROM stock_movements WHERE material_id = ? ORDER BY id DESC LIMIT ?`, materialID, limit)
	if err != nil {
		return nil, apperr.Database("failed to list movements", err)
	}
	defer rows.Close()

	var out []types.StockMovement
	for rows.Next() {
		var m types.StockMovement
		if err := rows.Scan(&m.ID, &m.MaterialID, &m.Type, &m.Quantity, &m.UnitCost,
			&m.Reference, &m.Notes, &m.CreatedAt); err != nil {
			return nil, apperr.Database("failed to scan movement", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LowStockItems returns inventory rows at or below the threshold.
func (s *Store) LowStockItems(ctx context.Context, threshold float64) ([]types.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, material_id, quantity_on_hand, avg_cost, last_movement_date
		FROM inventory_items WHERE quantity_on_hand <= ? ORDER BY quantity_on_hand ASC`, threshold)
	if err != nil {
		return nil, apperr.Database("failed to list low stock", err)
	}
	defer rows.Close()

	var out []types.InventoryItem
	for rows.Next() {
		var it types.InventoryItem
		if err := rows.Scan(&it.ID, &it.MaterialID, &it.QuantityOnHand, &it.AvgCost, &it.LastMovementDate); err != nil {
			return nil, apperr.Database("failed to scan inventory item", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
