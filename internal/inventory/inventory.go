// Package inventory is the weighted-average-cost stock ledger: receipts,
// issues, adjustments, status aggregation and local sales invoices.
package inventory

import (
	"context"

	"github.com/shopspring/decimal"

	"srg/internal/logging"
	"srg/internal/store"
	"srg/internal/types"
)

// defaultLowStockThreshold applies when the caller passes no threshold.
const defaultLowStockThreshold = 10

// defaultTaxRate is the VAT applied to sales invoices without an explicit
// rate.
const defaultTaxRate = 0.05

// Ledger exposes the inventory domain API over the store's transactional
// primitives.
type Ledger struct {
	store *store.Store
}

func New(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// Receive books incoming stock. The material must exist in the catalog; the
// inventory row is created on first receipt and the average cost is
// recomputed with decimal arithmetic.
func (l *Ledger) Receive(ctx context.Context, materialID string, qty, unitCost float64, reference, notes string) (*types.InventoryItem, error) {
	if _, err := l.store.GetMaterial(ctx, materialID); err != nil {
		return nil, err
	}
	return l.store.ReceiveStock(ctx, materialID, qty, unitCost, reference, notes)
}

// Issue removes stock at the current average cost. Overdraw fails with
// INSUFFICIENT_STOCK; the average cost never changes on the way out.
func (l *Ledger) Issue(ctx context.Context, materialID string, qty float64, reference, notes string) (*types.InventoryItem, error) {
	return l.store.IssueStock(ctx, materialID, qty, reference, notes)
}

// Adjust sets the on-hand quantity directly, recording the delta.
func (l *Ledger) Adjust(ctx context.Context, materialID string, newQuantity float64, notes string) (*types.InventoryItem, error) {
	return l.store.AdjustStock(ctx, materialID, newQuantity, notes)
}

// StatusLine is one inventory row decorated for reporting.
type StatusLine struct {
	types.InventoryItem
	MaterialName string  `json:"material_name"`
	StockValue   float64 `json:"stock_value"`
}

// Status is the aggregate inventory report.
type Status struct {
	Items      []StatusLine `json:"items"`
	TotalValue float64      `json:"total_value"`
	ItemCount  int          `json:"item_count"`
}

// Status reports every inventory row with its material name and the value of
// stock on hand (quantity times average cost).
func (l *Ledger) Status(ctx context.Context) (*Status, error) {
	items, err := l.store.ListInventory(ctx)
	if err != nil {
		return nil, err
	}

	out := &Status{Items: []StatusLine{}}
	total := decimal.Zero
	for _, it := range items {
		value := decimal.NewFromFloat(it.QuantityOnHand).Mul(decimal.NewFromFloat(it.AvgCost))
		line := StatusLine{InventoryItem: it, StockValue: value.InexactFloat64()}
		if m, err := l.store.GetMaterial(ctx, it.MaterialID); err == nil {
			line.MaterialName = m.DisplayName
		}
		out.Items = append(out.Items, line)
		total = total.Add(value)
	}
	out.TotalValue = total.InexactFloat64()
	out.ItemCount = len(out.Items)
	return out, nil
}

// Movements returns a material's ledger, newest-first.
func (l *Ledger) Movements(ctx context.Context, materialID string, limit int) ([]types.StockMovement, error) {
	return l.store.ListMovements(ctx, materialID, limit)
}

// LowStock returns inventory at or below the threshold; a non-positive
// threshold uses the default.
func (l *Ledger) LowStock(ctx context.Context, threshold float64) ([]types.InventoryItem, error) {
	if threshold <= 0 {
		threshold = defaultLowStockThreshold
	}
	return l.store.LowStockItems(ctx, threshold)
}

// CreateSale issues all items and persists the sales invoice in a single
// transaction; failure anywhere rolls everything back. Pass a negative tax
// rate to apply the default VAT; zero is an honest zero-tax sale.
func (l *Ledger) CreateSale(ctx context.Context, inv *types.LocalSalesInvoice, taxRate float64) error {
	if taxRate < 0 {
		taxRate = defaultTaxRate
	}
	if err := l.store.CreateSalesInvoice(ctx, inv, taxRate); err != nil {
		return err
	}
	logging.Inventory("Sale %s: %d line(s), profit %.2f", inv.InvoiceNo, len(inv.Items), inv.TotalProfit)
	return nil
}

// GetSale loads a sales invoice with items.
func (l *Ledger) GetSale(ctx context.Context, id int64) (*types.LocalSalesInvoice, error) {
	return l.store.GetSalesInvoice(ctx, id)
}

// ListSales pages sales invoices newest-first.
func (l *Ledger) ListSales(ctx context.Context, limit, offset int) ([]*types.LocalSalesInvoice, error) {
	return l.store.ListSalesInvoices(ctx, limit, offset)
}
