package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srg/internal/apperr"
	"srg/internal/store"
	"srg/internal/types"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.OpenPath(":memory:", 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func addMaterial(t *testing.T, st *store.Store, name string) *types.Material {
	t.Helper()
	m := &types.Material{DisplayName: name, NormalizedName: name}
	require.NoError(t, st.InsertMaterial(context.Background(), m))
	return m
}

func TestReceiveRequiresKnownMaterial(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Receive(context.Background(), "missing", 10, 5, "", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMaterialNotFound, apperr.CodeOf(err))
}

func TestReceiveIssueAveragesAndMovements(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	m := addMaterial(t, st, "pvc cable 10mm")

	it, err := l.Receive(ctx, m.ID, 100, 5, "PO-1", "")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, it.AvgCost, 1e-9)

	// 100@5 + 100@7 -> avg 6.
	it, err = l.Receive(ctx, m.ID, 100, 7, "PO-2", "")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, it.AvgCost, 1e-9)
	assert.InDelta(t, 200.0, it.QuantityOnHand, 1e-9)

	// Issues deduct at the average without moving it.
	it, err = l.Issue(ctx, m.ID, 50, "JOB-9", "")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, it.AvgCost, 1e-9)
	assert.InDelta(t, 150.0, it.QuantityOnHand, 1e-9)

	moves, err := l.Movements(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, moves, 3)
	assert.Equal(t, types.MovementOut, moves[0].Type)
	assert.InDelta(t, 6.0, moves[0].UnitCost, 1e-9, "issue recorded at the average")
}

func TestIssueOverdrawFails(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	m := addMaterial(t, st, "anchor bolt m12")

	_, err := l.Receive(ctx, m.ID, 10, 1, "", "")
	require.NoError(t, err)

	_, err = l.Issue(ctx, m.ID, 11, "", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInsufficientStock, apperr.CodeOf(err))

	it, err := st.GetInventoryItem(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, it.QuantityOnHand, 1e-9, "failed issue left stock untouched")
}

func TestStatusAggregatesValue(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	a := addMaterial(t, st, "cable drum")
	b := addMaterial(t, st, "steel pipe")
	_, err := l.Receive(ctx, a.ID, 10, 2, "", "")
	require.NoError(t, err)
	_, err = l.Receive(ctx, b.ID, 5, 4, "", "")
	require.NoError(t, err)

	status, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ItemCount)
	assert.InDelta(t, 40.0, status.TotalValue, 1e-9)

	names := map[string]float64{}
	for _, line := range status.Items {
		names[line.MaterialName] = line.StockValue
	}
	assert.InDelta(t, 20.0, names["cable drum"], 1e-9)
	assert.InDelta(t, 20.0, names["steel pipe"], 1e-9)
}

func TestLowStockDefaultThreshold(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	a := addMaterial(t, st, "scarce part")
	b := addMaterial(t, st, "plentiful part")
	_, err := l.Receive(ctx, a.ID, 3, 1, "", "")
	require.NoError(t, err)
	_, err = l.Receive(ctx, b.ID, 500, 1, "", "")
	require.NoError(t, err)

	low, err := l.LowStock(ctx, 0)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, a.ID, low[0].MaterialID)
}

func TestCreateSaleComputesProfitAndRollsBack(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	m := addMaterial(t, st, "pvc cable 10mm")
	_, err := l.Receive(ctx, m.ID, 100, 6, "", "")
	require.NoError(t, err)

	sale := &types.LocalSalesInvoice{
		InvoiceNo: "S-1", CustomerName: "Site A", InvoiceDate: "2025-06-15",
		Items: []types.LocalSalesItem{{
			MaterialID: m.ID, ItemName: "PVC Cable 10mm", Quantity: 10, UnitPrice: 9,
		}},
	}
	require.NoError(t, l.CreateSale(ctx, sale, 0))

	assert.InDelta(t, 90.0, sale.Subtotal, 1e-9)
	assert.InDelta(t, 0.0, sale.Tax, 1e-9)
	assert.InDelta(t, 30.0, sale.TotalProfit, 1e-9, "profit = (9-6)*10")

	it, err := st.GetInventoryItem(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, it.QuantityOnHand, 1e-9)

	// A sale with any unavailable line rolls back entirely.
	bad := &types.LocalSalesInvoice{
		InvoiceNo: "S-2", CustomerName: "Site B", InvoiceDate: "2025-06-15",
		Items: []types.LocalSalesItem{
			{MaterialID: m.ID, ItemName: "ok line", Quantity: 10, UnitPrice: 9},
			{MaterialID: m.ID, ItemName: "overdraw", Quantity: 500, UnitPrice: 9},
		},
	}
	err = l.CreateSale(ctx, bad, 0)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInsufficientStock, apperr.CodeOf(err))

	it, err = st.GetInventoryItem(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, it.QuantityOnHand, 1e-9, "rollback restored the first line's deduction")

	sales, err := l.ListSales(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "S-1", sales[0].InvoiceNo)

	got, err := l.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.InDelta(t, 60.0, got.Items[0].CostBasis, 1e-9, "cost basis = 6 avg * 10 qty")
}

func TestDefaultVATApplied(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	m := addMaterial(t, st, "steel pipe")
	_, err := l.Receive(ctx, m.ID, 10, 1, "", "")
	require.NoError(t, err)

	sale := &types.LocalSalesInvoice{
		InvoiceNo: "S-3", CustomerName: "Site C", InvoiceDate: "2025-06-15",
		Items: []types.LocalSalesItem{{
			MaterialID: m.ID, ItemName: "steel pipe", Quantity: 10, UnitPrice: 10,
		}},
	}
	require.NoError(t, l.CreateSale(ctx, sale, -1))
	assert.InDelta(t, 5.0, sale.Tax, 1e-9)
	assert.InDelta(t, 105.0, sale.TotalAmount, 1e-9)
	assert.InDelta(t, 95.0, sale.TotalProfit, 1e-9, "profit = total 105 - cost 10")
}
