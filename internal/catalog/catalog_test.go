package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srg/internal/store"
	"srg/internal/types"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.OpenPath(":memory:", 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func insertInvoiceWithItems(t *testing.T, st *store.Store, no string, names ...string) *types.Invoice {
	t.Helper()
	inv := &types.Invoice{
		InvoiceNo:   no,
		InvoiceDate: "2025-06-01",
		SellerName:  "Gulf Steel Trading LLC",
		Currency:    "USD",
		IsLatest:    true,
	}
	for i, name := range names {
		inv.Items = append(inv.Items, types.LineItem{
			LineNumber: i + 1, ItemName: name,
			Quantity: 10, UnitPrice: 5, TotalPrice: 50,
			RowType: types.RowLineItem,
		})
	}
	require.NoError(t, st.InsertInvoice(context.Background(), inv))
	return inv
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "pvc cable 10mm", Normalize("  PVC Cable 10mm "))
	assert.Equal(t, "", Normalize("   "))
}

func TestAutoMatchLinksByNormalizedName(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMaterial(ctx, &types.Material{
		DisplayName:    "PVC Cable 10mm",
		NormalizedName: "pvc cable 10mm",
	}))

	inv := insertInvoiceWithItems(t, st, "INV-1", "PVC CABLE 10MM", "Mystery Widget")
	sum, err := r.AutoMatchItems(ctx, inv.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Matched)
	assert.Equal(t, []string{"Mystery Widget"}, sum.Unmatched)

	items, err := st.GetLineItems(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, items[0].MatchedMaterialID)
	assert.Nil(t, items[1].MatchedMaterialID)

	// The raw spelling differs from the display name, so it is kept as a
	// synonym for future lookups.
	m, err := st.GetMaterialByNormalizedName(ctx, "pvc cable 10mm")
	require.NoError(t, err)
	assert.Contains(t, m.Synonyms, "PVC CABLE 10MM")

	// Linking stamps the price rows written by the insert trigger.
	history, err := st.GetPriceHistory(ctx, "pvc cable 10mm", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].MaterialID)
	assert.Equal(t, *items[0].MatchedMaterialID, *history[0].MaterialID)
}

func TestAutoMatchLinksBySynonym(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	m := &types.Material{
		DisplayName:    "Galvanized Steel Pipe 2in",
		NormalizedName: "galvanized steel pipe 2in",
		Synonyms:       []string{"gi pipe 2 inch"},
	}
	require.NoError(t, st.InsertMaterial(ctx, m))

	inv := insertInvoiceWithItems(t, st, "INV-2", "GI Pipe 2 inch")
	sum, err := r.AutoMatchItems(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Matched)

	items, err := st.GetLineItems(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, items[0].MatchedMaterialID)
	assert.Equal(t, m.ID, *items[0].MatchedMaterialID)

	got, err := st.GetMaterial(ctx, m.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Synonyms, "GI Pipe 2 inch", "raw spelling recorded alongside the seeded synonym")
}

func TestAutoMatchNeverCreatesMaterials(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	inv := insertInvoiceWithItems(t, st, "INV-3", "Unknown Part A", "Unknown Part B")
	sum, err := r.AutoMatchItems(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Matched)
	assert.Len(t, sum.Unmatched, 2)

	materials, err := st.ListMaterials(ctx, "", 50, 0)
	require.NoError(t, err)
	assert.Empty(t, materials)
}

func TestAddToCatalogReusesAndAddsSynonym(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMaterial(ctx, &types.Material{
		DisplayName:    "PVC Cable 10mm",
		NormalizedName: "pvc cable 10mm",
	}))

	inv := insertInvoiceWithItems(t, st, "INV-4", "PVC CABLE 10MM")
	created, err := r.AddToCatalog(ctx, inv.ID, nil)
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Reused, not duplicated.
	materials, err := st.ListMaterials(ctx, "", 50, 0)
	require.NoError(t, err)
	assert.Len(t, materials, 1)

	// The synonym keeps the invoice's raw spelling, not the normalized form.
	m, err := st.GetMaterial(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Contains(t, m.Synonyms, "PVC CABLE 10MM")

	items, err := st.GetLineItems(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, items[0].MatchedMaterialID)
}

func TestAddToCatalogCreatesNewMaterial(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	inv := insertInvoiceWithItems(t, st, "INV-5", "Copper Lug 35mm")
	items, err := st.GetLineItems(ctx, inv.ID)
	require.NoError(t, err)

	created, err := r.AddToCatalog(ctx, inv.ID, []int64{items[0].ID})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.NotEmpty(t, created[0].ID)
	assert.Equal(t, "copper lug 35mm", created[0].NormalizedName)

	history, err := st.GetPriceHistory(ctx, "copper lug 35mm", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].MaterialID)
	assert.Equal(t, created[0].ID, *history[0].MaterialID)
}

func TestAddToCatalogBackfillsOnlyEmptyFields(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMaterial(ctx, &types.Material{
		DisplayName:    "Anchor Bolt M12",
		NormalizedName: "anchor bolt m12",
		Unit:           "box",
	}))

	inv := &types.Invoice{
		InvoiceNo: "INV-6", InvoiceDate: "2025-06-01",
		SellerName: "Gulf Steel Trading LLC", Currency: "USD", IsLatest: true,
		Items: []types.LineItem{{
			LineNumber: 1, ItemName: "Anchor Bolt M12",
			HSCode: "7318.15", Unit: "pcs",
			Quantity: 100, UnitPrice: 0.5, TotalPrice: 50,
			RowType: types.RowLineItem,
		}},
	}
	require.NoError(t, st.InsertInvoice(ctx, inv))

	_, err := r.AddToCatalog(ctx, inv.ID, nil)
	require.NoError(t, err)

	m, err := st.GetMaterialByNormalizedName(ctx, "anchor bolt m12")
	require.NoError(t, err)
	assert.Equal(t, "7318.15", m.HSCode, "empty hs_code backfilled from the item")
	assert.Equal(t, "box", m.Unit, "existing unit untouched")
}

func TestSuggestions(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMaterial(ctx, &types.Material{
		DisplayName:    "Galvanized Steel Pipe",
		NormalizedName: "galvanized steel pipe",
	}))

	got := r.Suggestions(ctx, "galvan")
	require.NotEmpty(t, got)
	assert.Equal(t, "Galvanized Steel Pipe", got[0].DisplayName)

	assert.Empty(t, r.Suggestions(ctx, ""))
}

func TestSuggestForInvoiceSkipsMatchedItems(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMaterial(ctx, &types.Material{
		DisplayName:    "PVC Cable 10mm",
		NormalizedName: "pvc cable 10mm",
	}))
	inv := insertInvoiceWithItems(t, st, "INV-7", "PVC Cable 10mm", "Loose Gravel")
	_, err := r.AutoMatchItems(ctx, inv.ID)
	require.NoError(t, err)

	items, err := st.GetLineItems(ctx, inv.ID)
	require.NoError(t, err)

	got, err := r.SuggestForInvoice(ctx, inv.ID)
	require.NoError(t, err)
	_, hasMatched := got[items[0].ID]
	assert.False(t, hasMatched)
	_, hasUnmatched := got[items[1].ID]
	assert.True(t, hasUnmatched)
}
