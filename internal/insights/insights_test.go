package insights

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srg/internal/store"
	"srg/internal/types"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *store.Store) {
	t.Helper()
	st, err := store.OpenPath(":memory:", 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := New(st)
	e.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return e, st
}

func addCompanyDoc(t *testing.T, st *store.Store, title, expiry string) *types.CompanyDocument {
	t.Helper()
	d := &types.CompanyDocument{Title: title, DocType: "license", ExpiryDate: expiry}
	require.NoError(t, st.InsertCompanyDocument(context.Background(), d))
	return d
}

func byKind(insights []types.Insight, kind string) []types.Insight {
	var out []types.Insight
	for _, in := range insights {
		if in.Kind == kind {
			out = append(out, in)
		}
	}
	return out
}

func TestExpiringDocSeverityBands(t *testing.T) {
	e, st := newTestEvaluator(t)
	ctx := context.Background()

	addCompanyDoc(t, st, "Trade License", "2025-06-18")    // 3 days out
	addCompanyDoc(t, st, "Chamber Cert", "2025-07-10")     // 25 days out
	addCompanyDoc(t, st, "Insurance Policy", "2026-01-01") // beyond the window
	addCompanyDoc(t, st, "Old Permit", "2025-06-01")       // already expired

	report, err := e.Evaluate(ctx, Options{ExpiryDays: 30})
	require.NoError(t, err)

	got := byKind(report.Insights, KindExpiringDoc)
	require.Len(t, got, 3)

	severities := map[string]string{}
	for _, in := range got {
		severities[in.Title] = in.Severity
	}
	assert.Equal(t, SeverityCritical, severities["Document expiring: Trade License"])
	assert.Equal(t, SeverityWarning, severities["Document expiring: Chamber Cert"])
	assert.Equal(t, SeverityCritical, severities["Document expiring: Old Permit"])
}

func TestUnmatchedItemsDeduplicateByName(t *testing.T) {
	e, st := newTestEvaluator(t)
	ctx := context.Background()

	for _, no := range []string{"INV-1", "INV-2"} {
		inv := &types.Invoice{
			InvoiceNo: no, InvoiceDate: "2025-06-01", SellerName: "Seller A",
			Currency: "USD", IsLatest: true,
			Items: []types.LineItem{{
				LineNumber: 1, ItemName: "Mystery Widget",
				Quantity: 1, UnitPrice: 2, TotalPrice: 2, RowType: types.RowLineItem,
			}},
		}
		require.NoError(t, st.InsertInvoice(ctx, inv))
	}

	report, err := e.Evaluate(ctx, Options{})
	require.NoError(t, err)

	got := byKind(report.Insights, KindUnmatchedItem)
	require.Len(t, got, 1, "same name on two invoices collapses to one insight")
	assert.Equal(t, SeverityInfo, got[0].Severity)
	assert.Equal(t, "mystery widget", got[0].LinkedEntityID)
	assert.Contains(t, got[0].Detail, "2 invoice line(s)")
}

func TestPriceAnomalyInsight(t *testing.T) {
	e, st := newTestEvaluator(t)
	ctx := context.Background()

	mk := func(no string, price float64) *types.Invoice {
		return &types.Invoice{
			InvoiceNo: no, InvoiceDate: "2025-06-01", SellerName: "Seller A",
			Currency: "USD", IsLatest: true,
			Items: []types.LineItem{{
				LineNumber: 1, ItemName: "PVC Cable 10mm",
				Quantity: 10, UnitPrice: price, TotalPrice: 10 * price,
				RowType: types.RowLineItem,
			}},
		}
	}
	require.NoError(t, st.InsertInvoice(ctx, mk("H-1", 10)))
	require.NoError(t, st.InsertInvoice(ctx, mk("H-2", 10)))
	require.NoError(t, st.InsertInvoice(ctx, mk("INV-9", 20)))

	report, err := e.Evaluate(ctx, Options{})
	require.NoError(t, err)

	got := byKind(report.Insights, KindPriceAnomaly)
	require.NotEmpty(t, got)
	assert.Equal(t, SeverityWarning, got[0].Severity)
	assert.Contains(t, got[0].Detail, "PVC Cable 10mm")
}

func TestAutoCreateRemindersDedupeActiveOnly(t *testing.T) {
	e, st := newTestEvaluator(t)
	ctx := context.Background()

	addCompanyDoc(t, st, "Trade License", "2025-06-18")

	report, err := e.Evaluate(ctx, Options{AutoCreate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemindersCreated)

	reminders, err := st.ListReminders(ctx, true)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Equal(t, "insight:expiring_doc", reminders[0].LinkedEntityType)
	assert.Equal(t, SeverityCritical, reminders[0].Severity)

	// Second run: the active reminder already covers it, nothing new.
	report, err = e.Evaluate(ctx, Options{AutoCreate: true})
	require.NoError(t, err)
	assert.Equal(t, 0, report.RemindersCreated)

	// A dismissed reminder does not suppress the insight: the next run
	// creates a fresh one.
	require.NoError(t, st.SetReminderDone(ctx, reminders[0].ID, true))
	report, err = e.Evaluate(ctx, Options{AutoCreate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemindersCreated)

	active, err := st.ListReminders(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.NotEqual(t, reminders[0].ID, active[0].ID)
}

func TestEvaluateEmptyState(t *testing.T) {
	e, _ := newTestEvaluator(t)
	report, err := e.Evaluate(context.Background(), Options{AutoCreate: true})
	require.NoError(t, err)
	assert.Empty(t, report.Insights)
	assert.Equal(t, 0, report.RemindersCreated)
}
