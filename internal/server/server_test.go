package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srg/internal/audit"
	"srg/internal/catalog"
	"srg/internal/config"
	"srg/internal/indexer"
	"srg/internal/insights"
	"srg/internal/inventory"
	"srg/internal/llm"
	"srg/internal/parser"
	"srg/internal/retrieval"
	"srg/internal/session"
	"srg/internal/store"
	"srg/internal/types"
)

const invoiceFixture = `COMMERCIAL INVOICE
Invoice No: INV-2024-001
Date: 15/01/2024
Seller: Gulf Steel Trading LLC
Buyer: Emirates Construction Co
Currency: USD

Item Qty Price Amount
Steel Pipe DN50 10 25.00 250.00
Copper Wire 2 100.00 200.00

Subtotal: 450.00
Total: 450.00
`

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.OpenPath(":memory:", 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	provider := llm.NewStatic(cfg.Embed.Dimension)

	registry := parser.NewRegistry(parser.NewTemplateParser(), parser.NewTableParser())
	ix := indexer.New(st, provider, cfg)
	rt := retrieval.New(st, provider, cfg)
	srv := New(cfg, st, provider,
		registry, ix, rt,
		audit.New(st, provider, rt),
		catalog.New(st),
		session.New(st, provider, rt),
		inventory.New(st),
		insights.New(st))

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func postMultipart(t *testing.T, url string, fields map[string]string, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestInvoiceUploadParsesAndStores(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postMultipart(t, ts.URL+"/api/invoices/upload", nil, "inv.txt", invoiceFixture)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out uploadResult
	decodeJSON(t, resp, &out)
	require.NotNil(t, out.Invoice)
	assert.Equal(t, "INV-2024-001", out.Invoice.InvoiceNo)
	assert.Equal(t, 450.0, out.Invoice.TotalAmount)
	require.NotNil(t, out.Invoice.DocumentID)
	assert.Equal(t, out.Document.ID, *out.Invoice.DocumentID)
	assert.NotEmpty(t, out.Attempts)

	// Line items landed in storage.
	items, err := st.GetLineItems(context.Background(), out.Invoice.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, items)
}

func TestDuplicateUploadAndForce(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postMultipart(t, ts.URL+"/api/invoices/upload", nil, "inv.txt", invoiceFixture)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postMultipart(t, ts.URL+"/api/invoices/upload", nil, "inv.txt", invoiceFixture)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	assert.Equal(t, "DUPLICATE_DOCUMENT", env["error_code"])
	assert.Equal(t, "/api/invoices/upload", env["path"])
	assert.NotEmpty(t, env["message"])
	assert.NotEmpty(t, env["timestamp"])

	resp = postMultipart(t, ts.URL+"/api/invoices/upload",
		map[string]string{"force": "true"}, "inv.txt", invoiceFixture)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestInvoiceNotFoundEnvelope(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/invoices/9999")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	assert.Equal(t, "INVOICE_NOT_FOUND", env["error_code"])
	assert.Equal(t, "/api/invoices/9999", env["path"])
}

func TestCatalogIngestRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/catalog/ingest", map[string]string{"url": "https://example.com/catalog"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	assert.Equal(t, "VALIDATION_ERROR", env["error_code"])
	assert.NotEmpty(t, env["hint"])
}

func TestUploadWithAutoCatalogMatches(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMaterial(ctx, &types.Material{
		DisplayName: "Steel Pipe DN50", NormalizedName: "steel pipe dn50",
	}))

	resp := postMultipart(t, ts.URL+"/api/invoices/upload",
		map[string]string{"auto_catalog": "true"}, "inv.txt", invoiceFixture)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out uploadResult
	decodeJSON(t, resp, &out)
	require.NotNil(t, out.Match)
	assert.Equal(t, 1, out.Match.Matched)
	assert.Contains(t, out.Match.Unmatched, "Copper Wire")
}

func TestChatStreamEndsWithDone(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/chat/stream", map[string]interface{}{
		"message": "what did we pay for steel pipe",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sessionID := resp.Header.Get("X-Session-ID")
	assert.NotEmpty(t, sessionID)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.True(t, strings.HasPrefix(f, "data: "), "frame %q", f)
	}
	assert.Equal(t, "data: [DONE]", frames[len(frames)-1])

	// The completed turn persisted both messages.
	messages, err := st.GetMessages(context.Background(), sessionID, false, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestInventoryEndpoints(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	m := &types.Material{DisplayName: "PVC Cable 10mm", NormalizedName: "pvc cable 10mm"}
	require.NoError(t, st.InsertMaterial(ctx, m))

	resp := postJSON(t, ts.URL+"/api/inventory/receive", stockRequest{
		MaterialID: m.ID, Quantity: 100, UnitCost: 5, Reference: "PO-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var item types.InventoryItem
	decodeJSON(t, resp, &item)
	assert.InDelta(t, 100.0, item.QuantityOnHand, 1e-9)

	// Overdraw surfaces the stock shortfall in the envelope detail.
	resp = postJSON(t, ts.URL+"/api/inventory/issue", stockRequest{
		MaterialID: m.ID, Quantity: 150,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	assert.Equal(t, "INSUFFICIENT_STOCK", env["error_code"])

	resp, err := http.Get(ts.URL + "/api/inventory/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status inventory.Status
	decodeJSON(t, resp, &status)
	assert.Equal(t, 1, status.ItemCount)
	assert.InDelta(t, 500.0, status.TotalValue, 1e-9)
}

func TestSalesEndpointComputesTotals(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	m := &types.Material{DisplayName: "Steel Pipe", NormalizedName: "steel pipe"}
	require.NoError(t, st.InsertMaterial(ctx, m))
	_, err := st.ReceiveStock(ctx, m.ID, 100, 6, "PO-1", "")
	require.NoError(t, err)

	zero := 0.0
	resp := postJSON(t, ts.URL+"/api/sales/invoices", map[string]interface{}{
		"invoice_no": "S-1", "customer_name": "Site A", "invoice_date": "2025-06-15",
		"tax_rate": zero,
		"items": []map[string]interface{}{
			{"material_id": m.ID, "item_name": "Steel Pipe", "quantity": 10, "unit_price": 9},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sale types.LocalSalesInvoice
	decodeJSON(t, resp, &sale)
	assert.InDelta(t, 90.0, sale.Subtotal, 1e-9)
	assert.InDelta(t, 0.0, sale.Tax, 1e-9)
	assert.InDelta(t, 30.0, sale.TotalProfit, 1e-9)
	assert.InDelta(t, sale.TotalAmount-sale.TotalCost, sale.TotalProfit, 1e-9)

	resp, err = http.Get(fmt.Sprintf("%s/api/sales/invoices/%d", ts.URL, sale.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got types.LocalSalesInvoice
	decodeJSON(t, resp, &got)
	require.Len(t, got.Items, 1)
	assert.InDelta(t, 60.0, got.Items[0].CostBasis, 1e-9, "cost basis = 6 avg * 10 qty")
}

func TestCompanyDocExpiryAndInsights(t *testing.T) {
	ts, _ := newTestServer(t)

	expiry := time.Now().AddDate(0, 0, 3).Format("2006-01-02")
	resp := postJSON(t, ts.URL+"/api/company-documents", map[string]string{
		"title": "Trade License", "doc_type": "license", "expiry_date": expiry,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/company-documents/expiring?days=30")
	require.NoError(t, err)
	var expiring map[string]interface{}
	decodeJSON(t, resp, &expiring)
	assert.EqualValues(t, 1, expiring["count"])

	resp, err = http.Get(ts.URL + "/api/reminders/insights")
	require.NoError(t, err)
	var report insights.Report
	decodeJSON(t, resp, &report)
	require.NotEmpty(t, report.Insights)
	assert.Equal(t, insights.KindExpiringDoc, report.Insights[0].Kind)
	assert.Equal(t, 0, report.RemindersCreated, "read-only without auto_create")

	// check-expiry materializes the reminder exactly once.
	resp = postJSON(t, ts.URL+"/api/company-documents/check-expiry", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &report)
	assert.Equal(t, 1, report.RemindersCreated)

	resp, err = http.Get(ts.URL + "/api/reminders")
	require.NoError(t, err)
	var reminders map[string]interface{}
	decodeJSON(t, resp, &reminders)
	assert.EqualValues(t, 1, reminders["count"])
}

func TestPageClassification(t *testing.T) {
	tests := []struct {
		text string
		want types.PageType
	}{
		{"COMMERCIAL INVOICE\nInvoice No: X\nTotal Amount: 500", types.PageInvoice},
		{"PACKING LIST\nGross Weight: 100kg\nCarton 1 of 3", types.PagePackingList},
		{"SWIFT: ADCBAEAA\nIBAN AE07...\nBeneficiary: Gulf Steel", types.PageBankForm},
		{"Certificate of Origin\nWe hereby certify that", types.PageCertificate},
		{"random unrelated text", types.PageOther},
		// Equal scores for two types never pick a winner.
		{"invoice carton", types.PageOther},
	}
	for _, tt := range tests {
		got, confidence := classifyPage(tt.text)
		assert.Equal(t, tt.want, got, "text %q", tt.text)
		if tt.want == types.PageOther {
			assert.Zero(t, confidence)
		} else {
			assert.Greater(t, confidence, 0.4)
		}
	}
}

func TestBuildPagesSplitsOnFormFeed(t *testing.T) {
	pages := buildPages("INVOICE page one\fPACKING LIST gross weight")
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].PageNumber)
	assert.Equal(t, types.PageInvoice, pages[0].PageType)
	assert.Equal(t, types.PagePackingList, pages[1].PageType)
}
