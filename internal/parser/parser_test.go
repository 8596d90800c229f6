package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srg/internal/apperr"
	"srg/internal/llm"
	"srg/internal/types"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"500", 500, true},
		{"1.5", 1.5, true},
		{"1,234.56", 1234.56, true},
		{"1.234,56", 1234.56, true},
		{"1.234.567", 1234567, true},
		{"12,5", 12.5, true},
		{"1,200", 1200, true},
		{"$ 1,000.00", 1000, true},
		{"USD 250.00", 250, true},
		{"٣٤٥٫٥", 345.5, true},
		{"۱۲۳", 123, true},
		{"", 0, false},
		{"n/a", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseAmount(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 0.0001, "input %q", tt.in)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	assert.Equal(t, "2024-01-15", normalizeDate("2024-01-15"))
	assert.Equal(t, "2024-01-15", normalizeDate("15/01/2024"))
	assert.Equal(t, "2024-01-05", normalizeDate("5-1-24"))
	assert.Equal(t, "2024-03-02", normalizeDate("٠٢.٠٣.٢٠٢٤"))
	// Unrecognized forms pass through untouched.
	assert.Equal(t, "March 5, 2024", normalizeDate("March 5, 2024"))
}

func TestExtractItemsMergesOrphans(t *testing.T) {
	text := "Steel Pipe DN50 10 25.00 250.00\n" +
		"galvanized, heavy duty\n" +
		"Copper Wire 2 100.00 200.00\n" +
		"Subtotal 450.00 0 450.00\n"

	items := extractItems(text)
	require.Len(t, items, 3)

	assert.Equal(t, "Steel Pipe DN50", items[0].ItemName)
	assert.Equal(t, "galvanized, heavy duty", items[0].Description)
	assert.Equal(t, 10.0, items[0].Quantity)
	assert.Equal(t, types.RowLineItem, items[0].RowType)

	assert.Equal(t, "Copper Wire", items[1].ItemName)
	assert.Empty(t, items[1].Description)

	assert.Equal(t, types.RowSummary, items[2].RowType)
	assert.Equal(t, 2, countLineItems(items))
}

func TestParseItemRowFlagsOutOfToleranceTotal(t *testing.T) {
	it := parseItemRow("Widget 5 100.00 600.00", 1)
	require.NotNil(t, it)
	assert.True(t, it.TrustedTotal)

	ok := parseItemRow("Widget 5 100.00 500.00", 1)
	require.NotNil(t, ok)
	assert.False(t, ok.TrustedTotal)
	assert.True(t, lineTolerantOK(*ok))
}

const cleanInvoiceText = `COMMERCIAL INVOICE
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
IBAN AE070331234567890123456
`

func TestTemplateParserCleanInvoice(t *testing.T) {
	doc := &types.Document{ID: 1, Filename: "inv.pdf", CompanyKey: "gulf"}
	pages := []types.Page{{PageNumber: 1, PageType: types.PageInvoice, Text: cleanInvoiceText}}

	res, err := NewTemplateParser().Parse(context.Background(), doc, pages)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.Equal(t, "INV-2024-001", res.Invoice.InvoiceNo)
	assert.Equal(t, "2024-01-15", res.Invoice.InvoiceDate)
	assert.Equal(t, "Gulf Steel Trading LLC", res.Invoice.SellerName)
	assert.Equal(t, "USD", res.Invoice.Currency)
	assert.Equal(t, 450.0, res.Invoice.TotalAmount)
	assert.Equal(t, 2, countLineItems(res.Invoice.Items))
	assert.Contains(t, res.Invoice.BankDetails, "AE070331234567890123456")
}

func TestRegistryAcceptsFirstParserAboveThreshold(t *testing.T) {
	doc := &types.Document{ID: 1, Filename: "inv.pdf", CompanyKey: "gulf"}
	pages := []types.Page{{PageNumber: 1, PageType: types.PageInvoice, Text: cleanInvoiceText}}

	reg := NewRegistry(NewTableParser(), NewTemplateParser())
	res, attempts, err := reg.ParseInvoice(context.Background(), doc, pages)
	require.NoError(t, err)

	assert.Equal(t, "template", res.Invoice.ParserUsed)
	assert.Equal(t, types.ParsingOK, res.Invoice.ParsingStatus)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Accepted)
}

func TestRegistryFallsThroughToTable(t *testing.T) {
	// No labeled fields at all: the template parser scores too low, the table
	// parser finds the header row and wins.
	text := "Shipment manifest\n" +
		"Item Qty Price Amount\n" +
		"Steel Pipe DN50 10 25.00 250.00\n" +
		"Copper Wire 2 100.00 200.00\n" +
		"Total 0 0 450.00\n"
	doc := &types.Document{ID: 2, Filename: "scan.pdf"}
	pages := []types.Page{{PageNumber: 1, PageType: types.PageInvoice, Text: text}}

	reg := NewRegistry(NewTemplateParser(), NewTableParser())
	res, attempts, err := reg.ParseInvoice(context.Background(), doc, pages)
	require.NoError(t, err)

	assert.Equal(t, "table", res.Invoice.ParserUsed)
	assert.Equal(t, 450.0, res.Invoice.TotalAmount)
	require.Len(t, attempts, 2)
	assert.Equal(t, "template", attempts[0].Parser)
	assert.False(t, attempts[0].Accepted)
}

func TestRegistryExhaustionReturnsParsingFailed(t *testing.T) {
	doc := &types.Document{ID: 3, Filename: "blank.pdf"}
	pages := []types.Page{{PageNumber: 1, PageType: types.PageInvoice, Text: "   "}}

	reg := NewRegistry(NewTemplateParser(), NewTableParser())
	_, attempts, err := reg.ParseInvoice(context.Background(), doc, pages)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeParsingFailed, apperr.CodeOf(err))
	assert.Len(t, attempts, 2)
}

// visionStub is a Captioner-capable provider returning a canned response.
type visionStub struct {
	llm.Provider
	response string
	calls    int
}

func (v *visionStub) Caption(ctx context.Context, image []byte, prompt string) (string, error) {
	v.calls++
	return v.response, nil
}

func TestVisionParserIsTerminal(t *testing.T) {
	stub := &visionStub{
		Provider: llm.NewStatic(8),
		// Deliberately malformed: trailing comma plus a markdown fence.
		response: "```json\n{\"invoice_no\": \"V-9\", \"total_amount\": 120, " +
			"\"items\": [{\"item_name\": \"Valve\", \"quantity\": 2, \"unit_price\": 60, \"total_price\": 120},]}\n```",
	}
	vp := NewVisionParser(stub, t.TempDir())
	vp.loadImage = func(doc *types.Document, page types.Page) ([]byte, error) {
		return []byte("fake-image"), nil
	}

	doc := &types.Document{ID: 4, Filename: "photo.pdf"}
	pages := []types.Page{{PageNumber: 1, PageType: types.PageInvoice, ImageHash: "abc", Text: ""}}

	reg := NewRegistry(NewTemplateParser(), NewTableParser(), vp)
	res, attempts, err := reg.ParseInvoice(context.Background(), doc, pages)
	require.NoError(t, err)

	assert.Equal(t, "vision", res.Invoice.ParserUsed)
	assert.Equal(t, "V-9", res.Invoice.InvoiceNo)
	assert.Equal(t, 120.0, res.Invoice.TotalAmount)
	require.Len(t, res.Invoice.Items, 1)
	assert.Equal(t, "Valve", res.Invoice.Items[0].ItemName)
	assert.Len(t, attempts, 3)

	// Second parse of the same image hits the on-disk caption cache.
	_, _, err = reg.ParseInvoice(context.Background(), doc, pages)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.calls)
}

func TestQualityScoreRewardsCompleteness(t *testing.T) {
	full := &types.Invoice{
		InvoiceNo:   "A-1",
		InvoiceDate: "2024-01-01",
		SellerName:  "Acme",
		TotalAmount: 100,
		Items: []types.LineItem{
			{ItemName: "x", Quantity: 2, UnitPrice: 50, TotalPrice: 100, RowType: types.RowLineItem},
		},
	}
	assert.InDelta(t, 1.0, qualityScore(full), 0.0001)

	empty := &types.Invoice{}
	assert.Equal(t, 0.0, qualityScore(empty))
}
