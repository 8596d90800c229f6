package parser

import (
	"context"
	"strings"

	"srg/internal/types"
)

// =============================================================================
// TABLE-AWARE PARSER - priority 80
// =============================================================================

// TableParser locates an item table by its header row and reads rows
// positionally. It recovers invoices whose labeled fields the template parser
// missed but whose tables are well formed.
type TableParser struct{}

func NewTableParser() *TableParser { return &TableParser{} }

func (p *TableParser) Name() string             { return "table" }
func (p *TableParser) Priority() int            { return 80 }
func (p *TableParser) AcceptThreshold() float64 { return 0.5 }

var headerWords = map[string]bool{
	"description": true, "item": true, "goods": true, "product": true, "البيان": true, "الصنف": true,
}
var qtyWords = map[string]bool{
	"qty": true, "quantity": true, "الكمية": true,
}
var priceWords = map[string]bool{
	"price": true, "rate": true, "unit": true, "السعر": true,
}

// isHeaderRow detects the item-table header: it names a description column
// and at least one of quantity/price.
func isHeaderRow(line string) bool {
	fields := strings.Fields(strings.ToLower(line))
	var hasDesc, hasNum bool
	for _, f := range fields {
		f = strings.Trim(f, ".:#")
		if headerWords[f] {
			hasDesc = true
		}
		if qtyWords[f] || priceWords[f] {
			hasNum = true
		}
	}
	return hasDesc && hasNum
}

func (p *TableParser) Parse(ctx context.Context, doc *types.Document, pages []types.Page) (*Result, error) {
	text := joinPages(pages)
	lines := strings.Split(text, "\n")

	start := -1
	for i, line := range lines {
		if isHeaderRow(line) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, nil
	}

	inv := types.Invoice{CompanyKey: doc.CompanyKey}
	if m := invoiceNoPattern.FindStringSubmatch(text); m != nil {
		inv.InvoiceNo = strings.TrimSpace(m[1])
	}
	if m := datePattern.FindStringSubmatch(text); m != nil {
		inv.InvoiceDate = normalizeDate(m[1])
	}
	if m := sellerPattern.FindStringSubmatch(text); m != nil {
		inv.SellerName = trimField(m[1])
	}
	if m := currencyPattern.FindString(text); m != "" {
		inv.Currency = strings.ToUpper(m)
	}
	inv.BankDetails = extractBankDetails(text)

	// The table body ends at the first summary row; that row also supplies
	// the stated total when parseable.
	body := strings.Join(lines[start:], "\n")
	inv.Items = extractItems(body)
	for _, it := range inv.Items {
		if it.RowType == types.RowSummary && it.TotalPrice > 0 && inv.TotalAmount == 0 {
			inv.TotalAmount = it.TotalPrice
		}
	}
	if m := totalPattern.FindStringSubmatch(text); m != nil && inv.TotalAmount == 0 {
		if v, ok := ParseAmount(m[1]); ok {
			inv.TotalAmount = v
		}
	}

	items := countLineItems(inv.Items)
	if items == 0 {
		return nil, nil
	}

	conf := 0.4
	if inv.InvoiceNo != "" {
		conf += 0.15
	}
	if inv.InvoiceDate != "" {
		conf += 0.1
	}
	if inv.TotalAmount > 0 {
		conf += 0.15
	}
	tolerant := 0
	for _, it := range inv.Items {
		if it.RowType == types.RowLineItem && lineTolerantOK(it) {
			tolerant++
		}
	}
	if tolerant == items {
		conf += 0.2
	}
	if conf > 1 {
		conf = 1
	}
	return &Result{Invoice: inv, Confidence: conf}, nil
}
