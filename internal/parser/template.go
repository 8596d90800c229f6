package parser

import (
	"context"
	"regexp"
	"strings"

	"srg/internal/types"
)

// =============================================================================
// TEMPLATE PARSER - regex field extraction, priority 100
// =============================================================================

// TemplateParser extracts fields with labeled-field patterns. It is the
// cheapest strategy and runs first; it accepts only high-confidence results.
type TemplateParser struct{}

func NewTemplateParser() *TemplateParser { return &TemplateParser{} }

func (p *TemplateParser) Name() string             { return "template" }
func (p *TemplateParser) Priority() int            { return 100 }
func (p *TemplateParser) AcceptThreshold() float64 { return 0.7 }

var (
	invoiceNoPattern = regexp.MustCompile(
		`(?i)(?:invoice|proforma|pi|ref)\s*(?:no|number|#)?\s*[:#.]?\s*([A-Za-z0-9][A-Za-z0-9/_-]{1,30})`)
	datePattern = regexp.MustCompile(
		`(?i)(?:invoice\s+)?date\s*[:.]?\s*(\d{4}-\d{2}-\d{2}|\d{1,2}[./-]\d{1,2}[./-]\d{2,4})`)
	dueDatePattern = regexp.MustCompile(
		`(?i)due\s+date\s*[:.]?\s*(\d{4}-\d{2}-\d{2}|\d{1,2}[./-]\d{1,2}[./-]\d{2,4})`)
	sellerPattern = regexp.MustCompile(
		`(?i)(?:seller|from|supplier|exporter|beneficiary)\s*[:.]?\s*(.{2,80})`)
	buyerPattern = regexp.MustCompile(
		`(?i)(?:buyer|to|consignee|importer|bill\s+to)\s*[:.]?\s*(.{2,80})`)
	totalPattern = regexp.MustCompile(
		`(?i)(?:grand\s+)?total(?:\s+amount)?\s*[:.]?\s*([\d.,٠-٩۰-۹]+)`)
	subtotalPattern = regexp.MustCompile(
		`(?i)sub\s*-?\s*total\s*[:.]?\s*([\d.,٠-٩۰-۹]+)`)
	taxPattern = regexp.MustCompile(
		`(?i)(?:vat|tax)\s*(?:\([\d%\s]+\))?\s*[:.]?\s*([\d.,٠-٩۰-۹]+)`)
	currencyPattern = regexp.MustCompile(
		`(?i)\b(USD|EUR|GBP|AED|SAR|QAR|KWD|OMR|BHD|JPY|CNY)\b`)
	ibanPattern  = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)
	swiftPattern = regexp.MustCompile(`\b[A-Z]{4}[A-Z]{2}[A-Z0-9]{2}(?:[A-Z0-9]{3})?\b`)
)

func (p *TemplateParser) Parse(ctx context.Context, doc *types.Document, pages []types.Page) (*Result, error) {
	text := joinPages(pages)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	inv := types.Invoice{CompanyKey: doc.CompanyKey}
	found := 0

	if m := invoiceNoPattern.FindStringSubmatch(text); m != nil {
		inv.InvoiceNo = strings.TrimSpace(m[1])
		found++
	}
	if m := datePattern.FindStringSubmatch(text); m != nil {
		inv.InvoiceDate = normalizeDate(m[1])
		found++
	}
	if m := dueDatePattern.FindStringSubmatch(text); m != nil {
		inv.DueDate = normalizeDate(m[1])
	}
	if m := sellerPattern.FindStringSubmatch(text); m != nil {
		inv.SellerName = trimField(m[1])
		found++
	}
	if m := buyerPattern.FindStringSubmatch(text); m != nil {
		inv.BuyerName = trimField(m[1])
	}
	if m := subtotalPattern.FindStringSubmatch(text); m != nil {
		if v, ok := ParseAmount(m[1]); ok {
			inv.Subtotal = v
		}
	}
	if m := taxPattern.FindStringSubmatch(text); m != nil {
		if v, ok := ParseAmount(m[1]); ok {
			inv.Tax = v
		}
	}
	if m := totalPattern.FindStringSubmatch(text); m != nil {
		if v, ok := ParseAmount(m[1]); ok && v > 0 {
			inv.TotalAmount = v
			found++
		}
	}
	if m := currencyPattern.FindString(text); m != "" {
		inv.Currency = strings.ToUpper(m)
	}
	inv.BankDetails = extractBankDetails(text)

	inv.Items = extractItems(text)
	if len(inv.Items) > 0 {
		found++
	}

	// Five signals: number, date, seller, total, items.
	conf := float64(found) / 5.0
	if len(inv.Items) > 0 && inv.TotalAmount > 0 {
		conf += 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return &Result{Invoice: inv, Confidence: conf}, nil
}

func joinPages(pages []types.Page) string {
	var b strings.Builder
	for _, p := range pages {
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func trimField(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\n\r"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// normalizeDate rewrites d/m/y forms to ISO where unambiguous, passing
// through anything it cannot interpret.
func normalizeDate(s string) string {
	s = strings.TrimSpace(NormalizeDigits(s))
	if regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`).MatchString(s) {
		return s
	}
	m := regexp.MustCompile(`^(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})$`).FindStringSubmatch(s)
	if m == nil {
		return s
	}
	day, month, year := m[1], m[2], m[3]
	if len(year) == 2 {
		year = "20" + year
	}
	if len(day) == 1 {
		day = "0" + day
	}
	if len(month) == 1 {
		month = "0" + month
	}
	// Day-first is the convention on the trade documents this system sees.
	return year + "-" + month + "-" + day
}

// extractBankDetails returns a small JSON object with IBAN/SWIFT when
// present, empty string otherwise.
func extractBankDetails(text string) string {
	iban := ibanPattern.FindString(text)
	swift := ""
	for _, cand := range swiftPattern.FindAllString(text, 10) {
		// SWIFT codes collide with uppercase words; require a BIC-looking
		// tail and reject pure-alpha 8-char dictionary words near IBAN hits.
		if cand != iban && (len(cand) == 8 || len(cand) == 11) {
			swift = cand
			break
		}
	}
	if iban == "" && swift == "" {
		return ""
	}
	var parts []string
	if iban != "" {
		parts = append(parts, `"iban":"`+iban+`"`)
	}
	if swift != "" {
		parts = append(parts, `"swift":"`+swift+`"`)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
