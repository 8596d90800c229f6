package audit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// DETERMINISTIC RULES
// =============================================================================

// Issue codes emitted by the deterministic pass.
const (
	CodeMathError             = "MATH_ERROR"
	CodeSubtotalMismatch      = "SUBTOTAL_MISMATCH"
	CodeTotalMismatch         = "TOTAL_MISMATCH"
	CodeMissingRequired       = "MISSING_REQUIRED"
	CodeDateOrdering          = "DATE_ORDERING"
	CodeFutureDate            = "FUTURE_DATE"
	CodeMissingBankDetails    = "MISSING_BANK_DETAILS"
	CodePriceAnomaly          = "PRICE_ANOMALY"
	CodeCrossInvoiceDuplicate = "CROSS_INVOICE_DUPLICATE"
	CodePriceStatsUnavailable = "PRICE_STATS_UNAVAILABLE"
)

const lineTolerance = 0.01

// ruleFunc evaluates one rule against an invoice.
type ruleFunc func(ctx context.Context, e *Engine, inv *types.Invoice, opts Options) []types.Issue

// allRules is the ordered deterministic rule table.
var allRules = []struct {
	code string
	fn   ruleFunc
}{
	{CodeMathError, ruleMathError},
	{CodeSubtotalMismatch, ruleSubtotalMismatch},
	{CodeTotalMismatch, ruleTotalMismatch},
	{CodeMissingRequired, ruleMissingRequired},
	{CodeDateOrdering, ruleDateOrdering},
	{CodeFutureDate, ruleFutureDate},
	{CodeMissingBankDetails, ruleMissingBankDetails},
	{CodePriceAnomaly, rulePriceAnomaly},
	{CodeCrossInvoiceDuplicate, ruleCrossInvoiceDuplicate},
}

// runRules evaluates the (possibly filtered) rule table.
func (e *Engine) runRules(ctx context.Context, inv *types.Invoice, opts Options) []types.Issue {
	var enabled map[string]bool
	if len(opts.Rules) > 0 {
		enabled = make(map[string]bool, len(opts.Rules))
		for _, r := range opts.Rules {
			enabled[strings.ToUpper(strings.TrimSpace(r))] = true
		}
	}

	issues := []types.Issue{}
	for _, rule := range allRules {
		if enabled != nil && !enabled[rule.code] {
			continue
		}
		issues = append(issues, rule.fn(ctx, e, inv, opts)...)
	}
	return issues
}

func lineItems(inv *types.Invoice) []types.LineItem {
	out := make([]types.LineItem, 0, len(inv.Items))
	for _, it := range inv.Items {
		if it.RowType == types.RowLineItem {
			out = append(out, it)
		}
	}
	return out
}

// ruleMathError checks raw per-line arithmetic. The parser's trusted-total
// flag does not silence this: a stated total that disagrees with qty x price
// is still a finding.
func ruleMathError(_ context.Context, _ *Engine, inv *types.Invoice, _ Options) []types.Issue {
	var out []types.Issue
	for _, it := range lineItems(inv) {
		if it.Quantity == 0 && it.UnitPrice == 0 {
			continue
		}
		if diff := math.Abs(it.Quantity*it.UnitPrice - it.TotalPrice); diff >= lineTolerance {
			out = append(out, types.Issue{
				Code:     CodeMathError,
				Category: "arithmetic",
				Severity: types.SeverityError,
				Message: fmt.Sprintf("line %d (%s): %.4g x %.4f = %.2f, stated %.2f",
					it.LineNumber, it.ItemName, it.Quantity, it.UnitPrice,
					it.Quantity*it.UnitPrice, it.TotalPrice),
			})
		}
	}
	return out
}

func ruleSubtotalMismatch(_ context.Context, _ *Engine, inv *types.Invoice, _ Options) []types.Issue {
	if inv.Subtotal <= 0 {
		return nil
	}
	var sum float64
	for _, it := range lineItems(inv) {
		sum += it.TotalPrice
	}
	if math.Abs(sum-inv.Subtotal) >= lineTolerance {
		return []types.Issue{{
			Code:     CodeSubtotalMismatch,
			Category: "arithmetic",
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("line totals sum to %.2f, stated subtotal %.2f", sum, inv.Subtotal),
		}}
	}
	return nil
}

func ruleTotalMismatch(_ context.Context, _ *Engine, inv *types.Invoice, _ Options) []types.Issue {
	if inv.TotalAmount <= 0 {
		return nil
	}
	subtotal := inv.Subtotal
	if subtotal == 0 {
		for _, it := range lineItems(inv) {
			subtotal += it.TotalPrice
		}
	}
	if subtotal == 0 {
		return nil
	}
	if diff := math.Abs(subtotal + inv.Tax - inv.TotalAmount); diff > 0.10*inv.TotalAmount {
		return []types.Issue{{
			Code:     CodeTotalMismatch,
			Category: "arithmetic",
			Severity: types.SeverityError,
			Message: fmt.Sprintf("subtotal %.2f + tax %.2f differs from total %.2f by more than 10%%",
				subtotal, inv.Tax, inv.TotalAmount),
		}}
	}
	return nil
}

func ruleMissingRequired(_ context.Context, _ *Engine, inv *types.Invoice, _ Options) []types.Issue {
	var out []types.Issue
	missing := func(field string) {
		out = append(out, types.Issue{
			Code:     CodeMissingRequired,
			Category: "completeness",
			Severity: types.SeverityError,
			Message:  field + " is missing",
		})
	}
	if strings.TrimSpace(inv.InvoiceNo) == "" {
		missing("invoice_no")
	}
	if strings.TrimSpace(inv.InvoiceDate) == "" {
		missing("invoice_date")
	}
	if strings.TrimSpace(inv.SellerName) == "" {
		missing("seller_name")
	}
	return out
}

func parseISO(s string) (time.Time, bool) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	return t, err == nil
}

func ruleDateOrdering(_ context.Context, _ *Engine, inv *types.Invoice, _ Options) []types.Issue {
	due, ok1 := parseISO(inv.DueDate)
	issued, ok2 := parseISO(inv.InvoiceDate)
	if !ok1 || !ok2 || !due.Before(issued) {
		return nil
	}
	return []types.Issue{{
		Code:     CodeDateOrdering,
		Category: "dates",
		Severity: types.SeverityWarning,
		Message:  fmt.Sprintf("due date %s precedes invoice date %s", inv.DueDate, inv.InvoiceDate),
	}}
}

func ruleFutureDate(_ context.Context, e *Engine, inv *types.Invoice, _ Options) []types.Issue {
	issued, ok := parseISO(inv.InvoiceDate)
	if !ok {
		return nil
	}
	today := e.now().UTC().Truncate(24 * time.Hour)
	if !issued.After(today) {
		return nil
	}
	return []types.Issue{{
		Code:     CodeFutureDate,
		Category: "dates",
		Severity: types.SeverityWarning,
		Message:  fmt.Sprintf("invoice date %s is in the future", inv.InvoiceDate),
	}}
}

func ruleMissingBankDetails(_ context.Context, _ *Engine, inv *types.Invoice, _ Options) []types.Issue {
	lower := strings.ToLower(inv.BankDetails)
	if strings.Contains(lower, "iban") || strings.Contains(lower, "swift") {
		return nil
	}
	return []types.Issue{{
		Code:     CodeMissingBankDetails,
		Category: "banking",
		Severity: types.SeverityWarning,
		Message:  "no IBAN or SWIFT found in bank details",
	}}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func rulePriceAnomaly(ctx context.Context, e *Engine, inv *types.Invoice, opts Options) []types.Issue {
	if e.store == nil {
		return []types.Issue{priceStatsUnavailable("price history store not configured")}
	}
	threshold := opts.PriceAnomalyThreshold
	if threshold <= 0 {
		threshold = 0.20
	}
	var out []types.Issue
	for _, it := range lineItems(inv) {
		if it.UnitPrice <= 0 {
			continue
		}
		avg, count, err := e.store.PriceBaseline(ctx, normalizeName(it.ItemName),
			inv.SellerName, inv.Currency, inv.ID)
		if err != nil {
			logging.Get(logging.CategoryAudit).Warn("Price baseline failed: %v", err)
			out = append(out, priceStatsUnavailable(err.Error()))
			return out
		}
		if count < 2 || avg <= 0 {
			continue
		}
		deviation := math.Abs(it.UnitPrice-avg) / avg
		if deviation > threshold {
			out = append(out, types.Issue{
				Code:     CodePriceAnomaly,
				Category: "pricing",
				Severity: types.SeverityWarning,
				Message: fmt.Sprintf("%s at %.2f deviates %.0f%% from historical average %.2f (%d observations)",
					it.ItemName, it.UnitPrice, deviation*100, avg, count),
			})
		}
	}
	return out
}

func priceStatsUnavailable(reason string) types.Issue {
	return types.Issue{
		Code:     CodePriceStatsUnavailable,
		Category: "pricing",
		Severity: types.SeverityInfo,
		Message:  "price statistics unavailable: " + reason,
	}
}

func ruleCrossInvoiceDuplicate(ctx context.Context, e *Engine, inv *types.Invoice, opts Options) []types.Issue {
	if e.store == nil {
		return nil
	}
	issued, ok := parseISO(inv.InvoiceDate)
	if !ok {
		return nil
	}
	window := opts.DuplicateWindowDays
	if window <= 0 {
		window = 30
	}
	from := issued.AddDate(0, 0, -window).Format("2006-01-02")
	to := issued.AddDate(0, 0, -1).Format("2006-01-02")

	var out []types.Issue
	for _, it := range lineItems(inv) {
		rows, err := e.store.PriceRowsInWindow(ctx, normalizeName(it.ItemName), from, to, inv.ID)
		if err != nil {
			logging.Get(logging.CategoryAudit).Warn("Duplicate window query failed: %v", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		dates := make([]string, 0, len(rows))
		for _, r := range rows {
			dates = append(dates, r.InvoiceDate)
		}
		out = append(out, types.Issue{
			Code:     CodeCrossInvoiceDuplicate,
			Category: "duplicates",
			Severity: types.SeverityWarning,
			Message: fmt.Sprintf("%s also billed on %s within the last %d days",
				it.ItemName, strings.Join(dates, ", "), window),
		})
	}
	return out
}
