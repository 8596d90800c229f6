package parser

import (
	"regexp"
	"strings"

	"srg/internal/types"
)

// =============================================================================
// LINE ITEM EXTRACTION HELPERS
// =============================================================================

// itemRowPattern matches "<name> <qty> <unit_price> <total>" rows, the common
// shape across vendor layouts once digits are normalized. An optional leading
// line number is tolerated.
var itemRowPattern = regexp.MustCompile(
	`^(?:\d{1,3}[.)]\s+)?(.+?)\s+([\d.,]+)\s+([\d.,]+)\s+([\d.,]+)\s*$`)

// summaryWords marks table furniture rows that must not become line items.
var summaryWords = []string{
	"subtotal", "sub-total", "sub total", "total", "grand total", "vat", "tax",
	"discount", "amount due", "balance", "المجموع", "الاجمالي", "الإجمالي", "الضريبة",
}

func isSummaryRow(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, w := range summaryWords {
		if strings.HasPrefix(lower, w) {
			return true
		}
	}
	return false
}

// parseItemRow extracts one candidate line item, or nil when the line does
// not look like an item row.
func parseItemRow(line string, lineNumber int) *types.LineItem {
	m := itemRowPattern.FindStringSubmatch(NormalizeDigits(strings.TrimSpace(line)))
	if m == nil {
		return nil
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		return nil
	}
	qty, ok1 := ParseAmount(m[2])
	price, ok2 := ParseAmount(m[3])
	total, ok3 := ParseAmount(m[4])
	if !ok1 || !ok2 || !ok3 || qty < 0 || price < 0 || total < 0 {
		return nil
	}

	rowType := types.RowLineItem
	if isSummaryRow(name) {
		rowType = types.RowSummary
	}
	it := &types.LineItem{
		LineNumber: lineNumber,
		ItemName:   name,
		Quantity:   qty,
		UnitPrice:  price,
		TotalPrice: total,
		RowType:    rowType,
	}
	// A stated total beyond tolerance is kept but flagged; the audit engine
	// decides whether it is an error.
	if !lineTolerantOK(*it) {
		it.TrustedTotal = true
	}
	return it
}

// hasQuantitySignal reports whether a line carries any parseable number.
var anyNumber = regexp.MustCompile(`[\d٠-٩۰-۹]`)

// mergeOrphans folds continuation lines into the preceding item's
// description. A continuation line trails an item row and carries no digits.
func mergeOrphans(items []types.LineItem, orphans map[int][]string) []types.LineItem {
	for i := range items {
		extra, ok := orphans[items[i].LineNumber]
		if !ok {
			continue
		}
		desc := strings.TrimSpace(strings.Join(extra, " "))
		if desc == "" {
			continue
		}
		if items[i].Description == "" {
			items[i].Description = desc
		} else {
			items[i].Description += " " + desc
		}
	}
	return items
}

// extractItems walks the text collecting item rows and their continuation
// lines.
func extractItems(text string) []types.LineItem {
	var items []types.LineItem
	orphans := make(map[int][]string)
	lastLine := 0
	lineNo := 0

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if it := parseItemRow(line, lineNo+1); it != nil {
			lineNo++
			it.LineNumber = lineNo
			items = append(items, *it)
			if it.RowType == types.RowLineItem {
				lastLine = lineNo
			} else {
				lastLine = 0
			}
			continue
		}
		// Orphan continuation: trails an item and carries no digits.
		if lastLine > 0 && !anyNumber.MatchString(line) && !isSummaryRow(line) {
			orphans[lastLine] = append(orphans[lastLine], line)
		}
	}
	return mergeOrphans(items, orphans)
}
