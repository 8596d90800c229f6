package indexer

import (
	"regexp"
	"strings"

	"srg/internal/types"
)

// =============================================================================
// ITEM INDEX ELIGIBILITY
// =============================================================================

// Bank coordinates leak into item tables on badly segmented scans. They are
// useless as retrieval targets and pollute nearest-neighbor results, so the
// item index refuses them.
var (
	ibanLike  = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)
	swiftLike = regexp.MustCompile(`\b[A-Z]{6}[A-Z0-9]{2}(?:[A-Z0-9]{3})?\b`)

	bankWords = []string{
		"iban", "swift", "bic", "bank", "account no", "account number", "beneficiary",
		"branch", "routing", "correspondent",
		"بنك", "مصرف", "حساب", "ايبان", "آيبان", "سويفت", "فرع", "المستفيد",
	}
)

// IndexableItem reports whether a line item belongs in the item index:
// a real line item whose name is long enough and not bank coordinates.
func IndexableItem(it types.LineItem) bool {
	if it.RowType != types.RowLineItem {
		return false
	}
	name := strings.TrimSpace(it.ItemName)
	if len(name) < 3 {
		return false
	}
	joined := name + " " + it.Description
	if ibanLike.MatchString(joined) || swiftLike.MatchString(joined) {
		return false
	}
	lower := strings.ToLower(joined)
	for _, w := range bankWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// itemText composes the text embedded for one line item.
func itemText(it types.LineItem) string {
	parts := []string{strings.TrimSpace(it.ItemName)}
	if it.Description != "" {
		parts = append(parts, strings.TrimSpace(it.Description))
	}
	if it.HSCode != "" {
		parts = append(parts, "HS "+it.HSCode)
	}
	if it.Unit != "" {
		parts = append(parts, it.Unit)
	}
	return strings.Join(parts, " | ")
}
