// Package parser converts extracted document text into structured invoices.
// Parsers are tried in descending static priority; the first result at or
// above its parser's acceptance threshold terminates the chain.
package parser

import (
	"context"
	"fmt"
	"sort"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/types"
)

// Result is a candidate extraction with the parser's self-assessed confidence.
type Result struct {
	Invoice    types.Invoice
	Confidence float64
}

// Parser is one extraction strategy.
type Parser interface {
	Name() string
	// Priority orders the chain; higher runs first.
	Priority() int
	// AcceptThreshold is the minimum confidence that terminates the chain.
	// A zero threshold makes the parser terminal: whatever it returns wins.
	AcceptThreshold() float64
	Parse(ctx context.Context, doc *types.Document, pages []types.Page) (*Result, error)
}

// Attempt records one step of the strategy chain for diagnostics.
type Attempt struct {
	Parser     string  `json:"parser"`
	Confidence float64 `json:"confidence"`
	Accepted   bool    `json:"accepted"`
	Error      string  `json:"error,omitempty"`
}

// Registry holds the ordered strategy chain.
type Registry struct {
	parsers []Parser
}

// NewRegistry builds a registry sorted by descending priority.
func NewRegistry(parsers ...Parser) *Registry {
	sorted := make([]Parser, len(parsers))
	copy(sorted, parsers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Registry{parsers: sorted}
}

// ParseInvoice runs the chain. The returned attempts trail covers every
// parser that ran, accepted or not.
func (r *Registry) ParseInvoice(ctx context.Context, doc *types.Document, pages []types.Page) (*Result, []Attempt, error) {
	timer := logging.StartTimer(logging.CategoryParser, "ParseInvoice")
	defer timer.Stop()

	var attempts []Attempt
	for _, p := range r.parsers {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}
		res, err := p.Parse(ctx, doc, pages)
		if err != nil {
			logging.ParserDebug("%s failed: %v", p.Name(), err)
			attempts = append(attempts, Attempt{Parser: p.Name(), Error: err.Error()})
			continue
		}
		if res == nil {
			attempts = append(attempts, Attempt{Parser: p.Name()})
			continue
		}
		accepted := res.Confidence >= p.AcceptThreshold()
		attempts = append(attempts, Attempt{Parser: p.Name(), Confidence: res.Confidence, Accepted: accepted})
		if !accepted {
			logging.ParserDebug("%s below threshold: %.2f < %.2f", p.Name(), res.Confidence, p.AcceptThreshold())
			continue
		}

		res.Invoice.ParserUsed = p.Name()
		res.Invoice.Confidence = res.Confidence
		res.Invoice.QualityScore = qualityScore(&res.Invoice)
		res.Invoice.ParsingStatus = statusFor(res.Confidence, &res.Invoice)
		logging.Parser("Parsed %s with %s (confidence %.2f, %d items)",
			doc.Filename, p.Name(), res.Confidence, len(res.Invoice.Items))
		return res, attempts, nil
	}
	return nil, attempts, apperr.New(apperr.CodeParsingFailed,
		fmt.Sprintf("no parser produced an acceptable result for %s", doc.Filename)).
		WithHint("check the document quality or add a template for this vendor")
}

// qualityScore grades field completeness independent of parser confidence.
func qualityScore(inv *types.Invoice) float64 {
	score := 0.0
	if inv.InvoiceNo != "" {
		score += 0.2
	}
	if inv.InvoiceDate != "" {
		score += 0.15
	}
	if inv.SellerName != "" {
		score += 0.15
	}
	if inv.TotalAmount > 0 {
		score += 0.2
	}
	if len(inv.Items) > 0 {
		score += 0.2
		ok := 0
		for _, it := range inv.Items {
			if it.RowType != types.RowLineItem {
				continue
			}
			if lineTolerantOK(it) {
				ok++
			}
		}
		if n := countLineItems(inv.Items); n > 0 && ok == n {
			score += 0.1
		}
	}
	return score
}

func countLineItems(items []types.LineItem) int {
	n := 0
	for _, it := range items {
		if it.RowType == types.RowLineItem {
			n++
		}
	}
	return n
}

// lineTolerantOK checks the line tolerance unless the stated total is
// trusted.
func lineTolerantOK(it types.LineItem) bool {
	if it.TrustedTotal {
		return true
	}
	diff := it.Quantity*it.UnitPrice - it.TotalPrice
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}

func statusFor(confidence float64, inv *types.Invoice) types.ParsingStatus {
	switch {
	case confidence >= 0.7 && len(inv.Items) > 0:
		return types.ParsingOK
	case confidence >= 0.5:
		return types.ParsingPartial
	default:
		return types.ParsingNeedsReview
	}
}
