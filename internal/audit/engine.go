// Package audit runs invoices through deterministic rules plus an optional
// model pass and produces the nine-section analytical report.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/retrieval"
	"srg/internal/store"
	"srg/internal/types"
)

// Options tunes one audit run.
type Options struct {
	UseLLM                bool     `json:"use_llm"`
	StrictMode            bool     `json:"strict_mode"`
	Rules                 []string `json:"rules,omitempty"`
	PriceAnomalyThreshold float64  `json:"price_anomaly_threshold"`
	DuplicateWindowDays   int      `json:"duplicate_window_days"`
	SaveResult            bool     `json:"save_result"`
}

// DefaultOptions matches the documented defaults.
func DefaultOptions() Options {
	return Options{
		UseLLM:                true,
		PriceAnomalyThreshold: 0.20,
		DuplicateWindowDays:   30,
		SaveResult:            true,
	}
}

// Searcher is the retrieval capability the semantic pass uses for context.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// Engine is the audit orchestrator.
type Engine struct {
	store     *store.Store
	provider  llm.Provider
	retriever Searcher
	now       func() time.Time
}

// New builds an engine. retriever may be nil; the semantic pass then runs
// without document context.
func New(st *store.Store, provider llm.Provider, retriever Searcher) *Engine {
	return &Engine{store: st, provider: provider, retriever: retriever, now: time.Now}
}

// AuditInvoice loads the invoice and runs the full pipeline.
func (e *Engine) AuditInvoice(ctx context.Context, invoiceID int64, opts Options) (*types.AuditResult, error) {
	inv, err := e.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	items, err := e.store.GetLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	return e.Audit(ctx, inv, opts)
}

// Audit runs the pipeline on an already-loaded invoice.
func (e *Engine) Audit(ctx context.Context, inv *types.Invoice, opts Options) (*types.AuditResult, error) {
	timer := logging.StartTimer(logging.CategoryAudit, "Audit")
	defer timer.Stop()
	start := e.now()

	ruleIssues := e.runRules(ctx, inv, opts)

	result := &types.AuditResult{
		TraceID:   uuid.NewString(),
		InvoiceID: inv.ID,
		AuditType: types.AuditRulesOnly,
		Sections:  deterministicSections(inv, ruleIssues),
		Issues:    ruleIssues,
		Success:   true,
	}

	modelUsed := false
	if opts.UseLLM && e.provider != nil {
		reply, err := e.semanticPass(ctx, inv, ruleIssues)
		if err != nil {
			logging.Get(logging.CategoryAudit).Warn("Semantic pass failed, rules only: %v", err)
			result.Success = false
		} else {
			modelUsed = true
			result.AuditType = types.AuditRulesAndModel
			result.Model = e.provider.Identifier()
			result.Confidence = reply.Confidence
			mergeSections(&result.Sections, reply.Sections)
			result.Issues = append(result.Issues, reply.Issues...)
		}
	}

	sanityOK := !(len(lineItems(inv)) == 0 && inv.InvoiceNo == "")
	if !sanityOK && modelUsed {
		// Model output on top of an empty extraction is noise; fall back to
		// the deterministic result and record the downgrade.
		logging.Audit("Sanity gate tripped for invoice %d, falling back to rules", inv.ID)
		result.AuditType = types.AuditFallback
		result.Model = ""
		result.Confidence = 0
		result.Issues = ruleIssues
		result.Sections = deterministicSections(inv, ruleIssues)
	}

	if opts.StrictMode {
		for i := range result.Issues {
			if result.Issues[i].Severity == types.SeverityWarning {
				result.Issues[i].Severity = types.SeverityError
			}
		}
	}

	result.Status = statusOf(result.Issues, sanityOK, result.Success)
	if result.Confidence == 0 {
		result.Confidence = confidenceOf(result.Issues)
	}
	result.ProcessingTimeMS = e.now().Sub(start).Milliseconds()
	result.Sections.Normalize()

	if opts.SaveResult {
		if err := e.store.InsertAuditResult(ctx, result); err != nil {
			return nil, err
		}
	}
	logging.Audit("Invoice %d audited: %s (%d issues, type %s)",
		inv.ID, result.Status, len(result.Issues), result.AuditType)
	return result, nil
}

func statusOf(issues []types.Issue, sanityOK, success bool) types.AuditStatus {
	if !success && !sanityOK {
		return types.AuditError
	}
	errors, warnings := 0, 0
	for _, is := range issues {
		switch is.Severity {
		case types.SeverityError:
			errors++
		case types.SeverityWarning:
			warnings++
		}
	}
	switch {
	case errors > 0:
		return types.AuditFail
	case warnings > 0:
		return types.AuditHold
	case !sanityOK:
		return types.AuditFail
	default:
		return types.AuditPass
	}
}

// confidenceOf grades the deterministic outcome when no model confidence is
// available.
func confidenceOf(issues []types.Issue) float64 {
	c := 1.0
	for _, is := range issues {
		switch is.Severity {
		case types.SeverityError:
			c -= 0.25
		case types.SeverityWarning:
			c -= 0.10
		}
	}
	if c < 0.05 {
		c = 0.05
	}
	return c
}

// deterministicSections fills the report sections a rules-only run can fill.
func deterministicSections(inv *types.Invoice, issues []types.Issue) types.AuditSections {
	s := types.EmptySections()

	s.DocumentIntake = types.Section{
		"invoice_no":     inv.InvoiceNo,
		"parser_used":    inv.ParserUsed,
		"parsing_status": string(inv.ParsingStatus),
		"quality_score":  inv.QualityScore,
	}
	s.ProformaSummary = types.Section{
		"seller":       inv.SellerName,
		"buyer":        inv.BuyerName,
		"invoice_date": inv.InvoiceDate,
		"currency":     inv.Currency,
		"total_amount": inv.TotalAmount,
	}

	items := lineItems(inv)
	rows := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		rows = append(rows, map[string]interface{}{
			"line":       it.LineNumber,
			"name":       it.ItemName,
			"quantity":   it.Quantity,
			"unit_price": it.UnitPrice,
			"total":      it.TotalPrice,
		})
	}
	s.ItemsTable = types.Section{"count": len(items), "rows": rows}

	arithmetic := []string{}
	banking := []string{}
	for _, is := range issues {
		switch is.Category {
		case "arithmetic":
			arithmetic = append(arithmetic, is.Message)
		case "banking":
			banking = append(banking, is.Message)
		}
	}
	s.ArithmeticCheck = types.Section{"findings": arithmetic, "ok": len(arithmetic) == 0}
	s.BankDetailsCheck = types.Section{"findings": banking, "ok": len(banking) == 0}
	s.FinalVerdict = types.Section{
		"issue_count": len(issues),
		"summary":     fmt.Sprintf("%d finding(s) from deterministic checks", len(issues)),
	}
	return s
}

// mergeSections overlays non-empty model sections onto the deterministic
// baseline.
func mergeSections(dst *types.AuditSections, src types.AuditSections) {
	overlay := func(d *types.Section, s types.Section) {
		if len(s) > 0 {
			*d = s
		}
	}
	overlay(&dst.DocumentIntake, src.DocumentIntake)
	overlay(&dst.ProformaSummary, src.ProformaSummary)
	overlay(&dst.ItemsTable, src.ItemsTable)
	overlay(&dst.ArithmeticCheck, src.ArithmeticCheck)
	overlay(&dst.AmountWordsCheck, src.AmountWordsCheck)
	overlay(&dst.BankDetailsCheck, src.BankDetailsCheck)
	overlay(&dst.CommercialTermsSuggestions, src.CommercialTermsSuggestions)
	overlay(&dst.ContractSummary, src.ContractSummary)
	overlay(&dst.FinalVerdict, src.FinalVerdict)
}
