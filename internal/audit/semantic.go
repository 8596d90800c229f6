package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"srg/internal/jsonx"
	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/retrieval"
	"srg/internal/types"
)

// =============================================================================
// SEMANTIC PASS
// =============================================================================

const auditSystem = `You are a trade-document auditor. You receive a parsed
invoice, deterministic findings, and related document excerpts. Produce the
nine-section analytical report as JSON:
{"sections": {"document_intake": {}, "proforma_summary": {}, "items_table": {},
"arithmetic_check": {}, "amount_words_check": {}, "bank_details_check": {},
"commercial_terms_suggestions": {}, "contract_summary": {}, "final_verdict": {}},
"issues": [{"code": "...", "category": "...", "severity": "error|warning|info", "message": "..."}],
"confidence": 0.0}
Every section key must be present. Respond with JSON only.`

type modelReply struct {
	Sections   types.AuditSections `json:"sections"`
	Issues     []types.Issue       `json:"issues"`
	Confidence float64             `json:"confidence"`
}

// semanticPass sends the invoice plus retrieved context to the model and
// recovers the nine-section report. A nil error with a nil reply never
// happens; parse failure is an error the engine downgrades to rules-only.
func (e *Engine) semanticPass(ctx context.Context, inv *types.Invoice, ruleIssues []types.Issue) (*modelReply, error) {
	var b strings.Builder

	invJSON, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return nil, err
	}
	b.WriteString("Invoice:\n")
	b.Write(invJSON)

	if len(ruleIssues) > 0 {
		b.WriteString("\n\nDeterministic findings:\n")
		for _, is := range ruleIssues {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", is.Code, is.Severity, is.Message)
		}
	}

	for _, chunk := range e.contextChunks(ctx, inv) {
		b.WriteString("\nRelated excerpt:\n")
		b.WriteString(chunk)
		b.WriteString("\n")
	}

	out, err := e.provider.Generate(ctx, b.String(), llm.Options{
		System:      auditSystem,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	var reply modelReply
	if err := jsonx.Recover(out, &reply); err != nil {
		return nil, err
	}
	reply.Sections.Normalize()
	return &reply, nil
}

// contextChunks retrieves a few excerpts related to the invoice.
func (e *Engine) contextChunks(ctx context.Context, inv *types.Invoice) []string {
	if e.retriever == nil {
		return nil
	}
	terms := []string{inv.InvoiceNo, inv.SellerName}
	for i, it := range lineItems(inv) {
		if i >= 3 {
			break
		}
		terms = append(terms, it.ItemName)
	}
	query := strings.TrimSpace(strings.Join(terms, " "))
	if query == "" {
		return nil
	}

	resp, err := e.retriever.Search(ctx, retrieval.Request{Query: query, TopK: 5, UseCache: true})
	if err != nil {
		logging.Get(logging.CategoryAudit).Warn("Context retrieval failed: %v", err)
		return nil
	}
	var out []string
	for _, r := range resp.Results {
		text := r.ChunkText
		if len(text) > 800 {
			text = text[:800]
		}
		out = append(out, text)
	}
	return out
}
