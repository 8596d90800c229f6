package store

import (
	"context"
	"math"
	"testing"
	"time"

	"srg/internal/apperr"
	"srg/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenPath(":memory:", 1, time.Second)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplyOnce(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != CurrentSchemaVersion {
		t.Fatalf("schema version = %d, want %d", v, CurrentSchemaVersion)
	}
	// Re-running is a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
}

func TestDocumentVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d1 := &types.Document{Filename: "inv.pdf", FilePath: "/tmp/inv.pdf", ContentHash: "aaa"}
	if err := s.InsertDocument(ctx, d1); err != nil {
		t.Fatal(err)
	}
	if d1.Version != 1 || !d1.IsLatest {
		t.Fatalf("first insert: version=%d latest=%v", d1.Version, d1.IsLatest)
	}

	// Identical content is rejected as a duplicate.
	dup := &types.Document{Filename: "inv-copy.pdf", FilePath: "/tmp/c.pdf", ContentHash: "aaa"}
	err := s.InsertDocument(ctx, dup)
	if !apperr.Is(err, apperr.CodeDuplicateDocument) {
		t.Fatalf("expected DUPLICATE_DOCUMENT, got %v", err)
	}

	// Same filename with new content becomes version 2 and demotes v1.
	d2 := &types.Document{Filename: "inv.pdf", FilePath: "/tmp/inv.pdf", ContentHash: "bbb"}
	if err := s.InsertDocument(ctx, d2); err != nil {
		t.Fatal(err)
	}
	if d2.Version != 2 {
		t.Fatalf("second version = %d, want 2", d2.Version)
	}
	old, err := s.GetDocument(ctx, d1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.IsLatest {
		t.Fatal("previous version still marked latest")
	}
}

func TestChunkLexicalSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := &types.Document{Filename: "a.pdf", FilePath: "/tmp/a.pdf", ContentHash: "h1"}
	if err := s.InsertDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	chunks := []types.Chunk{
		{DocumentID: doc.ID, ChunkIndex: 0, ChunkText: "copper cable 10mm supplied by acme"},
		{DocumentID: doc.ID, ChunkIndex: 1, ChunkText: "pvc conduit pipes and fittings"},
	}
	if err := s.InsertChunks(ctx, chunks, nil); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchChunksLexical(ctx, `"copper"`, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ChunkID != chunks[0].ID {
		t.Fatalf("unexpected lexical hits: %+v", hits)
	}

	// Deleting the document's chunks empties the FTS mirror via triggers.
	if err := s.DeleteChunksForDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	hits, err = s.SearchChunksLexical(ctx, `"copper"`, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("FTS mirror not cleaned: %+v", hits)
	}
}

func TestInvoiceInsertFiresPriceHistoryTrigger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inv := &types.Invoice{
		InvoiceNo:   "PI-100",
		InvoiceDate: "2026-01-10",
		SellerName:  "Acme Trading",
		Currency:    "USD",
		TotalAmount: 250,
		Items: []types.LineItem{
			{LineNumber: 1, ItemName: "Copper Cable 10mm", Quantity: 10, UnitPrice: 25, TotalPrice: 250},
			{LineNumber: 2, ItemName: "Subtotal", RowType: types.RowSummary, TotalPrice: 250},
			{LineNumber: 3, ItemName: "Free Sample", Quantity: 1, UnitPrice: 0, TotalPrice: 0},
		},
	}
	if err := s.InsertInvoice(ctx, inv); err != nil {
		t.Fatal(err)
	}

	// Only the priced line_item row leaves a price observation.
	history, err := s.GetPriceHistory(ctx, "copper cable 10mm", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 price row, got %d", len(history))
	}
	h := history[0]
	if h.Seller != "Acme Trading" || h.Currency != "USD" || h.UnitPrice != 25 {
		t.Fatalf("trigger row wrong: %+v", h)
	}
	if h.MaterialID != nil {
		t.Fatal("trigger must not set material_id")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM price_history").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("expected exactly 1 observation, got %d", total)
	}
}

func TestInvoiceReparseDemotesLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &types.Invoice{InvoiceNo: "PI-7", SellerName: "A", Currency: "USD"}
	if err := s.InsertInvoice(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &types.Invoice{InvoiceNo: "PI-7", SellerName: "A", Currency: "USD"}
	if err := s.InsertInvoice(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetInvoice(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsLatest {
		t.Fatal("re-parsed invoice left previous row latest")
	}
	dups, err := s.FindInvoicesByNumber(ctx, "PI-7", second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dups) != 0 {
		t.Fatalf("demoted rows must not count as duplicates: %+v", dups)
	}
}

func TestMaterialUniquenessAndSuggestions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := &types.Material{
		DisplayName:    "Copper Cable 10mm",
		NormalizedName: "copper cable 10mm",
		Synonyms:       []string{"cu cable 10"},
	}
	if err := s.InsertMaterial(ctx, m); err != nil {
		t.Fatal(err)
	}

	clash := &types.Material{DisplayName: "COPPER CABLE 10MM", NormalizedName: "copper cable 10mm"}
	if err := s.InsertMaterial(ctx, clash); !apperr.Is(err, apperr.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR on normalized-name clash, got %v", err)
	}

	// Synonym lookup resolves to the same material.
	bySyn, err := s.GetMaterialByNormalizedName(ctx, "cu cable 10")
	if err != nil {
		t.Fatal(err)
	}
	if bySyn.ID != m.ID {
		t.Fatal("synonym lookup resolved to a different material")
	}

	sugg := s.SuggestMaterials(ctx, "copp", 5)
	if len(sugg) != 1 || sugg[0].ID != m.ID {
		t.Fatalf("unexpected suggestions: %+v", sugg)
	}
	// Empty input degrades to empty output.
	if got := s.SuggestMaterials(ctx, "   ", 5); got != nil {
		t.Fatalf("expected no suggestions for blank input, got %+v", got)
	}
}

func TestWeightedAverageCost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.ReceiveStock(ctx, "mat-1", 10, 5, "PI-1", ""); err != nil {
		t.Fatal(err)
	}
	item, err := s.ReceiveStock(ctx, "mat-1", 10, 7, "PI-2", "")
	if err != nil {
		t.Fatal(err)
	}
	// (10*5 + 10*7) / 20 = 6
	if math.Abs(item.AvgCost-6) > 1e-9 {
		t.Fatalf("avg cost = %f, want 6", item.AvgCost)
	}
	if item.QuantityOnHand != 20 {
		t.Fatalf("quantity = %f, want 20", item.QuantityOnHand)
	}

	// Issues reduce quantity but never change the average cost.
	item, err = s.IssueStock(ctx, "mat-1", 5, "SO-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(item.AvgCost-6) > 1e-9 || item.QuantityOnHand != 15 {
		t.Fatalf("after issue: qty=%f avg=%f", item.QuantityOnHand, item.AvgCost)
	}

	// Over-issue fails atomically with both quantities in the detail.
	_, err = s.IssueStock(ctx, "mat-1", 100, "SO-2", "")
	if !apperr.Is(err, apperr.CodeInsufficientStock) {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}
	item, err = s.GetInventoryItem(ctx, "mat-1")
	if err != nil {
		t.Fatal(err)
	}
	if item.QuantityOnHand != 15 {
		t.Fatalf("failed issue mutated stock: %f", item.QuantityOnHand)
	}

	moves, err := s.ListMovements(ctx, "mat-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(moves) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(moves))
	}
}

func TestSalesInvoiceComputesTotalsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.ReceiveStock(ctx, "mat-a", 10, 4, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReceiveStock(ctx, "mat-b", 2, 10, "", ""); err != nil {
		t.Fatal(err)
	}

	// Second line over-issues: the whole invoice must abort.
	bad := &types.LocalSalesInvoice{
		InvoiceNo: "S-1",
		Items: []types.LocalSalesItem{
			{MaterialID: "mat-a", ItemName: "A", Quantity: 5, UnitPrice: 6},
			{MaterialID: "mat-b", ItemName: "B", Quantity: 50, UnitPrice: 20},
		},
	}
	if err := s.CreateSalesInvoice(ctx, bad, 0); !apperr.Is(err, apperr.CodeInsufficientStock) {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %v", err)
	}
	a, _ := s.GetInventoryItem(ctx, "mat-a")
	if a.QuantityOnHand != 10 {
		t.Fatalf("aborted sale mutated inventory: %f", a.QuantityOnHand)
	}

	good := &types.LocalSalesInvoice{
		InvoiceNo: "S-2",
		// Caller-supplied totals are ignored.
		Subtotal: 999, TotalAmount: 999,
		Items: []types.LocalSalesItem{
			{MaterialID: "mat-a", ItemName: "A", Quantity: 5, UnitPrice: 6},
			{MaterialID: "mat-b", ItemName: "B", Quantity: 1, UnitPrice: 20},
		},
	}
	if err := s.CreateSalesInvoice(ctx, good, 0.05); err != nil {
		t.Fatal(err)
	}
	// subtotal = 5*6 + 1*20 = 50; tax = 2.5; cost = 5*4 + 1*10 = 30
	if math.Abs(good.Subtotal-50) > 1e-9 || math.Abs(good.Tax-2.5) > 1e-9 ||
		math.Abs(good.TotalAmount-52.5) > 1e-9 {
		t.Fatalf("totals wrong: %+v", good)
	}
	// Profit is total_amount minus total_cost: 52.5 - 30 = 22.5, tax included.
	if math.Abs(good.TotalCost-30) > 1e-9 || math.Abs(good.TotalProfit-22.5) > 1e-9 {
		t.Fatalf("cost/profit wrong: %+v", good)
	}
	if math.Abs(good.TotalProfit-(good.TotalAmount-good.TotalCost)) > 1e-9 {
		t.Fatalf("profit does not reconcile with totals: %+v", good)
	}
	// Cost basis covers the whole issued line at average cost: 5 * 4 = 20.
	if good.Items[0].CostBasis != 20 {
		t.Fatalf("cost basis not captured: %+v", good.Items[0])
	}

	// The ledger records the issue at the unit average, not the line cost.
	moves, err := s.ListMovements(ctx, "mat-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(moves) == 0 || moves[0].UnitCost != 4 {
		t.Fatalf("sale movement unit cost wrong: %+v", moves)
	}
}

func TestMemoryFactUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := &types.ChatSession{Title: "t", MaxContextTokens: 4000, Temperature: 0.7}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	f := &types.MemoryFact{SessionID: sess.ID, FactType: types.FactEntity, Key: "buyer", Value: "Acme", Confidence: 0.8}
	if err := s.UpsertMemoryFact(ctx, f); err != nil {
		t.Fatal(err)
	}
	f.Value = "Acme LLC"
	f.Confidence = 0.9
	if err := s.UpsertMemoryFact(ctx, f); err != nil {
		t.Fatal(err)
	}

	facts, err := s.GetMemoryFacts(ctx, sess.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 {
		t.Fatalf("upsert duplicated the fact: %d rows", len(facts))
	}
	if facts[0].Value != "Acme LLC" || facts[0].Confidence != 0.9 {
		t.Fatalf("newest value did not win: %+v", facts[0])
	}
}

func TestSessionSchemaDefaultContextBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// A row inserted without an explicit budget gets the orchestrator default.
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_sessions(id, title) VALUES ('raw', 'untitled')"); err != nil {
		t.Fatal(err)
	}
	sess, err := s.GetSession(ctx, "raw")
	if err != nil {
		t.Fatal(err)
	}
	if sess.MaxContextTokens != 8000 {
		t.Fatalf("schema default budget = %d, want 8000", sess.MaxContextTokens)
	}

	// CreateSession with no budget lands on the same default.
	created := &types.ChatSession{Title: "untitled"}
	if err := s.CreateSession(ctx, created); err != nil {
		t.Fatal(err)
	}
	if created.MaxContextTokens != 8000 {
		t.Fatalf("created session budget = %d, want 8000", created.MaxContextTokens)
	}
}

func TestLinkedReminderDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r1 := &types.Reminder{Title: "Renew license", LinkedEntityType: "insight:expiring_doc", LinkedEntityID: "42"}
	if err := s.InsertReminder(ctx, r1); err != nil {
		t.Fatal(err)
	}
	r2 := &types.Reminder{Title: "Renew license (updated)", LinkedEntityType: "insight:expiring_doc", LinkedEntityID: "42"}
	if err := s.InsertReminder(ctx, r2); err != nil {
		t.Fatal(err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("linked reminder duplicated: %d vs %d", r1.ID, r2.ID)
	}

	list, err := s.ListReminders(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Title != "Renew license (updated)" {
		t.Fatalf("unexpected reminders: %+v", list)
	}

	// Dismissal frees the slot: the next insert starts a fresh active row.
	if err := s.SetReminderDone(ctx, r1.ID, true); err != nil {
		t.Fatal(err)
	}
	r3 := &types.Reminder{Title: "Renew license again", LinkedEntityType: "insight:expiring_doc", LinkedEntityID: "42"}
	if err := s.InsertReminder(ctx, r3); err != nil {
		t.Fatal(err)
	}
	if r3.ID == r1.ID {
		t.Fatalf("dismissed reminder was resurrected: %d", r3.ID)
	}

	// Unlinked reminders are never deduplicated.
	for i := 0; i < 2; i++ {
		if err := s.InsertReminder(ctx, &types.Reminder{Title: "call supplier"}); err != nil {
			t.Fatal(err)
		}
	}
	list, _ = s.ListReminders(ctx, true)
	if len(list) != 4 {
		t.Fatalf("expected 4 reminders, got %d", len(list))
	}
}

func TestPriceBaselineExcludesOwnInvoice(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mk := func(no string, price float64) *types.Invoice {
		return &types.Invoice{
			InvoiceNo: no, SellerName: "Acme", Currency: "USD", InvoiceDate: "2026-02-01",
			Items: []types.LineItem{{LineNumber: 1, ItemName: "Widget", Quantity: 1, UnitPrice: price, TotalPrice: price}},
		}
	}
	a := mk("P-1", 10)
	b := mk("P-2", 12)
	c := mk("P-3", 100)
	for _, inv := range []*types.Invoice{a, b, c} {
		if err := s.InsertInvoice(ctx, inv); err != nil {
			t.Fatal(err)
		}
	}

	avg, count, err := s.PriceBaseline(ctx, "widget", "Acme", "USD", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 || math.Abs(avg-11) > 1e-9 {
		t.Fatalf("baseline = %f over %d rows, want 11 over 2", avg, count)
	}
}

func TestAuditResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := &types.AuditResult{
		TraceID:   "trace-1",
		InvoiceID: 1,
		Status:    types.AuditHold,
		Success:   true,
		AuditType: types.AuditRulesOnly,
		Issues: []types.Issue{
			{Code: "MATH_ERROR", Category: "arithmetic", Severity: types.SeverityError, Message: "line 2 mismatch"},
		},
	}
	if err := s.InsertAuditResult(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAuditResult(ctx, "trace-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.AuditHold || len(got.Issues) != 1 {
		t.Fatalf("round trip lost data: %+v", got)
	}
	// All nine sections survive persistence even when empty.
	for name, sec := range map[string]types.Section{
		"document_intake": got.Sections.DocumentIntake,
		"final_verdict":   got.Sections.FinalVerdict,
		"items_table":     got.Sections.ItemsTable,
	} {
		if sec == nil {
			t.Fatalf("section %s is nil", name)
		}
	}
}

func TestCursors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	last, err := s.GetCursor(ctx, "chunks")
	if err != nil || last != 0 {
		t.Fatalf("fresh cursor = %d, %v", last, err)
	}
	if err := s.SetCursor(ctx, "chunks", 42); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCursor(ctx, "chunks", 99); err != nil {
		t.Fatal(err)
	}
	last, _ = s.GetCursor(ctx, "chunks")
	if last != 99 {
		t.Fatalf("cursor = %d, want 99", last)
	}
	if err := s.ResetCursor(ctx, "chunks"); err != nil {
		t.Fatal(err)
	}
	last, _ = s.GetCursor(ctx, "chunks")
	if last != 0 {
		t.Fatalf("reset cursor = %d, want 0", last)
	}
}
