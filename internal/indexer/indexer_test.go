package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srg/internal/config"
	"srg/internal/llm"
	"srg/internal/store"
	"srg/internal/types"
)

func newTestIndexer(t *testing.T) (*Indexer, *store.Store) {
	t.Helper()
	st, err := store.OpenPath(":memory:", 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	return New(st, llm.NewStatic(cfg.Embed.Dimension), cfg), st
}

func TestSplitPageWindowsAndOffsets(t *testing.T) {
	words := make([]string, 1000)
	for i := range words {
		words[i] = "word"
	}
	page := types.Page{ID: 1, DocumentID: 1, Text: strings.Join(words, " ")}

	chunks := SplitPage(page, 512, 50)
	// 1000 tokens, window 512, step 462: windows at 0, 462, 924.
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].CharStart)
	for _, c := range chunks {
		assert.GreaterOrEqual(t, len(c.ChunkText), 3)
		assert.Equal(t, c.ChunkText, strings.TrimSpace(page.Text[c.CharStart:c.CharEnd]))
	}
	// Consecutive windows overlap.
	assert.Less(t, chunks[1].CharStart, chunks[0].CharEnd)
}

func TestSplitPageDropsTinyChunks(t *testing.T) {
	assert.Nil(t, SplitPage(types.Page{Text: "ab"}, 512, 50))
	assert.Nil(t, SplitPage(types.Page{Text: "   "}, 512, 50))
	assert.Len(t, SplitPage(types.Page{Text: "abc"}, 512, 50), 1)
}

func TestSplitPagesNumbersAcrossDocument(t *testing.T) {
	pages := []types.Page{
		{ID: 1, DocumentID: 7, Text: "first page body text"},
		{ID: 2, DocumentID: 7, Text: "second page body text"},
	}
	chunks := SplitPages(pages, 512, 50)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
	assert.Equal(t, int64(2), chunks[1].PageID)
}

func TestIndexableItemFiltersBankInfo(t *testing.T) {
	ok := types.LineItem{ItemName: "Steel Pipe DN50", RowType: types.RowLineItem}
	assert.True(t, IndexableItem(ok))

	tests := []types.LineItem{
		{ItemName: "Steel Pipe", RowType: types.RowSummary},
		{ItemName: "ab", RowType: types.RowLineItem},
		{ItemName: "IBAN AE070331234567890123456", RowType: types.RowLineItem},
		{ItemName: "Transfer via SWIFT", RowType: types.RowLineItem},
		{ItemName: "Valve", Description: "beneficiary account details", RowType: types.RowLineItem},
		{ItemName: "حساب البنك", RowType: types.RowLineItem},
	}
	for _, it := range tests {
		assert.False(t, IndexableItem(it), "item %q should be filtered", it.ItemName)
	}
}

func TestItemTextComposition(t *testing.T) {
	it := types.LineItem{ItemName: "Copper Wire", Description: "2.5mm", HSCode: "7408", Unit: "roll"}
	assert.Equal(t, "Copper Wire | 2.5mm | HS 7408 | roll", itemText(it))
	assert.Equal(t, "Copper Wire", itemText(types.LineItem{ItemName: "Copper Wire"}))
}

func TestIndexDocumentLexicalOnly(t *testing.T) {
	ix, st := newTestIndexer(t)
	ctx := context.Background()

	doc := &types.Document{Filename: "a.pdf", FilePath: "/tmp/a.pdf", ContentHash: "h1", Status: types.DocStatusPending}
	require.NoError(t, st.InsertDocument(ctx, doc))
	require.NoError(t, st.InsertPages(ctx, doc.ID, []types.Page{
		{PageNumber: 1, PageType: types.PageInvoice, Text: "steel pipe shipment from gulf trading"},
	}))

	require.NoError(t, ix.IndexDocument(ctx, doc.ID))

	chunks, err := st.GetChunksForDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusIndexed, got.Status)
	assert.NotNil(t, got.IndexedAt)

	hits, err := st.SearchChunksLexical(ctx, "steel", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].DocumentID)
}

func TestIndexDocumentReplacesPreviousChunks(t *testing.T) {
	ix, st := newTestIndexer(t)
	ctx := context.Background()

	doc := &types.Document{Filename: "b.pdf", FilePath: "/tmp/b.pdf", ContentHash: "h2", Status: types.DocStatusPending}
	require.NoError(t, st.InsertDocument(ctx, doc))
	require.NoError(t, st.InsertPages(ctx, doc.ID, []types.Page{
		{PageNumber: 1, PageType: types.PageInvoice, Text: "original body"},
	}))
	require.NoError(t, ix.IndexDocument(ctx, doc.ID))

	require.NoError(t, st.InsertPages(ctx, doc.ID, []types.Page{
		{PageNumber: 1, PageType: types.PageInvoice, Text: "replacement body"},
	}))
	require.NoError(t, ix.IndexDocument(ctx, doc.ID))

	chunks, err := st.GetChunksForDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].ChunkText, "replacement")
}

func TestIndexPendingSkipsIndexed(t *testing.T) {
	ix, st := newTestIndexer(t)
	ctx := context.Background()

	for i, hash := range []string{"p1", "p2"} {
		doc := &types.Document{Filename: hash + ".pdf", FilePath: "/tmp/" + hash, ContentHash: hash, Status: types.DocStatusPending}
		require.NoError(t, st.InsertDocument(ctx, doc))
		require.NoError(t, st.InsertPages(ctx, doc.ID, []types.Page{
			{PageNumber: 1, Text: "pending document body"},
		}))
		if i == 0 {
			require.NoError(t, ix.IndexDocument(ctx, doc.ID))
		}
	}

	done, err := ix.IndexPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
}

func TestIncrementalNoopWithoutVec(t *testing.T) {
	ix, _ := newTestIndexer(t)
	chunks, items, err := ix.IndexIncremental(context.Background())
	require.NoError(t, err)
	assert.Zero(t, chunks)
	assert.Zero(t, items)
}

func TestGetStatsReportsParity(t *testing.T) {
	ix, st := newTestIndexer(t)
	ctx := context.Background()

	doc := &types.Document{Filename: "c.pdf", FilePath: "/tmp/c.pdf", ContentHash: "h3", Status: types.DocStatusPending}
	require.NoError(t, st.InsertDocument(ctx, doc))
	require.NoError(t, st.InsertPages(ctx, doc.ID, []types.Page{
		{PageNumber: 1, Text: "stats body text"},
	}))
	require.NoError(t, ix.IndexDocument(ctx, doc.ID))

	stats, err := ix.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.False(t, stats.VecReady)
	assert.False(t, stats.Building)
}

func TestWatcherHandsOverSettledFiles(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 1)

	dw, err := NewDocumentWatcher(dir, func(ctx context.Context, path string) {
		select {
		case got <- path:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, dw.Start(context.Background()))
	defer dw.Stop()

	target := filepath.Join(dir, "drop.pdf")
	require.NoError(t, os.WriteFile(target, []byte("%PDF-1.4"), 0644))
	// Ignored extension never reaches the handler.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0644))

	select {
	case path := <-got:
		assert.Equal(t, target, path)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not deliver the file")
	}
}
