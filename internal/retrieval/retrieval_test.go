package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srg/internal/config"
	"srg/internal/llm"
	"srg/internal/store"
	"srg/internal/types"
)

func newTestRetriever(t *testing.T) (*Retriever, *store.Store) {
	t.Helper()
	st, err := store.OpenPath(":memory:", 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	return New(st, llm.NewStatic(cfg.Embed.Dimension), cfg), st
}

func seedChunks(t *testing.T, st *store.Store, texts ...string) {
	t.Helper()
	ctx := context.Background()
	for i, text := range texts {
		doc := &types.Document{
			Filename:    "d" + string(rune('a'+i)) + ".pdf",
			FilePath:    "/tmp/d",
			ContentHash: "hash-" + text,
			Status:      types.DocStatusIndexed,
		}
		require.NoError(t, st.InsertDocument(ctx, doc))
		require.NoError(t, st.InsertChunks(ctx, []types.Chunk{
			{DocumentID: doc.ID, PageID: 0, ChunkIndex: 0, ChunkText: text, CharEnd: len(text)},
		}, nil))
	}
}

func TestEmptyQueryReturnsEmpty(t *testing.T) {
	r, _ := newTestRetriever(t)
	resp, err := r.Search(context.Background(), Request{Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.False(t, resp.Degraded)
}

func TestHybridDegradesToKeywordOnlyWithoutVectors(t *testing.T) {
	r, st := newTestRetriever(t)
	seedChunks(t, st, "steel pipe pricing from gulf trading", "copper wire spools inventory")

	resp, err := r.Search(context.Background(), Request{Query: "steel pipe", TopK: 5})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)
	for _, res := range resp.Results {
		assert.Equal(t, SourceFTSOnly, res.Source)
	}
	assert.Equal(t, 1.0, resp.Results[0].Score)
	assert.Contains(t, resp.Results[0].ChunkText, "steel pipe")
}

func TestKeywordStrategyFiltersByMinScore(t *testing.T) {
	r, st := newTestRetriever(t)
	seedChunks(t, st,
		"steel pipe steel pipe steel pipe",
		"one passing mention of steel somewhere")

	resp, err := r.Search(context.Background(),
		Request{Query: "steel pipe", TopK: 5, Strategy: StrategyKeyword, MinScore: 0.99})
	require.NoError(t, err)
	// Max-scaling puts the best hit at exactly 1.0; the weaker one drops.
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 1.0, resp.Results[0].Score)
}

func TestSemanticStrategyWithoutVecReturnsIndexNotReady(t *testing.T) {
	r, st := newTestRetriever(t)
	seedChunks(t, st, "anything at all")

	_, err := r.Search(context.Background(), Request{Query: "anything", Strategy: StrategySemantic})
	require.Error(t, err)
}

func TestCacheHitAndInvalidate(t *testing.T) {
	r, st := newTestRetriever(t)
	seedChunks(t, st, "cached search body")

	req := Request{Query: "cached", TopK: 5, UseCache: true}
	first, err := r.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := r.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)

	stats := r.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Size)

	assert.Equal(t, 1, r.CacheInvalidate())
	third, err := r.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
}

func TestCacheKeyDistinguishesParameters(t *testing.T) {
	base := Request{Query: "Steel", TopK: 10}
	assert.Equal(t,
		cacheKey(base, StrategyHybrid),
		cacheKey(Request{Query: "steel", TopK: 10}, StrategyHybrid),
		"query canonicalization is case-insensitive")

	assert.NotEqual(t, cacheKey(base, StrategyHybrid), cacheKey(base, StrategyKeyword))
	assert.NotEqual(t,
		cacheKey(Request{Query: "steel", TopK: 10}, StrategyHybrid),
		cacheKey(Request{Query: "steel", TopK: 5}, StrategyHybrid))
	assert.NotEqual(t,
		cacheKey(Request{Query: "steel", TopK: 10, Filters: map[string]string{"a": "1"}}, StrategyHybrid),
		cacheKey(Request{Query: "steel", TopK: 10, Filters: map[string]string{"a": "2"}}, StrategyHybrid))
}

func TestSearchCacheLRUEvictionAndTTL(t *testing.T) {
	c := newSearchCache(2, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.put("a", &Response{})
	c.put("b", &Response{})
	c.put("c", &Response{}) // evicts a

	_, ok := c.get("a")
	assert.False(t, ok)
	_, ok = c.get("b")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("b")
	assert.False(t, ok, "entries expire after the TTL")

	stats := c.stats()
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestFuseHybridScoringAndTags(t *testing.T) {
	sem := []candidate{
		{chunk: store.RankedChunk{ChunkID: 1, DocumentID: 10, ChunkText: "both"}},
		{chunk: store.RankedChunk{ChunkID: 2, DocumentID: 20, ChunkText: "sem only"}},
	}
	lex := []candidate{
		{chunk: store.RankedChunk{ChunkID: 3, DocumentID: 10, ChunkText: "both lex"}},
		{chunk: store.RankedChunk{ChunkID: 4, DocumentID: 30, ChunkText: "lex only"}},
	}

	results := fuseHybrid(sem, lex)
	require.Len(t, results, 3)

	// Document 10 appears in both sources: two RRF terms, hybrid tag, and the
	// semantic side's chunk.
	assert.Equal(t, int64(10), results[0].DocumentID)
	assert.Equal(t, SourceHybrid, results[0].Source)
	assert.Equal(t, int64(1), results[0].ChunkID)
	assert.InDelta(t, 1.0/61+1.0/61, results[0].Score, 1e-12)

	// Equal single-term scores: semantic rank beats fts-only.
	assert.Equal(t, int64(20), results[1].DocumentID)
	assert.Equal(t, SourceVecOnly, results[1].Source)
	assert.Equal(t, int64(30), results[2].DocumentID)
	assert.Equal(t, SourceFTSOnly, results[2].Source)
}

func TestFuseHybridDeterministic(t *testing.T) {
	sem := []candidate{
		{chunk: store.RankedChunk{ChunkID: 1, DocumentID: 5}},
		{chunk: store.RankedChunk{ChunkID: 2, DocumentID: 3}},
		{chunk: store.RankedChunk{ChunkID: 3, DocumentID: 9}},
	}
	lex := []candidate{
		{chunk: store.RankedChunk{ChunkID: 4, DocumentID: 9}},
		{chunk: store.RankedChunk{ChunkID: 5, DocumentID: 7}},
	}
	first := fuseHybrid(sem, lex)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, fuseHybrid(sem, lex))
	}
}

func TestFtsQueryQuotesOperators(t *testing.T) {
	assert.Equal(t, `"steel" OR "pipe"`, ftsQuery("steel pipe"))
	assert.Equal(t, `"steel" OR "AND" OR "pipe*"`, ftsQuery(`steel AND "pipe*`))
}

func TestDedupeByDocumentKeepsBestRank(t *testing.T) {
	hits := []store.RankedChunk{
		{ChunkID: 1, DocumentID: 10, Score: 0.1},
		{ChunkID: 2, DocumentID: 10, Score: 0.5},
		{ChunkID: 3, DocumentID: 20, Score: 0.7},
	}
	list := dedupeByDocument(hits)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].chunk.ChunkID)
	assert.Equal(t, int64(20), list[1].chunk.DocumentID)
}
