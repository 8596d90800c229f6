// Package retrieval implements hybrid search: dense-vector and lexical
// candidates fused by Reciprocal Rank Fusion, optionally reranked, behind a
// bounded result cache.
package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"srg/internal/apperr"
	"srg/internal/config"
	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/store"
)

// Strategy values.
const (
	StrategyHybrid   = "hybrid"
	StrategySemantic = "semantic"
	StrategyKeyword  = "keyword"
)

// Source tags on results.
const (
	SourceHybrid   = "hybrid"
	SourceVecOnly  = "faiss_only"
	SourceFTSOnly  = "fts_only"
)

// ftsOnlyRank marks a candidate absent from the semantic list; it sorts after
// every real semantic rank.
const ftsOnlyRank = 1 << 30

// Request is one search invocation.
type Request struct {
	Query       string            `json:"query"`
	TopK        int               `json:"top_k"`
	Strategy    string            `json:"strategy"`
	UseReranker bool              `json:"use_reranker"`
	UseCache    bool              `json:"use_cache"`
	MinScore    float64           `json:"min_score"`
	Filters     map[string]string `json:"filters,omitempty"`
}

// Result is one ranked hit. Score is normalized to [0,1] by max-scaling.
type Result struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	ChunkText  string  `json:"chunk_text"`
	Score      float64 `json:"score"`
	Source     string  `json:"source"`
}

// Response carries the hits plus the flags the failure model requires.
type Response struct {
	Results  []Result `json:"results"`
	Strategy string   `json:"strategy"`
	Degraded bool     `json:"degraded"`
	Reranked bool     `json:"reranked"`
	CacheHit bool     `json:"cache_hit"`
}

// Retriever is the hybrid search engine.
type Retriever struct {
	store    *store.Store
	provider llm.Provider
	cfg      *config.Config
	cache    *searchCache
}

func New(st *store.Store, provider llm.Provider, cfg *config.Config) *Retriever {
	return &Retriever{
		store:    st,
		provider: provider,
		cfg:      cfg,
		cache:    newSearchCache(cfg.Cache.SearchCacheSize, cfg.Cache.SearchCacheTTL),
	}
}

// Search runs the requested strategy. Empty queries return an empty response
// without touching the indexes or the cache.
func (r *Retriever) Search(ctx context.Context, req Request) (*Response, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return &Response{Results: []Result{}, Strategy: r.strategyOf(req)}, nil
	}
	req.Query = query
	if req.TopK <= 0 {
		req.TopK = 10
	}
	strategy := r.strategyOf(req)

	key := cacheKey(req, strategy)
	if req.UseCache {
		if cached, ok := r.cache.get(key); ok {
			logging.RetrievalDebug("Cache hit for %q", query)
			out := *cached
			out.CacheHit = true
			return &out, nil
		}
	}

	var resp *Response
	var err error
	switch strategy {
	case StrategySemantic:
		resp, err = r.searchSemantic(ctx, req)
	case StrategyKeyword:
		resp, err = r.searchKeyword(ctx, req)
	default:
		resp, err = r.searchHybrid(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if req.UseCache {
		r.cache.put(key, resp)
	}
	return resp, nil
}

// SearchKeyword is the lexical-only flavor.
func (r *Retriever) SearchKeyword(ctx context.Context, query string, topK int) (*Response, error) {
	return r.Search(ctx, Request{Query: query, TopK: topK, Strategy: StrategyKeyword})
}

// SearchSemantic is the vector-only flavor.
func (r *Retriever) SearchSemantic(ctx context.Context, query string, topK int) (*Response, error) {
	return r.Search(ctx, Request{Query: query, TopK: topK, Strategy: StrategySemantic})
}

// CacheStats exposes cache counters.
func (r *Retriever) CacheStats() CacheStats { return r.cache.stats() }

// CacheInvalidate drops every cached response, returning how many were held.
func (r *Retriever) CacheInvalidate() int { return r.cache.invalidate() }

func (r *Retriever) strategyOf(req Request) string {
	switch req.Strategy {
	case StrategySemantic, StrategyKeyword:
		return req.Strategy
	default:
		return StrategyHybrid
	}
}

// =============================================================================
// HYBRID FUSION
// =============================================================================

// candidate is one doc-deduplicated entry from a source list.
type candidate struct {
	chunk store.RankedChunk
	rank  int
}

func (r *Retriever) searchHybrid(ctx context.Context, req Request) (*Response, error) {
	var (
		vecHits, ftsHits []store.RankedChunk
		vecErr, ftsErr   error
	)

	var g errgroup.Group
	g.Go(func() error {
		qvec, err := r.provider.EmbedSingle(ctx, req.Query)
		if err != nil {
			vecErr = err
			return nil
		}
		vecHits, vecErr = r.store.SearchChunksVector(ctx, qvec, r.cfg.Search.VecCandidates)
		return nil
	})
	g.Go(func() error {
		ftsHits, ftsErr = r.store.SearchChunksLexical(ctx, ftsQuery(req.Query), r.cfg.Search.FTSCandidates)
		return nil
	})
	_ = g.Wait()

	switch {
	case vecErr != nil && ftsErr != nil:
		return nil, apperr.Wrap(apperr.CodeIndexNotReady, "both retrieval sources unavailable", ftsErr)
	case vecErr != nil:
		logging.Get(logging.CategoryRetrieval).Warn("Semantic side down, keyword-only: %v", vecErr)
		resp, err := r.rankSingle(req, ftsHits, SourceFTSOnly)
		if err != nil {
			return nil, err
		}
		resp.Degraded = true
		return resp, nil
	case ftsErr != nil:
		logging.Get(logging.CategoryRetrieval).Warn("Lexical side down, semantic-only: %v", ftsErr)
		resp, err := r.rankSingle(req, vecHits, SourceVecOnly)
		if err != nil {
			return nil, err
		}
		resp.Degraded = true
		return resp, nil
	}

	results := fuseHybrid(dedupeByDocument(vecHits), dedupeByDocument(ftsHits))

	resp := &Response{Strategy: StrategyHybrid}
	reranked := false
	if r.cfg.Search.RerankerEnabled && req.UseReranker && len(results) > 1 {
		var err error
		results, err = r.rerank(ctx, req.Query, results)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Reranker failed, keeping RRF order: %v", err)
		} else {
			reranked = true
		}
	}
	resp.Reranked = reranked
	resp.Results = finalize(results, req.TopK, req.MinScore)
	return resp, nil
}

// rankSingle scores a single-source list by its RRF terms.
func (r *Retriever) rankSingle(req Request, hits []store.RankedChunk, source string) (*Response, error) {
	list := dedupeByDocument(hits)
	results := make([]Result, 0, len(list))
	for rank, c := range list {
		results = append(results, Result{
			ChunkID:    c.chunk.ChunkID,
			DocumentID: c.chunk.DocumentID,
			ChunkText:  c.chunk.ChunkText,
			Score:      rrfTerm(rank),
			Source:     source,
		})
	}
	strategy := StrategySemantic
	if source == SourceFTSOnly {
		strategy = StrategyKeyword
	}
	return &Response{
		Strategy: strategy,
		Results:  finalize(results, req.TopK, req.MinScore),
	}, nil
}

func (r *Retriever) searchSemantic(ctx context.Context, req Request) (*Response, error) {
	qvec, err := r.provider.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	hits, err := r.store.SearchChunksVector(ctx, qvec, r.cfg.Search.VecCandidates)
	if err != nil {
		return nil, err
	}
	return r.rankSingle(req, hits, SourceVecOnly)
}

func (r *Retriever) searchKeyword(ctx context.Context, req Request) (*Response, error) {
	hits, err := r.store.SearchChunksLexical(ctx, ftsQuery(req.Query), r.cfg.Search.FTSCandidates)
	if err != nil {
		return nil, err
	}
	return r.rankSingle(req, hits, SourceFTSOnly)
}

// fuseHybrid merges the two doc-deduplicated lists with Reciprocal Rank
// Fusion. A document in both lists contributes two terms and is tagged
// hybrid; its chunk comes from the semantic side. Ties break by semantic
// rank, then document id ascending, so the ordering is deterministic.
func fuseHybrid(semList, lexList []candidate) []Result {
	type fused struct {
		chunk   store.RankedChunk
		score   float64
		semRank int
		source  string
	}
	merged := make(map[int64]*fused)

	for rank, c := range semList {
		merged[c.chunk.DocumentID] = &fused{
			chunk:   c.chunk,
			score:   rrfTerm(rank),
			semRank: rank,
			source:  SourceVecOnly,
		}
	}
	for rank, c := range lexList {
		if f, ok := merged[c.chunk.DocumentID]; ok {
			f.score += rrfTerm(rank)
			f.source = SourceHybrid
			continue
		}
		merged[c.chunk.DocumentID] = &fused{
			chunk:   c.chunk,
			score:   rrfTerm(rank),
			semRank: ftsOnlyRank,
			source:  SourceFTSOnly,
		}
	}

	ordered := make([]*fused, 0, len(merged))
	for _, f := range merged {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.semRank != b.semRank {
			return a.semRank < b.semRank
		}
		return a.chunk.DocumentID < b.chunk.DocumentID
	})

	results := make([]Result, 0, len(ordered))
	for _, f := range ordered {
		results = append(results, Result{
			ChunkID:    f.chunk.ChunkID,
			DocumentID: f.chunk.DocumentID,
			ChunkText:  f.chunk.ChunkText,
			Score:      f.score,
			Source:     f.source,
		})
	}
	return results
}

// rrfTerm is the frozen Reciprocal Rank Fusion term for a zero-based rank.
func rrfTerm(rank int) float64 {
	return 1.0 / float64(config.RRFK+rank+1)
}

// dedupeByDocument keeps the best-ranked chunk per document, preserving
// source order.
func dedupeByDocument(hits []store.RankedChunk) []candidate {
	seen := make(map[int64]bool, len(hits))
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if seen[h.DocumentID] {
			continue
		}
		seen[h.DocumentID] = true
		out = append(out, candidate{chunk: h, rank: len(out)})
	}
	return out
}

// finalize truncates to topK, max-scales scores to [0,1] and applies the
// min-score filter.
func finalize(results []Result, topK int, minScore float64) []Result {
	if len(results) > topK {
		results = results[:topK]
	}
	if len(results) == 0 {
		return []Result{}
	}
	max := results[0].Score
	for _, res := range results {
		if res.Score > max {
			max = res.Score
		}
	}
	if max > 0 {
		for i := range results {
			results[i].Score /= max
		}
	}
	if minScore <= 0 {
		return results
	}
	kept := results[:0]
	for _, res := range results {
		if res.Score >= minScore {
			kept = append(kept, res)
		}
	}
	return kept
}

// ftsQuery quotes each term so user input cannot inject FTS5 operators.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// cacheKey canonicalizes the request into a stable cache key.
func cacheKey(req Request, strategy string) string {
	h := fnv.New64a()
	if len(req.Filters) > 0 {
		keys := make([]string, 0, len(req.Filters))
		for k := range req.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s;", k, req.Filters[k])
		}
	}
	return fmt.Sprintf("%s|%s|%d|%t|%x",
		strings.ToLower(req.Query), strategy, req.TopK, req.UseReranker, h.Sum64())
}
