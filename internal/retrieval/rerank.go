package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"srg/internal/jsonx"
	"srg/internal/llm"
	"srg/internal/logging"
)

// =============================================================================
// CROSS-ENCODER RERANKING
// =============================================================================

const rerankSystem = `You score how relevant text passages are to a query.
Respond with JSON only: {"scores": [{"index": <n>, "score": <0.0-1.0>}, ...]}.
Score every passage exactly once.`

type rerankReply struct {
	Scores []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"scores"`
}

// rerank scores (query, chunk) pairs with the model and reorders the top
// candidates. Candidates the model omits keep their original relative order
// after the scored ones.
func (r *Retriever) rerank(ctx context.Context, query string, results []Result) ([]Result, error) {
	n := r.cfg.Search.VecCandidates + r.cfg.Search.FTSCandidates
	if n > len(results) {
		n = len(results)
	}
	head, tail := results[:n], results[n:]

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nPassages:\n", query)
	for i, res := range head {
		text := res.ChunkText
		if len(text) > 500 {
			text = text[:500]
		}
		fmt.Fprintf(&b, "[%d] %s\n\n", i, text)
	}

	out, err := r.provider.Generate(ctx, b.String(), llm.Options{
		System:      rerankSystem,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return results, err
	}

	var reply rerankReply
	if err := jsonx.Recover(out, &reply); err != nil {
		return results, err
	}

	scored := make(map[int]float64, len(reply.Scores))
	for _, s := range reply.Scores {
		if s.Index >= 0 && s.Index < len(head) {
			scored[s.Index] = s.Score
		}
	}
	if len(scored) == 0 {
		return results, fmt.Errorf("reranker returned no usable scores")
	}

	idx := make([]int, len(head))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, oka := scored[idx[a]]
		sb, okb := scored[idx[b]]
		if oka != okb {
			return oka
		}
		return sa > sb
	})

	reordered := make([]Result, 0, len(results))
	for _, i := range idx {
		res := head[i]
		if s, ok := scored[i]; ok {
			res.Score = s
		}
		reordered = append(reordered, res)
	}
	logging.RetrievalDebug("Reranked %d of %d candidates", len(scored), len(head))
	return append(reordered, tail...), nil
}
