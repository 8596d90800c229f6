package llm

import (
	"context"
	"hash/fnv"
	"strings"
)

// =============================================================================
// STATIC PROVIDER - deterministic in-process variant
// =============================================================================

// Static is an in-process provider producing deterministic output. It backs
// offline mode and tests: embeddings are stable hashes of the input text,
// generation echoes a canned acknowledgment.
type Static struct {
	dim int
}

// NewStatic creates the in-process provider with the given embedding
// dimension.
func NewStatic(dim int) *Static {
	if dim <= 0 {
		dim = 768
	}
	return &Static{dim: dim}
}

func (s *Static) Identifier() string { return "static" }

func (s *Static) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if opts.JSONMode {
		return "{}", nil
	}
	return "static provider: no model configured", nil
}

func (s *Static) Stream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent, 2)
	ch <- StreamEvent{Token: "static provider: no model configured"}
	ch <- StreamEvent{Done: true}
	close(ch)
	return ch, nil
}

// Embed produces deterministic unit vectors: each token contributes to a
// dimension selected by its hash. Identical texts always embed identically.
func (s *Static) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.embedOne(t)
	}
	return out, nil
}

func (s *Static) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return s.embedOne(text), nil
}

func (s *Static) embedOne(text string) []float32 {
	v := make([]float32, s.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[int(h.Sum32())%s.dim] += 1
	}
	if len(strings.TrimSpace(text)) == 0 {
		v[0] = 1
	}
	return L2Normalize(v)
}

func (s *Static) CheckHealth(ctx context.Context) Health {
	return Health{Available: true, Identifier: s.Identifier()}
}
