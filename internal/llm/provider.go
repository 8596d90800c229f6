// Package llm provides the process-wide model provider abstraction: a uniform
// text-generation + embedding interface over interchangeable backends, wrapped
// by a circuit breaker and timeout-only retries.
package llm

import (
	"context"
	"math"

	"srg/internal/config"
)

// Options tunes a single generation call.
type Options struct {
	System      string  // system prompt, may be empty
	Temperature float64 // sampling temperature
	MaxTokens   int     // 0 means provider default
	JSONMode    bool    // request a JSON-only response where supported
}

// Health is the result of a provider health probe.
type Health struct {
	Available  bool   `json:"available"`
	LatencyMS  int64  `json:"latency_ms"`
	Identifier string `json:"identifier"`
	Error      string `json:"error,omitempty"`
}

// StreamEvent is one element of a lazy finite token sequence. The sequence
// terminates with Done=true; mid-stream failures carry Err and also terminate.
type StreamEvent struct {
	Token string
	Err   error
	Done  bool
}

// Provider is the uniform model capability set. All methods honor ctx
// cancellation; Stream producers must release their network handle when the
// consumer abandons the channel.
type Provider interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
	Stream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	CheckHealth(ctx context.Context) Health
	Identifier() string
}

// Captioner is the optional vision capability.
type Captioner interface {
	Caption(ctx context.Context, image []byte, prompt string) (string, error)
}

// New constructs the configured provider, wrapped with the circuit breaker
// and retry policy. Selection is configuration-driven and fixed for the
// process lifetime.
func New(cfg *config.Config) (Provider, error) {
	var inner Provider
	var err error
	switch cfg.LLM.Provider {
	case "ollama":
		inner, err = NewOllama(cfg)
	case "genai":
		inner, err = NewGenAI(cfg)
	case "static":
		inner = NewStatic(cfg.Embed.Dimension)
	}
	if err != nil {
		return nil, err
	}
	return Guard(inner, cfg), nil
}

// L2Normalize scales a vector to unit length in place and returns it.
// Zero vectors are returned unchanged. The vector index assumes cosine
// similarity via inner product, so every embedding must pass through here.
func L2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
