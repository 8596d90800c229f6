package llm

import (
	"context"
	"math"
	"testing"
	"time"

	"srg/internal/apperr"
	"srg/internal/config"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d should be allowed: %v", i, err)
		}
		b.OnFailure()
	}

	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}
	err := b.Allow()
	if err == nil {
		t.Fatal("expected fail-fast while open")
	}
	if !apperr.Is(err, apperr.CodeCircuitBreakerOpen) {
		t.Fatalf("expected CIRCUIT_BREAKER_OPEN, got %v", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.OnFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	// Before cooldown: rejected.
	if err := b.Allow(); err == nil {
		t.Fatal("expected rejection before cooldown")
	}

	// After cooldown: the first call probes in half-open.
	now = now.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected half-open probe, got %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	// Failed probe reopens and restarts cooldown.
	b.OnFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected reopen after failed probe, got %v", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected rejection during restarted cooldown")
	}

	// Successful probe closes and resets the counter.
	now = now.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.OnSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

// countingProvider fails a fixed number of times before succeeding, counting
// how often it is actually invoked.
type countingProvider struct {
	Static
	calls    int
	failures int
	err      error
}

func (c *countingProvider) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	c.calls++
	if c.calls <= c.failures {
		return "", c.err
	}
	return "ok", nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.MaxRetries = 2
	cfg.LLM.RetryDelay = time.Millisecond
	cfg.LLM.RetryMultiplier = 1.0
	cfg.LLM.Timeout = time.Second
	return cfg
}

func TestGuardRetriesTimeoutsOnly(t *testing.T) {
	p := &countingProvider{failures: 1, err: apperr.New(apperr.CodeLLMTimeout, "timed out")}
	g := Guard(p, testConfig())

	out, err := g.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if out != "ok" || p.calls != 2 {
		t.Fatalf("expected 2 calls and ok, got %d calls, %q", p.calls, out)
	}

	// Semantic errors are not retried.
	p2 := &countingProvider{failures: 5, err: apperr.New(apperr.CodeValidationError, "bad prompt")}
	g2 := Guard(p2, testConfig())
	if _, err := g2.Generate(context.Background(), "hi", Options{}); err == nil {
		t.Fatal("expected error")
	}
	if p2.calls != 1 {
		t.Fatalf("semantic error retried: %d calls", p2.calls)
	}
}

func TestGuardFailsFastWhenOpen(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.MaxRetries = 0
	cfg.LLM.FailureThreshold = 2
	p := &countingProvider{failures: 100, err: apperr.New(apperr.CodeLLMUnavailable, "down")}
	g := Guard(p, cfg)

	for i := 0; i < 2; i++ {
		g.Generate(context.Background(), "x", Options{})
	}
	before := p.calls
	_, err := g.Generate(context.Background(), "x", Options{})
	if !apperr.Is(err, apperr.CodeCircuitBreakerOpen) {
		t.Fatalf("expected CIRCUIT_BREAKER_OPEN, got %v", err)
	}
	if p.calls != before {
		t.Fatal("open breaker still hit the provider")
	}
}

func TestL2Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
	}{
		{"basic", []float32{3, 4}},
		{"negative", []float32{-1, 2, -3}},
		{"large", []float32{1000, 2000, 3000, 4000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := L2Normalize(tt.in)
			var sum float64
			for _, x := range v {
				sum += float64(x) * float64(x)
			}
			if math.Abs(math.Sqrt(sum)-1) > 1e-6 {
				t.Fatalf("norm = %f, want 1", math.Sqrt(sum))
			}
		})
	}

	// Zero vector passes through unchanged.
	z := L2Normalize([]float32{0, 0})
	if z[0] != 0 || z[1] != 0 {
		t.Fatal("zero vector should be unchanged")
	}
}

func TestStaticEmbedDeterministic(t *testing.T) {
	s := NewStatic(64)
	a, _ := s.EmbedSingle(context.Background(), "pvc cable 10mm")
	b, _ := s.EmbedSingle(context.Background(), "pvc cable 10mm")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("static embeddings are not deterministic")
		}
	}
}
