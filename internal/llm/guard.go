package llm

import (
	"context"
	"errors"
	"time"

	"srg/internal/apperr"
	"srg/internal/config"
	"srg/internal/logging"
)

// guarded wraps a concrete provider with the circuit breaker, per-call
// timeout, and timeout-only exponential retry.
type guarded struct {
	inner      Provider
	breaker    *Breaker
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	multiplier float64
}

// Guard wraps a provider with the process-wide breaker and retry policy.
func Guard(inner Provider, cfg *config.Config) Provider {
	return &guarded{
		inner:      inner,
		breaker:    NewBreaker(cfg.LLM.FailureThreshold, time.Duration(cfg.LLM.CooldownSeconds)*time.Second),
		timeout:    cfg.LLM.Timeout,
		maxRetries: cfg.LLM.MaxRetries,
		retryDelay: cfg.LLM.RetryDelay,
		multiplier: cfg.LLM.RetryMultiplier,
	}
}

// Breaker exposes the underlying breaker for health reporting.
func (g *guarded) Breaker() *Breaker { return g.breaker }

// Unwrap exposes the inner provider (used to reach optional capabilities
// like Captioner).
func (g *guarded) Unwrap() Provider { return g.inner }

func (g *guarded) Identifier() string { return g.inner.Identifier() }

// isTimeout reports whether an error is a timeout eligible for retry.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || apperr.Is(err, apperr.CodeLLMTimeout)
}

// isCountable reports whether an error should trip the breaker: timeouts,
// transport errors, and unparseable responses, but not semantic errors.
func isCountable(err error) bool {
	if isTimeout(err) {
		return true
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeLLMUnavailable, apperr.CodeEmbeddingError:
		return true
	}
	return false
}

// call runs fn through the breaker with the per-call timeout and the
// timeout-only retry loop.
func (g *guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.breaker.Allow(); err != nil {
		logging.LLMDebug("%s rejected: circuit open", op)
		return err
	}

	var lastErr error
	delay := g.retryDelay
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			logging.LLMDebug("%s retry %d after %v", op, attempt, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * g.multiplier)
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			g.breaker.OnSuccess()
			return nil
		}
		lastErr = err
		if isCountable(err) {
			g.breaker.OnFailure()
		}
		// Only timeouts are retried; semantic errors surface immediately.
		if !isTimeout(err) {
			return err
		}
	}
	return lastErr
}

func (g *guarded) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	var out string
	err := g.call(ctx, "Generate", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Generate(ctx, prompt, opts)
		return err
	})
	return out, err
}

func (g *guarded) Stream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	// Streams are not retried: a consumer may already have observed tokens.
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	ch, err := g.inner.Stream(ctx, prompt, opts)
	if err != nil {
		if isCountable(err) {
			g.breaker.OnFailure()
		}
		return nil, err
	}
	g.breaker.OnSuccess()
	return ch, nil
}

func (g *guarded) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := g.call(ctx, "Embed", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Embed(ctx, texts)
		return err
	})
	return out, err
}

func (g *guarded) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := g.call(ctx, "EmbedSingle", func(ctx context.Context) error {
		var err error
		out, err = g.inner.EmbedSingle(ctx, text)
		return err
	})
	return out, err
}

func (g *guarded) CheckHealth(ctx context.Context) Health {
	if err := g.breaker.Allow(); err != nil {
		return Health{Available: false, Identifier: g.inner.Identifier(), Error: "circuit breaker open"}
	}
	h := g.inner.CheckHealth(ctx)
	if h.Available {
		g.breaker.OnSuccess()
	} else {
		g.breaker.OnFailure()
	}
	return h
}

// Caption forwards to the inner provider when it supports vision.
func (g *guarded) Caption(ctx context.Context, image []byte, prompt string) (string, error) {
	cap, ok := g.inner.(Captioner)
	if !ok {
		return "", apperr.New(apperr.CodeLLMUnavailable, "provider has no vision capability")
	}
	var out string
	err := g.call(ctx, "Caption", func(ctx context.Context) error {
		var err error
		out, err = cap.Caption(ctx, image, prompt)
		return err
	})
	return out, err
}
