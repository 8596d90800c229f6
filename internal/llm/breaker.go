package llm

import (
	"sync"
	"time"

	"srg/internal/apperr"
	"srg/internal/logging"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a per-process circuit breaker guarding outbound provider calls.
// Closed -> Open after failureThreshold consecutive countable failures;
// Open fails fast until cooldown elapses, then the first call probes in
// Half-open. Probe success closes the circuit, probe failure reopens it and
// restarts the cooldown.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a breaker with the given threshold and cooldown.
func NewBreaker(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. While Open and before cooldown it
// returns CIRCUIT_BREAKER_OPEN without touching the network.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return apperr.New(apperr.CodeCircuitBreakerOpen, "model provider circuit is open").
				WithHint("retry after the cooldown elapses").
				WithDetail("cooldown_seconds", int(b.cooldown.Seconds()))
		}
		// First call after cooldown probes.
		b.state = BreakerHalfOpen
		logging.LLM("Circuit breaker half-open, probing provider")
		return nil
	default:
		return nil
	}
}

// OnSuccess resets the breaker after a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		logging.LLM("Circuit breaker closed after successful probe")
	}
	b.state = BreakerClosed
	b.failures = 0
}

// OnFailure records a countable failure (timeout, transport error,
// unparseable response). Semantic failures must not be reported here.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		logging.Get(logging.CategoryLLM).Warn("Circuit breaker reopened after failed probe")
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			logging.Get(logging.CategoryLLM).Warn("Circuit breaker opened after %d consecutive failures", b.failures)
		}
	}
}

// State returns the current state (for health reporting).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
