// Package pipeline provides the hardened message-processing path: bounded
// retry, per-dependency circuit breakers, a global concurrency cap, and
// per-user in-flight deduplication.
package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tandaumarket/marketbot/internal/models"
)

// Circuit breaker defaults.
const (
	// DefaultFailureThreshold is the consecutive-failure count that opens the breaker
	DefaultFailureThreshold = 5
	// DefaultOpenCooldown is how long an open breaker fails fast before probing
	DefaultOpenCooldown = 30 * time.Second
)

// breakerState is the lifecycle state of a circuit breaker.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker guards one named external dependency. After a run of
// consecutive failures it opens and fails fast for a cooldown window, then
// half-opens to probe with a single call before closing again on success.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a breaker for the named dependency. Zero
// threshold or cooldown take the defaults.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultOpenCooldown
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Do runs fn under the breaker. When the breaker is open it returns
// models.ErrCircuitOpen without calling fn, so circuit-open failures are
// distinguishable from genuine ones in logs and error chains.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = stateHalfOpen
			cb.probing = true
			slog.Info("CircuitBreaker half-open, probing", "dependency", cb.name)
			return nil
		}
		return models.ErrCircuitOpen
	case stateHalfOpen:
		if cb.probing {
			// One probe at a time while half-open.
			return models.ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state != stateClosed {
			slog.Info("CircuitBreaker closed after successful probe", "dependency", cb.name)
		}
		cb.state = stateClosed
		cb.failures = 0
		cb.probing = false
		return
	}
	cb.probing = false
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
		cb.openedAt = cb.now()
		slog.Error("CircuitBreaker opened", "dependency", cb.name, "consecutive_failures", cb.failures)
	}
}

// State reports whether the breaker currently fails fast.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == stateOpen && cb.now().Sub(cb.openedAt) < cb.cooldown
}

// setClock injects a clock for tests.
func (cb *CircuitBreaker) setClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}
