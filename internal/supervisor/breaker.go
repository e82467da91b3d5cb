package supervisor

import (
	"sync"
	"time"
)

// Breaker states.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// breaker is a consecutive-failure circuit breaker guarding spawn attempts.
// After threshold consecutive failures it opens for cooldown; the first
// caller after cooldown becomes the half-open probe, and everyone else stays
// rejected until the probe reports back.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     breakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a spawn may proceed, returning a CircuitOpenError
// with the remaining cooldown otherwise.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return &CircuitOpenError{RetryAfter: b.cooldown - elapsed}
		}
		b.state = breakerHalfOpen
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return &CircuitOpenError{RetryAfter: b.cooldown}
		}
		b.probing = true
		return nil
	}
}

// Record reports the outcome of an allowed spawn attempt.
func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = breakerClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.probing = false
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state for diagnostics.
func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
