package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned by Acquire after CloseAll.
var ErrPoolClosed = errors.New("supervisor: pool closed")

// ErrPoolFull is returned when the pool is at capacity and every handle is
// busy, so none can be evicted.
var ErrPoolFull = errors.New("supervisor: pool full and no idle handle to evict")

// ErrHandleClosed is returned when a handle has been permanently closed,
// either explicitly or by restart exhaustion.
var ErrHandleClosed = errors.New("supervisor: handle closed")

// CircuitOpenError rejects a spawn while the circuit breaker is open.
type CircuitOpenError struct {
	Workspace  string
	Flavor     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("supervisor: circuit open for %s/%s, retry in %s",
		e.Flavor, e.Workspace, e.RetryAfter.Round(time.Millisecond))
}
