package backend

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/streams"
)

// runEventBuffer is the per-run channel capacity. A consumer that stops
// draining loses intermediate events rather than blocking the turn; the bus
// publisher sees every event regardless, and the terminal outcome survives
// on the Run itself.
const runEventBuffer = 256

// Run is the async handle for one turn. Events() yields the canonical
// stream and closes after the terminal event; Outcome() is valid once
// Done() is closed.
type Run struct {
	sessionKey string

	events chan streams.RunEvent
	done   chan struct{}

	mu      sync.Mutex
	started bool
	dropped int
	outcome *TurnOutcome
	err     error
}

func newRun(sessionKey string) *Run {
	return &Run{
		sessionKey: sessionKey,
		events:     make(chan streams.RunEvent, runEventBuffer),
		done:       make(chan struct{}),
	}
}

// SessionKey returns the conversation key this run was started under.
func (r *Run) SessionKey() string { return r.sessionKey }

// Events returns the run's event stream.
func (r *Run) Events() <-chan streams.RunEvent { return r.events }

// Done is closed once the run has reached its terminal event.
func (r *Run) Done() <-chan struct{} { return r.done }

// Outcome returns the terminal state. The error is non-nil when the turn
// failed before the backend reported a terminal status.
func (r *Run) Outcome() (*TurnOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.err
}

// Wait blocks until the run is done or ctx expires.
func (r *Run) Wait(ctx context.Context) (*TurnOutcome, error) {
	select {
	case <-r.done:
		return r.Outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// markStarted records the stream's Started event; the second caller loses.
// A turn restarted after a lost session reuses the original Started.
func (r *Run) markStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return false
	}
	r.started = true
	return true
}

// deliver hands one event to the consumer without ever blocking the turn.
func (r *Run) deliver(ev streams.RunEvent, log *logger.Logger) {
	select {
	case r.events <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		if log != nil {
			log.Warn("run event dropped, consumer lagging",
				zap.String("session_key", r.sessionKey),
				zap.String("type", ev.Type),
				zap.Int("dropped_total", n))
		}
	}
}

// resolve records the terminal state and closes the stream. Idempotent.
func (r *Run) resolve(outcome *TurnOutcome, err error) {
	r.mu.Lock()
	if r.outcome != nil || r.err != nil {
		r.mu.Unlock()
		return
	}
	r.outcome = outcome
	r.err = err
	r.mu.Unlock()

	close(r.events)
	close(r.done)
}
