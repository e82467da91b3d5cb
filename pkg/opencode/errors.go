package opencode

import (
	"errors"
	"fmt"
)

// ErrServerDisconnected reports a lost event stream: the server exited or
// the connection dropped mid-turn.
var ErrServerDisconnected = errors.New("opencode server disconnected")

// SessionNotFoundError reports a session-scoped request that the server
// answered with 404. The session id is stale: the server restarted or the
// session was evicted. Callers clear their mapping and start fresh.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("opencode: session %s not found", e.SessionID)
}
