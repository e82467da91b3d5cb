package appserver

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisconnected rejects pending requests and unresolved turn futures when
// the agent process exits or the read loop fails. It is transient: the
// supervisor may restart the client and callers may retry.
var ErrDisconnected = errors.New("app server disconnected")

// ErrClientClosed is returned by operations on a client after Close.
var ErrClientClosed = errors.New("app server client closed")

// ErrDrainAborted is the read-loop failure cause when an oversized line
// exceeded the absolute drain limit without a newline. The stream cannot be
// resynchronized, so the client disconnects.
var ErrDrainAborted = errors.New("oversized message drain aborted")

// SpawnError wraps a failure to start the agent process. Spawn failures are
// not retried by the launcher; retry policy belongs to the supervisor.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that exceeded its bound while the
// process was still alive. Turn timeouts leave the turn registered so the
// caller may interrupt and retry.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// RPCError is a JSON-RPC error returned by the agent for one of our requests.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// ProtocolError reports a permanent protocol violation: a non-object
// response, a turn/start result without a turn id, or malformed JSON on a
// critical response. Protocol errors are not retried.
type ProtocolError struct {
	Reason  string
	Preview string
}

func (e *ProtocolError) Error() string {
	if e.Preview == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Reason, e.Preview)
}
