// Package supervisor owns the pool of live agent backends: one per
// (workspace root, flavor) key, capped with LRU eviction, swept on an idle
// TTL, restarted with jittered exponential backoff after disconnects, and
// guarded by a consecutive-failure circuit breaker.
package supervisor

import "context"

// Key identifies one pooled backend.
type Key struct {
	Workspace string
	Flavor    string
}

// Handle states. A handle moves Created → Spawning → Initializing → Running,
// drops to Disconnected when the backend is lost, and ends Closed.
const (
	StateCreated      = "created"
	StateSpawning     = "spawning"
	StateInitializing = "initializing"
	StateRunning      = "running"
	StateDisconnected = "disconnected"
	StateClosed       = "closed"
)

// Backend is one live connection to an agent. Done is closed when the
// backend is lost; Stop terminates it. The app-server stdio client satisfies
// this directly, the HTTP flavor wraps its server process.
type Backend interface {
	Done() <-chan struct{}
	Stop(ctx context.Context) error
}

// Spawner builds backends for one pool key. Spawn starts the process or
// transport; Initialize performs the protocol handshake on the result of
// Spawn and is always handed back the same Backend.
type Spawner interface {
	Spawn(ctx context.Context) (Backend, error)
	Initialize(ctx context.Context, b Backend) error
}

// HandleInfo is a point-in-time view of one handle for diagnostics.
type HandleInfo struct {
	Workspace       string  `json:"workspace"`
	Flavor          string  `json:"flavor"`
	State           string  `json:"state"`
	IdleSeconds     float64 `json:"idleSeconds"`
	Refs            int     `json:"refs"`
	RestartAttempts int     `json:"restartAttempts"`
	BreakerState    string  `json:"breakerState"`
}
