package backend

import (
	"context"
	"fmt"

	"github.com/cardev/car/internal/agents"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/supervisor"
	"github.com/cardev/car/pkg/appserver"
)

// Emit delivers one canonical RunEvent into the active run's stream. The
// orchestrator stamps session identity before forwarding, so flavors only
// fill the event-specific fields plus thread/turn ids.
type Emit func(ev streams.RunEvent)

// SessionSpec asks a flavor to resolve a live backend session on an acquired
// client. ResumeThreadID, when set, names the thread to resume; a resume
// failure is returned to the orchestrator, which clears the registry mapping
// and retries with a fresh thread.
type SessionSpec struct {
	Agent          agents.Agent
	Workspace      string
	Model          string
	ApprovalPolicy string
	SandboxPolicy  any
	ResumeThreadID string
}

// Session is a resolved backend session.
type Session struct {
	// ThreadID is the server-assigned identity. For flavors that fork on
	// resume this is the new id, which the orchestrator re-persists.
	ThreadID string
	Resumed  bool
}

// ReviewSpec marks a turn as a review run.
type ReviewSpec struct {
	Target   any
	Delivery string
}

// TurnSpec describes one turn on an established session. Emit must be safe
// to call from the flavor's read loop; Approvals answers any approval
// requests raised during the turn.
type TurnSpec struct {
	Agent          agents.Agent
	Workspace      string
	ThreadID       string
	Prompt         string
	Model          string
	Effort         string
	ApprovalPolicy string
	SandboxPolicy  any
	Review         *ReviewSpec
	Approvals      appserver.ApprovalHandler
	Emit           Emit
}

// TurnOutcome is the terminal state of a turn as reported by the flavor. The
// orchestrator turns it into the stream's Completed or Failed event.
// ErrorKind is an optional classification hint; when empty the orchestrator
// classifies from the status and error itself.
type TurnOutcome struct {
	TurnID       string
	Status       appserver.TurnStatus
	RawStatus    string
	FinalMessage string
	ErrorMessage string
	ErrorKind    string
	Usage        *streams.TokenTotals
}

// Flavor adapts one backend protocol family to the orchestrator. EnsureSession,
// RunTurn, and Interrupt operate on a Backend previously produced by this
// flavor's Spawner; passing another flavor's backend is a programming error.
type Flavor interface {
	// Name returns the flavor id used in supervisor keys and events.
	Name() string

	// Spawner builds the supervisor spawner for one agent in one workspace.
	Spawner(agent agents.Agent, workspace string) supervisor.Spawner

	// EnsureSession resolves or creates the session the next turn runs on.
	EnsureSession(ctx context.Context, b supervisor.Backend, spec SessionSpec) (Session, error)

	// RunTurn runs one turn to its terminal state, emitting intermediate
	// events through spec.Emit. The orchestrator owns Started and the
	// terminal event; flavors emit only what happens in between.
	RunTurn(ctx context.Context, b supervisor.Backend, spec TurnSpec) (TurnOutcome, error)

	// Interrupt requests the server stop the turn. Best effort.
	Interrupt(ctx context.Context, b supervisor.Backend, threadID, turnID string) error

	// ThreadTokens returns the cumulative usage for a thread, when tracked.
	ThreadTokens(b supervisor.Backend, threadID string) (streams.TokenTotals, bool)

	// Call forwards an opaque protocol operation such as thread/list or
	// account/read. Flavors without a passthrough surface return
	// ErrUnsupportedOp.
	Call(ctx context.Context, b supervisor.Backend, method string, params any) (any, error)
}

// SessionNotFoundError reports that the backend no longer knows the thread a
// turn or resume targeted. The orchestrator reacts by clearing the persisted
// mapping and, mid-turn, restarting the turn once on a fresh thread.
type SessionNotFoundError struct {
	ThreadID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("backend session %s not found", e.ThreadID)
}

// ErrUnsupportedOp is returned by Call for operations a flavor cannot route.
var ErrUnsupportedOp = fmt.Errorf("operation not supported by this backend flavor")
