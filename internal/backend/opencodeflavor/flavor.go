// Package opencodeflavor adapts opencode-style agents, which run an HTTP
// server with REST calls and a server-sent event stream, to the
// orchestrator's flavor contract.
package opencodeflavor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cardev/car/internal/agents"
	"github.com/cardev/car/internal/backend"
	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/supervisor"
	"github.com/cardev/car/pkg/appserver"
	"github.com/cardev/car/pkg/opencode"
)

const processKind = "agent"

// askPermissions makes the server surface edit/exec/fetch decisions as
// permission.asked events instead of deciding locally. Questions are denied
// outright; there is no operator to answer free-form questions.
const askPermissions = `{"edit":"ask","bash":"ask","webfetch":"ask","external_directory":"ask","question":"deny"}`

// autoPermissions suppresses asking entirely for accept-mode runs.
const autoPermissions = `{"question":"deny"}`

var _ backend.Flavor = (*Flavor)(nil)

// Flavor runs opencode-style agents. The spawned process hosts an HTTP
// server; sessions and turns live behind REST calls, and turn progress
// arrives on one shared event stream per server.
type Flavor struct {
	cfg    *config.Config
	logger *logger.Logger
}

// New builds the flavor.
func New(cfg *config.Config, log *logger.Logger) *Flavor {
	return &Flavor{cfg: cfg, logger: log.WithComponent("opencode_flavor")}
}

// Name implements backend.Flavor.
func (f *Flavor) Name() string { return agents.FlavorOpencode }

// serverBackend pairs the server process with its HTTP client. The event
// stream and control channel are connection-level resources, so turns
// serialize on turnMu.
type serverBackend struct {
	proc    *appserver.Process
	client  *opencode.Client
	records *state.ProcessRegistry
	logger  *logger.Logger

	turnMu sync.Mutex

	mu     sync.Mutex
	tokens map[string]streams.TokenTotals
}

// Done implements supervisor.Backend.
func (b *serverBackend) Done() <-chan struct{} { return b.proc.Done() }

// Stop implements supervisor.Backend.
func (b *serverBackend) Stop(ctx context.Context) error {
	b.client.Close()
	err := b.proc.Stop(ctx)
	if b.records != nil {
		if rmErr := b.records.Remove(processKind, agents.FlavorOpencode); rmErr != nil {
			b.logger.Debug("process record removal failed", zap.Error(rmErr))
		}
	}
	return err
}

func (b *serverBackend) noteTokens(sessionID string, totals streams.TokenTotals) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[sessionID] = totals
}

func (b *serverBackend) sessionTokens(sessionID string) (streams.TokenTotals, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	totals, ok := b.tokens[sessionID]
	return totals, ok
}

type spawner struct {
	flavor    *Flavor
	agent     agents.Agent
	workspace string
}

// Spawner implements backend.Flavor.
func (f *Flavor) Spawner(agent agents.Agent, workspace string) supervisor.Spawner {
	return &spawner{flavor: f, agent: agent, workspace: workspace}
}

// Spawn launches the server process, waits for it to print its URL, and
// attaches the HTTP client.
func (s *spawner) Spawn(ctx context.Context) (supervisor.Backend, error) {
	f := s.flavor
	password := opencode.GenerateServerPassword()

	proc, err := appserver.Spawn(appserver.SpawnSpec{
		Command: s.agent.Command,
		Dir:     s.workspace,
		Env:     serverEnv(s.agent.Env, password, f.cfg.Approval.Mode == backend.ApprovalModeAccept),
	}, f.logger)
	if err != nil {
		return nil, err
	}

	serverURL, err := waitForServerURL(ctx, proc, f.logger)
	if err != nil {
		_ = proc.Stop(context.Background())
		return nil, err
	}

	ocCfg := f.cfg.Opencode
	client := opencode.NewClient(serverURL, s.workspace, password, opencode.ClientOptions{
		RequestTimeout: ocCfg.RequestTimeoutDuration(),
		PromptTimeout:  ocCfg.PromptTimeoutDuration(),
		HealthTimeout:  ocCfg.HealthTimeoutDuration(),
	}, f.logger)

	records := state.NewProcessRegistry(s.workspace, f.logger)
	if err := records.Write(state.ProcessRecord{
		Kind:          processKind,
		Key:           agents.FlavorOpencode,
		PID:           proc.PID(),
		Argv:          proc.Command(),
		WorkspaceRoot: s.workspace,
		Flavor:        agents.FlavorOpencode,
		AgentID:       s.agent.ID,
	}); err != nil {
		f.logger.Warn("process record write failed", zap.Error(err))
	}

	return &serverBackend{
		proc:    proc,
		client:  client,
		records: records,
		logger:  f.logger,
		tokens:  make(map[string]streams.TokenTotals),
	}, nil
}

// Initialize implements supervisor.Spawner: the server is ready once its
// health endpoint answers.
func (s *spawner) Initialize(ctx context.Context, b supervisor.Backend) error {
	sb, err := asServerBackend(b)
	if err != nil {
		return err
	}
	return sb.client.WaitForHealth(ctx)
}

// EnsureSession implements backend.Flavor. Resume forks the stored session:
// the fork carries the history forward under a fresh id, which becomes the
// thread id the registry remembers.
func (f *Flavor) EnsureSession(ctx context.Context, b supervisor.Backend, spec backend.SessionSpec) (backend.Session, error) {
	sb, err := asServerBackend(b)
	if err != nil {
		return backend.Session{}, err
	}

	if spec.ResumeThreadID != "" {
		forkedID, err := sb.client.ForkSession(ctx, spec.ResumeThreadID)
		if err != nil {
			var snf *opencode.SessionNotFoundError
			if errors.As(err, &snf) {
				return backend.Session{}, &backend.SessionNotFoundError{ThreadID: spec.ResumeThreadID}
			}
			return backend.Session{}, fmt.Errorf("fork session: %w", err)
		}
		return backend.Session{ThreadID: forkedID, Resumed: true}, nil
	}

	sessionID, err := sb.client.CreateSession(ctx)
	if err != nil {
		return backend.Session{}, fmt.Errorf("create session: %w", err)
	}
	return backend.Session{ThreadID: sessionID}, nil
}

// RunTurn implements backend.Flavor.
func (f *Flavor) RunTurn(ctx context.Context, b supervisor.Backend, spec backend.TurnSpec) (backend.TurnOutcome, error) {
	sb, err := asServerBackend(b)
	if err != nil {
		return backend.TurnOutcome{}, err
	}
	if spec.Review != nil {
		return backend.TurnOutcome{}, fmt.Errorf("review turns: %w", backend.ErrUnsupportedOp)
	}

	sb.turnMu.Lock()
	defer sb.turnMu.Unlock()

	turnID := uuid.NewString()
	norm := newNormalizer(spec.ThreadID, turnID, spec.Emit)

	sb.client.SetEventHandler(func(event *opencode.Event) {
		f.handleEvent(ctx, sb, norm, spec, event)
	})
	defer sb.client.SetEventHandler(nil)

	// Stale control events from an earlier turn must not resolve this one.
	drainControl(sb.client.ControlChannel())

	if err := sb.client.StartEventStream(ctx, spec.ThreadID); err != nil {
		return backend.TurnOutcome{TurnID: turnID}, fmt.Errorf("event stream: %w", err)
	}

	if err := sb.client.SendPrompt(ctx, spec.ThreadID, spec.Prompt, parseModelSpec(spec.Model), "", ""); err != nil {
		var snf *opencode.SessionNotFoundError
		if errors.As(err, &snf) {
			return backend.TurnOutcome{TurnID: turnID}, &backend.SessionNotFoundError{ThreadID: spec.ThreadID}
		}
		return backend.TurnOutcome{TurnID: turnID}, fmt.Errorf("send prompt: %w", err)
	}

	outcome, err := f.awaitTurn(ctx, sb, norm, spec.ThreadID, turnID)
	if totals := norm.usageTotals(); totals != nil {
		sb.noteTokens(spec.ThreadID, *totals)
	}
	return outcome, err
}

// awaitTurn drives the control loop until the session goes idle, errors
// out, or the turn is bounded away.
func (f *Flavor) awaitTurn(ctx context.Context, sb *serverBackend, norm *normalizer, sessionID, turnID string) (backend.TurnOutcome, error) {
	controlCh := sb.client.ControlChannel()

	var turnTimer <-chan time.Time
	turnTimeout := f.cfg.AppServer.TurnTimeoutDuration()
	if turnTimeout > 0 {
		timer := time.NewTimer(turnTimeout)
		defer timer.Stop()
		turnTimer = timer.C
	}

	var sessionErr string
	for {
		select {
		case <-ctx.Done():
			_ = sb.client.Abort(context.Background(), sessionID)
			return backend.TurnOutcome{TurnID: turnID}, ctx.Err()

		case <-turnTimer:
			_ = sb.client.Abort(context.Background(), sessionID)
			return backend.TurnOutcome{TurnID: turnID}, &appserver.TimeoutError{Op: "turn", Timeout: turnTimeout}

		case control, ok := <-controlCh:
			if !ok {
				return backend.TurnOutcome{TurnID: turnID}, opencode.ErrServerDisconnected
			}
			switch control.Type {
			case opencode.ControlIdle:
				return backend.TurnOutcome{
					TurnID:       turnID,
					Status:       appserver.TurnSuccess,
					RawStatus:    "completed",
					FinalMessage: norm.finalMessage(),
					Usage:        norm.usageTotals(),
				}, nil

			case opencode.ControlAuthRequired:
				return backend.TurnOutcome{TurnID: turnID}, fmt.Errorf("authentication required: %s", control.Message)

			case opencode.ControlSessionError:
				// The session may recover; remember the message in case it
				// does not.
				sessionErr = control.Message
				f.logger.Warn("session error mid turn",
					zap.String("session_id", sessionID),
					zap.String("message", control.Message))

			case opencode.ControlDisconnected:
				err := error(opencode.ErrServerDisconnected)
				if sessionErr != "" {
					err = fmt.Errorf("%w: %s", opencode.ErrServerDisconnected, sessionErr)
				}
				return backend.TurnOutcome{TurnID: turnID}, err
			}
		}
	}
}

// handleEvent routes one SDK event. It runs on the client's event goroutine
// and must not block.
func (f *Flavor) handleEvent(ctx context.Context, sb *serverBackend, norm *normalizer, spec backend.TurnSpec, event *opencode.Event) {
	switch event.Type {
	case opencode.EventMessageUpdated, opencode.EventMessagePartUpdated:
		norm.handle(ctx, event.Type, event.Properties)
	case opencode.EventPermissionAsked:
		f.permissionAsked(ctx, sb, norm, spec, event.Properties)
	}
}

// permissionAsked translates a permission request into the approval
// contract and replies with the bridge's decision. The decision may block
// on an operator, so it runs off the event goroutine.
func (f *Flavor) permissionAsked(ctx context.Context, sb *serverBackend, norm *normalizer, spec backend.TurnSpec, props json.RawMessage) {
	parsed, err := opencode.ParsePermissionAsked(props)
	if err != nil {
		f.logger.Warn("failed to parse permission request", zap.Error(err))
		return
	}

	req := &appserver.ApprovalRequest{
		ID:       parsed.ID,
		Method:   parsed.Permission,
		ThreadID: spec.ThreadID,
		TurnID:   norm.turnID,
		Params:   props,
	}
	if parsed.Tool != nil {
		req.ItemID = parsed.Tool.CallID
	}
	if cmd, ok := parsed.Metadata["command"].(string); ok {
		req.Command = cmd
	}
	if path, ok := parsed.Metadata["path"].(string); ok {
		req.Path = path
	}

	go func() {
		decision := appserver.ApprovalDecision{Approve: false}
		if spec.Approvals != nil {
			d, err := spec.Approvals.Decide(ctx, req)
			if err != nil {
				f.logger.Warn("approval decision failed, denying",
					zap.String("request_id", parsed.ID),
					zap.Error(err))
			} else {
				decision = d
			}
		}

		reply := opencode.PermissionReplyOnce
		if !decisionApproves(decision) {
			reply = opencode.PermissionReplyReject
		}
		if err := sb.client.ReplyPermission(ctx, parsed.ID, reply, nil); err != nil {
			f.logger.Warn("permission reply failed",
				zap.String("request_id", parsed.ID),
				zap.Error(err))
		}
	}()
}

// Interrupt implements backend.Flavor. Abort is best effort; the turn
// resolves when the session goes idle.
func (f *Flavor) Interrupt(ctx context.Context, b supervisor.Backend, threadID, turnID string) error {
	sb, err := asServerBackend(b)
	if err != nil {
		return err
	}
	return sb.client.Abort(ctx, threadID)
}

// ThreadTokens implements backend.Flavor.
func (f *Flavor) ThreadTokens(b supervisor.Backend, threadID string) (streams.TokenTotals, bool) {
	sb, err := asServerBackend(b)
	if err != nil {
		return streams.TokenTotals{}, false
	}
	return sb.sessionTokens(threadID)
}

// Call implements backend.Flavor. The HTTP flavor has no passthrough
// surface; thread and account operations are app-server territory.
func (f *Flavor) Call(ctx context.Context, b supervisor.Backend, method string, params any) (any, error) {
	return nil, fmt.Errorf("%s: %w", method, backend.ErrUnsupportedOp)
}

func asServerBackend(b supervisor.Backend) (*serverBackend, error) {
	sb, ok := b.(*serverBackend)
	if !ok {
		return nil, fmt.Errorf("opencode flavor: unexpected backend %T", b)
	}
	return sb, nil
}

// serverEnv overlays agent env entries and the server auth/permission
// variables on the parent environment.
func serverEnv(extra map[string]string, password string, autoApprove bool) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	env = append(env, "OPENCODE_SERVER_PASSWORD="+password)
	if autoApprove {
		env = append(env, "OPENCODE_PERMISSION="+autoPermissions)
	} else {
		env = append(env, "OPENCODE_PERMISSION="+askPermissions)
	}
	return env
}

// drainControl discards control events queued before this turn started.
func drainControl(ch <-chan opencode.ControlEvent) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// parseModelSpec splits "provider/model" into the prompt model spec. A bare
// name goes to the server's default provider resolution, which means nil
// here.
func parseModelSpec(model string) *opencode.ModelSpec {
	provider, modelID, found := strings.Cut(model, "/")
	if !found || provider == "" || modelID == "" {
		return nil
	}
	return &opencode.ModelSpec{ProviderID: provider, ModelID: modelID}
}

// decisionApproves folds both decision encodings into a boolean.
func decisionApproves(d appserver.ApprovalDecision) bool {
	switch d.Decision {
	case appserver.DecisionAccept, appserver.DecisionAcceptForSession:
		return true
	case "":
		return d.Approve
	default:
		return false
	}
}
