// Package codexflavor adapts app-server agents, which speak newline-delimited
// JSON-RPC over stdio, to the orchestrator's flavor contract.
package codexflavor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/agents"
	"github.com/cardev/car/internal/backend"
	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/supervisor"
	"github.com/cardev/car/pkg/appserver"
)

// processKind names the process-record directory for spawned agents.
const processKind = "agent"

var _ backend.Flavor = (*Flavor)(nil)

// Flavor runs codex-style agents. One spawned client serves every agent of
// this flavor in a workspace; concurrent turns share it and are fanned out
// by the notification router.
type Flavor struct {
	cfg    *config.Config
	logger *logger.Logger
}

// New builds the flavor.
func New(cfg *config.Config, log *logger.Logger) *Flavor {
	return &Flavor{cfg: cfg, logger: log.WithComponent("codex_flavor")}
}

// Name implements backend.Flavor.
func (f *Flavor) Name() string { return agents.FlavorCodex }

// agentBackend pairs the app-server client with its notification router and
// the on-disk process record.
type agentBackend struct {
	client  *appserver.Client
	router  *router
	records *state.ProcessRegistry
	logger  *logger.Logger
}

// Done implements supervisor.Backend.
func (b *agentBackend) Done() <-chan struct{} { return b.client.Done() }

// Stop implements supervisor.Backend.
func (b *agentBackend) Stop(ctx context.Context) error {
	err := b.client.Stop(ctx)
	if b.records != nil {
		if rmErr := b.records.Remove(processKind, agents.FlavorCodex); rmErr != nil {
			b.logger.Debug("process record removal failed", zap.Error(rmErr))
		}
	}
	return err
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

// Spawn launches the agent process and wires the router into the client's
// notification and approval paths.
func (s *spawner) Spawn(ctx context.Context) (supervisor.Backend, error) {
	f := s.flavor
	rt := newRouter(backend.NewBridge(backend.BridgeConfig{}, f.cfg.Approval, nil, f.logger), f.logger)

	appCfg := f.cfg.AppServer
	client, err := appserver.NewProcessClient(appserver.SpawnSpec{
		Command: s.agent.Command,
		Dir:     s.workspace,
		Env:     buildEnv(s.agent.Env),
	}, appserver.ClientOptions{
		ClientName:               appCfg.ClientName,
		ClientVersion:            appCfg.ClientVersion,
		MaxMessageBytes:          appCfg.MaxMessageBytes,
		DrainLimitBytes:          appCfg.DrainLimitBytes,
		RequestTimeout:           appCfg.RequestTimeoutDuration(),
		TurnTimeout:              appCfg.TurnTimeoutDuration(),
		StallTimeout:             appCfg.StallTimeoutDuration(),
		StallPollInterval:        appCfg.StallPollIntervalDuration(),
		StallRecoveryMinInterval: appCfg.StallRecoveryMinIntervalDuration(),
		Approvals:                rt,
		OnNotification:           rt.dispatch,
		Logger:                   f.logger,
	})
	if err != nil {
		return nil, err
	}

	records := state.NewProcessRegistry(s.workspace, f.logger)
	if err := records.Write(state.ProcessRecord{
		Kind:          processKind,
		Key:           agents.FlavorCodex,
		PID:           client.Process().PID(),
		Argv:          client.Process().Command(),
		WorkspaceRoot: s.workspace,
		Flavor:        agents.FlavorCodex,
		AgentID:       s.agent.ID,
	}); err != nil {
		f.logger.Warn("process record write failed", zap.Error(err))
	}

	return &agentBackend{client: client, router: rt, records: records, logger: f.logger}, nil
}

// Initialize implements supervisor.Spawner.
func (s *spawner) Initialize(ctx context.Context, b supervisor.Backend) error {
	ab, err := asAgentBackend(b)
	if err != nil {
		return err
	}
	_, err = ab.client.Initialize(ctx)
	return err
}

// EnsureSession implements backend.Flavor. Resume keeps the thread id;
// thread/start mints a new one.
func (f *Flavor) EnsureSession(ctx context.Context, b supervisor.Backend, spec backend.SessionSpec) (backend.Session, error) {
	ab, err := asAgentBackend(b)
	if err != nil {
		return backend.Session{}, err
	}

	if spec.ResumeThreadID != "" {
		_, err := ab.client.ThreadResume(ctx, appserver.ThreadResumeParams{
			ThreadID:       spec.ResumeThreadID,
			Cwd:            spec.Workspace,
			ApprovalPolicy: spec.ApprovalPolicy,
			SandboxPolicy:  spec.SandboxPolicy,
		})
		if err != nil {
			if isSessionNotFound(err) {
				return backend.Session{}, &backend.SessionNotFoundError{ThreadID: spec.ResumeThreadID}
			}
			return backend.Session{}, fmt.Errorf("thread resume: %w", err)
		}
		return backend.Session{ThreadID: spec.ResumeThreadID, Resumed: true}, nil
	}

	threadID, err := ab.client.ThreadStart(ctx, appserver.ThreadStartParams{
		Cwd:            spec.Workspace,
		Model:          spec.Model,
		ApprovalPolicy: spec.ApprovalPolicy,
		SandboxPolicy:  spec.SandboxPolicy,
	})
	if err != nil {
		return backend.Session{}, fmt.Errorf("thread start: %w", err)
	}
	return backend.Session{ThreadID: threadID}, nil
}

// RunTurn implements backend.Flavor.
func (f *Flavor) RunTurn(ctx context.Context, b supervisor.Backend, spec backend.TurnSpec) (backend.TurnOutcome, error) {
	ab, err := asAgentBackend(b)
	if err != nil {
		return backend.TurnOutcome{}, err
	}

	stream := &turnStream{
		threadID:  spec.ThreadID,
		norm:      newNormalizer(ctx, spec.ThreadID, spec.Emit),
		approvals: spec.Approvals,
	}
	ab.router.track(stream)
	defer ab.router.untrack(stream)

	var handle *appserver.TurnHandle
	if spec.Review != nil {
		handle, err = ab.client.StartReview(ctx, appserver.ReviewStartParams{
			ThreadID: spec.ThreadID,
			Target:   spec.Review.Target,
			Delivery: spec.Review.Delivery,
			Model:    spec.Model,
		})
	} else {
		handle, err = ab.client.StartTurn(ctx, appserver.TurnStartParams{
			ThreadID:       spec.ThreadID,
			Input:          []appserver.UserInput{{Type: "text", Text: spec.Prompt}},
			Model:          spec.Model,
			Effort:         spec.Effort,
			ApprovalPolicy: spec.ApprovalPolicy,
			SandboxPolicy:  spec.SandboxPolicy,
		})
	}
	if err != nil {
		if isSessionNotFound(err) {
			return backend.TurnOutcome{}, &backend.SessionNotFoundError{ThreadID: spec.ThreadID}
		}
		return backend.TurnOutcome{}, fmt.Errorf("turn start: %w", err)
	}
	ab.router.adopt(stream, handle.TurnID())

	result, err := handle.Wait(ctx)
	if err != nil {
		if errors.Is(err, appserver.ErrDisconnected) {
			if hint := stderrHint(ab.stderrTail()); hint != "" {
				err = fmt.Errorf("%w; agent reported: %s", err, hint)
			}
		}
		return backend.TurnOutcome{TurnID: handle.TurnID()}, err
	}

	return backend.TurnOutcome{
		TurnID:       result.TurnID,
		Status:       result.Status,
		RawStatus:    result.RawStatus,
		FinalMessage: result.FinalMessage,
		ErrorMessage: result.ErrorMessage,
		Usage:        convertTotals(result.Usage),
	}, nil
}

// Interrupt implements backend.Flavor. The server answers with a terminal
// event; nothing is resolved locally.
func (f *Flavor) Interrupt(ctx context.Context, b supervisor.Backend, threadID, turnID string) error {
	ab, err := asAgentBackend(b)
	if err != nil {
		return err
	}
	return ab.client.InterruptTurn(ctx, threadID, turnID)
}

// ThreadTokens implements backend.Flavor.
func (f *Flavor) ThreadTokens(b supervisor.Backend, threadID string) (streams.TokenTotals, bool) {
	ab, err := asAgentBackend(b)
	if err != nil {
		return streams.TokenTotals{}, false
	}
	totals, ok := ab.client.ThreadTokenUsage(threadID)
	if !ok {
		return streams.TokenTotals{}, false
	}
	converted := convertTotals(&totals)
	return *converted, true
}

// Call implements backend.Flavor: the thread and account operations the
// protocol treats as opaque passthroughs.
func (f *Flavor) Call(ctx context.Context, b supervisor.Backend, method string, params any) (any, error) {
	ab, err := asAgentBackend(b)
	if err != nil {
		return nil, err
	}

	switch method {
	case appserver.MethodThreadList:
		return ab.client.ThreadList(ctx, params)
	case appserver.MethodModelList:
		return ab.client.ModelList(ctx, params)
	case appserver.MethodThreadArchive:
		threadID, ok := params.(string)
		if !ok {
			return nil, fmt.Errorf("thread/archive expects a thread id string, got %T", params)
		}
		return nil, ab.client.ThreadArchive(ctx, threadID)
	case appserver.MethodAccountRead:
		return ab.client.AccountRead(ctx)
	case appserver.MethodAccountRateLimits:
		return ab.client.AccountRateLimits(ctx)
	default:
		return ab.client.Call(ctx, method, params)
	}
}

func (b *agentBackend) stderrTail() []string {
	proc := b.client.Process()
	if proc == nil {
		return nil
	}
	return proc.StderrTail()
}

func asAgentBackend(b supervisor.Backend) (*agentBackend, error) {
	ab, ok := b.(*agentBackend)
	if !ok {
		return nil, fmt.Errorf("codex flavor: unexpected backend %T", b)
	}
	return ab, nil
}

// buildEnv overlays the agent's env entries on the parent environment. A nil
// return inherits the parent environment unchanged.
func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// isSessionNotFound reports whether an RPC error says the targeted thread is
// gone server-side, as opposed to any other turn/start failure.
func isSessionNotFound(err error) bool {
	var rpc *appserver.RPCError
	if !errors.As(err, &rpc) {
		return false
	}
	msg := strings.ToLower(rpc.Message)
	if !strings.Contains(msg, "thread") && !strings.Contains(msg, "session") {
		return false
	}
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "unknown") ||
		strings.Contains(msg, "no such") ||
		strings.Contains(msg, "does not exist")
}

// stderrHint pulls an actionable provider error out of the stderr tail.
// Agents tend to print rate-limit and usage-cap messages there right before
// dying without a terminal event.
func stderrHint(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		lowered := strings.ToLower(lines[i])
		if strings.Contains(lowered, "429") ||
			strings.Contains(lowered, "rate limit") ||
			strings.Contains(lowered, "rate_limit") ||
			strings.Contains(lowered, "usage limit") ||
			strings.Contains(lowered, "quota") {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}
