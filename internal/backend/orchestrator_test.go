package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardev/car/internal/agents"
	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/supervisor"
	"github.com/cardev/car/pkg/appserver"
	"github.com/cardev/car/pkg/opencode"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type fakeBackend struct {
	mu      sync.Mutex
	done    chan struct{}
	stopped bool
}

func (b *fakeBackend) Done() <-chan struct{} { return b.done }

func (b *fakeBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.done)
	}
	return nil
}

type fakeSpawner struct{}

func (s *fakeSpawner) Spawn(ctx context.Context) (supervisor.Backend, error) {
	return &fakeBackend{done: make(chan struct{})}, nil
}

func (s *fakeSpawner) Initialize(ctx context.Context, b supervisor.Backend) error { return nil }

// fakeFlavor is a scriptable Flavor registered under the codex name so the
// embedded catalog's default agent resolves to it.
type fakeFlavor struct {
	mu         sync.Mutex
	ensure     func(spec SessionSpec) (Session, error)
	run        func(ctx context.Context, spec TurnSpec) (TurnOutcome, error)
	call       func(method string, params any) (any, error)
	sessions   []SessionSpec
	turns      []TurnSpec
	interrupts [][2]string
}

func (f *fakeFlavor) Name() string { return agents.FlavorCodex }

func (f *fakeFlavor) Spawner(agent agents.Agent, workspace string) supervisor.Spawner {
	return &fakeSpawner{}
}

func (f *fakeFlavor) EnsureSession(ctx context.Context, b supervisor.Backend, spec SessionSpec) (Session, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, spec)
	fn := f.ensure
	f.mu.Unlock()
	if fn != nil {
		return fn(spec)
	}
	return Session{ThreadID: "th_1"}, nil
}

func (f *fakeFlavor) RunTurn(ctx context.Context, b supervisor.Backend, spec TurnSpec) (TurnOutcome, error) {
	f.mu.Lock()
	f.turns = append(f.turns, spec)
	fn := f.run
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return TurnOutcome{TurnID: "tu_1", Status: appserver.TurnSuccess, RawStatus: "completed"}, nil
}

func (f *fakeFlavor) Interrupt(ctx context.Context, b supervisor.Backend, threadID, turnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, [2]string{threadID, turnID})
	return nil
}

func (f *fakeFlavor) ThreadTokens(b supervisor.Backend, threadID string) (streams.TokenTotals, bool) {
	return streams.TokenTotals{}, false
}

func (f *fakeFlavor) Call(ctx context.Context, b supervisor.Backend, method string, params any) (any, error) {
	f.mu.Lock()
	fn := f.call
	f.mu.Unlock()
	if fn != nil {
		return fn(method, params)
	}
	return nil, ErrUnsupportedOp
}

func (f *fakeFlavor) sessionSpecs() []SessionSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SessionSpec(nil), f.sessions...)
}

func (f *fakeFlavor) turnSpecs() []TurnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TurnSpec(nil), f.turns...)
}

func (f *fakeFlavor) interruptCalls() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.interrupts...)
}

type harness struct {
	o       *Orchestrator
	flavor  *fakeFlavor
	threads *state.ThreadRegistry
	cfg     *config.Config
}

func newHarness(t *testing.T) *harness {
	return newHarnessCfg(t, nil)
}

func newHarnessCfg(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	log := newTestLogger(t)
	cfg := &config.Config{
		Supervisor: config.SupervisorConfig{
			MaxClients:           4,
			IdleTTL:              3600,
			SweepInterval:        60,
			RestartBackoffBase:   0.001,
			RestartBackoffCap:    0.002,
			RestartMaxAttempts:   3,
			BreakerThreshold:     100,
			BreakerCooldown:      60,
		},
		Approval: config.ApprovalConfig{Mode: ApprovalModeAccept, PromptTimeout: 1},
		Session:  config.SessionConfig{ReuseSession: true},
	}
	if mutate != nil {
		mutate(cfg)
	}
	catalog, err := agents.NewCatalog(log)
	require.NoError(t, err)
	pool := supervisor.NewPool(cfg.Supervisor, log)
	t.Cleanup(func() { _ = pool.CloseAll(context.Background()) })
	threads := state.NewThreadRegistry(t.TempDir(), log)
	publisher := events.NewPublisher(nil, "test", log)

	flavor := &fakeFlavor{}
	o := New(cfg, catalog, pool, threads, publisher, log)
	o.RegisterFlavor(flavor)
	return &harness{o: o, flavor: flavor, threads: threads, cfg: cfg}
}

func testRequest() RunRequest {
	return RunRequest{
		AgentID:       "codex",
		SessionKey:    "sess-1",
		WorkspaceRoot: "/ws/demo",
		Prompt:        "summarize the repo",
	}
}

// drainRun collects the full stream, failing the test if the run never
// reaches its terminal event.
func drainRun(t *testing.T, run *Run) []streams.RunEvent {
	t.Helper()
	var collected []streams.RunEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return collected
			}
			collected = append(collected, ev)
		case <-deadline:
			t.Fatalf("run did not finish; got %d events", len(collected))
		}
	}
}

func TestRunTurnHappyPath(t *testing.T) {
	h := newHarness(t)
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		ev := streams.NewEvent(streams.EventTypeOutputDelta)
		ev.TurnID = "tu_1"
		ev.DeltaType = streams.DeltaAssistantStream
		ev.Text = "hello"
		spec.Emit(ev)
		return TurnOutcome{
			TurnID:       "tu_1",
			Status:       appserver.TurnSuccess,
			RawStatus:    "completed",
			FinalMessage: "done",
			Usage:        &streams.TokenTotals{InputTokens: 7, OutputTokens: 3, TotalTokens: 10},
		}, nil
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	got := drainRun(t, run)

	require.Len(t, got, 3)
	started := got[0]
	assert.Equal(t, streams.EventTypeStarted, started.Type)
	assert.Equal(t, "th_1", started.ThreadID)
	assert.False(t, started.Resumed)
	assert.Equal(t, "gpt-5-codex", started.Model, "catalog default model is stamped")
	assert.Equal(t, "sess-1", started.SessionKey)
	assert.Equal(t, "codex", started.AgentID)
	assert.Equal(t, agents.FlavorCodex, started.Flavor)

	assert.Equal(t, streams.EventTypeOutputDelta, got[1].Type)
	assert.Equal(t, "hello", got[1].Text)
	assert.Equal(t, "th_1", got[1].ThreadID, "thread id backfilled on flavor events")

	completed := got[2]
	assert.Equal(t, streams.EventTypeCompleted, completed.Type)
	assert.Equal(t, "tu_1", completed.TurnID)
	assert.Equal(t, "done", completed.FinalMessage)
	require.NotNil(t, completed.Usage)
	assert.Equal(t, int64(10), completed.Usage.TotalTokens)

	outcome, runErr := run.Outcome()
	require.NoError(t, runErr)
	require.NotNil(t, outcome)
	assert.Equal(t, "done", outcome.FinalMessage)

	mapped, ok := h.threads.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "th_1", mapped)

	last := h.o.GetContext()
	assert.Equal(t, "codex", last.AgentID)
	assert.Equal(t, "th_1", last.SessionID)
	assert.Equal(t, "tu_1", last.TurnID)
	require.NotNil(t, h.o.LastTokenTotal())
	assert.Equal(t, int64(10), h.o.LastTokenTotal().TotalTokens)

	spec := h.flavor.turnSpecs()[0]
	assert.Equal(t, "th_1", spec.ThreadID)
	assert.Equal(t, "medium", spec.Effort)
	assert.Equal(t, "untrusted", spec.ApprovalPolicy)
	assert.Equal(t, map[string]any{"type": SandboxWorkspaceWrite}, spec.SandboxPolicy)
}

func TestRunTurnStartedEmittedExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		// A misbehaving flavor emitting Started must not duplicate it.
		spec.Emit(streams.NewEvent(streams.EventTypeStarted))
		return TurnOutcome{TurnID: "tu_1", Status: appserver.TurnSuccess, RawStatus: "completed"}, nil
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	got := drainRun(t, run)

	startedCount := 0
	for _, ev := range got {
		if ev.Type == streams.EventTypeStarted {
			startedCount++
		}
	}
	assert.Equal(t, 1, startedCount)
	assert.Equal(t, streams.EventTypeCompleted, got[len(got)-1].Type)
}

func TestRunTurnSessionResolveFailure(t *testing.T) {
	h := newHarness(t)
	h.flavor.ensure = func(spec SessionSpec) (Session, error) {
		return Session{}, errors.New("backend refused")
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	got := drainRun(t, run)

	// Streams always open with Started even when the turn dies first.
	require.Len(t, got, 2)
	assert.Equal(t, streams.EventTypeStarted, got[0].Type)
	assert.Empty(t, got[0].ThreadID)
	failed := got[1]
	assert.Equal(t, streams.EventTypeFailed, failed.Type)
	assert.Contains(t, failed.Error, "resolve session")
	assert.Equal(t, streams.ErrorKindPermanent, failed.ErrorKind)

	_, runErr := run.Outcome()
	require.Error(t, runErr)
}

func TestRunTurnRestartsOnceAfterSessionLoss(t *testing.T) {
	h := newHarness(t)
	h.flavor.ensure = func(spec SessionSpec) (Session, error) {
		if spec.ResumeThreadID != "" {
			return Session{ThreadID: spec.ResumeThreadID, Resumed: true}, nil
		}
		if len(h.flavor.sessionSpecs()) > 1 {
			return Session{ThreadID: "th_fresh"}, nil
		}
		return Session{ThreadID: "th_1"}, nil
	}
	var calls int
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		calls++
		if calls == 1 {
			return TurnOutcome{}, &SessionNotFoundError{ThreadID: spec.ThreadID}
		}
		return TurnOutcome{TurnID: "tu_2", Status: appserver.TurnSuccess, RawStatus: "completed", FinalMessage: "after restart"}, nil
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	got := drainRun(t, run)

	types := make([]string, 0, len(got))
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{streams.EventTypeStarted, streams.EventTypeNotice, streams.EventTypeCompleted}, types)
	assert.Equal(t, streams.NoticeKindRecovery, got[1].NoticeKind)

	turns := h.flavor.turnSpecs()
	require.Len(t, turns, 2)
	assert.Equal(t, "th_1", turns[0].ThreadID)
	assert.Equal(t, "th_fresh", turns[1].ThreadID)

	mapped, ok := h.threads.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "th_fresh", mapped, "registry follows the replacement thread")
}

func TestRunTurnExplicitSessionNeverRestarts(t *testing.T) {
	h := newHarness(t)
	h.flavor.ensure = func(spec SessionSpec) (Session, error) {
		return Session{ThreadID: spec.ResumeThreadID, Resumed: true}, nil
	}
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		return TurnOutcome{}, &SessionNotFoundError{ThreadID: spec.ThreadID}
	}

	req := testRequest()
	req.SessionID = "th_explicit"
	run, err := h.o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	got := drainRun(t, run)

	assert.Len(t, h.flavor.turnSpecs(), 1)
	failed := got[len(got)-1]
	assert.Equal(t, streams.EventTypeFailed, failed.Type)
	assert.Contains(t, failed.Error, "not found")

	specs := h.flavor.sessionSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, "th_explicit", specs[0].ResumeThreadID)
}

func TestRegistryResumeFailureFallsBackToFresh(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.threads.Set("sess-1", "th_old"))
	h.flavor.ensure = func(spec SessionSpec) (Session, error) {
		if spec.ResumeThreadID == "th_old" {
			return Session{}, errors.New("thread gone")
		}
		return Session{ThreadID: "th_new"}, nil
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	got := drainRun(t, run)

	assert.Equal(t, streams.EventTypeCompleted, got[len(got)-1].Type)
	specs := h.flavor.sessionSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "th_old", specs[0].ResumeThreadID)
	assert.Empty(t, specs[1].ResumeThreadID)

	mapped, ok := h.threads.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "th_new", mapped)
}

func TestExplicitResumeFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.flavor.ensure = func(spec SessionSpec) (Session, error) {
		return Session{}, errors.New("no such thread")
	}

	req := testRequest()
	req.SessionID = "th_missing"
	run, err := h.o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	got := drainRun(t, run)

	assert.Equal(t, streams.EventTypeFailed, got[len(got)-1].Type)
	assert.Len(t, h.flavor.sessionSpecs(), 1)
}

func TestSessionReuseDisabledSkipsRegistry(t *testing.T) {
	h := newHarness(t)
	h.cfg.Session.ReuseSession = false
	require.NoError(t, h.threads.Set("sess-1", "th_old"))

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	drainRun(t, run)

	specs := h.flavor.sessionSpecs()
	require.Len(t, specs, 1)
	assert.Empty(t, specs[0].ResumeThreadID)
}

func TestRunTurnPoolExhaustionFailsTransient(t *testing.T) {
	h := newHarnessCfg(t, func(cfg *config.Config) { cfg.Supervisor.MaxClients = 1 })

	release := make(chan struct{})
	entered := make(chan struct{})
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return TurnOutcome{TurnID: "tu_1", Status: appserver.TurnSuccess, RawStatus: "completed"}, nil
	}

	first, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the flavor")
	}

	// A second workspace contends for the single pool slot the first run
	// still holds.
	req := testRequest()
	req.SessionKey = "sess-2"
	req.WorkspaceRoot = "/ws/other"
	second, err := h.o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	got := drainRun(t, second)

	failed := got[len(got)-1]
	assert.Equal(t, streams.EventTypeFailed, failed.Type)
	assert.Contains(t, failed.Error, "acquire backend")
	assert.Equal(t, streams.ErrorKindTransient, failed.ErrorKind)

	close(release)
	drainRun(t, first)
}

func TestRunTurnFailureStatusMapsToFailed(t *testing.T) {
	h := newHarness(t)
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		return TurnOutcome{TurnID: "tu_1", Status: appserver.TurnFailure, RawStatus: "interrupted"}, nil
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	got := drainRun(t, run)

	failed := got[len(got)-1]
	assert.Equal(t, streams.EventTypeFailed, failed.Type)
	assert.Equal(t, "interrupted", failed.Status)
	assert.Equal(t, streams.ErrorKindUser, failed.ErrorKind)
	assert.Contains(t, failed.Error, "interrupted")

	outcome, runErr := run.Outcome()
	require.NoError(t, runErr, "a reported terminal status is not an execution error")
	assert.Equal(t, appserver.TurnFailure, outcome.Status)
}

func TestInterruptTargetsActiveTurn(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		ev := streams.NewEvent(streams.EventTypeOutputDelta)
		ev.TurnID = "tu_live"
		ev.DeltaType = streams.DeltaAssistantStream
		ev.Text = "working"
		spec.Emit(ev)
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return TurnOutcome{TurnID: "tu_live", Status: appserver.TurnSuccess, RawStatus: "completed"}, nil
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	require.NoError(t, h.o.Interrupt(context.Background(), "sess-1"))
	// An empty key falls back to the most recent run.
	require.NoError(t, h.o.Interrupt(context.Background(), ""))

	calls := h.flavor.interruptCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, [2]string{"th_1", "tu_live"}, calls[0])
	assert.Equal(t, [2]string{"th_1", "tu_live"}, calls[1])

	close(release)
	drainRun(t, run)
}

func TestInterruptWithoutActiveRunIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Interrupt(context.Background(), "sess-none"))
	assert.Empty(t, h.flavor.interruptCalls())
}

func TestInterruptBeforeTurnIDKnownIsNoop(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return TurnOutcome{TurnID: "tu_1", Status: appserver.TurnSuccess, RawStatus: "completed"}, nil
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	require.NoError(t, h.o.Interrupt(context.Background(), "sess-1"))
	assert.Empty(t, h.flavor.interruptCalls())

	close(release)
	drainRun(t, run)
}

func TestCloseAllCancelsActiveRuns(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.flavor.run = func(ctx context.Context, spec TurnSpec) (TurnOutcome, error) {
		close(started)
		<-ctx.Done()
		return TurnOutcome{}, ctx.Err()
	}

	run, err := h.o.RunTurn(context.Background(), testRequest())
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	require.NoError(t, h.o.CloseAll(context.Background()))
	got := drainRun(t, run)

	failed := got[len(got)-1]
	assert.Equal(t, streams.EventTypeFailed, failed.Type)
	assert.Equal(t, streams.ErrorKindUser, failed.ErrorKind)

	_, err = h.o.RunTurn(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.o.StartSession(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStartSessionPrewarmsWithoutTurn(t *testing.T) {
	h := newHarness(t)

	session, err := h.o.StartSession(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "th_1", session.ThreadID)

	mapped, ok := h.threads.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "th_1", mapped)

	last := h.o.GetContext()
	assert.Equal(t, "th_1", last.SessionID)
	require.NotNil(t, h.o.LastThreadInfo())
	assert.Equal(t, "th_1", h.o.LastThreadInfo().ThreadID)

	assert.Empty(t, h.flavor.turnSpecs())
}

func TestRunTurnValidation(t *testing.T) {
	h := newHarness(t)

	req := testRequest()
	req.WorkspaceRoot = ""
	_, err := h.o.RunTurn(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace root")

	req = testRequest()
	req.AgentID = "ghost"
	_, err = h.o.RunTurn(context.Background(), req)
	assert.ErrorIs(t, err, agents.ErrUnknownAgent)

	// The embedded opencode agent resolves, but no opencode flavor is
	// registered on this orchestrator.
	req = testRequest()
	req.AgentID = "opencode"
	_, err = h.o.RunTurn(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no flavor registered")
}

func TestCallRoutesThroughFlavor(t *testing.T) {
	h := newHarness(t)
	h.flavor.call = func(method string, params any) (any, error) {
		return map[string]string{"method": method}, nil
	}

	out, err := h.o.Call(context.Background(), "codex", "/ws/demo", "thread/list", map[string]any{"limit": 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"method": "thread/list"}, out)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "canceled", err: context.Canceled, want: streams.ErrorKindUser},
		{name: "wrapped canceled", err: fmt.Errorf("turn: %w", context.Canceled), want: streams.ErrorKindUser},
		{name: "deadline", err: context.DeadlineExceeded, want: streams.ErrorKindTransient},
		{name: "disconnected", err: fmt.Errorf("turn: %w", appserver.ErrDisconnected), want: streams.ErrorKindTransient},
		{name: "client closed", err: appserver.ErrClientClosed, want: streams.ErrorKindTransient},
		{name: "server disconnected", err: opencode.ErrServerDisconnected, want: streams.ErrorKindTransient},
		{name: "pool full", err: supervisor.ErrPoolFull, want: streams.ErrorKindTransient},
		{name: "timeout", err: &appserver.TimeoutError{Op: "turn", Timeout: time.Second}, want: streams.ErrorKindTransient},
		{name: "breaker open", err: &supervisor.CircuitOpenError{Workspace: "/ws", Flavor: "codex"}, want: streams.ErrorKindTransient},
		{name: "rpc error", err: &appserver.RPCError{Method: "turn/start", Code: -32600, Message: "bad"}, want: streams.ErrorKindPermanent},
		{name: "plain error", err: errors.New("boom"), want: streams.ErrorKindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err))
		})
	}
}

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "cancelled", want: streams.ErrorKindUser},
		{raw: "Canceled", want: streams.ErrorKindUser},
		{raw: "INTERRUPTED", want: streams.ErrorKindUser},
		{raw: "stopped", want: streams.ErrorKindUser},
		{raw: "failed", want: streams.ErrorKindPermanent},
		{raw: "", want: streams.ErrorKindPermanent},
	}
	for _, tt := range tests {
		t.Run("status "+tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyOutcome(TurnOutcome{RawStatus: tt.raw}))
		})
	}
}
