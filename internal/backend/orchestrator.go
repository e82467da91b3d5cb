// Package backend orchestrates agent turns across backend flavors. It
// resolves sessions through the thread-id registry, pools clients through
// the supervisor, answers approvals through the bridge, and presents every
// turn as one canonical RunEvent stream regardless of the protocol the
// agent speaks.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cardev/car/internal/agents"
	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/supervisor"
	"github.com/cardev/car/internal/tracing"
	"github.com/cardev/car/pkg/appserver"
	"github.com/cardev/car/pkg/opencode"
)

// ErrClosed is returned for operations on a closed orchestrator.
var ErrClosed = errors.New("backend: orchestrator closed")

// Context is the identity of the latest turn, for surfaces that track
// "where was I" across calls.
type Context struct {
	AgentID    string      `json:"agent_id"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	ThreadInfo *ThreadInfo `json:"thread_info,omitempty"`
}

// ThreadInfo describes the thread the latest turn ran on.
type ThreadInfo struct {
	ThreadID string `json:"thread_id"`
	Resumed  bool   `json:"resumed"`
}

// RunRequest describes one turn.
type RunRequest struct {
	// AgentID names a catalog entry.
	AgentID string

	// SessionKey is the surface's conversation key. With session reuse
	// enabled it pins consecutive turns to one persistent thread.
	SessionKey string

	// SessionID resumes an explicit backend thread, bypassing the registry.
	// A run with an explicit id fails rather than fall back to a fresh
	// thread.
	SessionID string

	// WorkspaceRoot is the directory the agent works in. Required.
	WorkspaceRoot string

	Prompt string
	Model  string
	Effort string

	// ApprovalPolicy is forwarded to the backend verbatim.
	ApprovalPolicy string

	// SandboxPolicy is normalized to the canonical shape before forwarding.
	SandboxPolicy any

	// Review makes this a review turn instead of a prompt turn.
	Review *ReviewSpec

	// Bridge selects how approval requests raised by this run are answered.
	Bridge BridgeConfig
}

// Orchestrator runs turns. One instance serves all agents and workspaces of
// the process.
type Orchestrator struct {
	cfg       *config.Config
	catalog   *agents.Catalog
	pool      *supervisor.Pool
	threads   *state.ThreadRegistry
	publisher *events.Publisher
	logger    *logger.Logger

	mu         sync.Mutex
	flavors    map[string]Flavor
	active     map[string]*activeRun
	lastKey    string
	last       Context
	lastTokens *streams.TokenTotals
	closed     bool
}

// activeRun tracks one in-flight turn for interrupt and context queries.
// span is written and read only on the execute goroutine.
type activeRun struct {
	run       *Run
	flavor    Flavor
	agent     agents.Agent
	workspace string
	backend   supervisor.Backend
	threadID  string
	resumed   bool
	turnID    string
	cancel    context.CancelFunc
	span      trace.Span
}

// New builds an orchestrator. Flavors are registered separately so the
// daemon controls which protocol families are live.
func New(cfg *config.Config, catalog *agents.Catalog, pool *supervisor.Pool, threads *state.ThreadRegistry, publisher *events.Publisher, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		catalog:   catalog,
		pool:      pool,
		threads:   threads,
		publisher: publisher,
		logger:    log.WithComponent("backend"),
		flavors:   make(map[string]Flavor),
		active:    make(map[string]*activeRun),
	}
}

// RegisterFlavor makes a protocol family available to runs.
func (o *Orchestrator) RegisterFlavor(f Flavor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flavors[f.Name()] = f
}

// resolvedRun is a RunRequest with catalog defaults applied.
type resolvedRun struct {
	agent          agents.Agent
	flavor         Flavor
	runKey         string
	sessionKey     string
	sessionID      string
	workspace      string
	prompt         string
	model          string
	effort         string
	approvalPolicy string
	sandbox        any
	review         *ReviewSpec
	bridge         BridgeConfig
}

func (o *Orchestrator) resolve(req RunRequest) (resolvedRun, error) {
	if req.WorkspaceRoot == "" {
		return resolvedRun{}, fmt.Errorf("workspace root is required")
	}

	agent, err := o.catalog.Get(req.AgentID)
	if err != nil {
		return resolvedRun{}, err
	}
	if agent.Disabled {
		return resolvedRun{}, fmt.Errorf("agent %q is disabled", agent.ID)
	}

	o.mu.Lock()
	flavor, ok := o.flavors[agent.Flavor]
	o.mu.Unlock()
	if !ok {
		return resolvedRun{}, fmt.Errorf("no flavor registered for %q", agent.Flavor)
	}

	rr := resolvedRun{
		agent:          agent,
		flavor:         flavor,
		sessionKey:     req.SessionKey,
		sessionID:      req.SessionID,
		workspace:      req.WorkspaceRoot,
		prompt:         req.Prompt,
		model:          req.Model,
		effort:         req.Effort,
		approvalPolicy: req.ApprovalPolicy,
		review:         req.Review,
		bridge:         req.Bridge,
	}
	if rr.model == "" {
		rr.model = agent.Model
	}
	if rr.effort == "" {
		rr.effort = agent.Effort
	}
	if rr.approvalPolicy == "" {
		rr.approvalPolicy = agent.ApprovalPolicy
	}
	sandbox := req.SandboxPolicy
	if sandbox == nil && agent.SandboxPolicy != "" {
		sandbox = agent.SandboxPolicy
	}
	rr.sandbox = NormalizeSandboxPolicy(sandbox)

	rr.runKey = rr.sessionKey
	if rr.runKey == "" {
		rr.runKey = "run:" + uuid.NewString()
	}
	return rr, nil
}

// RunTurn starts one turn and returns its event stream. The stream begins
// with exactly one Started and ends with exactly one Completed or Failed;
// the channel closes after the terminal event. Failures before streaming
// begins (unknown agent, missing workspace, closed orchestrator) are
// returned synchronously instead.
func (o *Orchestrator) RunTurn(ctx context.Context, req RunRequest) (*Run, error) {
	rr, err := o.resolve(req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(rr.sessionKey)
	ar := &activeRun{run: run, flavor: rr.flavor, agent: rr.agent, workspace: rr.workspace, cancel: cancel}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if prev := o.active[rr.runKey]; prev != nil {
		o.logger.Warn("starting turn while a previous run is still active",
			zap.String("session_key", rr.sessionKey),
			zap.String("agent_id", rr.agent.ID))
	}
	o.active[rr.runKey] = ar
	o.lastKey = rr.runKey
	o.last = Context{AgentID: rr.agent.ID}
	o.mu.Unlock()

	go o.execute(runCtx, ar, rr)
	return run, nil
}

// execute drives one turn to its terminal event. The turn span parents
// every protocol span the flavor and client start below it.
func (o *Orchestrator) execute(ctx context.Context, ar *activeRun, rr resolvedRun) {
	defer ar.cancel()
	defer o.clearActive(rr.runKey, ar)

	ctx, ar.span = tracing.TraceTurn(ctx, rr.flavor.Name(), rr.sessionKey, rr.agent.ID)

	emit := o.emitter(ctx, ar, rr)

	handle, err := o.pool.Acquire(ctx, supervisor.Key{Workspace: rr.workspace, Flavor: rr.flavor.Name()}, rr.flavor.Spawner(rr.agent, rr.workspace))
	if err != nil {
		o.finish(ar, rr, emit, TurnOutcome{}, fmt.Errorf("acquire backend: %w", err))
		return
	}
	defer handle.Release()

	backend := handle.Backend()
	o.mu.Lock()
	ar.backend = backend
	o.mu.Unlock()

	session, err := o.resolveSession(ctx, rr, backend)
	if err != nil {
		o.finish(ar, rr, emit, TurnOutcome{}, fmt.Errorf("resolve session: %w", err))
		return
	}
	o.noteThread(ar, rr, session)

	started := streams.NewEvent(streams.EventTypeStarted)
	started.ThreadID = session.ThreadID
	started.Resumed = session.Resumed
	emit(started)

	spec := TurnSpec{
		Agent:          rr.agent,
		Workspace:      rr.workspace,
		ThreadID:       session.ThreadID,
		Prompt:         rr.prompt,
		Model:          rr.model,
		Effort:         rr.effort,
		ApprovalPolicy: rr.approvalPolicy,
		SandboxPolicy:  rr.sandbox,
		Review:         rr.review,
		Approvals:      NewBridge(rr.bridge, o.cfg.Approval, emit, o.logger),
		Emit:           emit,
	}
	outcome, err := rr.flavor.RunTurn(ctx, backend, spec)

	// A backend that lost the thread mid-turn gets one fresh chance; the
	// stale mapping is dropped either way. Explicit session ids never
	// restart: the caller asked for that thread specifically.
	var notFound *SessionNotFoundError
	if err != nil && errors.As(err, &notFound) && rr.sessionID == "" {
		o.logger.Warn("backend session lost mid-turn, restarting turn once",
			zap.String("session_key", rr.sessionKey),
			zap.String("thread_id", session.ThreadID))
		if rr.sessionKey != "" {
			if resetErr := o.threads.Reset(rr.sessionKey); resetErr != nil {
				o.logger.Warn("thread registry reset failed", zap.Error(resetErr))
			}
		}

		notice := streams.NewEvent(streams.EventTypeNotice)
		notice.NoticeKind = streams.NoticeKindRecovery
		notice.ThreadID = session.ThreadID
		notice.Message = "backend session lost; restarting turn on a fresh thread"
		emit(notice)

		fresh, freshErr := rr.flavor.EnsureSession(ctx, backend, o.sessionSpec(rr, ""))
		if freshErr != nil {
			o.finish(ar, rr, emit, TurnOutcome{}, fmt.Errorf("restart session: %w", freshErr))
			return
		}
		o.persistThread(rr, fresh)
		o.noteThread(ar, rr, fresh)

		spec.ThreadID = fresh.ThreadID
		outcome, err = rr.flavor.RunTurn(ctx, backend, spec)
	}

	o.finish(ar, rr, emit, outcome, err)
}

func (o *Orchestrator) sessionSpec(rr resolvedRun, resumeID string) SessionSpec {
	return SessionSpec{
		Agent:          rr.agent,
		Workspace:      rr.workspace,
		Model:          rr.model,
		ApprovalPolicy: rr.approvalPolicy,
		SandboxPolicy:  rr.sandbox,
		ResumeThreadID: resumeID,
	}
}

// resolveSession picks the thread the turn runs on: an explicit id, the
// registry mapping when reuse is on, or a fresh thread. A failed registry
// resume clears the mapping and falls back to fresh; a failed explicit
// resume is the caller's error.
func (o *Orchestrator) resolveSession(ctx context.Context, rr resolvedRun, b supervisor.Backend) (Session, error) {
	resumeID := rr.sessionID
	fromRegistry := false
	if resumeID == "" && rr.sessionKey != "" && o.cfg.Session.ReuseSession {
		if mapped, ok := o.threads.Get(rr.sessionKey); ok {
			resumeID = mapped
			fromRegistry = true
		}
	}

	session, err := rr.flavor.EnsureSession(ctx, b, o.sessionSpec(rr, resumeID))
	if err != nil && fromRegistry {
		o.logger.Warn("session resume failed, starting fresh thread",
			zap.String("session_key", rr.sessionKey),
			zap.String("thread_id", resumeID),
			zap.Error(err))
		if resetErr := o.threads.Reset(rr.sessionKey); resetErr != nil {
			o.logger.Warn("thread registry reset failed", zap.Error(resetErr))
		}
		session, err = rr.flavor.EnsureSession(ctx, b, o.sessionSpec(rr, ""))
	}
	if err != nil {
		return Session{}, err
	}

	o.persistThread(rr, session)
	return session, nil
}

// persistThread records the session's thread id for the session key. Flavors
// that fork on resume return a new id each time, so the mapping follows the
// latest identity.
func (o *Orchestrator) persistThread(rr resolvedRun, session Session) {
	if rr.sessionKey == "" || session.ThreadID == "" {
		return
	}
	if mapped, ok := o.threads.Get(rr.sessionKey); ok && mapped == session.ThreadID {
		return
	}
	if err := o.threads.Set(rr.sessionKey, session.ThreadID); err != nil {
		o.logger.Warn("thread registry update failed",
			zap.String("session_key", rr.sessionKey),
			zap.Error(err))
	}
}

func (o *Orchestrator) noteThread(ar *activeRun, rr resolvedRun, session Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ar.threadID = session.ThreadID
	ar.resumed = session.Resumed
	if o.active[rr.runKey] == ar {
		o.last.SessionID = session.ThreadID
		o.last.ThreadInfo = &ThreadInfo{ThreadID: session.ThreadID, Resumed: session.Resumed}
	}
}

// emitter wraps a run's event delivery: stamp identity, track turn ids and
// token totals, publish to the bus, then hand to the consumer channel.
func (o *Orchestrator) emitter(ctx context.Context, ar *activeRun, rr resolvedRun) Emit {
	return func(ev streams.RunEvent) {
		ev.SessionKey = rr.sessionKey
		if ev.AgentID == "" {
			ev.AgentID = rr.agent.ID
		}
		if ev.Flavor == "" {
			ev.Flavor = rr.flavor.Name()
		}
		if ev.Type == streams.EventTypeStarted {
			if !ar.run.markStarted() {
				return
			}
			if ev.Model == "" {
				ev.Model = rr.model
			}
		}

		o.mu.Lock()
		if ev.ThreadID == "" {
			ev.ThreadID = ar.threadID
		}
		if ev.TurnID != "" && ev.TurnID != ar.turnID {
			ar.turnID = ev.TurnID
			if o.active[rr.runKey] == ar {
				o.last.TurnID = ev.TurnID
			}
		}
		if ev.Usage != nil {
			usage := *ev.Usage
			o.lastTokens = &usage
		}
		o.mu.Unlock()

		o.publisher.PublishRun(ctx, &ev)
		ar.run.deliver(ev, o.logger)
	}
}

// finish emits the terminal event and resolves the run. Every stream gets a
// Started even when the turn died before the session existed.
func (o *Orchestrator) finish(ar *activeRun, rr resolvedRun, emit Emit, outcome TurnOutcome, err error) {
	started := streams.NewEvent(streams.EventTypeStarted)
	started.ThreadID = ar.threadID
	started.Resumed = ar.resumed
	emit(started)

	if err != nil {
		ev := streams.NewEvent(streams.EventTypeFailed)
		ev.TurnID = outcome.TurnID
		ev.Status = outcome.RawStatus
		ev.Error = err.Error()
		ev.ErrorKind = classifyError(err)
		emit(ev)

		o.recordLast(ar, rr, outcome)
		o.logger.Warn("turn failed",
			zap.String("agent_id", rr.agent.ID),
			zap.String("session_key", rr.sessionKey),
			zap.String("error_kind", ev.ErrorKind),
			zap.Error(err))
		tracing.EndTurn(ar.span, ar.threadID, outcome.RawStatus, err)
		ar.run.resolve(&outcome, err)
		return
	}

	switch outcome.Status {
	case appserver.TurnSuccess:
		ev := streams.NewEvent(streams.EventTypeCompleted)
		ev.TurnID = outcome.TurnID
		ev.Status = outcome.RawStatus
		ev.FinalMessage = outcome.FinalMessage
		ev.Usage = outcome.Usage
		emit(ev)
	default:
		ev := streams.NewEvent(streams.EventTypeFailed)
		ev.TurnID = outcome.TurnID
		ev.Status = outcome.RawStatus
		ev.Error = outcome.ErrorMessage
		if ev.Error == "" {
			ev.Error = fmt.Sprintf("turn ended with status %q", outcome.RawStatus)
		}
		ev.ErrorKind = outcome.ErrorKind
		if ev.ErrorKind == "" {
			ev.ErrorKind = classifyOutcome(outcome)
		}
		emit(ev)
	}

	o.recordLast(ar, rr, outcome)
	tracing.EndTurn(ar.span, ar.threadID, outcome.RawStatus, nil)
	ar.run.resolve(&outcome, nil)
}

func (o *Orchestrator) recordLast(ar *activeRun, rr resolvedRun, outcome TurnOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	// A newer run on the same key owns the context now; its own finish will
	// write the fresher identity.
	if o.active[rr.runKey] != ar {
		return
	}
	o.last = Context{
		AgentID:   rr.agent.ID,
		SessionID: ar.threadID,
		TurnID:    outcome.TurnID,
	}
	if ar.threadID != "" {
		o.last.ThreadInfo = &ThreadInfo{ThreadID: ar.threadID, Resumed: ar.resumed}
	}
	if outcome.Usage != nil {
		usage := *outcome.Usage
		o.lastTokens = &usage
	}
}

func (o *Orchestrator) clearActive(runKey string, ar *activeRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[runKey] == ar {
		delete(o.active, runKey)
	}
}

// Interrupt asks the backend to stop the active turn for sessionKey. An
// empty key targets the most recently started run. Best effort: a missing
// run or turn id is logged, not an error.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionKey string) error {
	o.mu.Lock()
	key := sessionKey
	if key == "" {
		key = o.lastKey
	}
	ar := o.active[key]
	var (
		flavor   Flavor
		backend  supervisor.Backend
		threadID string
		turnID   string
	)
	if ar != nil {
		flavor = ar.flavor
		backend = ar.backend
		threadID = ar.threadID
		turnID = ar.turnID
	}
	o.mu.Unlock()

	if ar == nil || backend == nil {
		o.logger.Info("interrupt requested with no active run", zap.String("session_key", sessionKey))
		return nil
	}
	if turnID == "" {
		o.logger.Info("interrupt requested before turn id is known",
			zap.String("session_key", sessionKey),
			zap.String("thread_id", threadID))
		return nil
	}
	return flavor.Interrupt(ctx, backend, threadID, turnID)
}

// StartSession pre-warms the session for a request without running a turn:
// the client is spawned, the thread resolved or created, and the registry
// mapping persisted.
func (o *Orchestrator) StartSession(ctx context.Context, req RunRequest) (Session, error) {
	rr, err := o.resolve(req)
	if err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Session{}, ErrClosed
	}
	o.mu.Unlock()

	handle, err := o.pool.Acquire(ctx, supervisor.Key{Workspace: rr.workspace, Flavor: rr.flavor.Name()}, rr.flavor.Spawner(rr.agent, rr.workspace))
	if err != nil {
		return Session{}, fmt.Errorf("acquire backend: %w", err)
	}
	defer handle.Release()

	session, err := o.resolveSession(ctx, rr, handle.Backend())
	if err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	o.last = Context{
		AgentID:    rr.agent.ID,
		SessionID:  session.ThreadID,
		ThreadInfo: &ThreadInfo{ThreadID: session.ThreadID, Resumed: session.Resumed},
	}
	o.mu.Unlock()
	return session, nil
}

// GetContext returns the latest turn identity.
func (o *Orchestrator) GetContext() Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// LastTurnID returns the turn id of the latest turn, if any.
func (o *Orchestrator) LastTurnID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last.TurnID
}

// LastThreadInfo returns the thread info of the latest turn, if any.
func (o *Orchestrator) LastThreadInfo() *ThreadInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last.ThreadInfo == nil {
		return nil
	}
	info := *o.last.ThreadInfo
	return &info
}

// LastTokenTotal returns the most recent cumulative token totals observed.
func (o *Orchestrator) LastTokenTotal() *streams.TokenTotals {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastTokens == nil {
		return nil
	}
	usage := *o.lastTokens
	return &usage
}

// Call forwards an opaque protocol operation (thread/list, thread/archive,
// model/list, account reads) to the agent's backend.
func (o *Orchestrator) Call(ctx context.Context, agentID, workspace, method string, params any) (any, error) {
	agent, err := o.catalog.Get(agentID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	flavor, ok := o.flavors[agent.Flavor]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no flavor registered for %q", agent.Flavor)
	}

	handle, err := o.pool.Acquire(ctx, supervisor.Key{Workspace: workspace, Flavor: flavor.Name()}, flavor.Spawner(agent, workspace))
	if err != nil {
		return nil, fmt.Errorf("acquire backend: %w", err)
	}
	defer handle.Release()

	return flavor.Call(ctx, handle.Backend(), method, params)
}

// CloseAll cancels every in-flight run and closes all pooled clients. The
// orchestrator rejects new runs afterwards.
func (o *Orchestrator) CloseAll(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancels := make([]context.CancelFunc, 0, len(o.active))
	for _, ar := range o.active {
		cancels = append(cancels, ar.cancel)
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return o.pool.CloseAll(ctx)
}

// classifyError folds an execution error into the ErrorKind taxonomy.
func classifyError(err error) string {
	var timeout *appserver.TimeoutError
	var circuit *supervisor.CircuitOpenError
	var rpc *appserver.RPCError

	switch {
	case errors.Is(err, context.Canceled):
		return streams.ErrorKindUser
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, appserver.ErrDisconnected),
		errors.Is(err, appserver.ErrClientClosed),
		errors.Is(err, opencode.ErrServerDisconnected),
		errors.Is(err, supervisor.ErrPoolFull),
		errors.As(err, &timeout),
		errors.As(err, &circuit):
		return streams.ErrorKindTransient
	case errors.As(err, &rpc):
		return streams.ErrorKindPermanent
	default:
		return streams.ErrorKindPermanent
	}
}

// classifyOutcome folds a failure-shaped terminal status into the taxonomy.
// Interrupt-family statuses are user-initiated; everything else permanent.
func classifyOutcome(outcome TurnOutcome) string {
	switch strings.ToLower(outcome.RawStatus) {
	case "cancelled", "canceled", "interrupted", "stopped":
		return streams.ErrorKindUser
	}
	return streams.ErrorKindPermanent
}
