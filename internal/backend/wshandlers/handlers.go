// Package wshandlers exposes run control over the websocket gateway.
package wshandlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/backend"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/streams"
	ws "github.com/cardev/car/pkg/websocket"
)

// Handlers answers run-control frames with the orchestrator.
type Handlers struct {
	orch      *backend.Orchestrator
	workspace string
	logger    *logger.Logger
}

// NewHandlers creates the run-control handlers. workspace is the default
// root for requests that do not name one.
func NewHandlers(orch *backend.Orchestrator, workspace string, log *logger.Logger) *Handlers {
	return &Handlers{
		orch:      orch,
		workspace: workspace,
		logger:    log.WithFields(zap.String("component", "run-ws-handlers")),
	}
}

// RegisterHandlers registers the run-control actions with the dispatcher.
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionRunStart, h.StartRun)
	d.RegisterFunc(ws.ActionRunInterrupt, h.InterruptRun)
	d.RegisterFunc(ws.ActionRunContext, h.GetContext)
}

// ReviewRequest marks the run as a review turn.
type ReviewRequest struct {
	Target   any    `json:"target,omitempty"`
	Delivery string `json:"delivery,omitempty"`
}

// StartRunRequest is the payload for run.start.
type StartRunRequest struct {
	AgentID        string         `json:"agent_id"`
	SessionKey     string         `json:"session_key,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	WorkspaceRoot  string         `json:"workspace_root,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	Model          string         `json:"model,omitempty"`
	Effort         string         `json:"effort,omitempty"`
	ApprovalPolicy string         `json:"approval_policy,omitempty"`
	SandboxPolicy  any            `json:"sandbox_policy,omitempty"`
	ApprovalMode   string         `json:"approval_mode,omitempty"`
	Review         *ReviewRequest `json:"review,omitempty"`
}

// StartRun handles run.start. The response acknowledges the turn; progress
// arrives through run.subscribe.
func (h *Handlers) StartRun(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StartRunRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.AgentID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "agent_id is required", nil)
	}
	if req.Prompt == "" && req.Review == nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "prompt or review is required", nil)
	}

	workspace := req.WorkspaceRoot
	if workspace == "" {
		workspace = h.workspace
	}

	rr := backend.RunRequest{
		AgentID:        req.AgentID,
		SessionKey:     req.SessionKey,
		SessionID:      req.SessionID,
		WorkspaceRoot:  workspace,
		Prompt:         req.Prompt,
		Model:          req.Model,
		Effort:         req.Effort,
		ApprovalPolicy: req.ApprovalPolicy,
		SandboxPolicy:  req.SandboxPolicy,
		Bridge:         backend.BridgeConfig{Mode: req.ApprovalMode},
	}
	if req.Review != nil {
		rr.Review = &backend.ReviewSpec{Target: req.Review.Target, Delivery: req.Review.Delivery}
	}

	// The turn must survive the connection that started it; detached
	// clients catch up through the bus.
	run, err := h.orch.RunTurn(context.WithoutCancel(ctx), rr)
	if err != nil {
		h.logger.Error("failed to start run",
			zap.String("agent_id", req.AgentID),
			zap.String("session_key", req.SessionKey),
			zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to start run: "+err.Error(), nil)
	}

	// The direct stream is redundant here: the gateway fans the bus copy
	// out to subscribers.
	go func() {
		for range run.Events() {
		}
	}()

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"accepted":    true,
		"agent_id":    req.AgentID,
		"session_key": run.SessionKey(),
	})
}

// InterruptRunRequest is the payload for run.interrupt. An empty session
// key targets the most recent run.
type InterruptRunRequest struct {
	SessionKey string `json:"session_key,omitempty"`
}

// InterruptRun handles run.interrupt.
func (h *Handlers) InterruptRun(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req InterruptRunRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if err := h.orch.Interrupt(ctx, req.SessionKey); err != nil {
		h.logger.Error("failed to interrupt run",
			zap.String("session_key", req.SessionKey),
			zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to interrupt run: "+err.Error(), nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":     true,
		"session_key": req.SessionKey,
	})
}

// ContextResponse is the response for run.context.
type ContextResponse struct {
	backend.Context
	Tokens *streams.TokenTotals `json:"tokens,omitempty"`
}

// GetContext handles run.context.
func (h *Handlers) GetContext(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, ContextResponse{
		Context: h.orch.GetContext(),
		Tokens:  h.orch.LastTokenTotal(),
	})
}
