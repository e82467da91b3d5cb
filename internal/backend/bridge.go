package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/tracing"
	"github.com/cardev/car/pkg/appserver"
)

// Approval modes selectable per run or via config.
const (
	ApprovalModeAccept = "accept"
	ApprovalModeCancel = "cancel"
	ApprovalModePrompt = "prompt"
)

// ActionType values carried on ApprovalRequested events.
const (
	ActionCommandExecution = "command_execution"
	ActionFileChange       = "file_change"
	ActionToolUse          = "tool_use"
)

// BridgeConfig selects how one run answers approval requests. A Policy
// function overrides Mode; an empty Mode falls back to the configured
// default. Prompts is the surface-owned channel prompt mode forwards to.
type BridgeConfig struct {
	Mode    string
	Policy  func(req *appserver.ApprovalRequest) appserver.ApprovalDecision
	Prompts chan<- appserver.ApprovalPrompt
}

// Bridge answers approval requests for one run. Fixed modes reply
// synchronously. Prompt mode surfaces the request as an ApprovalRequested
// RunEvent, forwards it to the operator channel, and denies at the deadline
// so the server always gets a well-formed reply.
type Bridge struct {
	mode    string
	policy  func(req *appserver.ApprovalRequest) appserver.ApprovalDecision
	prompts chan<- appserver.ApprovalPrompt
	timeout time.Duration
	emit    Emit
	logger  *logger.Logger
}

// NewBridge builds the approval handler for one run.
func NewBridge(policy BridgeConfig, cfg config.ApprovalConfig, emit Emit, log *logger.Logger) *Bridge {
	mode := policy.Mode
	if mode == "" {
		mode = cfg.Mode
	}
	if mode == "" {
		mode = ApprovalModeCancel
	}
	return &Bridge{
		mode:    mode,
		policy:  policy.Policy,
		prompts: policy.Prompts,
		timeout: cfg.PromptTimeoutDuration(),
		emit:    emit,
		logger:  log,
	}
}

// Decide implements appserver.ApprovalHandler.
func (b *Bridge) Decide(ctx context.Context, req *appserver.ApprovalRequest) (appserver.ApprovalDecision, error) {
	ctx, span := tracing.TraceApproval(ctx, req.Method, req.ThreadID, req.TurnID)
	decision, err := b.decide(ctx, req)
	tracing.EndApproval(span, decision.Approve, err)
	return decision, err
}

func (b *Bridge) decide(ctx context.Context, req *appserver.ApprovalRequest) (appserver.ApprovalDecision, error) {
	if b.policy != nil {
		decision := b.policy(req)
		b.logDecision(req, decision, "policy")
		return decision, nil
	}

	switch b.mode {
	case ApprovalModeAccept:
		decision := appserver.ApprovalDecision{Approve: true}
		b.logDecision(req, decision, b.mode)
		return decision, nil
	case ApprovalModePrompt:
		return b.prompt(ctx, req)
	default:
		decision := appserver.ApprovalDecision{Approve: false}
		b.logDecision(req, decision, ApprovalModeCancel)
		return decision, nil
	}
}

// prompt surfaces the request and waits for the operator. The deny default
// applies on timeout, context cancellation, or a missing operator channel.
func (b *Bridge) prompt(ctx context.Context, req *appserver.ApprovalRequest) (appserver.ApprovalDecision, error) {
	if b.emit != nil {
		ev := streams.NewEvent(streams.EventTypeApprovalRequested)
		ev.ThreadID = req.ThreadID
		ev.TurnID = req.TurnID
		ev.RequestID = req.ID
		ev.ActionType = ActionTypeForMethod(req.Method)
		ev.ActionDetails = decodeDetails(req.Params)
		b.emit(ev)
	}

	wait := appserver.PromptApprovals{
		Prompts: b.prompts,
		Timeout: b.timeout,
		Default: appserver.ApprovalDecision{Approve: false},
	}
	decision, err := wait.Decide(ctx, req)
	b.logDecision(req, decision, b.mode)
	return decision, err
}

func (b *Bridge) logDecision(req *appserver.ApprovalRequest, decision appserver.ApprovalDecision, mode string) {
	if b.logger == nil {
		return
	}
	b.logger.Debug("approval decided",
		zap.String("request_id", req.ID),
		zap.String("method", req.Method),
		zap.String("mode", mode),
		zap.Bool("approve", decision.Approve),
		zap.String("decision", decision.Decision))
}

// ActionTypeForMethod folds an approval method into the canonical action
// category. The two app-server methods map directly; HTTP-flavor permission
// names are classified by shape.
func ActionTypeForMethod(method string) string {
	switch method {
	case appserver.MethodCmdExecRequestApproval:
		return ActionCommandExecution
	case appserver.MethodFileChangeRequestApproval:
		return ActionFileChange
	}
	lowered := strings.ToLower(method)
	switch {
	case strings.Contains(lowered, "bash"), strings.Contains(lowered, "command"):
		return ActionCommandExecution
	case strings.Contains(lowered, "edit"), strings.Contains(lowered, "file"):
		return ActionFileChange
	}
	return ActionToolUse
}

func decodeDetails(params json.RawMessage) map[string]interface{} {
	if len(params) == 0 {
		return nil
	}
	var details map[string]interface{}
	if err := json.Unmarshal(params, &details); err != nil {
		return nil
	}
	return details
}
