package appserver

import (
	"context"
	"encoding/json"
	"time"
)

// Decision strings understood by app-server backends.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
)

// ApprovalRequest is one server-initiated approval request, either for a
// command execution or a file change. Params retains the full payload.
type ApprovalRequest struct {
	ID       string
	Method   string
	ThreadID string
	TurnID   string
	ItemID   string
	Command  string
	Cwd      string
	Path     string
	Reason   string
	Params   json.RawMessage
}

// ApprovalDecision is the reply to an approval request. When Decision is set
// the reply is {decision: <string>}; otherwise {approve: <bool>}.
type ApprovalDecision struct {
	Approve  bool
	Decision string
}

// payload renders the wire shape the server expects.
func (d ApprovalDecision) payload() any {
	if d.Decision != "" {
		return map[string]string{"decision": d.Decision}
	}
	return map[string]bool{"approve": d.Approve}
}

// ApprovalHandler answers approval requests. The dispatcher invokes it off
// the read loop; a handler error or panic is reported to the server as
// code -32001.
type ApprovalHandler interface {
	Decide(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error)
}

// FixedApprovals answers every request with the same decision.
type FixedApprovals struct {
	Approve bool
}

// Decide implements ApprovalHandler.
func (f FixedApprovals) Decide(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{Approve: f.Approve}, nil
}

// PolicyApprovals answers requests with a caller-supplied predicate, e.g.
// allow any read-only git command and decline everything else.
type PolicyApprovals struct {
	Policy func(req *ApprovalRequest) ApprovalDecision
}

// Decide implements ApprovalHandler.
func (p PolicyApprovals) Decide(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
	return p.Policy(req), nil
}

// ApprovalPrompt pairs a request with the channel its decision arrives on.
type ApprovalPrompt struct {
	Request *ApprovalRequest
	Reply   chan ApprovalDecision
}

// PromptApprovals forwards each request to an operator-owned channel and
// waits for the decision. The wait is bounded: past Timeout (or context
// cancellation) the Default decision is returned so the server always gets a
// well-formed reply.
type PromptApprovals struct {
	Prompts chan<- ApprovalPrompt
	Timeout time.Duration
	Default ApprovalDecision
}

// Decide implements ApprovalHandler.
func (p PromptApprovals) Decide(ctx context.Context, req *ApprovalRequest) (ApprovalDecision, error) {
	if p.Prompts == nil {
		return p.Default, nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	prompt := ApprovalPrompt{Request: req, Reply: make(chan ApprovalDecision, 1)}

	select {
	case p.Prompts <- prompt:
	case <-deadline.C:
		return p.Default, nil
	case <-ctx.Done():
		return p.Default, nil
	}

	select {
	case decision := <-prompt.Reply:
		return decision, nil
	case <-deadline.C:
		return p.Default, nil
	case <-ctx.Done():
		return p.Default, nil
	}
}

// parseApprovalRequest extracts the common fields from an approval request.
func parseApprovalRequest(id, method string, params json.RawMessage) *ApprovalRequest {
	req := &ApprovalRequest{
		ID:     id,
		Method: method,
		Params: params,
	}
	var shaped struct {
		ThreadID  string `json:"threadId"`
		TurnID    string `json:"turnId"`
		ItemID    string `json:"itemId"`
		Command   string `json:"command"`
		Cwd       string `json:"cwd"`
		Path      string `json:"path"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(params, &shaped); err == nil {
		req.ThreadID = shaped.ThreadID
		req.TurnID = shaped.TurnID
		req.ItemID = shaped.ItemID
		req.Command = shaped.Command
		req.Cwd = shaped.Cwd
		req.Path = shaped.Path
		req.Reason = shaped.Reasoning
	}
	return req
}
