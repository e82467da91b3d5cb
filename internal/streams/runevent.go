// Package streams defines the canonical run event schema emitted to
// surfaces. Events are vendor-neutral: flavor adapters normalize their raw
// protocol notifications into RunEvents so that consumers never see
// backend-specific field names or method variants.
package streams

import "time"

// RunEvent type constants. Every event stream for a turn begins with exactly
// one "started" and ends with exactly one "completed" or "failed".
const (
	// EventTypeStarted marks the beginning of a turn stream.
	EventTypeStarted = "started"

	// EventTypeOutputDelta carries streamed output text.
	EventTypeOutputDelta = "output_delta"

	// EventTypeToolCall indicates a tool invocation observed on the wire.
	EventTypeToolCall = "tool_call"

	// EventTypeApprovalRequested indicates the agent is waiting on an
	// approval decision.
	EventTypeApprovalRequested = "approval_requested"

	// EventTypeTokenUsage carries updated token accounting.
	EventTypeTokenUsage = "token_usage"

	// EventTypeNotice carries advisory, non-output information such as
	// reasoning summaries or recovery notes.
	EventTypeNotice = "notice"

	// EventTypeCompleted is the successful terminal event.
	EventTypeCompleted = "completed"

	// EventTypeFailed is the failure terminal event.
	EventTypeFailed = "failed"
)

// OutputDelta delta_type values.
const (
	// DeltaUserMessage is text echoing the user's own input.
	DeltaUserMessage = "user_message"

	// DeltaAssistantStream is streamed assistant output.
	DeltaAssistantStream = "assistant_stream"

	// DeltaLogLine is command or file-change output surfaced as log text.
	DeltaLogLine = "log_line"

	// DeltaText is plain text with no more specific classification.
	DeltaText = "text"
)

// Notice kind values.
const (
	// NoticeKindThinking carries the current reasoning summary buffer.
	NoticeKindThinking = "thinking"

	// NoticeKindRecovery reports a stall-recovery action on the turn.
	NoticeKindRecovery = "recovery"

	// NoticeKindOversize reports an oversized frame dropped from the wire.
	NoticeKindOversize = "oversize"
)

// ErrorKind values carried on "failed" events, mirroring the error taxonomy:
// transient failures may be retried, permanent ones may not, user-initiated
// ones were asked for.
const (
	ErrorKindTransient = "transient"
	ErrorKindPermanent = "permanent"
	ErrorKindUser      = "user"
)

// TokenTotals is the canonical token accounting block.
type TokenTotals struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

// RunEvent is the canonical event streamed to surfaces for every turn,
// normalized from whichever protocol the backend flavor speaks.
type RunEvent struct {
	// Type identifies the event variant. Use the EventType* constants.
	Type string `json:"type"`

	// Timestamp is when the event was extracted from the wire (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// SessionKey is the orchestrator's conversation key, when known.
	SessionKey string `json:"session_key,omitempty"`

	// ThreadID is the backend thread/session identifier.
	ThreadID string `json:"thread_id,omitempty"`

	// TurnID identifies the turn this event belongs to.
	TurnID string `json:"turn_id,omitempty"`

	// --- Started fields ---

	// AgentID is the catalog id of the agent running the turn.
	AgentID string `json:"agent_id,omitempty"`

	// Flavor is the backend flavor ("codex" or "opencode").
	Flavor string `json:"flavor,omitempty"`

	// Model is the resolved model for the turn, when known.
	Model string `json:"model,omitempty"`

	// Resumed is true when the turn reuses an existing thread.
	Resumed bool `json:"resumed,omitempty"`

	// --- OutputDelta fields ---

	// Text is the streamed output fragment.
	Text string `json:"text,omitempty"`

	// DeltaType classifies the output. Use the Delta* constants.
	DeltaType string `json:"delta_type,omitempty"`

	// --- ToolCall fields ---

	// ToolCallID uniquely identifies the tool invocation.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the normalized tool name.
	ToolName string `json:"tool_name,omitempty"`

	// ToolStatus is the tool status when reported ("started", "completed", ...).
	ToolStatus string `json:"tool_status,omitempty"`

	// ToolInput contains the tool arguments as reported by the agent.
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`

	// --- ApprovalRequested fields ---

	// RequestID identifies the pending approval request.
	RequestID string `json:"request_id,omitempty"`

	// ActionType categorizes the action awaiting approval
	// ("command_execution" or "file_change").
	ActionType string `json:"action_type,omitempty"`

	// ActionDetails holds the request parameters for operator display.
	ActionDetails map[string]interface{} `json:"action_details,omitempty"`

	// --- TokenUsage fields ---

	// Usage is the cumulative thread usage when reported.
	Usage *TokenTotals `json:"usage,omitempty"`

	// LastUsage is the most recent per-turn usage when reported.
	LastUsage *TokenTotals `json:"last_usage,omitempty"`

	// --- Notice fields ---

	// NoticeKind classifies the notice. Use the NoticeKind* constants.
	NoticeKind string `json:"notice_kind,omitempty"`

	// Message is the notice text.
	Message string `json:"message,omitempty"`

	// --- Completed / Failed fields ---

	// Status is the raw terminal status reported by the backend.
	Status string `json:"status,omitempty"`

	// FinalMessage is the turn's final assistant message per the configured
	// final-message policy.
	FinalMessage string `json:"final_message,omitempty"`

	// Error is a concise cause on "failed" events.
	Error string `json:"error,omitempty"`

	// ErrorKind classifies the failure. Use the ErrorKind* constants.
	ErrorKind string `json:"error_kind,omitempty"`
}

// now returns the event clock reading. Tests may override it.
var now = func() time.Time { return time.Now().UTC() }

// NewEvent returns a RunEvent of the given type stamped with the current time.
func NewEvent(eventType string) RunEvent {
	return RunEvent{Type: eventType, Timestamp: now()}
}

// Terminal reports whether the event ends a turn stream.
func (e RunEvent) Terminal() bool {
	return e.Type == EventTypeCompleted || e.Type == EventTypeFailed
}
