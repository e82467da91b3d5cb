// Package opencode talks to a local opencode server: plain REST for
// commands, one SSE stream for events. Only the slice of the server API
// the turn runner needs is covered here.
package opencode

import (
	"encoding/json"
)

// Event types seen on the /event stream. The server emits more; anything
// not listed is passed through to the handler unparsed.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventPermissionAsked    = "permission.asked"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
)

// Part types inside message.part.updated events.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Tool execution states.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission replies. "once" grants this single request.
const (
	PermissionReplyOnce   = "once"
	PermissionReplyReject = "reject"
)

// HealthResponse is the GET /global/health body.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse is the body of POST /session and POST /session/{id}/fork.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects the provider and model for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput is one prompt part.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the POST /session/{id}/message body.
type PromptRequest struct {
	Model   *ModelSpec      `json:"model,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Variant string          `json:"variant,omitempty"`
	Parts   []TextPartInput `json:"parts"`
}

// PermissionReplyRequest is the POST /permission/{id}/reply body.
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// Event is one frame from the SSE stream. Properties stays raw until the
// type is known.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// ParseEvent decodes one SSE data payload.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// MessageUpdate carries message.updated properties.
type MessageUpdate struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo identifies a message and, for assistant messages, its token
// spend so far.
type MessageInfo struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Role      string         `json:"role"`
	Tokens    *MessageTokens `json:"tokens,omitempty"`
}

// MessageTokens is the per-message token accounting.
type MessageTokens struct {
	Input  int         `json:"input"`
	Output int         `json:"output"`
	Cache  *TokenCache `json:"cache,omitempty"`
}

// TokenCache counts cache reads separately from fresh input.
type TokenCache struct {
	Read int `json:"read"`
}

// ParseMessageUpdated parses message.updated properties.
func ParseMessageUpdated(data json.RawMessage) (*MessageUpdate, error) {
	var props MessageUpdate
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// PartUpdate carries message.part.updated properties. Delta is the streamed
// increment; Part.Text accumulates.
type PartUpdate struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is one message fragment. Text and reasoning parts carry Text; tool
// parts carry CallID, Tool, and State instead.
type Part struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState is a tool part's execution state.
type ToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ParseMessagePartUpdated parses message.part.updated properties.
func ParseMessagePartUpdated(data json.RawMessage) (*PartUpdate, error) {
	var props PartUpdate
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// PermissionAsk carries permission.asked properties. Metadata keys depend on
// the permission kind: command executions set "command", file edits "path".
type PermissionAsk struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionID"`
	Permission string          `json:"permission"`
	Patterns   []string        `json:"patterns,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Tool       *PermissionTool `json:"tool,omitempty"`
}

// PermissionTool links a permission request to the tool call that raised it.
type PermissionTool struct {
	CallID string `json:"callID"`
}

// ParsePermissionAsked parses permission.asked properties.
func ParsePermissionAsked(data json.RawMessage) (*PermissionAsk, error) {
	var props PermissionAsk
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SessionErrorEvent carries session.error properties.
type SessionErrorEvent struct {
	SessionID string       `json:"sessionID"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the error payload inside session.error. The server is
// inconsistent about where the useful text lives, so Kind and Text probe
// the fields in preference order.
type ErrorDetail struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// Kind returns the most specific error classifier present.
func (e *ErrorDetail) Kind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// Text returns the most specific error message present.
func (e *ErrorDetail) Text() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// ParseSessionError parses session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorEvent, error) {
	var props SessionErrorEvent
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}
