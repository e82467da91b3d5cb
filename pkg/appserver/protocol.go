// Package appserver implements the app-server protocol: a newline-delimited
// JSON-RPC 2.0 dialect spoken to agent subprocesses over stdio. The dialect
// omits the "jsonrpc":"2.0" header. Outbound request ids are opaque strings;
// inbound ids may be strings or numbers.
package appserver

import "encoding/json"

// Request represents an outbound JSON-RPC request (without jsonrpc field).
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a JSON-RPC notification (no id field).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// ApprovalHandlerFailed is returned to the server when the approval
	// bridge panics or errors while answering an approval request.
	ApprovalHandlerFailed = -32001
)

// Request methods (client → server).
const (
	MethodInitialize        = "initialize"
	MethodInitialized       = "initialized" // notification
	MethodThreadStart       = "thread/start"
	MethodThreadResume      = "thread/resume"
	MethodThreadList        = "thread/list"
	MethodThreadArchive     = "thread/archive"
	MethodTurnStart         = "turn/start"
	MethodTurnInterrupt     = "turn/interrupt"
	MethodReviewStart       = "review/start"
	MethodModelList         = "model/list"
	MethodAccountRead       = "account/read"
	MethodAccountRateLimits = "account/rateLimits/read"
)

// Notification methods (server → client).
const (
	NotifyItemStarted               = "item/started"
	NotifyItemCompleted             = "item/completed"
	NotifyItemAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningPartAdded    = "item/reasoning/summaryPartAdded"
	NotifyItemToolCallStart         = "item/toolCall/start"
	NotifyItemToolCallEnd           = "item/toolCall/end"
	NotifyTurnStarted               = "turn/started"
	NotifyTurnCompleted             = "turn/completed"
	NotifyTurnStreamDelta           = "turn/streamDelta"
	NotifyTurnError                 = "turn/error"
	NotifyTurnTokenUsage            = "turn/tokenUsage"
	NotifyTurnUsage                 = "turn/usage"
	NotifyThreadTokenUsageUpdated   = "thread/tokenUsage/updated"
	NotifyError                     = "error"
	NotifyItemCmdExecOutputDelta    = "item/commandExecution/outputDelta"
	NotifyItemFileChangeOutputDelta = "item/fileChange/outputDelta"
)

// Server request methods (server → client, expecting a reply).
const (
	MethodCmdExecRequestApproval    = "item/commandExecution/requestApproval"
	MethodFileChangeRequestApproval = "item/fileChange/requestApproval"
)

// NotifyOversizedMessageDropped is synthesized locally when an oversized
// stdout line is drained; it never arrives from the wire.
const NotifyOversizedMessageDropped = "car/app_server/oversizedMessageDropped"

// Item type names used in item/completed notifications.
const (
	ItemAgentMessage     = "agentMessage"
	ItemUserMessage      = "userMessage"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemTool             = "tool"
	ItemMcpToolCall      = "mcpToolCall"
)

// InitializeParams for the initialize request.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client. Version is optional: backends older than
// a certain protocol revision reject unknown fields with -32600, in which
// case initialize is retried once without it.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxPolicy  any    `json:"sandboxPolicy,omitempty"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxPolicy  any    `json:"sandboxPolicy,omitempty"`
}

// UserInput represents one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID       string      `json:"threadId"`
	Input          []UserInput `json:"input"`
	Model          string      `json:"model,omitempty"`
	Effort         string      `json:"effort,omitempty"`
	ApprovalPolicy string      `json:"approvalPolicy,omitempty"`
	SandboxPolicy  any         `json:"sandboxPolicy,omitempty"`
}

// ReviewStartParams for review/start. Target and delivery are passed through
// opaquely; review turns behave like regular turns on the wire.
type ReviewStartParams struct {
	ThreadID string `json:"threadId"`
	Target   any    `json:"target,omitempty"`
	Delivery string `json:"delivery,omitempty"`
	Model    string `json:"model,omitempty"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId"`
}

// Item represents a protocol item (message, command, file change, reasoning).
type Item struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`

	// For commandExecution items
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// For fileChange items
	Changes []FileChange `json:"changes,omitempty"`

	// For tool items
	Name      string          `json:"name,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Server    string          `json:"server,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// FileChange represents a single change in a fileChange item.
type FileChange struct {
	Path string `json:"path"`
	Diff string `json:"diff,omitempty"`
}

// ItemCompletedParams for item/completed notifications.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta"`
}

// ReasoningDeltaParams for item/reasoning/summaryTextDelta and summaryPartAdded.
type ReasoningDeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta,omitempty"`
}

// ToolCallParams for item/toolCall/start and item/toolCall/end.
type ToolCallParams struct {
	ThreadID  string          `json:"threadId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// StreamDeltaParams for turn/streamDelta and *OutputDelta notifications.
type StreamDeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta,omitempty"`
	Text     string `json:"text,omitempty"`
}

// TurnCompletedParams for turn/completed. Servers vary: some carry a flat
// status, some nest the turn object, some report a success flag.
type TurnCompletedParams struct {
	ThreadID string          `json:"threadId,omitempty"`
	TurnID   string          `json:"turnId,omitempty"`
	Status   string          `json:"status,omitempty"`
	Success  *bool           `json:"success,omitempty"`
	Turn     *SnapshotTurn   `json:"turn,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// SnapshotTurn is a turn as it appears inside thread/resume snapshots and
// nested turn/completed payloads.
type SnapshotTurn struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Items  []Item          `json:"items,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ErrorParams for error and turn/error notifications.
type ErrorParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Code     int    `json:"code,omitempty"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal,omitempty"`
	Fatal    bool   `json:"fatal,omitempty"`
}

// TokenTotals contains token counts for a request/response cycle.
type TokenTotals struct {
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
	TotalTokens           int64 `json:"totalTokens"`
}

// OversizedMessageDroppedParams is the payload of the synthetic
// oversizedMessageDropped notification.
type OversizedMessageDroppedParams struct {
	ByteLimit      int    `json:"byteLimit"`
	BytesDropped   int64  `json:"bytesDropped"`
	InferredMethod string `json:"inferredMethod,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
	TurnID         string `json:"turnId,omitempty"`
	Truncated      bool   `json:"truncated,omitempty"`
	Aborted        bool   `json:"aborted,omitempty"`
	DrainLimit     int    `json:"drainLimit,omitempty"`
}

// extractThreadID pulls the thread id out of a thread/start or thread/resume
// result. Servers answer with {id}, {threadId}, or {thread:{id}}.
func extractThreadID(result json.RawMessage) string {
	var shaped struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
		Thread   *struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &shaped); err != nil {
		return ""
	}
	if shaped.Thread != nil && shaped.Thread.ID != "" {
		return shaped.Thread.ID
	}
	if shaped.ThreadID != "" {
		return shaped.ThreadID
	}
	return shaped.ID
}

// extractTurnID pulls the turn id out of a turn/start or review/start result.
// Servers answer with {id}, {turnId}, or {turn:{id}}.
func extractTurnID(result json.RawMessage) string {
	var shaped struct {
		ID     string `json:"id"`
		TurnID string `json:"turnId"`
		Turn   *struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(result, &shaped); err != nil {
		return ""
	}
	if shaped.Turn != nil && shaped.Turn.ID != "" {
		return shaped.Turn.ID
	}
	if shaped.TurnID != "" {
		return shaped.TurnID
	}
	return shaped.ID
}
