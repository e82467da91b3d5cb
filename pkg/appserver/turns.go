package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// maxTurnRawEvents bounds the per-turn diagnostic event ring.
	maxTurnRawEvents = 200

	// maxPendingTurns bounds buffered state for turn ids observed before
	// their turn/start response returned.
	maxPendingTurns = 64
)

// TurnStatus is the folded outcome of a turn.
type TurnStatus string

const (
	TurnSuccess TurnStatus = "success"
	TurnFailure TurnStatus = "failure"
	// TurnUnknown marks a turn that ended with a status string we do not
	// recognize. It is failure-shaped: callers must not treat it as success.
	TurnUnknown TurnStatus = "unknown"
)

// mapTurnStatus folds the status strings different backends emit into the
// outcome callers act on.
func mapTurnStatus(raw string) (TurnStatus, bool) {
	switch strings.ToLower(raw) {
	case "completed", "done", "succeeded":
		return TurnSuccess, true
	case "failed", "error", "errored", "cancelled", "canceled", "interrupted", "stopped":
		return TurnFailure, true
	default:
		return TurnUnknown, false
	}
}

// RawEvent is one retained notification, kept for diagnostics.
type RawEvent struct {
	Method string
	Params json.RawMessage
}

// TurnResult is the outcome of a finished turn.
type TurnResult struct {
	ThreadID      string
	TurnID        string
	Status        TurnStatus
	RawStatus     string
	FinalMessage  string
	AgentMessages []string
	Items         []Item
	Usage         *TokenTotals
	ErrorMessage  string
	Notices       []string
	Review        bool

	// RecoveryAttempts counts the thread/resume probes made while this turn
	// was stalled, whether or not the snapshot resolved it.
	RecoveryAttempts int
}

type turnKey struct {
	threadID string
	turnID   string
}

// TurnState tracks one turn from registration to terminal resolution. Every
// field is guarded by the owning client's data lock; doneCh closes exactly
// once, when the turn becomes terminal.
type TurnState struct {
	threadID string
	turnID   string
	review   bool

	startedAt    time.Time
	lastActivity time.Time
	lastRecovery time.Time
	recoveries   int

	rawEvents  []RawEvent
	rawDropped int

	messages []string
	items    []Item
	usage    *TokenTotals
	errMsg   string
	notices  []string

	terminal bool
	result   *TurnResult
	err      error
	doneCh   chan struct{}
}

func newTurnState(threadID, turnID string, review bool) *TurnState {
	now := time.Now()
	return &TurnState{
		threadID:     threadID,
		turnID:       turnID,
		review:       review,
		startedAt:    now,
		lastActivity: now,
		doneCh:       make(chan struct{}),
	}
}

// record retains the notification and counts it as activity. Caller holds the
// client lock.
func (ts *TurnState) record(method string, params json.RawMessage) {
	if len(ts.rawEvents) >= maxTurnRawEvents {
		copy(ts.rawEvents, ts.rawEvents[1:])
		ts.rawEvents = ts.rawEvents[:maxTurnRawEvents-1]
		ts.rawDropped++
	}
	ts.rawEvents = append(ts.rawEvents, RawEvent{Method: method, Params: params})
	ts.lastActivity = time.Now()
}

// appendAgentMessage adds a completed agent message, skipping texts identical
// to the previous one: recovery replays the same items the live stream
// already delivered. Caller holds the client lock.
func (ts *TurnState) appendAgentMessage(text string) {
	if text == "" {
		return
	}
	if n := len(ts.messages); n > 0 && ts.messages[n-1] == text {
		return
	}
	ts.messages = append(ts.messages, text)
}

// absorbItems merges snapshot items into the turn, keyed by item id where one
// exists. Caller holds the client lock.
func (ts *TurnState) absorbItems(items []Item) {
	seen := make(map[string]bool, len(ts.items))
	for i := range ts.items {
		if ts.items[i].ID != "" {
			seen[ts.items[i].ID] = true
		}
	}
	for i := range items {
		item := items[i]
		if item.ID != "" && seen[item.ID] {
			continue
		}
		ts.items = append(ts.items, item)
		if item.Type == ItemAgentMessage {
			ts.appendAgentMessage(item.Text)
		}
	}
}

// eventIDs are the routing ids a notification carries.
type eventIDs struct {
	threadID string
	turnID   string
}

// extractEventIDs reads the id fields notifications carry, flat or nested.
func extractEventIDs(params json.RawMessage) eventIDs {
	var shaped struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
		Thread   *struct {
			ID string `json:"id"`
		} `json:"thread"`
		Turn *struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(params, &shaped); err != nil {
		return eventIDs{}
	}
	ids := eventIDs{threadID: shaped.ThreadID, turnID: shaped.TurnID}
	if ids.threadID == "" && shaped.Thread != nil {
		ids.threadID = shaped.Thread.ID
	}
	if ids.turnID == "" && shaped.Turn != nil {
		ids.turnID = shaped.Turn.ID
	}
	return ids
}

// StartTurn submits user input on a thread and registers the turn. The
// registry buffers notifications that raced ahead of the turn/start response
// and merges them on registration.
func (c *Client) StartTurn(ctx context.Context, params TurnStartParams) (*TurnHandle, error) {
	result, err := c.Call(ctx, MethodTurnStart, params)
	if err != nil {
		return nil, err
	}
	turnID := extractTurnID(result)
	if turnID == "" {
		return nil, &ProtocolError{
			Reason:  "turn/start result missing turn id",
			Preview: preview(result, invalidJSONPreviewBytes),
		}
	}
	return &TurnHandle{c: c, ts: c.registerTurn(params.ThreadID, turnID, false)}, nil
}

// StartReview starts a review turn. On the wire it behaves like a regular
// turn; the result is flagged so callers can route its transcript separately.
func (c *Client) StartReview(ctx context.Context, params ReviewStartParams) (*TurnHandle, error) {
	result, err := c.Call(ctx, MethodReviewStart, params)
	if err != nil {
		return nil, err
	}
	turnID := extractTurnID(result)
	if turnID == "" {
		return nil, &ProtocolError{
			Reason:  "review/start result missing turn id",
			Preview: preview(result, invalidJSONPreviewBytes),
		}
	}
	return &TurnHandle{c: c, ts: c.registerTurn(params.ThreadID, turnID, true)}, nil
}

// InterruptTurn asks the agent to stop a turn. The turn stays registered:
// the terminal state still arrives via turn/completed.
func (c *Client) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	_, err := c.Call(ctx, MethodTurnInterrupt, TurnInterruptParams{ThreadID: threadID, TurnID: turnID})
	return err
}

// OpenTurnCount reports how many registered turns are not yet terminal.
func (c *Client) OpenTurnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	open := 0
	for _, ts := range c.turns {
		if !ts.terminal {
			open++
		}
	}
	return open
}

// registerTurn installs the turn under its (thread, turn) key, adopting any
// state buffered for the turn id before the response arrived.
func (c *Client) registerTurn(threadID, turnID string, review bool) *TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := turnKey{threadID: threadID, turnID: turnID}
	if ts, ok := c.turns[key]; ok {
		return ts
	}

	if c.closed {
		ts := newTurnState(threadID, turnID, review)
		c.finishLocked(ts, nil, c.closeErr)
		return ts
	}

	ts, buffered := c.pendingTurns[turnID]
	if buffered {
		delete(c.pendingTurns, turnID)
		for i, id := range c.pendingOrder {
			if id == turnID {
				c.pendingOrder = append(c.pendingOrder[:i], c.pendingOrder[i+1:]...)
				break
			}
		}
		if ts.threadID != "" && ts.threadID != threadID {
			c.logger.Warn("app_server.turn.thread_mismatch",
				zap.String("expected_thread", threadID),
				zap.String("reported_thread", ts.threadID),
				zap.String("turn_id", turnID))
		}
		ts.threadID = threadID
		ts.review = review
		if ts.result != nil {
			ts.result.ThreadID = threadID
			ts.result.Review = review
		}
		c.logger.Debug("adopted buffered turn state",
			zap.String("thread_id", threadID),
			zap.String("turn_id", turnID),
			zap.Int("events", len(ts.rawEvents)),
			zap.Bool("terminal", ts.terminal))
	} else {
		ts = newTurnState(threadID, turnID, review)
	}

	c.turns[key] = ts
	return ts
}

// releaseTurn drops a terminal turn from the registry once its handle has
// consumed the result.
func (c *Client) releaseTurn(ts *TurnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, turnKey{threadID: ts.threadID, turnID: ts.turnID})
}

// finishLocked resolves a turn exactly once. Caller holds the client lock.
func (c *Client) finishLocked(ts *TurnState, result *TurnResult, cause error) {
	if ts.terminal {
		return
	}
	ts.terminal = true
	ts.result = result
	ts.err = cause
	close(ts.doneCh)
}

// failOpenTurnsLocked rejects every non-terminal turn with cause and empties
// the registry. Caller holds the client lock.
func (c *Client) failOpenTurnsLocked(cause error) int {
	failed := 0
	for _, ts := range c.turns {
		if ts.terminal {
			continue
		}
		c.finishLocked(ts, nil, cause)
		failed++
	}
	for _, ts := range c.pendingTurns {
		if !ts.terminal {
			c.finishLocked(ts, nil, cause)
		}
	}
	c.turns = make(map[turnKey]*TurnState)
	c.pendingTurns = make(map[string]*TurnState)
	c.pendingOrder = nil
	return failed
}

// createPendingLocked buffers state for a turn id seen before its turn/start
// response, evicting the oldest buffer at capacity. Caller holds the lock.
func (c *Client) createPendingLocked(ids eventIDs) *TurnState {
	if len(c.pendingTurns) >= maxPendingTurns {
		oldest := c.pendingOrder[0]
		c.pendingOrder = c.pendingOrder[1:]
		delete(c.pendingTurns, oldest)
	}
	ts := newTurnState(ids.threadID, ids.turnID, false)
	c.pendingTurns[ids.turnID] = ts
	c.pendingOrder = append(c.pendingOrder, ids.turnID)
	return ts
}

// matchTurnLocked locates the turn a notification addresses. Partial ids must
// match uniquely; ambiguous matches are reported to the caller and dropped.
// Caller holds the lock.
func (c *Client) matchTurnLocked(ids eventIDs, createPending bool) (ts *TurnState, ambiguous bool) {
	if ids.turnID != "" {
		if ids.threadID != "" {
			if t, ok := c.turns[turnKey{threadID: ids.threadID, turnID: ids.turnID}]; ok {
				return t, false
			}
		}
		var matches []*TurnState
		for key, t := range c.turns {
			if key.turnID == ids.turnID {
				matches = append(matches, t)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], false
		case 0:
			if t, ok := c.pendingTurns[ids.turnID]; ok {
				return t, false
			}
			if createPending {
				return c.createPendingLocked(ids), false
			}
			return nil, false
		default:
			return nil, true
		}
	}

	var matches []*TurnState
	for key, t := range c.turns {
		if t.terminal {
			continue
		}
		if ids.threadID != "" && key.threadID != ids.threadID {
			continue
		}
		matches = append(matches, t)
	}
	if len(matches) == 1 {
		return matches[0], false
	}
	return nil, len(matches) > 1
}

// resolveTargetLocked wraps matchTurnLocked with the ambiguity and
// thread-mismatch reporting. Caller holds the lock.
func (c *Client) resolveTargetLocked(method string, ids eventIDs, createPending bool) *TurnState {
	ts, ambiguous := c.matchTurnLocked(ids, createPending)
	if ambiguous {
		c.logger.Warn("app_server.turn.ambiguous",
			zap.String("method", method),
			zap.String("thread_id", ids.threadID),
			zap.String("turn_id", ids.turnID))
		return nil
	}
	if ts != nil && ids.threadID != "" && ts.threadID != "" && ts.threadID != ids.threadID {
		c.logger.Warn("app_server.turn.thread_mismatch",
			zap.String("method", method),
			zap.String("expected_thread", ts.threadID),
			zap.String("reported_thread", ids.threadID),
			zap.String("turn_id", ts.turnID))
	}
	return ts
}

// routeTurnNotification feeds one inbound notification into the registry.
// It runs on the read loop, so per-turn updates keep stream order.
func (c *Client) routeTurnNotification(method string, params json.RawMessage) {
	switch method {
	case NotifyTurnCompleted:
		c.completeTurn(params)
	case NotifyTurnError, NotifyError:
		c.noteTurnError(method, params)
	case NotifyTurnTokenUsage, NotifyTurnUsage, NotifyThreadTokenUsageUpdated:
		c.applyTokenUsage(method, params)
	case NotifyItemCompleted:
		c.completeItem(params)
	case NotifyOversizedMessageDropped:
		c.noteOversize(params)
	default:
		// Anything else carrying routable ids counts as turn activity, which
		// is what the stall detector feeds on.
		c.touchTurn(method, params)
	}
}

// touchTurn records activity for delta and lifecycle notifications.
func (c *Client) touchTurn(method string, params json.RawMessage) {
	ids := extractEventIDs(params)
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.resolveTargetLocked(method, ids, ids.turnID != "")
	if ts == nil || ts.terminal {
		return
	}
	ts.record(method, params)
}

// completeItem folds a finished item into its turn. Completed agent messages
// are the transcript source.
func (c *Client) completeItem(params json.RawMessage) {
	var parsed ItemCompletedParams
	if err := json.Unmarshal(params, &parsed); err != nil {
		c.logger.Warn("app_server.read.invalid_json",
			zap.String("method", NotifyItemCompleted), zap.Error(err))
		return
	}
	ids := eventIDs{threadID: parsed.ThreadID, turnID: parsed.TurnID}

	c.mu.Lock()
	ts := c.resolveTargetLocked(NotifyItemCompleted, ids, parsed.TurnID != "")
	if ts == nil || ts.terminal {
		c.mu.Unlock()
		return
	}
	ts.record(NotifyItemCompleted, params)

	var itemType, itemID string
	if parsed.Item != nil {
		itemType = parsed.Item.Type
		itemID = parsed.Item.ID
		ts.items = append(ts.items, *parsed.Item)
		if parsed.Item.Type == ItemAgentMessage {
			ts.appendAgentMessage(parsed.Item.Text)
		}
	}
	threadID, turnID := ts.threadID, ts.turnID
	c.mu.Unlock()

	c.logger.Debug("app_server.item.completed",
		zap.String("thread_id", threadID),
		zap.String("turn_id", turnID),
		zap.String("item_type", itemType),
		zap.String("item_id", itemID))
}

// completeTurn resolves a turn from its turn/completed notification. The
// terminal state is recorded exactly once; duplicates are dropped.
func (c *Client) completeTurn(params json.RawMessage) {
	var parsed TurnCompletedParams
	if err := json.Unmarshal(params, &parsed); err != nil {
		c.logger.Warn("app_server.read.invalid_json",
			zap.String("method", NotifyTurnCompleted), zap.Error(err))
		return
	}
	ids := extractEventIDs(params)

	c.mu.Lock()
	ts := c.resolveTargetLocked(NotifyTurnCompleted, ids, true)
	if ts == nil {
		c.mu.Unlock()
		return
	}
	if ts.terminal {
		threadID, turnID := ts.threadID, ts.turnID
		c.mu.Unlock()
		c.logger.Debug("duplicate turn completion ignored",
			zap.String("thread_id", threadID), zap.String("turn_id", turnID))
		return
	}
	ts.record(NotifyTurnCompleted, params)

	if parsed.Turn != nil {
		ts.absorbItems(parsed.Turn.Items)
	}

	rawStatus := parsed.Status
	if rawStatus == "" && parsed.Turn != nil {
		rawStatus = parsed.Turn.Status
	}
	status, known := mapTurnStatus(rawStatus)
	if parsed.Success != nil {
		known = true
		if *parsed.Success {
			status = TurnSuccess
		} else {
			status = TurnFailure
		}
	}
	if !known {
		status = TurnUnknown
	}

	errMsg := decodeErrorMessage(parsed.Error)
	if errMsg == "" {
		errMsg = ts.errMsg
	}

	result := c.buildResultLocked(ts, status, rawStatus, errMsg)
	c.finishLocked(ts, result, nil)
	c.mu.Unlock()

	c.logger.Info("app_server.turn.completed",
		zap.String("thread_id", result.ThreadID),
		zap.String("turn_id", result.TurnID),
		zap.String("status", string(result.Status)),
		zap.String("raw_status", rawStatus),
		zap.Int("agent_messages", len(result.AgentMessages)))
}

// noteTurnError records an error notification against its turn. Errors are
// notices unless flagged terminal or fatal, in which case they resolve the
// turn as failed.
func (c *Client) noteTurnError(method string, params json.RawMessage) {
	var parsed ErrorParams
	if err := json.Unmarshal(params, &parsed); err != nil {
		c.logger.Warn("app_server.read.invalid_json",
			zap.String("method", method), zap.Error(err))
		return
	}
	terminal := parsed.Terminal || parsed.Fatal

	c.logger.Warn("app_server.turn_error",
		zap.String("method", method),
		zap.String("thread_id", parsed.ThreadID),
		zap.String("turn_id", parsed.TurnID),
		zap.Int("code", parsed.Code),
		zap.Bool("terminal", terminal),
		zap.String("message", parsed.Message))

	ids := eventIDs{threadID: parsed.ThreadID, turnID: parsed.TurnID}

	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.resolveTargetLocked(method, ids, parsed.TurnID != "")
	if ts == nil || ts.terminal {
		return
	}
	ts.record(method, params)
	ts.errMsg = parsed.Message
	if parsed.Message != "" {
		ts.notices = append(ts.notices, parsed.Message)
	}
	if terminal {
		result := c.buildResultLocked(ts, TurnFailure, "error", parsed.Message)
		c.finishLocked(ts, result, nil)
	}
}

// applyTokenUsage updates the thread and turn token caches. The thread cache
// holds cumulative totals and is authoritative; attributing usage to a turn
// is best effort since not every backend includes a turnId.
func (c *Client) applyTokenUsage(method string, params json.RawMessage) {
	u := ParseTokenUsage(params)
	if u == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if u.ThreadID != "" && u.Total != nil {
		c.threadTokens.put(u.ThreadID, *u.Total)
	}

	attributed := u.Last
	if attributed == nil {
		attributed = u.Total
	}

	ids := eventIDs{threadID: u.ThreadID, turnID: u.TurnID}
	ts := c.resolveTargetLocked(method, ids, u.TurnID != "")
	if ts == nil || ts.terminal {
		return
	}
	ts.record(method, params)
	if attributed != nil {
		usage := *attributed
		ts.usage = &usage
		if ts.turnID != "" {
			c.turnTokens.put(ts.turnID, usage)
		}
	}
}

// noteOversize attributes a dropped oversized frame to its turn so the gap is
// visible in the transcript notices.
func (c *Client) noteOversize(params json.RawMessage) {
	var parsed OversizedMessageDroppedParams
	if err := json.Unmarshal(params, &parsed); err != nil {
		return
	}
	ids := eventIDs{threadID: parsed.ThreadID, turnID: parsed.TurnID}

	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.resolveTargetLocked(NotifyOversizedMessageDropped, ids, parsed.TurnID != "")
	if ts == nil || ts.terminal {
		return
	}
	ts.record(NotifyOversizedMessageDropped, params)
	ts.notices = append(ts.notices,
		fmt.Sprintf("oversized message dropped (%d bytes, method %q)",
			parsed.BytesDropped, parsed.InferredMethod))
}

// buildResultLocked snapshots the turn into its result. Caller holds the lock.
func (c *Client) buildResultLocked(ts *TurnState, status TurnStatus, rawStatus, errMsg string) *TurnResult {
	messages := make([]string, len(ts.messages))
	copy(messages, ts.messages)
	items := make([]Item, len(ts.items))
	copy(items, ts.items)
	notices := make([]string, len(ts.notices))
	copy(notices, ts.notices)

	final := ""
	if len(messages) > 0 {
		if c.opts.FinalMessages == FinalMessageAllAgentMessages {
			final = strings.Join(messages, "\n\n")
		} else {
			final = messages[len(messages)-1]
		}
	}

	var usage *TokenTotals
	if ts.usage != nil {
		u := *ts.usage
		usage = &u
	}

	return &TurnResult{
		ThreadID:      ts.threadID,
		TurnID:        ts.turnID,
		Status:        status,
		RawStatus:     rawStatus,
		FinalMessage:  final,
		AgentMessages: messages,
		Items:         items,
		Usage:         usage,
		ErrorMessage:  errMsg,
		Notices:       notices,
		Review:        ts.review,

		RecoveryAttempts: ts.recoveries,
	}
}

// decodeErrorMessage accepts the error field shapes turn payloads use: a bare
// string or an object with a message.
func decodeErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var shaped struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil {
		return shaped.Message
	}
	return ""
}

// TurnHandle is the caller's grip on one started turn.
type TurnHandle struct {
	c  *Client
	ts *TurnState
}

// ThreadID returns the thread the turn runs on.
func (h *TurnHandle) ThreadID() string { return h.ts.threadID }

// TurnID returns the turn id assigned by the server.
func (h *TurnHandle) TurnID() string { return h.ts.turnID }

// Done is closed when the turn reaches a terminal state.
func (h *TurnHandle) Done() <-chan struct{} { return h.ts.doneCh }

// Interrupt asks the agent to stop this turn. The terminal confirmation
// still arrives via turn/completed.
func (h *TurnHandle) Interrupt(ctx context.Context) error {
	return h.c.InterruptTurn(ctx, h.ts.threadID, h.ts.turnID)
}

// Result returns the outcome of a finished turn; both values are nil while
// the turn is still running.
func (h *TurnHandle) Result() (*TurnResult, error) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if !h.ts.terminal {
		return nil, nil
	}
	return h.ts.result, h.ts.err
}

// RawEvents returns the retained notifications for this turn.
func (h *TurnHandle) RawEvents() []RawEvent {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	out := make([]RawEvent, len(h.ts.rawEvents))
	copy(out, h.ts.rawEvents)
	return out
}

// Wait blocks until the turn is terminal, the turn timeout elapses, or ctx is
// cancelled. While blocked it watches for stalls and runs snapshot recovery.
// Timeout and cancellation leave the turn registered so the caller can
// interrupt it or wait again.
func (h *TurnHandle) Wait(ctx context.Context) (*TurnResult, error) {
	c := h.c

	var timeoutCh <-chan time.Time
	if c.opts.TurnTimeout > 0 {
		timer := time.NewTimer(c.opts.TurnTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	poll := time.NewTicker(c.opts.StallPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-h.ts.doneCh:
			c.releaseTurn(h.ts)
			return h.takeResult()
		case <-poll.C:
			c.checkStall(ctx, h.ts)
		case <-timeoutCh:
			return nil, &TimeoutError{Op: "turn", Timeout: c.opts.TurnTimeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *TurnHandle) takeResult() (*TurnResult, error) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.ts.err != nil {
		return nil, h.ts.err
	}
	return h.ts.result, nil
}
