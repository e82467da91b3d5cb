package opencodeflavor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cardev/car/internal/backend"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/tracing"
	"github.com/cardev/car/pkg/opencode"
)

// normalizer folds one turn's SDK events into canonical RunEvents.
//
// Text and reasoning parts arrive with cumulative text; the normalizer
// streams only the new suffix of each update, which also dedups servers
// that resend the same delta. User-message parts are filtered out by role
// so prompts never echo back as agent output. It is written from the event
// goroutine and read from the turn's control loop, hence the mutex.
type normalizer struct {
	threadID string
	turnID   string
	emit     backend.Emit

	mu            sync.Mutex
	roles         map[string]string   // messageID -> role
	partText      map[string]string   // partID -> cumulative text
	textOrder     map[string][]string // messageID -> text part order
	toolStatus    map[string]string   // callID -> last emitted status
	lastAssistant string
	lastTextMsg   string
	usage         *streams.TokenTotals
}

func newNormalizer(threadID, turnID string, emit backend.Emit) *normalizer {
	return &normalizer{
		threadID:   threadID,
		turnID:     turnID,
		emit:       emit,
		roles:      make(map[string]string),
		partText:   make(map[string]string),
		textOrder:  make(map[string][]string),
		toolStatus: make(map[string]string),
	}
}

func (n *normalizer) event(eventType string) streams.RunEvent {
	ev := streams.NewEvent(eventType)
	ev.ThreadID = n.threadID
	ev.TurnID = n.turnID
	return ev
}

// handle routes one SDK event into the normalizer, capturing the produced
// events alongside the raw payload when protocol tracing is on. Only the
// client's event goroutine calls it, which is what makes the emit swap safe.
func (n *normalizer) handle(ctx context.Context, eventType string, props json.RawMessage) {
	if !tracing.ProtocolEnabled() {
		n.process(eventType, props)
		return
	}

	emit := n.emit
	var produced []streams.RunEvent
	n.emit = func(ev streams.RunEvent) {
		produced = append(produced, ev)
		emit(ev)
	}
	n.process(eventType, props)
	n.emit = emit

	tracing.TraceNotification(ctx, tracing.ProtocolOpencode, eventType,
		n.threadID, n.turnID, props, produced)
}

func (n *normalizer) process(eventType string, props json.RawMessage) {
	switch eventType {
	case opencode.EventMessageUpdated:
		n.messageUpdated(props)
	case opencode.EventMessagePartUpdated:
		n.partUpdated(props)
	}
}

// messageUpdated records message roles and surfaces token accounting.
func (n *normalizer) messageUpdated(props json.RawMessage) {
	parsed, err := opencode.ParseMessageUpdated(props)
	if err != nil {
		return
	}
	info := parsed.Info

	n.mu.Lock()
	if info.ID != "" && info.Role != "" {
		n.roles[info.ID] = info.Role
		if info.Role == "assistant" {
			n.lastAssistant = info.ID
		}
	}

	var totals *streams.TokenTotals
	if info.Tokens != nil {
		cached := int64(0)
		if info.Tokens.Cache != nil {
			cached = int64(info.Tokens.Cache.Read)
		}
		totals = &streams.TokenTotals{
			InputTokens:       int64(info.Tokens.Input),
			CachedInputTokens: cached,
			OutputTokens:      int64(info.Tokens.Output),
			TotalTokens:       int64(info.Tokens.Input) + int64(info.Tokens.Output) + cached,
		}
		n.usage = totals
	}
	n.mu.Unlock()

	if totals != nil {
		ev := n.event(streams.EventTypeTokenUsage)
		usage := *totals
		ev.Usage = &usage
		n.emit(ev)
	}
}

// partUpdated handles streamed text, reasoning, and tool state.
func (n *normalizer) partUpdated(props json.RawMessage) {
	parsed, err := opencode.ParseMessagePartUpdated(props)
	if err != nil {
		return
	}
	part := parsed.Part

	if part.MessageID != "" {
		n.mu.Lock()
		role := n.roles[part.MessageID]
		n.mu.Unlock()
		if role == "user" {
			return
		}
	}

	switch part.Type {
	case opencode.PartTypeText:
		if _, fresh := n.advanceText(&part, parsed.Delta, true); fresh != "" {
			ev := n.event(streams.EventTypeOutputDelta)
			ev.Text = fresh
			ev.DeltaType = streams.DeltaAssistantStream
			n.emit(ev)
		}

	case opencode.PartTypeReasoning:
		if full, fresh := n.advanceText(&part, parsed.Delta, false); fresh != "" {
			ev := n.event(streams.EventTypeNotice)
			ev.NoticeKind = streams.NoticeKindThinking
			ev.Message = full
			n.emit(ev)
		}

	case opencode.PartTypeTool:
		n.toolUpdated(&part)
	}
}

// advanceText tracks a part's cumulative text and returns the full buffer
// plus the suffix not yet streamed. Cumulative text wins over deltas; a
// delta only counts as the first chunk when no cumulative text has been
// seen, so resent deltas never duplicate output.
func (n *normalizer) advanceText(part *opencode.Part, delta string, trackFinal bool) (full, fresh string) {
	partID := part.ID
	if partID == "" {
		partID = part.MessageID + ":" + part.Type
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	cumulative := n.partText[partID]
	switch {
	case part.Text != "":
		if len(part.Text) > len(cumulative) {
			fresh = part.Text[len(cumulative):]
			cumulative = part.Text
		}
	case delta != "" && cumulative == "":
		fresh = delta
		cumulative = delta
	}
	n.partText[partID] = cumulative

	if trackFinal && part.MessageID != "" {
		seen := false
		for _, id := range n.textOrder[part.MessageID] {
			if id == partID {
				seen = true
				break
			}
		}
		if !seen {
			n.textOrder[part.MessageID] = append(n.textOrder[part.MessageID], partID)
		}
		n.lastTextMsg = part.MessageID
	}
	return cumulative, fresh
}

// toolUpdated emits a ToolCall on each status transition. Repeated updates
// at the same status carry no news and are dropped.
func (n *normalizer) toolUpdated(part *opencode.Part) {
	if part.State == nil {
		return
	}

	callID := part.CallID
	if callID == "" {
		callID = part.ID
	}

	status := ""
	switch part.State.Status {
	case opencode.ToolStatusPending, opencode.ToolStatusRunning:
		status = "started"
	case opencode.ToolStatusCompleted:
		status = "completed"
	case opencode.ToolStatusError:
		status = "error"
	default:
		status = part.State.Status
	}

	n.mu.Lock()
	if n.toolStatus[callID] == status {
		n.mu.Unlock()
		return
	}
	n.toolStatus[callID] = status
	n.mu.Unlock()

	ev := n.event(streams.EventTypeToolCall)
	ev.ToolCallID = callID
	ev.ToolName = part.Tool
	ev.ToolStatus = status
	if len(part.State.Input) > 0 {
		var input map[string]interface{}
		if err := json.Unmarshal(part.State.Input, &input); err == nil {
			ev.ToolInput = input
		}
	}
	if part.State.Error != "" {
		if ev.ToolInput == nil {
			ev.ToolInput = make(map[string]interface{})
		}
		ev.ToolInput["error"] = part.State.Error
	}
	n.emit(ev)
}

// finalMessage joins the last assistant message's text parts.
func (n *normalizer) finalMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	msgID := n.lastAssistant
	if msgID == "" {
		msgID = n.lastTextMsg
	}
	if msgID == "" {
		return ""
	}

	var sections []string
	for _, partID := range n.textOrder[msgID] {
		if text := n.partText[partID]; text != "" {
			sections = append(sections, text)
		}
	}
	if len(sections) == 0 {
		return ""
	}
	joined := sections[0]
	for _, s := range sections[1:] {
		joined += "\n\n" + s
	}
	return joined
}

// usageTotals returns a copy of the latest token accounting, nil when none
// was reported.
func (n *normalizer) usageTotals() *streams.TokenTotals {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.usage == nil {
		return nil
	}
	totals := *n.usage
	return &totals
}
