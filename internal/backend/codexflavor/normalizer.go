package codexflavor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cardev/car/internal/backend"
	"github.com/cardev/car/internal/streams"
	"github.com/cardev/car/internal/tracing"
	"github.com/cardev/car/pkg/appserver"
)

// normalizer folds one turn's raw app-server notifications into canonical
// RunEvents. It runs on the client's read loop, so handle must never block.
//
// Agent message deltas accumulate silently and surface as one assistant
// event when their item completes; live streaming text rides turn/streamDelta
// instead. Reasoning deltas surface the whole buffer each time so consumers
// can re-render "thinking" in place.
type normalizer struct {
	traceCtx context.Context // turn span context for child-span linking
	threadID string
	turnID   string
	emit     backend.Emit

	deltas    map[string]string
	reasoning map[string]string
	lastMsg   string
}

func newNormalizer(ctx context.Context, threadID string, emit backend.Emit) *normalizer {
	return &normalizer{
		traceCtx:  ctx,
		threadID:  threadID,
		emit:      emit,
		deltas:    make(map[string]string),
		reasoning: make(map[string]string),
	}
}

func (n *normalizer) event(eventType string) streams.RunEvent {
	ev := streams.NewEvent(eventType)
	ev.ThreadID = n.threadID
	ev.TurnID = n.turnID
	return ev
}

// handle processes one notification in wire order. When protocol tracing is
// on, the produced events are captured alongside the raw payload. The
// router's mutex serializes handle calls; the temporary emit swap relies on
// that.
func (n *normalizer) handle(method string, params json.RawMessage) {
	if !tracing.ProtocolEnabled() {
		n.process(method, params)
		return
	}

	emit := n.emit
	var produced []streams.RunEvent
	n.emit = func(ev streams.RunEvent) {
		produced = append(produced, ev)
		emit(ev)
	}
	n.process(method, params)
	n.emit = emit

	tracing.TraceNotification(n.traceCtx, tracing.ProtocolAppServer, method,
		n.threadID, n.turnID, params, produced)
}

func (n *normalizer) process(method string, params json.RawMessage) {
	switch method {
	case appserver.NotifyItemAgentMessageDelta:
		var p appserver.AgentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
			return
		}
		n.deltas[p.ItemID] += p.Delta

	case appserver.NotifyItemReasoningSummaryDelta:
		var p appserver.ReasoningDeltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
			return
		}
		n.reasoning[p.ItemID] += p.Delta
		ev := n.event(streams.EventTypeNotice)
		ev.NoticeKind = streams.NoticeKindThinking
		ev.Message = n.reasoning[p.ItemID]
		n.emit(ev)

	case appserver.NotifyItemReasoningPartAdded:
		var p appserver.ReasoningDeltaParams
		if err := json.Unmarshal(params, &p); err != nil || p.ItemID == "" {
			return
		}
		if n.reasoning[p.ItemID] != "" {
			n.reasoning[p.ItemID] += "\n\n"
		}

	case appserver.NotifyItemToolCallStart:
		var p appserver.ToolCallParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		ev := n.event(streams.EventTypeToolCall)
		ev.ToolCallID = p.ItemID
		ev.ToolName = firstNonEmpty(p.Name, p.Tool)
		ev.ToolStatus = "started"
		ev.ToolInput = decodeToolInput(p.Input, p.Arguments)
		n.emit(ev)

	case appserver.NotifyItemToolCallEnd:
		// Terminal tool state arrives via item/completed.

	case appserver.NotifyItemCompleted:
		var p appserver.ItemCompletedParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
			return
		}
		n.itemCompleted(p.Item)

	case appserver.NotifyTurnStreamDelta,
		appserver.NotifyItemCmdExecOutputDelta,
		appserver.NotifyItemFileChangeOutputDelta:
		var p appserver.StreamDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		text := firstNonEmpty(p.Delta, p.Text)
		if text == "" {
			return
		}
		ev := n.event(streams.EventTypeOutputDelta)
		ev.Text = text
		ev.DeltaType = streams.DeltaAssistantStream
		if strings.Contains(method, "commandExecution") || strings.Contains(method, "fileChange") {
			ev.DeltaType = streams.DeltaLogLine
		}
		n.emit(ev)

	case appserver.NotifyThreadTokenUsageUpdated,
		appserver.NotifyTurnTokenUsage,
		appserver.NotifyTurnUsage:
		u := appserver.ParseTokenUsage(params)
		if u == nil {
			return
		}
		ev := n.event(streams.EventTypeTokenUsage)
		ev.Usage = convertTotals(u.Total)
		ev.LastUsage = convertTotals(u.Last)
		n.emit(ev)

	case appserver.NotifyOversizedMessageDropped:
		var p appserver.OversizedMessageDroppedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		ev := n.event(streams.EventTypeNotice)
		ev.NoticeKind = streams.NoticeKindOversize
		ev.Message = fmt.Sprintf("oversized message dropped: %d bytes over the %d byte limit", p.BytesDropped, p.ByteLimit)
		if p.InferredMethod != "" {
			ev.Message += " (method " + p.InferredMethod + ")"
		}
		n.emit(ev)
	}
}

// itemCompleted finalizes one item. Assistant messages pop their delta
// accumulator and dedup against the previous message; reasoning buffers are
// dropped; executable items surface as completed tool calls.
func (n *normalizer) itemCompleted(item *appserver.Item) {
	switch item.Type {
	case appserver.ItemAgentMessage:
		text := item.Text
		if text == "" {
			text = n.deltas[item.ID]
		}
		delete(n.deltas, item.ID)
		if text == "" || text == n.lastMsg {
			return
		}
		n.lastMsg = text
		ev := n.event(streams.EventTypeOutputDelta)
		ev.Text = text
		ev.DeltaType = streams.DeltaAssistantStream
		n.emit(ev)

	case appserver.ItemUserMessage:
		if item.Text == "" {
			return
		}
		ev := n.event(streams.EventTypeOutputDelta)
		ev.Text = item.Text
		ev.DeltaType = streams.DeltaUserMessage
		n.emit(ev)

	case appserver.ItemReasoning:
		delete(n.reasoning, item.ID)

	case appserver.ItemCommandExecution, appserver.ItemFileChange,
		appserver.ItemTool, appserver.ItemMcpToolCall:
		ev := n.event(streams.EventTypeToolCall)
		ev.ToolCallID = item.ID
		ev.ToolName = normalizedToolName(item)
		ev.ToolStatus = "completed"
		ev.ToolInput = toolInputForItem(item)
		n.emit(ev)
	}
}

// normalizedToolName maps item types to the canonical tool vocabulary; named
// tools keep their own name.
func normalizedToolName(item *appserver.Item) string {
	switch item.Type {
	case appserver.ItemCommandExecution:
		return "command_execution"
	case appserver.ItemFileChange:
		return "file_change"
	default:
		return firstNonEmpty(item.Name, item.Tool, item.Type)
	}
}

// toolInputForItem builds the display input for a completed item.
func toolInputForItem(item *appserver.Item) map[string]interface{} {
	switch item.Type {
	case appserver.ItemCommandExecution:
		input := map[string]interface{}{"command": item.Command}
		if item.Cwd != "" {
			input["cwd"] = item.Cwd
		}
		if item.ExitCode != nil {
			input["exit_code"] = *item.ExitCode
		}
		return input
	case appserver.ItemFileChange:
		paths := make([]interface{}, 0, len(item.Changes))
		for _, change := range item.Changes {
			paths = append(paths, change.Path)
		}
		return map[string]interface{}{"paths": paths}
	default:
		return decodeToolInput(item.Input, item.Arguments)
	}
}

func decodeToolInput(candidates ...json.RawMessage) map[string]interface{} {
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var input map[string]interface{}
		if err := json.Unmarshal(raw, &input); err == nil {
			return input
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// convertTotals maps wire token counts into the canonical schema.
func convertTotals(t *appserver.TokenTotals) *streams.TokenTotals {
	if t == nil {
		return nil
	}
	return &streams.TokenTotals{
		InputTokens:           t.InputTokens,
		CachedInputTokens:     t.CachedInputTokens,
		OutputTokens:          t.OutputTokens,
		ReasoningOutputTokens: t.ReasoningOutputTokens,
		TotalTokens:           t.TotalTokens,
	}
}
