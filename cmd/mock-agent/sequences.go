package main

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/cardev/car/pkg/appserver"
)

// delayRange returns min/max emission spacing in milliseconds by model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 1, 5
	case "mock-slow":
		return 200, 800
	default:
		return 10, 40
	}
}

// randomDelay sleeps for a random duration within the model's delay range.
func randomDelay(model string) {
	lo, hi := delayRange(model)
	ms := lo + rand.Intn(hi-lo+1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func (a *agent) pace() {
	randomDelay(a.opts.Model)
}

// --- Atomic emitters. Each notification carries thread and turn ids so the
// client can route it without ambiguity; completed items are recorded on the
// turn for resume snapshots. ---

func (a *agent) turnStarted(t *mockTurn) {
	a.notify(appserver.NotifyTurnStarted, map[string]string{
		"threadId": t.threadID,
		"turnId":   t.id,
	})
}

func (a *agent) agentDelta(t *mockTurn, itemID, delta string) {
	a.notify(appserver.NotifyItemAgentMessageDelta, appserver.AgentMessageDeltaParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		ItemID:   itemID,
		Delta:    delta,
	})
}

func (a *agent) completeAgentMessage(t *mockTurn, itemID, text string) {
	item := appserver.Item{ID: itemID, Type: appserver.ItemAgentMessage, Text: text}
	t.items = append(t.items, item)
	a.notify(appserver.NotifyItemCompleted, appserver.ItemCompletedParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Item:     &item,
	})
}

func (a *agent) reasoningPart(t *mockTurn, itemID string) {
	a.notify(appserver.NotifyItemReasoningPartAdded, appserver.ReasoningDeltaParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		ItemID:   itemID,
	})
}

func (a *agent) reasoningDelta(t *mockTurn, itemID, delta string) {
	a.notify(appserver.NotifyItemReasoningSummaryDelta, appserver.ReasoningDeltaParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		ItemID:   itemID,
		Delta:    delta,
	})
}

func (a *agent) completeReasoning(t *mockTurn, itemID, summary string) {
	item := appserver.Item{ID: itemID, Type: appserver.ItemReasoning, Text: summary}
	t.items = append(t.items, item)
	a.notify(appserver.NotifyItemCompleted, appserver.ItemCompletedParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Item:     &item,
	})
}

func (a *agent) commandOutputDelta(t *mockTurn, itemID, delta string) {
	a.notify(appserver.NotifyItemCmdExecOutputDelta, appserver.StreamDeltaParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		ItemID:   itemID,
		Delta:    delta,
	})
}

func (a *agent) completeCommand(t *mockTurn, itemID, command, output, status string, exitCode int) {
	item := appserver.Item{
		ID:               itemID,
		Type:             appserver.ItemCommandExecution,
		Status:           status,
		Command:          command,
		AggregatedOutput: output,
		ExitCode:         &exitCode,
	}
	t.items = append(t.items, item)
	a.notify(appserver.NotifyItemCompleted, appserver.ItemCompletedParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Item:     &item,
	})
}

func (a *agent) completeFileChange(t *mockTurn, itemID, path, diff, status string) {
	item := appserver.Item{
		ID:      itemID,
		Type:    appserver.ItemFileChange,
		Status:  status,
		Changes: []appserver.FileChange{{Path: path, Diff: diff}},
	}
	t.items = append(t.items, item)
	a.notify(appserver.NotifyItemCompleted, appserver.ItemCompletedParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Item:     &item,
	})
}

func (a *agent) toolCallStart(t *mockTurn, itemID, name string, input map[string]any) {
	var raw []byte
	if input != nil {
		raw = mustMarshal(input)
	}
	a.notify(appserver.NotifyItemToolCallStart, appserver.ToolCallParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		ItemID:   itemID,
		Name:     name,
		Input:    raw,
	})
}

func (a *agent) completeTool(t *mockTurn, itemID, name string, input map[string]any) {
	item := appserver.Item{
		ID:     itemID,
		Type:   appserver.ItemTool,
		Name:   name,
		Status: "completed",
	}
	if input != nil {
		item.Input = mustMarshal(input)
	}
	t.items = append(t.items, item)
	a.notify(appserver.NotifyItemCompleted, appserver.ItemCompletedParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Item:     &item,
	})
}

func (a *agent) tokenUsage(t *mockTurn, total, last appserver.TokenTotals) {
	a.notify(appserver.NotifyTurnTokenUsage, map[string]any{
		"threadId": t.threadID,
		"turnId":   t.id,
		"tokenUsage": map[string]appserver.TokenTotals{
			"total": total,
			"last":  last,
		},
	})
}

// completeTurn records the terminal status and announces it.
func (a *agent) completeTurn(t *mockTurn, status string) {
	if !t.open() {
		return
	}
	t.status = status
	a.notify(appserver.NotifyTurnCompleted, appserver.TurnCompletedParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Status:   status,
	})
}

// failTurn ends the turn through a terminal turn/error.
func (a *agent) failTurn(t *mockTurn, message string) {
	if !t.open() {
		return
	}
	t.status = "failed"
	a.notify(appserver.NotifyTurnError, appserver.ErrorParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Message:  message,
		Terminal: true,
	})
}

// noticeError emits a non-terminal error notification.
func (a *agent) noticeError(t *mockTurn, message string) {
	a.notify(appserver.NotifyError, appserver.ErrorParams{
		ThreadID: t.threadID,
		TurnID:   t.id,
		Message:  message,
	})
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
