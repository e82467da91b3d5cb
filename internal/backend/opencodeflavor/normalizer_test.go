package opencodeflavor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardev/car/internal/streams"
)

type collector struct {
	events []streams.RunEvent
}

func (c *collector) emit(ev streams.RunEvent) {
	c.events = append(c.events, ev)
}

func newTestNormalizer() (*normalizer, *collector) {
	col := &collector{}
	return newNormalizer("ses_1", "tu_1", col.emit), col
}

func messageUpdatedJSON(t *testing.T, id, role string, tokens map[string]any) json.RawMessage {
	t.Helper()
	info := map[string]any{"id": id, "sessionID": "ses_1", "role": role}
	if tokens != nil {
		info["tokens"] = tokens
	}
	data, err := json.Marshal(map[string]any{"info": info})
	require.NoError(t, err)
	return data
}

func partJSON(t *testing.T, part map[string]any, delta string) json.RawMessage {
	t.Helper()
	payload := map[string]any{"part": part}
	if delta != "" {
		payload["delta"] = delta
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return data
}

func TestTextPartsStreamOnlyNewSuffix(t *testing.T) {
	n, col := newTestNormalizer()

	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "Hello",
	}, ""))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "Hello, world",
	}, ""))
	// Same cumulative text again carries nothing new.
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "Hello, world",
	}, ""))

	require.Len(t, col.events, 2)
	assert.Equal(t, streams.EventTypeOutputDelta, col.events[0].Type)
	assert.Equal(t, streams.DeltaAssistantStream, col.events[0].DeltaType)
	assert.Equal(t, "Hello", col.events[0].Text)
	assert.Equal(t, ", world", col.events[1].Text)
	assert.Equal(t, "ses_1", col.events[0].ThreadID)
	assert.Equal(t, "tu_1", col.events[0].TurnID)
}

func TestDeltaOnlyCountsAsFirstChunk(t *testing.T) {
	n, col := newTestNormalizer()

	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
	}, "Hi"))
	// A resent delta with no cumulative text must not duplicate.
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
	}, "Hi"))

	require.Len(t, col.events, 1)
	assert.Equal(t, "Hi", col.events[0].Text)
}

func TestUserMessagePartsAreFiltered(t *testing.T) {
	n, col := newTestNormalizer()

	n.messageUpdated(messageUpdatedJSON(t, "msg_u", "user", nil))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_u", "type": "text", "messageID": "msg_u", "sessionID": "ses_1",
		"text": "the user's prompt",
	}, ""))

	assert.Empty(t, col.events, "user input must not echo back as agent output")
}

func TestReasoningEmitsFullBuffer(t *testing.T) {
	n, col := newTestNormalizer()

	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_r", "type": "reasoning", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "Thinking about",
	}, ""))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_r", "type": "reasoning", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "Thinking about the plan",
	}, ""))

	require.Len(t, col.events, 2)
	for _, ev := range col.events {
		assert.Equal(t, streams.EventTypeNotice, ev.Type)
		assert.Equal(t, streams.NoticeKindThinking, ev.NoticeKind)
	}
	assert.Equal(t, "Thinking about", col.events[0].Message)
	assert.Equal(t, "Thinking about the plan", col.events[1].Message)
}

func TestToolStatusTransitions(t *testing.T) {
	n, col := newTestNormalizer()

	toolPart := func(status, errMsg string) json.RawMessage {
		state := map[string]any{"status": status, "input": map[string]any{"command": "ls"}}
		if errMsg != "" {
			state["error"] = errMsg
		}
		return partJSON(t, map[string]any{
			"id": "prt_t", "type": "tool", "messageID": "msg_1", "sessionID": "ses_1",
			"callID": "call_1", "tool": "bash", "state": state,
		}, "")
	}

	n.partUpdated(toolPart("pending", ""))
	n.partUpdated(toolPart("running", ""))
	n.partUpdated(toolPart("completed", ""))
	n.partUpdated(toolPart("completed", ""))

	require.Len(t, col.events, 2, "pending and running fold into one started")
	assert.Equal(t, "started", col.events[0].ToolStatus)
	assert.Equal(t, "bash", col.events[0].ToolName)
	assert.Equal(t, "call_1", col.events[0].ToolCallID)
	assert.Equal(t, "ls", col.events[0].ToolInput["command"])
	assert.Equal(t, "completed", col.events[1].ToolStatus)
}

func TestToolErrorCarriesMessage(t *testing.T) {
	n, col := newTestNormalizer()

	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_t", "type": "tool", "messageID": "msg_1", "sessionID": "ses_1",
		"callID": "call_1", "tool": "bash",
		"state": map[string]any{"status": "error", "error": "command not found"},
	}, ""))

	require.Len(t, col.events, 1)
	assert.Equal(t, "error", col.events[0].ToolStatus)
	assert.Equal(t, "command not found", col.events[0].ToolInput["error"])
}

func TestTokenAccounting(t *testing.T) {
	n, col := newTestNormalizer()

	n.messageUpdated(messageUpdatedJSON(t, "msg_1", "assistant", map[string]any{
		"input":  120,
		"output": 30,
		"cache":  map[string]any{"read": 50},
	}))

	require.Len(t, col.events, 1)
	ev := col.events[0]
	assert.Equal(t, streams.EventTypeTokenUsage, ev.Type)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(120), ev.Usage.InputTokens)
	assert.Equal(t, int64(50), ev.Usage.CachedInputTokens)
	assert.Equal(t, int64(30), ev.Usage.OutputTokens)
	assert.Equal(t, int64(200), ev.Usage.TotalTokens)

	totals := n.usageTotals()
	require.NotNil(t, totals)
	assert.Equal(t, int64(200), totals.TotalTokens)
}

func TestFinalMessageJoinsLastAssistantParts(t *testing.T) {
	n, _ := newTestNormalizer()

	n.messageUpdated(messageUpdatedJSON(t, "msg_1", "assistant", nil))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "First block",
	}, ""))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_2", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "Second block",
	}, ""))

	assert.Equal(t, "First block\n\nSecond block", n.finalMessage())
}

func TestFinalMessageTracksLatestAssistantMessage(t *testing.T) {
	n, _ := newTestNormalizer()

	n.messageUpdated(messageUpdatedJSON(t, "msg_1", "assistant", nil))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "working on it",
	}, ""))
	n.messageUpdated(messageUpdatedJSON(t, "msg_2", "assistant", nil))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_2", "type": "text", "messageID": "msg_2", "sessionID": "ses_1",
		"text": "done",
	}, ""))

	assert.Equal(t, "done", n.finalMessage())
}

func TestFinalMessageWithoutRoleInfo(t *testing.T) {
	n, _ := newTestNormalizer()

	// No message.updated arrived; the part's message still counts.
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_1", "type": "text", "messageID": "msg_1", "sessionID": "ses_1",
		"text": "orphan text",
	}, ""))

	assert.Equal(t, "orphan text", n.finalMessage())
}

func TestMalformedPayloadsIgnored(t *testing.T) {
	n, col := newTestNormalizer()

	n.messageUpdated(json.RawMessage(`not json`))
	n.partUpdated(json.RawMessage(`{"part": 42}`))
	n.partUpdated(partJSON(t, map[string]any{
		"id": "prt_t", "type": "tool", "messageID": "msg_1", "sessionID": "ses_1",
	}, ""))

	assert.Empty(t, col.events)
	assert.Empty(t, n.finalMessage())
	assert.Nil(t, n.usageTotals())
}
