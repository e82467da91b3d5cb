package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestTurn drives turn/start from both sides: the client call runs in a
// goroutine while the test answers as the agent.
func startTestTurn(t *testing.T, agent *fakeAgent, client *Client, threadID, turnID string) *TurnHandle {
	t.Helper()

	type outcome struct {
		handle *TurnHandle
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		handle, err := client.StartTurn(context.Background(), TurnStartParams{
			ThreadID: threadID,
			Input:    []UserInput{{Type: "text", Text: "run the task"}},
		})
		done <- outcome{handle, err}
	}()

	msg := agent.expect(MethodTurnStart)
	agent.respond(msg.ID, map[string]any{"turn": map[string]any{"id": turnID}})

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, turnID, out.handle.TurnID())
	return out.handle
}

func waitTurn(t *testing.T, handle *TurnHandle) *TurnResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestTurnLifecycle(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.notify(NotifyTurnStarted, map[string]any{"threadId": "th_1", "turnId": "tu_1"})
	agent.notify(NotifyItemAgentMessageDelta, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "itemId": "item_1", "delta": "Hello",
	})
	agent.notify(NotifyItemCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1",
		"item": map[string]any{"id": "item_1", "type": ItemAgentMessage, "text": "Hello world"},
	})
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnSuccess, result.Status)
	assert.Equal(t, "completed", result.RawStatus)
	assert.Equal(t, "Hello world", result.FinalMessage)
	assert.Equal(t, []string{"Hello world"}, result.AgentMessages)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "item_1", result.Items[0].ID)
	assert.Equal(t, "th_1", result.ThreadID)
	assert.False(t, result.Review)
}

func TestTurnNotificationsBeforeStartResponse(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})

	type outcome struct {
		handle *TurnHandle
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		handle, err := client.StartTurn(context.Background(), TurnStartParams{
			ThreadID: "th_1",
			Input:    []UserInput{{Type: "text", Text: "quick one"}},
		})
		done <- outcome{handle, err}
	}()

	msg := agent.expect(MethodTurnStart)

	// The whole turn races ahead of the turn/start response.
	agent.notify(NotifyItemCompleted, map[string]any{
		"turnId": "tu_fast",
		"item":   map[string]any{"id": "item_1", "type": ItemAgentMessage, "text": "done already"},
	})
	agent.notify(NotifyTurnCompleted, map[string]any{"turnId": "tu_fast", "status": "completed"})
	agent.respond(msg.ID, map[string]any{"turn": map[string]any{"id": "tu_fast"}})

	out := <-done
	require.NoError(t, out.err)

	result := waitTurn(t, out.handle)
	assert.Equal(t, TurnSuccess, result.Status)
	assert.Equal(t, []string{"done already"}, result.AgentMessages)
	assert.Equal(t, "th_1", result.ThreadID, "merged state adopts the registered thread")
}

func TestTurnDedupsAdjacentAgentMessages(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	for _, text := range []string{"same", "same", "different", "different", "same"} {
		agent.notify(NotifyItemCompleted, map[string]any{
			"threadId": "th_1", "turnId": "tu_1",
			"item": map[string]any{"type": ItemAgentMessage, "text": text},
		})
	}
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})

	result := waitTurn(t, handle)
	assert.Equal(t, []string{"same", "different", "same"}, result.AgentMessages)
	assert.Equal(t, "same", result.FinalMessage)
}

func TestTurnFinalMessagePolicyJoinsAll(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{
		FinalMessages: FinalMessageAllAgentMessages,
	})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	for _, text := range []string{"first", "second"} {
		agent.notify(NotifyItemCompleted, map[string]any{
			"threadId": "th_1", "turnId": "tu_1",
			"item": map[string]any{"type": ItemAgentMessage, "text": text},
		})
	}
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})

	result := waitTurn(t, handle)
	assert.Equal(t, "first\n\nsecond", result.FinalMessage)
}

func TestTurnStatusMapping(t *testing.T) {
	cases := []struct {
		raw  string
		want TurnStatus
	}{
		{"completed", TurnSuccess},
		{"done", TurnSuccess},
		{"succeeded", TurnSuccess},
		{"failed", TurnFailure},
		{"error", TurnFailure},
		{"errored", TurnFailure},
		{"cancelled", TurnFailure},
		{"interrupted", TurnFailure},
		{"stopped", TurnFailure},
		{"exploded", TurnUnknown},
		{"", TurnUnknown},
	}
	for i, tc := range cases {
		name := tc.raw
		if name == "" {
			name = "missing status"
		}
		t.Run(name, func(t *testing.T) {
			agent, client := startFakeAgent(t, ClientOptions{})
			turnID := fmt.Sprintf("tu_%d", i)
			handle := startTestTurn(t, agent, client, "th_1", turnID)

			agent.notify(NotifyTurnCompleted, map[string]any{
				"threadId": "th_1", "turnId": turnID, "status": tc.raw,
			})

			result := waitTurn(t, handle)
			assert.Equal(t, tc.want, result.Status)
			assert.Equal(t, tc.raw, result.RawStatus)
		})
	}
}

func TestTurnSuccessFlagOverridesStatus(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "success": true,
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnSuccess, result.Status)
}

func TestTurnCompletedNestedStatusAndItems(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1",
		"turn": map[string]any{
			"id":     "tu_1",
			"status": "completed",
			"items": []map[string]any{
				{"id": "item_1", "type": ItemAgentMessage, "text": "from the snapshot"},
			},
		},
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnSuccess, result.Status)
	assert.Equal(t, []string{"from the snapshot"}, result.AgentMessages)
}

func TestTurnErrorTerminalResolvesFailure(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.notify(NotifyTurnError, map[string]any{
		"threadId": "th_1", "turnId": "tu_1",
		"message": "model quota exhausted", "terminal": true,
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnFailure, result.Status)
	assert.Equal(t, "model quota exhausted", result.ErrorMessage)
}

func TestTurnErrorNoticeIsNotTerminal(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.notify(NotifyTurnError, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "message": "retrying upstream call",
	})
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnSuccess, result.Status, "a non-terminal error must not end the turn")
	assert.Contains(t, result.Notices, "retrying upstream call")
	assert.Equal(t, "retrying upstream call", result.ErrorMessage)
}

func TestDuplicateTurnCompletedIgnored(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "failed",
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnSuccess, result.Status, "the first terminal state wins")
}

func TestInterruptRoundTrip(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	interruptErr := make(chan error, 1)
	go func() {
		interruptErr <- handle.Interrupt(context.Background())
	}()

	msg := agent.expect(MethodTurnInterrupt)
	var params TurnInterruptParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, "th_1", params.ThreadID)
	assert.Equal(t, "tu_1", params.TurnID)
	agent.respond(msg.ID, map[string]any{})
	require.NoError(t, <-interruptErr)

	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "interrupted",
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnFailure, result.Status)
	assert.Equal(t, "interrupted", result.RawStatus)
}

func TestTurnTokenUsageCaches(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.notify(NotifyTurnTokenUsage, map[string]any{
		"threadId": "th_1", "turnId": "tu_1",
		"tokenUsage": map[string]any{
			"total": map[string]any{"inputTokens": 900, "outputTokens": 100, "totalTokens": 1000},
			"last":  map[string]any{"inputTokens": 90, "outputTokens": 10, "totalTokens": 100},
		},
	})
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})

	result := waitTurn(t, handle)
	require.NotNil(t, result.Usage)
	assert.Equal(t, int64(100), result.Usage.TotalTokens, "turns carry last-cycle usage")

	threadTotals, ok := client.ThreadTokenUsage("th_1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), threadTotals.TotalTokens)

	turnTotals, ok := client.TurnTokenUsage("tu_1")
	require.True(t, ok)
	assert.Equal(t, int64(100), turnTotals.TotalTokens)
}

func TestThreadlessNotificationRouting(t *testing.T) {
	t.Run("unique open turn receives it", func(t *testing.T) {
		agent, client := startFakeAgent(t, ClientOptions{})
		handle := startTestTurn(t, agent, client, "th_1", "tu_1")

		agent.notify(NotifyItemCompleted, map[string]any{
			"item": map[string]any{"type": ItemAgentMessage, "text": "found you"},
		})
		agent.notify(NotifyTurnCompleted, map[string]any{
			"threadId": "th_1", "turnId": "tu_1", "status": "completed",
		})

		result := waitTurn(t, handle)
		assert.Equal(t, []string{"found you"}, result.AgentMessages)
	})

	t.Run("ambiguous match is dropped", func(t *testing.T) {
		agent, client := startFakeAgent(t, ClientOptions{})
		handleA := startTestTurn(t, agent, client, "th_a", "tu_a")
		handleB := startTestTurn(t, agent, client, "th_b", "tu_b")

		agent.notify(NotifyItemCompleted, map[string]any{
			"item": map[string]any{"type": ItemAgentMessage, "text": "orphan"},
		})
		agent.notify(NotifyTurnCompleted, map[string]any{
			"threadId": "th_a", "turnId": "tu_a", "status": "completed",
		})
		agent.notify(NotifyTurnCompleted, map[string]any{
			"threadId": "th_b", "turnId": "tu_b", "status": "completed",
		})

		resultA := waitTurn(t, handleA)
		resultB := waitTurn(t, handleB)
		assert.NotContains(t, resultA.AgentMessages, "orphan")
		assert.NotContains(t, resultB.AgentMessages, "orphan")
	})
}

func TestTurnRawEventRingIsBounded(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	for i := 0; i < maxTurnRawEvents+20; i++ {
		agent.notify(NotifyItemAgentMessageDelta, map[string]any{
			"threadId": "th_1", "turnId": "tu_1", "delta": fmt.Sprintf("chunk %d", i),
		})
	}
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})

	waitTurn(t, handle)
	events := handle.RawEvents()
	assert.Len(t, events, maxTurnRawEvents)
	assert.Equal(t, NotifyTurnCompleted, events[len(events)-1].Method,
		"the ring keeps the most recent events")
}

func TestWaitTimeoutLeavesTurnOpen(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{TurnTimeout: 50 * time.Millisecond})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	_, err := handle.Wait(context.Background())
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	// The turn is still registered; a late completion resolves it.
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_1", "status": "completed",
	})

	result := waitTurn(t, handle)
	assert.Equal(t, TurnSuccess, result.Status)
}

func TestDisconnectRejectsOpenTurns(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})
	handle := startTestTurn(t, agent, client, "th_1", "tu_1")

	agent.disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := handle.Wait(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestReviewTurnFlagged(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})

	type outcome struct {
		handle *TurnHandle
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		handle, err := client.StartReview(context.Background(), ReviewStartParams{
			ThreadID: "th_1",
			Target:   map[string]any{"type": "uncommittedChanges"},
		})
		done <- outcome{handle, err}
	}()

	msg := agent.expect(MethodReviewStart)
	agent.respond(msg.ID, map[string]any{"turn": map[string]any{"id": "tu_review"}})
	out := <-done
	require.NoError(t, out.err)

	agent.notify(NotifyItemCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_review",
		"item": map[string]any{"type": ItemAgentMessage, "text": "looks good overall"},
	})
	agent.notify(NotifyTurnCompleted, map[string]any{
		"threadId": "th_1", "turnId": "tu_review", "status": "completed",
	})

	result := waitTurn(t, out.handle)
	assert.True(t, result.Review)
	assert.Equal(t, "looks good overall", result.FinalMessage)
}
