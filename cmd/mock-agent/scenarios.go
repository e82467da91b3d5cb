package main

import (
	"fmt"
	"strings"

	"github.com/cardev/car/pkg/appserver"
)

// Scenario names, selectable by prompt text, --scenario, or
// CAR_MOCK_SCENARIO.
const (
	ScenarioHappy    = "happy"
	ScenarioThinking = "thinking"
	ScenarioApproval = "approval"
	ScenarioStall    = "stall"
	ScenarioOversize = "oversize"
	ScenarioCrash    = "crash"
	ScenarioFail     = "fail"
)

var scenarioNames = map[string]bool{
	ScenarioHappy:    true,
	ScenarioThinking: true,
	ScenarioApproval: true,
	ScenarioStall:    true,
	ScenarioOversize: true,
	ScenarioCrash:    true,
	ScenarioFail:     true,
}

// scenarioFor picks the script: a prompt naming a scenario wins, then the
// configured fallback. Anything else echoes the prompt back.
func scenarioFor(prompt, fallback string) string {
	name := strings.ToLower(strings.TrimSpace(prompt))
	if scenarioNames[name] {
		return name
	}
	if scenarioNames[fallback] {
		return fallback
	}
	return ""
}

func (a *agent) runScenario(name string, t *mockTurn, prompt string) {
	switch name {
	case ScenarioThinking:
		a.scriptThinking(t)
	case ScenarioApproval:
		a.scriptApproval(t)
	case ScenarioStall:
		a.scriptStall(t)
	case ScenarioOversize:
		a.scriptOversize(t)
	case ScenarioCrash:
		a.scriptCrash(t)
	case ScenarioFail:
		a.scriptFail(t)
	case ScenarioHappy:
		a.scriptHappy(t)
	default:
		a.scriptEcho(t, prompt)
	}
}

// mockUsage builds plausible single-cycle totals around an output count.
func mockUsage(output int64) appserver.TokenTotals {
	return appserver.TokenTotals{
		InputTokens:       900,
		CachedInputTokens: 200,
		OutputTokens:      output,
		TotalTokens:       1100 + output,
	}
}

// scriptHappy runs a full clean turn: streamed message, a command, a named
// tool, usage, terminal.
func (a *agent) scriptHappy(t *mockTurn) {
	a.turnStarted(t)
	a.pace()

	msgID := a.nextItemID()
	a.agentDelta(t, msgID, "Let me run the checks")
	a.pace()
	a.agentDelta(t, msgID, " on this workspace.")
	a.completeAgentMessage(t, msgID, "Let me run the checks on this workspace.")
	a.pace()

	cmdID := a.nextItemID()
	a.commandOutputDelta(t, cmdID, "$ go vet ./...\n")
	a.pace()
	a.commandOutputDelta(t, cmdID, "ok\n")
	a.completeCommand(t, cmdID, "go vet ./...", "$ go vet ./...\nok\n", "completed", 0)
	a.pace()

	toolID := a.nextItemID()
	paths := randomFilePaths(3)
	a.toolCallStart(t, toolID, "workspace_scan", map[string]any{"glob": "**/*.go"})
	a.pace()
	a.completeTool(t, toolID, "workspace_scan", map[string]any{
		"glob":    "**/*.go",
		"matches": len(paths),
	})
	a.pace()

	a.completeAgentMessage(t, a.nextItemID(), "All checks passed. The workspace is healthy.")
	a.tokenUsage(t, mockUsage(240), mockUsage(240))
	a.completeTurn(t, "completed")
}

// scriptThinking streams reasoning summaries before the answer.
func (a *agent) scriptThinking(t *mockTurn) {
	a.turnStarted(t)
	a.pace()

	reasonID := a.nextItemID()
	a.reasoningPart(t, reasonID)
	for _, thought := range []string{
		"Breaking the problem into steps.",
		" The tricky part is the concurrent path.",
		" A channel per waiter keeps the ordering simple.",
	} {
		a.reasoningDelta(t, reasonID, thought)
		a.pace()
	}
	a.completeReasoning(t, reasonID, "Worked through the concurrency design.")
	a.pace()

	a.completeAgentMessage(t, a.nextItemID(),
		"After thinking it through: a channel per waiter keeps the ordering guarantees without extra locks.")

	usage := mockUsage(180)
	usage.ReasoningOutputTokens = 320
	usage.TotalTokens += usage.ReasoningOutputTokens
	a.tokenUsage(t, usage, usage)
	a.completeTurn(t, "completed")
}

// scriptApproval runs a command approval and a file-change approval; the
// declined branches still end the turn cleanly.
func (a *agent) scriptApproval(t *mockTurn) {
	a.turnStarted(t)
	a.pace()

	a.completeAgentMessage(t, a.nextItemID(),
		"I need approval to run the migration and patch the config.")
	a.pace()

	cmdID := a.nextItemID()
	command := "scripts/migrate.sh --apply"
	approved := a.requestApproval(t, appserver.MethodCmdExecRequestApproval, map[string]any{
		"threadId":  t.threadID,
		"turnId":    t.id,
		"itemId":    cmdID,
		"command":   command,
		"cwd":       ".",
		"reasoning": "applies the pending schema migration",
	})
	if !t.open() {
		return
	}
	if approved {
		a.commandOutputDelta(t, cmdID, "applying 2 migrations...\ndone\n")
		a.completeCommand(t, cmdID, command, "applying 2 migrations...\ndone\n", "completed", 0)
	} else {
		a.completeCommand(t, cmdID, command, "", "declined", 1)
	}
	a.pace()

	fileID := a.nextItemID()
	f := randomFile()
	oldLine, newLine := pickEditableFragment(f.absPath)
	approved = a.requestApproval(t, appserver.MethodFileChangeRequestApproval, map[string]any{
		"threadId":  t.threadID,
		"turnId":    t.id,
		"itemId":    fileID,
		"path":      f.relPath,
		"reasoning": "updates the default before rollout",
	})
	if !t.open() {
		return
	}
	if approved {
		diff := fmt.Sprintf("-%s\n+%s\n", oldLine, newLine)
		a.completeFileChange(t, fileID, f.relPath, diff, "completed")
	} else {
		a.completeFileChange(t, fileID, f.relPath, "", "declined")
	}
	a.pace()

	a.completeAgentMessage(t, a.nextItemID(), "Approval round finished.")
	a.tokenUsage(t, mockUsage(120), mockUsage(120))
	a.completeTurn(t, "completed")
}

// scriptStall delivers a partial stream and goes silent, with the terminal
// state recorded only internally. The next thread/resume snapshot reports
// the turn completed, which is what stall recovery mines.
func (a *agent) scriptStall(t *mockTurn) {
	a.turnStarted(t)
	a.pace()

	msgID := a.nextItemID()
	a.agentDelta(t, msgID, "Starting the long analysis")
	a.completeAgentMessage(t, msgID, "Starting the long analysis")

	t.items = append(t.items, appserver.Item{
		ID:   a.nextItemID(),
		Type: appserver.ItemAgentMessage,
		Text: "Analysis finished while the stream was away.",
	})
	t.status = "completed"
}

// scriptOversize pushes one frame past the client's byte limit. The ids sit
// at the head of the line so preview sniffing can attribute the drop.
func (a *agent) scriptOversize(t *mockTurn) {
	a.turnStarted(t)
	a.pace()

	msgID := a.nextItemID()
	a.agentDelta(t, msgID, "Dumping the full report: ")
	a.agentDelta(t, msgID, strings.Repeat("x", a.opts.OversizeBytes))
	a.pace()

	a.completeAgentMessage(t, msgID,
		"Report was too large to stream; see the saved artifact instead.")
	a.tokenUsage(t, mockUsage(95), mockUsage(95))
	a.completeTurn(t, "completed")
}

// scriptCrash dies mid-turn; the client sees EOF with the turn open.
func (a *agent) scriptCrash(t *mockTurn) {
	a.turnStarted(t)
	a.pace()
	a.agentDelta(t, a.nextItemID(), "Everything is fi")
	a.crash = true
}

// scriptFail surfaces a provider error: one warning notice, then terminal.
func (a *agent) scriptFail(t *mockTurn) {
	a.turnStarted(t)
	a.pace()
	a.noticeError(t, "upstream provider returned HTTP 429; retrying")
	a.pace()
	a.failTurn(t, "usage limit reached for the current billing period")
}

// scriptReview answers review/start with findings instead of a task result.
func (a *agent) scriptReview(t *mockTurn) {
	a.turnStarted(t)
	a.pace()

	reasonID := a.nextItemID()
	a.reasoningPart(t, reasonID)
	a.reasoningDelta(t, reasonID, "Scanning the diff for risky hunks.")
	a.completeReasoning(t, reasonID, "Scanned the diff.")
	a.pace()

	first := randomFile()
	second := randomFileExcluding(map[string]bool{first.absPath: true})
	a.completeAgentMessage(t, a.nextItemID(), fmt.Sprintf(
		"Review complete: two nits, no blockers. %s swallows a close error near:\n%sAnd %s shadows an earlier declaration.",
		first.relPath, readFileSnippet(first.absPath, 3), second.relPath))
	a.tokenUsage(t, mockUsage(150), mockUsage(150))
	a.completeTurn(t, "completed")
}

// scriptEcho answers an unscripted prompt with a short streamed reply.
func (a *agent) scriptEcho(t *mockTurn, prompt string) {
	a.turnStarted(t)
	a.pace()

	msgID := a.nextItemID()
	reply := "Mock reply to: " + strings.TrimSpace(prompt)
	half := len(reply) / 2
	a.agentDelta(t, msgID, reply[:half])
	a.pace()
	a.agentDelta(t, msgID, reply[half:])
	a.completeAgentMessage(t, msgID, reply)

	a.tokenUsage(t, mockUsage(60), mockUsage(60))
	a.completeTurn(t, "completed")
}
