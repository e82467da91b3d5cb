package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cardev/car/pkg/appserver"
)

// errCrashRequested ends the read loop when a crash scenario fires; main
// turns it into a non-zero exit.
var errCrashRequested = errors.New("crash scenario requested")

// defaultOversizeBytes pads the oversize scenario's delta. The client under
// test sets its frame limit below this.
const defaultOversizeBytes = 256 * 1024

// agentOptions configures one mock agent process.
type agentOptions struct {
	// Model tunes emission pacing (mock-fast, mock-slow, mock-default).
	Model string
	// Scenario is the fallback when the prompt does not name one.
	Scenario string
	// StrictInit rejects the first initialize carrying a clientInfo version,
	// imitating backends that predate the field.
	StrictInit bool
	// OversizeBytes sizes the oversize scenario's padded delta.
	OversizeBytes int
}

// mockThread is one thread with its recorded turns, replayed on resume.
type mockThread struct {
	id       string
	archived bool
	turns    []*mockTurn
}

// mockTurn records a turn's terminal status and completed items so that
// thread/resume snapshots reflect what the stream delivered (or withheld).
type mockTurn struct {
	id       string
	threadID string
	status   string
	items    []appserver.Item
}

func (t *mockTurn) open() bool { return t.status == "inProgress" }

// agent is a scripted app-server. It is single-threaded: requests are
// handled in arrival order and turn scripts run to completion on the read
// loop, which keeps every emission sequence deterministic.
type agent struct {
	in  *bufio.Scanner
	enc *json.Encoder

	opts agentOptions

	threads   map[string]*mockThread
	threadSeq int
	turnSeq   int
	itemSeq   int
	reqSeq    int

	strictInitPending bool
	crash             bool
}

func newAgent(in io.Reader, out io.Writer, opts agentOptions) *agent {
	if opts.Model == "" {
		opts.Model = "mock-default"
	}
	if opts.OversizeBytes <= 0 {
		opts.OversizeBytes = defaultOversizeBytes
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &agent{
		in:                scanner,
		enc:               json.NewEncoder(out),
		opts:              opts,
		threads:           make(map[string]*mockThread),
		strictInitPending: opts.StrictInit,
	}
}

// run consumes stdin until EOF or a crash scenario.
func (a *agent) run() error {
	for a.in.Scan() {
		line := a.in.Bytes()
		if len(line) == 0 {
			continue
		}
		a.dispatch(line)
		if a.crash {
			return errCrashRequested
		}
	}
	return a.in.Err()
}

// wireMsg is the inbound line shape: requests carry id+method, notifications
// method alone, responses id alone.
type wireMsg struct {
	ID     json.RawMessage  `json:"id"`
	Method string           `json:"method"`
	Params json.RawMessage  `json:"params"`
	Result json.RawMessage  `json:"result"`
	Error  *appserver.Error `json:"error"`
}

var nullID = []byte("null")

func (m *wireMsg) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, nullID)
}

func (a *agent) dispatch(line []byte) {
	var msg wireMsg
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}

	switch {
	case msg.hasID() && msg.Method != "":
		a.handleRequest(msg.ID, msg.Method, msg.Params)
	case msg.Method != "":
		// initialized and other notifications need no reply.
	default:
		// A response outside an approval wait is a stray late reply.
	}
}

func (a *agent) handleRequest(id json.RawMessage, method string, params json.RawMessage) {
	switch method {
	case appserver.MethodInitialize:
		a.handleInitialize(id, params)
	case appserver.MethodThreadStart:
		a.handleThreadStart(id)
	case appserver.MethodThreadResume:
		a.handleThreadResume(id, params)
	case appserver.MethodThreadList:
		a.handleThreadList(id)
	case appserver.MethodThreadArchive:
		a.handleThreadArchive(id, params)
	case appserver.MethodModelList:
		a.respond(id, map[string]any{"models": []map[string]string{
			{"id": "mock-default"}, {"id": "mock-fast"}, {"id": "mock-slow"},
		}}, nil)
	case appserver.MethodAccountRead:
		a.respond(id, map[string]any{"account": map[string]string{
			"email": "mock@localhost", "plan": "dev",
		}}, nil)
	case appserver.MethodAccountRateLimits:
		a.respond(id, map[string]any{"rateLimits": map[string]any{
			"primary": map[string]int{"usedPercent": 7},
		}}, nil)
	case appserver.MethodTurnStart:
		a.handleTurnStart(id, params)
	case appserver.MethodReviewStart:
		a.handleReviewStart(id, params)
	case appserver.MethodTurnInterrupt:
		a.handleTurnInterrupt(id, params)
	default:
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.MethodNotFound,
			Message: "Method not found",
		})
	}
}

func (a *agent) handleInitialize(id json.RawMessage, params json.RawMessage) {
	if a.strictInitPending {
		var p appserver.InitializeParams
		if err := json.Unmarshal(params, &p); err == nil &&
			p.ClientInfo != nil && p.ClientInfo.Version != "" {
			a.strictInitPending = false
			a.respond(id, nil, &appserver.Error{
				Code:    appserver.InvalidRequest,
				Message: "unexpected field: clientInfo.version",
			})
			return
		}
	}
	a.respond(id, map[string]string{"userAgent": "mock-agent"}, nil)
}

func (a *agent) handleThreadStart(id json.RawMessage) {
	a.threadSeq++
	th := &mockThread{id: fmt.Sprintf("th_mock_%d_%d", os.Getpid(), a.threadSeq)}
	a.threads[th.id] = th
	a.respond(id, map[string]any{"thread": map[string]string{"id": th.id}}, nil)
}

func (a *agent) handleThreadResume(id json.RawMessage, params json.RawMessage) {
	var p appserver.ThreadResumeParams
	if err := json.Unmarshal(params, &p); err != nil || p.ThreadID == "" {
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.InvalidParams,
			Message: "threadId is required",
		})
		return
	}
	th, ok := a.threads[p.ThreadID]
	if !ok || th.archived {
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.InvalidParams,
			Message: "unknown thread: " + p.ThreadID,
		})
		return
	}

	turns := make([]appserver.SnapshotTurn, 0, len(th.turns))
	for _, t := range th.turns {
		turns = append(turns, appserver.SnapshotTurn{
			ID:     t.id,
			Status: t.status,
			Items:  t.items,
		})
	}
	a.respond(id, map[string]any{"thread": map[string]any{
		"id":    th.id,
		"turns": turns,
	}}, nil)
}

func (a *agent) handleThreadList(id json.RawMessage) {
	threads := make([]map[string]string, 0, len(a.threads))
	for _, th := range a.threads {
		if th.archived {
			continue
		}
		threads = append(threads, map[string]string{"id": th.id})
	}
	a.respond(id, map[string]any{"threads": threads}, nil)
}

func (a *agent) handleThreadArchive(id json.RawMessage, params json.RawMessage) {
	var p struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(params, &p); err == nil {
		if th, ok := a.threads[p.ThreadID]; ok {
			th.archived = true
		}
	}
	a.respond(id, map[string]any{}, nil)
}

func (a *agent) handleTurnStart(id json.RawMessage, params json.RawMessage) {
	var p appserver.TurnStartParams
	if err := json.Unmarshal(params, &p); err != nil {
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.InvalidParams,
			Message: "malformed turn/start params",
		})
		return
	}
	th, ok := a.threads[p.ThreadID]
	if !ok || th.archived {
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.InvalidParams,
			Message: "unknown thread: " + p.ThreadID,
		})
		return
	}

	prompt := ""
	for _, input := range p.Input {
		if input.Type == "text" && input.Text != "" {
			prompt = input.Text
			break
		}
	}

	t := a.newTurn(th)
	a.respond(id, map[string]any{"turn": map[string]string{
		"id": t.id, "status": "inProgress",
	}}, nil)

	a.runScenario(scenarioFor(prompt, a.opts.Scenario), t, prompt)
}

func (a *agent) handleReviewStart(id json.RawMessage, params json.RawMessage) {
	var p appserver.ReviewStartParams
	if err := json.Unmarshal(params, &p); err != nil {
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.InvalidParams,
			Message: "malformed review/start params",
		})
		return
	}
	th, ok := a.threads[p.ThreadID]
	if !ok || th.archived {
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.InvalidParams,
			Message: "unknown thread: " + p.ThreadID,
		})
		return
	}

	t := a.newTurn(th)
	a.respond(id, map[string]any{"turn": map[string]string{
		"id": t.id, "status": "inProgress",
	}}, nil)

	a.scriptReview(t)
}

func (a *agent) handleTurnInterrupt(id json.RawMessage, params json.RawMessage) {
	var p appserver.TurnInterruptParams
	if err := json.Unmarshal(params, &p); err != nil || p.TurnID == "" {
		a.respond(id, nil, &appserver.Error{
			Code:    appserver.InvalidParams,
			Message: "turnId is required",
		})
		return
	}

	for _, th := range a.threads {
		for _, t := range th.turns {
			if t.id == p.TurnID && t.open() {
				a.respond(id, map[string]any{}, nil)
				a.completeTurn(t, "interrupted")
				return
			}
		}
	}
	a.respond(id, map[string]any{}, nil)
}

func (a *agent) newTurn(th *mockThread) *mockTurn {
	a.turnSeq++
	t := &mockTurn{
		id:       fmt.Sprintf("turn_mock_%d", a.turnSeq),
		threadID: th.id,
		status:   "inProgress",
	}
	th.turns = append(th.turns, t)
	return t
}

func (a *agent) nextItemID() string {
	a.itemSeq++
	return fmt.Sprintf("item_%d", a.itemSeq)
}

func (a *agent) respond(id json.RawMessage, result any, respErr *appserver.Error) {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		resultJSON, _ = json.Marshal(result)
	}
	_ = a.enc.Encode(appserver.Response{ID: id, Result: resultJSON, Error: respErr})
}

func (a *agent) notify(method string, params any) {
	var paramsJSON json.RawMessage
	if params != nil {
		paramsJSON, _ = json.Marshal(params)
	}
	_ = a.enc.Encode(appserver.Notification{Method: method, Params: paramsJSON})
}

// decodeWireID renders an inbound response id for comparison against the
// string ids this agent issues.
func decodeWireID(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return string(raw)
	}
}
