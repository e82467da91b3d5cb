package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardev/car/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// agentMsg is one frame as seen from the agent side of the pipes.
type agentMsg struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// fakeAgent scripts the server side of the protocol over in-process pipes.
// All assertions stay on the test goroutine; the reader goroutine only
// forwards frames.
type fakeAgent struct {
	t        *testing.T
	toClient *io.PipeWriter
	inbox    chan agentMsg
}

func startFakeAgent(t *testing.T, opts ClientOptions) (*fakeAgent, *Client) {
	t.Helper()

	clientReads, agentWrites := io.Pipe()
	agentReads, clientWrites := io.Pipe()

	agent := &fakeAgent{
		t:        t,
		toClient: agentWrites,
		inbox:    make(chan agentMsg, 64),
	}
	go agent.readLoop(agentReads)

	if opts.Logger == nil {
		opts.Logger = newTestLogger(t)
	}
	client := NewClient(clientWrites, clientReads, opts)

	t.Cleanup(func() {
		_ = client.Stop(context.Background())
		_ = agentWrites.Close()
		_ = clientWrites.Close()
	})
	return agent, client
}

func (a *fakeAgent) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg agentMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.inbox <- msg
	}
}

// expect returns the next request or notification the client sent.
func (a *fakeAgent) expect(method string) agentMsg {
	a.t.Helper()
	select {
	case msg := <-a.inbox:
		require.Equal(a.t, method, msg.Method)
		return msg
	case <-time.After(2 * time.Second):
		a.t.Fatalf("timed out waiting for %s", method)
		return agentMsg{}
	}
}

// expectResponse returns the next response frame the client sent.
func (a *fakeAgent) expectResponse() agentMsg {
	a.t.Helper()
	select {
	case msg := <-a.inbox:
		require.Empty(a.t, msg.Method, "expected a response frame")
		return msg
	case <-time.After(2 * time.Second):
		a.t.Fatalf("timed out waiting for a response")
		return agentMsg{}
	}
}

func (a *fakeAgent) send(v any) {
	a.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(a.t, err)
	a.writeLine(data)
}

func (a *fakeAgent) writeLine(data []byte) {
	a.t.Helper()
	_, err := a.toClient.Write(append(data, '\n'))
	require.NoError(a.t, err)
}

func (a *fakeAgent) respond(id json.RawMessage, result any) {
	a.send(map[string]any{"id": id, "result": result})
}

func (a *fakeAgent) respondError(id json.RawMessage, code int, message string) {
	a.send(map[string]any{"id": id, "error": map[string]any{"code": code, "message": message}})
}

func (a *fakeAgent) notify(method string, params any) {
	a.send(map[string]any{"method": method, "params": params})
}

func (a *fakeAgent) request(id any, method string, params any) {
	a.send(map[string]any{"id": id, "method": method, "params": params})
}

func (a *fakeAgent) disconnect() {
	_ = a.toClient.Close()
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func callAsync(client *Client, method string, params any) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		result, err := client.Call(context.Background(), method, params)
		ch <- callOutcome{result, err}
	}()
	return ch
}

func TestCallMatchesResponsesByID(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})

	t.Run("string id echoed verbatim", func(t *testing.T) {
		done := callAsync(client, MethodModelList, nil)

		msg := agent.expect(MethodModelList)
		assert.Equal(t, `"1"`, string(msg.ID), "outbound ids are strings")
		agent.respond(msg.ID, map[string]any{"models": []string{"gpt-5"}})

		out := <-done
		require.NoError(t, out.err)
		assert.JSONEq(t, `{"models":["gpt-5"]}`, string(out.result))
	})

	t.Run("numeric id echo still matches", func(t *testing.T) {
		done := callAsync(client, MethodAccountRead, nil)

		agent.expect(MethodAccountRead)
		agent.send(map[string]any{"id": 2, "result": map[string]any{"email": "dev@example.com"}})

		out := <-done
		require.NoError(t, out.err)
		assert.JSONEq(t, `{"email":"dev@example.com"}`, string(out.result))
	})
}

func TestCallReturnsRPCError(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{})

	done := callAsync(client, MethodThreadArchive, map[string]string{"threadId": "th_missing"})

	msg := agent.expect(MethodThreadArchive)
	agent.respondError(msg.ID, InternalError, "no such thread")

	out := <-done
	var rpcErr *RPCError
	require.ErrorAs(t, out.err, &rpcErr)
	assert.Equal(t, MethodThreadArchive, rpcErr.Method)
	assert.Equal(t, InternalError, rpcErr.Code)
	assert.Equal(t, "no such thread", rpcErr.Message)
}

func TestCallTimesOut(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{RequestTimeout: 50 * time.Millisecond})

	done := callAsync(client, MethodModelList, nil)
	agent.expect(MethodModelList)

	out := <-done
	var timeoutErr *TimeoutError
	require.ErrorAs(t, out.err, &timeoutErr)
	assert.Equal(t, MethodModelList, timeoutErr.Op)
}

func TestInitializeHandshake(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{ClientVersion: "1.2.3"})

	type initOutcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan initOutcome, 1)
	go func() {
		result, err := client.Initialize(context.Background())
		done <- initOutcome{result, err}
	}()

	msg := agent.expect(MethodInitialize)
	var params InitializeParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	require.NotNil(t, params.ClientInfo)
	assert.Equal(t, "car", params.ClientInfo.Name)
	assert.Equal(t, "1.2.3", params.ClientInfo.Version)
	agent.respond(msg.ID, map[string]any{"userAgent": "agent/9.9"})

	initialized := agent.expect(MethodInitialized)
	assert.Empty(t, initialized.ID, "initialized is a notification")

	out := <-done
	require.NoError(t, out.err)
	assert.JSONEq(t, `{"userAgent":"agent/9.9"}`, string(out.result))
}

func TestInitializeRetriesWithoutVersion(t *testing.T) {
	agent, client := startFakeAgent(t, ClientOptions{ClientVersion: "1.2.3"})

	done := make(chan error, 1)
	go func() {
		_, err := client.Initialize(context.Background())
		done <- err
	}()

	first := agent.expect(MethodInitialize)
	agent.respondError(first.ID, InvalidRequest, "unknown field: version")

	second := agent.expect(MethodInitialize)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(second.Params, &raw))
	_, hasVersion := raw["clientInfo"]["version"]
	assert.False(t, hasVersion, "retry must omit the version field")
	agent.respond(second.ID, map[string]any{})

	agent.expect(MethodInitialized)
	require.NoError(t, <-done)
}

func TestThreadStartAcceptsIDShapes(t *testing.T) {
	cases := []struct {
		name   string
		result any
	}{
		{"flat id", map[string]any{"id": "th_9"}},
		{"threadId", map[string]any{"threadId": "th_9"}},
		{"nested thread", map[string]any{"thread": map[string]any{"id": "th_9"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent, client := startFakeAgent(t, ClientOptions{})

			type outcome struct {
				id  string
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				id, err := client.ThreadStart(context.Background(), ThreadStartParams{Cwd: "/ws"})
				done <- outcome{id, err}
			}()

			msg := agent.expect(MethodThreadStart)
			agent.respond(msg.ID, tc.result)

			out := <-done
			require.NoError(t, out.err)
			assert.Equal(t, "th_9", out.id)
		})
	}

	t.Run("missing id is a protocol error", func(t *testing.T) {
		agent, client := startFakeAgent(t, ClientOptions{})

		done := make(chan error, 1)
		go func() {
			_, err := client.ThreadStart(context.Background(), ThreadStartParams{})
			done <- err
		}()

		msg := agent.expect(MethodThreadStart)
		agent.respond(msg.ID, map[string]any{"unexpected": true})

		var protoErr *ProtocolError
		require.ErrorAs(t, <-done, &protoErr)
	})
}

func TestUnsupportedServerRequestRejected(t *testing.T) {
	agent, _ := startFakeAgent(t, ClientOptions{})

	agent.request(77, "tool/register", map[string]any{"name": "grep"})

	resp := agent.expectResponse()
	assert.Equal(t, "77", string(resp.ID), "id echoed verbatim")
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestApprovalRequestAnswered(t *testing.T) {
	agent, _ := startFakeAgent(t, ClientOptions{
		Approvals: FixedApprovals{Approve: true},
	})

	agent.request("appr_1", MethodCmdExecRequestApproval, map[string]any{
		"threadId": "th_1",
		"turnId":   "tu_1",
		"itemId":   "item_1",
		"command":  "rm -rf ./build",
	})

	resp := agent.expectResponse()
	assert.Equal(t, `"appr_1"`, string(resp.ID))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"approve":true}`, string(resp.Result))
}

func TestApprovalHandlerPanicReportsFailure(t *testing.T) {
	agent, _ := startFakeAgent(t, ClientOptions{
		Approvals: PolicyApprovals{Policy: func(req *ApprovalRequest) ApprovalDecision {
			panic("handler blew up")
		}},
	})

	agent.request("appr_2", MethodFileChangeRequestApproval, map[string]any{
		"threadId": "th_1",
		"path":     "main.go",
	})

	resp := agent.expectResponse()
	require.NotNil(t, resp.Error)
	assert.Equal(t, ApprovalHandlerFailed, resp.Error.Code)
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	disconnected := make(chan error, 1)
	agent, client := startFakeAgent(t, ClientOptions{
		OnDisconnect: func(cause error) { disconnected <- cause },
	})

	done := callAsync(client, MethodModelList, nil)
	agent.expect(MethodModelList)
	agent.disconnect()

	out := <-done
	assert.ErrorIs(t, out.err, ErrDisconnected)

	select {
	case cause := <-disconnected:
		assert.ErrorIs(t, cause, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was never invoked")
	}

	// Later calls fail immediately with the close cause.
	_, err := client.Call(context.Background(), MethodModelList, nil)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestOversizedLineBecomesSyntheticNotification(t *testing.T) {
	type note struct {
		method string
		params json.RawMessage
	}
	notes := make(chan note, 8)
	agent, _ := startFakeAgent(t, ClientOptions{
		MaxMessageBytes: 256,
		OnNotification: func(method string, params json.RawMessage) {
			notes <- note{method, params}
		},
	})

	big := `{"method":"item/agentMessage/delta","params":{"threadId":"th_1","delta":"` +
		strings.Repeat("x", 600) + `"}}`
	agent.writeLine([]byte(big))
	agent.notify(NotifyItemStarted, map[string]any{"threadId": "th_1"})

	select {
	case n := <-notes:
		require.Equal(t, NotifyOversizedMessageDropped, n.method)
		var params OversizedMessageDroppedParams
		require.NoError(t, json.Unmarshal(n.params, &params))
		assert.Equal(t, 256, params.ByteLimit)
		assert.Equal(t, int64(len(big)), params.BytesDropped)
		assert.True(t, params.Truncated)
		assert.False(t, params.Aborted)
		assert.Equal(t, "item/agentMessage/delta", params.InferredMethod)
		assert.Equal(t, "th_1", params.ThreadID)
	case <-time.After(2 * time.Second):
		t.Fatal("synthetic notification never arrived")
	}

	// The stream resynchronized: the following notification still flows.
	select {
	case n := <-notes:
		assert.Equal(t, NotifyItemStarted, n.method)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not resynchronize after the oversized line")
	}
}

func TestStopRejectsFurtherCalls(t *testing.T) {
	_, client := startFakeAgent(t, ClientOptions{})

	require.NoError(t, client.Stop(context.Background()))

	_, err := client.Call(context.Background(), MethodModelList, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}
