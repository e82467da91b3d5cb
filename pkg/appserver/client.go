package appserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/tracing"
)

// Default client timing knobs; config may override any of them.
const (
	DefaultRequestTimeout           = 60 * time.Second
	DefaultStallTimeout             = 60 * time.Second
	DefaultStallPollInterval        = 2 * time.Second
	DefaultStallRecoveryMinInterval = 10 * time.Second
)

// FinalMessagePolicy selects how TurnResult.FinalMessage is assembled from a
// turn's completed agent messages.
type FinalMessagePolicy string

const (
	// FinalMessageFinalOnly keeps only the last agent message.
	FinalMessageFinalOnly FinalMessagePolicy = "final_only"
	// FinalMessageAllAgentMessages joins every agent message in order.
	FinalMessageAllAgentMessages FinalMessagePolicy = "all_agent_messages"
)

// ClientOptions configures a Client. Zero values fall back to defaults;
// TurnTimeout zero means turns are unbounded.
type ClientOptions struct {
	ClientName    string
	ClientVersion string

	MaxMessageBytes int
	DrainLimitBytes int

	RequestTimeout           time.Duration
	TurnTimeout              time.Duration
	StallTimeout             time.Duration
	StallPollInterval        time.Duration
	StallRecoveryMinInterval time.Duration

	FinalMessages FinalMessagePolicy

	// Approvals answers server-initiated approval requests. Nil rejects them
	// with MethodNotFound.
	Approvals ApprovalHandler

	// OnNotification observes every notification after the turn registry has
	// consumed it, synthetic oversize drops included.
	OnNotification func(method string, params json.RawMessage)

	// OnDisconnect fires once when the client loses the agent. Restart policy
	// lives with the owner; the client only reports the loss.
	OnDisconnect func(cause error)

	Logger *logger.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.ClientName == "" {
		o.ClientName = "car"
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.DrainLimitBytes <= 0 {
		o.DrainLimitBytes = DefaultDrainLimitBytes
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.StallPollInterval <= 0 {
		o.StallPollInterval = DefaultStallPollInterval
	}
	if o.StallRecoveryMinInterval <= 0 {
		o.StallRecoveryMinInterval = DefaultStallRecoveryMinInterval
	}
	if o.FinalMessages == "" {
		o.FinalMessages = FinalMessageFinalOnly
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// Client speaks the app-server protocol to one agent over stdio. It owns the
// request/response correlation table, the turn registry, and the per-thread
// and per-turn token caches. All shared state sits behind one data lock;
// writes to the agent serialize on the frame writer's lock.
type Client struct {
	opts ClientOptions

	writer *frameWriter
	reader *frameReader
	proc   *Process

	requestID atomic.Int64

	mu           sync.Mutex
	pending      map[string]chan *Response
	turns        map[turnKey]*TurnState
	pendingTurns map[string]*TurnState
	pendingOrder []string
	threadTokens *tokenCache
	turnTokens   *tokenCache
	closed       bool
	closeErr     error

	done      chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	logger *logger.Logger
}

// NewClient attaches a client to explicit stdio pipes and starts its read
// loop. Use NewProcessClient to spawn and own the agent process.
func NewClient(stdin io.Writer, stdout io.Reader, opts ClientOptions) *Client {
	opts = opts.withDefaults()

	c := &Client{
		opts:         opts,
		writer:       newFrameWriter(stdin),
		reader:       newFrameReader(stdout, opts.MaxMessageBytes, opts.DrainLimitBytes),
		pending:      make(map[string]chan *Response),
		turns:        make(map[turnKey]*TurnState),
		pendingTurns: make(map[string]*TurnState),
		threadTokens: newTokenCache(defaultTokenCacheSize),
		turnTokens:   newTokenCache(defaultTokenCacheSize),
		done:         make(chan struct{}),
		logger:       opts.Logger.WithFields(zap.String("component", "app-server-client")),
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	go c.readLoop()
	return c
}

// NewProcessClient spawns the agent and attaches a client to its stdio.
// Stopping the client stops the process.
func NewProcessClient(spec SpawnSpec, opts ClientOptions) (*Client, error) {
	opts = opts.withDefaults()

	proc, err := Spawn(spec, opts.Logger)
	if err != nil {
		return nil, err
	}

	c := NewClient(proc.Stdin(), proc.Stdout(), opts)
	c.proc = proc
	return c, nil
}

// Done is closed once the client has shut down, by Stop or by losing the
// agent process.
func (c *Client) Done() <-chan struct{} { return c.done }

// Process returns the owned agent process, nil for pipe-attached clients.
func (c *Client) Process() *Process { return c.proc }

// Stop closes the client and, when it owns the process, terminates it.
// Pending calls and open turns fail with ErrClientClosed.
func (c *Client) Stop(ctx context.Context) error {
	if _, performed := c.shutdown(ErrClientClosed); performed {
		c.runCancel()
		c.logger.Debug("app_server.closed")
	}
	if c.proc != nil {
		return c.proc.Stop(ctx)
	}
	return nil
}

// Initialize performs the handshake: the initialize request followed by the
// initialized notification. Servers predating the clientInfo version field
// answer -32600; the request is retried once without it.
func (c *Client) Initialize(ctx context.Context) (json.RawMessage, error) {
	params := InitializeParams{ClientInfo: &ClientInfo{
		Name:    c.opts.ClientName,
		Version: c.opts.ClientVersion,
	}}

	result, err := c.Call(ctx, MethodInitialize, params)

	var rpcErr *RPCError
	if err != nil && errors.As(err, &rpcErr) &&
		rpcErr.Code == InvalidRequest && params.ClientInfo.Version != "" {
		c.logger.Info("app_server.initialize.retry",
			zap.String("dropped_field", "version"))
		params.ClientInfo.Version = ""
		result, err = c.Call(ctx, MethodInitialize, params)
	}
	if err != nil {
		return nil, err
	}

	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, err
	}

	c.logger.Info("app_server.initialized",
		zap.String("client_name", c.opts.ClientName))
	return result, nil
}

// ThreadStart creates a new thread and returns its id.
func (c *Client) ThreadStart(ctx context.Context, params ThreadStartParams) (string, error) {
	result, err := c.Call(ctx, MethodThreadStart, params)
	if err != nil {
		return "", err
	}
	id := extractThreadID(result)
	if id == "" {
		return "", &ProtocolError{
			Reason:  "thread/start result missing thread id",
			Preview: preview(result, invalidJSONPreviewBytes),
		}
	}
	return id, nil
}

// ThreadResume reattaches to an existing thread. The raw result is returned
// because resume snapshots double as the turn recovery source.
func (c *Client) ThreadResume(ctx context.Context, params ThreadResumeParams) (json.RawMessage, error) {
	return c.Call(ctx, MethodThreadResume, params)
}

// ThreadList passes thread/list through. Params may be nil.
func (c *Client) ThreadList(ctx context.Context, params any) (json.RawMessage, error) {
	return c.Call(ctx, MethodThreadList, params)
}

// ThreadArchive archives a thread.
func (c *Client) ThreadArchive(ctx context.Context, threadID string) error {
	_, err := c.Call(ctx, MethodThreadArchive, map[string]string{"threadId": threadID})
	return err
}

// ModelList passes model/list through. Params may be nil.
func (c *Client) ModelList(ctx context.Context, params any) (json.RawMessage, error) {
	return c.Call(ctx, MethodModelList, params)
}

// AccountRead passes account/read through.
func (c *Client) AccountRead(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, MethodAccountRead, nil)
}

// AccountRateLimits passes account/rateLimits/read through.
func (c *Client) AccountRateLimits(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, MethodAccountRateLimits, nil)
}

// ThreadTokenUsage returns the last cumulative totals reported for a thread.
func (c *Client) ThreadTokenUsage(threadID string) (TokenTotals, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadTokens.get(threadID)
}

// TurnTokenUsage returns the last totals attributed to a turn.
func (c *Client) TurnTokenUsage(turnID string) (TokenTotals, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnTokens.get(turnID)
}

// Call sends a request and waits for its response. It fails with RPCError on
// an error response, TimeoutError past the request timeout, the context error
// on cancellation, and the close cause once the client is down.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	ctx, span := tracing.TraceRequest(ctx, tracing.ProtocolAppServer, method, paramsJSON)
	result, err := c.call(ctx, method, paramsJSON)
	tracing.EndRequest(span, result, err)
	return result, err
}

// call runs one request/response exchange against the pending table.
func (c *Client) call(ctx context.Context, method string, paramsJSON json.RawMessage) (json.RawMessage, error) {
	id := strconv.FormatInt(c.requestID.Add(1), 10)

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("app_server.request",
		zap.String("method", method), zap.String("id", id))

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			c.logger.Warn("app_server.response.error",
				zap.String("method", method), zap.String("id", id),
				zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
			return nil, &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		c.logger.Debug("app_server.response",
			zap.String("method", method), zap.String("id", id),
			zap.Int("bytes", len(resp.Result)))
		return resp.Result, nil
	case <-timer.C:
		return nil, &TimeoutError{Op: method, Timeout: c.opts.RequestTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.failure()
	}
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	c.logger.Debug("app_server.request", zap.String("method", method))
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.writer.WriteFrame(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// sendResponse answers a server-initiated request, echoing the id verbatim.
func (c *Client) sendResponse(id json.RawMessage, result any, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
}

// failure reports why the client is down.
func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrDisconnected
}

func (c *Client) readLoop() {
	for {
		line, oversize, err := c.reader.Next()
		if oversize != nil {
			c.handleOversize(oversize)
		}
		if err != nil {
			cause := err
			if errors.Is(err, io.EOF) {
				cause = ErrDisconnected
			} else {
				c.logger.Warn("app_server.read.failed", zap.Error(err))
			}
			c.handleDisconnect(cause)
			return
		}
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}
}

var nullLiteral = []byte("null")

// dispatch routes one inbound line: responses by id, server requests by
// id+method, notifications by method alone.
func (c *Client) dispatch(line []byte) {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("app_server.read.invalid_json",
			zap.Error(err),
			zap.String("preview", preview(line, invalidJSONPreviewBytes)))
		return
	}

	hasID := len(msg.ID) > 0 && !bytes.Equal(msg.ID, nullLiteral)
	hasMethod := msg.Method != ""

	switch {
	case hasID && !hasMethod:
		c.handleResponse(msg.ID, msg.Result, msg.Error)
	case hasID && hasMethod:
		c.handleServerRequest(msg.ID, msg.Method, msg.Params)
	case hasMethod:
		c.handleNotification(msg.Method, msg.Params)
	default:
		c.logger.Warn("app_server.read.invalid_json",
			zap.String("preview", preview(line, invalidJSONPreviewBytes)))
	}
}

func (c *Client) handleResponse(rawID, result json.RawMessage, respErr *Error) {
	id := normalizeID(rawID)

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("app_server.response.unmatched", zap.String("id", id))
		return
	}
	ch <- &Response{ID: id, Result: result, Error: respErr}
}

// normalizeID maps an inbound id onto the pending-table key. Outbound ids are
// decimal strings; servers echo them back verbatim or re-encoded as numbers.
func normalizeID(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return string(raw)
	}
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	c.logger.Debug("app_server.notify",
		zap.String("method", method), zap.Int("bytes", len(params)))

	c.routeTurnNotification(method, params)

	if c.opts.OnNotification != nil {
		c.opts.OnNotification(method, params)
	}
}

// handleServerRequest answers requests the agent sends us. Approvals run off
// the read loop so a slow handler cannot stall the stream.
func (c *Client) handleServerRequest(rawID json.RawMessage, method string, params json.RawMessage) {
	switch method {
	case MethodCmdExecRequestApproval, MethodFileChangeRequestApproval:
		if c.opts.Approvals != nil {
			go c.answerApproval(rawID, method, params)
			return
		}
	}

	c.logger.Warn("app_server.response.invalid_request",
		zap.String("method", method), zap.Int("code", MethodNotFound))
	if err := c.sendResponse(rawID, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}

func (c *Client) answerApproval(rawID json.RawMessage, method string, params json.RawMessage) {
	req := parseApprovalRequest(normalizeID(rawID), method, params)

	log := c.logger.WithFields(
		zap.String("method", method),
		zap.String("request_id", req.ID),
		zap.String("thread_id", req.ThreadID),
		zap.String("item_id", req.ItemID))
	log.Info("app_server.approval.requested")

	decision, err := c.decideApproval(req)
	if err != nil {
		log.Error("app_server.approval.failed", zap.Error(err))
		if sendErr := c.sendResponse(rawID, nil, &Error{
			Code:    ApprovalHandlerFailed,
			Message: "approval handler failed",
		}); sendErr != nil {
			log.Warn("failed to send approval error response", zap.Error(sendErr))
		}
		return
	}

	log.Info("app_server.approval.responded", zap.Any("decision", decision.payload()))
	if err := c.sendResponse(rawID, decision.payload(), nil); err != nil {
		log.Warn("failed to send approval response", zap.Error(err))
	}
}

// decideApproval invokes the handler, converting a panic into an error.
func (c *Client) decideApproval(req *ApprovalRequest) (decision ApprovalDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("approval handler panic: %v", r)
		}
	}()
	return c.opts.Approvals.Decide(c.runCtx, req)
}

// handleOversize logs a dropped oversized line and re-injects it as the
// synthetic oversizedMessageDropped notification.
func (c *Client) handleOversize(ev *OversizeEvent) {
	p := ev.params()
	c.logger.Warn("app_server.read.oversize_dropped",
		zap.Int("byte_limit", p.ByteLimit),
		zap.Int64("bytes_dropped", p.BytesDropped),
		zap.String("inferred_method", p.InferredMethod),
		zap.String("thread_id", p.ThreadID),
		zap.String("turn_id", p.TurnID),
		zap.Bool("aborted", p.Aborted))

	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	c.handleNotification(NotifyOversizedMessageDropped, data)
}

// handleDisconnect runs once when the stream is lost: pending calls fail,
// open turns resolve as failures, token caches clear, and the owner hears
// about it through OnDisconnect.
func (c *Client) handleDisconnect(cause error) {
	failedTurns, performed := c.shutdown(cause)
	if !performed {
		return
	}
	c.runCancel()

	fields := []zap.Field{zap.Error(cause), zap.Int("failed_turns", failedTurns)}
	if c.proc != nil {
		fields = append(fields,
			zap.Int("pid", c.proc.PID()),
			zap.Strings("stderr_tail", c.proc.StderrTail()))
	}
	c.logger.Warn("app_server.disconnected", fields...)

	if c.opts.OnDisconnect != nil {
		go c.opts.OnDisconnect(cause)
	}
}

// shutdown marks the client closed exactly once and sweeps shared state.
func (c *Client) shutdown(cause error) (failedTurns int, performed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.closed = true
	c.closeErr = cause
	c.pending = make(map[string]chan *Response)
	failedTurns = c.failOpenTurnsLocked(cause)
	c.threadTokens.clear()
	c.turnTokens.clear()
	close(c.done)
	return failedTurns, true
}
