package opencode

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
)

// Control event types delivered on the control channel.
const (
	ControlIdle         = "idle"
	ControlAuthRequired = "auth_required"
	ControlSessionError = "session_error"
	ControlDisconnected = "disconnected"
)

// ClientOptions tunes request behavior. Zero values select the defaults.
type ClientOptions struct {
	// RequestTimeout bounds ordinary REST calls. Default 30s.
	RequestTimeout time.Duration
	// PromptTimeout bounds prompt submissions, which block until the server
	// accepts the message. Default 60m.
	PromptTimeout time.Duration
	// HealthTimeout bounds how long WaitForHealth polls. Default 20s.
	HealthTimeout time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = 60 * time.Minute
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 20 * time.Second
	}
	return o
}

// Client manages HTTP communication with an opencode server.
type Client struct {
	baseURL    string
	directory  string
	password   string
	opts       ClientOptions
	httpClient *http.Client
	logger     *logger.Logger

	eventHandler EventHandler
	controlCh    chan ControlEvent

	// One SSE connection at a time; a second would duplicate every event.
	sseCancel context.CancelFunc
	sseActive bool

	mu     sync.RWMutex
	closed bool
}

// EventHandler is called for each SDK event from the SSE stream.
type EventHandler func(event *Event)

// ControlEvent represents control flow events.
type ControlEvent struct {
	Type    string // one of the Control* constants
	Message string
}

// NewClient creates an opencode HTTP client for one server instance.
func NewClient(baseURL, directory, password string, opts ClientOptions, log *logger.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		opts:      opts,
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout,
		},
		logger:    log,
		controlCh: make(chan ControlEvent, 10),
	}
}

// GenerateServerPassword generates a random password for server auth.
func GenerateServerPassword() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// SetEventHandler sets the handler for SDK events.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// ControlChannel returns the channel for control events.
func (c *Client) ControlChannel() <-chan ControlEvent {
	return c.controlCh
}

func (c *Client) buildAuthHeader() string {
	credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	return "Basic " + credentials
}

func (c *Client) buildURL(path string) string {
	url := c.baseURL + path
	if strings.Contains(path, "?") {
		return url + "&directory=" + c.directory
	}
	return url + "?directory=" + c.directory
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doRequest performs an HTTP request with auth headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// doPromptRequest performs an HTTP request with the prompt timeout. Prompt
// submissions can block for minutes while the server works.
func (c *Client) doPromptRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	promptClient := &http.Client{Timeout: c.opts.PromptTimeout}
	return promptClient.Do(req)
}

// WaitForHealth polls /global/health until the server reports healthy or the
// health timeout elapses.
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.HealthTimeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			c.logger.Debug("health check request failed", zap.Error(err))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		bodyBytes, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(bodyBytes))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := json.Unmarshal(bodyBytes, &health); err != nil {
			lastErr = fmt.Errorf("parse health response (got: %q): %w", string(bodyBytes), err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if health.Healthy {
			c.logger.Info("opencode server healthy", zap.String("version", health.Version))
			return nil
		}

		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

// CreateSession creates a new opencode session.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// ForkSession forks an existing session for follow-up prompts. A 404 means
// the stored session id no longer exists on this server.
func (c *Client) ForkSession(ctx context.Context, sessionID string) (string, error) {
	path := fmt.Sprintf("/session/%s/fork", sessionID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("fork session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", &SessionNotFoundError{SessionID: sessionID}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("fork session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt sends a prompt to the session and validates the response shape.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec, agent, variant string) error {
	req := PromptRequest{
		Model:   model,
		Agent:   agent,
		Variant: variant,
		Parts: []TextPartInput{
			{Type: "text", Text: prompt},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	path := fmt.Sprintf("/session/%s/message", sessionID)
	resp, err := c.doPromptRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return fmt.Errorf("prompt returned empty response")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}

	// Success responses carry { info, parts }.
	if _, hasInfo := parsed["info"]; hasInfo {
		if _, hasParts := parsed["parts"]; hasParts {
			return nil
		}
	}

	// Error responses carry { name, data }.
	if name, ok := parsed["name"].(string); ok {
		message := "unknown error"
		if data, ok := parsed["data"].(map[string]any); ok {
			if msg, ok := data["message"].(string); ok {
				message = msg
			}
		}
		if name == "SessionNotFoundError" {
			return &SessionNotFoundError{SessionID: sessionID}
		}
		return fmt.Errorf("prompt error: %s: %s", name, message)
	}

	return nil
}

// Abort asks the server to stop the current operation. Best effort: errors
// are swallowed because the caller is already tearing the turn down.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", sessionID)

	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, path, nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyPermission answers a pending permission request.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string, message *string) error {
	payload := PermissionReplyRequest{
		Reply: reply,
	}
	if message != nil {
		payload.Message = *message
	} else if reply == PermissionReplyReject {
		payload.Message = "User denied this tool use request"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal permission reply: %w", err)
	}

	path := fmt.Sprintf("/permission/%s/reply", requestID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// StartEventStream opens the SSE event stream and dispatches events to the
// handler. Only one stream runs at a time.
func (c *Client) StartEventStream(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.sseActive {
		c.mu.Unlock()
		c.logger.Debug("SSE stream already active, skipping duplicate connection",
			zap.String("session_id", sessionID))
		return nil
	}
	c.sseActive = true
	c.mu.Unlock()

	sseCtx, sseCancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.sseCancel = sseCancel
	c.mu.Unlock()

	failed := func() {
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		sseCancel()
	}

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.baseURL+"/event?directory="+c.directory, nil)
	if err != nil {
		failed()
		return fmt.Errorf("create event stream request: %w", err)
	}
	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout; the stream stays open for the life of the session.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		failed()
		return fmt.Errorf("connect event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		failed()
		return fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("SSE stream connected", zap.String("session_id", sessionID))

	go c.processEventStream(sseCtx, sessionID, resp.Body)
	return nil
}

// processEventStream reads and dispatches SSE events until the stream ends.
func (c *Client) processEventStream(ctx context.Context, sessionID string, body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		c.mu.Lock()
		c.sseActive = false
		c.sseCancel = nil
		c.mu.Unlock()
		c.logger.Debug("SSE stream ended", zap.String("session_id", sessionID))
	}()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Blank line ends the event.
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()
			if data == "" {
				continue
			}

			event, err := ParseEvent([]byte(data))
			if err != nil {
				c.logger.Warn("failed to parse SDK event", zap.Error(err))
				continue
			}

			if !c.eventMatchesSession(event, sessionID) {
				continue
			}

			c.processControlEvent(event)

			c.mu.RLock()
			handler := c.eventHandler
			c.mu.RUnlock()
			if handler != nil {
				handler(event)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("event stream error", zap.Error(err))
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if !closed {
		select {
		case c.controlCh <- ControlEvent{Type: ControlDisconnected}:
		default:
		}
	}
}

// eventMatchesSession checks whether an event belongs to the session.
// Events without a recognizable session id pass through.
func (c *Client) eventMatchesSession(event *Event, sessionID string) bool {
	var props map[string]any
	if event.Properties != nil {
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return true
		}
	}

	extractedID := ""
	switch event.Type {
	case EventMessageUpdated:
		if info, ok := props["info"].(map[string]any); ok {
			if id, ok := info["sessionID"].(string); ok {
				extractedID = id
			}
		}
	case EventMessagePartUpdated:
		if part, ok := props["part"].(map[string]any); ok {
			if id, ok := part["sessionID"].(string); ok {
				extractedID = id
			}
		}
	default:
		if id, ok := props["sessionID"].(string); ok {
			extractedID = id
		}
	}

	if extractedID == "" {
		return true
	}
	return extractedID == sessionID
}

// processControlEvent forwards control-flow events onto the control channel.
func (c *Client) processControlEvent(event *Event) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	switch event.Type {
	case EventSessionIdle:
		select {
		case c.controlCh <- ControlEvent{Type: ControlIdle}:
		default:
		}

	case EventSessionError:
		props, err := ParseSessionError(event.Properties)
		if err != nil || props.Error == nil {
			return
		}

		kind := props.Error.Kind()
		message := props.Error.Text()

		controlType := ControlSessionError
		if kind == "ProviderAuthError" {
			controlType = ControlAuthRequired
		}
		select {
		case c.controlCh <- ControlEvent{Type: controlType, Message: message}:
		default:
		}
	}
}

// Close terminates any active SSE connection and closes the control channel.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false

	close(c.controlCh)
}
