package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	ws "github.com/cardev/car/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Only control frames arrive
	// here; run output flows the other way.
	maxMessageSize = 32 * 1024
)

// Client represents a single websocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Subscription state, guarded by hub.mu.
	sessionKeys map[string]bool
	threadIDs   map[string]bool
	all         bool

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, 256),
		sessionKeys: make(map[string]bool),
		threadIDs:   make(map[string]bool),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps control frames from the connection into the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("gateway.read_failed", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("gateway.parse_failed", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming control frame. Subscription actions
// need the client itself, so they bypass the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("gateway.message_received",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionRunSubscribe:
		c.handleSubscribe(msg)
		return
	case ws.ActionRunUnsubscribe:
		c.handleUnsubscribe(msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("gateway.handler_failed",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	if response != nil {
		c.sendMessage(response)
	}
}

func (c *Client) handleSubscribe(msg *ws.Message) {
	var sub RunSubscription
	if err := msg.ParsePayload(&sub); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if sub.empty() {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_key, thread_id, or all is required", nil)
		return
	}

	c.hub.SubscribeRun(c, sub)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, sub)
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var sub RunSubscription
	if err := msg.ParsePayload(&sub); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if sub.empty() {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_key, thread_id, or all is required", nil)
		return
	}

	c.hub.UnsubscribeRun(c, sub)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, sub)
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("gateway.marshal_failed", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("gateway.send_buffer_full")
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("gateway.build_error_failed", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps queued frames to the connection. Queued messages are
// batched into a single frame separated by newlines; readers must split.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
