// Package websocket fans normalized run events out to websocket clients.
// Clients subscribe by session key, by thread id, or to the full stream, and
// receive run.event notifications as turns progress. Control frames ride the
// same connection through an action dispatcher.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events"
	"github.com/cardev/car/internal/events/bus"
	"github.com/cardev/car/internal/streams"
	ws "github.com/cardev/car/pkg/websocket"
)

// hubEventBuffer bounds the bus-to-hub queue. The bus handler must never
// block a running turn, so an overloaded hub drops events instead.
const hubEventBuffer = 256

// RunSubscription selects which runs a client follows. At least one field
// must be set.
type RunSubscription struct {
	SessionKey string `json:"session_key,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	All        bool   `json:"all,omitempty"`
}

func (s RunSubscription) empty() bool {
	return s.SessionKey == "" && s.ThreadID == "" && !s.All
}

// Hub manages connected clients and routes run events to the ones whose
// subscriptions match.
type Hub struct {
	clients map[*Client]bool

	sessionSubs map[string]map[*Client]bool
	threadSubs  map[string]map[*Client]bool
	firehose    map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan *streams.RunEvent

	dispatcher *ws.Dispatcher
	busSub     bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing control frames through the dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		sessionSubs: make(map[string]map[*Client]bool),
		threadSubs:  make(map[string]map[*Client]bool),
		firehose:    make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		events:      make(chan *streams.RunEvent, hubEventBuffer),
		dispatcher:  dispatcher,
		logger:      log.WithComponent("gateway_hub"),
	}
}

// Attach subscribes the hub to every run subject on the bus. Call before Run.
func (h *Hub) Attach(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(events.BuildRunWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		ev, ok := events.DecodeRun(event)
		if !ok {
			return nil
		}
		select {
		case h.events <- ev:
		default:
			h.logger.Warn("gateway.event_dropped",
				zap.String("event_type", ev.Type),
				zap.String("session_key", ev.SessionKey))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe run events: %w", err)
	}
	h.busSub = sub
	return nil
}

// Run processes registrations and event fan-out until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("gateway.hub_started")
	defer h.logger.Info("gateway.hub_stopped")

	for {
		select {
		case <-ctx.Done():
			if h.busSub != nil {
				_ = h.busSub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("gateway.client_registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.events:
			h.deliverRun(ev)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeRun adds the client to the targets selected by sub.
func (h *Hub) SubscribeRun(client *Client, sub RunSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.All {
		h.firehose[client] = true
		client.all = true
	}
	if sub.SessionKey != "" {
		if _, ok := h.sessionSubs[sub.SessionKey]; !ok {
			h.sessionSubs[sub.SessionKey] = make(map[*Client]bool)
		}
		h.sessionSubs[sub.SessionKey][client] = true
		client.sessionKeys[sub.SessionKey] = true
	}
	if sub.ThreadID != "" {
		if _, ok := h.threadSubs[sub.ThreadID]; !ok {
			h.threadSubs[sub.ThreadID] = make(map[*Client]bool)
		}
		h.threadSubs[sub.ThreadID][client] = true
		client.threadIDs[sub.ThreadID] = true
	}

	h.logger.Debug("gateway.subscribed",
		zap.String("client_id", client.ID),
		zap.String("session_key", sub.SessionKey),
		zap.String("thread_id", sub.ThreadID),
		zap.Bool("all", sub.All))
}

// UnsubscribeRun removes the client from the targets selected by sub.
func (h *Hub) UnsubscribeRun(client *Client, sub RunSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.All {
		delete(h.firehose, client)
		client.all = false
	}
	if sub.SessionKey != "" {
		if subs, ok := h.sessionSubs[sub.SessionKey]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sessionSubs, sub.SessionKey)
			}
		}
		delete(client.sessionKeys, sub.SessionKey)
	}
	if sub.ThreadID != "" {
		if subs, ok := h.threadSubs[sub.ThreadID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.threadSubs, sub.ThreadID)
			}
		}
		delete(client.threadIDs, sub.ThreadID)
	}
}

// deliverRun marshals the event once and sends the bytes to every client
// whose subscription matches. A client matching on both session and thread
// still receives a single copy.
func (h *Hub) deliverRun(ev *streams.RunEvent) {
	msg, err := ws.NewNotification(ws.ActionRunEvent, ev)
	if err != nil {
		h.logger.Error("gateway.marshal_event_failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("gateway.marshal_event_failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]bool)
	for client := range h.firehose {
		targets[client] = true
	}
	if ev.SessionKey != "" {
		for client := range h.sessionSubs[ev.SessionKey] {
			targets[client] = true
		}
	}
	if ev.ThreadID != "" {
		for client := range h.threadSubs[ev.ThreadID] {
			targets[client] = true
		}
	}
	h.mu.RUnlock()

	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Buffer full. The write pump tears the client down.
			h.logger.Warn("gateway.client_send_buffer_full",
				zap.String("client_id", client.ID))
		}
	}
}

// removeClient deletes the client and every subscription it holds.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	delete(h.firehose, client)
	for key := range client.sessionKeys {
		if subs, ok := h.sessionSubs[key]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sessionSubs, key)
			}
		}
	}
	for id := range client.threadIDs {
		if subs, ok := h.threadSubs[id]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.threadSubs, id)
			}
		}
	}
	close(client.send)
	h.logger.Debug("gateway.client_unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubs = make(map[string]map[*Client]bool)
	h.threadSubs = make(map[string]map[*Client]bool)
	h.firehose = make(map[*Client]bool)
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
