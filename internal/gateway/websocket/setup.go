package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events/bus"
	ws "github.com/cardev/car/pkg/websocket"
)

// Gateway bundles the hub, the control-frame dispatcher, and the HTTP
// handler into one unit the daemon can wire and run.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a gateway with all components initialized.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// Attach wires the hub to the run-event bus. Call before Run.
func (g *Gateway) Attach(eventBus bus.EventBus) error {
	return g.Hub.Attach(eventBus)
}

// Run drives the hub until the context ends.
func (g *Gateway) Run(ctx context.Context) {
	g.Hub.Run(ctx)
}

// SetupRoutes adds the websocket endpoint to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
