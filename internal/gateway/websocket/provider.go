package websocket

import (
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events/bus"
)

// Provide creates the gateway and attaches it to the run-event bus.
func Provide(eventBus bus.EventBus, log *logger.Logger) (*Gateway, error) {
	gateway := NewGateway(log)
	if err := gateway.Attach(eventBus); err != nil {
		return nil, err
	}
	return gateway, nil
}
