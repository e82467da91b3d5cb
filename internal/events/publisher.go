package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events/bus"
	"github.com/cardev/car/internal/streams"
)

// Publisher distributes run events onto the bus. A nil bus turns it into a
// no-op so callers do not have to branch.
type Publisher struct {
	eventBus bus.EventBus
	source   string
	logger   *logger.Logger
}

// NewPublisher creates a Publisher tagging events with the given source.
func NewPublisher(eventBus bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{
		eventBus: eventBus,
		source:   source,
		logger:   log.WithComponent("run_publisher"),
	}
}

// PublishRun publishes one run event on its session-scoped subject. Publish
// failures are logged, never surfaced: a broken distribution path must not
// fail the turn that produced the event.
func (p *Publisher) PublishRun(ctx context.Context, ev *streams.RunEvent) {
	if p == nil || p.eventBus == nil || ev == nil {
		return
	}

	subject := BuildRunSubject(ev.Type, ev.SessionKey)
	event := bus.NewEvent(ev.Type, p.source, ev)

	if err := p.eventBus.Publish(ctx, subject, event); err != nil {
		p.logger.Error("run_event.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", ev.Type),
			zap.String("session_key", ev.SessionKey),
			zap.String("turn_id", ev.TurnID),
			zap.Error(err))
	}
}
