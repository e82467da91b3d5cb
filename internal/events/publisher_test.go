package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events/bus"
	"github.com/cardev/car/internal/streams"
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

func TestPublisherPublishRun(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	var got []*bus.Event
	sub, err := memBus.Subscribe(BuildRunWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	p := NewPublisher(memBus, "backend", log)

	ev := streams.NewEvent(streams.EventTypeStarted)
	ev.SessionKey = "pma"
	ev.ThreadID = "thread-1"
	ev.TurnID = "turn-1"
	ev.Flavor = "codex"
	p.PublishRun(context.Background(), &ev)

	require.Len(t, got, 1)
	assert.Equal(t, streams.EventTypeStarted, got[0].Type)
	assert.Equal(t, "backend", got[0].Source)

	payload, ok := got[0].Data.(*streams.RunEvent)
	require.True(t, ok)
	assert.Equal(t, "thread-1", payload.ThreadID)
	assert.Equal(t, "turn-1", payload.TurnID)
}

func TestPublisherNilBusIsNoop(t *testing.T) {
	p := NewPublisher(nil, "backend", newTestLogger(t))
	ev := streams.NewEvent(streams.EventTypeCompleted)
	p.PublishRun(context.Background(), &ev)

	var nilPublisher *Publisher
	nilPublisher.PublishRun(context.Background(), &ev)
}
