package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
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

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var received *Event
	sub, err := b.Subscribe("run.output.pma", func(ctx context.Context, event *Event) error {
		received = event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("output_delta", "backend", map[string]interface{}{"text": "hi"})
	require.NoError(t, b.Publish(context.Background(), "run.output.pma", event))

	// Dispatch is synchronous; the handler has already run.
	require.NotNil(t, received)
	assert.Equal(t, event.ID, received.ID)
	assert.Equal(t, "output_delta", received.Type)
}

func TestMemoryEventBusMultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("run.started.pma", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	require.NoError(t, b.Publish(context.Background(), "run.started.pma", NewEvent("started", "backend", nil)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("run.completed.pma", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("completed", "backend", nil)
	require.NoError(t, b.Publish(context.Background(), "run.completed.pma", event))

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "run.completed.pma", event))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestMemoryEventBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("run.output.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "run.output.pma", NewEvent("output_delta", "backend", nil)))
	require.NoError(t, b.Publish(ctx, "run.output.doc_chat:spec", NewEvent("output_delta", "backend", nil)))
	// Different kind, must not match.
	require.NoError(t, b.Publish(ctx, "run.tokens.pma", NewEvent("token_usage", "backend", nil)))

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestMemoryEventBusMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("run.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "run.started.pma", NewEvent("started", "backend", nil)))
	require.NoError(t, b.Publish(ctx, "run.output.pma", NewEvent("output_delta", "backend", nil)))
	require.NoError(t, b.Publish(ctx, "run.failed.autorunner:ticket-42", NewEvent("failed", "backend", nil)))
	// Outside the run hierarchy, must not match.
	require.NoError(t, b.Publish(ctx, "other.subject", NewEvent("other", "backend", nil)))

	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestMemoryEventBusWildcardNoMatch(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("run.*.pma", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	// Missing middle token.
	require.NoError(t, b.Publish(context.Background(), "run.pma", NewEvent("started", "backend", nil)))
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestMemoryEventBusExactMatch(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("run.started.pma", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "run.started.pma", NewEvent("started", "backend", nil)))
	require.NoError(t, b.Publish(ctx, "run.started.other", NewEvent("started", "backend", nil)))

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestMemoryEventBusQueueSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.QueueSubscribe("run.completed.*", "ledger", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(context.Background(), "run.completed.pma", NewEvent("completed", "backend", nil)))
	}

	// Each event reaches exactly one member of the queue group.
	assert.Equal(t, int32(6), atomic.LoadInt32(&count))
}

func TestMemoryEventBusConcurrentPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var received int32
	sub, err := b.Subscribe("run.output.pma", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_ = b.Publish(context.Background(), "run.output.pma", NewEvent("output_delta", "backend", nil))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(goroutines*perGoroutine), atomic.LoadInt32(&received))
}

func TestMemoryEventBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "run.started.pma", NewEvent("started", "backend", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("run.started.pma", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryEventBusRequestReply(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("doctor.ping", func(ctx context.Context, event *Event) error {
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return nil
		}
		replySubject, ok := data["_reply"].(string)
		if !ok {
			return nil
		}
		response := NewEvent("pong", "doctor", map[string]interface{}{"echo": data["message"]})
		return b.Publish(ctx, replySubject, response)
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	request := NewEvent("ping", "test", map[string]interface{}{"message": "hello"})
	response, err := b.Request(context.Background(), "doctor.ping", request, 2*time.Second)
	require.NoError(t, err)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", data["echo"])
}

func TestMemoryEventBusRequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	request := NewEvent("ping", "test", nil)
	_, err := b.Request(context.Background(), "nobody.home", request, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("started", "backend", map[string]interface{}{"turn_id": "turn-1"})
	after := time.Now().UTC()

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "started", event.Type)
	assert.Equal(t, "backend", event.Source)
	assert.False(t, event.Timestamp.Before(before))
	assert.False(t, event.Timestamp.After(after))
}

// Streamed deltas must reach subscribers in publish order; a reordered
// stream would scramble assistant output on every surface.
func TestMemoryEventBusOrdering(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	const numEvents = 200
	received := make([]int, 0, numEvents)

	sub, err := b.Subscribe("run.output.pma", func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		received = append(received, data["seq"].(int))
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		event := NewEvent("output_delta", "backend", map[string]interface{}{"seq": i})
		require.NoError(t, b.Publish(context.Background(), "run.output.pma", event))
	}

	require.Len(t, received, numEvents)
	for i, seq := range received {
		require.Equal(t, i, seq, "event %d arrived out of order", i)
	}
}

// Ordering must hold even when handlers take uneven time. Synchronous
// dispatch makes the slow cases block the fast ones rather than racing them.
func TestMemoryEventBusOrderingWithSlowHandler(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	const numEvents = 50
	received := make([]int, 0, numEvents)

	sub, err := b.Subscribe("run.output.slow", func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		seq := data["seq"].(int)
		// Earlier events take longer, which inverts completion order under
		// async dispatch.
		time.Sleep(time.Duration(numEvents-seq) * 100 * time.Microsecond)
		received = append(received, seq)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		event := NewEvent("output_delta", "backend", map[string]interface{}{"seq": i})
		require.NoError(t, b.Publish(context.Background(), "run.output.slow", event))
	}

	require.Len(t, received, numEvents)
	for i, seq := range received {
		require.Equal(t, i, seq)
	}
}

func TestMemoryEventBusHandlerErrorDoesNotFailPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var later int32
	subFail, err := b.Subscribe("run.failed.pma", func(ctx context.Context, event *Event) error {
		return fmt.Errorf("handler exploded")
	})
	require.NoError(t, err)
	defer func() { _ = subFail.Unsubscribe() }()

	subOK, err := b.Subscribe("run.failed.pma", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&later, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = subOK.Unsubscribe() }()

	require.NoError(t, b.Publish(context.Background(), "run.failed.pma", NewEvent("failed", "backend", nil)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&later))
}
