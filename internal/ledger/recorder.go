package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/events"
	"github.com/cardev/car/internal/events/bus"
	"github.com/cardev/car/internal/streams"
)

// activeRow tracks the open accounting row for one session key.
type activeRow struct {
	id     string
	turnID string
}

// Recorder follows the run-event bus and maintains the ledger. Events are
// correlated to rows by session key: every event for a turn carries the key,
// while the turn id only becomes known once the backend assigns it.
type Recorder struct {
	store  *Store
	logger *logger.Logger

	mu     sync.Mutex
	active map[string]*activeRow

	sub bus.Subscription
}

// NewRecorder creates a recorder writing to the given store.
func NewRecorder(store *Store, log *logger.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.WithComponent("ledger_recorder"),
		active: make(map[string]*activeRow),
	}
}

// Attach subscribes the recorder to every run subject.
func (r *Recorder) Attach(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(events.BuildRunWildcardSubject(), r.handle)
	if err != nil {
		return fmt.Errorf("subscribe run events: %w", err)
	}
	r.sub = sub
	return nil
}

// Detach cancels the bus subscription. Rows already open stay open and will
// read as running until a later process supersedes them.
func (r *Recorder) Detach() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
}

// handle applies one run event to the ledger. Failures are logged, never
// returned: a ledger hiccup must not disturb event distribution.
func (r *Recorder) handle(ctx context.Context, event *bus.Event) error {
	ev, ok := events.DecodeRun(event)
	if !ok || ev.SessionKey == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Type == streams.EventTypeStarted {
		r.onStarted(ctx, ev)
		return nil
	}

	r.noteTurnID(ctx, ev)
	switch ev.Type {
	case streams.EventTypeTokenUsage:
		r.onUsage(ctx, ev)
	case streams.EventTypeCompleted, streams.EventTypeFailed:
		r.onTerminal(ctx, ev)
	}
	return nil
}

func (r *Recorder) onStarted(ctx context.Context, ev *streams.RunEvent) {
	if open, ok := r.active[ev.SessionKey]; ok {
		// A new turn on the key means the previous stream never reached a
		// terminal here. Close the stale row so it cannot read as running
		// forever.
		if err := r.store.FinishTurn(ctx, open.id, TurnFinish{Status: StatusSuperseded}); err != nil {
			r.logger.Error("ledger.supersede_failed",
				zap.String("row_id", open.id),
				zap.String("session_key", ev.SessionKey),
				zap.Error(err))
		}
		delete(r.active, ev.SessionKey)
	}

	row := &Turn{
		TurnID:     ev.TurnID,
		ThreadID:   ev.ThreadID,
		SessionKey: ev.SessionKey,
		AgentID:    ev.AgentID,
		Flavor:     ev.Flavor,
		Model:      ev.Model,
		Resumed:    ev.Resumed,
		StartedAt:  ev.Timestamp,
	}
	if err := r.store.StartTurn(ctx, row); err != nil {
		r.logger.Error("ledger.start_failed",
			zap.String("session_key", ev.SessionKey),
			zap.Error(err))
		return
	}
	r.active[ev.SessionKey] = &activeRow{id: row.ID, turnID: row.TurnID}
}

// noteTurnID attaches the backend turn id to the open row the first time any
// event carries it.
func (r *Recorder) noteTurnID(ctx context.Context, ev *streams.RunEvent) {
	open, ok := r.active[ev.SessionKey]
	if !ok || open.turnID != "" || ev.TurnID == "" {
		return
	}
	if err := r.store.AttachTurnID(ctx, open.id, ev.TurnID); err != nil {
		r.logger.Error("ledger.attach_turn_failed",
			zap.String("row_id", open.id),
			zap.String("turn_id", ev.TurnID),
			zap.Error(err))
		return
	}
	open.turnID = ev.TurnID
}

func (r *Recorder) onUsage(ctx context.Context, ev *streams.RunEvent) {
	open, ok := r.active[ev.SessionKey]
	if !ok {
		return
	}
	usage := ev.Usage
	if usage == nil {
		usage = ev.LastUsage
	}
	if usage == nil {
		return
	}
	if err := r.store.RecordUsage(ctx, open.id, usage); err != nil {
		r.logger.Error("ledger.usage_failed",
			zap.String("row_id", open.id),
			zap.Error(err))
	}
}

func (r *Recorder) onTerminal(ctx context.Context, ev *streams.RunEvent) {
	open, ok := r.active[ev.SessionKey]
	if !ok {
		return
	}

	// Successful terminals carry the final cumulative usage.
	if ev.Usage != nil {
		if err := r.store.RecordUsage(ctx, open.id, ev.Usage); err != nil {
			r.logger.Error("ledger.usage_failed",
				zap.String("row_id", open.id),
				zap.Error(err))
		}
	}

	fin := TurnFinish{
		Status:     StatusCompleted,
		TurnStatus: ev.Status,
		ThreadID:   ev.ThreadID,
	}
	if ev.Type == streams.EventTypeFailed {
		fin.Status = StatusFailed
		fin.ErrorKind = ev.ErrorKind
	}
	if err := r.store.FinishTurn(ctx, open.id, fin); err != nil {
		r.logger.Error("ledger.finish_failed",
			zap.String("row_id", open.id),
			zap.Error(err))
	}
	delete(r.active, ev.SessionKey)
}
