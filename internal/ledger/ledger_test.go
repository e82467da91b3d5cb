package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/streams"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.LedgerConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db")}
	store, err := Open(cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startTestTurn(t *testing.T, store *Store, sessionKey string, startedAt time.Time) *Turn {
	t.Helper()
	row := &Turn{
		ThreadID:   "th_1",
		SessionKey: sessionKey,
		AgentID:    "codex",
		Flavor:     "codex",
		Model:      "gpt-5-codex",
		StartedAt:  startedAt,
	}
	require.NoError(t, store.StartTurn(context.Background(), row))
	return row
}

func TestOpenDefaultsToStateRootPath(t *testing.T) {
	stateRoot := t.TempDir()
	store, err := Open(config.LedgerConfig{Driver: "sqlite"}, stateRoot)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Join(stateRoot, "ledger.db"))
	require.NoError(t, err)
}

func TestStartTurnFillsDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := &Turn{SessionKey: "sess-1", AgentID: "codex", Flavor: "codex", Resumed: true}
	require.NoError(t, store.StartTurn(ctx, row))
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, StatusRunning, row.Status)
	assert.False(t, row.StartedAt.IsZero())

	got, err := store.GetTurn(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionKey)
	assert.Equal(t, "codex", got.AgentID)
	assert.True(t, got.Resumed)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Zero(t, got.Duration())
	assert.WithinDuration(t, row.StartedAt, got.StartedAt, time.Second)
}

func TestGetTurnMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetTurn(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAttachTurnIDFirstWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	row := startTestTurn(t, store, "sess-1", time.Now().UTC())

	require.NoError(t, store.AttachTurnID(ctx, row.ID, "tu_1"))
	require.NoError(t, store.AttachTurnID(ctx, row.ID, "tu_2"))

	got, err := store.GetTurn(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "tu_1", got.TurnID)
}

func TestRecordUsageOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	row := startTestTurn(t, store, "sess-1", time.Now().UTC())

	require.NoError(t, store.RecordUsage(ctx, row.ID, &streams.TokenTotals{
		InputTokens: 10, OutputTokens: 5, TotalTokens: 15,
	}))
	require.NoError(t, store.RecordUsage(ctx, row.ID, &streams.TokenTotals{
		InputTokens: 20, CachedInputTokens: 4, OutputTokens: 8, ReasoningOutputTokens: 2, TotalTokens: 34,
	}))
	require.NoError(t, store.RecordUsage(ctx, row.ID, nil), "nil usage is a no-op")

	got, err := store.GetTurn(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.InputTokens)
	assert.Equal(t, int64(4), got.CachedInputTokens)
	assert.Equal(t, int64(8), got.OutputTokens)
	assert.Equal(t, int64(2), got.ReasoningOutputTokens)
	assert.Equal(t, int64(34), got.TotalTokens)
}

func TestFinishTurnSetsTerminalFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	row := startTestTurn(t, store, "sess-1", time.Now().UTC().Add(-time.Minute))

	require.NoError(t, store.FinishTurn(ctx, row.ID, TurnFinish{
		Status:     StatusCompleted,
		TurnStatus: "success",
	}))

	got, err := store.GetTurn(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "success", got.TurnStatus)
	assert.Empty(t, got.ErrorKind)
	require.NotNil(t, got.CompletedAt)
	assert.Greater(t, got.Duration(), 30*time.Second)
	assert.Equal(t, "th_1", got.ThreadID, "empty finish thread keeps the original")
}

func TestFinishTurnRefreshesThread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	row := startTestTurn(t, store, "sess-1", time.Now().UTC())

	require.NoError(t, store.FinishTurn(ctx, row.ID, TurnFinish{
		Status:    StatusFailed,
		ErrorKind: streams.ErrorKindTransient,
		ThreadID:  "th_fresh",
	}))

	got, err := store.GetTurn(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, streams.ErrorKindTransient, got.ErrorKind)
	assert.Equal(t, "th_fresh", got.ThreadID)
}

func TestRecentTurnsOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	oldest := startTestTurn(t, store, "sess-a", base)
	middle := startTestTurn(t, store, "sess-b", base.Add(time.Minute))
	newest := startTestTurn(t, store, "sess-c", base.Add(2*time.Minute))

	turns, err := store.RecentTurns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, newest.ID, turns[0].ID)
	assert.Equal(t, middle.ID, turns[1].ID)

	all, err := store.RecentTurns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, oldest.ID, all[2].ID)
}

func TestTurnsForSessionFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	first := startTestTurn(t, store, "sess-a", base)
	second := startTestTurn(t, store, "sess-a", base.Add(time.Minute))
	startTestTurn(t, store, "sess-b", base.Add(2*time.Minute))

	turns, err := store.TurnsForSession(ctx, "sess-a", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, second.ID, turns[0].ID)
	assert.Equal(t, first.ID, turns[1].ID)
}

func TestSummaryAggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := startTestTurn(t, store, "sess-a", now)
	require.NoError(t, store.RecordUsage(ctx, done.ID, &streams.TokenTotals{TotalTokens: 100}))
	require.NoError(t, store.FinishTurn(ctx, done.ID, TurnFinish{Status: StatusCompleted, TurnStatus: "success"}))

	failed := startTestTurn(t, store, "sess-b", now)
	require.NoError(t, store.RecordUsage(ctx, failed.ID, &streams.TokenTotals{TotalTokens: 40}))
	require.NoError(t, store.FinishTurn(ctx, failed.ID, TurnFinish{Status: StatusFailed, ErrorKind: streams.ErrorKindPermanent}))

	startTestTurn(t, store, "sess-c", now)

	sum, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Turns)
	assert.Equal(t, int64(1), sum.ByStatus[StatusCompleted])
	assert.Equal(t, int64(1), sum.ByStatus[StatusFailed])
	assert.Equal(t, int64(1), sum.ByStatus[StatusRunning])
	assert.Equal(t, int64(140), sum.TotalTokens)
}

func TestSummaryOnEmptyLedger(t *testing.T) {
	store := newTestStore(t)

	sum, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Turns)
	assert.Zero(t, sum.TotalTokens)
	assert.Empty(t, sum.ByStatus)
}
