package appserver

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// checkStall runs from a waiting handle. Once a turn has been silent past the
// stall window it re-reads the thread snapshot, which both proves the agent
// is alive and recovers terminal states whose turn/completed never arrived.
// Dropped oversized frames are the usual cause of that gap.
func (c *Client) checkStall(ctx context.Context, ts *TurnState) {
	c.mu.Lock()
	if ts.terminal || c.closed {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	silent := now.Sub(ts.lastActivity)
	if silent < c.opts.StallTimeout {
		c.mu.Unlock()
		return
	}
	if !ts.lastRecovery.IsZero() && now.Sub(ts.lastRecovery) < c.opts.StallRecoveryMinInterval {
		c.mu.Unlock()
		return
	}
	ts.lastRecovery = now
	ts.recoveries++
	threadID, turnID := ts.threadID, ts.turnID
	c.mu.Unlock()

	c.logger.Warn("app_server.turn_stalled",
		zap.String("thread_id", threadID),
		zap.String("turn_id", turnID),
		zap.Duration("silent_for", silent))

	c.recoverTurn(ctx, ts)
}

// recoverTurn resumes the thread and mines the snapshot for the turn's state.
// It resolves the turn only when the snapshot reports it terminal; a running
// or absent turn just means there is nothing new to learn yet.
func (c *Client) recoverTurn(ctx context.Context, ts *TurnState) {
	result, err := c.ThreadResume(ctx, ThreadResumeParams{ThreadID: ts.threadID})
	if err != nil {
		c.logger.Warn("app_server.turn_recovery.failed",
			zap.String("thread_id", ts.threadID),
			zap.String("turn_id", ts.turnID),
			zap.Error(err))
		return
	}

	turns, bareItems := snapshotTurns(result)

	var snap *SnapshotTurn
	for i := range turns {
		if turns[i].ID == ts.turnID {
			snap = &turns[i]
			break
		}
	}

	c.mu.Lock()
	if ts.terminal {
		c.mu.Unlock()
		return
	}

	if snap == nil {
		// Bare-item snapshots carry no turn attribution; absorb what the
		// stream may have missed but learn nothing terminal.
		if len(bareItems) > 0 {
			ts.absorbItems(bareItems)
		}
		// The snapshot answered, so the agent is alive. Restart the stall
		// clock rather than probing again on the recovery interval.
		ts.lastActivity = time.Now()
		c.mu.Unlock()
		c.logger.Debug("turn recovery found no terminal state",
			zap.String("thread_id", ts.threadID),
			zap.String("turn_id", ts.turnID))
		return
	}

	ts.absorbItems(snap.Items)

	status, known := mapTurnStatus(snap.Status)
	if !known {
		ts.lastActivity = time.Now()
		c.mu.Unlock()
		c.logger.Debug("turn recovery found no terminal state",
			zap.String("thread_id", ts.threadID),
			zap.String("turn_id", ts.turnID),
			zap.String("snapshot_status", snap.Status))
		return
	}

	errMsg := decodeErrorMessage(snap.Error)
	turnResult := c.buildResultLocked(ts, status, snap.Status, errMsg)
	c.finishLocked(ts, turnResult, nil)
	c.mu.Unlock()

	c.logger.Info("app_server.turn.completed",
		zap.String("thread_id", turnResult.ThreadID),
		zap.String("turn_id", turnResult.TurnID),
		zap.String("status", string(turnResult.Status)),
		zap.String("raw_status", snap.Status),
		zap.Bool("recovered", true))
}

// snapshotTurns extracts the turn list from a thread/resume result. Backends
// disagree on the envelope: {turns}, {data}, {results}, {thread:{turns}}, or
// a bare {items} list without turn attribution.
func snapshotTurns(result json.RawMessage) ([]SnapshotTurn, []Item) {
	var shaped struct {
		Turns   []SnapshotTurn `json:"turns"`
		Data    []SnapshotTurn `json:"data"`
		Results []SnapshotTurn `json:"results"`
		Items   []Item         `json:"items"`
		Thread  *struct {
			Turns []SnapshotTurn `json:"turns"`
			Items []Item         `json:"items"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &shaped); err != nil {
		return nil, nil
	}

	switch {
	case len(shaped.Turns) > 0:
		return shaped.Turns, nil
	case shaped.Thread != nil && len(shaped.Thread.Turns) > 0:
		return shaped.Thread.Turns, nil
	case len(shaped.Data) > 0:
		return shaped.Data, nil
	case len(shaped.Results) > 0:
		return shaped.Results, nil
	case len(shaped.Items) > 0:
		return nil, shaped.Items
	case shaped.Thread != nil && len(shaped.Thread.Items) > 0:
		return nil, shaped.Thread.Items
	}
	return nil, nil
}
