package codexflavor

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/pkg/appserver"
)

// maxBufferedNotes bounds notifications held for turn ids seen before their
// turn/start response returned. Oldest entries are dropped first.
const maxBufferedNotes = 256

// turnStream is one active turn's routing target.
type turnStream struct {
	threadID  string
	turnID    string // empty until adopt
	norm      *normalizer
	approvals appserver.ApprovalHandler
}

type bufferedNote struct {
	turnID string
	method string
	params json.RawMessage
}

type noteIDs struct {
	threadID string
	turnID   string
}

// router fans one client's notifications and approval requests out to its
// active turn streams. dispatch runs on the client's read loop; one mutex
// serializes it against adoption replay so each turn sees wire order.
type router struct {
	logger   *logger.Logger
	fallback appserver.ApprovalHandler

	mu       sync.Mutex
	streams  []*turnStream
	buffered []bufferedNote
}

func newRouter(fallback appserver.ApprovalHandler, log *logger.Logger) *router {
	return &router{logger: log, fallback: fallback}
}

func (r *router) track(stream *turnStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, stream)
}

func (r *router) untrack(stream *turnStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.streams {
		if s == stream {
			r.streams = append(r.streams[:i], r.streams[i+1:]...)
			return
		}
	}
}

// adopt stamps the turn id on the stream and replays any notifications that
// raced ahead of the turn/start response, in arrival order.
func (r *router) adopt(stream *turnStream, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream.turnID = turnID
	stream.norm.turnID = turnID

	if len(r.buffered) == 0 {
		return
	}
	kept := r.buffered[:0]
	var replay []bufferedNote
	for _, note := range r.buffered {
		if note.turnID == turnID {
			replay = append(replay, note)
		} else {
			kept = append(kept, note)
		}
	}
	r.buffered = kept
	for _, note := range replay {
		stream.norm.handle(note.method, note.params)
	}
}

// dispatch routes one notification. Unroutable notes carrying a turn id are
// buffered for a stream that has not adopted its id yet; everything else
// unmatched is dropped (the turn registry and raw log already saw it).
func (r *router) dispatch(method string, params json.RawMessage) {
	ids := extractIDs(params)

	r.mu.Lock()
	defer r.mu.Unlock()

	stream := r.matchLocked(ids)
	if stream == nil {
		if ids.turnID == "" {
			return
		}
		r.buffered = append(r.buffered, bufferedNote{turnID: ids.turnID, method: method, params: params})
		if len(r.buffered) > maxBufferedNotes {
			r.buffered = r.buffered[len(r.buffered)-maxBufferedNotes:]
		}
		return
	}
	stream.norm.handle(method, params)
}

// matchLocked finds the stream for a notification. Turn id matches win; a
// note without one routes by thread id when exactly one stream fits.
func (r *router) matchLocked(ids noteIDs) *turnStream {
	if ids.turnID != "" {
		for _, s := range r.streams {
			if s.turnID == ids.turnID {
				if ids.threadID != "" && s.threadID != "" && ids.threadID != s.threadID {
					r.logger.Warn("notification thread id differs from turn's thread",
						zap.String("turn_id", ids.turnID),
						zap.String("notification_thread_id", ids.threadID),
						zap.String("turn_thread_id", s.threadID))
				}
				return s
			}
		}
		return nil
	}

	var match *turnStream
	for _, s := range r.streams {
		if ids.threadID != "" && s.threadID != ids.threadID {
			continue
		}
		if match != nil {
			return nil
		}
		match = s
	}
	return match
}

// Decide implements appserver.ApprovalHandler: approval requests route to
// the owning turn's bridge, or the client-level fallback when no turn
// claims them.
func (r *router) Decide(ctx context.Context, req *appserver.ApprovalRequest) (appserver.ApprovalDecision, error) {
	r.mu.Lock()
	handler := r.fallback
	if s := r.matchLocked(noteIDs{threadID: req.ThreadID, turnID: req.TurnID}); s != nil && s.approvals != nil {
		handler = s.approvals
	}
	r.mu.Unlock()

	if handler == nil {
		return appserver.ApprovalDecision{Approve: false}, nil
	}
	return handler.Decide(ctx, req)
}

func extractIDs(params json.RawMessage) noteIDs {
	var shaped struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
	}
	_ = json.Unmarshal(params, &shaped)
	return noteIDs{threadID: shaped.ThreadID, turnID: shaped.TurnID}
}
