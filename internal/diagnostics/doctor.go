package diagnostics

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cardev/car/internal/ledger"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/supervisor"
)

// doctorRecentTurns bounds the ledger slice on the combined view.
const doctorRecentTurns = 20

// DoctorResponse is the combined operator view.
type DoctorResponse struct {
	Handles     []supervisor.HandleInfo `json:"handles"`
	Processes   []state.ProcessRecord   `json:"processes"`
	Threads     map[string]string       `json:"threads"`
	RecentTurns []*ledger.Turn          `json:"recent_turns"`
	Summary     *ledger.Summary         `json:"summary,omitempty"`
}

func (s *Server) handleDoctor(c *gin.Context) {
	resp := DoctorResponse{
		Handles:     []supervisor.HandleInfo{},
		Processes:   []state.ProcessRecord{},
		Threads:     map[string]string{},
		RecentTurns: []*ledger.Turn{},
	}

	if s.deps.Pool != nil {
		resp.Handles = s.deps.Pool.Snapshot()
	}
	if s.deps.Processes != nil {
		records, err := s.deps.Processes.ListAll()
		if err != nil {
			s.logger.Warn("process record listing failed", zap.Error(err))
		} else if records != nil {
			resp.Processes = records
		}
	}
	if s.deps.Threads != nil {
		resp.Threads = s.deps.Threads.Snapshot()
	}
	if s.deps.Ledger != nil {
		turns, err := s.deps.Ledger.RecentTurns(c.Request.Context(), doctorRecentTurns)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if turns != nil {
			resp.RecentTurns = turns
		}

		summary, err := s.deps.Ledger.Summary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Summary = summary
	}

	c.JSON(http.StatusOK, resp)
}

// HandlesResponse lists the pooled clients.
type HandlesResponse struct {
	Count   int                     `json:"count"`
	Handles []supervisor.HandleInfo `json:"handles"`
}

func (s *Server) handleHandles(c *gin.Context) {
	resp := HandlesResponse{Handles: []supervisor.HandleInfo{}}
	if s.deps.Pool != nil {
		resp.Handles = s.deps.Pool.Snapshot()
		resp.Count = len(resp.Handles)
	}
	c.JSON(http.StatusOK, resp)
}

// ProcessesResponse lists the on-disk process records.
type ProcessesResponse struct {
	Processes []state.ProcessRecord `json:"processes"`
}

func (s *Server) handleProcesses(c *gin.Context) {
	resp := ProcessesResponse{Processes: []state.ProcessRecord{}}
	if s.deps.Processes != nil {
		records, err := s.deps.Processes.ListAll()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if records != nil {
			resp.Processes = records
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ThreadsResponse dumps the session-key to thread-id registry.
type ThreadsResponse struct {
	Path     string            `json:"path"`
	Sessions map[string]string `json:"sessions"`
}

func (s *Server) handleThreads(c *gin.Context) {
	resp := ThreadsResponse{Sessions: map[string]string{}}
	if s.deps.Threads != nil {
		resp.Path = s.deps.Threads.Path()
		resp.Sessions = s.deps.Threads.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// TurnsResponse lists ledger rows, newest first.
type TurnsResponse struct {
	Turns []*ledger.Turn `json:"turns"`
}

func (s *Server) handleTurns(c *gin.Context) {
	if s.deps.Ledger == nil {
		c.JSON(http.StatusOK, TurnsResponse{Turns: []*ledger.Turn{}})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}

	var (
		turns []*ledger.Turn
		err   error
	)
	if sessionKey := c.Query("session_key"); sessionKey != "" {
		turns, err = s.deps.Ledger.TurnsForSession(c.Request.Context(), sessionKey, limit)
	} else {
		turns, err = s.deps.Ledger.RecentTurns(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if turns == nil {
		turns = []*ledger.Turn{}
	}
	c.JSON(http.StatusOK, TurnsResponse{Turns: turns})
}

func (s *Server) handleTurnsSummary(c *gin.Context) {
	if s.deps.Ledger == nil {
		c.JSON(http.StatusOK, &ledger.Summary{ByStatus: map[string]int64{}})
		return
	}
	summary, err := s.deps.Ledger.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}
