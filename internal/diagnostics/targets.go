package diagnostics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cardev/car/internal/state"
)

// TargetEntry is one row in the delivery-target listing.
type TargetEntry struct {
	Key string `json:"key"`
	state.DeliveryTarget
	Active       bool       `json:"active"`
	LastDelivery *time.Time `json:"last_delivery,omitempty"`
}

// TargetsResponse lists registered targets in key order.
type TargetsResponse struct {
	ActiveKey string        `json:"active_key,omitempty"`
	Targets   []TargetEntry `json:"targets"`
}

// TargetMutationResponse reports the outcome of an add, remove, or activate.
type TargetMutationResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleTargetsList(c *gin.Context) {
	resp := TargetsResponse{Targets: []TargetEntry{}}
	if s.deps.Targets == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	activeKey, _, _ := s.deps.Targets.Active()
	resp.ActiveKey = activeKey
	for _, key := range s.deps.Targets.Keys() {
		target, ok := s.deps.Targets.Get(key)
		if !ok {
			continue
		}
		entry := TargetEntry{
			Key:            key,
			DeliveryTarget: target,
			Active:         key == activeKey,
		}
		if at, ok := s.deps.Targets.LastDelivery(key); ok {
			entry.LastDelivery = &at
		}
		resp.Targets = append(resp.Targets, entry)
	}
	c.JSON(http.StatusOK, resp)
}

// AddTargetRequest registers a delivery target by canonical key.
type AddTargetRequest struct {
	Key   string `json:"key" binding:"required"`
	Label string `json:"label,omitempty"`
}

func (s *Server) handleTargetAdd(c *gin.Context) {
	if s.deps.Targets == nil {
		c.JSON(http.StatusServiceUnavailable, TargetMutationResponse{Error: "delivery target store unavailable"})
		return
	}

	var req AddTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, TargetMutationResponse{Error: err.Error()})
		return
	}

	target, err := state.ParseTargetKey(req.Key)
	if err != nil {
		c.JSON(http.StatusBadRequest, TargetMutationResponse{Error: err.Error()})
		return
	}
	target.Label = req.Label

	key, err := s.deps.Targets.Add(target)
	if err != nil {
		c.JSON(http.StatusInternalServerError, TargetMutationResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TargetMutationResponse{Success: true, Key: key})
}

func (s *Server) handleTargetRemove(c *gin.Context) {
	if s.deps.Targets == nil {
		c.JSON(http.StatusServiceUnavailable, TargetMutationResponse{Error: "delivery target store unavailable"})
		return
	}

	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, TargetMutationResponse{Error: "key query parameter is required"})
		return
	}
	if _, ok := s.deps.Targets.Get(key); !ok {
		c.JSON(http.StatusNotFound, TargetMutationResponse{Key: key, Error: "delivery target not found"})
		return
	}
	if err := s.deps.Targets.Remove(key); err != nil {
		c.JSON(http.StatusInternalServerError, TargetMutationResponse{Key: key, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TargetMutationResponse{Success: true, Key: key})
}

// ActivateTargetRequest points the active delivery target at a registered
// key. An empty key clears the pointer.
type ActivateTargetRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleTargetActivate(c *gin.Context) {
	if s.deps.Targets == nil {
		c.JSON(http.StatusServiceUnavailable, TargetMutationResponse{Error: "delivery target store unavailable"})
		return
	}

	var req ActivateTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, TargetMutationResponse{Error: err.Error()})
		return
	}

	if req.Key != "" {
		if _, ok := s.deps.Targets.Get(req.Key); !ok {
			c.JSON(http.StatusNotFound, TargetMutationResponse{Key: req.Key, Error: "delivery target not found"})
			return
		}
	}
	if err := s.deps.Targets.SetActive(req.Key); err != nil {
		c.JSON(http.StatusInternalServerError, TargetMutationResponse{Key: req.Key, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TargetMutationResponse{Success: true, Key: req.Key})
}
