// Package diagnostics serves the operator API: doctor views over the live
// pool, registries, and ledger, delivery-target management, and the
// websocket gateway mount. Read-mostly; it binds loopback by default.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/httpmw"
	"github.com/cardev/car/internal/common/logger"
	gatewayws "github.com/cardev/car/internal/gateway/websocket"
	"github.com/cardev/car/internal/ledger"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/supervisor"
)

// Deps are the live components the doctor API reads. Nil members disable
// their endpoints' content rather than failing the server.
type Deps struct {
	Pool      *supervisor.Pool
	Threads   *state.ThreadRegistry
	Processes *state.ProcessRegistry
	Targets   *state.DeliveryTargetStore
	Ledger    *ledger.Store
	Gateway   *gatewayws.Gateway
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *logger.Logger
	router *gin.Engine
	http   *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("diagnostics"),
		router: gin.New(),
	}

	s.router.Use(httpmw.RequestLogger(s.logger, "diagnostics"))
	s.router.Use(httpmw.OtelTracing("diagnostics"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves on the configured address until the listener fails or
// Shutdown runs. A closed-server error is not reported.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/doctor", s.handleDoctor)
		v1.GET("/doctor/handles", s.handleHandles)
		v1.GET("/doctor/processes", s.handleProcesses)
		v1.GET("/doctor/threads", s.handleThreads)
		v1.GET("/doctor/turns", s.handleTurns)
		v1.GET("/doctor/turns/summary", s.handleTurnsSummary)

		// Target keys carry colons and slashes, so delete selects by query
		// parameter instead of a path segment.
		v1.GET("/delivery-targets", s.handleTargetsList)
		v1.POST("/delivery-targets", s.handleTargetAdd)
		v1.DELETE("/delivery-targets", s.handleTargetRemove)
		v1.POST("/delivery-targets/active", s.handleTargetActivate)
	}

	if s.deps.Gateway != nil {
		s.deps.Gateway.SetupRoutes(s.router)
	}
}

// HealthResponse answers the liveness probe.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
