package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
)

const stopGrace = 5 * time.Second

// Handle supervises one backend. It owns the client state machine; the
// wrapped backend only reports its own loss. Spawn and handshake serialize
// on startMu, everything else sits behind the data mutex.
type Handle struct {
	key     Key
	cfg     config.SupervisorConfig
	spawner Spawner
	logger  *logger.Logger

	startMu sync.Mutex

	mu         sync.Mutex
	state      string
	backend    Backend
	generation int
	refs       int
	lastUsed   time.Time
	attempts   int
	closed     bool

	breaker  *breaker
	closedCh chan struct{}
}

func newHandle(key Key, spawner Spawner, cfg config.SupervisorConfig, log *logger.Logger) *Handle {
	return &Handle{
		key:     key,
		cfg:     cfg,
		spawner: spawner,
		logger: log.WithFields(
			zap.String("component", "supervisor"),
			zap.String("workspace", key.Workspace),
			zap.String("flavor", key.Flavor)),
		state:    StateCreated,
		lastUsed: time.Now(),
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldownDuration()),
		closedCh: make(chan struct{}),
	}
}

// Key returns the pool key this handle serves.
func (h *Handle) Key() Key { return h.key }

// Backend returns the current backend, nil while not running.
func (h *Handle) Backend() Backend {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backend
}

// State returns the current lifecycle state.
func (h *Handle) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Info returns a diagnostics snapshot.
func (h *Handle) Info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandleInfo{
		Workspace:       h.key.Workspace,
		Flavor:          h.key.Flavor,
		State:           h.state,
		IdleSeconds:     time.Since(h.lastUsed).Seconds(),
		Refs:            h.refs,
		RestartAttempts: h.attempts,
		BreakerState:    h.breaker.State(),
	}
}

// acquire ensures the backend is running and takes a usage reference.
func (h *Handle) acquire(ctx context.Context) error {
	if err := h.ensureRunning(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.refs++
	h.lastUsed = time.Now()
	h.mu.Unlock()
	return nil
}

// Release drops the usage reference taken by Acquire.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// idleSince reports the last-used time and whether no caller holds the handle.
func (h *Handle) idleSince() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed, h.refs == 0
}

// ensureRunning starts the backend unless it is already up.
func (h *Handle) ensureRunning(ctx context.Context) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	if h.state == StateRunning {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	return h.start(ctx)
}

// start runs one spawn-and-handshake cycle. Caller holds startMu.
func (h *Handle) start(ctx context.Context) error {
	if err := h.breaker.Allow(); err != nil {
		var open *CircuitOpenError
		if errors.As(err, &open) {
			open.Workspace = h.key.Workspace
			open.Flavor = h.key.Flavor
		}
		return err
	}

	h.setState(StateSpawning)
	backend, err := h.spawner.Spawn(ctx)
	if err != nil {
		h.breaker.Record(false)
		h.setState(StateDisconnected)
		return err
	}

	h.setState(StateInitializing)
	if err := h.spawner.Initialize(ctx, backend); err != nil {
		h.breaker.Record(false)
		h.stopBackend(backend)
		h.setState(StateDisconnected)
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.stopBackend(backend)
		return ErrHandleClosed
	}
	h.backend = backend
	h.generation++
	gen := h.generation
	h.state = StateRunning
	h.attempts = 0
	h.lastUsed = time.Now()
	h.mu.Unlock()

	h.breaker.Record(true)
	go h.watch(backend, gen)
	return nil
}

// watch waits for the backend to be lost and kicks off the restart policy.
func (h *Handle) watch(backend Backend, gen int) {
	select {
	case <-backend.Done():
	case <-h.closedCh:
		return
	}

	h.mu.Lock()
	if h.closed || h.generation != gen || h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	h.state = StateDisconnected
	h.backend = nil
	restart := h.cfg.AutoRestart
	h.mu.Unlock()

	if restart {
		go h.restartLoop()
	}
}

// restartLoop retries start with backoff until success, close, or attempt
// exhaustion. Exhaustion closes the handle permanently.
func (h *Handle) restartLoop() {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		attempt := h.attempts
		h.mu.Unlock()

		if attempt >= h.maxAttempts() {
			h.logger.Error("app_server.restart.failed",
				zap.Int("attempts", attempt))
			ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
			_ = h.Close(ctx)
			cancel()
			return
		}

		delay := restartDelay(h.backoffBase(), h.backoffCap(), h.cfg.RestartBackoffJitter, attempt)
		select {
		case <-time.After(delay):
		case <-h.closedCh:
			return
		}

		err := h.ensureRunning(context.Background())
		if err == nil {
			h.logger.Info("app_server.restarted",
				zap.Int("attempt", attempt+1))
			return
		}
		if errors.Is(err, ErrHandleClosed) {
			return
		}

		h.mu.Lock()
		h.attempts++
		h.mu.Unlock()
		h.logger.Warn("app_server.restart.attempt_failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
}

// Close terminates the handle permanently. Safe to call more than once.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.state = StateClosed
	backend := h.backend
	h.backend = nil
	close(h.closedCh)
	h.mu.Unlock()

	if backend != nil {
		return backend.Stop(ctx)
	}
	return nil
}

func (h *Handle) setState(state string) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *Handle) stopBackend(backend Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	_ = backend.Stop(ctx)
}

func (h *Handle) maxAttempts() int {
	if h.cfg.RestartMaxAttempts <= 0 {
		return 10
	}
	return h.cfg.RestartMaxAttempts
}

func (h *Handle) backoffBase() time.Duration {
	if h.cfg.RestartBackoffBase <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(h.cfg.RestartBackoffBase * float64(time.Second))
}

func (h *Handle) backoffCap() time.Duration {
	if h.cfg.RestartBackoffCap <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.cfg.RestartBackoffCap * float64(time.Second))
}
