package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
)

// Pool keeps at most MaxClients handles, one per key. Acquire returns a
// running handle, spawning or restarting as needed; callers must Release
// when the turn is over so eviction and the idle sweep can see the handle
// as free.
type Pool struct {
	cfg    config.SupervisorConfig
	logger *logger.Logger

	mu      sync.Mutex
	handles map[Key]*Handle
	closed  bool
}

// NewPool creates an empty pool.
func NewPool(cfg config.SupervisorConfig, log *logger.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		logger:  log.WithComponent("supervisor"),
		handles: make(map[Key]*Handle),
	}
}

// Acquire returns a running handle for key, creating one via spawner when
// absent. At capacity the least-recently-used idle handle is evicted first;
// if every handle is busy, Acquire fails with ErrPoolFull.
func (p *Pool) Acquire(ctx context.Context, key Key, spawner Spawner) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	h, ok := p.handles[key]
	var evict *Handle
	if !ok {
		if len(p.handles) >= p.maxClients() {
			evict = p.lruIdleLocked()
			if evict == nil {
				p.mu.Unlock()
				return nil, ErrPoolFull
			}
			delete(p.handles, evict.key)
		}
		h = newHandle(key, spawner, p.cfg, p.logger)
		p.handles[key] = h
	}
	p.mu.Unlock()

	if evict != nil {
		p.closeHandle(evict, "evicted")
	}

	if err := h.acquire(ctx); err != nil {
		if errors.Is(err, ErrHandleClosed) {
			p.mu.Lock()
			if p.handles[key] == h {
				delete(p.handles, key)
			}
			p.mu.Unlock()
		}
		return nil, err
	}
	return h, nil
}

// Get returns the handle for key without creating or starting one.
func (p *Pool) Get(key Key) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[key]
	return h, ok
}

// Run sweeps idle handles until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.SweepIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := p.sweep(now); n > 0 {
				p.logger.Info("supervisor.idle_swept", zap.Int("closed", n))
			}
		}
	}
}

// sweep closes idle handles older than the TTL and returns how many.
func (p *Pool) sweep(now time.Time) int {
	ttl := p.cfg.IdleTTLDuration()
	if ttl <= 0 {
		ttl = time.Hour
	}

	var expired []*Handle
	p.mu.Lock()
	for key, h := range p.handles {
		last, idle := h.idleSince()
		if idle && now.Sub(last) > ttl {
			expired = append(expired, h)
			delete(p.handles, key)
		}
	}
	p.mu.Unlock()

	for _, h := range expired {
		p.closeHandle(h, "idle_ttl")
	}
	return len(expired)
}

// CloseAll terminates every handle concurrently and rejects further use.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[Key]*Handle)
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error { return h.Close(ctx) })
	}
	return g.Wait()
}

// Snapshot lists every handle for diagnostics, ordered by flavor then
// workspace.
func (p *Pool) Snapshot() []HandleInfo {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	infos := make([]HandleInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Flavor != infos[j].Flavor {
			return infos[i].Flavor < infos[j].Flavor
		}
		return infos[i].Workspace < infos[j].Workspace
	})
	return infos
}

// Len returns the number of pooled handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// lruIdleLocked picks the least-recently-used handle with no holders.
func (p *Pool) lruIdleLocked() *Handle {
	var (
		oldest     *Handle
		oldestUsed time.Time
	)
	for _, h := range p.handles {
		last, idle := h.idleSince()
		if !idle {
			continue
		}
		if oldest == nil || last.Before(oldestUsed) {
			oldest = h
			oldestUsed = last
		}
	}
	return oldest
}

func (p *Pool) closeHandle(h *Handle, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		p.logger.Warn("supervisor.handle_close_failed",
			zap.String("workspace", h.key.Workspace),
			zap.String("flavor", h.key.Flavor),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	p.logger.Info("supervisor.handle_closed",
		zap.String("workspace", h.key.Workspace),
		zap.String("flavor", h.key.Flavor),
		zap.String("reason", reason))
}

func (p *Pool) maxClients() int {
	if p.cfg.MaxClients <= 0 {
		return 20
	}
	return p.cfg.MaxClients
}
