// Package pool implements dispatch policy, concurrency accounting, and
// the per-tick control decisions (auto-scale, rolling maintenance,
// rolling restart, recycle) that keep a named group of worker proxies
// healthy.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/proxy"
	"github.com/narya/wpool/internal/telemetry"
	"github.com/narya/wpool/internal/wire"
)

// EventSink receives pool-level events for logging, metrics, or test
// assertions: autoscale add/remove, rolling maint/restart/recycle.
type EventSink interface {
	OnAutoscale(poolID string, action string, pid int)
	OnRolling(poolID string, action string, pid int)
	OnMessage(poolID string, pid int, data any)
	OnInternal(poolID string, pid int, data any)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnAutoscale(string, string, int) {}
func (NopSink) OnRolling(string, string, int)   {}
func (NopSink) OnMessage(string, int, any)      {}
func (NopSink) OnInternal(string, int, any)     {}

// IDGenerator mints request ids. The Manager owns the real generator;
// Pool only consumes it.
type IDGenerator interface {
	NextRequestID() uint64
}

// Pool owns a set of proxies sharing one config.
type Pool struct {
	id     string
	cfg    *poolcfg.Live
	logger zerolog.Logger
	sink   EventSink
	ids    IDGenerator

	spawner proxy.Spawner
	server  wire.ServerInfo
	metrics *telemetry.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.RWMutex
	proxies  map[int]*proxy.Proxy
	pidOrder []int // stable order for the round-robin tick cursor
	cursor   int

	numActiveRequests atomic.Int64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a Pool. It does not spawn any workers -- call Start.
func New(cfg *poolcfg.Config, spawner proxy.Spawner, server wire.ServerInfo, ids IDGenerator, sink EventSink, metrics *telemetry.Metrics, logger zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	if sink == nil {
		sink = NopSink{}
	}
	return &Pool{
		id:      cfg.ID,
		cfg:     poolcfg.NewLive(cfg),
		logger:  logger.With().Str("pool", cfg.ID).Logger(),
		sink:    sink,
		ids:     ids,
		spawner: spawner,
		server:  server,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		proxies: make(map[int]*proxy.Proxy),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the pool's name.
func (p *Pool) ID() string { return p.id }

// Config returns the current live config snapshot.
func (p *Pool) Config() *poolcfg.Config { return p.cfg.Get() }

// SetConfig hot-swaps the config snapshot; tests and admin APIs use this
// to edit MaxChildren, MaxConcurrentLaunches, or ChildHeadroomPct at
// runtime.
func (p *Pool) SetConfig(cfg *poolcfg.Config) { p.cfg.Set(cfg) }

// NumActiveRequests returns the pool-wide in-flight request count, kept in
// lock-step with the sum of per-proxy counts via proxy.Host callbacks.
func (p *Pool) NumActiveRequests() int { return int(p.numActiveRequests.Load()) }

func (p *Pool) resolveRand() *rand.Rand {
	// math/rand.Rand is not safe for concurrent use; every call needing
	// randomness (spawn's max_requests_per_child resolution, dispatch's
	// tie-break) goes through this helper under a dedicated lock rather
	// than sharing package-level rand.
	return p.rng
}

func (p *Pool) withRand(f func(*rand.Rand)) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	f(p.resolveRand())
}

// Start spawns min_children proxies with launch concurrency bounded by
// max_concurrent_launches, and returns once every one of them has
// signalled startup_complete (or failed).
func (p *Pool) Start(ctx context.Context) error {
	cfg := p.cfg.Get()
	p.running.Store(true)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(1, cfg.MaxConcurrentLaunches))

	var launched atomic.Int64
	for i := 0; i < cfg.MinChildren; i++ {
		group.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if err := p.spawnAndWait(gctx, cfg); err != nil {
				p.logger.Error().Err(err).Msg("failed to launch initial worker")
				return err
			}
			launched.Add(1)
			return nil
		})
	}

	err := group.Wait()
	if launched.Load() == 0 && cfg.MinChildren > 0 {
		return fmt.Errorf("pool %s: no workers were started: %w", p.id, err)
	}
	return nil
}

// spawnAndWait spawns one proxy and blocks until it reaches StateActive or
// fails, so Start can report initial-launch failures synchronously.
func (p *Pool) spawnAndWait(ctx context.Context, cfg *poolcfg.Config) error {
	done := make(chan error, 1)
	var once sync.Once
	resolve := func(err error) { once.Do(func() { done <- err }) }

	var r *rand.Rand
	p.withRand(func(rr *rand.Rand) { r = rand.New(rand.NewSource(rr.Int63())) })

	px, err := proxy.Spawn(p.spawner, cfg, p.server, &hostAdapter{pool: p, onStartupResolved: resolve}, p.logger, r)
	if err != nil {
		return err
	}

	p.addProxy(px)

	select {
	case err := <-done:
		if err != nil {
			p.removeProxy(px)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.StartupTimeout() + 5*time.Second):
		return fmt.Errorf("pool %s: startup wait exceeded grace period for pid %d", p.id, px.Pid())
	}
}

func (p *Pool) addProxy(px *proxy.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies[px.Pid()] = px
	p.pidOrder = append(p.pidOrder, px.Pid())
}

func (p *Pool) removeProxy(px *proxy.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.proxies, px.Pid())
	for i, pid := range p.pidOrder {
		if pid == px.Pid() {
			p.pidOrder = append(p.pidOrder[:i], p.pidOrder[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			break
		}
	}
}

// Proxies returns a stable snapshot of the live proxy set.
func (p *Pool) Proxies() []*proxy.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*proxy.Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		out = append(out, px)
	}
	return out
}

// Shutdown instructs every proxy to shut down and waits until the pid map
// is empty or ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.running.Store(false)
	p.cancel()

	cfg := p.cfg.Get()
	for _, px := range p.Proxies() {
		px.Shutdown(cfg.ShutdownTimeout())
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.RLock()
		empty := len(p.proxies) == 0
		p.mu.RUnlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			// Force-kill whatever remains rather than leaving orphans.
			for _, px := range p.Proxies() {
				px.ForceKill()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
