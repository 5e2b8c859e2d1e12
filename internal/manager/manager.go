// Package manager implements the top-level registry of named pools, the
// shared 1Hz tick driver, and the dynamic pool lifecycle wired to a
// watched config directory.
package manager

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/narya/wpool/internal/pool"
	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/proxy"
	"github.com/narya/wpool/internal/telemetry"
	"github.com/narya/wpool/internal/wire"
)

// Manager owns every named pool in the process and schedules their ticks
// from a single ticker loop, so many concurrently running pools share
// one tick scheduler instead of each pool timing its own loop.
type Manager struct {
	spawner proxy.Spawner
	server  wire.ServerInfo
	sink    pool.EventSink
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	pools map[string]*pool.Pool

	idMu       sync.Mutex
	idCounter  int64
	seqCounter int64

	emergencyShutdown bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithEmergencyShutdown enables the "kill everything" path that
// EmergencyShutdown takes after an uncaught panic in the supervisor.
func WithEmergencyShutdown(enabled bool) Option {
	return func(m *Manager) { m.emergencyShutdown = enabled }
}

// New builds a Manager with no pools registered yet.
func New(spawner proxy.Spawner, server wire.ServerInfo, sink pool.EventSink, metrics *telemetry.Metrics, logger zerolog.Logger, opts ...Option) *Manager {
	if sink == nil {
		sink = pool.NopSink{}
	}
	m := &Manager{
		spawner: spawner,
		server:  server,
		sink:    sink,
		metrics: metrics,
		logger:  logger.With().Str("component", "manager").Logger(),
		pools:   make(map[string]*pool.Pool),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NextRequestID mints a process-wide unique, monotonically increasing
// request id, satisfying pool.IDGenerator.
func (m *Manager) NextRequestID() uint64 {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	m.idCounter++
	return uint64(m.idCounter)
}

// getUniqueID mints a short, human-loggable id for a newly created pool
// or debug session: a base-36 encoding of the current time in
// milliseconds followed by a per-process counter, so ids stay sortable
// and collision-free even when several pools are created within the same
// millisecond.
func (m *Manager) getUniqueID(prefix string) string {
	m.idMu.Lock()
	m.seqCounter = (m.seqCounter + 1) % (36 * 36)
	seq := m.seqCounter
	m.idMu.Unlock()

	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return fmt.Sprintf("%s-%s-%s", prefix, ts, strconv.FormatInt(seq, 36))
}

// CreatePool validates cfg, constructs and starts a new pool, and
// registers it under cfg.ID. It is an error to create a pool under an id
// already in use.
func (m *Manager) CreatePool(ctx context.Context, cfg *poolcfg.Config) (*pool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.pools[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: pool %q already exists", cfg.ID)
	}
	p := pool.New(cfg, m.spawner, m.server, m, m.sink, m.metrics, m.logger)
	m.pools[cfg.ID] = p
	m.mu.Unlock()

	if err := p.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.pools, cfg.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: start pool %q: %w", cfg.ID, err)
	}

	m.logger.Info().Str("pool", cfg.ID).Msg("pool created")
	return p, nil
}

// RemovePool shuts a pool down and unregisters it.
func (m *Manager) RemovePool(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pools[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("manager: pool %q not found", id)
	}
	delete(m.pools, id)
	m.mu.Unlock()

	m.logger.Info().Str("pool", id).Msg("removing pool")
	return p.Shutdown(ctx)
}

// Pool looks up a registered pool by id.
func (m *Manager) Pool(id string) (*pool.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	return p, ok
}

// Pools returns a stable snapshot of every registered pool.
func (m *Manager) Pools() []*pool.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// Run starts the 1Hz tick loop, ticking every registered pool once per
// second (jittered slightly so many pools don't all launch replacements
// in the exact same instant), until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer close(m.done)

	jitter := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range m.Pools() {
				p := p
				delay := time.Duration(jitter.Intn(50)) * time.Millisecond
				time.AfterFunc(delay, func() { m.runTickSafely(p) })
			}
		}
	}
}

// runTickSafely isolates one pool's tick from the shared scheduler: a
// panic inside Tick would otherwise crash the whole process from a bare
// time.AfterFunc callback. It runs EmergencyShutdown (which force-kills
// every worker when that option is enabled) and exits instead of limping
// along with unknown pool state.
func (m *Manager) runTickSafely(p *pool.Pool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("pool", p.ID()).Msg("uncaught panic in pool tick")
			m.EmergencyShutdown()
			os.Exit(1)
		}
	}()
	p.Tick()
}

// Stop cancels the tick loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Shutdown gracefully drains every pool, honouring ctx's deadline across
// all of them concurrently rather than serially.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()

	pools := m.Pools()
	errCh := make(chan error, len(pools))
	for _, p := range pools {
		p := p
		go func() { errCh <- p.Shutdown(ctx) }()
	}

	var firstErr error
	for range pools {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EmergencyShutdown force-kills every worker in every pool immediately,
// bypassing drain. It is invoked after an uncaught panic in the
// supervisor (in main or in a pool tick) and does nothing unless the
// process-wide emergency shutdown option is enabled.
func (m *Manager) EmergencyShutdown() {
	if !m.emergencyShutdown {
		return
	}
	m.logger.Error().Msg("emergency shutdown: force-killing all workers")
	for _, p := range m.Pools() {
		for _, px := range p.Proxies() {
			px.ForceKill()
		}
	}
}
