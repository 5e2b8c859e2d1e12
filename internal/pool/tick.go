package pool

import (
	"math"
	"math/rand"
	"time"

	"github.com/narya/wpool/internal/poolcfg"
	"github.com/narya/wpool/internal/proxy"
)

// stateCounts is a snapshot of how many proxies are in each lifecycle
// state at the start of a tick, used to gate concurrency-limited actions.
type stateCounts struct {
	startup, active, maint, shutdown int
}

// Tick runs one second's worth of control decisions: at most one focus
// proxy is considered for maintenance, recycle, or rolling restart (each
// gated by its own concurrency limit and requiring more than one active
// sibling so the pool never drains to zero), followed by a pool-wide
// autoscale check. Called once per second by the Manager.
func (p *Pool) Tick() {
	cfg := p.cfg.Get()
	if !cfg.Enabled {
		return
	}

	if p.metrics != nil {
		start := time.Now()
		defer func() { p.metrics.TickDuration.WithLabelValues(p.id).Observe(time.Since(start).Seconds()) }()
	}

	counts := p.snapshotCounts()

	focus := p.nextFocus()
	if focus != nil {
		p.considerFocus(focus, cfg, counts)
	}

	p.considerAutoscale(cfg, counts)
}

func (p *Pool) snapshotCounts() stateCounts {
	var c stateCounts
	for _, px := range p.Proxies() {
		switch px.State() {
		case proxy.StateStartup:
			c.startup++
		case proxy.StateActive:
			c.active++
		case proxy.StateMaint:
			c.maint++
		case proxy.StateShutdown:
			c.shutdown++
		}
	}
	return c
}

// nextFocus rotates through the live pid list, one candidate per tick, so
// every worker eventually gets considered for maintenance without
// scanning the whole pool every second.
func (p *Pool) nextFocus() *proxy.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pidOrder) == 0 {
		return nil
	}
	if p.cursor >= len(p.pidOrder) {
		p.cursor = 0
	}
	pid := p.pidOrder[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.pidOrder)
	return p.proxies[pid]
}

func (p *Pool) considerFocus(px *proxy.Proxy, cfg *poolcfg.Config, counts stateCounts) {
	if px.State() != proxy.StateActive {
		return
	}
	if counts.active <= 1 {
		return // never take the last standing worker offline
	}

	if payload, ok := px.TakeRequestMaint(); ok {
		p.runMaint(px, cfg, counts, payload)
		return
	}
	if px.TakeRequestRestart() {
		p.runRollingRestart(px, cfg, counts)
		return
	}

	if cfg.AutoMaint && p.dueForMaint(px, cfg) {
		p.runMaint(px, cfg, counts, nil)
		return
	}

	if p.dueForRecycle(px, cfg) {
		p.runRollingRestart(px, cfg, counts)
	}
}

func (p *Pool) dueForMaint(px *proxy.Proxy, cfg *poolcfg.Config) bool {
	served, at := px.LastMaint()
	switch cfg.MaintMethod {
	case poolcfg.MaintByRequests:
		return px.NumRequestsServed()-served >= cfg.MaintRequests
	case poolcfg.MaintByTime:
		return time.Since(at) >= time.Duration(cfg.MaintTimeSec)*time.Second
	default:
		return false
	}
}

// dueForRecycle checks the per-child end-of-life limit resolved once at
// spawn time: max_requests_per_child is never re-randomised on a hot
// config edit -- only future spawns see a new range.
func (p *Pool) dueForRecycle(px *proxy.Proxy, cfg *poolcfg.Config) bool {
	limit := px.MaxRequestsPerChild()
	if limit <= 0 {
		return false
	}
	return px.NumRequestsServed() >= int64(limit)
}

func (p *Pool) runMaint(px *proxy.Proxy, cfg *poolcfg.Config, counts stateCounts, payload any) {
	if counts.maint >= cfg.MaxConcurrentMaint {
		px.SetRequestMaint(payload) // put it back, try again next tick
		return
	}
	if err := px.Maint(payload, cfg.MaintTimeout()); err != nil {
		p.logger.Warn().Err(err).Int("pid", px.Pid()).Msg("maint request failed")
		return
	}
	p.sink.OnRolling(p.id, "maint_start", px.Pid())
	if p.metrics != nil {
		p.metrics.RollingEvents.WithLabelValues(p.id, "maint_start").Inc()
	}
}

// runRollingRestart retires one worker; it does not launch its own
// replacement. The next autoscale pass spawns a fresh one to bring the
// pool back up to its target size, keeping launch concurrency governed by
// a single budget instead of splitting it between this action and scaleUp.
func (p *Pool) runRollingRestart(px *proxy.Proxy, cfg *poolcfg.Config, counts stateCounts) {
	if counts.shutdown >= cfg.MaxConcurrentLaunches {
		px.SetRequestRestart()
		return
	}

	p.sink.OnRolling(p.id, "restart", px.Pid())
	if p.metrics != nil {
		p.metrics.RollingEvents.WithLabelValues(p.id, "restart").Inc()
	}
	px.Shutdown(cfg.ShutdownTimeout())
}

// considerAutoscale grows or shrinks the pool by one worker per tick based
// on num_busy_adj: the count of active proxies running at least
// child_busy_factor requests concurrently, padded by child_headroom_pct
// and floored at min_children-1 so a scale-down can never leave the pool
// without an idle spare. Scale up when the adjusted busy count would
// outrun the workers already live or launching; scale down when it falls
// more than one below the active count.
func (p *Pool) considerAutoscale(cfg *poolcfg.Config, counts stateCounts) {
	live := counts.startup + counts.active + counts.maint
	if live == 0 {
		return
	}

	numBusy := p.numBusy(cfg)
	numBusyAdj := int(math.Floor(float64(numBusy) * (1 + cfg.ChildHeadroomPct/100)))
	if floor := cfg.MinChildren - 1; numBusyAdj < floor {
		numBusyAdj = floor
	}

	switch {
	case numBusyAdj >= counts.startup+counts.active && live < cfg.MaxChildren && counts.startup < cfg.MaxConcurrentLaunches:
		p.scaleUp(cfg)
	case numBusyAdj < counts.active-1 && counts.active > 1 && live > cfg.MinChildren:
		p.scaleDown(cfg)
	}
}

// numBusy counts active proxies carrying at least child_busy_factor
// concurrent requests.
func (p *Pool) numBusy(cfg *poolcfg.Config) int {
	n := 0
	for _, px := range p.Proxies() {
		if px.State() == proxy.StateActive && px.NumActiveRequests() >= cfg.ChildBusyFactor {
			n++
		}
	}
	return n
}

func (p *Pool) scaleUp(cfg *poolcfg.Config) {
	var r *rand.Rand
	p.withRand(func(rr *rand.Rand) { r = rand.New(rand.NewSource(rr.Int63())) })

	px, err := proxy.Spawn(p.spawner, cfg, p.server, &hostAdapter{pool: p}, p.logger, r)
	if err != nil {
		p.logger.Warn().Err(err).Msg("autoscale: failed to launch worker")
		return
	}
	p.addProxy(px)
	p.sink.OnAutoscale(p.id, "up", px.Pid())
	if p.metrics != nil {
		p.metrics.AutoscaleEvents.WithLabelValues(p.id, "up").Inc()
	}
}

func (p *Pool) scaleDown(cfg *poolcfg.Config) {
	victim := p.pickIdle()
	if victim == nil {
		return
	}
	p.sink.OnAutoscale(p.id, "down", victim.Pid())
	if p.metrics != nil {
		p.metrics.AutoscaleEvents.WithLabelValues(p.id, "down").Inc()
	}
	victim.Shutdown(cfg.ShutdownTimeout())
}

// pickIdle returns an active proxy with no in-flight requests, the only
// kind of worker safe to shut down without dropping a live request.
func (p *Pool) pickIdle() *proxy.Proxy {
	for _, px := range p.Proxies() {
		if px.State() == proxy.StateActive && px.NumActiveRequests() == 0 {
			return px
		}
	}
	return nil
}
