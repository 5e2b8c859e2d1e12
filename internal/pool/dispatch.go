package pool

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/narya/wpool/internal/proxy"
)

// ErrAtCapacity is returned when the pool's max_concurrent_requests cap is
// already met.
var ErrAtCapacity = fmt.Errorf("pool: at capacity")

// ErrNoWorkerAvailable is returned when no proxy is in a dispatchable
// state, distinct from ErrAtCapacity: the pool has headroom but nothing
// live to send the request to (e.g. every child is starting up or in
// maintenance).
var ErrNoWorkerAvailable = fmt.Errorf("pool: no worker available")

// Dispatch picks the least-loaded eligible proxy, ties broken randomly,
// and forwards the request to it. A zero MaxConcurrentRequests means
// uncapped.
func (p *Pool) Dispatch(id uint64, timeout time.Duration, args proxy.DispatchArgs, cb proxy.Callback, onChunk func([]byte)) error {
	cfg := p.cfg.Get()
	if cfg.MaxConcurrentRequests > 0 && p.NumActiveRequests() >= cfg.MaxConcurrentRequests {
		p.recordDispatch("at_capacity")
		return ErrAtCapacity
	}

	px := p.pickLeastLoaded()
	if px == nil {
		p.recordDispatch("no_worker")
		return ErrNoWorkerAvailable
	}

	err := px.Dispatch(id, timeout, args, cb, onChunk)
	if err != nil {
		p.recordDispatch("error")
	} else {
		p.recordDispatch("ok")
	}
	return err
}

func (p *Pool) recordDispatch(outcome string) {
	if p.metrics != nil {
		p.metrics.DispatchTotal.WithLabelValues(p.id, outcome).Inc()
	}
}

// DispatchCustom mirrors Dispatch for the internal "custom" call shape.
func (p *Pool) DispatchCustom(id uint64, timeout time.Duration, params any, cb proxy.CustomCallback) error {
	cfg := p.cfg.Get()
	if cfg.MaxConcurrentRequests > 0 && p.NumActiveRequests() >= cfg.MaxConcurrentRequests {
		p.recordDispatch("at_capacity")
		return ErrAtCapacity
	}

	px := p.pickLeastLoaded()
	if px == nil {
		p.recordDispatch("no_worker")
		return ErrNoWorkerAvailable
	}

	err := px.DispatchCustom(id, timeout, params, cb)
	if err != nil {
		p.recordDispatch("error")
	} else {
		p.recordDispatch("ok")
	}
	return err
}

func (p *Pool) pickLeastLoaded() *proxy.Proxy {
	p.mu.RLock()
	candidates := make([]*proxy.Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		if px.State() == proxy.StateActive {
			candidates = append(candidates, px)
		}
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	min := candidates[0].NumActiveRequests()
	for _, px := range candidates[1:] {
		if n := px.NumActiveRequests(); n < min {
			min = n
		}
	}

	tied := candidates[:0:0]
	for _, px := range candidates {
		if px.NumActiveRequests() == min {
			tied = append(tied, px)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	var idx int
	p.withRand(func(r *rand.Rand) { idx = r.Intn(len(tied)) })
	return tied[idx]
}
