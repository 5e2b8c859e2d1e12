package pool

import "github.com/narya/wpool/internal/proxy"

// hostAdapter implements proxy.Host for one Pool. onStartupResolved is set
// only for the launches Start() is blocking on; autoscale-driven spawns
// pass nil and let the pool discover the outcome via the pid map.
type hostAdapter struct {
	pool              *Pool
	onStartupResolved func(error)
}

func (h *hostAdapter) OnStartupComplete(px *proxy.Proxy) {
	h.pool.logger.Info().Int("pid", px.Pid()).Msg("worker startup complete")
	if h.onStartupResolved != nil {
		h.onStartupResolved(nil)
	}
	if h.pool.metrics != nil {
		h.pool.metrics.Workers.WithLabelValues(h.pool.id, "active").Inc()
	}
}

func (h *hostAdapter) OnStartupFailed(px *proxy.Proxy, err error) {
	h.pool.logger.Warn().Int("pid", px.Pid()).Err(err).Msg("worker startup failed")
	h.pool.removeProxy(px)
	if h.onStartupResolved != nil {
		h.onStartupResolved(err)
	}
}

func (h *hostAdapter) OnMaintComplete(px *proxy.Proxy) {
	h.pool.logger.Debug().Int("pid", px.Pid()).Msg("worker maintenance complete")
	h.pool.sink.OnRolling(h.pool.id, "maint_complete", px.Pid())
}

func (h *hostAdapter) OnMessage(px *proxy.Proxy, data any) {
	h.pool.sink.OnMessage(h.pool.id, px.Pid(), data)
}

func (h *hostAdapter) OnInternal(px *proxy.Proxy, data any) {
	h.pool.sink.OnInternal(h.pool.id, px.Pid(), data)
}

func (h *hostAdapter) OnChildExited(px *proxy.Proxy, cause error) {
	if cause != nil {
		h.pool.logger.Warn().Int("pid", px.Pid()).Err(cause).Msg("worker exited unexpectedly")
	} else {
		h.pool.logger.Info().Int("pid", px.Pid()).Msg("worker exited")
	}
	h.pool.removeProxy(px)
	if h.pool.metrics != nil {
		h.pool.metrics.Workers.WithLabelValues(h.pool.id, "active").Dec()
	}
	// A worker that dies mid-run is not immediately relaunched here: the
	// next tick's autoscale-up pass sees the smaller live set against
	// load and headroom and grows the pool back if warranted, the same
	// path a legitimate scale-up takes.
}

func (h *hostAdapter) OnActiveDelta(px *proxy.Proxy, delta int) {
	total := h.pool.numActiveRequests.Add(int64(delta))
	if h.pool.metrics != nil {
		h.pool.metrics.ActiveRequests.WithLabelValues(h.pool.id).Set(float64(total))
	}
}
