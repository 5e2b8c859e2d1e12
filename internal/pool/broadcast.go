package pool

// Broadcast sends a "message" frame to every live worker in the pool.
func (p *Pool) Broadcast(data any) {
	for _, px := range p.Proxies() {
		if err := px.SendMessage(data); err != nil {
			p.logger.Warn().Err(err).Int("pid", px.Pid()).Msg("broadcast message failed")
		}
	}
}

// RequestMaint flags every worker in the pool, whatever its state, for
// maintenance on its next tick turn, rather than maint-ing all of them at
// once.
func (p *Pool) RequestMaint(payload any) {
	for _, px := range p.Proxies() {
		px.SetRequestMaint(payload)
	}
}

// RequestRestart flags every worker in the pool, whatever its state, for
// a rolling restart, realised one at a time as the tick's launch/shutdown
// concurrency limits allow.
func (p *Pool) RequestRestart() {
	for _, px := range p.Proxies() {
		px.SetRequestRestart()
	}
}
