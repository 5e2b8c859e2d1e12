package manager

import (
	"context"

	"github.com/narya/wpool/internal/poolcfg"
)

// WatchDir starts a poolcfg.Watcher on dir and applies its events to the
// registry until ctx is cancelled: a created file spins up a new pool
// (a file that sets no id takes its base name as the pool id), a changed
// file hot-swaps the live config on the existing pool without a restart,
// and a removed file tears the pool down.
func (m *Manager) WatchDir(ctx context.Context, dir string) error {
	w, err := poolcfg.NewWatcher(dir)
	if err != nil {
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				m.applyWatchEvent(ctx, ev)
			}
		}
	}()

	return nil
}

func (m *Manager) applyWatchEvent(ctx context.Context, ev poolcfg.Event) {
	switch ev.Kind {
	case poolcfg.EventCreated:
		if ev.Config.ID == "" {
			ev.Config.ID = m.getUniqueID("pool")
		}
		if _, err := m.CreatePool(ctx, ev.Config); err != nil {
			m.logger.Error().Err(err).Str("pool", ev.ID).Msg("watch: failed to create pool")
		}
	case poolcfg.EventChanged:
		if p, ok := m.Pool(ev.ID); ok {
			p.SetConfig(ev.Config)
			m.logger.Info().Str("pool", ev.ID).Msg("watch: config hot-reloaded")
		} else if _, err := m.CreatePool(ctx, ev.Config); err != nil {
			m.logger.Error().Err(err).Str("pool", ev.ID).Msg("watch: failed to create pool on change")
		}
	case poolcfg.EventRemoved:
		if err := m.RemovePool(ctx, ev.ID); err != nil {
			m.logger.Warn().Err(err).Str("pool", ev.ID).Msg("watch: failed to remove pool")
		}
	}
}
