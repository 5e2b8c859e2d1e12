package poolcfg

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// EventKind discriminates the three changes a watched directory can
// report.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventChanged EventKind = "changed"
	EventRemoved EventKind = "removed"
)

// Event describes a change observed in a watched pool-config directory.
type Event struct {
	Kind EventKind
	// ID is the pool id derived from the file's base name.
	ID string
	// Config is nil for a removed event.
	Config *Config
}

// Watcher drives a Pool Manager's dynamic createPool/removePool lifecycle
// from a directory of <pool-id>.yaml files, reacting to on-disk config
// state rather than requiring an explicit API call for every change.
type Watcher struct {
	dir string
	fsw *fsnotify.Watcher
	out chan Event
}

// NewWatcher starts watching dir. Callers drain Events until Close.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir: dir,
		fsw: fsw,
		out: make(chan Event, 16),
	}
	go w.run()
	return w, nil
}

// Events returns the channel of pool config changes.
func (w *Watcher) Events() <-chan Event { return w.out }

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	return err
}

func (w *Watcher) run() {
	defer close(w.out)
	for ev := range w.fsw.Events {
		ext := filepath.Ext(ev.Name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(ev.Name), ext)

		switch {
		case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
			w.out <- Event{Kind: EventRemoved, ID: id}
		case ev.Has(fsnotify.Create):
			cfg, err := LoadFile(ev.Name)
			if err != nil {
				continue
			}
			w.out <- Event{Kind: EventCreated, ID: id, Config: cfg}
		case ev.Has(fsnotify.Write):
			cfg, err := LoadFile(ev.Name)
			if err != nil {
				continue
			}
			w.out <- Event{Kind: EventChanged, ID: id, Config: cfg}
		}
	}
}
