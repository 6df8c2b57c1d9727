package config

import (
	"sync"

	"github.com/pvtbox/syncd/internal/events"
)

// Handler is notified whenever the wrapped configuration changes,
// mirroring the teacher's config.Handler/HandlerFunc pair.
type Handler interface {
	Changed(Configuration) error
}

type HandlerFunc func(Configuration) error

func (fn HandlerFunc) Changed(cfg Configuration) error {
	return fn(cfg)
}

// Wrapper manages load/save/replace of a Configuration and fans out
// changes to registered Handlers, then logs events.ConfigSaved so the GUI
// message bus (spec §6, `gui_settings_changed`) picks it up without a
// direct dependency from this package back into the processor.
type Wrapper struct {
	mu   sync.Mutex
	cfg  Configuration
	path string

	handlers []Handler
	bus      *events.Logger
}

// Wrap constructs a Wrapper around an already-loaded Configuration. bus
// may be nil, in which case change notifications are only delivered to
// registered Handlers.
func Wrap(path string, cfg Configuration, bus *events.Logger) *Wrapper {
	return &Wrapper{cfg: cfg, path: path, bus: bus}
}

// Raw returns a copy of the current configuration.
func (w *Wrapper) Raw() Configuration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Subscribe registers h to be called, in order, on every Replace.
func (w *Wrapper) Subscribe(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Replace persists cfg to disk, swaps it in, and notifies every
// registered Handler; the first Handler error aborts the swap and is
// returned, leaving the previous configuration in effect on disk (the
// in-memory copy is still rolled back to match).
func (w *Wrapper) Replace(cfg Configuration) error {
	w.mu.Lock()
	previous := w.cfg
	w.cfg = cfg
	handlers := append([]Handler(nil), w.handlers...)
	w.mu.Unlock()

	if err := Save(w.path, cfg); err != nil {
		w.mu.Lock()
		w.cfg = previous
		w.mu.Unlock()
		return err
	}

	for _, h := range handlers {
		if err := h.Changed(cfg); err != nil {
			w.mu.Lock()
			w.cfg = previous
			w.mu.Unlock()
			Save(w.path, previous) //nolint:errcheck
			return err
		}
	}

	if w.bus != nil {
		w.bus.Log(events.ConfigSaved, cfg)
	}
	return nil
}

// SetExcludedDirs replaces the selective-sync exclusion list in one step,
// the GUI action named in spec §6 (`set_offline_dirs` is the offline-file
// analogue; this is the directory-exclusion counterpart).
func (w *Wrapper) SetExcludedDirs(dirs []string) error {
	cfg := w.Raw()
	cfg.ExcludedDirs = append([]string(nil), dirs...)
	return w.Replace(cfg)
}
