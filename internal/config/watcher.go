package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	ekerrors "github.com/nwimmer/ekaci/internal/errors"
)

// debounceWindow coalesces the burst of write events most editors emit for
// a single logical save.
const debounceWindow = 200 * time.Millisecond

// Watcher reloads a config file on change, applying the new value only
// when none of RestartRequiredFields differ from the currently running
// configuration.
type Watcher struct {
	path    string
	current Config
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching path's parent directory (fsnotify watches
// directories more reliably than bare-mounted files across editors that
// replace-on-save rather than write-in-place).
func NewWatcher(path string, current Config) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ekerrors.Wrap(ekerrors.KindConfig, "create fsnotify watcher", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, ekerrors.Wrap(ekerrors.KindConfig, "watch config directory", err)
	}
	return &Watcher{path: path, current: current, watcher: w}, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }

// Run watches until stop is closed, invoking onReload with every validated
// reload that does not require a restart. A reload that fails validation,
// or that touches a restart-required field, is logged at warn and the
// currently running configuration is kept.
func (w *Watcher) Run(stop <-chan struct{}, onReload func(Config)) {
	var pending *time.Timer
	reload := func() {
		newCfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config: reload failed validation, keeping running configuration", slog.Any("error", err))
			return
		}
		if RequiresRestart(w.current, newCfg) {
			slog.Warn("config: reload touches a restart-required field, keeping running configuration",
				slog.String("config_file", w.path))
			return
		}
		w.current = newCfg
		onReload(newCfg)
	}

	for {
		select {
		case <-stop:
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", slog.Any("error", err))
		}
	}
}
