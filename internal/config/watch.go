package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on change and invokes onReload with the
// freshly parsed config. Only a changed Hash() triggers onReload, so a
// file touch with identical content is a no-op.
type Watcher struct {
	path     string
	cfg      *Config
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	done     chan struct{}
}

// NewWatcher starts watching path for changes and applies them to cfg.
// onReload is called (with cfg, already swapped in) after every successful
// reload whose hash differs from the previous one.
func NewWatcher(path string, cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		cfg:      cfg,
		watcher:  fw,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	lastHash := w.cfg.Hash()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fresh, err := Load(w.path)
			if err != nil {
				slog.Warn("config.hot_reload_failed", "path", w.path, "error", err)
				continue
			}
			newHash := fresh.Hash()
			if newHash == lastHash {
				continue
			}
			lastHash = newHash
			w.cfg.ReplaceFrom(fresh)
			slog.Info("config.reloaded", "path", w.path, "hash", newHash)
			if w.onReload != nil {
				w.onReload(w.cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config.watch_error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
