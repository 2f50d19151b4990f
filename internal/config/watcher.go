package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/convoy/internal/logger"
)

// Watch reloads the config whenever its file changes on disk and calls
// onReload with the fresh copy. Editors often replace the file (rename over
// it), so the watch is on the parent directory, filtered to the config path.
// The returned stop function releases the watcher.
func Watch(path string, onReload func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadFrom(path)
				if err != nil {
					logger.Warn("Config: reload failed after change: %v", err)
					continue
				}
				logger.Info("Config: reloaded from %s", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config: watcher error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
