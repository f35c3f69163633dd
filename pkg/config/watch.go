package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kibbled/firmware/internal/logger"
)

// debounce coalesces the burst of filesystem events an editor's
// write-and-rename produces into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the config file on change and hands the result to
// onChange. Only the hot-reload-safe tunables should be consumed from the
// reloaded config (dispensing thresholds and timeouts); hardware
// attachment and safety constants need a restart. Invalid reloads are
// logged and dropped, keeping the last good config live.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: renames over the file (atomic saves) would
	// otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", logger.Err(err))
			case <-reload:
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload rejected", logger.Err(err))
					continue
				}
				logger.Info("config reloaded", "path", path)
				onChange(cfg)
			}
		}
	}()
	return nil
}
