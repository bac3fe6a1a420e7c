package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/urbanos/trafficd/internal/observ"
)

// Watch reloads the config whenever the file changes and hands the result to
// onChange. Only tunables should be consumed from reloads; listen addresses
// and the DSN require a restart. The watch runs until ctx is cancelled.
//
// The parent directory is watched rather than the file itself: most editors
// and config managers replace the file by rename, which drops a direct watch.
func Watch(ctx context.Context, path string, onChange func(Root)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					observ.LogError("config_reload_error", err, map[string]any{"path": path})
					observ.IncCounter("config_reload_errors_total", nil)
					continue
				}
				observ.Log("config_reloaded", map[string]any{"path": path})
				observ.IncCounter("config_reloads_total", nil)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				observ.LogError("config_watch_error", err, nil)
			}
		}
	}()
	return nil
}
