package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors produce for one save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the holder's config file whenever it changes and passes
// each valid new config to onChange. Invalid edits are logged and the last
// good config stays active. The file's directory is watched rather than the
// file itself so that editors which save by rename are seen. Returns nil
// when ctx is canceled.
func Watch(ctx context.Context, h *Holder, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(h.Path())
	dir := filepath.Dir(target)

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	logger.Info("watching config file", slog.String("path", target))

	var timer *time.Timer

	var fire <-chan time.Time

	defer func() { stopTimer(timer) }()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			stopTimer(timer)
			timer = time.NewTimer(reloadDebounce)
			fire = timer.C

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))

		case <-fire:
			fire = nil

			cfg, err := h.Reload()
			if err != nil {
				logger.Warn("config reload rejected; keeping previous config", slog.String("error", err.Error()))
				continue
			}

			logger.Info("config reloaded", slog.String("path", target))

			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
