package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDelay coalesces the burst of events an editor produces for one save.
const reloadDelay = 200 * time.Millisecond

// Watch reloads the file at path after every change and passes the parsed
// configuration to onChange. Files that fail to load are logged and skipped.
// It blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so atomic
// saves (write to temp, rename over) are seen.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	logger.Info("Watching configuration", zap.String("path", target))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Config watcher error", zap.Error(err))

		case <-pending:
			pending = nil

			cfg, err := Load(target)
			if err != nil {
				logger.Warn("Ignoring invalid configuration", zap.Error(err))
				continue
			}
			logger.Info("Configuration changed", zap.String("path", target))
			onChange(cfg)
		}
	}
}
