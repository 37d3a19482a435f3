package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the burst of events a single save produces
// (truncate, write, chmod) into one reload
const reloadDelay = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid
// result to onChange. Invalid files are logged and ignored. Watch blocks
// until ctx is cancelled.
//
// The parent directory is watched so editors that replace the file by
// rename are still seen. An empty file, or one whose content matches what
// was last loaded, does not trigger a reload.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	return watch(ctx, path, logger, onChange, nil)
}

// watch calls ready, if set, once the watcher is registered
func watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config), ready func()) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	// The running process was configured from the current content
	last, _ := os.ReadFile(target)

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	if ready != nil {
		ready()
	}

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(reloadDelay)
		case <-timer.C:
			content, err := os.ReadFile(target)
			if err != nil {
				logger.Warn("config reload failed, keeping previous settings", "path", path, "error", err)
				continue
			}
			if len(bytes.TrimSpace(content)) == 0 {
				logger.Debug("config file is empty, keeping previous settings", "path", path)
				continue
			}
			if bytes.Equal(content, last) {
				continue
			}
			last = content

			config, err := LoadConfig(path)
			if err == nil {
				err = config.Validate()
			}
			if err != nil {
				logger.Warn("config reload failed, keeping previous settings", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			onChange(config)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
