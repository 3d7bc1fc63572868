package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bobmatnyc/sessiond/logger"
)

// pollInterval drives the fallback loop when fsnotify is unavailable.
const pollInterval = 2 * time.Second

// Watch reloads the configuration whenever its file changes on disk and
// applies the new log level. It blocks until ctx is cancelled, so run it in
// a goroutine. Missing files are fine; the watcher picks the config up when
// it appears.
func Watch(ctx context.Context, cfg *Config) {
	log := logger.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, polling for config changes", "error", err)
		watchPolling(ctx, cfg, log)
		return
	}
	defer watcher.Close()

	// Watch the directory rather than the file so atomic replaces by
	// editors keep being seen.
	dir := filepath.Dir(cfg.FilePath())
	if err := watcher.Add(dir); err != nil {
		log.Warn("cannot watch config directory, polling instead", "dir", dir, "error", err)
		watchPolling(ctx, cfg, log)
		return
	}

	baseName := filepath.Base(cfg.FilePath())
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != baseName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			applyReload(cfg, log)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}

// watchPolling stats the config file on a timer and reloads on changes.
func watchPolling(ctx context.Context, cfg *Config, log *slog.Logger) {
	var lastMod time.Time
	if info, err := os.Stat(cfg.FilePath()); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			info, err := os.Stat(cfg.FilePath())
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			applyReload(cfg, log)
		}
	}
}

// applyReload re-reads the file and pushes the new log level into the shared
// logger. A broken file keeps the running settings.
func applyReload(cfg *Config, log *slog.Logger) {
	if err := cfg.Reload(); err != nil {
		log.Warn("config reload failed, keeping current settings", "error", err)
		return
	}
	if level, err := logger.ParseLevel(cfg.GetLogLevel()); err == nil {
		logger.SetLevel(level)
	}
	log.Info("configuration reloaded",
		"timeout", cfg.GetDefaultTimeout(),
		"retention", cfg.GetRetention(),
		"log_level", cfg.GetLogLevel(),
	)
}
