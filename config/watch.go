package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file at path whenever it changes and applies its log
// level to level. overlay, when non-nil, is applied to every reloaded Config
// so that settings pinned on the command line keep winning over the file.
// The containing directory is watched so editors that replace the file on
// save are seen too. Watching stops when ctx ends.
func Watch(ctx context.Context, path string, overlay func(*Config), level *slog.LevelVar, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reload(ctx, abs, overlay, level, log)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.DebugContext(ctx, "config.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func reload(ctx context.Context, path string, overlay func(*Config), level *slog.LevelVar, log *slog.Logger) {
	cfg, err := Load(path)
	if err != nil {
		// Half-written files are common mid-save; the next event retries.
		log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
		return
	}
	if overlay != nil {
		overlay(&cfg)
	}
	lvl, err := cfg.Level()
	if err != nil {
		log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
		return
	}
	if lvl == level.Level() {
		log.DebugContext(ctx, "config.reload.unchanged")
		return
	}
	level.Set(lvl)
	log.InfoContext(ctx, "config.reload", slog.String("log_level", lvl.String()))
}
