package app

import (
	"assetplan/internal/core/config"
	"assetplan/internal/core/watcher"
	"assetplan/internal/shared/util"
	"context"
	"log/slog"
	"path/filepath"
)

// StartWatcher rebuilds on debounced source changes until ctx is done.
// Rebuilds are throttled to watch.max_rebuilds_per_second.
func (a *App) StartWatcher(ctx context.Context) error {
	cfg := a.Config
	if err := a.watchSources(ctx, cfg); err != nil {
		return err
	}

	if cfg.Watch.ReloadConfig && cfg.Source() != "" {
		cw := config.NewWatcher(cfg.Source(), func(next *config.Config) {
			a.Reload(ctx, next)
		})
		if err := cw.Start(ctx); err != nil {
			slog.Warn("config reload disabled", "path", cfg.Source(), "error", err)
		} else {
			a.configWatcher = cw
		}
	}

	go func() {
		<-ctx.Done()
		a.stopSourceWatcher()
	}()
	return nil
}

// watchSources starts a source watcher and rebuild limiter for cfg and
// swaps them in, closing the previous watcher.
func (a *App) watchSources(ctx context.Context, cfg *config.Config) error {
	excludeDirs := append(append([]string(nil), cfg.Exclude.Dirs...), filepath.Base(cfg.Abs(cfg.Output.Path)))
	excludeFiles := append(append([]string(nil), cfg.Exclude.Files...), filepath.Base(cfg.Output.StatsFile))

	w, err := watcher.NewWatcher(
		cfg.Watch.Debounce,
		excludeDirs,
		excludeFiles,
		func(paths []string) { a.HandleChanges(ctx, paths) },
	)
	if err != nil {
		return err
	}
	w.SetFilters(cfg.Watch.Extensions, []string{"package.json"})

	paths := make([]string, 0, len(cfg.Watch.Paths))
	for _, p := range cfg.Watch.Paths {
		paths = append(paths, cfg.Abs(p))
	}
	paths = util.UniqueStrings(paths)
	if err := w.Watch(paths); err != nil {
		_ = w.Close()
		return err
	}

	a.watchMu.Lock()
	prev := a.activeWatcher
	a.activeWatcher = w
	a.limiter = util.NewLimiter(cfg.Watch.MaxRebuildsPerSecond, 1)
	a.watchMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	slog.Info("watching for changes", "paths", paths)
	return nil
}

func (a *App) stopSourceWatcher() {
	a.watchMu.Lock()
	w := a.activeWatcher
	a.activeWatcher = nil
	a.watchMu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

func (a *App) watching() bool {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	return a.activeWatcher != nil
}

// HandleChanges drops cached state for the changed files and rebuilds.
func (a *App) HandleChanges(ctx context.Context, paths []string) {
	slog.Info("detected changes", "count", len(paths))

	a.buildMu.Lock()
	for _, p := range paths {
		if rel, err := filepath.Rel(a.root, p); err == nil {
			a.cache.Evict(filepath.ToSlash(rel))
		}
	}
	// Added or removed files change resolution results.
	a.resolver.Reset()
	a.buildMu.Unlock()

	a.watchMu.Lock()
	limiter := a.limiter
	a.watchMu.Unlock()
	if limiter != nil {
		if err := limiter.Wait(ctx, 1); err != nil {
			return
		}
	}
	if _, err := a.Build(ctx); err != nil {
		slog.Error("rebuild failed", "error", err)
	}
}

// Reload swaps in a new configuration and rebuilds. An invalid pipeline
// configuration keeps the previous one. Watch settings are re-applied when
// a source watcher is running; settings read only at startup are reported.
func (a *App) Reload(ctx context.Context, next *config.Config) {
	a.buildMu.Lock()
	prev := a.Config
	err := a.configure(next)
	a.buildMu.Unlock()
	if err != nil {
		slog.Error("config reload rejected, keeping previous configuration", "error", err)
		return
	}
	slog.Info("configuration reloaded", "path", next.Source())
	if keys := config.RestartRequired(prev, next); len(keys) > 0 {
		slog.Warn("some settings take effect after a restart", "keys", keys)
	}

	if a.watching() {
		if err := a.watchSources(ctx, next); err != nil {
			slog.Error("failed to apply watch settings, keeping previous watcher", "error", err)
		}
	}
	if _, err := a.Build(ctx); err != nil {
		slog.Error("rebuild after config reload failed", "error", err)
	}
}
