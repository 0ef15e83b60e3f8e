package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"lukechampine.com/blake3"
)

// Watcher reloads a configuration file when its content changes and hands
// the parsed result to a callback. Saves that leave the bytes unchanged, and
// edits that fail to parse, keep the last applied configuration.
type Watcher struct {
	path     string
	callback func(*Config)
	debounce time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	applied [32]byte
}

func NewWatcher(path string, callback func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		callback: callback,
		debounce: 100 * time.Millisecond,
		stop:     make(chan struct{}),
	}
}

// Start watches the file's directory, so editors that save through a
// rename are seen too.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.markApplied()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fw.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(w.debounce, w.reload)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// markApplied records the current file content as the running config.
func (w *Watcher) markApplied() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.applied = blake3.Sum256(data)
	w.mu.Unlock()
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous configuration", "path", w.path, "error", err)
		return
	}
	sum := blake3.Sum256(data)
	w.mu.Lock()
	unchanged := sum == w.applied
	w.mu.Unlock()
	if unchanged {
		slog.Debug("config content unchanged", "path", w.path)
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous configuration", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.applied = sum
	w.mu.Unlock()
	if w.callback != nil {
		w.callback(cfg)
	}
}

// RestartRequired lists the settings that differ between prev and next but
// are only read at startup.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var keys []string
	check := func(key string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			keys = append(keys, key)
		}
	}
	check("project_key", prev.ProjectKey, next.ProjectKey)
	check("db.enabled", prev.DB.Enabled, next.DB.Enabled)
	check("db.path", prev.DB.Path, next.DB.Path)
	check("db.keep", prev.DB.Keep, next.DB.Keep)
	check("dev_server.address", prev.DevServer.Address, next.DevServer.Address)
	check("dev_server.headers", prev.DevServer.Headers, next.DevServer.Headers)
	check("dev_server.proxy", prev.DevServer.Proxy, next.DevServer.Proxy)
	check("observability.otlp_endpoint", prev.Observability.OTLPEndpoint, next.Observability.OTLPEndpoint)
	return keys
}
