// Package app wires the configuration to the build pipeline: crawl the
// module graph, plan bundles, emit artifacts and record the build, either
// once or on every debounced source change.
package app

import (
	"assetplan/internal/core/config"
	"assetplan/internal/core/errors"
	"assetplan/internal/core/watcher"
	"assetplan/internal/data/history"
	"assetplan/internal/data/queue"
	"assetplan/internal/engine/emitter"
	"assetplan/internal/engine/graph"
	"assetplan/internal/engine/parser"
	"assetplan/internal/engine/planner"
	"assetplan/internal/engine/resolver"
	"assetplan/internal/shared/util"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

type BuildResult struct {
	ID       string
	Graph    *graph.Graph
	Roots    map[string]string
	Plan     *planner.Plan
	Manifest *emitter.Manifest
	Cycles   [][]string
	Duration time.Duration
	// Changes compares bundle hashes with the previous build, or with the
	// latest recorded one after a restart.
	Changes  history.Changes
	Finished time.Time
}

// BuildEvent is delivered to subscribers after every build attempt.
type BuildEvent struct {
	Result *BuildResult
	Err    error
}

type App struct {
	Config *config.Config

	root     string
	parser   *parser.Parser
	resolver *resolver.Resolver
	cache    *graph.ParseCache
	builder  *graph.Builder
	planner  *planner.Planner
	emitter  *emitter.Emitter

	history    *history.Store
	writes     *queue.Queue[history.Build]
	writerDone chan struct{}

	// buildMu serializes builds and component swaps on reload.
	buildMu    sync.Mutex
	prevRecord *history.Build

	stateMu sync.RWMutex
	last    *BuildResult
	lastErr error

	subMu   sync.RWMutex
	subs    map[int]func(BuildEvent)
	nextSub int

	configWatcher *config.Watcher

	// watchMu guards the source watcher and rebuild limiter, which config
	// reloads replace.
	watchMu       sync.Mutex
	activeWatcher *watcher.Watcher
	limiter       *util.Limiter

	// serving embeds the hot reload client in emitted bundles.
	serving bool
}

type Option func(*App)

// WithHotReload makes emitted bundles reload the page through the dev
// server socket when a bundle they loaded is rebuilt.
func WithHotReload() Option {
	return func(a *App) { a.serving = true }
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		parser: parser.NewParser(),
		subs:   make(map[int]func(BuildEvent)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.configure(cfg); err != nil {
		return nil, err
	}
	if cfg.DB.Enabled {
		if err := a.openHistory(cfg); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openHistory starts the history writer. A corrupt database disables
// history for this run instead of blocking builds.
func (a *App) openHistory(cfg *config.Config) error {
	path := cfg.Abs(cfg.DB.Path)
	store, err := history.Open(path, cfg.DB.BusyTimeout)
	if err != nil {
		if history.IsCorruptError(err) {
			slog.Warn("build history is corrupt; continuing without it", "path", path, "error", err)
			return nil
		}
		return errors.Wrap(err, errors.CodeInternal, "open build history")
	}
	latest, err := store.LoadLatest(cfg.ProjectKey)
	if err != nil {
		_ = store.Close()
		if history.IsCorruptError(err) {
			slog.Warn("build history is corrupt; continuing without it", "path", path, "error", err)
			return nil
		}
		return errors.Wrap(err, errors.CodeInternal, "load latest build")
	}
	a.history = store
	a.prevRecord = latest
	a.writes = queue.New[history.Build](cfg.DB.QueueCapacity)
	a.writerDone = make(chan struct{})
	go a.runHistoryWriter(store, a.writes, cfg.ProjectKey, cfg.DB.Keep)
	return nil
}

// configure builds the pipeline components for cfg and swaps them in.
func (a *App) configure(cfg *config.Config) error {
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return errors.Wrap(err, errors.CodeConfig, "resolve project root")
	}
	fs := afero.NewBasePathFs(afero.NewOsFs(), root)

	rules, err := planner.DefaultRules(planOptions(cfg))
	if err != nil {
		return err
	}

	res := resolver.New(fs, resolver.Options{
		Modules:    cfg.Resolve.Modules,
		Extensions: cfg.Resolve.Extensions,
		Alias:      cfg.Resolve.Alias,
	})
	cache := graph.NewParseCache(cfg.Parse.CacheSize)
	builder := &graph.Builder{
		Fs:            fs,
		Parser:        a.parser,
		Resolver:      res,
		Kinds:         loaderKinds(cfg.Loaders),
		NoParse:       cfg.Parse.NoParse,
		Include:       cfg.Graph.Include,
		Provide:       cfg.Resolve.Provide,
		Concurrency:   cfg.Parse.Concurrency,
		RuntimeID:     config.RuntimeModuleID,
		RuntimeSource: []byte(emitter.RuntimeSource),
		Cache:         cache,
	}
	outputDir := cfg.Abs(cfg.Output.Path)
	em := emitter.New(afero.NewOsFs(), emitter.Options{
		OutputDir:  outputDir,
		OutputAbs:  outputDir,
		PublicPath: cfg.Output.PublicPath,
		Filename:   cfg.Output.Filename,
		AssetDir:   cfg.Output.AssetDir,
		StatsFile:  cfg.Abs(cfg.Output.StatsFile),
		Gzip:       cfg.Output.Gzip,
		HotReload:  a.hotReloadURL(cfg),
	})

	a.Config = cfg
	a.root = root
	a.resolver = res
	a.cache = cache
	a.builder = builder
	a.planner = planner.New(rules...)
	a.emitter = em
	return nil
}

func (a *App) hotReloadURL(cfg *config.Config) string {
	if !a.serving {
		return ""
	}
	return cfg.DevServer.HotReloadURL()
}

func planOptions(cfg *config.Config) planner.Options {
	sets := make([]planner.IsolationSet, 0, len(cfg.Chunks.Isolate))
	for _, iso := range cfg.Chunks.Isolate {
		sets = append(sets, planner.IsolationSet{
			Bundle:  iso.Name,
			Matcher: planner.PathMatcher{Include: iso.Include, Exclude: iso.Exclude},
		})
	}
	return planner.Options{
		Isolate:        sets,
		ManifestBundle: cfg.Chunks.Manifest,
		Runtime:        planner.PathMatcher{Include: cfg.Chunks.Runtime},
		VendorBundle:   cfg.Chunks.Vendor.Name,
		Vendor: planner.PathMatcher{
			Include: cfg.Chunks.Vendor.Include,
			Exclude: cfg.Chunks.Vendor.Exclude,
		},
		MinRefs: cfg.Chunks.Vendor.MinRefs,
	}
}

// loaderKinds applies [[loaders]] rules in order; the first rule whose test
// matches and whose excludes do not wins.
func loaderKinds(rules []config.LoaderRule) func(id string) graph.Kind {
	return func(id string) graph.Kind {
		for _, rule := range rules {
			if ok, _ := doublestar.Match(rule.Test, id); !ok {
				continue
			}
			excluded := false
			for _, ex := range rule.Exclude {
				if ok, _ := doublestar.Match(ex, id); ok {
					excluded = true
					break
				}
			}
			if !excluded {
				return graph.Kind(rule.Kind)
			}
		}
		return graph.DefaultKind(id)
	}
}

// Subscribe registers fn for build events and returns a func removing it.
func (a *App) Subscribe(fn func(BuildEvent)) func() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		delete(a.subs, id)
	}
}

func (a *App) publish(ev BuildEvent) {
	a.subMu.RLock()
	handlers := make([]func(BuildEvent), 0, len(a.subs))
	for _, fn := range a.subs {
		handlers = append(handlers, fn)
	}
	a.subMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Last returns the most recent successful build, or nil.
func (a *App) Last() *BuildResult {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.last
}

// LastError returns the error of the most recent build attempt, if it failed.
func (a *App) LastError() error {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.lastErr
}

// History exposes the build history store; nil when disabled.
func (a *App) History() *history.Store {
	return a.history
}

// TraceImportChain returns the shortest import chain between two modules of
// the last build, written as "a -> b -> c".
func (a *App) TraceImportChain(from, to string) (string, error) {
	last := a.Last()
	if last == nil {
		return "", errors.New(errors.CodeNotFound, "no build available")
	}
	from, to = a.moduleID(from), a.moduleID(to)
	for _, id := range []string{from, to} {
		if _, ok := last.Graph.Module(id); !ok {
			return "", errors.Newf(errors.CodeNotFound, "module %q is not in the module graph", id).
				WithContext(errors.CtxModule, id)
		}
	}
	chain, ok := last.Graph.FindImportChain(from, to)
	if !ok {
		return "", errors.Newf(errors.CodeNotFound, "no import chain from %q to %q", from, to)
	}
	return strings.Join(chain, " -> "), nil
}

// moduleID maps a path given on the command line to a module ID.
func (a *App) moduleID(p string) string {
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(a.root, p); err == nil {
			p = rel
		}
	}
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), "./")
}

func (a *App) Close() error {
	if a.configWatcher != nil {
		a.configWatcher.Stop()
	}
	a.stopSourceWatcher()
	if a.writes != nil {
		_ = a.writes.Close()
		<-a.writerDone
		a.writes = nil
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			return fmt.Errorf("close build history: %w", err)
		}
		a.history = nil
	}
	slog.Debug("app closed")
	return nil
}
