package graph

import (
	"assetplan/internal/core/errors"
	"assetplan/internal/engine/parser"
	"assetplan/internal/shared/observability"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type SourceParser interface {
	Supports(path string) bool
	Parse(path string, content []byte) (*parser.File, error)
}

type Resolver interface {
	Resolve(importer, request string) (string, error)
}

// EntryRequest names an entry point by the request that reaches its root,
// e.g. "./static/js/course-main.js".
type EntryRequest struct {
	Name    string
	Request string
}

type Result struct {
	Graph *Graph
	// Roots maps entry names to root module IDs.
	Roots map[string]string
}

// Builder crawls the filesystem from entry requests and produces a Graph.
// Fs must be rooted at the project so module IDs equal filesystem paths.
type Builder struct {
	Fs       afero.Fs
	Parser   SourceParser
	Resolver Resolver
	// Kinds overrides DefaultKind.
	Kinds func(id string) Kind
	// NoParse globs name modules whose imports are never extracted.
	NoParse []string
	// Include globs pull files into the graph even when nothing imports them.
	Include []string
	// Provide maps free identifiers to the request injected for them, so
	// legacy code reading $ or jQuery gets the module instead of a global.
	Provide     map[string]string
	Concurrency int
	// RuntimeID, when set, is injected as the first dependency of every
	// entry root and carries RuntimeSource.
	RuntimeID     string
	RuntimeSource []byte
	Cache         *ParseCache
}

func (b *Builder) Build(ctx context.Context, entries []EntryRequest) (*Result, error) {
	roots := make(map[string]string, len(entries))
	rootSet := make(map[string]bool, len(entries))
	var rootOrder []string
	for _, e := range entries {
		id, err := b.Resolver.Resolve("", e.Request)
		if err != nil {
			return nil, errors.AddContext(err, errors.CtxEntry, e.Name)
		}
		roots[e.Name] = id
		if !rootSet[id] {
			rootSet[id] = true
			rootOrder = append(rootOrder, id)
		}
	}

	included, err := b.includedFiles()
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*Module)
	queued := make(map[string]bool)
	var frontier []string
	push := func(id string) {
		if queued[id] || (b.RuntimeID != "" && id == b.RuntimeID) {
			return
		}
		queued[id] = true
		frontier = append(frontier, id)
	}
	for _, id := range rootOrder {
		push(id)
	}
	for _, id := range included {
		push(id)
	}

	for len(frontier) > 0 {
		level := frontier
		frontier = nil

		results := make([]*Module, len(level))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.concurrency())
		for i, id := range level {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				m, err := b.load(id)
				if err != nil {
					return err
				}
				results[i] = m
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, m := range results {
			if rootSet[m.ID] && b.RuntimeID != "" {
				m.Deps = append([]string{b.RuntimeID}, m.Deps...)
			}
			nodes[m.ID] = m
			for _, dep := range m.Deps {
				push(dep)
			}
		}
	}

	if b.RuntimeID != "" {
		nodes[b.RuntimeID] = &Module{
			ID:     b.RuntimeID,
			Kind:   KindRuntime,
			Source: b.RuntimeSource,
			Size:   int64(len(b.RuntimeSource)),
			Hash:   ContentHash(b.RuntimeSource),
		}
	}

	out := NewGraph()
	for _, id := range canonicalOrder(nodes, rootOrder) {
		if err := out.Add(nodes[id]); err != nil {
			return nil, err
		}
	}

	observability.GraphModules.Set(float64(out.Len()))
	observability.GraphEdges.Set(float64(out.EdgeCount()))
	slog.Debug("module graph built", "modules", out.Len(), "edges", out.EdgeCount(), "entries", len(entries))
	return &Result{Graph: out, Roots: roots}, nil
}

func (b *Builder) load(id string) (*Module, error) {
	info, err := b.Fs.Stat(id)
	if err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeNotFound, "stat module"), errors.CtxModule, id)
	}

	kind := b.kind(id)
	file, hit := CachedFile{}, false
	if b.Cache != nil {
		file, hit = b.Cache.Get(id, info.Size(), info.ModTime())
	}
	if hit {
		observability.ParseCacheHits.Inc()
	} else {
		source, err := afero.ReadFile(b.Fs, id)
		if err != nil {
			return nil, errors.AddContext(errors.Wrap(err, errors.CodeInternal, "read module"), errors.CtxModule, id)
		}
		file = CachedFile{
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Hash:    ContentHash(source),
			Source:  source,
		}
		if b.parses(id, kind) {
			parsed, err := b.Parser.Parse(id, source)
			if err != nil {
				return nil, errors.AddContext(err, errors.CtxModule, id)
			}
			file.Requests = parsed.Requests
			file.Globals = parsed.Globals
		}
		if b.Cache != nil {
			b.Cache.Put(id, file)
		}
	}

	m := &Module{
		ID:     id,
		Path:   id,
		Kind:   kind,
		Deps:   make([]string, 0, len(file.Requests)),
		Hash:   file.Hash,
		Size:   file.Size,
		Source: file.Source,
	}
	seen := make(map[string]bool, len(file.Requests))
	addDep := func(dep string) {
		if !seen[dep] {
			seen[dep] = true
			m.Deps = append(m.Deps, dep)
		}
	}
	for _, req := range file.Requests {
		dep, err := b.Resolver.Resolve(id, req)
		if err != nil {
			return nil, err
		}
		if m.Imports == nil {
			m.Imports = make(map[string]string, len(file.Requests))
		}
		m.Imports[req] = dep
		addDep(dep)
	}
	if kind == KindScript {
		for _, name := range file.Globals {
			req, ok := b.Provide[name]
			if !ok {
				continue
			}
			dep, err := b.Resolver.Resolve("", req)
			if err != nil {
				return nil, errors.AddContext(err, errors.CtxModule, id)
			}
			// The provided module itself sees its own global.
			if dep == id {
				continue
			}
			if m.Provides == nil {
				m.Provides = make(map[string]string)
			}
			m.Provides[name] = dep
			addDep(dep)
		}
	}
	return m, nil
}

func (b *Builder) kind(id string) Kind {
	if b.Kinds != nil {
		return b.Kinds(id)
	}
	return DefaultKind(id)
}

func (b *Builder) parses(id string, kind Kind) bool {
	if b.Parser == nil || (kind != KindScript && kind != KindStyle) {
		return false
	}
	for _, pattern := range b.NoParse {
		if ok, _ := doublestar.Match(pattern, id); ok {
			return false
		}
	}
	return b.Parser.Supports(id)
}

func (b *Builder) concurrency() int {
	if b.Concurrency > 0 {
		return b.Concurrency
	}
	return runtime.NumCPU()
}

func (b *Builder) includedFiles() ([]string, error) {
	if len(b.Include) == 0 {
		return nil, nil
	}
	fsys := afero.NewIOFS(b.Fs)
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range b.Include {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("graph include %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// canonicalOrder is a depth-first preorder from the roots in entry order,
// followed by any remaining modules sorted by ID. It does not depend on the
// order in which the crawl finished.
func canonicalOrder(nodes map[string]*Module, roots []string) []string {
	order := make([]string, 0, len(nodes))
	visited := make(map[string]bool, len(nodes))

	for _, root := range roots {
		stack := []string{root}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			m, ok := nodes[id]
			if !ok {
				continue
			}
			visited[id] = true
			order = append(order, id)
			for i := len(m.Deps) - 1; i >= 0; i-- {
				if !visited[m.Deps[i]] {
					stack = append(stack, m.Deps[i])
				}
			}
		}
	}

	rest := make([]string, 0, len(nodes)-len(order))
	for id := range nodes {
		if !visited[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
