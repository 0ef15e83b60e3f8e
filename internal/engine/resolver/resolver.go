// Package resolver maps import requests to module IDs using node-style
// resolution over an afero filesystem rooted at the project.
package resolver

import (
	"assetplan/internal/core/errors"
	"encoding/json"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

type Options struct {
	// Modules lists directories searched for bare requests. Relative names
	// are looked up in the importer's directory and each ancestor; names
	// starting with "/" are fixed project directories.
	Modules []string
	// Extensions are probed in order when a request has no exact match.
	Extensions []string
	// Alias rewrites requests. A key ending in "$" matches only exactly.
	// Targets are module names or project paths ("./node_modules/moment").
	Alias map[string]string
}

type alias struct {
	key    string
	target string
	exact  bool
}

type Resolver struct {
	fs      afero.Fs
	opts    Options
	aliases []alias

	mu    sync.RWMutex
	cache map[string]string
}

// New returns a resolver whose module IDs are paths relative to the root of
// fs. Callers usually pass afero.NewBasePathFs(afero.NewOsFs(), root).
func New(fs afero.Fs, opts Options) *Resolver {
	if len(opts.Modules) == 0 {
		opts.Modules = []string{"node_modules"}
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".js", ".json"}
	}
	r := &Resolver{
		fs:    fs,
		opts:  opts,
		cache: make(map[string]string),
	}
	for key, target := range opts.Alias {
		a := alias{key: key, target: target}
		// "./x" targets name project paths, not importer-relative ones.
		if isRelative(target) {
			a.target = "/" + path.Clean(target)
		}
		if strings.HasSuffix(key, "$") {
			a.key = strings.TrimSuffix(key, "$")
			a.exact = true
		}
		r.aliases = append(r.aliases, a)
	}
	// Longest key first so "lodash/fp" wins over "lodash".
	sort.Slice(r.aliases, func(i, j int) bool {
		if len(r.aliases[i].key) != len(r.aliases[j].key) {
			return len(r.aliases[i].key) > len(r.aliases[j].key)
		}
		return r.aliases[i].key < r.aliases[j].key
	})
	return r
}

// Resolve returns the module ID that request refers to when imported from
// importer. An empty importer resolves relative to the project root.
func (r *Resolver) Resolve(importer, request string) (string, error) {
	dir := "."
	if importer != "" {
		dir = path.Dir(importer)
	}
	key := dir + "\x00" + request

	r.mu.RLock()
	id, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := r.resolve(dir, request)
	if err != nil {
		return "", errors.Newf(errors.CodeNotFound, "cannot resolve %q", request).
			WithContext(errors.CtxRequest, request).
			WithContext(errors.CtxImporter, importer)
	}

	r.mu.Lock()
	r.cache[key] = id
	r.mu.Unlock()
	return id, nil
}

// Reset drops cached resolutions. Files may have been added or removed
// between rebuilds.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

func (r *Resolver) resolve(dir, request string) (string, error) {
	request = StripQuery(request)
	if request == "" {
		return "", os.ErrNotExist
	}
	request = r.applyAlias(request)

	switch {
	case isRelative(request):
		return r.load(path.Join(dir, request))
	case strings.HasPrefix(request, "/"):
		return r.load(strings.TrimPrefix(path.Clean(request), "/"))
	}

	for _, mod := range r.opts.Modules {
		if strings.HasPrefix(mod, "/") {
			if id, err := r.load(path.Join(strings.TrimPrefix(mod, "/"), request)); err == nil {
				return id, nil
			}
			continue
		}
		for _, base := range ancestors(dir) {
			if id, err := r.load(path.Join(base, mod, request)); err == nil {
				return id, nil
			}
		}
	}
	return "", os.ErrNotExist
}

func (r *Resolver) applyAlias(request string) string {
	for _, a := range r.aliases {
		if request == a.key {
			return a.target
		}
		if !a.exact && strings.HasPrefix(request, a.key+"/") {
			return a.target + strings.TrimPrefix(request, a.key)
		}
	}
	return request
}

func (r *Resolver) load(candidate string) (string, error) {
	candidate = path.Clean(candidate)
	if candidate == "." || candidate == ".." || strings.HasPrefix(candidate, "../") {
		return "", os.ErrNotExist
	}
	if id, ok := r.loadFile(candidate); ok {
		return id, nil
	}
	if id, ok := r.loadDir(candidate); ok {
		return id, nil
	}
	return "", os.ErrNotExist
}

func (r *Resolver) loadFile(candidate string) (string, bool) {
	if r.isFile(candidate) {
		return candidate, true
	}
	for _, ext := range r.opts.Extensions {
		if r.isFile(candidate + ext) {
			return candidate + ext, true
		}
	}
	return "", false
}

func (r *Resolver) loadDir(candidate string) (string, bool) {
	if info, err := r.fs.Stat(candidate); err != nil || !info.IsDir() {
		return "", false
	}
	if main := r.packageMain(candidate); main != "" {
		target := path.Join(candidate, main)
		if id, ok := r.loadFile(target); ok {
			return id, true
		}
		if id, ok := r.loadFile(path.Join(target, "index")); ok {
			return id, true
		}
	}
	return r.loadFile(path.Join(candidate, "index"))
}

func (r *Resolver) packageMain(dir string) string {
	data, err := afero.ReadFile(r.fs, path.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return pkg.Main
}

func (r *Resolver) isFile(p string) bool {
	info, err := r.fs.Stat(p)
	return err == nil && !info.IsDir()
}

// StripQuery removes a loader query such as "?http://localhost:8080".
func StripQuery(request string) string {
	if i := strings.IndexByte(request, '?'); i >= 0 {
		return request[:i]
	}
	return request
}

func isRelative(request string) bool {
	return request == "." || request == ".." ||
		strings.HasPrefix(request, "./") || strings.HasPrefix(request, "../")
}

// ancestors lists dir and each parent up to the project root.
func ancestors(dir string) []string {
	dir = path.Clean(dir)
	var out []string
	for {
		out = append(out, dir)
		if dir == "." || dir == "/" {
			return out
		}
		dir = path.Dir(dir)
	}
}
