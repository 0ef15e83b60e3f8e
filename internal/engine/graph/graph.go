// Package graph holds the resolved module dependency graph and the builder
// that crawls it from entry requests.
package graph

import (
	"assetplan/internal/core/errors"
	"encoding/hex"
	"path"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

// Kind selects how a module is wrapped when its bundle is written.
type Kind string

const (
	KindScript  Kind = "script"
	KindJSON    Kind = "json"
	KindRaw     Kind = "raw"
	KindStyle   Kind = "style"
	KindAsset   Kind = "asset"
	KindRuntime Kind = "runtime"
)

// Module is one node of the graph. ID is the slash-separated path relative
// to the project root; Deps keeps declaration order.
type Module struct {
	ID     string
	Path   string
	Kind   Kind
	Deps   []string
	Hash   string
	Size   int64
	Source []byte
	// Imports maps each request written in Source to the dependency it
	// resolved to.
	Imports map[string]string
	// Provides maps free identifiers to the module injected for them.
	Provides map[string]string
}

// Graph is insertion-ordered and treated as read-only once built.
type Graph struct {
	mu      sync.RWMutex
	order   []string
	modules map[string]*Module
	edges   int
}

func NewGraph() *Graph {
	return &Graph{modules: make(map[string]*Module)}
}

func (g *Graph) Add(m *Module) error {
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return errors.New(errors.CodeValidationError, "module id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.modules[m.ID]; ok {
		return errors.Newf(errors.CodeConflict, "module %q added twice", m.ID).
			WithContext(errors.CtxModule, m.ID)
	}
	if m.Hash == "" {
		m.Hash = ContentHash(m.Source)
	}
	g.modules[m.ID] = m
	g.order = append(g.order, m.ID)
	g.edges += len(m.Deps)
	return nil
}

func (g *Graph) Module(id string) (*Module, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.modules[id]
	return m, ok
}

// IDs returns module IDs in insertion order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges
}

// ContentHash is the hex BLAKE3 digest of data.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DefaultKind maps a module ID to a loader kind by extension.
func DefaultKind(id string) Kind {
	switch strings.ToLower(path.Ext(id)) {
	case ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx":
		return KindScript
	case ".json":
		return KindJSON
	case ".css", ".scss":
		return KindStyle
	case ".underscore", ".html", ".txt", ".tpl":
		return KindRaw
	default:
		return KindAsset
	}
}
