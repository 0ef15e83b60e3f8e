// Package parser extracts import requests from bundled source files.
package parser

import (
	"assetplan/internal/core/errors"
	"assetplan/internal/shared/observability"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_css "github.com/tree-sitter/tree-sitter-css/bindings/go"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

const (
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangTSX        = "tsx"
	LangCSS        = "css"
)

var defaultExtensions = map[string]string{
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTSX,
	".css":  LangCSS,
	".scss": LangCSS,
}

type Parser struct {
	pools      map[string]*Pool
	extensions map[string]string
}

func NewParser() *Parser {
	p := &Parser{
		pools:      make(map[string]*Pool, 4),
		extensions: make(map[string]string, len(defaultExtensions)),
	}
	p.pools[LangJavaScript] = NewPool(sitter.NewLanguage(tree_sitter_javascript.Language()))
	p.pools[LangTypeScript] = NewPool(sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript()))
	p.pools[LangTSX] = NewPool(sitter.NewLanguage(tree_sitter_typescript.LanguageTSX()))
	p.pools[LangCSS] = NewPool(sitter.NewLanguage(tree_sitter_css.Language()))
	for ext, lang := range defaultExtensions {
		p.extensions[ext] = lang
	}
	return p
}

// Language returns the grammar used for path, or "".
func (p *Parser) Language(path string) string {
	return p.extensions[strings.ToLower(filepath.Ext(path))]
}

func (p *Parser) Supports(path string) bool {
	return p.Language(path) != ""
}

// File is what a source file contributes to the module graph.
type File struct {
	// Requests are import requests in source order, duplicates included.
	Requests []string
	// Globals are identifiers the file reads without declaring them, sorted.
	Globals []string
}

// Parse extracts the import requests and free identifiers of a file.
func (p *Parser) Parse(path string, content []byte) (*File, error) {
	lang := p.Language(path)
	if lang == "" {
		return nil, errors.Newf(errors.CodeNotSupported, "no grammar for %s", filepath.Ext(path)).
			WithContext(errors.CtxPath, path)
	}
	start := time.Now()
	defer func() {
		observability.ParsingDuration.WithLabelValues(lang).Observe(time.Since(start).Seconds())
	}()

	pool := p.pools[lang]
	sp := pool.Get()
	defer pool.Put(sp)

	tree := sp.Parse(content, nil)
	if tree == nil {
		return nil, errors.Wrap(fmt.Errorf("tree-sitter returned no tree"), errors.CodeInternal, "parse failed")
	}
	defer tree.Close()

	file := &File{}
	root := tree.RootNode()
	if lang == LangCSS {
		walkCSS(root, content, &file.Requests)
		return file, nil
	}

	s := &scriptScan{source: content, used: map[string]bool{}, declared: map[string]bool{}}
	s.walk(root)
	file.Requests = s.requests
	for name := range s.used {
		if !s.declared[name] {
			file.Globals = append(file.Globals, name)
		}
	}
	sort.Strings(file.Globals)
	return file, nil
}
