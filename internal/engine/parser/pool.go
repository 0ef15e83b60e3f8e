package parser

import (
	"sync"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// Pool recycles tree-sitter parsers for one grammar. Safe for concurrent use.
//
//	sp := pool.Get()
//	defer pool.Put(sp)
//	tree := sp.Parse(source, nil)
type Pool struct {
	lang *sitter.Language
	pool sync.Pool
}

func NewPool(lang *sitter.Language) *Pool {
	p := &Pool{lang: lang}
	p.pool = sync.Pool{
		New: func() any {
			sp := sitter.NewParser()
			_ = sp.SetLanguage(lang)
			return sp
		},
	}
	return p
}

// Get returns a parser configured for the pool's grammar.
func (p *Pool) Get() *sitter.Parser {
	sp := p.pool.Get().(*sitter.Parser)
	_ = sp.SetLanguage(p.lang)
	return sp
}

// Put resets sp and returns it to the pool. Callers must not use sp afterwards.
func (p *Pool) Put(sp *sitter.Parser) {
	if sp == nil {
		return
	}
	sp.Reset()
	p.pool.Put(sp)
}
