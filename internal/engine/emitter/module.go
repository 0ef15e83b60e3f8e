package emitter

import (
	"assetplan/internal/engine/graph"
	"assetplan/internal/engine/parser"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	cssURL    = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)
	cssImport = regexp.MustCompile(`@import\s+[^;]+;`)
)

// writeModule appends the registry definition of m to buf.
func writeModule(buf *bytes.Buffer, g *graph.Graph, m *graph.Module, assetURL func(id string) string) error {
	imports, err := jsLiteral(requestMap(m))
	if err != nil {
		return err
	}
	id, _ := jsLiteral(m.ID)

	fmt.Fprintf(buf, "ap.define(%s, %s, function (module, exports, require) {\n", id, imports)
	for _, name := range sortedKeys(m.Provides) {
		dep, _ := jsLiteral(m.Provides[name])
		fmt.Fprintf(buf, "var %s = require(%s);\n", name, dep)
	}

	switch m.Kind {
	case graph.KindJSON:
		src := bytes.TrimSpace(m.Source)
		if len(src) == 0 {
			src = []byte("null")
		}
		buf.WriteString("module.exports = ")
		buf.Write(src)
		buf.WriteString(";\n")
	case graph.KindRaw:
		text, _ := jsLiteral(string(m.Source))
		fmt.Fprintf(buf, "module.exports = %s;\n", text)
	case graph.KindAsset:
		url, _ := jsLiteral(assetURL(m.ID))
		fmt.Fprintf(buf, "module.exports = %s;\n", url)
	case graph.KindStyle:
		for _, dep := range m.Deps {
			if d, ok := g.Module(dep); ok && d.Kind == graph.KindStyle {
				ref, _ := jsLiteral(dep)
				fmt.Fprintf(buf, "require(%s);\n", ref)
			}
		}
		css, _ := jsLiteral(rewriteCSS(g, m, assetURL))
		fmt.Fprintf(buf, "module.exports = ap.style(%s, %s);\n", id, css)
	default:
		buf.Write(m.Source)
		if len(m.Source) > 0 && m.Source[len(m.Source)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("});\n")
	return nil
}

// jsLiteral encodes v as a JavaScript literal. HTML escaping is off since
// the output is a script file, not markup.
func jsLiteral(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// requestMap never returns nil so the artifact always carries an object.
func requestMap(m *graph.Module) map[string]string {
	if m.Imports == nil {
		return map[string]string{}
	}
	return m.Imports
}

// rewriteCSS drops @import rules, which become requires, and points url()
// references at copied assets.
func rewriteCSS(g *graph.Graph, m *graph.Module, assetURL func(id string) string) string {
	css := cssImport.ReplaceAllString(string(m.Source), "")
	return cssURL.ReplaceAllStringFunc(css, func(match string) string {
		parts := cssURL.FindStringSubmatch(match)
		req, ok := parser.NormalizeCSSRef(parts[2])
		if !ok {
			return match
		}
		dep, ok := m.Imports[req]
		if !ok {
			bare, _, _ := strings.Cut(req, "?")
			if dep, ok = m.Imports[bare]; !ok {
				return match
			}
		}
		if d, ok := g.Module(dep); !ok || d.Kind != graph.KindAsset {
			return match
		}
		return `url("` + assetURL(dep) + `")`
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// assetName is the file-loader style "<name>.<ext>" for an asset module.
func assetName(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}
