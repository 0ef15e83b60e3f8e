package parser

import (
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

type scriptScan struct {
	source   []byte
	requests []string
	used     map[string]bool
	declared map[string]bool
}

func (s *scriptScan) walk(node *sitter.Node) {
	if node == nil {
		return
	}
	switch node.Kind() {
	case "import_statement":
		if src := node.ChildByFieldName("source"); src != nil {
			if req, ok := stringLiteral(src, s.source); ok {
				s.requests = append(s.requests, req)
			}
		}
		// Imported names are bindings, never reads.
		for i := uint(0); i < node.NamedChildCount(); i++ {
			if child := node.NamedChild(i); child.Kind() == "import_clause" {
				s.declare(child)
			}
		}
		return
	case "export_statement":
		if src := node.ChildByFieldName("source"); src != nil {
			if req, ok := stringLiteral(src, s.source); ok {
				s.requests = append(s.requests, req)
			}
			return
		}
	case "call_expression":
		if req, ok := requireCall(node, s.source); ok {
			s.requests = append(s.requests, req)
		}
	case "identifier", "shorthand_property_identifier":
		s.used[nodeText(node, s.source)] = true
	case "variable_declarator":
		s.declare(node.ChildByFieldName("name"))
	case "function_declaration", "generator_function_declaration", "class_declaration":
		s.declare(node.ChildByFieldName("name"))
	case "formal_parameters":
		s.declare(node)
	case "catch_clause":
		s.declare(node.ChildByFieldName("parameter"))
	case "arrow_function":
		if param := node.ChildByFieldName("parameter"); param != nil {
			s.declare(param)
		}
	}

	for i := uint(0); i < node.ChildCount(); i++ {
		s.walk(node.Child(i))
	}
}

// declare records every binding name under node. Scopes are not tracked, so a
// name declared anywhere in the file counts as declared everywhere.
func (s *scriptScan) declare(node *sitter.Node) {
	if node == nil {
		return
	}
	switch node.Kind() {
	case "identifier", "shorthand_property_identifier_pattern", "type_identifier":
		s.declared[nodeText(node, s.source)] = true
		return
	case "assignment_pattern", "object_assignment_pattern", "required_parameter", "optional_parameter":
		// Only the left side binds; defaults are ordinary expressions.
		if left := node.ChildByFieldName("left"); left != nil {
			s.declare(left)
			return
		}
		if pattern := node.ChildByFieldName("pattern"); pattern != nil {
			s.declare(pattern)
			return
		}
	case "pair_pattern":
		s.declare(node.ChildByFieldName("value"))
		return
	case "import_specifier":
		if alias := node.ChildByFieldName("alias"); alias != nil {
			s.declare(alias)
		} else {
			s.declare(node.ChildByFieldName("name"))
		}
		return
	case "type_annotation":
		return
	}
	for i := uint(0); i < node.NamedChildCount(); i++ {
		s.declare(node.NamedChild(i))
	}
}

// requireCall matches require('x') and import('x') with a literal argument.
func requireCall(node *sitter.Node, source []byte) (string, bool) {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		return "", false
	}
	switch {
	case fn.Kind() == "import":
	case fn.Kind() == "identifier" && nodeText(fn, source) == "require":
	default:
		return "", false
	}

	args := node.ChildByFieldName("arguments")
	if args == nil {
		return "", false
	}
	for i := uint(0); i < args.NamedChildCount(); i++ {
		arg := args.NamedChild(i)
		if arg == nil || arg.Kind() == "comment" {
			continue
		}
		return stringLiteral(arg, source)
	}
	return "", false
}

func walkCSS(node *sitter.Node, source []byte, out *[]string) {
	if node == nil {
		return
	}
	switch node.Kind() {
	case "import_statement":
		for i := uint(0); i < node.NamedChildCount(); i++ {
			child := node.NamedChild(i)
			if child == nil {
				continue
			}
			if child.Kind() == "string_value" {
				appendCSSRef(out, unquote(nodeText(child, source)))
				return
			}
			if ref, ok := cssURL(child, source); ok {
				appendCSSRef(out, ref)
				return
			}
		}
		return
	case "call_expression":
		if ref, ok := cssURL(node, source); ok {
			appendCSSRef(out, ref)
			return
		}
	}

	for i := uint(0); i < node.ChildCount(); i++ {
		walkCSS(node.Child(i), source, out)
	}
}

func cssURL(node *sitter.Node, source []byte) (string, bool) {
	if node.Kind() != "call_expression" {
		return "", false
	}
	var name string
	var args *sitter.Node
	for i := uint(0); i < node.NamedChildCount(); i++ {
		child := node.NamedChild(i)
		switch child.Kind() {
		case "function_name":
			name = nodeText(child, source)
		case "arguments":
			args = child
		}
	}
	if !strings.EqualFold(name, "url") || args == nil {
		return "", false
	}
	for i := uint(0); i < args.NamedChildCount(); i++ {
		arg := args.NamedChild(i)
		if arg == nil {
			continue
		}
		return unquote(nodeText(arg, source)), true
	}
	// url(foo.png) may parse as bare argument text.
	text := nodeText(args, source)
	return unquote(strings.TrimSuffix(strings.TrimPrefix(text, "("), ")")), true
}

func appendCSSRef(out *[]string, ref string) {
	if ref, ok := NormalizeCSSRef(ref); ok {
		*out = append(*out, ref)
	}
}

// NormalizeCSSRef turns a url() or @import target into an import request.
// Inline data, remote and root-absolute URLs are not requests.
func NormalizeCSSRef(ref string) (string, bool) {
	ref = strings.TrimSpace(unquote(ref))
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, skip := range []string{"data:", "http:", "https:", "//", "/"} {
		if strings.HasPrefix(lower, skip) {
			return "", false
		}
	}
	// ~pkg is the css-loader spelling of a bare module request; anything
	// else is relative to the stylesheet.
	if strings.HasPrefix(ref, "~") {
		return ref[1:], true
	}
	if !strings.HasPrefix(ref, ".") {
		ref = "./" + ref
	}
	return ref, true
}

func stringLiteral(node *sitter.Node, source []byte) (string, bool) {
	switch node.Kind() {
	case "string":
		return unquote(nodeText(node, source)), true
	case "template_string":
		for i := uint(0); i < node.NamedChildCount(); i++ {
			if node.NamedChild(i).Kind() == "template_substitution" {
				return "", false
			}
		}
		return unquote(nodeText(node, source)), true
	}
	return "", false
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func nodeText(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	start := node.StartByte()
	end := node.EndByte()
	if start >= end || end > uint(len(source)) {
		return ""
	}
	return string(source[start:end])
}
