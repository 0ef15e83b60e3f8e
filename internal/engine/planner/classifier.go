package planner

import (
	"assetplan/internal/core/errors"
	"assetplan/internal/engine/graph"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Classifier maps a module and the number of entries that reach it to a
// bundle name. Rules are consulted in order and the first ok wins.
type Classifier interface {
	Name() string
	Classify(m *graph.Module, refs int) (bundle string, ok bool, err error)
}

// BundleDeclarer is implemented by classifiers that own a fixed list of
// bundles. The planner uses it to order and label their output.
type BundleDeclarer interface {
	Bundles() []BundleDecl
}

type BundleDecl struct {
	Name string
	Kind BundleKind
}

// PathMatcher matches module IDs against doublestar globs. A module matches
// when any include pattern matches and no exclude pattern does.
type PathMatcher struct {
	Include []string
	Exclude []string
}

func (p PathMatcher) Match(id string) bool {
	if !matchAny(p.Include, id) {
		return false
	}
	return !matchAny(p.Exclude, id)
}

func (p PathMatcher) Validate() error {
	for _, pattern := range append(append([]string(nil), p.Include...), p.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return errors.Newf(errors.CodeConfig, "invalid glob %q", pattern)
		}
	}
	return nil
}

func matchAny(patterns []string, id string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, id); ok {
			return true
		}
	}
	return false
}

type IsolationSet struct {
	Bundle  string
	Matcher PathMatcher
}

// IsolationRule sends members of an isolation set to that set's bundle no
// matter how many entries reach them. Overlapping sets are a config error.
type IsolationRule struct {
	Sets []IsolationSet
}

func (r IsolationRule) Name() string { return "isolation" }

func (r IsolationRule) Classify(m *graph.Module, _ int) (string, bool, error) {
	var hits []string
	for _, set := range r.Sets {
		if set.Matcher.Match(m.ID) {
			hits = append(hits, set.Bundle)
		}
	}
	switch len(hits) {
	case 0:
		return "", false, nil
	case 1:
		return hits[0], true, nil
	}
	return "", false, errors.Newf(errors.CodeConfig,
		"module %q is claimed by isolation sets %s", m.ID, strings.Join(hits, ", ")).
		WithContext(errors.CtxModule, m.ID)
}

func (r IsolationRule) Bundles() []BundleDecl {
	out := make([]BundleDecl, 0, len(r.Sets))
	for _, set := range r.Sets {
		out = append(out, BundleDecl{Name: set.Bundle, Kind: BundleIsolation})
	}
	return out
}

// RuntimeRule sends loader runtime glue to the manifest bundle.
type RuntimeRule struct {
	Bundle  string
	Matcher PathMatcher
}

func (r RuntimeRule) Name() string { return "runtime" }

func (r RuntimeRule) Classify(m *graph.Module, _ int) (string, bool, error) {
	if m.Kind == graph.KindRuntime || r.Matcher.Match(m.ID) {
		return r.Bundle, true, nil
	}
	return "", false, nil
}

func (r RuntimeRule) Bundles() []BundleDecl {
	return []BundleDecl{{Name: r.Bundle, Kind: BundleManifest}}
}

// VendorRule sends third-party modules reached by at least MinRefs entries
// to the vendor bundle. MinRefs below 1 means 1.
type VendorRule struct {
	Bundle  string
	Matcher PathMatcher
	MinRefs int
}

func (r VendorRule) Name() string { return "vendor" }

func (r VendorRule) Classify(m *graph.Module, refs int) (string, bool, error) {
	if refs < max(r.MinRefs, 1) || !r.Matcher.Match(m.ID) {
		return "", false, nil
	}
	return r.Bundle, true, nil
}

func (r VendorRule) Bundles() []BundleDecl {
	return []BundleDecl{{Name: r.Bundle, Kind: BundleVendor}}
}

// Options is the data form of the standard rule list.
type Options struct {
	Isolate        []IsolationSet
	ManifestBundle string
	Runtime        PathMatcher
	VendorBundle   string
	Vendor         PathMatcher
	MinRefs        int
}

// DefaultRules builds isolation, runtime and vendor rules in that order,
// skipping any that are not configured.
func DefaultRules(o Options) ([]Classifier, error) {
	var rules []Classifier
	seen := make(map[string]string)
	claim := func(name, owner string) error {
		if strings.TrimSpace(name) == "" {
			return errors.Newf(errors.CodeConfig, "%s bundle name is required", owner)
		}
		if prev, ok := seen[name]; ok {
			return errors.Newf(errors.CodeConfig, "bundle name %q is used by both %s and %s", name, prev, owner).
				WithContext(errors.CtxBundle, name)
		}
		seen[name] = owner
		return nil
	}

	if len(o.Isolate) > 0 {
		for i, set := range o.Isolate {
			if err := claim(set.Bundle, fmt.Sprintf("isolate[%d]", i)); err != nil {
				return nil, err
			}
			if err := set.Matcher.Validate(); err != nil {
				return nil, err
			}
		}
		rules = append(rules, IsolationRule{Sets: o.Isolate})
	}
	if o.ManifestBundle != "" {
		if err := claim(o.ManifestBundle, "manifest"); err != nil {
			return nil, err
		}
		if err := o.Runtime.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, RuntimeRule{Bundle: o.ManifestBundle, Matcher: o.Runtime})
	}
	if o.VendorBundle != "" && len(o.Vendor.Include) > 0 {
		if err := claim(o.VendorBundle, "vendor"); err != nil {
			return nil, err
		}
		if err := o.Vendor.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, VendorRule{Bundle: o.VendorBundle, Matcher: o.Vendor, MinRefs: o.MinRefs})
	}
	return rules, nil
}
