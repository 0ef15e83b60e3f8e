// Package planner partitions a module graph into output bundles.
//
// Every module reachable from an entry point is assigned to exactly one
// bundle by an ordered list of classifiers; modules no classifier claims
// land in the owning entry's bundle, or in a shared bundle named after all
// of their owners. The planner never touches the filesystem.
package planner

import (
	"assetplan/internal/core/errors"
	"assetplan/internal/engine/graph"
	"assetplan/internal/shared/observability"
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// SharedSeparator joins owner names in synthetic shared bundle names.
const SharedSeparator = "~"

type BundleKind string

const (
	BundleIsolation BundleKind = "isolation"
	BundleManifest  BundleKind = "manifest"
	BundleVendor    BundleKind = "vendor"
	BundleCustom    BundleKind = "custom"
	BundleShared    BundleKind = "shared"
	BundleEntry     BundleKind = "entry"
)

// loadRank orders bundles inside EntryBundles.
var loadRank = map[BundleKind]int{
	BundleManifest:  0,
	BundleIsolation: 1,
	BundleVendor:    2,
	BundleCustom:    3,
	BundleShared:    4,
	BundleEntry:     5,
}

type Entry struct {
	Name string
	Root string
}

type Bundle struct {
	Name    string
	Kind    BundleKind
	Modules []string
	Hash    string
}

type Warning struct {
	Module  string
	Message string
}

type Plan struct {
	Bundles []Bundle
	// Assignment maps module ID to bundle name.
	Assignment map[string]string
	// EntryBundles lists, per entry, the bundles it loads in load order.
	EntryBundles map[string][]string
	Unreachable  []string
	Warnings     []Warning
}

// Bundle returns the named bundle.
func (p *Plan) Bundle(name string) (*Bundle, bool) {
	for i := range p.Bundles {
		if p.Bundles[i].Name == name {
			return &p.Bundles[i], true
		}
	}
	return nil, false
}

type Planner struct {
	rules []Classifier
}

func New(rules ...Classifier) *Planner {
	return &Planner{rules: rules}
}

func (p *Planner) Plan(ctx context.Context, g *graph.Graph, entries []Entry) (*Plan, error) {
	if err := p.validateEntries(g, entries); err != nil {
		return nil, err
	}

	visits, err := traverse(ctx, g, entries)
	if err != nil {
		return nil, err
	}

	// Serial merge in declaration order keeps the sequence deterministic.
	owners := make(map[string][]string)
	var sequence []string
	for i, e := range entries {
		for _, id := range visits[i] {
			if _, ok := owners[id]; !ok {
				sequence = append(sequence, id)
			}
			owners[id] = append(owners[id], e.Name)
		}
	}

	assignment := make(map[string]string, len(sequence))
	claimedBy := make(map[string]int)
	var failures []error
	for _, id := range sequence {
		m, _ := g.Module(id)
		bundle, rule, err := p.classify(m, owners[id])
		if err != nil {
			failures = append(failures, err)
			continue
		}
		assignment[id] = bundle
		if _, ok := claimedBy[bundle]; !ok {
			claimedBy[bundle] = rule
		}
	}
	if len(failures) > 0 {
		return nil, stderrors.Join(failures...)
	}

	plan := &Plan{
		Assignment:   assignment,
		EntryBundles: make(map[string][]string, len(entries)),
	}
	for _, id := range g.IDs() {
		if _, ok := owners[id]; ok {
			continue
		}
		plan.Unreachable = append(plan.Unreachable, id)
	}
	sort.Strings(plan.Unreachable)
	for _, id := range plan.Unreachable {
		slog.Warn("module is not reachable from any entry point", "module", id)
		plan.Warnings = append(plan.Warnings, Warning{
			Module:  id,
			Message: "not reachable from any entry point; excluded from all bundles",
		})
	}

	plan.Bundles = p.layout(g, entries, sequence, assignment, claimedBy)
	plan.EntryBundles = entryBundles(entries, visits, assignment, plan.Bundles)

	observability.PlannedBundles.Set(float64(len(plan.Bundles)))
	observability.UnreachableModules.Set(float64(len(plan.Unreachable)))
	return plan, nil
}

func (p *Planner) validateEntries(g *graph.Graph, entries []Entry) error {
	if len(entries) == 0 {
		return errors.New(errors.CodeConfig, "at least one entry point is required")
	}
	declared := make(map[string]bool)
	for _, rule := range p.rules {
		if d, ok := rule.(BundleDeclarer); ok {
			for _, b := range d.Bundles() {
				declared[b.Name] = true
			}
		}
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return errors.New(errors.CodeConfig, "entry point name is required")
		}
		if seen[name] {
			return errors.Newf(errors.CodeConfig, "entry point %q declared twice", name).
				WithContext(errors.CtxEntry, name)
		}
		seen[name] = true
		if strings.Contains(name, SharedSeparator) {
			return errors.Newf(errors.CodeConfig, "entry point name %q must not contain %q", name, SharedSeparator).
				WithContext(errors.CtxEntry, name)
		}
		if declared[name] {
			return errors.Newf(errors.CodeConfig, "entry point %q collides with a rule bundle", name).
				WithContext(errors.CtxEntry, name)
		}
		if _, ok := g.Module(e.Root); !ok {
			return errors.Newf(errors.CodeConfig, "undeclared entry point %q", name).
				WithContext(errors.CtxEntry, name).
				WithContext(errors.CtxModule, e.Root)
		}
	}
	return nil
}

// traverse runs one read-only depth-first walk per entry. Each result is the
// entry's modules in preorder, dependencies in declared order.
func traverse(ctx context.Context, g *graph.Graph, entries []Entry) ([][]string, error) {
	visits := make([][]string, len(entries))
	eg, egctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		eg.Go(func() error {
			order, err := walk(egctx, g, e.Root)
			if err != nil {
				return errors.AddContext(err, errors.CtxEntry, e.Name)
			}
			visits[i] = order
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return visits, nil
}

func walk(ctx context.Context, g *graph.Graph, root string) ([]string, error) {
	visited := map[string]bool{}
	var order []string
	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)

		m, _ := g.Module(id)
		for i := len(m.Deps) - 1; i >= 0; i-- {
			dep := m.Deps[i]
			if _, ok := g.Module(dep); !ok {
				return nil, errors.Newf(errors.CodeNotFound, "dependency %q is not in the module graph", dep).
					WithContext(errors.CtxModule, dep).
					WithContext(errors.CtxImporter, id)
			}
			if !visited[dep] {
				stack = append(stack, dep)
			}
		}
	}
	return order, nil
}

// classify returns the bundle and the index of the rule that chose it; the
// default rule reports len(p.rules).
func (p *Planner) classify(m *graph.Module, owners []string) (string, int, error) {
	for i, rule := range p.rules {
		bundle, ok, err := rule.Classify(m, len(owners))
		if err != nil {
			return "", 0, err
		}
		if ok {
			return bundle, i, nil
		}
	}
	return SharedName(owners), len(p.rules), nil
}

// SharedName is the bundle name for modules owned by the given entries: the
// entry itself for one owner, else the sorted owners joined by "~".
func SharedName(owners []string) string {
	if len(owners) == 1 {
		return owners[0]
	}
	sorted := append([]string(nil), owners...)
	sort.Strings(sorted)
	return strings.Join(sorted, SharedSeparator)
}

func (p *Planner) layout(g *graph.Graph, entries []Entry, sequence []string, assignment map[string]string, claimedBy map[string]int) []Bundle {
	members := make(map[string][]string)
	for _, id := range sequence {
		name := assignment[id]
		members[name] = append(members[name], id)
	}

	isEntry := make(map[string]bool, len(entries))
	for _, e := range entries {
		isEntry[e.Name] = true
	}
	placed := make(map[string]bool)
	var out []Bundle
	add := func(name string, kind BundleKind, keepEmpty bool) {
		if placed[name] || (len(members[name]) == 0 && !keepEmpty) {
			return
		}
		placed[name] = true
		out = append(out, Bundle{Name: name, Kind: kind, Modules: members[name]})
	}

	for i, rule := range p.rules {
		if d, ok := rule.(BundleDeclarer); ok {
			for _, b := range d.Bundles() {
				if !isEntry[b.Name] {
					add(b.Name, b.Kind, false)
				}
			}
		}
		// Bundles a rule produced without declaring them follow in
		// first-assignment order.
		for _, id := range sequence {
			name := assignment[id]
			if claimedBy[name] == i && !isEntry[name] {
				add(name, BundleCustom, false)
			}
		}
	}
	for _, e := range entries {
		add(e.Name, BundleEntry, true)
	}
	var shared []string
	for name := range members {
		if !placed[name] {
			shared = append(shared, name)
		}
	}
	sort.Strings(shared)
	for _, name := range shared {
		add(name, BundleShared, false)
	}

	for i := range out {
		out[i].Hash = bundleHash(g, out[i].Modules)
	}
	for i := range out {
		if out[i].Kind == BundleManifest {
			out[i].Hash = foldChunkMap(out[i].Hash, out, i)
		}
	}
	return out
}

func entryBundles(entries []Entry, visits [][]string, assignment map[string]string, bundles []Bundle) map[string][]string {
	position := make(map[string]int, len(bundles))
	for i, b := range bundles {
		position[b.Name] = i
	}

	out := make(map[string][]string, len(entries))
	for i, e := range entries {
		reached := map[string]bool{e.Name: true}
		for _, id := range visits[i] {
			reached[assignment[id]] = true
		}
		names := make([]string, 0, len(reached))
		for name := range reached {
			if _, ok := position[name]; ok {
				names = append(names, name)
			}
		}
		sort.Slice(names, func(a, b int) bool {
			na, nb := names[a], names[b]
			// The entry's own bundle always loads last.
			if (na == e.Name) != (nb == e.Name) {
				return nb == e.Name
			}
			ra, rb := loadRank[bundles[position[na]].Kind], loadRank[bundles[position[nb]].Kind]
			if ra != rb {
				return ra < rb
			}
			return position[na] < position[nb]
		})
		out[e.Name] = names
	}
	return out
}
