// Package emitter writes planned bundles to disk along with the stats file
// the server-side templates read to find hashed filenames.
package emitter

import (
	"assetplan/internal/core/errors"
	"assetplan/internal/engine/graph"
	"assetplan/internal/engine/planner"
	"assetplan/internal/shared/observability"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"lukechampine.com/blake3"
)

type Options struct {
	// OutputDir is relative to the emitter filesystem.
	OutputDir string
	// OutputAbs is OutputDir on disk, recorded in the stats file.
	OutputAbs  string
	PublicPath string
	// Filename supports [name], [hash] and [chunkhash].
	Filename  string
	AssetDir  string
	StatsFile string
	Gzip      bool
	// HotReload is the websocket URL the runtime subscribes to for reloads.
	// Empty leaves the client out.
	HotReload string
}

type Artifact struct {
	Bundle string
	File   string
	// Hash digests the artifact bytes; it is the [hash] in File.
	Hash string
	Size int64
}

// Manifest describes one emission.
type Manifest struct {
	Artifacts []Artifact
	// Entries lists artifact filenames per entry in load order.
	Entries map[string][]string
	Assets  []string
}

// File returns the artifact filename for a bundle.
func (m *Manifest) File(bundle string) (string, bool) {
	for _, a := range m.Artifacts {
		if a.Bundle == bundle {
			return a.File, true
		}
	}
	return "", false
}

type Emitter struct {
	fs   afero.Fs
	opts Options
	// files written by the previous Emit, removed once superseded
	previous map[string]bool
}

func New(fs afero.Fs, opts Options) *Emitter {
	if opts.Filename == "" {
		opts.Filename = "[name]-[hash].js"
	}
	if opts.AssetDir == "" {
		opts.AssetDir = "fonts"
	}
	return &Emitter{fs: fs, opts: opts}
}

// Filename expands the filename template for a bundle.
func (e *Emitter) Filename(name, hash string) string {
	r := strings.NewReplacer("[name]", name, "[hash]", hash, "[chunkhash]", hash)
	return r.Replace(e.opts.Filename)
}

// ArtifactHash digests rendered artifact bytes.
func ArtifactHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])[:planner.HashLength]
}

// emission carries the state shared by the bundles of one Emit call.
type emission struct {
	graph *graph.Graph
	plan  *planner.Plan
	roots map[string]string
	// files maps bundle name to artifact filename once rendered
	files   map[string]string
	written map[string]bool
	// assets maps asset filename to the module that produced it
	assets map[string]string
}

// Emit writes one artifact per bundle, copies assets and records the stats
// file. roots maps entry names to their root module IDs.
//
// Artifact filenames hash the rendered bytes. Only the bundle hosting the
// runtime embeds other filenames, so it renders after every other bundle.
func (e *Emitter) Emit(ctx context.Context, g *graph.Graph, plan *planner.Plan, roots map[string]string) (*Manifest, error) {
	if err := e.fs.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "create output directory")
	}

	em := &emission{
		graph:   g,
		plan:    plan,
		roots:   roots,
		files:   make(map[string]string, len(plan.Bundles)),
		written: make(map[string]bool),
		assets:  make(map[string]string),
	}
	rendered := make([][]byte, len(plan.Bundles))
	hashes := make([]string, len(plan.Bundles))
	host := -1
	for i, b := range plan.Bundles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hostsRuntime(g, b) {
			host = i
			continue
		}
		data, err := e.render(em, b, false)
		if err != nil {
			return nil, err
		}
		rendered[i], hashes[i] = data, ArtifactHash(data)
		em.files[b.Name] = e.Filename(b.Name, hashes[i])
	}
	if host >= 0 {
		b := plan.Bundles[host]
		data, err := e.render(em, b, true)
		if err != nil {
			return nil, err
		}
		rendered[host], hashes[host] = data, ArtifactHash(data)
		em.files[b.Name] = e.Filename(b.Name, hashes[host])
	}

	manifest := &Manifest{Entries: make(map[string][]string, len(plan.EntryBundles))}
	for i, b := range plan.Bundles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := rendered[i]
		target := path.Join(e.opts.OutputDir, em.files[b.Name])
		if err := e.writeFile(target, data); err != nil {
			return nil, errors.AddContext(err, errors.CtxBundle, b.Name)
		}
		em.written[target] = true
		if e.opts.Gzip {
			if err := e.writeGzip(target+".gz", data); err != nil {
				return nil, err
			}
			em.written[target+".gz"] = true
		}
		observability.EmittedBytes.Add(float64(len(data)))
		manifest.Artifacts = append(manifest.Artifacts, Artifact{
			Bundle: b.Name,
			File:   em.files[b.Name],
			Hash:   hashes[i],
			Size:   int64(len(data)),
		})
	}

	for entry, bundles := range plan.EntryBundles {
		list := make([]string, 0, len(bundles))
		for _, name := range bundles {
			list = append(list, em.files[name])
		}
		manifest.Entries[entry] = list
	}
	for name := range em.assets {
		manifest.Assets = append(manifest.Assets, path.Join(e.opts.AssetDir, name))
	}
	sort.Strings(manifest.Assets)

	if e.opts.StatsFile != "" {
		if err := e.writeStats(doneStats(e.opts, manifest)); err != nil {
			return nil, err
		}
	}
	e.prune(em.written)
	return manifest, nil
}

func hostsRuntime(g *graph.Graph, b planner.Bundle) bool {
	for _, id := range b.Modules {
		if m, ok := g.Module(id); ok && m.Kind == graph.KindRuntime {
			return true
		}
	}
	return false
}

// render builds the artifact for b. Asset modules are copied to the asset
// directory on the way. The runtime host also receives the chunk map of
// every bundle rendered so far.
func (e *Emitter) render(em *emission, b planner.Bundle, host bool) ([]byte, error) {
	g := em.graph
	assetURL := func(id string) string {
		return e.opts.PublicPath + path.Join(e.opts.AssetDir, assetName(id))
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "/* %s */\n", b.Name)
	if host {
		for _, id := range b.Modules {
			if m, _ := g.Module(id); m.Kind == graph.KindRuntime {
				buf.Write(m.Source)
				buf.WriteByte('\n')
			}
		}
	}

	buf.WriteString("(function (ap) {\n")
	if host {
		chunkMap, err := jsLiteral(map[string]any{"publicPath": e.opts.PublicPath, "chunks": em.files})
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "ap.configure(%s);\n", chunkMap)
		if e.opts.HotReload != "" {
			url, _ := jsLiteral(e.opts.HotReload)
			fmt.Fprintf(&buf, "ap.hot(%s);\n", url)
		}
	}
	for _, id := range b.Modules {
		m, _ := g.Module(id)
		switch m.Kind {
		case graph.KindRuntime:
			continue
		case graph.KindAsset:
			name := assetName(id)
			if prev, ok := em.assets[name]; ok && prev != id {
				slog.Warn("asset name collision; later module wins", "asset", name, "first", prev, "second", id)
			}
			em.assets[name] = id
			target := path.Join(e.opts.OutputDir, e.opts.AssetDir, name)
			if err := e.writeFile(target, m.Source); err != nil {
				return nil, err
			}
			em.written[target] = true
		}
		if err := writeModule(&buf, g, m, assetURL); err != nil {
			return nil, errors.AddContext(err, errors.CtxModule, id)
		}
	}
	name, _ := jsLiteral(b.Name)
	fmt.Fprintf(&buf, "ap.loaded(%s);\n", name)
	if b.Kind == planner.BundleEntry {
		if root, ok := em.roots[b.Name]; ok {
			chunks, _ := jsLiteral(without(em.plan.EntryBundles[b.Name], b.Name))
			rootID, _ := jsLiteral(root)
			fmt.Fprintf(&buf, "ap.start(%s, %s);\n", chunks, rootID)
		}
	}
	buf.WriteString("})(window.__assetplan__);\n")
	return buf.Bytes(), nil
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

// writeFile replaces target through a temp file and rename so readers never
// see a half-written artifact. The temp file is removed on failure.
func (e *Emitter) writeFile(target string, data []byte) error {
	dir := path.Dir(target)
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensuring directories for %q: %w", target, err)
	}
	f, err := afero.TempFile(e.fs, dir, ".assetplan-")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", target, err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = e.fs.Rename(tmp, target)
	}
	if err != nil {
		if rmErr := e.fs.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("failed to remove temp file", "file", tmp, "error", rmErr)
		}
		return fmt.Errorf("write %q: %w", target, err)
	}
	return nil
}

func (e *Emitter) writeGzip(target string, data []byte) error {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return e.writeFile(target, buf.Bytes())
}

// prune removes artifacts of the previous emission that this one did not
// rewrite.
func (e *Emitter) prune(written map[string]bool) {
	for file := range e.previous {
		if written[file] {
			continue
		}
		if err := e.fs.Remove(file); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove stale artifact", "file", file, "error", err)
		}
	}
	e.previous = written
}
