package emitter

import (
	"assetplan/internal/engine/graph"
	"assetplan/internal/engine/planner"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runtimeID = "assetplan/runtime"

type fixture struct {
	graph *graph.Graph
	plan  *planner.Plan
	roots map[string]string
}

func newFixture(t *testing.T, appSource string) fixture {
	t.Helper()
	g := graph.NewGraph()
	add := func(m *graph.Module) {
		require.NoError(t, g.Add(m))
	}
	add(&graph.Module{
		ID:   "static/js/app.js",
		Kind: graph.KindScript,
		Deps: []string{runtimeID, "node_modules/jquery/jquery.js", "static/js/row.underscore", "static/js/data.json", "static/css/app.css"},
		Imports: map[string]string{
			"./row.underscore": "static/js/row.underscore",
			"./data.json":      "static/js/data.json",
			"../css/app.css":   "static/css/app.css",
		},
		Provides: map[string]string{"$": "node_modules/jquery/jquery.js"},
		Source:   []byte(appSource),
	})
	add(&graph.Module{ID: runtimeID, Kind: graph.KindRuntime, Source: []byte(RuntimeSource)})
	add(&graph.Module{ID: "node_modules/jquery/jquery.js", Kind: graph.KindScript, Source: []byte("module.exports = function () {};")})
	add(&graph.Module{ID: "static/js/row.underscore", Kind: graph.KindRaw, Source: []byte("<tr>\"<%= name %>\"</tr>\n")})
	add(&graph.Module{ID: "static/js/data.json", Kind: graph.KindJSON, Source: []byte("{\"a\": 1}\n")})
	add(&graph.Module{
		ID:   "static/css/app.css",
		Kind: graph.KindStyle,
		Deps: []string{"static/css/base.css", "static/fonts/icons.woff"},
		Imports: map[string]string{
			"./base.css":          "static/css/base.css",
			"../fonts/icons.woff": "static/fonts/icons.woff",
		},
		Source: []byte("@import \"./base.css\";\n@font-face { src: url('../fonts/icons.woff?#iefix'); }\n.x { background: url(data:image/png;base64,AA); }\n"),
	})
	add(&graph.Module{ID: "static/css/base.css", Kind: graph.KindStyle, Source: []byte("body { margin: 0; }\n")})
	add(&graph.Module{ID: "static/fonts/icons.woff", Kind: graph.KindAsset, Source: []byte("wOFF")})
	add(&graph.Module{ID: "static/js/admin.js", Kind: graph.KindScript, Deps: []string{runtimeID}, Source: []byte("console.log('admin');")})

	rules, err := planner.DefaultRules(planner.Options{
		ManifestBundle: "manifest",
		Runtime:        planner.PathMatcher{Include: []string{runtimeID}},
		VendorBundle:   "vendor",
		Vendor:         planner.PathMatcher{Include: []string{"node_modules/**"}},
	})
	require.NoError(t, err)
	entries := []planner.Entry{
		{Name: "app", Root: "static/js/app.js"},
		{Name: "admin", Root: "static/js/admin.js"},
	}
	plan, err := planner.New(rules...).Plan(context.Background(), g, entries)
	require.NoError(t, err)

	return fixture{
		graph: g,
		plan:  plan,
		roots: map[string]string{"app": "static/js/app.js", "admin": "static/js/admin.js"},
	}
}

func newEmitter(fs afero.Fs) *Emitter {
	return New(fs, Options{
		OutputDir:  "dist/bundles",
		OutputAbs:  "/srv/project/dist/bundles",
		PublicPath: "http://localhost:8080/static/bundles/",
		Filename:   "[name]-[hash].js",
		AssetDir:   "fonts",
		StatsFile:  "webpack-stats.json",
		Gzip:       true,
	})
}

func readFile(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err, name)
	return string(data)
}

func TestEmit_WritesArtifacts(t *testing.T) {
	fx := newFixture(t, "$(function () {});\n")
	fs := afero.NewMemMapFs()
	e := newEmitter(fs)

	m, err := e.Emit(context.Background(), fx.graph, fx.plan, fx.roots)
	require.NoError(t, err)

	require.Len(t, m.Artifacts, len(fx.plan.Bundles))
	for i, a := range m.Artifacts {
		b := fx.plan.Bundles[i]
		assert.Equal(t, b.Name, a.Bundle)
		assert.Len(t, a.Hash, planner.HashLength)
		assert.Equal(t, fmt.Sprintf("%s-%s.js", b.Name, a.Hash), a.File)
		exists, err := afero.Exists(fs, path.Join("dist/bundles", a.File))
		require.NoError(t, err)
		assert.True(t, exists, a.File)
	}
	assert.Equal(t, []string{"fonts/icons.woff"}, m.Assets)
	assert.Equal(t, "wOFF", readFile(t, fs, "dist/bundles/fonts/icons.woff"))

	manifestFile, ok := m.File("manifest")
	require.True(t, ok)
	vendorFile, _ := m.File("vendor")
	appFile, _ := m.File("app")
	assert.Equal(t, []string{manifestFile, vendorFile, appFile}, m.Entries["app"])

	manifest := readFile(t, fs, "dist/bundles/"+manifestFile)
	assert.Contains(t, manifest, "global.__assetplan__ = {")
	assert.Contains(t, manifest, `ap.configure({"chunks":{`)
	assert.Contains(t, manifest, `"vendor":"`+vendorFile+`"`)
	assert.Contains(t, manifest, `ap.loaded("manifest");`)
	assert.NotContains(t, manifest, "ap.define(\"assetplan/runtime\"")
	assert.NotContains(t, manifest, "ap.hot(")
	assert.Equal(t, ArtifactHash([]byte(manifest)), m.Artifacts[0].Hash)

	app := readFile(t, fs, "dist/bundles/"+appFile)
	assert.Contains(t, app, `ap.define("static/js/app.js", {"../css/app.css":"static/css/app.css","./data.json":"static/js/data.json","./row.underscore":"static/js/row.underscore"}, function (module, exports, require) {`)
	assert.Contains(t, app, "var $ = require(\"node_modules/jquery/jquery.js\");\n$(function () {});\n});")
	assert.Contains(t, app, `module.exports = "<tr>\"<%= name %>\"</tr>\n";`)
	assert.Contains(t, app, "module.exports = {\"a\": 1};")
	assert.Contains(t, app, `require("static/css/base.css");`)
	assert.Contains(t, app, `url(\"http://localhost:8080/static/bundles/fonts/icons.woff\")`)
	assert.Contains(t, app, `url(data:image/png;base64,AA)`)
	assert.NotContains(t, app, "@import")
	assert.Contains(t, app, `module.exports = "http://localhost:8080/static/bundles/fonts/icons.woff";`)
	assert.Contains(t, app, `ap.start(["manifest","vendor"], "static/js/app.js");`)

	adminFile, _ := m.File("admin")
	admin := readFile(t, fs, "dist/bundles/"+adminFile)
	assert.Contains(t, admin, `ap.start(["manifest"], "static/js/admin.js");`)
}

func TestEmit_GzipSidecar(t *testing.T) {
	fx := newFixture(t, "")
	fs := afero.NewMemMapFs()
	m, err := newEmitter(fs).Emit(context.Background(), fx.graph, fx.plan, fx.roots)
	require.NoError(t, err)

	appFile, _ := m.File("app")
	f, err := fs.Open("dist/bundles/" + appFile + ".gz")
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, readFile(t, fs, "dist/bundles/"+appFile), string(plain))
}

func TestEmit_StatsFile(t *testing.T) {
	fx := newFixture(t, "")
	fs := afero.NewMemMapFs()
	e := newEmitter(fs)
	m, err := e.Emit(context.Background(), fx.graph, fx.plan, fx.roots)
	require.NoError(t, err)

	var stats Stats
	require.NoError(t, json.Unmarshal([]byte(readFile(t, fs, "webpack-stats.json")), &stats))
	assert.Equal(t, StatusDone, stats.Status)
	assert.Equal(t, "http://localhost:8080/static/bundles/", stats.PublicPath)
	require.Len(t, stats.Chunks["admin"], 2)
	adminFile, _ := m.File("admin")
	assert.Equal(t, StatsChunk{
		Name:       adminFile,
		PublicPath: "http://localhost:8080/static/bundles/" + adminFile,
		Path:       "/srv/project/dist/bundles/" + adminFile,
	}, stats.Chunks["admin"][1])

	require.NoError(t, e.MarkCompiling())
	assert.JSONEq(t, `{"status":"compiling"}`, readFile(t, fs, "webpack-stats.json"))

	require.NoError(t, e.MarkFailed(fmt.Errorf("boom")))
	assert.JSONEq(t, `{"status":"error","error":"BuildError","message":"boom"}`, readFile(t, fs, "webpack-stats.json"))
}

func TestEmit_PrunesSupersededArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := newEmitter(fs)

	first := newFixture(t, "console.log(1);")
	m1, err := e.Emit(context.Background(), first.graph, first.plan, first.roots)
	require.NoError(t, err)
	oldApp, _ := m1.File("app")
	vendor1, _ := m1.File("vendor")

	second := newFixture(t, "console.log(2);")
	m2, err := e.Emit(context.Background(), second.graph, second.plan, second.roots)
	require.NoError(t, err)
	newApp, _ := m2.File("app")
	vendor2, _ := m2.File("vendor")

	assert.NotEqual(t, oldApp, newApp)
	assert.Equal(t, vendor1, vendor2, "unchanged vendor keeps its filename")

	exists, _ := afero.Exists(fs, "dist/bundles/"+oldApp)
	assert.False(t, exists, "stale artifact removed")
	exists, _ = afero.Exists(fs, "dist/bundles/"+oldApp+".gz")
	assert.False(t, exists)
	exists, _ = afero.Exists(fs, "dist/bundles/"+vendor2)
	assert.True(t, exists)
}

func TestEmit_Canceled(t *testing.T) {
	fx := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEmitter(afero.NewMemMapFs()).Emit(ctx, fx.graph, fx.plan, fx.roots)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFilename(t *testing.T) {
	e := New(afero.NewMemMapFs(), Options{Filename: "[name].[chunkhash].bundle.js"})
	assert.Equal(t, "app.abc.bundle.js", e.Filename("app", "abc"))
	assert.Equal(t, "app-abc.js", New(afero.NewMemMapFs(), Options{}).Filename("app", "abc"))
}

func TestEmit_FilenameTracksArtifactContent(t *testing.T) {
	cases := map[string]func(g *graph.Graph){
		"import target": func(g *graph.Graph) {
			m, _ := g.Module("static/js/app.js")
			m.Imports["./row.underscore"] = "static/js/data.json"
		},
		"loader kind": func(g *graph.Graph) {
			m, _ := g.Module("static/js/row.underscore")
			m.Kind = graph.KindScript
		},
		"provided name": func(g *graph.Graph) {
			m, _ := g.Module("static/js/app.js")
			m.Provides = map[string]string{"jQuery": "node_modules/jquery/jquery.js"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			base := newFixture(t, "")
			before, err := newEmitter(afero.NewMemMapFs()).Emit(context.Background(), base.graph, base.plan, base.roots)
			require.NoError(t, err)

			changed := newFixture(t, "")
			mutate(changed.graph)
			after, err := newEmitter(afero.NewMemMapFs()).Emit(context.Background(), changed.graph, changed.plan, changed.roots)
			require.NoError(t, err)

			app1, _ := before.File("app")
			app2, _ := after.File("app")
			assert.NotEqual(t, app1, app2)
			manifest1, _ := before.File("manifest")
			manifest2, _ := after.File("manifest")
			assert.NotEqual(t, manifest1, manifest2, "chunk map names the new app file")
			vendor1, _ := before.File("vendor")
			vendor2, _ := after.File("vendor")
			assert.Equal(t, vendor1, vendor2)
		})
	}
}

func TestEmit_PublicPathChangesFilenames(t *testing.T) {
	fx := newFixture(t, "")
	before, err := newEmitter(afero.NewMemMapFs()).Emit(context.Background(), fx.graph, fx.plan, fx.roots)
	require.NoError(t, err)

	e := New(afero.NewMemMapFs(), Options{OutputDir: "dist/bundles", PublicPath: "/assets/"})
	after, err := e.Emit(context.Background(), fx.graph, fx.plan, fx.roots)
	require.NoError(t, err)

	for _, bundle := range []string{"manifest", "app"} {
		f1, _ := before.File(bundle)
		f2, _ := after.File(bundle)
		assert.NotEqual(t, f1, f2, bundle)
	}
	f1, _ := before.File("admin")
	f2, _ := after.File("admin")
	assert.Equal(t, f1, f2, "admin embeds no public URLs")
}

func TestEmit_HotReloadClient(t *testing.T) {
	fx := newFixture(t, "")
	fs := afero.NewMemMapFs()
	e := New(fs, Options{
		OutputDir:  "dist/bundles",
		PublicPath: "/static/bundles/",
		HotReload:  "ws://127.0.0.1:8080/ws",
	})
	m, err := e.Emit(context.Background(), fx.graph, fx.plan, fx.roots)
	require.NoError(t, err)

	manifestFile, _ := m.File("manifest")
	manifest := readFile(t, fs, "dist/bundles/"+manifestFile)
	assert.Contains(t, manifest, "ap.hot(\"ws://127.0.0.1:8080/ws\");")
	assert.Contains(t, manifest, "new global.WebSocket(url)")
	assert.Less(t, strings.Index(manifest, "ap.configure("), strings.Index(manifest, "ap.hot("))

	appFile, _ := m.File("app")
	assert.NotContains(t, readFile(t, fs, "dist/bundles/"+appFile), "ap.hot(")
}

type failingRenameFs struct {
	afero.Fs
}

func (failingRenameFs) Rename(oldname, newname string) error {
	return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrPermission}
}

func TestEmit_RemovesTempFileOnFailure(t *testing.T) {
	fx := newFixture(t, "")
	mem := afero.NewMemMapFs()
	e := New(failingRenameFs{mem}, Options{OutputDir: "dist/bundles", PublicPath: "/static/bundles/"})

	_, err := e.Emit(context.Background(), fx.graph, fx.plan, fx.roots)
	require.ErrorIs(t, err, os.ErrPermission)

	var leftovers []string
	require.NoError(t, afero.Walk(mem, "dist", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(info.Name(), ".assetplan-") {
			leftovers = append(leftovers, p)
		}
		return nil
	}))
	assert.Empty(t, leftovers)
}
