package devserver

import (
	"assetplan/internal/core/app"
	"assetplan/internal/core/config"
	"assetplan/internal/data/history"
	"assetplan/internal/engine/emitter"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct{ status string }

func (f fakeHealth) Check(context.Context) app.HealthStatus {
	return app.HealthStatus{Status: f.status, Components: map[string]string{"build": "ok"}}
}

type fakeEvents struct {
	mu  sync.Mutex
	fns []func(app.BuildEvent)
}

func (f *fakeEvents) Subscribe(fn func(app.BuildEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns = append(f.fns, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fns = nil
	}
}

func (f *fakeEvents) fire(ev app.BuildEvent) {
	f.mu.Lock()
	fns := append([]func(app.BuildEvent){}, f.fns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

const bundleSource = "ap.define(\"static/js/app.js\", {}, function (module, exports, require) {});\n"

func outputFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/srv/dist/bundles/course-0a1b2c.js", []byte(bundleSource), 0o644))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(bundleSource))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, afero.WriteFile(fs, "/srv/dist/bundles/course-0a1b2c.js.gz", buf.Bytes(), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/srv/dist/bundles/fonts/icons.woff", []byte("wOFF"), 0o644))
	return fs
}

func newTestServer(t *testing.T, opts Options) (*Server, *fakeEvents) {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = "/srv/dist/bundles"
	}
	if opts.PublicPath == "" {
		opts.PublicPath = "http://localhost:8080/static/bundles/"
	}
	if opts.Headers == nil {
		opts.Headers = map[string]string{"Access-Control-Allow-Origin": "*"}
	}
	events := &fakeEvents{}
	s, err := New(opts, outputFs(t), fakeHealth{status: "up"}, events)
	require.NoError(t, err)
	return s, events
}

func TestServer_StaticFiles(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()

	t.Run("plain", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/bundles/course-0a1b2c.js", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, bundleSource, rec.Body.String())
		assert.Empty(t, rec.Header().Get("Content-Encoding"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	})

	t.Run("gzip", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/static/bundles/course-0a1b2c.js", nil)
		req.Header.Set("Accept-Encoding", "br, gzip")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
		assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")

		zr, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, bundleSource, string(body))
	})

	t.Run("no sidecar", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/static/bundles/fonts/icons.woff", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Content-Encoding"))
		assert.Equal(t, "wOFF", rec.Body.String())
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/bundles/admin-ffffff.js", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_Proxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "django "+r.URL.Path)
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, Options{Proxy: map[string]string{
		"/static/images": upstream.URL,
		"/":              upstream.URL,
	}})
	h := s.Handler()

	for _, p := range []string{"/static/images/logo.png", "/courses/42/"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		require.Equal(t, http.StatusOK, rec.Code, p)
		assert.Equal(t, "django "+p, rec.Body.String())
	}

	// Bundles are still served locally.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/bundles/course-0a1b2c.js", nil))
	assert.Equal(t, bundleSource, rec.Body.String())
}

func TestServer_ProxyUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	s, _ := newTestServer(t, Options{Proxy: map[string]string{"/api": target}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNew_RejectsBadProxies(t *testing.T) {
	events := &fakeEvents{}
	_, err := New(Options{
		PublicPath: "/static/bundles/",
		Proxy:      map[string]string{"/static/bundles": "http://127.0.0.1:8000"},
	}, afero.NewMemMapFs(), fakeHealth{}, events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadows")

	_, err = New(Options{
		PublicPath: "/static/bundles/",
		Proxy:      map[string]string{"/media": "not a url"},
	}, afero.NewMemMapFs(), fakeHealth{}, events)
	require.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	events := &fakeEvents{}
	for _, tc := range []struct {
		status string
		code   int
	}{
		{"up", http.StatusOK},
		{"degraded", http.StatusServiceUnavailable},
	} {
		s, err := New(Options{PublicPath: "/static/bundles/"}, afero.NewMemMapFs(), fakeHealth{status: tc.status}, events)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, tc.code, rec.Code)

		var got app.HealthStatus
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, tc.status, got.Status)
		assert.Equal(t, "ok", got.Components["build"])
	}
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "assetplan_hot_reload_clients")
}

func sampleEvent() app.BuildEvent {
	return app.BuildEvent{Result: &app.BuildResult{
		ID: "5f1c7a2e-0000-4000-8000-000000000001",
		Manifest: &emitter.Manifest{
			Entries: map[string][]string{
				"course": {"manifest-aa.js", "vendor-bb.js", "course-cc.js"},
			},
		},
		Changes: history.Changes{Added: []string{"course"}, Changed: []string{"manifest"}, Removed: []string{"old"}},
	}}
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(sampleEvent(), "/static/bundles/")
	assert.Equal(t, MessageOK, msg.Type)
	assert.Equal(t, []string{"course", "manifest"}, msg.Changed)
	assert.Equal(t, []string{"old"}, msg.Removed)
	assert.Equal(t, []string{
		"/static/bundles/manifest-aa.js",
		"/static/bundles/vendor-bb.js",
		"/static/bundles/course-cc.js",
	}, msg.Entries["course"])

	failed := NewMessage(app.BuildEvent{Err: errors.New("cannot resolve \"jquery\"")}, "/static/bundles/")
	assert.Equal(t, MessageError, failed.Type)
	assert.Contains(t, failed.Error, "jquery")
}

func TestMessage_FieldsReadByRuntimeClient(t *testing.T) {
	data, err := json.Marshal(NewMessage(sampleEvent(), "/static/bundles/"))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))

	for _, key := range []string{"type", "build", "changed", "removed"} {
		assert.Contains(t, fields, key)
		assert.Contains(t, emitter.RuntimeSource, "msg."+key, "runtime client reads %q", key)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_HotReload(t *testing.T) {
	s, events := newTestServer(t, Options{Address: "127.0.0.1:0"})
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// Clients connecting after a build receive the latest result.
	events.fire(sampleEvent())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + config.HotReloadPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	assert.Equal(t, MessageOK, first.Type)
	assert.Equal(t, "5f1c7a2e-0000-4000-8000-000000000001", first.Build)

	require.Eventually(t, func() bool { return s.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	events.fire(app.BuildEvent{Err: errors.New("syntax error in static/js/admin.js")})
	second := readMessage(t, conn)
	assert.Equal(t, MessageError, second.Type)
	assert.Contains(t, second.Error, "admin.js")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.Hub().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAcceptsGzip(t *testing.T) {
	cases := map[string]bool{
		"":                  false,
		"gzip":              true,
		"br, gzip;q=0.8":    true,
		"deflate, GZIP":     true,
		"gzip;q=0":          false,
		"identity, deflate": false,
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Accept-Encoding", header)
		assert.Equal(t, want, acceptsGzip(r), header)
	}
}

func TestPublicURLPath(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/static/bundles/": "/static/bundles/",
		"/static/bundles/":                      "/static/bundles/",
		"static/bundles":                        "/static/bundles/",
		"":                                      "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, publicURLPath(in), in)
	}
}
