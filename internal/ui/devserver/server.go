// Package devserver serves emitted bundles during development, proxies the
// rest of the site to the application server and pushes build results to
// browsers over a websocket.
package devserver

import (
	"assetplan/internal/core/app"
	"assetplan/internal/core/config"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
)

type Options struct {
	Address string
	// PublicPath may be a path or an absolute URL; only its path is served.
	PublicPath string
	// OutputDir is the artifact directory on the files filesystem.
	OutputDir string
	Headers   map[string]string
	Proxy     map[string]string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Address:    cfg.DevServer.Address,
		PublicPath: cfg.Output.PublicPath,
		OutputDir:  cfg.Abs(cfg.Output.Path),
		Headers:    cfg.DevServer.Headers,
		Proxy:      cfg.DevServer.Proxy,
	}
}

type HealthChecker interface {
	Check(ctx context.Context) app.HealthStatus
}

type EventSource interface {
	Subscribe(fn func(app.BuildEvent)) func()
}

type Server struct {
	opts     Options
	files    afero.Fs
	health   HealthChecker
	events   EventSource
	hub      *Hub
	upgrader websocket.Upgrader
	handler  http.Handler

	server      *http.Server
	unsubscribe func()
}

func New(opts Options, files afero.Fs, health HealthChecker, events EventSource) (*Server, error) {
	s := &Server{
		opts:   opts,
		files:  files,
		health: health,
		events: events,
		hub:    NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // pages are served from the proxied origin
			},
		},
	}
	h, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = h
	return s, nil
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(config.HotReloadPath, s.handleWebsocket)

	public := publicURLPath(s.opts.PublicPath)
	mux.Handle(public, http.StripPrefix(strings.TrimSuffix(public, "/"), s.staticHandler()))

	prefixes := make([]string, 0, len(s.opts.Proxy))
	for prefix := range s.opts.Proxy {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		target, err := url.Parse(s.opts.Proxy[prefix])
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("invalid proxy target for %q: %q", prefix, s.opts.Proxy[prefix])
		}
		pattern := prefix
		if !strings.HasSuffix(pattern, "/") {
			pattern += "/"
		}
		if pattern == public {
			return nil, fmt.Errorf("proxy prefix %q shadows the public path", prefix)
		}
		proxy := newProxy(target)
		mux.Handle(pattern, proxy)
		if pattern != prefix {
			mux.Handle(prefix, proxy)
		}
	}

	return s.withHeaders(mux), nil
}

func (s *Server) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range s.opts.Headers {
			w.Header().Set(k, v)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("dev server request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func newProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Warn("proxy request failed", "path", r.URL.Path, "target", target.String(), "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return proxy
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.serve(s.hub.add(conn))
}

// Start subscribes to build events and listens in the background.
func (s *Server) Start(ctx context.Context) error {
	publicPath := s.opts.PublicPath
	s.unsubscribe = s.events.Subscribe(func(ev app.BuildEvent) {
		s.hub.Broadcast(NewMessage(ev, publicPath))
	})

	s.server = &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("dev server starting", "addr", s.opts.Address, "public_path", publicURLPath(publicPath))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("dev server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func publicURLPath(publicPath string) string {
	p := publicPath
	if u, err := url.Parse(publicPath); err == nil && u.Host != "" {
		p = u.Path
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
