package devserver

import (
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// staticHandler serves artifacts from the output directory. A precompressed
// sibling is preferred when the client accepts gzip.
func (s *Server) staticHandler() http.Handler {
	files := http.FileServer(afero.NewHttpFs(s.files).Dir(s.opts.OutputDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		name := path.Clean("/" + r.URL.Path)
		if !strings.HasSuffix(name, ".gz") && acceptsGzip(r) && s.serveGzip(w, r, name) {
			return
		}
		files.ServeHTTP(w, r)
	})
}

func (s *Server) serveGzip(w http.ResponseWriter, r *http.Request, name string) bool {
	f, err := s.files.Open(filepath.Join(s.opts.OutputDir, filepath.FromSlash(name)+".gz"))
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	http.ServeContent(w, r, name, info.ModTime(), f)
	return true
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return strings.ReplaceAll(params, " ", "") != "q=0"
		}
	}
	return false
}
