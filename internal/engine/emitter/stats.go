package emitter

import (
	"encoding/json"
	"path/filepath"
)

// The stats file keeps the webpack-bundle-tracker layout so existing
// template tags can read it unchanged.
const (
	StatusCompiling = "compiling"
	StatusDone      = "done"
	StatusError     = "error"
)

type Stats struct {
	Status     string                  `json:"status"`
	PublicPath string                  `json:"publicPath,omitempty"`
	Chunks     map[string][]StatsChunk `json:"chunks,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Message    string                  `json:"message,omitempty"`
}

type StatsChunk struct {
	Name       string `json:"name"`
	PublicPath string `json:"publicPath"`
	Path       string `json:"path"`
}

func doneStats(opts Options, m *Manifest) Stats {
	s := Stats{
		Status:     StatusDone,
		PublicPath: opts.PublicPath,
		Chunks:     make(map[string][]StatsChunk, len(m.Entries)),
	}
	for entry, files := range m.Entries {
		chunks := make([]StatsChunk, 0, len(files))
		for _, file := range files {
			chunks = append(chunks, StatsChunk{
				Name:       file,
				PublicPath: opts.PublicPath + file,
				Path:       filepath.Join(opts.OutputAbs, file),
			})
		}
		s.Chunks[entry] = chunks
	}
	return s
}

// MarkCompiling tells template readers a build is in flight.
func (e *Emitter) MarkCompiling() error {
	if e.opts.StatsFile == "" {
		return nil
	}
	return e.writeStats(Stats{Status: StatusCompiling})
}

// MarkFailed records a failed build in the stats file.
func (e *Emitter) MarkFailed(err error) error {
	if e.opts.StatsFile == "" || err == nil {
		return nil
	}
	return e.writeStats(Stats{Status: StatusError, Error: "BuildError", Message: err.Error()})
}

func (e *Emitter) writeStats(s Stats) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return e.writeFile(e.opts.StatsFile, append(data, '\n'))
}
