package app

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Memory     MemoryStatus      `json:"memory"`
	Components map[string]string `json:"components"`
}

// MemoryStatus reports process memory.
type MemoryStatus struct {
	Heap       string `json:"heap"`
	HeapBytes  uint64 `json:"heap_bytes"`
	Goroutines int    `json:"goroutines"`
}

func readMemory() MemoryStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStatus{
		Heap:       humanize.IBytes(m.HeapAlloc),
		HeapBytes:  m.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}
}

type HealthService struct {
	app *App
}

func NewHealthService(app *App) *HealthService {
	return &HealthService{app: app}
}

func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:     "up",
		Timestamp:  time.Now().UTC(),
		Memory:     readMemory(),
		Components: make(map[string]string),
	}

	// Last build
	switch last, err := s.app.Last(), s.app.LastError(); {
	case err != nil:
		status.Status = "degraded"
		status.Components["build"] = "failed: " + err.Error()
	case last == nil:
		status.Components["build"] = "pending"
	default:
		status.Components["build"] = fmt.Sprintf("ok (%d modules, %d bundles, %s ago)",
			last.Graph.Len(), len(last.Plan.Bundles), time.Since(last.Finished).Round(time.Second))
	}

	// History
	if s.app.History() != nil {
		status.Components["history"] = fmt.Sprintf("ok (%d queued)", s.app.writes.Len())
	} else if s.app.Config.DB.Enabled {
		status.Status = "degraded"
		status.Components["history"] = "missing but enabled in config"
	}

	if s.app.watching() {
		status.Components["watcher"] = "ok"
	}
	return status
}
