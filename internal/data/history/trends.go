package history

import (
	"sort"
	"time"
)

// TrendPoint summarizes one build relative to the build before it.
type TrendPoint struct {
	BuildID     string        `json:"build_id"`
	Timestamp   time.Time     `json:"timestamp"`
	CommitHash  string        `json:"commit_hash,omitempty"`
	Duration    time.Duration `json:"duration"`
	ModuleCount int           `json:"module_count"`
	BundleCount int           `json:"bundle_count"`
	TotalBytes  int64         `json:"total_bytes"`
	// LargestBundle is the name of the biggest artifact.
	LargestBundle string `json:"largest_bundle,omitempty"`
	DeltaModules  int    `json:"delta_modules"`
	DeltaBytes    int64  `json:"delta_bytes"`
	// Invalidated counts artifacts a browser has to download again.
	Invalidated int `json:"invalidated"`
	Removed     int `json:"removed"`
}

type TrendReport struct {
	ProjectKey string       `json:"project_key"`
	Points     []TrendPoint `json:"points"`
	// AvgInvalidated is the mean of Invalidated over every point after the first.
	AvgInvalidated float64 `json:"avg_invalidated"`
}

// BuildTrend orders builds oldest first and computes per-build deltas.
// builds is expected newest first, as LoadBuilds returns them; builds sharing
// a timestamp keep that relative order reversed.
func BuildTrend(projectKey string, builds []Build) TrendReport {
	ordered := make([]Build, len(builds))
	for i, b := range builds {
		ordered[len(builds)-1-i] = b
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	report := TrendReport{ProjectKey: projectOrDefault(projectKey), Points: make([]TrendPoint, 0, len(ordered))}
	var invalidated int
	for i := range ordered {
		cur := &ordered[i]
		p := TrendPoint{
			BuildID:     cur.ID,
			Timestamp:   cur.Timestamp,
			CommitHash:  cur.CommitHash,
			Duration:    cur.Duration,
			ModuleCount: cur.ModuleCount,
			BundleCount: len(cur.Bundles),
		}
		var largest int64 = -1
		for _, b := range cur.Bundles {
			p.TotalBytes += b.Size
			if b.Size > largest {
				largest = b.Size
				p.LargestBundle = b.Name
			}
		}

		var prev *Build
		if i > 0 {
			prev = &ordered[i-1]
		}
		changes := Diff(prev, cur)
		p.Invalidated = len(changes.Added) + len(changes.Changed)
		p.Removed = len(changes.Removed)
		if prev != nil {
			prevPoint := report.Points[i-1]
			p.DeltaModules = p.ModuleCount - prevPoint.ModuleCount
			p.DeltaBytes = p.TotalBytes - prevPoint.TotalBytes
			invalidated += p.Invalidated
		}
		report.Points = append(report.Points, p)
	}
	if len(report.Points) > 1 {
		report.AvgInvalidated = float64(invalidated) / float64(len(report.Points)-1)
	}
	return report
}
