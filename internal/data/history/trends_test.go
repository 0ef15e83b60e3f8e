package history

import (
	"testing"
	"time"
)

func TestBuildTrend(t *testing.T) {
	store := openStore(t)
	base := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	builds := []Build{
		{
			Timestamp:   base,
			ModuleCount: 10,
			Bundles: []BundleRecord{
				{Name: "manifest", Hash: "m1", Size: 100},
				{Name: "vendor", Hash: "v1", Size: 5000},
				{Name: "main", Hash: "a1", Size: 900},
			},
		},
		{
			Timestamp:   base.Add(time.Minute),
			ModuleCount: 11,
			Bundles: []BundleRecord{
				{Name: "manifest", Hash: "m2", Size: 100},
				{Name: "vendor", Hash: "v1", Size: 5000},
				{Name: "main", Hash: "a2", Size: 1000},
			},
		},
		{
			Timestamp:   base.Add(2 * time.Minute),
			ModuleCount: 9,
			Bundles: []BundleRecord{
				{Name: "manifest", Hash: "m3", Size: 100},
				{Name: "main", Hash: "a3", Size: 950},
				{Name: "admin", Hash: "b1", Size: 300},
			},
		},
	}
	for _, b := range builds {
		if _, err := store.SaveBuild("insights", b); err != nil {
			t.Fatalf("save build: %v", err)
		}
	}

	loaded, err := store.LoadBuilds("insights", 0)
	if err != nil {
		t.Fatalf("load builds: %v", err)
	}
	report := BuildTrend("insights", loaded)
	if len(report.Points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(report.Points))
	}

	first, second, third := report.Points[0], report.Points[1], report.Points[2]
	if !first.Timestamp.Equal(base) || first.Invalidated != 3 || first.DeltaBytes != 0 {
		t.Fatalf("unexpected first point: %+v", first)
	}
	if first.TotalBytes != 6000 || first.LargestBundle != "vendor" {
		t.Fatalf("unexpected first totals: %+v", first)
	}
	if second.Invalidated != 2 || second.DeltaBytes != 100 || second.DeltaModules != 1 {
		t.Fatalf("unexpected second point: %+v", second)
	}
	if third.Invalidated != 3 || third.Removed != 1 || third.DeltaBytes != 1350-6100 || third.LargestBundle != "main" {
		t.Fatalf("unexpected third point: %+v", third)
	}
	if report.AvgInvalidated != 2.5 {
		t.Fatalf("expected average of 2.5 invalidated bundles, got %v", report.AvgInvalidated)
	}
}

func TestBuildTrend_Empty(t *testing.T) {
	report := BuildTrend("", nil)
	if report.ProjectKey != "default" || len(report.Points) != 0 || report.AvgInvalidated != 0 {
		t.Fatalf("unexpected empty report: %+v", report)
	}
}
