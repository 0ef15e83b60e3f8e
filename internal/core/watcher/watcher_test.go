package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWatcher_RejectsNilCallback(t *testing.T) {
	w, err := NewWatcher(100*time.Millisecond, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for nil callback")
	}
	if !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("expected os.ErrInvalid, got %v", err)
	}
	if w != nil {
		t.Fatal("expected nil watcher when callback is invalid")
	}
}

func TestWatcher(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "watchertest")
	defer os.RemoveAll(tmpDir)

	changedFiles := make(chan []string, 1)
	w, err := NewWatcher(100*time.Millisecond, []string{"exclude_dir"}, []string{"*.exclude"}, func(paths []string) {
		changedFiles <- paths
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	err = w.Watch([]string{tmpDir})
	if err != nil {
		t.Fatal(err)
	}

	// Create a file
	testFile := filepath.Join(tmpDir, "app.js")
	os.WriteFile(testFile, []byte("console.log(1);"), 0644)

	select {
	case paths := <-changedFiles:
		found := false
		for _, p := range paths {
			if p == testFile {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected to find %s in changed files %v", testFile, paths)
		}
	case <-time.After(2 * time.Second):
		t.Error("Timed out waiting for file change event")
	}

	// Test exclusion
	excludeFile := filepath.Join(tmpDir, "test.exclude")
	os.WriteFile(excludeFile, []byte("exclude me"), 0644)

	select {
	case paths := <-changedFiles:
		for _, p := range paths {
			if filepath.Base(p) == "test.exclude" {
				t.Error("Excluded file triggered event")
			}
		}
	case <-time.After(500 * time.Millisecond):
		// Expected
	}

	// New directory should be recursively watched after create.
	subdir := filepath.Join(tmpDir, "newdir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	subFile := filepath.Join(subdir, "nested.js")
	if err := os.WriteFile(subFile, []byte("export default 1;"), 0644); err != nil {
		t.Fatal(err)
	}

	foundNested := false
	timeout := time.After(2 * time.Second)
	for !foundNested {
		select {
		case paths := <-changedFiles:
			for _, p := range paths {
				if p == subFile {
					foundNested = true
					break
				}
			}
		case <-timeout:
			t.Fatal("timed out waiting for nested file event in newly created directory")
		}
	}
}

func TestWatcher_RenameTriggersChange(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "watcher-rename")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	changedFiles := make(chan []string, 8)
	w, err := NewWatcher(100*time.Millisecond, nil, nil, func(paths []string) {
		changedFiles <- paths
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch([]string{tmpDir}); err != nil {
		t.Fatal(err)
	}

	oldPath := filepath.Join(tmpDir, "old.js")
	newPath := filepath.Join(tmpDir, "new.js")
	if err := os.WriteFile(oldPath, []byte("console.log(1);"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case paths := <-changedFiles:
			for _, p := range paths {
				if p == oldPath || p == newPath {
					return
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for rename event, old=%s new=%s", oldPath, newPath)
		}
	}
}

func TestWatcher_Filters(t *testing.T) {
	w, err := NewWatcher(10*time.Millisecond, nil, []string{"webpack-stats.json"}, func([]string) {})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.SetFilters([]string{".js", "css"}, []string{"package.json"})

	cases := []struct {
		path    string
		exclude bool
	}{
		{"static/js/app.js", false},
		{"static/css/App.CSS", false},
		{"node_modules/jquery/package.json", false},
		{"static/js/data.json", true},
		{"webpack-stats.json", true},
		{"README.md", true},
	}
	for _, tc := range cases {
		if got := w.shouldExcludeFile(tc.path); got != tc.exclude {
			t.Errorf("shouldExcludeFile(%q) = %v, want %v", tc.path, got, tc.exclude)
		}
	}

	w.SetFilters(nil, nil)
	if w.shouldExcludeFile("README.md") {
		t.Fatal("expected empty filters to accept every file")
	}
}

func TestWatcher_ExcludeDirGlobs(t *testing.T) {
	w, err := NewWatcher(10*time.Millisecond, []string{"node_modules", ".*"}, nil, func([]string) {})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if !w.shouldExcludeDir("/project/node_modules") {
		t.Fatal("expected node_modules to be excluded")
	}
	if !w.shouldExcludeDir("/project/.git") {
		t.Fatal("expected dot directories to be excluded")
	}
	if w.shouldExcludeDir("/project/static") {
		t.Fatal("expected static to be watched")
	}
}

func TestNewWatcher_RejectsBadGlob(t *testing.T) {
	if _, err := NewWatcher(time.Millisecond, []string{"[unclosed"}, nil, func([]string) {}); err == nil {
		t.Fatal("expected glob compile error")
	}
}
