package history

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SaveAndLoadLatest(t *testing.T) {
	store := openStore(t)

	base := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	first := Build{
		Timestamp:   base,
		ModuleCount: 12,
		Duration:    1500 * time.Millisecond,
		Bundles: []BundleRecord{
			{Name: "manifest", Kind: "manifest", File: "manifest-aaa.js", Hash: "aaa", ModuleCount: 1, Size: 10},
			{Name: "main", Kind: "entry", File: "main-bbb.js", Hash: "bbb", ModuleCount: 11, Size: 2048},
		},
	}
	saved, err := store.SaveBuild("project-a", first)
	if err != nil {
		t.Fatalf("save build: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated build id")
	}
	if saved.ProjectKey != "project-a" {
		t.Fatalf("unexpected project key %q", saved.ProjectKey)
	}

	second := Build{
		Timestamp:       base.Add(500 * time.Millisecond),
		CommitHash:      "abc123",
		CommitTimestamp: base.Add(-time.Hour),
		ModuleCount:     13,
		Bundles: []BundleRecord{
			{Name: "manifest", Kind: "manifest", File: "manifest-ccc.js", Hash: "ccc", ModuleCount: 1},
		},
	}
	if _, err := store.SaveBuild("project-a", second); err != nil {
		t.Fatalf("save second build: %v", err)
	}

	latest, err := store.LoadLatest("project-a")
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a build")
	}
	if latest.ModuleCount != 13 || latest.CommitHash != "abc123" {
		t.Fatalf("unexpected latest build: %+v", latest)
	}
	if !latest.CommitTimestamp.Equal(base.Add(-time.Hour)) {
		t.Fatalf("commit timestamp did not roundtrip: %v", latest.CommitTimestamp)
	}
	if len(latest.Bundles) != 1 || latest.Bundles[0].Hash != "ccc" {
		t.Fatalf("unexpected latest bundles: %+v", latest.Bundles)
	}

	all, err := store.LoadBuilds("project-a", 0)
	if err != nil {
		t.Fatalf("load builds: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(all))
	}
	older := all[1]
	if older.ID != saved.ID || older.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected older build: %+v", older)
	}
	if !reflect.DeepEqual(older.Bundles, first.Bundles) {
		t.Fatalf("bundles did not roundtrip: %+v", older.Bundles)
	}
}

func TestStore_SaveBuildUpsertsByID(t *testing.T) {
	store := openStore(t)

	b, err := store.SaveBuild("p", Build{ModuleCount: 1, Bundles: []BundleRecord{{Name: "a", File: "a.js", Hash: "1"}}})
	if err != nil {
		t.Fatal(err)
	}
	b.ModuleCount = 2
	b.Bundles = []BundleRecord{{Name: "b", File: "b.js", Hash: "2"}}
	if _, err := store.SaveBuild("p", b); err != nil {
		t.Fatal(err)
	}

	all, err := store.LoadBuilds("p", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected upsert to keep one build, got %d", len(all))
	}
	if all[0].ModuleCount != 2 || len(all[0].Bundles) != 1 || all[0].Bundles[0].Name != "b" {
		t.Fatalf("unexpected upserted build: %+v", all[0])
	}
}

func TestStore_LoadLatestEmpty(t *testing.T) {
	store := openStore(t)
	latest, err := store.LoadLatest("nothing")
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Fatalf("expected nil build, got %+v", latest)
	}
}

func TestStore_ProjectIsolation(t *testing.T) {
	store := openStore(t)

	if _, err := store.SaveBuild("project-a", Build{ModuleCount: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveBuild("", Build{ModuleCount: 2}); err != nil {
		t.Fatal(err)
	}

	a, err := store.LoadBuilds("project-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 1 || a[0].ModuleCount != 1 {
		t.Fatalf("unexpected project-a rows: %+v", a)
	}
	def, err := store.LoadBuilds("default", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(def) != 1 || def[0].ModuleCount != 2 {
		t.Fatalf("unexpected default rows: %+v", def)
	}
}

func TestStore_Prune(t *testing.T) {
	store := openStore(t)

	base := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.SaveBuild("p", Build{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			ModuleCount: i,
			Bundles:     []BundleRecord{{Name: "main", File: "main.js", Hash: "h"}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	removed, err := store.Prune("p", 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 pruned builds, got %d", removed)
	}
	rest, err := store.LoadBuilds("p", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].ModuleCount != 4 || rest[1].ModuleCount != 3 {
		t.Fatalf("unexpected remaining builds: %+v", rest)
	}

	var orphans int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM build_bundles`).Scan(&orphans); err != nil {
		t.Fatal(err)
	}
	if orphans != 2 {
		t.Fatalf("expected bundle rows to cascade, got %d", orphans)
	}
}

func TestStore_OpenRejectsDirectoryPath(t *testing.T) {
	_, err := Open(t.TempDir(), 0)
	if err == nil {
		t.Fatal("expected open error for directory path")
	}
	if !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStore_OpenCorruptDBPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	if err := os.WriteFile(path, []byte("this is not sqlite"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path, 0)
	if err == nil {
		t.Fatal("expected sqlite open error")
	}
	lower := strings.ToLower(err.Error())
	if !strings.Contains(lower, "not a database") && !strings.Contains(lower, "schema") {
		t.Fatalf("expected schema/open error, got: %v", err)
	}
}

func TestEnsureSchema_DetectsNewerVersionDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, err = store.db.Exec(`INSERT OR REPLACE INTO schema_migrations(version) VALUES (?)`, SchemaVersion+1)
	if err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open(driverName, "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	err = EnsureSchema(db)
	if err == nil {
		t.Fatal("expected drift error")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDiff(t *testing.T) {
	prev := &Build{Bundles: []BundleRecord{
		{Name: "manifest", Hash: "1"},
		{Name: "vendor", Hash: "2"},
		{Name: "legacy", Hash: "3"},
	}}
	cur := &Build{Bundles: []BundleRecord{
		{Name: "manifest", Hash: "9"},
		{Name: "vendor", Hash: "2"},
		{Name: "main", Hash: "4"},
	}}

	got := Diff(prev, cur)
	want := Changes{Added: []string{"main"}, Changed: []string{"manifest"}, Removed: []string{"legacy"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected diff: %+v", got)
	}
	if got.Empty() {
		t.Fatal("expected non-empty changes")
	}

	first := Diff(nil, cur)
	if !reflect.DeepEqual(first.Added, []string{"main", "manifest", "vendor"}) || len(first.Changed) != 0 {
		t.Fatalf("unexpected first-build diff: %+v", first)
	}
	if !Diff(cur, cur).Empty() {
		t.Fatal("expected identical builds to have no changes")
	}
}

func TestResolveGitMetadata(t *testing.T) {
	dir := t.TempDir()
	if hash, ts := ResolveGitMetadata(dir); hash != "" || !ts.IsZero() {
		t.Fatalf("expected no metadata outside a repository, got %q %v", hash, ts)
	}

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("app.js"); err != nil {
		t.Fatal(err)
	}
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	commit, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: when},
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := filepath.Join(dir, "static")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	hash, ts := ResolveGitMetadata(sub)
	if hash != commit.String()[:12] {
		t.Fatalf("expected %s, got %q", commit.String()[:12], hash)
	}
	if !ts.Equal(when) {
		t.Fatalf("expected commit time %v, got %v", when, ts)
	}
}

func TestIsCorruptError(t *testing.T) {
	if !IsCorruptError(errors.New("database disk image is malformed")) {
		t.Fatal("expected malformed sqlite message to be treated as corrupt")
	}
}
