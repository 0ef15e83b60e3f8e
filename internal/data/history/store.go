// Package history records emitted builds in SQLite so rebuilds can report
// which bundle files changed.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName  = "sqlite"
	maxAttempts = 5
	// fixed width so timestamps sort lexically
	tsLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

// Open creates or migrates the database at path. busyTimeout <= 0 uses two
// seconds.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("history path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("history path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory %q: %w", dir, err)
		}
	}

	if busyTimeout <= 0 {
		busyTimeout = 2 * time.Second
	}
	// busy_timeout + WAL reduce lock conflicts during watch-mode churn.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		cleanPath, busyTimeout.Milliseconds())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite history %q: %w", cleanPath, err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err)
	}

	return &Store{path: cleanPath, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func projectOrDefault(projectKey string) string {
	projectKey = strings.TrimSpace(projectKey)
	if projectKey == "" {
		return "default"
	}
	return projectKey
}

// SaveBuild stores b and its bundles in one transaction. Missing ID and
// timestamp are filled in and reflected in the returned build.
func (s *Store) SaveBuild(projectKey string, b Build) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.ProjectKey = projectOrDefault(projectKey)
	if b.ID == "" {
		b.ID = NewBuildID()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
	commitTS := ""
	if !b.CommitTimestamp.IsZero() {
		commitTS = b.CommitTimestamp.UTC().Format(tsLayout)
	}

	err := s.withRetry("save build", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`
INSERT INTO builds (build_id, project_key, ts_utc, commit_hash, commit_ts_utc, duration_ms, module_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(build_id) DO UPDATE SET
  ts_utc=excluded.ts_utc,
  commit_hash=excluded.commit_hash,
  commit_ts_utc=excluded.commit_ts_utc,
  duration_ms=excluded.duration_ms,
  module_count=excluded.module_count
`,
			b.ID,
			b.ProjectKey,
			b.Timestamp.UTC().Format(tsLayout),
			b.CommitHash,
			commitTS,
			b.Duration.Milliseconds(),
			b.ModuleCount,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM build_bundles WHERE build_id = ?`, b.ID); err != nil {
			return err
		}
		for _, r := range b.Bundles {
			if _, err := tx.Exec(`
INSERT INTO build_bundles (build_id, bundle, kind, file, hash, module_count, size_bytes)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, b.ID, r.Name, r.Kind, r.File, r.Hash, r.ModuleCount, r.Size); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return Build{}, err
	}
	return b, nil
}

// LoadLatest returns the most recent build of a project, or nil when none
// was recorded.
func (s *Store) LoadLatest(projectKey string) (*Build, error) {
	builds, err := s.LoadBuilds(projectKey, 1)
	if err != nil || len(builds) == 0 {
		return nil, err
	}
	return &builds[0], nil
}

// LoadBuilds returns up to limit builds, newest first. limit <= 0 loads all.
func (s *Store) LoadBuilds(projectKey string, limit int) ([]Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
SELECT build_id, project_key, ts_utc, commit_hash, commit_ts_utc, duration_ms, module_count
FROM builds
WHERE project_key = ?
ORDER BY ts_utc DESC, rowid DESC
`
	args := []any{projectOrDefault(projectKey)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var builds []Build
	err := s.withRetry("load builds", func() error {
		builds = builds[:0]
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				b           Build
				tsRaw       string
				commitTSRaw string
				durationMS  int64
			)
			if err := rows.Scan(&b.ID, &b.ProjectKey, &tsRaw, &b.CommitHash, &commitTSRaw, &durationMS, &b.ModuleCount); err != nil {
				return fmt.Errorf("scan build row: %w", err)
			}
			ts, err := time.Parse(tsLayout, tsRaw)
			if err != nil {
				return fmt.Errorf("parse build timestamp %q: %w", tsRaw, err)
			}
			b.Timestamp = ts.UTC()
			if commitTSRaw != "" {
				commitTS, err := time.Parse(tsLayout, commitTSRaw)
				if err != nil {
					return fmt.Errorf("parse commit timestamp %q: %w", commitTSRaw, err)
				}
				b.CommitTimestamp = commitTS.UTC()
			}
			b.Duration = time.Duration(durationMS) * time.Millisecond
			builds = append(builds, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	for i := range builds {
		bundles, err := s.loadBundles(builds[i].ID)
		if err != nil {
			return nil, err
		}
		builds[i].Bundles = bundles
	}
	return builds, nil
}

// loadBundles expects s.mu to be held.
func (s *Store) loadBundles(buildID string) ([]BundleRecord, error) {
	var out []BundleRecord
	err := s.withRetry("load bundles", func() error {
		out = out[:0]
		rows, err := s.db.Query(`
SELECT bundle, kind, file, hash, module_count, size_bytes
FROM build_bundles
WHERE build_id = ?
ORDER BY rowid ASC
`, buildID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r BundleRecord
			if err := rows.Scan(&r.Name, &r.Kind, &r.File, &r.Hash, &r.ModuleCount, &r.Size); err != nil {
				return fmt.Errorf("scan bundle row: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// Prune deletes all but the newest keep builds of a project and returns how
// many were removed.
func (s *Store) Prune(projectKey string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	err := s.withRetry("prune builds", func() error {
		res, err := s.db.Exec(`
DELETE FROM builds
WHERE project_key = ?1
  AND build_id NOT IN (
    SELECT build_id FROM builds WHERE project_key = ?1
    ORDER BY ts_utc DESC, rowid DESC LIMIT ?2
  )
`, projectOrDefault(projectKey), keep)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func IsCorruptError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") || errors.Is(err, os.ErrInvalid)
}
