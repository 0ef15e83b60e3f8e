package history

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Build is one recorded emission.
type Build struct {
	ID              string         `json:"id"`
	ProjectKey      string         `json:"project_key"`
	Timestamp       time.Time      `json:"timestamp"`
	CommitHash      string         `json:"commit_hash,omitempty"`
	CommitTimestamp time.Time      `json:"commit_timestamp,omitempty"`
	Duration        time.Duration  `json:"duration"`
	ModuleCount     int            `json:"module_count"`
	Bundles         []BundleRecord `json:"bundles"`
}

type BundleRecord struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	File        string `json:"file"`
	Hash        string `json:"hash"`
	ModuleCount int    `json:"module_count"`
	Size        int64  `json:"size_bytes"`
}

// NewBuildID returns a fresh random build identifier.
func NewBuildID() string {
	return uuid.NewString()
}

// Changes lists bundle names whose artifacts differ between two builds.
type Changes struct {
	Added   []string `json:"added"`
	Changed []string `json:"changed"`
	Removed []string `json:"removed"`
}

// Empty reports whether no bundle changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// Diff compares bundle hashes. A nil prev reports every bundle as added.
func Diff(prev, cur *Build) Changes {
	before := map[string]string{}
	if prev != nil {
		for _, b := range prev.Bundles {
			before[b.Name] = b.Hash
		}
	}
	after := map[string]string{}
	if cur != nil {
		for _, b := range cur.Bundles {
			after[b.Name] = b.Hash
		}
	}

	var c Changes
	for name, hash := range after {
		old, ok := before[name]
		switch {
		case !ok:
			c.Added = append(c.Added, name)
		case old != hash:
			c.Changed = append(c.Changed, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			c.Removed = append(c.Removed, name)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Changed)
	sort.Strings(c.Removed)
	return c
}
