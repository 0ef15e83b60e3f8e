package history

import (
	"time"

	"github.com/go-git/go-git/v5"
)

// ResolveGitMetadata returns the short HEAD commit of the repository that
// contains projectRoot. Both values are empty outside a repository.
func ResolveGitMetadata(projectRoot string) (string, time.Time) {
	repo, err := git.PlainOpenWithOptions(projectRoot, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", time.Time{}
	}
	head, err := repo.Head()
	if err != nil {
		return "", time.Time{}
	}
	hash := head.Hash().String()
	if len(hash) > 12 {
		hash = hash[:12]
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return hash, time.Time{}
	}
	return hash, commit.Committer.When.UTC()
}
