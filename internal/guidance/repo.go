package guidance

import (
	"github.com/go-git/go-git/v5"
)

// RepoStatus describes a repository's checkout. Fields are empty when the
// path is not a git repository.
type RepoStatus struct {
	Path   string `json:"path"`
	IsRepo bool   `json:"is_repo"`
	Branch string `json:"branch,omitempty"`
	Head   string `json:"head,omitempty"`
	Clean  *bool  `json:"clean,omitempty"`
}

// Status inspects the git repository at path. It never fails: a path that
// is not a repository, or an unborn HEAD, yields partial information.
func Status(path string) RepoStatus {
	st := RepoStatus{Path: path}
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return st
	}
	st.IsRepo = true

	head, err := repo.Head()
	if err != nil {
		return st
	}
	st.Head = head.Hash().String()
	if head.Name().IsBranch() {
		st.Branch = head.Name().Short()
	}

	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			clean := status.IsClean()
			st.Clean = &clean
		}
	}
	return st
}
