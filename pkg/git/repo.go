// Package git provides repository inspection and pull-request operations
// for the merge workflow.
//
// Local repository reads go through go-git so no git binary is required;
// mutations (commit, push, squash) are performed by the agent itself and
// only verified here. PR operations talk to the GitHub API.
package git

import (
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrNotGitRepo indicates the directory is not a Git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrBranchNotFound indicates a named branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")
)

// Service answers read-only questions about a local repository.
type Service struct{}

// NewService creates a repository inspection service.
func NewService() *Service {
	return &Service{}
}

func open(path string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(path)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return repo, nil
}

// HasRemote reports whether the repository has any configured remote.
// Repositories without a remote skip push and PR creation entirely.
func (s *Service) HasRemote(path string) (bool, error) {
	repo, err := open(path)
	if err != nil {
		return false, err
	}
	remotes, err := repo.Remotes()
	if err != nil {
		return false, fmt.Errorf("list remotes: %w", err)
	}
	return len(remotes) > 0, nil
}

// CurrentBranch returns the checked-out branch name, or "detached".
func (s *Service) CurrentBranch(path string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "detached", nil
	}
	return head.Name().Short(), nil
}

// DefaultBranch resolves the repository's base branch: the remote HEAD when
// one is recorded, otherwise the first of main/master that exists locally.
func (s *Service) DefaultBranch(path string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}

	if ref, err := repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), false); err == nil {
		if target := ref.Target(); target.IsRemote() {
			name := target.Short()
			// refs/remotes/origin/main shortens to origin/main.
			if i := strings.IndexByte(name, '/'); i >= 0 {
				return name[i+1:], nil
			}
			return name, nil
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if _, err := repo.Reference(plumbing.NewBranchReferenceName(candidate), true); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no main or master branch in %s", ErrBranchNotFound, path)
}

func tipCommit(repo *gogit.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("resolve tip of %s: %w", branch, err)
	}
	return commit, nil
}

// DiffSummary describes what HEAD changes relative to the base branch, as
// per-file added/deleted line counts. It is review material for the merge
// approval gate.
func (s *Service) DiffSummary(path, base string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}

	baseCommit, err := tipCommit(repo, base)
	if err != nil {
		return "", err
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("resolve HEAD commit: %w", err)
	}

	patch, err := baseCommit.Patch(headCommit)
	if err != nil {
		return "", fmt.Errorf("diff %s..HEAD: %w", base, err)
	}

	stats := patch.Stats()
	if len(stats) == 0 {
		return "no changes", nil
	}

	var b strings.Builder
	totalAdd, totalDel := 0, 0
	for _, st := range stats {
		fmt.Fprintf(&b, "%s | +%d -%d\n", st.Name, st.Addition, st.Deletion)
		totalAdd += st.Addition
		totalDel += st.Deletion
	}
	fmt.Fprintf(&b, "%d files changed, %d insertions, %d deletions", len(stats), totalAdd, totalDel)
	return b.String(), nil
}

// VerifyMerge reports whether featureBranch's tip is reachable from
// baseBranch's tip. This is the post-merge ground truth check: the agent's
// claim that it merged is never trusted on its own.
func (s *Service) VerifyMerge(path, featureBranch, baseBranch string) (bool, error) {
	repo, err := open(path)
	if err != nil {
		return false, err
	}

	featureTip, err := tipCommit(repo, featureBranch)
	if err != nil {
		return false, err
	}
	baseTip, err := tipCommit(repo, baseBranch)
	if err != nil {
		return false, err
	}

	merged, err := featureTip.IsAncestor(baseTip)
	if err != nil {
		return false, fmt.Errorf("ancestor check %s..%s: %w", featureBranch, baseBranch, err)
	}
	return merged, nil
}
