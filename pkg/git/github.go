package git

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/devflow/internal/config"
)

// ErrNoPR indicates no open pull request exists for the branch.
var ErrNoPR = errors.New("no open pull request for branch")

// CIState is the aggregate check-run verdict for a ref.
type CIState string

const (
	CIPending CIState = "pending"
	CIPassing CIState = "passing"
	CIFailing CIState = "failing"
)

// PRInfo describes an open pull request.
type PRInfo struct {
	Number int
	URL    string
	State  string
}

// PRService performs pull-request operations against GitHub.
type PRService struct {
	client *github.Client
	owner  string
	repo   string
	retry  *RetryConfig
	logger *zap.Logger
}

// NewPRService creates a GitHub-backed PR service.
func NewPRService(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) (*PRService, error) {
	if !cfg.Token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("GitHub owner and repo are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	return &PRService{
		client: github.NewClient(tc),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		retry:  DefaultRetryConfig(),
		logger: logger,
	}, nil
}

// MergePR squash-merges the pull request.
func (s *PRService) MergePR(ctx context.Context, number int, commitTitle string) error {
	opts := &github.PullRequestOptions{
		MergeMethod: "squash",
		CommitTitle: commitTitle,
	}
	_, err := retryOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
		result, resp, err := s.client.PullRequests.Merge(ctx, s.owner, s.repo, number, "", opts)
		if err != nil {
			return resp, err
		}
		if result.Merged == nil || !*result.Merged {
			return resp, fmt.Errorf("merge of PR #%d was not performed: %s", number, result.GetMessage())
		}
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("merge PR #%d: %w", number, err)
	}

	s.logger.Info("pull request merged",
		zap.Int("number", number),
		zap.String("repo", s.owner+"/"+s.repo))
	return nil
}

// CIStatus aggregates check runs for ref into a single verdict. A ref with
// no check runs counts as passing.
func (s *PRService) CIStatus(ctx context.Context, ref string) (CIState, error) {
	var runs []*github.CheckRun
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var page *github.ListCheckRunsResults
		resp, err := retryOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
			var resp *github.Response
			var err error
			page, resp, err = s.client.Checks.ListCheckRunsForRef(ctx, s.owner, s.repo, ref, opts)
			return resp, err
		})
		if err != nil {
			return "", fmt.Errorf("list check runs for %s: %w", ref, err)
		}
		runs = append(runs, page.CheckRuns...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return aggregateCheckRuns(runs), nil
}

func aggregateCheckRuns(runs []*github.CheckRun) CIState {
	state := CIPassing
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			state = CIPending
			continue
		}
		switch run.GetConclusion() {
		case "failure", "timed_out", "cancelled", "action_required":
			return CIFailing
		}
	}
	return state
}

// PRForBranch finds the open pull request whose head is branch.
func (s *PRService) PRForBranch(ctx context.Context, branch string) (*PRInfo, error) {
	var prs []*github.PullRequest
	_, err := retryOperation(ctx, s.retry, s.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = s.client.PullRequests.List(ctx, s.owner, s.repo, &github.PullRequestListOptions{
			State: "open",
			Head:  s.owner + ":" + branch,
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("list PRs for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPR, branch)
	}

	pr := prs[0]
	return &PRInfo{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		State:  pr.GetState(),
	}, nil
}
