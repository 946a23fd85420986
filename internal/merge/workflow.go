package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/devflow/internal/agent"
	"github.com/fyrsmithlabs/devflow/internal/checkpoint"
	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/store"
	"github.com/fyrsmithlabs/devflow/pkg/git"
)

const instrumentationName = "github.com/fyrsmithlabs/devflow/internal/merge"

// RepoInspector answers read-only questions about the local repository.
// *git.Service is the production implementation.
type RepoInspector interface {
	HasRemote(path string) (bool, error)
	DefaultBranch(path string) (string, error)
	DiffSummary(path, base string) (string, error)
	VerifyMerge(path, featureBranch, baseBranch string) (bool, error)
}

// PullRequests performs GitHub PR operations. Nil when the run has no
// GitHub configuration; the workflow then stays fully local.
type PullRequests interface {
	MergePR(ctx context.Context, number int, commitTitle string) error
	CIStatus(ctx context.Context, ref string) (git.CIState, error)
	PRForBranch(ctx context.Context, branch string) (*git.PRInfo, error)
}

// Workflow lands a finished feature branch. It implements engine.Merger.
type Workflow struct {
	cfg         config.EngineConfig
	agentCfg    config.AgentConfig
	executor    agent.Executor
	repo        RepoInspector
	prs         PullRequests
	features    store.FeatureRepository
	checkpoints checkpoint.Store
	gates       *gate.Controller
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewWorkflow creates the merge workflow. prs may be nil for local-only
// operation.
func NewWorkflow(cfg config.EngineConfig, agentCfg config.AgentConfig, executor agent.Executor, repo RepoInspector, prs PullRequests, features store.FeatureRepository, checkpoints checkpoint.Store, logger *zap.Logger) (*Workflow, error) {
	if executor == nil {
		return nil, errors.New("agent executor is required")
	}
	if repo == nil {
		return nil, errors.New("repo inspector is required")
	}
	if features == nil {
		return nil, errors.New("feature repository is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Workflow{
		cfg:         cfg,
		agentCfg:    agentCfg,
		executor:    executor,
		repo:        repo,
		prs:         prs,
		features:    features,
		checkpoints: checkpoints,
		gates:       gate.NewController(),
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}, nil
}

// Run executes the merge sub-workflow from its checkpointed position.
func (w *Workflow) Run(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot, decision *gate.Decision) engine.Outcome {
	ctx, span := w.tracer.Start(ctx, "merge.run")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", req.ThreadID))

	logger := w.logger.With(zap.String("thread_id", req.ThreadID), zap.String("branch", req.Branch))

	feedback := ""
	approved := false
	if decision != nil && snap.WaitingNode == engine.PhaseMerge {
		snap.WaitingNode = ""
		if decision.Approved {
			approved = true
			logger.Info("merge gate approved")
		} else {
			// Rejection restarts the commit step with feedback; the old
			// merge progress is discarded.
			feedback = decision.Feedback
			snap.Merge = checkpoint.MergeState{CIFixStatus: checkpoint.CIFixIdle}
			logger.Info("merge gate rejected, restarting commit step")
		}
		if err := w.save(ctx, snap); err != nil {
			return engine.Failed(err, snap)
		}
	}

	if !approved {
		if out, stopped := w.prepareBranch(ctx, req, snap, feedback, logger); stopped {
			return out
		}
		// The CI watch runs after the commit short-circuit so a run resumed
		// mid-watch still settles CI before the gate.
		if out, stopped := w.watchCI(ctx, req, snap, logger); stopped {
			return out
		}
		// PR metadata reaches the feature record before any approval pause
		// so operators see it while the run is suspended.
		if err := w.recordPR(ctx, req, snap); err != nil {
			return engine.Failed(err, snap)
		}
		if out, stopped := w.gateCheck(ctx, req, snap, logger); stopped {
			return out
		}
	}

	if out, stopped := w.executeMerge(ctx, req, snap, logger); stopped {
		return out
	}

	return w.finish(ctx, req, snap, logger)
}

func (w *Workflow) save(ctx context.Context, snap *checkpoint.Snapshot) error {
	if err := w.checkpoints.Save(ctx, snap); err != nil {
		return fmt.Errorf("save merge checkpoint: %w", err)
	}
	return nil
}

func (w *Workflow) agentOptions(req *engine.Request, snap *checkpoint.Snapshot, workDir string) agent.Options {
	return agent.Options{
		WorkDir:   workDir,
		Timeout:   w.agentCfg.Timeout.Duration(),
		Model:     w.agentCfg.Model,
		SessionID: snap.SessionID,
		MaxTurns:  w.agentCfg.MaxTurns,
	}
}

// prepareBranch commits the work and pushes and opens a PR when a remote is
// available. Already-committed snapshots pass straight through.
func (w *Workflow) prepareBranch(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot, feedback string, logger *zap.Logger) (engine.Outcome, bool) {
	if snap.Merge.Committed {
		return engine.Outcome{}, false
	}

	hasRemote, err := w.repo.HasRemote(req.RepoPath)
	if err != nil {
		return engine.Failed(fmt.Errorf("check remote: %w", err), snap), true
	}
	openPR := hasRemote && req.OpenPR && w.prs != nil

	prompt := commitPrompt(req, openPR)
	if feedback != "" {
		prompt += fmt.Sprintf(
			"\n\nA reviewer rejected the previous merge attempt with this feedback:\n%s\n\nAddress the feedback before committing.",
			feedback)
	}

	result, err := w.executor.Execute(ctx, prompt, w.agentOptions(req, snap, req.WorkDir()))
	if err != nil {
		return engine.Failed(fmt.Errorf("agent commit step: %w", err), snap), true
	}
	if result.SessionID != "" {
		snap.SessionID = result.SessionID
	}

	snap.Merge.CommitHash = extractCommitHash(result.Output)
	if snap.Merge.CommitHash == "" {
		logger.Warn("could not extract commit hash from agent transcript")
	}
	if openPR {
		url, number := extractPRURL(result.Output)
		if url == "" {
			// The transcript did not name the PR; ask GitHub directly.
			if info, prErr := w.prs.PRForBranch(ctx, req.Branch); prErr == nil {
				url, number = info.URL, info.Number
			} else {
				logger.Warn("could not locate pull request for branch", zap.Error(prErr))
			}
		}
		snap.Merge.PRURL = url
		snap.Merge.PRNumber = number
	}
	snap.Merge.Pushed = openPR
	snap.Merge.Committed = true
	if err := w.save(ctx, snap); err != nil {
		return engine.Failed(err, snap), true
	}
	return engine.Outcome{}, false
}

func (w *Workflow) recordPR(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot) error {
	status := store.PROpen
	if snap.Merge.PRURL == "" {
		status = ""
	}
	err := w.features.RecordPR(ctx, req.FeatureID, store.PRRecord{
		URL:           snap.Merge.PRURL,
		Number:        snap.Merge.PRNumber,
		Status:        status,
		CommitHash:    snap.Merge.CommitHash,
		CIStatus:      snap.Merge.CIStatus,
		CIFixAttempts: snap.Merge.CIFixAttempts,
	})
	if err != nil {
		return fmt.Errorf("record PR on feature %s: %w", req.FeatureID, err)
	}
	return nil
}

// watchCI polls the branch's check runs until they settle, driving agent
// fixes for failures. The loop always terminates: success, exhausted
// attempts, or poll timeout. It applies whenever the branch was pushed for a
// PR, including resumed runs whose PR number was never resolved, and skips
// snapshots whose watch already reached a settled state.
func (w *Workflow) watchCI(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot, logger *zap.Logger) (engine.Outcome, bool) {
	if w.prs == nil || !snap.Merge.Pushed {
		return engine.Outcome{}, false
	}
	if snap.Merge.CIFixStatus == checkpoint.CIFixSuccess || snap.Merge.CIFixStatus == checkpoint.CIFixExhausted {
		return engine.Outcome{}, false
	}

	limiter := rate.NewLimiter(rate.Every(w.cfg.CIPollInterval.Duration()), 1)
	deadline := time.Now().Add(w.cfg.CIPollTimeout.Duration())

	for {
		if time.Now().After(deadline) {
			logger.Warn("CI polling timed out", zap.String("ci_status", snap.Merge.CIStatus))
			return engine.Outcome{}, false
		}
		if err := limiter.Wait(ctx); err != nil {
			return engine.Failed(fmt.Errorf("CI poll canceled: %w", err), snap), true
		}

		state, err := w.prs.CIStatus(ctx, req.Branch)
		if err != nil {
			return engine.Failed(fmt.Errorf("query CI status: %w", err), snap), true
		}
		snap.Merge.CIStatus = string(state)

		switch state {
		case git.CIPending:
			continue
		case git.CIPassing:
			snap.Merge.CIFixStatus = checkpoint.CIFixSuccess
			if err := w.save(ctx, snap); err != nil {
				return engine.Failed(err, snap), true
			}
			return engine.Outcome{}, false
		case git.CIFailing:
			if snap.Merge.CIFixAttempts >= w.cfg.MaxCIFixAttempts {
				snap.Merge.CIFixStatus = checkpoint.CIFixExhausted
				if err := w.save(ctx, snap); err != nil {
					return engine.Failed(err, snap), true
				}
				logger.Warn("CI fix attempts exhausted",
					zap.Int("attempts", snap.Merge.CIFixAttempts))
				return engine.Outcome{}, false
			}
			if out, stopped := w.fixCI(ctx, req, snap, logger); stopped {
				return out, true
			}
		}
	}
}

func (w *Workflow) fixCI(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot, logger *zap.Logger) (engine.Outcome, bool) {
	snap.Merge.CIFixAttempts++
	snap.Merge.CIFixStatus = checkpoint.CIFixFixing
	attempt := checkpoint.FixAttempt{
		Attempt:   snap.Merge.CIFixAttempts,
		Failure:   snap.Merge.CIStatus,
		StartedAt: time.Now().UTC(),
	}
	if err := w.save(ctx, snap); err != nil {
		return engine.Failed(err, snap), true
	}

	logger.Info("attempting CI fix",
		zap.Int("attempt", snap.Merge.CIFixAttempts),
		zap.Int("max_attempts", w.cfg.MaxCIFixAttempts))

	result, err := w.executor.Execute(ctx, ciFixPrompt(req, snap), w.agentOptions(req, snap, req.WorkDir()))
	if err != nil {
		return engine.Failed(fmt.Errorf("agent CI fix: %w", err), snap), true
	}
	if result.SessionID != "" {
		snap.SessionID = result.SessionID
	}

	attempt.FinishedAt = time.Now().UTC()
	snap.Merge.CIFixHistory = append(snap.Merge.CIFixHistory, attempt)
	if err := w.save(ctx, snap); err != nil {
		return engine.Failed(err, snap), true
	}
	return engine.Outcome{}, false
}

// gateCheck suspends at the merge approval gate unless it is pre-approved.
func (w *Workflow) gateCheck(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot, logger *zap.Logger) (engine.Outcome, bool) {
	gates := req.Gates
	if req.AutoMerge {
		gates.AllowMerge = true
	}
	if !w.gates.ShouldInterrupt(engine.PhaseMerge, gates) {
		return engine.Outcome{}, false
	}

	base := req.BaseBranch
	if base == "" {
		base, _ = w.repo.DefaultBranch(req.RepoPath)
	}
	diff, err := w.repo.DiffSummary(req.WorkDir(), base)
	if err != nil {
		diff = fmt.Sprintf("diff unavailable: %v", err)
	}

	snap.WaitingNode = engine.PhaseMerge
	if err := w.save(ctx, snap); err != nil {
		return engine.Failed(err, snap), true
	}

	logger.Info("suspended at merge approval gate")
	interrupt := w.gates.NewInterrupt(engine.PhaseMerge, map[string]any{
		"diff_summary": diff,
		"commit_hash":  snap.Merge.CommitHash,
		"pr_url":       snap.Merge.PRURL,
		"ci_status":    snap.Merge.CIStatus,
	})
	return engine.Suspended(interrupt, snap), true
}

// executeMerge lands the branch: remote squash via the PR service when a PR
// exists, otherwise an agent-driven squash in the original repository root.
// The local path is always verified against the repository itself.
func (w *Workflow) executeMerge(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot, logger *zap.Logger) (engine.Outcome, bool) {
	if snap.Merge.Merged {
		return engine.Outcome{}, false
	}

	base := req.BaseBranch
	if base == "" {
		var err error
		base, err = w.repo.DefaultBranch(req.RepoPath)
		if err != nil {
			return engine.Failed(fmt.Errorf("resolve base branch: %w", err), snap), true
		}
	}

	if snap.Merge.PRNumber > 0 && w.prs != nil {
		title := fmt.Sprintf("%s (#%d)", req.FeatureName, snap.Merge.PRNumber)
		if err := w.prs.MergePR(ctx, snap.Merge.PRNumber, title); err != nil {
			return engine.Failed(fmt.Errorf("squash merge PR #%d: %w", snap.Merge.PRNumber, err), snap), true
		}
		logger.Info("pull request squash merged", zap.Int("number", snap.Merge.PRNumber))
	} else {
		// Local merges run in the original repository root, never the
		// worktree: a worktree cannot check out the base branch.
		result, err := w.executor.Execute(ctx, localMergePrompt(req, base), w.agentOptions(req, snap, req.RepoPath))
		if err != nil {
			return engine.Failed(fmt.Errorf("agent merge step: %w", err), snap), true
		}
		if result.SessionID != "" {
			snap.SessionID = result.SessionID
		}

		merged, err := w.repo.VerifyMerge(req.RepoPath, req.Branch, base)
		if err != nil {
			return engine.Failed(fmt.Errorf("verify merge: %w", err), snap), true
		}
		if !merged {
			return engine.Failed(fmt.Errorf("Merge verification failed: %s was not merged into %s", req.Branch, base), snap), true
		}
		logger.Info("merge verified", zap.String("base", base))
	}

	snap.Merge.Merged = true
	if err := w.save(ctx, snap); err != nil {
		return engine.Failed(err, snap), true
	}
	return engine.Outcome{}, false
}

// finish updates the feature lifecycle, marks the phase complete, and
// optionally removes the worktree.
func (w *Workflow) finish(ctx context.Context, req *engine.Request, snap *checkpoint.Snapshot, logger *zap.Logger) engine.Outcome {
	lifecycle := store.LifecycleMaintain
	if !snap.Merge.Merged {
		lifecycle = store.LifecycleReview
	}
	if err := w.features.SetLifecycle(ctx, req.FeatureID, lifecycle); err != nil {
		return engine.Failed(fmt.Errorf("update feature lifecycle: %w", err), snap)
	}

	if snap.Merge.PRNumber > 0 && snap.Merge.Merged {
		record := store.PRRecord{
			URL:           snap.Merge.PRURL,
			Number:        snap.Merge.PRNumber,
			Status:        store.PRMerged,
			CommitHash:    snap.Merge.CommitHash,
			CIStatus:      snap.Merge.CIStatus,
			CIFixAttempts: snap.Merge.CIFixAttempts,
		}
		if err := w.features.RecordPR(ctx, req.FeatureID, record); err != nil {
			return engine.Failed(fmt.Errorf("record merged PR: %w", err), snap)
		}
	}

	if w.cfg.CleanupWorktree && req.WorktreePath != "" {
		if err := os.RemoveAll(req.WorktreePath); err != nil {
			logger.Warn("worktree cleanup failed", zap.Error(err))
		}
	}

	snap.Phase(engine.PhaseMerge).Completed = true
	snap.WaitingNode = ""
	if err := w.save(ctx, snap); err != nil {
		return engine.Failed(err, snap)
	}

	logger.Info("merge workflow completed", zap.String("lifecycle", string(lifecycle)))
	return engine.Completed(snap)
}

func commitPrompt(req *engine.Request, openPR bool) string {
	prompt := fmt.Sprintf(`The feature %q is implemented. Commit all outstanding changes on
branch %s with a clear commit message describing the feature.

After committing, state the commit hash explicitly, for example:
"Committed as <hash>".`, req.FeatureName, req.Branch)
	if openPR {
		prompt += fmt.Sprintf(`

Then push the branch and open a pull request against %s. State the pull
request URL explicitly in your final message.`, req.BaseBranch)
	}
	return prompt
}

func ciFixPrompt(req *engine.Request, snap *checkpoint.Snapshot) string {
	return fmt.Sprintf(`CI checks are failing for pull request %s (branch %s).

Investigate the failing checks, fix the underlying problems, and push the
fix to the same branch. Do not disable or skip checks.`,
		snap.Merge.PRURL, req.Branch)
}

func localMergePrompt(req *engine.Request, base string) string {
	return fmt.Sprintf(`Merge branch %s into %s in this repository.

Squash the feature commits into a single commit with a message describing
the feature, complete the merge, and make sure %s reflects the result.`,
		req.Branch, base, base)
}
