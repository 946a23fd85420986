// Package main implements the devflow CLI: the worker process that hosts a
// single workflow run, and the sweeper that detects crashed workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/agent"
	"github.com/fyrsmithlabs/devflow/internal/checkpoint"
	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/merge"
	"github.com/fyrsmithlabs/devflow/internal/store"
	"github.com/fyrsmithlabs/devflow/internal/telemetry"
	"github.com/fyrsmithlabs/devflow/internal/worker"
	"github.com/fyrsmithlabs/devflow/pkg/git"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "devflow",
	Short:   "Autonomous feature development workflow engine",
	Long:    `devflow drives an AI coding agent through analyze, requirements, research, plan, implement, and merge phases with schema-validated artifacts, human approval gates, and crash-safe checkpoints.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sweepCmd)
}

var workerFlags struct {
	featureID    string
	featureName  string
	description  string
	runID        string
	threadID     string
	repoPath     string
	specDir      string
	worktreePath string
	branch       string
	baseBranch   string

	allowPRD   bool
	allowPlan  bool
	allowMerge bool

	resume              bool
	resumeFromInterrupt bool
	approve             bool
	reject              bool
	feedback            string

	openPR          bool
	autoMerge       bool
	waitForDecision bool
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Host one workflow run in this process",
	Long: `Run one feature workflow to completion, an approval gate, or failure.

Examples:
  # Start a fresh run with the PRD gate pre-approved
  devflow worker --feature-name user-auth --repo . --spec-dir specs/user-auth --allow-prd

  # Resume an approved run
  devflow worker --run-id <id> --thread-id <id> --repo . --spec-dir specs/user-auth --resume --approve

  # Resume with a rejection and feedback
  devflow worker --run-id <id> --thread-id <id> --repo . --spec-dir specs/user-auth --resume --reject --feedback "add rate limiting"`,
	RunE: runWorker,
}

var sweepFlags struct {
	watch    bool
	interval time.Duration
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark runs whose worker process died as interrupted",
	RunE:  runSweep,
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerFlags.featureID, "feature-id", "", "feature identifier (generated when empty)")
	f.StringVar(&workerFlags.featureName, "feature-name", "", "feature name")
	f.StringVar(&workerFlags.description, "description", "", "feature description")
	f.StringVar(&workerFlags.runID, "run-id", "", "run identifier (generated when empty)")
	f.StringVar(&workerFlags.threadID, "thread-id", "", "workflow thread identifier (generated when empty)")
	f.StringVar(&workerFlags.repoPath, "repo", "", "repository root path")
	f.StringVar(&workerFlags.specDir, "spec-dir", "", "feature spec directory")
	f.StringVar(&workerFlags.worktreePath, "worktree", "", "worktree path the agent operates in")
	f.StringVar(&workerFlags.branch, "branch", "", "feature branch name")
	f.StringVar(&workerFlags.baseBranch, "base-branch", "", "base branch (repository default when empty)")
	f.BoolVar(&workerFlags.allowPRD, "allow-prd", false, "pre-approve the requirements gate")
	f.BoolVar(&workerFlags.allowPlan, "allow-plan", false, "pre-approve the plan gate")
	f.BoolVar(&workerFlags.allowMerge, "allow-merge", false, "pre-approve the merge gate")
	f.BoolVar(&workerFlags.resume, "resume", false, "resume a suspended run")
	f.BoolVar(&workerFlags.resumeFromInterrupt, "resume-from-interrupt", false, "resume a run interrupted by a crash or signal")
	f.BoolVar(&workerFlags.approve, "approve", false, "approve the pending gate")
	f.BoolVar(&workerFlags.reject, "reject", false, "reject the pending gate")
	f.StringVar(&workerFlags.feedback, "feedback", "", "feedback accompanying a rejection")
	f.BoolVar(&workerFlags.openPR, "open-pr", false, "push the branch and open a pull request")
	f.BoolVar(&workerFlags.autoMerge, "auto-merge", false, "merge without pausing at the merge gate")
	f.BoolVar(&workerFlags.waitForDecision, "wait-for-decision", false, "stay alive at gates and watch for a decision file")

	sweepCmd.Flags().BoolVar(&sweepFlags.watch, "watch", false, "sweep continuously")
	sweepCmd.Flags().DurationVar(&sweepFlags.interval, "interval", time.Minute, "sweep interval with --watch")
}

// app bundles the wired dependencies every command needs.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	db     *store.DB
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{cfg: cfg, logger: logger, tel: tel, db: db}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.db.Close(); err != nil {
		a.logger.Error(ctx, "store close failed", zap.Error(err))
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if workerFlags.repoPath == "" || workerFlags.specDir == "" {
		return errors.New("--repo and --spec-dir are required")
	}
	if workerFlags.approve && workerFlags.reject {
		return errors.New("--approve and --reject are mutually exclusive")
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	req, err := buildRequest(ctx, a)
	if err != nil {
		return err
	}

	executor, err := agent.NewSubprocess(a.cfg.Agent.Command, a.logger.Underlying())
	if err != nil {
		return err
	}

	repoSvc := git.NewService()
	var prs merge.PullRequests
	if a.cfg.GitHub.Token.IsSet() {
		prSvc, prErr := git.NewPRService(ctx, a.cfg.GitHub, a.logger.Underlying())
		if prErr != nil {
			return prErr
		}
		prs = prSvc
	}

	checkpoints, err := checkpoint.NewSQLiteStore(a.db, a.logger.Underlying())
	if err != nil {
		return err
	}

	merger, err := merge.NewWorkflow(a.cfg.Engine, a.cfg.Agent, executor, repoSvc, prs,
		a.db.Features(), checkpoints, a.logger.Underlying())
	if err != nil {
		return err
	}

	machine, err := engine.NewMachine(a.cfg.Engine, a.cfg.Agent, executor, checkpoints,
		merger, a.logger.Underlying())
	if err != nil {
		return err
	}

	sup, err := worker.NewSupervisor(a.cfg.Worker, machine, a.db.Runs(), a.logger.Underlying())
	if err != nil {
		return err
	}

	ctx = logging.WithRunID(ctx, req.RunID)
	ctx = logging.WithFeatureID(ctx, req.FeatureID)
	a.logger.Info(ctx, "worker starting",
		zap.String("feature", req.FeatureName),
		zap.Bool("resume", req.Resume))

	return sup.Run(ctx, req, workerFlags.waitForDecision)
}

// buildRequest resolves identifiers and ensures the run and feature records
// exist before the supervisor takes over.
func buildRequest(ctx context.Context, a *app) (*engine.Request, error) {
	resume := workerFlags.resume || workerFlags.resumeFromInterrupt

	featureID := workerFlags.featureID
	if featureID == "" {
		if resume {
			return nil, errors.New("--feature-id is required with --resume")
		}
		featureID = uuid.New().String()
	}
	threadID := workerFlags.threadID
	if threadID == "" {
		if resume {
			return nil, errors.New("--thread-id is required with --resume")
		}
		threadID = uuid.New().String()
	}
	runID := workerFlags.runID
	if runID == "" {
		if resume {
			return nil, errors.New("--run-id is required with --resume")
		}
		runID = uuid.New().String()
	}

	branch := workerFlags.branch
	if branch == "" {
		branch = "feature/" + workerFlags.featureName
	}
	baseBranch := workerFlags.baseBranch
	if baseBranch == "" {
		if resolved, err := git.NewService().DefaultBranch(workerFlags.repoPath); err == nil {
			baseBranch = resolved
		}
	}

	gates := store.ApprovalGates{
		AllowPRD:   workerFlags.allowPRD,
		AllowPlan:  workerFlags.allowPlan,
		AllowMerge: workerFlags.allowMerge,
	}

	var decision *gate.Decision
	switch {
	case workerFlags.approve:
		decision = &gate.Decision{Approved: true}
	case workerFlags.reject:
		decision = &gate.Decision{Approved: false, Feedback: workerFlags.feedback}
	}

	if !resume {
		now := time.Now().UTC()
		if err := a.db.Features().Create(ctx, &store.Feature{
			ID: featureID, Name: workerFlags.featureName, Branch: branch,
			BaseBranch: baseBranch, Lifecycle: store.LifecycleInProgress,
			SpecDir: workerFlags.specDir, WorktreePath: workerFlags.worktreePath,
		}); err != nil {
			return nil, fmt.Errorf("create feature record: %w", err)
		}
		if err := a.db.Runs().Create(ctx, &store.Run{
			ID: runID, FeatureID: featureID, ThreadID: threadID,
			Status: store.RunPending, StartedAt: now, LastHeartbeat: now,
			Gates: gates,
		}); err != nil {
			return nil, fmt.Errorf("create run record: %w", err)
		}
	} else if workerFlags.resumeFromInterrupt {
		// The prior run record is terminal; resuming opens a fresh one on
		// the same thread so the checkpoint picks up where it stopped.
		now := time.Now().UTC()
		runID = uuid.New().String()
		if err := a.db.Runs().Create(ctx, &store.Run{
			ID: runID, FeatureID: featureID, ThreadID: threadID,
			Status: store.RunPending, StartedAt: now, LastHeartbeat: now,
			Gates: gates,
		}); err != nil {
			return nil, fmt.Errorf("create resume run record: %w", err)
		}
	}

	return &engine.Request{
		ThreadID:     threadID,
		RunID:        runID,
		FeatureID:    featureID,
		FeatureName:  workerFlags.featureName,
		Description:  workerFlags.description,
		RepoPath:     workerFlags.repoPath,
		WorktreePath: workerFlags.worktreePath,
		SpecDir:      workerFlags.specDir,
		Branch:       branch,
		BaseBranch:   baseBranch,
		Gates:        gates,
		Resume:       resume,
		Decision:     decision,
		OpenPR:       workerFlags.openPR,
		AutoMerge:    workerFlags.autoMerge,
	}, nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	sweeper, err := worker.NewSweeper(a.cfg.Worker, a.db.Runs(), a.logger.Underlying())
	if err != nil {
		return err
	}

	if sweepFlags.watch {
		a.logger.Info(ctx, "sweeping continuously",
			zap.Duration("interval", sweepFlags.interval))
		return sweeper.Watch(ctx, sweepFlags.interval)
	}

	marked, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "sweep finished", zap.Int("marked_interrupted", marked))
	return nil
}
