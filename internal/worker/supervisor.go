package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

// decisionDir and decisionFile locate the drop file a reviewer writes to
// resume a run that is waiting in-process.
const (
	decisionDir  = ".devflow"
	decisionFile = "decision.json"
)

// Engine runs a workflow. *engine.Machine is the production implementation.
type Engine interface {
	Run(ctx context.Context, req *engine.Request) engine.Outcome
}

// Supervisor hosts one run and keeps its store record truthful.
type Supervisor struct {
	cfg    config.WorkerConfig
	engine Engine
	runs   store.RunRepository
	logger *zap.Logger
}

// NewSupervisor creates a run supervisor.
func NewSupervisor(cfg config.WorkerConfig, eng Engine, runs store.RunRepository, logger *zap.Logger) (*Supervisor, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if runs == nil {
		return nil, errors.New("run repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, engine: eng, runs: runs, logger: logger}, nil
}

// Run executes the workflow, heartbeating throughout. With waitForDecision
// the process stays alive at approval gates, watching for a decision drop
// file instead of exiting.
func (s *Supervisor) Run(ctx context.Context, req *engine.Request, waitForDecision bool) error {
	logger := s.logger.With(zap.String("run_id", req.RunID), zap.String("thread_id", req.ThreadID))

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if err := s.runs.UpdateStatus(ctx, req.RunID, store.RunRunning, store.RunFields{
		PID: store.IntPtr(os.Getpid()),
	}); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}

	stopHeartbeat := s.startHeartbeat(ctx, req.RunID, logger)
	defer stopHeartbeat()

	for {
		outcome := s.runEngine(sigCtx, req)

		if sigCtx.Err() != nil && ctx.Err() == nil {
			logger.Info("run interrupted by signal")
			s.setStatus(ctx, req.RunID, store.RunInterrupted, store.RunFields{}, logger)
			return nil
		}

		switch outcome.Kind {
		case engine.OutcomeCompleted:
			now := time.Now().UTC()
			s.setStatus(ctx, req.RunID, store.RunCompleted, store.RunFields{
				Result:      store.StrPtr("workflow completed"),
				CompletedAt: store.TimePtr(now),
			}, logger)
			logger.Info("run completed")
			return nil

		case engine.OutcomeFailed:
			now := time.Now().UTC()
			s.setStatus(ctx, req.RunID, store.RunFailed, store.RunFields{
				Error:       store.StrPtr(outcome.Err.Error()),
				CompletedAt: store.TimePtr(now),
			}, logger)
			logger.Error("run failed", zap.Error(outcome.Err))
			return outcome.Err

		case engine.OutcomeSuspended:
			s.setStatus(ctx, req.RunID, store.RunWaitingApproval, store.RunFields{}, logger)
			logger.Info("run suspended at approval gate",
				zap.String("node", outcome.Interrupt.Node))
			if !waitForDecision {
				return nil
			}

			decision, err := s.awaitDecision(sigCtx, req.SpecDir, logger)
			if err != nil {
				if sigCtx.Err() != nil && ctx.Err() == nil {
					s.setStatus(ctx, req.RunID, store.RunInterrupted, store.RunFields{}, logger)
					return nil
				}
				return fmt.Errorf("await decision: %w", err)
			}

			if err := s.runs.UpdateStatus(ctx, req.RunID, store.RunRunning, store.RunFields{}); err != nil {
				return fmt.Errorf("mark run running after decision: %w", err)
			}
			req.Resume = true
			req.Decision = decision
		}
	}
}

// runEngine isolates engine panics so a bug in a phase marks the run failed
// instead of leaving a stale running record.
func (s *Supervisor) runEngine(ctx context.Context, req *engine.Request) (outcome engine.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = engine.Failed(fmt.Errorf("workflow panic: %v", r), nil)
		}
	}()
	return s.engine.Run(ctx, req)
}

// startHeartbeat ticks LastHeartbeat until the returned stop func runs.
// Heartbeat write failures are logged and swallowed; a missed beat must
// never kill a healthy run.
func (s *Supervisor) startHeartbeat(ctx context.Context, runID string, logger *zap.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval.Duration())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.runs.UpdateHeartbeat(ctx, runID, time.Now().UTC()); err != nil {
					logger.Warn("heartbeat update failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

func (s *Supervisor) setStatus(ctx context.Context, runID string, status store.RunStatus, fields store.RunFields, logger *zap.Logger) {
	if err := s.runs.UpdateStatus(ctx, runID, status, fields); err != nil && !errors.Is(err, store.ErrRunTerminal) {
		logger.Error("run status update failed",
			zap.String("status", string(status)), zap.Error(err))
	}
}

// awaitDecision blocks until <specDir>/.devflow/decision.json appears,
// then parses and removes it.
func (s *Supervisor) awaitDecision(ctx context.Context, specDir string, logger *zap.Logger) (*gate.Decision, error) {
	dir := filepath.Join(specDir, decisionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create decision dir: %w", err)
	}
	path := filepath.Join(dir, decisionFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	logger.Info("waiting for decision file", zap.String("path", path))

	// The file may have been dropped before the watch started.
	if decision, ok := s.readDecision(path, logger); ok {
		return decision, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, open := <-watcher.Events:
			if !open {
				return nil, errors.New("watcher closed")
			}
			if event.Name != path || !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if decision, ok := s.readDecision(path, logger); ok {
				return decision, nil
			}
		case err, open := <-watcher.Errors:
			if !open {
				return nil, errors.New("watcher closed")
			}
			logger.Warn("decision watcher error", zap.Error(err))
		}
	}
}

func (s *Supervisor) readDecision(path string, logger *zap.Logger) (*gate.Decision, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var decision gate.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		logger.Warn("invalid decision file, ignoring", zap.Error(err))
		return nil, false
	}
	if err := os.Remove(path); err != nil {
		logger.Warn("could not remove consumed decision file", zap.Error(err))
	}
	logger.Info("decision received", zap.Bool("approved", decision.Approved))
	return &decision, true
}
