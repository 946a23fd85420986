package worker

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

// Sweeper detects runs whose worker process died without reporting.
type Sweeper struct {
	cfg    config.WorkerConfig
	runs   store.RunRepository
	logger *zap.Logger
}

// NewSweeper creates a crash detector over the run repository.
func NewSweeper(cfg config.WorkerConfig, runs store.RunRepository, logger *zap.Logger) (*Sweeper, error) {
	if runs == nil {
		return nil, errors.New("run repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{cfg: cfg, runs: runs, logger: logger}, nil
}

// Sweep marks crashed runs interrupted and returns how many it marked.
// A running run counts as crashed when its recorded process is gone, or
// when the process is unresponsive past the heartbeat staleness bound. A
// pending run counts as crashed once it is stale with no live process.
// Runs parked at an approval gate have no heartbeat and are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	active, err := s.runs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	marked := 0
	staleBefore := time.Now().Add(-s.cfg.StaleAfter.Duration())
	for _, run := range active {
		alive := run.PID != 0 && processAlive(run.PID)
		stale := run.LastHeartbeat.Before(staleBefore)

		var crashed bool
		switch run.Status {
		case store.RunRunning:
			if run.PID == 0 {
				continue
			}
			crashed = !alive || stale
		case store.RunPending:
			// A worker that died between creating the run and reporting
			// running leaves the row pending with its creation heartbeat.
			crashed = stale && !alive
		default:
			continue
		}
		if !crashed {
			continue
		}

		s.logger.Warn("marking crashed run interrupted",
			zap.String("run_id", run.ID),
			zap.Int("pid", run.PID),
			zap.Bool("process_alive", alive),
			zap.Time("last_heartbeat", run.LastHeartbeat))

		if err := s.runs.UpdateStatus(ctx, run.ID, store.RunInterrupted, store.RunFields{
			Error: store.StrPtr("worker process died without reporting"),
		}); err != nil {
			s.logger.Error("could not mark run interrupted",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		marked++
	}
	return marked, nil
}

// Watch sweeps on an interval until ctx is done.
func (s *Sweeper) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else, which still counts as alive.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
