package store

import (
	"context"
	"time"
)

// RunRepository persists Run records.
type RunRepository interface {
	// Create inserts a new run.
	Create(ctx context.Context, run *Run) error

	// Get retrieves a run by id.
	Get(ctx context.Context, id string) (*Run, error)

	// UpdateStatus transitions a run's status, applying the optional fields.
	// Returns ErrRunTerminal if the run already reached a terminal status.
	UpdateStatus(ctx context.Context, id string, status RunStatus, fields RunFields) error

	// UpdateHeartbeat bumps lastHeartbeat for an active run.
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error

	// ListActive returns runs in pending, running, or waiting_approval
	// status. The sweeper uses this to find crashed processes.
	ListActive(ctx context.Context) ([]*Run, error)
}

// RunFields carries optional fields applied alongside a status transition.
// Nil pointers leave the column untouched.
type RunFields struct {
	PID         *int
	Error       *string
	Result      *string
	CompletedAt *time.Time
}

// FeatureRepository persists Feature records.
type FeatureRepository interface {
	// Create inserts a new feature.
	Create(ctx context.Context, f *Feature) error

	// Get retrieves a feature by id.
	Get(ctx context.Context, id string) (*Feature, error)

	// Update stores the full feature record.
	Update(ctx context.Context, f *Feature) error

	// RecordPR persists PR metadata incrementally. Called by the merge
	// sub-workflow before any approval pause.
	RecordPR(ctx context.Context, featureID string, pr PRRecord) error

	// SetLifecycle transitions the feature lifecycle.
	SetLifecycle(ctx context.Context, featureID string, lc Lifecycle) error
}

// Helper constructors for RunFields pointers.

func IntPtr(v int) *int             { return &v }
func StrPtr(v string) *string       { return &v }
func TimePtr(v time.Time) *time.Time { return &v }
