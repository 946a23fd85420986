// Package store defines the run and feature data model and its persistence
// contracts.
//
// The engine never owns schema; it reads and writes through the repository
// interfaces. Implementations must support concurrent writes keyed by
// distinct run/feature ids without cross-run locking.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrRunTerminal indicates an attempt to mutate a run that already
	// reached a terminal status.
	ErrRunTerminal = errors.New("run is in a terminal status")

	// ErrAlreadyExists indicates a create with a duplicate primary key.
	ErrAlreadyExists = errors.New("record already exists")
)

// RunStatus is the lifecycle status of a single workflow run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunInterrupted     RunStatus = "interrupted"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal run is immutable.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunInterrupted, RunCancelled:
		return true
	}
	return false
}

// ApprovalGates controls whether the requirements/plan/merge gates
// auto-approve. Set at run creation, read-only thereafter.
type ApprovalGates struct {
	AllowPRD   bool `json:"allow_prd"`
	AllowPlan  bool `json:"allow_plan"`
	AllowMerge bool `json:"allow_merge"`
}

// Run is one execution of the feature workflow. Mutated only by the owning
// worker process, or by the sweeper when the process died.
type Run struct {
	ID            string        `json:"id"`
	FeatureID     string        `json:"feature_id"`
	ThreadID      string        `json:"thread_id"`
	Status        RunStatus     `json:"status"`
	PID           int           `json:"pid"`
	StartedAt     time.Time     `json:"started_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Error         string        `json:"error,omitempty"`
	Gates         ApprovalGates `json:"approval_gates"`
	Result        string        `json:"result,omitempty"`
}

// Lifecycle is the feature's position in its development lifecycle.
type Lifecycle string

const (
	LifecycleDraft      Lifecycle = "draft"
	LifecycleInProgress Lifecycle = "in_progress"
	LifecycleReview     Lifecycle = "review"
	LifecycleMaintain   Lifecycle = "maintain"
)

// PRStatus is the state of a feature's pull request.
type PRStatus string

const (
	PROpen   PRStatus = "open"
	PRMerged PRStatus = "merged"
	PRClosed PRStatus = "closed"
)

// Feature is the unit of work the workflow develops and merges.
type Feature struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"base_branch"`
	Lifecycle    Lifecycle `json:"lifecycle"`
	SpecDir      string    `json:"spec_dir"`
	WorktreePath string    `json:"worktree_path,omitempty"`

	// PR metadata, persisted incrementally by the merge sub-workflow so
	// external observers see partial progress even if the run never resumes.
	PRURL         string   `json:"pr_url,omitempty"`
	PRNumber      int      `json:"pr_number,omitempty"`
	PRStatus      PRStatus `json:"pr_status,omitempty"`
	CommitHash    string   `json:"commit_hash,omitempty"`
	CIStatus      string   `json:"ci_status,omitempty"`
	CIFixAttempts int      `json:"ci_fix_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PRRecord is the snapshot of PR metadata the merge sub-workflow persists.
type PRRecord struct {
	URL           string
	Number        int
	Status        PRStatus
	CommitHash    string
	CIStatus      string
	CIFixAttempts int
}
