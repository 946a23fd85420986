package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates no snapshot exists for the requested thread.
var ErrNotFound = errors.New("checkpoint not found")

// CIFixStatus tracks where the CI remediation loop stands.
type CIFixStatus string

const (
	CIFixIdle      CIFixStatus = "idle"
	CIFixFixing    CIFixStatus = "fixing"
	CIFixSuccess   CIFixStatus = "success"
	CIFixExhausted CIFixStatus = "exhausted"
)

// PhaseProgress records how far a single phase has gotten.
type PhaseProgress struct {
	Completed            bool     `json:"completed"`
	ValidationTarget     string   `json:"validation_target,omitempty"`
	LastValidationErrors []string `json:"last_validation_errors,omitempty"`
	ValidationRetries    int      `json:"validation_retries,omitempty"`
}

// FixAttempt is one entry in the CI remediation history.
type FixAttempt struct {
	Attempt    int       `json:"attempt"`
	Failure    string    `json:"failure"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// MergeState carries the merge sub-workflow's progress so an approval pause
// or crash mid-merge does not redo the commit or lose the PR reference.
type MergeState struct {
	CommitHash    string       `json:"commit_hash,omitempty"`
	PRURL         string       `json:"pr_url,omitempty"`
	PRNumber      int          `json:"pr_number,omitempty"`
	CIStatus      string       `json:"ci_status,omitempty"`
	CIFixAttempts int          `json:"ci_fix_attempts,omitempty"`
	CIFixHistory  []FixAttempt `json:"ci_fix_history,omitempty"`
	CIFixStatus   CIFixStatus  `json:"ci_fix_status,omitempty"`
	Committed     bool         `json:"committed,omitempty"`

	// Pushed records that the commit step pushed the branch for a PR, so a
	// resumed run knows CI watching applies even when the PR number was
	// never resolved.
	Pushed bool `json:"pushed,omitempty"`

	Merged bool `json:"merged,omitempty"`
}

// Snapshot is the full resumable state of one workflow thread.
type Snapshot struct {
	ThreadID  string                    `json:"thread_id"`
	RunID     string                    `json:"run_id"`
	FeatureID string                    `json:"feature_id"`
	Phases    map[string]*PhaseProgress `json:"phases"`
	Merge     MergeState                `json:"merge"`

	// WaitingNode names the gate the run is suspended at, empty otherwise.
	WaitingNode string `json:"waiting_node,omitempty"`

	// NeedsReexecution is set when a gate rejection cleared a phase's
	// completion marker so the producer runs again with Feedback.
	NeedsReexecution bool   `json:"needs_reexecution,omitempty"`
	Feedback         string `json:"feedback,omitempty"`

	// SessionID is the agent conversation to continue across invocations.
	SessionID string `json:"session_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewSnapshot creates an empty snapshot for a fresh run.
func NewSnapshot(threadID, runID, featureID string) *Snapshot {
	return &Snapshot{
		ThreadID:  threadID,
		RunID:     runID,
		FeatureID: featureID,
		Phases:    make(map[string]*PhaseProgress),
		Merge:     MergeState{CIFixStatus: CIFixIdle},
	}
}

// Phase returns the progress record for name, creating it if absent.
func (s *Snapshot) Phase(name string) *PhaseProgress {
	if s.Phases == nil {
		s.Phases = make(map[string]*PhaseProgress)
	}
	p, ok := s.Phases[name]
	if !ok {
		p = &PhaseProgress{}
		s.Phases[name] = p
	}
	return p
}

// Store persists snapshots. Save upserts by thread ID.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, threadID string) (*Snapshot, error)
	Delete(ctx context.Context, threadID string) error
}
