package engine

import (
	"context"

	"github.com/fyrsmithlabs/devflow/internal/checkpoint"
	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

// Phase names, in execution order.
const (
	PhaseAnalyze      = "analyze"
	PhaseRequirements = "requirements"
	PhaseResearch     = "research"
	PhasePlan         = "plan"
	PhaseImplement    = "implement"
	PhaseMerge        = "merge"
)

// PhaseOrder is the canonical phase sequence.
var PhaseOrder = []string{
	PhaseAnalyze,
	PhaseRequirements,
	PhaseResearch,
	PhasePlan,
	PhaseImplement,
	PhaseMerge,
}

// Request describes one workflow invocation, fresh or resumed.
type Request struct {
	ThreadID  string
	RunID     string
	FeatureID string

	// FeatureName and Description seed the analyze prompt.
	FeatureName string
	Description string

	// RepoPath is the original repository root. WorktreePath, when set, is
	// the isolated worktree the agent operates in.
	RepoPath     string
	WorktreePath string
	SpecDir      string

	Branch     string
	BaseBranch string

	Gates store.ApprovalGates

	// Resume loads the existing checkpoint instead of starting fresh.
	Resume bool

	// Decision carries the human verdict when resuming a suspended run.
	Decision *gate.Decision

	// OpenPR pushes the branch and opens a pull request when a remote
	// exists. AutoMerge additionally skips the merge approval gate.
	OpenPR    bool
	AutoMerge bool
}

// WorkDir returns the directory the agent operates in.
func (r *Request) WorkDir() string {
	if r.WorktreePath != "" {
		return r.WorktreePath
	}
	return r.RepoPath
}

// OutcomeKind discriminates workflow outcomes.
type OutcomeKind int

const (
	// OutcomeCompleted means every phase ran to the end.
	OutcomeCompleted OutcomeKind = iota

	// OutcomeSuspended means the run paused at an approval gate.
	OutcomeSuspended

	// OutcomeFailed means the run stopped on an unrecoverable error.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a workflow run. Exactly the arm matching
// Kind is populated; Snapshot is always set for inspection.
type Outcome struct {
	Kind      OutcomeKind
	Interrupt *gate.Interrupt
	Snapshot  *checkpoint.Snapshot
	Err       error
}

// Completed builds a successful outcome.
func Completed(snap *checkpoint.Snapshot) Outcome {
	return Outcome{Kind: OutcomeCompleted, Snapshot: snap}
}

// Suspended builds a gate-pause outcome.
func Suspended(in *gate.Interrupt, snap *checkpoint.Snapshot) Outcome {
	return Outcome{Kind: OutcomeSuspended, Interrupt: in, Snapshot: snap}
}

// Failed builds a failure outcome.
func Failed(err error, snap *checkpoint.Snapshot) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Snapshot: snap}
}

// Merger runs the merge sub-workflow. It owns the merge phase end to end,
// including its approval gate; its outcomes propagate unchanged.
type Merger interface {
	Run(ctx context.Context, req *Request, snap *checkpoint.Snapshot, decision *gate.Decision) Outcome
}
