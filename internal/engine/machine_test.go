package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/agent"
	"github.com/fyrsmithlabs/devflow/internal/checkpoint"
	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/spec"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

const (
	specDraft = "name: user-auth\ndescription: Adds session based login\n"

	specFull = `name: user-auth
description: Adds session based login
requirements:
  - id: R1
    title: Login form
    acceptance_criteria:
      - user can log in with email and password
`

	researchDoc = `summary: Use the existing session middleware.
findings:
  - topic: sessions
    notes: cookie backed, already wired in internal/http
`

	planDoc = `phases:
  - id: p1
    name: Core
    description: session plumbing
`

	tasksDoc = `tasks:
  - id: t1
    phase_id: p1
    description: add login handler
    status: pending
`
)

type fakeMerger struct {
	outcome  *Outcome
	calls    int
	decision *gate.Decision
}

func (f *fakeMerger) Run(_ context.Context, _ *Request, snap *checkpoint.Snapshot, decision *gate.Decision) Outcome {
	f.calls++
	f.decision = decision
	if f.outcome != nil {
		return *f.outcome
	}
	snap.Phase(PhaseMerge).Completed = true
	return Completed(snap)
}

type harness struct {
	machine     *Machine
	fake        *agent.Fake
	merger      *fakeMerger
	checkpoints *checkpoint.MemoryStore
	specDir     string
}

func newHarness(t *testing.T, responses ...agent.FakeResponse) *harness {
	t.Helper()
	h := &harness{
		fake:        agent.NewFake(responses...),
		merger:      &fakeMerger{},
		checkpoints: checkpoint.NewMemoryStore(),
		specDir:     t.TempDir(),
	}

	cfg := config.EngineConfig{MaxValidationRetries: 3}
	m, err := NewMachine(cfg, config.AgentConfig{}, h.fake, h.checkpoints, h.merger, zap.NewNop())
	require.NoError(t, err)
	h.machine = m
	return h
}

func (h *harness) request(gates store.ApprovalGates) *Request {
	return &Request{
		ThreadID:    "thread-1",
		RunID:       "run-1",
		FeatureID:   "feat-1",
		FeatureName: "user-auth",
		Description: "session based login",
		RepoPath:    "/tmp/repo",
		SpecDir:     h.specDir,
		Branch:      "feature/user-auth",
		BaseBranch:  "main",
		Gates:       gates,
	}
}

// writeFiles returns a scripted response that writes artifacts into dir.
func writeFiles(dir string, files map[string]string) agent.FakeResponse {
	return agent.FakeResponse{Handler: func(string, agent.Options) (*agent.Result, error) {
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return &agent.Result{Output: "done", SessionID: "sess-1"}, nil
	}}
}

func happyPathResponses(dir string) []agent.FakeResponse {
	return []agent.FakeResponse{
		writeFiles(dir, map[string]string{spec.SpecFile: specDraft}),
		writeFiles(dir, map[string]string{spec.SpecFile: specFull}),
		writeFiles(dir, map[string]string{spec.ResearchFile: researchDoc}),
		writeFiles(dir, map[string]string{spec.PlanFile: planDoc, spec.TasksFile: tasksDoc}),
		{Result: &agent.Result{Output: "implemented", SessionID: "sess-1"}},
	}
}

func allApproved() store.ApprovalGates {
	return store.ApprovalGates{AllowPRD: true, AllowPlan: true, AllowMerge: true}
}

func TestMachine_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(happyPathResponses(h.specDir)...)

	out := h.machine.Run(context.Background(), h.request(allApproved()))

	require.Equal(t, OutcomeCompleted, out.Kind, "outcome: %v", out.Err)
	assert.Equal(t, 1, h.merger.calls)
	assert.Len(t, h.fake.Calls(), 5)

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	for _, phase := range []string{PhaseAnalyze, PhaseRequirements, PhaseResearch, PhasePlan, PhaseImplement} {
		assert.True(t, snap.Phase(phase).Completed, phase)
	}
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Empty(t, snap.WaitingNode)
}

func TestMachine_SuspendsAtRequirementsGate(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(happyPathResponses(h.specDir)...)

	out := h.machine.Run(context.Background(), h.request(store.ApprovalGates{}))

	require.Equal(t, OutcomeSuspended, out.Kind)
	require.NotNil(t, out.Interrupt)
	assert.Equal(t, PhaseRequirements, out.Interrupt.Node)
	assert.Contains(t, out.Interrupt.Context[spec.SpecFile], "Login form")

	// Suspension happens after validation passed, with the phase already
	// marked complete so resume never redoes the producer.
	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseRequirements, snap.WaitingNode)
	assert.True(t, snap.Phase(PhaseRequirements).Completed)
	assert.False(t, snap.Phase(PhaseResearch).Completed)
	assert.Len(t, h.fake.Calls(), 2)
}

func TestMachine_ResumeApproved(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(happyPathResponses(h.specDir)...)

	out := h.machine.Run(context.Background(), h.request(store.ApprovalGates{AllowPlan: true, AllowMerge: true}))
	require.Equal(t, OutcomeSuspended, out.Kind)

	req := h.request(store.ApprovalGates{AllowPlan: true, AllowMerge: true})
	req.Resume = true
	req.Decision = &gate.Decision{Approved: true}
	out = h.machine.Run(context.Background(), req)

	require.Equal(t, OutcomeCompleted, out.Kind, "outcome: %v", out.Err)
	// analyze, requirements, then research/plan/implement after resume.
	assert.Len(t, h.fake.Calls(), 5)
	assert.Equal(t, 1, h.merger.calls)
}

func TestMachine_ResumeRejectedReentersProducer(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(happyPathResponses(h.specDir)...)

	out := h.machine.Run(context.Background(), h.request(store.ApprovalGates{}))
	require.Equal(t, OutcomeSuspended, out.Kind)
	require.Equal(t, PhaseRequirements, out.Interrupt.Node)

	h.fake.Enqueue(writeFiles(h.specDir, map[string]string{spec.SpecFile: specFull}))

	req := h.request(store.ApprovalGates{})
	req.Resume = true
	req.Decision = &gate.Decision{Approved: false, Feedback: "add a two factor requirement"}
	out = h.machine.Run(context.Background(), req)

	// The producer re-ran with the feedback and the gate suspended again.
	require.Equal(t, OutcomeSuspended, out.Kind)
	assert.Equal(t, PhaseRequirements, out.Interrupt.Node)

	calls := h.fake.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[2].Prompt, "add a two factor requirement")
	assert.Contains(t, calls[2].Prompt, "rejected")

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.False(t, snap.NeedsReexecution)
	assert.Empty(t, snap.Feedback)
}

func TestMachine_ResumeWithoutDecisionFails(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(happyPathResponses(h.specDir)...)

	out := h.machine.Run(context.Background(), h.request(store.ApprovalGates{}))
	require.Equal(t, OutcomeSuspended, out.Kind)

	req := h.request(store.ApprovalGates{})
	req.Resume = true
	out = h.machine.Run(context.Background(), req)

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrAwaitingDecision)
}

func TestMachine_RepairLoopRecovers(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(
		// Producer writes a draft missing its description.
		writeFiles(h.specDir, map[string]string{spec.SpecFile: "name: user-auth\n"}),
		// Repair fixes it.
		writeFiles(h.specDir, map[string]string{spec.SpecFile: specDraft}),
	)
	h.fake.Enqueue(happyPathResponses(h.specDir)[1:]...)

	out := h.machine.Run(context.Background(), h.request(allApproved()))

	require.Equal(t, OutcomeCompleted, out.Kind, "outcome: %v", out.Err)

	calls := h.fake.Calls()
	require.Len(t, calls, 6)
	assert.Contains(t, calls[1].Prompt, "failed schema validation")
	assert.Contains(t, calls[1].Prompt, "missing required field 'description'")

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Zero(t, snap.Phase(PhaseAnalyze).ValidationRetries)
	assert.Empty(t, snap.Phase(PhaseAnalyze).LastValidationErrors)
}

func TestMachine_RepairExhaustionFails(t *testing.T) {
	h := newHarness(t)
	// The agent never writes the artifact at all.
	h.fake.Enqueue(agent.FakeResponse{Result: &agent.Result{Output: "sure", SessionID: "sess-1"}})

	out := h.machine.Run(context.Background(), h.request(allApproved()))

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t,
		"Validation failed after 3 repair attempts for 'spec.yaml': File 'spec.yaml' not found or empty",
		out.Err.Error())

	// One producer call plus three repair attempts.
	assert.Len(t, h.fake.Calls(), 4)

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Phase(PhaseAnalyze).ValidationRetries)
	assert.Equal(t, spec.SpecFile, snap.Phase(PhaseAnalyze).ValidationTarget)
	assert.False(t, snap.Phase(PhaseAnalyze).Completed)
}

func TestMachine_AgentErrorFails(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(agent.FakeResponse{Err: errors.New("subprocess exited with code 1")})

	out := h.machine.Run(context.Background(), h.request(allApproved()))

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Err.Error(), "agent execution in analyze phase")
}

func TestMachine_MergeDecisionPassesThrough(t *testing.T) {
	h := newHarness(t)

	// A snapshot already suspended at the merge gate.
	snap := checkpoint.NewSnapshot("thread-1", "run-1", "feat-1")
	for _, phase := range []string{PhaseAnalyze, PhaseRequirements, PhaseResearch, PhasePlan, PhaseImplement} {
		snap.Phase(phase).Completed = true
	}
	snap.WaitingNode = PhaseMerge
	require.NoError(t, h.checkpoints.Save(context.Background(), snap))

	req := h.request(allApproved())
	req.Resume = true
	req.Decision = &gate.Decision{Approved: true}
	out := h.machine.Run(context.Background(), req)

	require.Equal(t, OutcomeCompleted, out.Kind)
	require.NotNil(t, h.merger.decision)
	assert.True(t, h.merger.decision.Approved)
	assert.Len(t, h.fake.Calls(), 0, "no producer re-runs on merge resume")
}

func TestMachine_MergeFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(happyPathResponses(h.specDir)...)
	failed := Failed(errors.New("Merge verification failed: feature/user-auth was not merged into main"), nil)
	h.merger.outcome = &failed

	out := h.machine.Run(context.Background(), h.request(allApproved()))

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Err.Error(), "Merge verification failed")
}
