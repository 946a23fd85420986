package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/agent"
	"github.com/fyrsmithlabs/devflow/internal/checkpoint"
	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/store"
	"github.com/fyrsmithlabs/devflow/pkg/git"
)

type fakeRepo struct {
	hasRemote     bool
	defaultBranch string
	diff          string
	verifyResult  bool
	verifyCalls   int
}

func (f *fakeRepo) HasRemote(string) (bool, error)       { return f.hasRemote, nil }
func (f *fakeRepo) DefaultBranch(string) (string, error) { return f.defaultBranch, nil }
func (f *fakeRepo) DiffSummary(string, string) (string, error) {
	return f.diff, nil
}
func (f *fakeRepo) VerifyMerge(string, string, string) (bool, error) {
	f.verifyCalls++
	return f.verifyResult, nil
}

type fakePRs struct {
	states  []git.CIState
	ciCalls int
	merged  []int
	prInfo  *git.PRInfo
}

func (f *fakePRs) MergePR(_ context.Context, number int, _ string) error {
	f.merged = append(f.merged, number)
	return nil
}

func (f *fakePRs) CIStatus(context.Context, string) (git.CIState, error) {
	f.ciCalls++
	if len(f.states) == 0 {
		return git.CIPassing, nil
	}
	idx := f.ciCalls - 1
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	return f.states[idx], nil
}

func (f *fakePRs) PRForBranch(context.Context, string) (*git.PRInfo, error) {
	if f.prInfo == nil {
		return nil, git.ErrNoPR
	}
	return f.prInfo, nil
}

type wfHarness struct {
	wf          *Workflow
	fake        *agent.Fake
	repo        *fakeRepo
	prs         *fakePRs
	features    *store.MemoryFeatures
	checkpoints *checkpoint.MemoryStore
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxValidationRetries: 3,
		MaxCIFixAttempts:     3,
		CIPollInterval:       config.Duration(time.Millisecond),
		CIPollTimeout:        config.Duration(2 * time.Second),
	}
}

func newWFHarness(t *testing.T, repo *fakeRepo, prs *fakePRs) *wfHarness {
	t.Helper()
	h := &wfHarness{
		fake:        agent.NewFake(),
		repo:        repo,
		prs:         prs,
		features:    store.NewMemoryFeatures(),
		checkpoints: checkpoint.NewMemoryStore(),
	}

	require.NoError(t, h.features.Create(context.Background(), &store.Feature{
		ID: "feat-1", Name: "user-auth", Branch: "feature/user-auth",
		BaseBranch: "main", Lifecycle: store.LifecycleInProgress, SpecDir: "/tmp/specs",
	}))

	var prIface PullRequests
	if prs != nil {
		prIface = prs
	}
	wf, err := NewWorkflow(testEngineConfig(), config.AgentConfig{}, h.fake, repo, prIface, h.features, h.checkpoints, zap.NewNop())
	require.NoError(t, err)
	h.wf = wf
	return h
}

func mergeRequest(gates store.ApprovalGates) *engine.Request {
	return &engine.Request{
		ThreadID:    "thread-1",
		RunID:       "run-1",
		FeatureID:   "feat-1",
		FeatureName: "user-auth",
		RepoPath:    "/tmp/repo",
		SpecDir:     "/tmp/specs",
		Branch:      "feature/user-auth",
		BaseBranch:  "main",
		Gates:       gates,
	}
}

func implementedSnapshot() *checkpoint.Snapshot {
	snap := checkpoint.NewSnapshot("thread-1", "run-1", "feat-1")
	for _, phase := range []string{engine.PhaseAnalyze, engine.PhaseRequirements, engine.PhaseResearch, engine.PhasePlan, engine.PhaseImplement} {
		snap.Phase(phase).Completed = true
	}
	return snap
}

func commitResponse() agent.FakeResponse {
	return agent.FakeResponse{Result: &agent.Result{
		Output:    "Committed as 3f2a1b9c on feature/user-auth.",
		SessionID: "sess-m",
	}}
}

func TestWorkflow_LocalMergeHappyPath(t *testing.T) {
	repo := &fakeRepo{defaultBranch: "main", verifyResult: true}
	h := newWFHarness(t, repo, nil)
	h.fake.Enqueue(
		commitResponse(),
		agent.FakeResponse{Result: &agent.Result{Output: "merged into main", SessionID: "sess-m"}},
	)

	out := h.wf.Run(context.Background(), mergeRequest(store.ApprovalGates{AllowMerge: true}), implementedSnapshot(), nil)

	require.Equal(t, engine.OutcomeCompleted, out.Kind, "outcome: %v", out.Err)
	assert.Equal(t, 1, repo.verifyCalls)

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.True(t, snap.Merge.Merged)
	assert.Equal(t, "3f2a1b9c", snap.Merge.CommitHash)
	assert.True(t, snap.Phase(engine.PhaseMerge).Completed)

	feature, err := h.features.Get(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, store.LifecycleMaintain, feature.Lifecycle)
	assert.Equal(t, "3f2a1b9c", feature.CommitHash)

	// The local merge step runs the agent in the original repository root.
	calls := h.fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/tmp/repo", calls[1].Opts.WorkDir)
	assert.Contains(t, calls[1].Prompt, "Merge branch feature/user-auth into main")
}

func TestWorkflow_VerificationFailureIsFatal(t *testing.T) {
	repo := &fakeRepo{defaultBranch: "main", verifyResult: false}
	h := newWFHarness(t, repo, nil)
	h.fake.Enqueue(commitResponse(), agent.FakeResponse{Result: &agent.Result{Output: "claims merged"}})

	out := h.wf.Run(context.Background(), mergeRequest(store.ApprovalGates{AllowMerge: true}), implementedSnapshot(), nil)

	require.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.Equal(t,
		"Merge verification failed: feature/user-auth was not merged into main",
		out.Err.Error())
}

func TestWorkflow_SuspendsAtMergeGate(t *testing.T) {
	repo := &fakeRepo{defaultBranch: "main", diff: "auth.go | +120 -4", verifyResult: true}
	h := newWFHarness(t, repo, nil)
	h.fake.Enqueue(commitResponse())

	out := h.wf.Run(context.Background(), mergeRequest(store.ApprovalGates{}), implementedSnapshot(), nil)

	require.Equal(t, engine.OutcomeSuspended, out.Kind)
	require.NotNil(t, out.Interrupt)
	assert.Equal(t, engine.PhaseMerge, out.Interrupt.Node)
	assert.Equal(t, "auth.go | +120 -4", out.Interrupt.Context["diff_summary"])
	assert.Equal(t, "3f2a1b9c", out.Interrupt.Context["commit_hash"])

	// Commit metadata reached the feature record before the pause.
	feature, err := h.features.Get(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, "3f2a1b9c", feature.CommitHash)

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseMerge, snap.WaitingNode)
	assert.True(t, snap.Merge.Committed)
	assert.False(t, snap.Merge.Merged)
}

func TestWorkflow_ResumeApprovedSkipsCommit(t *testing.T) {
	repo := &fakeRepo{defaultBranch: "main", verifyResult: true}
	h := newWFHarness(t, repo, nil)
	h.fake.Enqueue(agent.FakeResponse{Result: &agent.Result{Output: "merged into main"}})

	snap := implementedSnapshot()
	snap.Merge.Committed = true
	snap.Merge.CommitHash = "3f2a1b9c"
	snap.WaitingNode = engine.PhaseMerge

	out := h.wf.Run(context.Background(), mergeRequest(store.ApprovalGates{}), snap, &gate.Decision{Approved: true})

	require.Equal(t, engine.OutcomeCompleted, out.Kind, "outcome: %v", out.Err)
	// Only the merge step ran; the commit step was not repeated.
	require.Len(t, h.fake.Calls(), 1)
	assert.Contains(t, h.fake.Calls()[0].Prompt, "Merge branch")
}

func TestWorkflow_ResumeRejectedRestartsCommit(t *testing.T) {
	repo := &fakeRepo{defaultBranch: "main", verifyResult: true}
	h := newWFHarness(t, repo, nil)
	h.fake.Enqueue(commitResponse())

	snap := implementedSnapshot()
	snap.Merge.Committed = true
	snap.Merge.CommitHash = "oldhash1"
	snap.WaitingNode = engine.PhaseMerge

	out := h.wf.Run(context.Background(), mergeRequest(store.ApprovalGates{}), snap,
		&gate.Decision{Approved: false, Feedback: "split the migration into its own commit"})

	// Re-committed and suspended at the gate again.
	require.Equal(t, engine.OutcomeSuspended, out.Kind)
	calls := h.fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "split the migration into its own commit")

	loaded, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "3f2a1b9c", loaded.Merge.CommitHash, "old merge state was discarded")
}

func TestWorkflow_RemotePRFlow(t *testing.T) {
	repo := &fakeRepo{hasRemote: true, defaultBranch: "main", verifyResult: true}
	prs := &fakePRs{states: []git.CIState{git.CIPending, git.CIPassing}}
	h := newWFHarness(t, repo, prs)
	h.fake.Enqueue(agent.FakeResponse{Result: &agent.Result{
		Output:    "Committed as 3f2a1b9c. Opened https://github.com/acme/widgets/pull/128.",
		SessionID: "sess-m",
	}})

	req := mergeRequest(store.ApprovalGates{AllowMerge: true})
	req.OpenPR = true
	out := h.wf.Run(context.Background(), req, implementedSnapshot(), nil)

	require.Equal(t, engine.OutcomeCompleted, out.Kind, "outcome: %v", out.Err)
	assert.Equal(t, []int{128}, prs.merged)
	assert.GreaterOrEqual(t, prs.ciCalls, 2)
	assert.Zero(t, repo.verifyCalls, "remote merges are not ancestor checked")

	feature, err := h.features.Get(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, store.PRMerged, feature.PRStatus)
	assert.Equal(t, 128, feature.PRNumber)
	assert.Equal(t, store.LifecycleMaintain, feature.Lifecycle)
}

func TestWorkflow_CIFixLoopRecovers(t *testing.T) {
	repo := &fakeRepo{hasRemote: true, defaultBranch: "main", verifyResult: true}
	prs := &fakePRs{states: []git.CIState{git.CIFailing, git.CIFailing, git.CIPassing}}
	h := newWFHarness(t, repo, prs)
	h.fake.Enqueue(agent.FakeResponse{Result: &agent.Result{
		Output: "Committed as 3f2a1b9c. Opened https://github.com/acme/widgets/pull/128.",
	}})
	h.fake.Enqueue(agent.FakeResponse{Result: &agent.Result{Output: "pushed a fix"}})

	req := mergeRequest(store.ApprovalGates{AllowMerge: true})
	req.OpenPR = true
	out := h.wf.Run(context.Background(), req, implementedSnapshot(), nil)

	require.Equal(t, engine.OutcomeCompleted, out.Kind, "outcome: %v", out.Err)

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Merge.CIFixAttempts)
	assert.Len(t, snap.Merge.CIFixHistory, 2)
	assert.Equal(t, checkpoint.CIFixSuccess, snap.Merge.CIFixStatus)
}

func TestWorkflow_CIFixExhaustionStillReachesGate(t *testing.T) {
	repo := &fakeRepo{hasRemote: true, defaultBranch: "main", diff: "x", verifyResult: true}
	prs := &fakePRs{states: []git.CIState{git.CIFailing}}
	h := newWFHarness(t, repo, prs)
	h.fake.Enqueue(agent.FakeResponse{Result: &agent.Result{
		Output: "Committed as 3f2a1b9c. Opened https://github.com/acme/widgets/pull/128.",
	}})

	req := mergeRequest(store.ApprovalGates{})
	req.OpenPR = true
	out := h.wf.Run(context.Background(), req, implementedSnapshot(), nil)

	// Exhausted CI fixes do not fail the run; the human decides at the gate.
	require.Equal(t, engine.OutcomeSuspended, out.Kind)
	assert.Equal(t, "failing", out.Interrupt.Context["ci_status"])

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.CIFixExhausted, snap.Merge.CIFixStatus)
	assert.Equal(t, 3, snap.Merge.CIFixAttempts)
}

func TestWorkflow_ResumeMidCIWatchResumesPolling(t *testing.T) {
	repo := &fakeRepo{hasRemote: true, defaultBranch: "main", verifyResult: true}
	prs := &fakePRs{states: []git.CIState{git.CIFailing, git.CIPassing}}
	h := newWFHarness(t, repo, prs)
	h.fake.Enqueue(agent.FakeResponse{Result: &agent.Result{Output: "pushed a fix"}})

	// A crash mid-CI-watch leaves the snapshot committed with the fix loop
	// in flight.
	snap := implementedSnapshot()
	snap.Merge.Committed = true
	snap.Merge.Pushed = true
	snap.Merge.CommitHash = "3f2a1b9c"
	snap.Merge.PRURL = "https://github.com/acme/widgets/pull/128"
	snap.Merge.PRNumber = 128
	snap.Merge.CIStatus = "failing"
	snap.Merge.CIFixAttempts = 1
	snap.Merge.CIFixStatus = checkpoint.CIFixFixing

	req := mergeRequest(store.ApprovalGates{AllowMerge: true})
	req.OpenPR = true
	out := h.wf.Run(context.Background(), req, snap, nil)

	require.Equal(t, engine.OutcomeCompleted, out.Kind, "outcome: %v", out.Err)

	// CI was re-polled and settled before the merge; the commit step was
	// not repeated.
	assert.GreaterOrEqual(t, prs.ciCalls, 2)
	calls := h.fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "CI checks are failing")

	loaded, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.CIFixSuccess, loaded.Merge.CIFixStatus)
	assert.Equal(t, []int{128}, prs.merged)

	feature, err := h.features.Get(context.Background(), "feat-1")
	require.NoError(t, err)
	assert.Equal(t, "passing", feature.CIStatus)
}

func TestWorkflow_CIWatchedWhenPRNumberUnresolved(t *testing.T) {
	repo := &fakeRepo{hasRemote: true, defaultBranch: "main", verifyResult: true}
	prs := &fakePRs{states: []git.CIState{git.CIPassing}}
	h := newWFHarness(t, repo, prs)
	// The transcript names no PR and the branch lookup finds none, but the
	// push happened, so check runs are still watched.
	h.fake.Enqueue(
		agent.FakeResponse{Result: &agent.Result{Output: "Committed as 3f2a1b9c. Pushed and opened a pull request."}},
		agent.FakeResponse{Result: &agent.Result{Output: "merged into main"}},
	)

	req := mergeRequest(store.ApprovalGates{AllowMerge: true})
	req.OpenPR = true
	out := h.wf.Run(context.Background(), req, implementedSnapshot(), nil)

	require.Equal(t, engine.OutcomeCompleted, out.Kind, "outcome: %v", out.Err)
	assert.GreaterOrEqual(t, prs.ciCalls, 1)

	snap, err := h.checkpoints.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.True(t, snap.Merge.Pushed)
	assert.Zero(t, snap.Merge.PRNumber)
	assert.Equal(t, checkpoint.CIFixSuccess, snap.Merge.CIFixStatus)

	// With no PR number the merge falls back to the verified local path.
	assert.Empty(t, prs.merged)
	assert.Equal(t, 1, repo.verifyCalls)
}

func TestWorkflow_AutoMergeSkipsGate(t *testing.T) {
	repo := &fakeRepo{defaultBranch: "main", verifyResult: true}
	h := newWFHarness(t, repo, nil)
	h.fake.Enqueue(commitResponse(), agent.FakeResponse{Result: &agent.Result{Output: "merged"}})

	req := mergeRequest(store.ApprovalGates{})
	req.AutoMerge = true
	out := h.wf.Run(context.Background(), req, implementedSnapshot(), nil)

	require.Equal(t, engine.OutcomeCompleted, out.Kind, "outcome: %v", out.Err)
}
