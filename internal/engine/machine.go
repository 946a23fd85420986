package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/agent"
	"github.com/fyrsmithlabs/devflow/internal/checkpoint"
	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/gate"
	"github.com/fyrsmithlabs/devflow/internal/repair"
	"github.com/fyrsmithlabs/devflow/internal/spec"
)

const instrumentationName = "github.com/fyrsmithlabs/devflow/internal/engine"

// ErrAwaitingDecision indicates a resume without the decision the suspended
// run is waiting for.
var ErrAwaitingDecision = errors.New("run is suspended and requires a decision")

// Machine executes the phase state machine for one workflow thread.
type Machine struct {
	cfg         config.EngineConfig
	agentCfg    config.AgentConfig
	executor    agent.Executor
	gates       *gate.Controller
	checkpoints checkpoint.Store
	merger      Merger
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewMachine creates a workflow machine.
func NewMachine(cfg config.EngineConfig, agentCfg config.AgentConfig, executor agent.Executor, checkpoints checkpoint.Store, merger Merger, logger *zap.Logger) (*Machine, error) {
	if executor == nil {
		return nil, errors.New("agent executor is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if merger == nil {
		return nil, errors.New("merger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Machine{
		cfg:         cfg,
		agentCfg:    agentCfg,
		executor:    executor,
		gates:       gate.NewController(),
		checkpoints: checkpoints,
		merger:      merger,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}, nil
}

// Run executes the workflow from its checkpointed position.
func (m *Machine) Run(ctx context.Context, req *Request) Outcome {
	ctx, span := m.tracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread_id", req.ThreadID),
		attribute.String("feature_id", req.FeatureID),
	)

	snap, mergeDecision, prepErr := m.prepare(ctx, req)
	if prepErr != nil {
		span.RecordError(prepErr)
		RunOutcomes.WithLabelValues(OutcomeFailed.String()).Inc()
		return Failed(prepErr, snap)
	}

	outcome := m.walk(ctx, req, snap, mergeDecision)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
	}
	RunOutcomes.WithLabelValues(outcome.Kind.String()).Inc()
	return outcome
}

// prepare loads or creates the snapshot and applies a pending decision.
// A decision aimed at the merge gate is returned for the merge workflow to
// consume instead.
func (m *Machine) prepare(ctx context.Context, req *Request) (*checkpoint.Snapshot, *gate.Decision, error) {
	if !req.Resume {
		snap := checkpoint.NewSnapshot(req.ThreadID, req.RunID, req.FeatureID)
		if err := m.checkpoints.Save(ctx, snap); err != nil {
			return snap, nil, fmt.Errorf("save initial checkpoint: %w", err)
		}
		return snap, nil, nil
	}

	snap, err := m.checkpoints.Load(ctx, req.ThreadID)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint for resume: %w", err)
	}
	if snap.WaitingNode == "" {
		return snap, nil, nil
	}
	if req.Decision == nil {
		return snap, nil, fmt.Errorf("%w: %s gate", ErrAwaitingDecision, snap.WaitingNode)
	}
	if snap.WaitingNode == PhaseMerge {
		// The merge workflow owns its gate and applies the decision itself.
		return snap, req.Decision, nil
	}

	node := snap.WaitingNode
	snap.WaitingNode = ""
	if req.Decision.Approved {
		m.logger.Info("gate approved",
			zap.String("node", node),
			zap.String("thread_id", req.ThreadID))
	} else {
		// Rejection re-enters the producer, never the validator.
		snap.Phase(node).Completed = false
		snap.NeedsReexecution = true
		snap.Feedback = req.Decision.Feedback
		m.logger.Info("gate rejected, phase will re-execute",
			zap.String("node", node),
			zap.String("thread_id", req.ThreadID))
	}
	if err := m.checkpoints.Save(ctx, snap); err != nil {
		return snap, nil, fmt.Errorf("save checkpoint after decision: %w", err)
	}
	return snap, nil, nil
}

func (m *Machine) walk(ctx context.Context, req *Request, snap *checkpoint.Snapshot, mergeDecision *gate.Decision) Outcome {
	for _, phase := range PhaseOrder {
		if snap.Phase(phase).Completed {
			continue
		}
		if phase == PhaseMerge {
			return m.merger.Run(ctx, req, snap, mergeDecision)
		}
		if out, stopped := m.runPhase(ctx, req, snap, phase); stopped {
			return out
		}
	}
	return Completed(snap)
}

func (m *Machine) agentOptions(req *Request, snap *checkpoint.Snapshot) agent.Options {
	return agent.Options{
		WorkDir:   req.WorkDir(),
		Timeout:   m.agentCfg.Timeout.Duration(),
		Model:     m.agentCfg.Model,
		SessionID: snap.SessionID,
		MaxTurns:  m.agentCfg.MaxTurns,
	}
}

func (m *Machine) prompt(req *Request, phase string) string {
	switch phase {
	case PhaseAnalyze:
		return analyzePrompt(req)
	case PhaseRequirements:
		return requirementsPrompt(req)
	case PhaseResearch:
		return researchPrompt(req)
	case PhasePlan:
		return planPrompt(req)
	case PhaseImplement:
		return implementPrompt(req)
	default:
		return ""
	}
}

// runPhase executes one producer plus its validation and gate. The second
// return is true when the walk must stop with the given outcome.
func (m *Machine) runPhase(ctx context.Context, req *Request, snap *checkpoint.Snapshot, phase string) (Outcome, bool) {
	ctx, span := m.tracer.Start(ctx, "engine.phase."+phase)
	defer span.End()

	start := time.Now()
	logger := m.logger.With(
		zap.String("phase", phase),
		zap.String("thread_id", req.ThreadID))

	prompt := m.prompt(req, phase)
	if snap.NeedsReexecution {
		prompt = withFeedback(prompt, snap.Feedback)
	}

	logger.Info("phase started")
	result, err := m.executor.Execute(ctx, prompt, m.agentOptions(req, snap))
	if err != nil {
		return Failed(fmt.Errorf("agent execution in %s phase: %w", phase, err), snap), true
	}
	if result.SessionID != "" {
		snap.SessionID = result.SessionID
	}
	if snap.NeedsReexecution {
		snap.NeedsReexecution = false
		snap.Feedback = ""
	}

	if hasValidator(phase) {
		if out, failed := m.validateLoop(ctx, req, snap, phase); failed {
			return out, true
		}
	}

	snap.Phase(phase).Completed = true
	if m.gates.ShouldInterrupt(phase, req.Gates) {
		snap.WaitingNode = phase
		if err := m.checkpoints.Save(ctx, snap); err != nil {
			return Failed(fmt.Errorf("save checkpoint at %s gate: %w", phase, err), snap), true
		}
		logger.Info("suspended at approval gate")
		return Suspended(m.gates.NewInterrupt(phase, m.gateContext(req, phase)), snap), true
	}

	snap.WaitingNode = ""
	if err := m.checkpoints.Save(ctx, snap); err != nil {
		return Failed(fmt.Errorf("save checkpoint after %s phase: %w", phase, err), snap), true
	}

	PhasesCompleted.WithLabelValues(phase).Inc()
	PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	logger.Info("phase completed", zap.Duration("duration", time.Since(start)))
	return Outcome{}, false
}

func hasValidator(phase string) bool {
	switch phase {
	case PhaseAnalyze, PhaseRequirements, PhaseResearch, PhasePlan:
		return true
	default:
		return false
	}
}

func (m *Machine) validate(v *spec.Validator, phase string) spec.Result {
	switch phase {
	case PhaseAnalyze:
		return v.ValidateSpec(spec.StageAnalyze)
	case PhaseRequirements:
		return v.ValidateSpec(spec.StageRequirements)
	case PhaseResearch:
		return v.ValidateResearch()
	case PhasePlan:
		return v.ValidatePlanAndTasks()
	default:
		return spec.Result{}
	}
}

// validateLoop validates the phase's artifacts and drives agent repair until
// they pass or the retry budget is spent.
func (m *Machine) validateLoop(ctx context.Context, req *Request, snap *checkpoint.Snapshot, phase string) (Outcome, bool) {
	v := spec.NewValidator(req.SpecDir)
	prog := snap.Phase(phase)

	res := m.validate(v, phase)
	for !res.OK() {
		if prog.ValidationRetries >= m.cfg.MaxValidationRetries {
			msg := fmt.Sprintf("Validation failed after %d repair attempts for '%s': %s",
				m.cfg.MaxValidationRetries, res.Target, strings.Join(res.Errors, "; "))
			prog.ValidationTarget = res.Target
			prog.LastValidationErrors = res.Errors
			if err := m.checkpoints.Save(ctx, snap); err != nil {
				m.logger.Warn("checkpoint save failed on validation exhaustion", zap.Error(err))
			}
			return Failed(errors.New(msg), snap), true
		}

		prog.ValidationRetries++
		prog.ValidationTarget = res.Target
		prog.LastValidationErrors = res.Errors
		if err := m.checkpoints.Save(ctx, snap); err != nil {
			return Failed(fmt.Errorf("save checkpoint before repair: %w", err), snap), true
		}

		RepairAttempts.WithLabelValues(res.Target).Inc()
		m.logger.Info("artifact validation failed, repairing",
			zap.String("target", res.Target),
			zap.Int("attempt", prog.ValidationRetries),
			zap.Strings("errors", res.Errors))

		files := make(map[string]string, len(res.Files()))
		for _, name := range res.Files() {
			files[name] = v.ReadFile(name)
		}
		prompt := repair.Build(repair.Request{
			Target:      res.Target,
			Errors:      res.Errors,
			Files:       files,
			Attempt:     prog.ValidationRetries,
			MaxAttempts: m.cfg.MaxValidationRetries,
		})

		result, err := m.executor.Execute(ctx, prompt, m.agentOptions(req, snap))
		if err != nil {
			return Failed(fmt.Errorf("agent repair of %s: %w", res.Target, err), snap), true
		}
		if result.SessionID != "" {
			snap.SessionID = result.SessionID
		}

		res = m.validate(v, phase)
	}

	prog.ValidationRetries = 0
	prog.LastValidationErrors = nil
	prog.ValidationTarget = res.Target
	return Outcome{}, false
}

// gateContext collects the artifacts a reviewer needs at the gate.
func (m *Machine) gateContext(req *Request, phase string) map[string]any {
	v := spec.NewValidator(req.SpecDir)
	switch phase {
	case PhaseRequirements:
		return map[string]any{
			spec.SpecFile: v.ReadFile(spec.SpecFile),
		}
	case PhasePlan:
		return map[string]any{
			spec.PlanFile:  v.ReadFile(spec.PlanFile),
			spec.TasksFile: v.ReadFile(spec.TasksFile),
		}
	default:
		return nil
	}
}
