// Package orchestrator drives the audit phase graph for one task:
// init → recon → analysis ↔ verification → report → done, with an
// error terminal. It is the single writer of AuditState; sub-agents
// hand back diffs which it applies between phases.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/argus-audit/argus/pkg/agent"
	"github.com/argus-audit/argus/pkg/checkpoint"
	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/events"
	"github.com/argus-audit/argus/pkg/findings"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
	"github.com/argus-audit/argus/pkg/tool"
)

// Error kinds reported on the task-error event.
const (
	ErrKindValidation = "ValidationError"
	ErrKindAgent      = "ToolError"
	ErrKindTimeout    = "Timeout"
	ErrKindCancelled  = "Cancelled"
	ErrKindCheckpoint = "CheckpointError"
)

// PhaseError is an orchestrator-fatal phase failure carrying the error
// kind for the task-error event.
type PhaseError struct {
	Phase string
	Kind  string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// phaseTools lists which registry tools each phase may call. Names not
// present in the registry are silently absent from the offered specs.
var phaseTools = map[string][]string{
	models.PhaseRecon: {
		"list_files", "read_file", "search_code",
	},
	models.PhaseAnalysis: {
		"list_files", "read_file", "search_code",
		"pattern_match", "dataflow_analysis",
		"semgrep_scan", "bandit_scan", "gitleaks_scan",
		"osv_scanner", "npm_audit", "safety_check", "kunlun_scan",
		"think", "chat",
	},
	models.PhaseVerification: {
		"read_file", "search_code", "dataflow_analysis",
		"sandbox_execute", "validate_vulnerability", "reflect",
	},
}

// Orchestrator executes the phase graph for one task. One instance per
// task execution; not reusable.
type Orchestrator struct {
	cfg         config.Config
	pool        agent.Completer
	provider    string
	registry    *tool.Registry
	executor    *tool.Executor
	publisher   *events.Publisher
	checkpoints *checkpoint.Manager
	findings    store.FindingStore
	clock       store.Clock
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Config      config.Config
	Pool        agent.Completer
	Provider    string
	Registry    *tool.Registry
	Executor    *tool.Executor
	Publisher   *events.Publisher
	Checkpoints *checkpoint.Manager
	Findings    store.FindingStore
	Clock       store.Clock
}

// New builds an orchestrator for one task execution.
func New(opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = store.SystemClock{}
	}
	provider := opts.Provider
	if provider == "" {
		provider = opts.Config.LLM.DefaultProvider
	}
	return &Orchestrator{
		cfg:         opts.Config,
		pool:        opts.Pool,
		provider:    provider,
		registry:    opts.Registry,
		executor:    opts.Executor,
		publisher:   opts.Publisher,
		checkpoints: opts.Checkpoints,
		findings:    opts.Findings,
		clock:       clock,
	}
}

// Outcome is the terminal result of a task execution.
type Outcome struct {
	State         *models.AuditState
	OverallScore  float64
	SecurityScore float64
	Counts        models.SeverityCounts
	Warnings      []string
}

// Run executes the full phase graph. A non-nil error means the task
// ended at the error terminal; the task-error event has already been
// emitted. context.Canceled is returned unwrapped for cancellation.
func (o *Orchestrator) Run(ctx context.Context, task *models.Task) (*Outcome, error) {
	o.publisher.TaskStart(task.RepoPath)

	state, resumed, err := o.initPhase(ctx, task)
	if err != nil {
		return nil, o.fail(state, ErrKindValidation, err)
	}
	out := &Outcome{State: state}

	if !resumedPast(resumed, state, models.PhaseRecon) {
		if err := o.reconPhase(ctx, state, out); err != nil {
			return nil, o.terminate(ctx, state, err)
		}
	}

	if !resumedPast(resumed, state, models.PhaseVerification) {
		if err := o.analysisVerificationLoop(ctx, state, out); err != nil {
			return nil, o.terminate(ctx, state, err)
		}
	}

	if err := o.reportPhase(ctx, state, out); err != nil {
		return nil, o.terminate(ctx, state, err)
	}

	state.Phase = models.PhaseDone
	return out, nil
}

// terminate routes a phase failure to the error terminal: manual
// checkpoint for later inspection, task-error event, error return.
func (o *Orchestrator) terminate(ctx context.Context, state *models.AuditState, err error) error {
	if errors.Is(err, context.Canceled) {
		o.saveManualCheckpoint(ctx, state)
		o.publisher.TaskError(ErrKindCancelled, "task cancelled")
		state.Phase = models.PhaseError
		return context.Canceled
	}

	kind := ErrKindAgent
	var perr *PhaseError
	if errors.As(err, &perr) {
		kind = perr.Kind
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	}
	return o.fail(state, kind, err)
}

func (o *Orchestrator) fail(state *models.AuditState, kind string, err error) error {
	o.publisher.TaskError(kind, err.Error())
	if state != nil {
		state.Phase = models.PhaseError
		state.LastError = err.Error()
	}
	return err
}

// initPhase restores the latest checkpoint when one exists, otherwise
// builds a fresh AuditState. A corrupt checkpoint is discarded with a
// warning and the audit restarts from scratch.
func (o *Orchestrator) initPhase(ctx context.Context, task *models.Task) (*models.AuditState, bool, error) {
	start := o.clock.Now()
	o.publisher.PhaseStart(models.PhaseInit)

	if task.RepoPath == "" {
		return nil, false, fmt.Errorf("task %s has no repository path", task.ID)
	}

	// A restored state keeps its recorded phase so completed phases are
	// skipped; a fresh state starts at init.
	state, resumed := o.restoreOrFresh(ctx, task)

	o.publisher.PhaseComplete(models.PhaseInit, o.clock.Now().Sub(start).Milliseconds(),
		map[string]any{"resumed": resumed})
	return state, resumed, nil
}

func (o *Orchestrator) restoreOrFresh(ctx context.Context, task *models.Task) (*models.AuditState, bool) {
	fresh := func() *models.AuditState {
		return &models.AuditState{
			TaskID:        task.ID,
			ProjectRoot:   task.RepoPath,
			Phase:         models.PhaseInit,
			MaxIterations: o.cfg.Agent.Orchestrator.MaxIterations,
		}
	}
	if o.checkpoints == nil {
		return fresh(), false
	}

	snap, cp, err := o.checkpoints.Restore(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fresh(), false
	case err != nil:
		slog.Warn("Checkpoint unusable, restarting from scratch",
			"task_id", task.ID, "error", err)
		return fresh(), false
	}

	state := snap.State
	state.TaskID = task.ID
	state.ProjectRoot = task.RepoPath
	rebuildFindingBuckets(&state, snap.Findings)
	slog.Info("Resuming from checkpoint",
		"task_id", task.ID, "index", cp.Index, "phase", state.Phase,
		"findings", len(snap.Findings))
	return &state, true
}

// rebuildFindingBuckets re-sorts the checkpoint's flat finding list into
// the state's verification buckets.
func rebuildFindingBuckets(state *models.AuditState, all []models.Finding) {
	state.OpenFindings = state.OpenFindings[:0]
	state.VerifiedFindings = state.VerifiedFindings[:0]
	state.FalsePositives = state.FalsePositives[:0]
	seen := make(map[string]bool, len(all))
	for _, f := range all {
		if f.Fingerprint != "" && seen[f.Fingerprint] {
			continue
		}
		seen[f.Fingerprint] = true
		switch f.Verification {
		case models.VerificationConfirmed:
			state.VerifiedFindings = append(state.VerifiedFindings, f)
		case models.VerificationRejected:
			state.FalsePositives = append(state.FalsePositives, f)
		default:
			state.OpenFindings = append(state.OpenFindings, f)
		}
	}
}

// resumedPast reports whether a restored state already finished the
// given phase, so the orchestrator can skip it.
func resumedPast(resumed bool, state *models.AuditState, phase string) bool {
	if !resumed {
		return false
	}
	rank := map[string]int{
		models.PhaseInit: 0, models.PhaseRecon: 1, models.PhaseAnalysis: 2,
		models.PhaseVerification: 3, models.PhaseReport: 4, models.PhaseDone: 5,
	}
	return rank[state.Phase] > rank[phase]
}

func (o *Orchestrator) reconPhase(ctx context.Context, state *models.AuditState, out *Outcome) error {
	res, err := o.runAgentPhase(ctx, state, models.PhaseRecon)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if o.cfg.Fallback.ContinueOnPartialResults {
		// Empty-but-valid recon defaults keep the audit moving; analysis
		// simply starts without a map of the codebase.
		slog.Warn("Recon failed, continuing with empty defaults",
			"task_id", state.TaskID, "error", err)
		out.Warnings = append(out.Warnings, fmt.Sprintf("recon degraded: %v", err))
		if res != nil && res.Diff != nil {
			o.applyDiff(state, res.Diff)
		}
		if state.TechStack == nil {
			state.TechStack = map[string]float64{}
		}
		return nil
	}
	return err
}

// analysisVerificationLoop runs the bounded analysis ↔ verification
// loop. Verification is the only writer of ShouldContinueAnalysis.
func (o *Orchestrator) analysisVerificationLoop(ctx context.Context, state *models.AuditState, out *Outcome) error {
	maxRounds := o.cfg.Agent.Orchestrator.MaxIterations
	if maxRounds <= 0 {
		maxRounds = 1
	}

	for round := 1; round <= maxRounds; round++ {
		// A state restored mid-verification re-runs verification only.
		if state.Phase != models.PhaseVerification {
			if err := o.runPartialTolerant(ctx, state, models.PhaseAnalysis, out); err != nil {
				return err
			}
		}
		state.Phase = models.PhaseVerification

		if len(state.OpenFindings) == 0 {
			slog.Info("No open findings, skipping verification",
				"task_id", state.TaskID, "round", round)
			state.ShouldContinueAnalysis = false
			break
		}
		if err := o.runPartialTolerant(ctx, state, models.PhaseVerification, out); err != nil {
			return err
		}

		if !state.ShouldContinueAnalysis {
			break
		}
		slog.Info("Verification requested another analysis pass",
			"task_id", state.TaskID, "round", round, "max_rounds", maxRounds)
		state.Phase = models.PhaseAnalysis
	}
	return nil
}

// runPartialTolerant applies the partial-failure policy: a failed phase
// that still produced findings counts as success-with-warnings when
// continue_on_partial_results is set.
func (o *Orchestrator) runPartialTolerant(ctx context.Context, state *models.AuditState, phase string, out *Outcome) error {
	res, err := o.runAgentPhase(ctx, state, phase)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if o.cfg.Fallback.ContinueOnPartialResults && res != nil && res.Diff != nil && len(res.Diff.NewFindings) > 0 {
		slog.Warn("Phase failed with partial results, continuing",
			"task_id", state.TaskID, "phase", phase,
			"findings", len(res.Diff.NewFindings), "error", err)
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s degraded: %v", phase, err))
		o.applyDiff(state, res.Diff)
		return nil
	}
	return err
}

// runAgentPhase dispatches one sub-agent, applies its diff, emits the
// phase events, and checkpoints the boundary. The returned result is
// non-nil even on failure so callers can salvage partial diffs.
func (o *Orchestrator) runAgentPhase(ctx context.Context, state *models.AuditState, phase string) (*agent.ExecutionResult, error) {
	start := o.clock.Now()
	state.Phase = phase
	o.publisher.PhaseStart(phase)

	res := agent.Run(ctx, &agent.ExecutionContext{
		TaskID:      state.TaskID,
		Phase:       phase,
		State:       state,
		Budget:      o.cfg.Agent.ForPhase(phase),
		Resource:    o.cfg.Resource,
		Fallback:    o.cfg.Fallback,
		Pool:        o.pool,
		Provider:    o.provider,
		Registry:    o.registry,
		Executor:    o.executor,
		ToolNames:   phaseTools[phase],
		Publisher:   o.publisher,
		Checkpoints: o.checkpoints,
	})
	durationMS := o.clock.Now().Sub(start).Milliseconds()

	switch res.Status {
	case agent.StatusCancelled:
		o.publisher.PhaseComplete(phase, durationMS, map[string]any{"outcome": "cancelled"})
		return res, context.Canceled
	case agent.StatusFailed:
		o.publisher.PhaseComplete(phase, durationMS, map[string]any{
			"outcome": "failed", "error": res.Err.Error(),
		})
		return res, &PhaseError{Phase: phase, Kind: o.classify(res.Err), Err: res.Err}
	}

	o.applyDiff(state, res.Diff)
	o.publisher.PhaseComplete(phase, durationMS, map[string]any{
		"outcome":  "success",
		"findings": len(res.Diff.NewFindings),
		"tokens":   res.Diff.TokensUsed.TotalTokens,
	})
	o.savePhaseCheckpoint(ctx, state)
	return res, nil
}

func (o *Orchestrator) classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindAgent
}

// applyDiff merges duplicate findings against the state's open set
// before applying the rest of the diff, enforcing the total cap.
func (o *Orchestrator) applyDiff(state *models.AuditState, diff *models.StateDiff) {
	if diff == nil {
		return
	}
	if len(diff.NewFindings) > 0 {
		byFp := make(map[string]int, len(state.OpenFindings))
		for i, f := range state.OpenFindings {
			byFp[f.Fingerprint] = i
		}

		fresh := diff.NewFindings[:0]
		for _, f := range diff.NewFindings {
			if f.Fingerprint == "" {
				findings.Stamp(&f)
			}
			if idx, ok := byFp[f.Fingerprint]; ok {
				merged := findings.Merge(&state.OpenFindings[idx], &f)
				state.OpenFindings[idx] = merged
				o.publisher.FindingUpdated(&merged)
				continue
			}
			if max := o.cfg.Resource.MaxTotalFindings; max > 0 && state.TotalFindings()+len(fresh) >= max {
				slog.Warn("Total finding cap reached, dropping finding",
					"task_id", state.TaskID, "cap", max, "fingerprint", f.Fingerprint)
				continue
			}
			fresh = append(fresh, f)
		}
		diff.NewFindings = fresh
	}

	state.Apply(diff)
	state.TrimMessages(o.cfg.Resource.MaxContextMessages)
}

func (o *Orchestrator) savePhaseCheckpoint(ctx context.Context, state *models.AuditState) {
	if o.checkpoints == nil {
		return
	}
	cp, err := o.checkpoints.SavePhaseBoundary(ctx, snapshotOf(state))
	if err != nil {
		// Best-effort checkpointing: the audit continues without it.
		slog.Warn("Phase-boundary checkpoint failed",
			"task_id", state.TaskID, "phase", state.Phase, "error", err)
		return
	}
	if cp != nil {
		o.publisher.Checkpoint(int64(cp.Index), cp.Trigger)
	}
}

func (o *Orchestrator) saveManualCheckpoint(ctx context.Context, state *models.AuditState) {
	if o.checkpoints == nil || state == nil {
		return
	}
	if _, err := o.checkpoints.SaveManual(ctx, snapshotOf(state)); err != nil {
		slog.Warn("Cancellation checkpoint failed",
			"task_id", state.TaskID, "error", err)
	}
}

func snapshotOf(state *models.AuditState) *checkpoint.Snapshot {
	all := make([]models.Finding, 0, state.TotalFindings())
	all = append(all, state.OpenFindings...)
	all = append(all, state.VerifiedFindings...)
	all = append(all, state.FalsePositives...)
	return &checkpoint.Snapshot{State: *state, Findings: all}
}

// reportPhase is a pure function over AuditState plus persistence: no
// LLM involvement.
func (o *Orchestrator) reportPhase(ctx context.Context, state *models.AuditState, out *Outcome) error {
	start := o.clock.Now()
	state.Phase = models.PhaseReport
	o.publisher.PhaseStart(models.PhaseReport)

	out.SecurityScore = findings.SecurityScore(state.VerifiedFindings)
	out.OverallScore = findings.OverallScore(state.VerifiedFindings, state.OpenFindings)
	out.Counts = findings.CountBySeverity(append(
		append([]models.Finding(nil), state.VerifiedFindings...),
		state.OpenFindings...))
	state.SecurityScore = out.SecurityScore
	state.Summary = buildSummary(state, out)

	if err := o.persistFindings(ctx, state); err != nil {
		return &PhaseError{Phase: models.PhaseReport, Kind: ErrKindCheckpoint,
			Err: fmt.Errorf("failed to persist findings: %w", err)}
	}

	durationMS := o.clock.Now().Sub(start).Milliseconds()
	o.publisher.PhaseComplete(models.PhaseReport, durationMS, map[string]any{
		"outcome":        "success",
		"security_score": out.SecurityScore,
		"overall_score":  out.OverallScore,
	})
	o.savePhaseCheckpoint(ctx, state)
	o.publisher.TaskComplete(out.OverallScore, out.SecurityScore, out.Counts)
	return nil
}

func (o *Orchestrator) persistFindings(ctx context.Context, state *models.AuditState) error {
	if o.findings == nil {
		return nil
	}
	now := o.clock.Now()
	persist := func(list []models.Finding) error {
		for i := range list {
			f := list[i]
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			f.UpdatedAt = now
			if _, _, err := o.findings.UpsertByFingerprint(ctx, &f); err != nil {
				return err
			}
		}
		return nil
	}
	if err := persist(state.VerifiedFindings); err != nil {
		return err
	}
	if err := persist(state.OpenFindings); err != nil {
		return err
	}
	return persist(state.FalsePositives)
}

func buildSummary(state *models.AuditState, out *Outcome) string {
	return fmt.Sprintf(
		"audit of %s: %d verified, %d unverified, %d rejected findings; security score %.0f, overall %.0f",
		state.ProjectRoot,
		len(state.VerifiedFindings), len(state.OpenFindings), len(state.FalsePositives),
		out.SecurityScore, out.OverallScore)
}
