// Package replay re-executes a finished run from its stored input snapshot and
// ToolCall log, and diffs the actions it would take against the run's action
// ledger. Replay never reaches external state.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/integrity"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/orchestrator"
	"github.com/dida1024/infoSentry/internal/telemetry"
	"github.com/dida1024/infoSentry/internal/tools"
)

// Policy sources accepted by Replay.
const (
	PolicySnapshot = "snapshot"
	PolicyCurrent  = "current"
)

// Diff entry types.
const (
	DiffCountMismatch    = "count_mismatch"
	DiffDecisionMismatch = "decision_mismatch"
)

var (
	// ErrNoSnapshot is returned for runs that failed before their context
	// was loaded.
	ErrNoSnapshot = errors.New("replay: run has no input snapshot")
	// ErrRunInProgress is returned for runs that are still RUNNING.
	ErrRunInProgress = errors.New("replay: run has not finished")
	// ErrSnapshotMismatch is returned when the stored snapshot no longer
	// matches its recorded hash.
	ErrSnapshotMismatch = errors.New("replay: input snapshot does not match its hash")
	// ErrInvalidPolicySource is returned for an unknown policy source.
	ErrInvalidPolicySource = errors.New("replay: invalid policy source")
)

// Store loads a run with its audit children.
type Store interface {
	GetRunDetail(ctx context.Context, id uuid.UUID) (model.RunDetail, error)
}

// Engine replays runs.
type Engine struct {
	store    Store
	pipeline *orchestrator.Pipeline
	policy   orchestrator.PolicySource
	logger   *slog.Logger

	replays metric.Int64Counter
}

// New creates a replay engine. policy supplies the live policy for
// PolicyCurrent replays.
func New(store Store, pipeline *orchestrator.Pipeline, policy orchestrator.PolicySource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	replays, _ := telemetry.Meter("infosentry/replay").Int64Counter("infosentry.replays",
		metric.WithDescription("Replays by policy source and whether they diverged"))
	return &Engine{store: store, pipeline: pipeline, policy: policy, logger: logger, replays: replays}
}

// Replay re-executes run runID. policySource is PolicySnapshot (the default
// when empty) to reproduce the run under its own policy, or PolicyCurrent to
// audit what the live policy would have done with the same inputs.
//
// A pipeline failure during replay is reported in ReplayResult.Error, not as
// an error: replaying a failed run reproduces its failure.
func (e *Engine) Replay(ctx context.Context, runID uuid.UUID, policySource string) (model.ReplayResult, error) {
	switch policySource {
	case "":
		policySource = PolicySnapshot
	case PolicySnapshot, PolicyCurrent:
	default:
		return model.ReplayResult{}, fmt.Errorf("%w: %q", ErrInvalidPolicySource, policySource)
	}

	ctx, span := telemetry.Tracer("infosentry/replay").Start(ctx, "replay")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID.String()), attribute.String("policy_source", policySource))

	detail, err := e.store.GetRunDetail(ctx, runID)
	if err != nil {
		return model.ReplayResult{}, fmt.Errorf("replay: load run %s: %w", runID, err)
	}
	run := detail.Run
	if run.Status == model.RunStatusRunning {
		return model.ReplayResult{}, ErrRunInProgress
	}
	if run.InputSnapshot == nil {
		return model.ReplayResult{}, ErrNoSnapshot
	}
	if err := verify(run); err != nil {
		return model.ReplayResult{}, err
	}

	in := *run.InputSnapshot
	if policySource == PolicyCurrent {
		in.Policy = e.policy.Current()
	}

	original := make([]model.Action, 0, len(detail.Ledger))
	for _, le := range detail.Ledger {
		original = append(original, le.Payload)
	}

	reg := tools.NewReplay(run.ID, in, detail.ToolCalls, in.Policy.Budget)
	m := orchestrator.At(orchestrator.PhaseContextLoaded)
	_, execErr := e.pipeline.Execute(ctx, reg, in, m)

	replayed := reg.Actions()
	if replayed == nil {
		replayed = []model.Action{}
	}
	res := model.ReplayResult{
		RunID:              run.ID,
		OriginalStatus:     run.Status,
		OriginalActions:    original,
		ReplayedActions:    replayed,
		Diff:               Diff(original, replayed),
		ToolCallsCount:     len(detail.ToolCalls),
		LedgerEntriesCount: len(detail.Ledger),
		PolicySource:       policySource,
	}
	if execErr != nil {
		res.Error = execErr.Error()
	}

	if e.replays != nil {
		e.replays.Add(ctx, 1, metric.WithAttributes(
			attribute.String("policy_source", policySource),
			attribute.Bool("diverged", len(res.Diff) > 0)))
	}
	e.logger.Info("run replayed", "run_id", run.ID, "policy_source", policySource,
		"original_actions", len(original), "replayed_actions", len(replayed),
		"diff", len(res.Diff), "error", res.Error)
	return res, nil
}

// verify checks the stored snapshot against the hash recorded with it.
func verify(run model.Run) error {
	if run.InputHash == "" {
		return nil
	}
	raw, err := json.Marshal(run.InputSnapshot)
	if err != nil {
		return fmt.Errorf("replay: encode snapshot: %w", err)
	}
	if !integrity.VerifySnapshotHash(run.InputHash, raw) {
		return ErrSnapshotMismatch
	}
	return nil
}

// Diff compares two action lists position by position. A length difference
// yields one count_mismatch entry; each shared index whose action type or
// decision tier differs yields a decision_mismatch entry.
func Diff(original, replayed []model.Action) []model.DiffEntry {
	diff := []model.DiffEntry{}
	if len(original) != len(replayed) {
		o, r := len(original), len(replayed)
		diff = append(diff, model.DiffEntry{Type: DiffCountMismatch, OriginalCount: &o, ReplayedCount: &r})
	}
	for i := range min(len(original), len(replayed)) {
		a, b := original[i], replayed[i]
		if a.Type == b.Type && a.Decision == b.Decision {
			continue
		}
		idx := i
		diff = append(diff, model.DiffEntry{
			Type:         DiffDecisionMismatch,
			Index:        &idx,
			Original:     a.Type,
			Replayed:     b.Type,
			OriginalTier: a.Decision,
			ReplayedTier: b.Decision,
		})
	}
	return diff
}
