// Package orchestrator drives decision runs. Each trigger (a computed match,
// a batch window tick, a digest tick or a coalescing flush) becomes one Run:
// created RUNNING, its input snapshot captured through the tool registry,
// executed by the Pipeline state machine and finalized exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/ctxutil"
	"github.com/dida1024/infoSentry/internal/integrity"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/telemetry"
	"github.com/dida1024/infoSentry/internal/tools"
)

// DefaultRunTimeout bounds a run when Options.RunTimeout is unset.
const DefaultRunTimeout = 30 * time.Second

// lookback is how far back history and tick match queries reach.
const lookback = 24 * time.Hour

// Store persists run records.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) error
	RecordRunInput(ctx context.Context, id uuid.UUID, snapshot model.InputSnapshot, hash string) error
	FinalizeRun(ctx context.Context, id uuid.UUID, out model.RunOutcome) error
}

// PolicySource returns the policy new runs execute under.
type PolicySource interface {
	Current() model.Policy
}

// Options configures an Orchestrator.
type Options struct {
	RunTimeout time.Duration
}

// Orchestrator creates, executes and finalizes runs.
type Orchestrator struct {
	store    Store
	toolbox  *tools.Toolbox
	pipeline *Pipeline
	policy   PolicySource
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	runs    metric.Int64Counter
	latency metric.Float64Histogram
}

// New creates an orchestrator.
func New(store Store, toolbox *tools.Toolbox, pipeline *Pipeline, policy PolicySource, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	meter := telemetry.Meter("infosentry/orchestrator")
	runs, _ := meter.Int64Counter("infosentry.runs",
		metric.WithDescription("Finished runs by trigger and status"))
	latency, _ := meter.Float64Histogram("infosentry.run.latency",
		metric.WithDescription("Run latency from start to finalization"),
		metric.WithUnit("ms"))
	return &Orchestrator{
		store:    store,
		toolbox:  toolbox,
		pipeline: pipeline,
		policy:   policy,
		timeout:  opts.RunTimeout,
		logger:   logger,
		now:      time.Now,
		runs:     runs,
		latency:  latency,
	}
}

// loader captures a run's input snapshot through the registry. base already
// carries the trigger, policy, reasoner and start time.
type loader func(ctx context.Context, reg tools.Registry, base model.InputSnapshot) (model.InputSnapshot, error)

// RunMatch decides one computed match.
func (o *Orchestrator) RunMatch(ctx context.Context, c model.Candidate) (model.Run, error) {
	c.Trigger = model.TriggerMatchComputed
	return o.run(ctx, model.TriggerMatchComputed, c.GoalID, func(ctx context.Context, reg tools.Registry, in model.InputSnapshot) (model.InputSnapshot, error) {
		g, err := reg.GoalContext(ctx, c.GoalID)
		if err != nil {
			return in, err
		}
		if c.NeedsItem() {
			it, err := reg.Item(ctx, c.ItemID)
			if err != nil {
				return in, err
			}
			c = c.WithItem(it)
		}
		h, err := reg.History(ctx, c.GoalID, in.StartedAt.Add(-lookback))
		if err != nil {
			return in, err
		}
		b, err := reg.Budget(ctx)
		if err != nil {
			return in, err
		}
		in.Candidate, in.Goal, in.History, in.Budget = &c, &g, &h, &b
		return in, nil
	})
}

// RunBatchWindow emits BATCH decisions for goalID's undecided matches at the
// batch window windowTime ("HH:MM").
func (o *Orchestrator) RunBatchWindow(ctx context.Context, goalID, windowTime string) (model.Run, error) {
	return o.runTick(ctx, model.TriggerBatchWindowTick, goalID, windowTime)
}

// RunDigest emits DIGEST decisions for goalID's undecided matches.
func (o *Orchestrator) RunDigest(ctx context.Context, goalID string) (model.Run, error) {
	return o.runTick(ctx, model.TriggerDigestTick, goalID, "")
}

func (o *Orchestrator) runTick(ctx context.Context, trigger model.Trigger, goalID, windowTime string) (model.Run, error) {
	return o.run(ctx, trigger, goalID, func(ctx context.Context, reg tools.Registry, in model.InputSnapshot) (model.InputSnapshot, error) {
		g, err := reg.GoalContext(ctx, goalID)
		if err != nil {
			return in, err
		}
		q := model.MatchQuery{
			GoalID:       goalID,
			MinScore:     in.Policy.Thresholds.Batch,
			Since:        in.StartedAt.Add(-lookback),
			Limit:        2 * in.Policy.BatchMaxItems,
			ExcludeTiers: []model.Tier{model.TierImmediate, model.TierBatch},
		}
		if trigger == model.TriggerDigestTick {
			q.MinScore = in.Policy.Thresholds.DigestMin
			q.Limit = 2 * in.Policy.DigestMaxItems
			q.ExcludeTiers = append(q.ExcludeTiers, model.TierDigest)
		}
		matches, err := reg.PendingMatches(ctx, q)
		if err != nil {
			return in, err
		}
		b, err := reg.Budget(ctx)
		if err != nil {
			return in, err
		}
		in.Goal, in.Matches, in.Budget, in.WindowTime = &g, matches, &b, windowTime
		return in, nil
	})
}

// FlushCoalesced records a run that enqueues the delivery of a closed
// coalescing entry. It implements coalesce.Flusher.
func (o *Orchestrator) FlushCoalesced(ctx context.Context, flush model.CoalesceFlush) error {
	_, err := o.run(ctx, model.TriggerCoalesceFlush, flush.GoalID, func(_ context.Context, _ tools.Registry, in model.InputSnapshot) (model.InputSnapshot, error) {
		in.Flush = &flush
		return in, nil
	})
	return err
}

func (o *Orchestrator) run(ctx context.Context, trigger model.Trigger, goalID string, load loader) (model.Run, error) {
	start := o.now().UTC()
	run := model.Run{
		ID:           uuid.New(),
		Trigger:      trigger,
		Status:       model.RunStatusRunning,
		FinalActions: []model.Action{},
		CreatedAt:    start,
	}
	if goalID != "" {
		run.GoalID = &goalID
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return run, fmt.Errorf("orchestrator: create run: %w", err)
	}

	ctx, span := telemetry.Tracer("infosentry/orchestrator").Start(ctx, "run "+string(trigger))
	defer span.End()
	span.SetAttributes(attribute.String("run.id", run.ID.String()), attribute.String("run.trigger", string(trigger)), attribute.String("goal.id", goalID))

	runCtx, cancel := context.WithTimeout(ctxutil.WithRunID(ctx, run.ID), o.timeout)
	defer cancel()

	log := o.logger.With("run_id", run.ID, "trigger", trigger, "goal_id", goalID)
	log.Info("run started")

	reg := o.toolbox.ForRun(run.ID)
	m := NewMachine()
	ex, snapshot, err := o.execute(runCtx, reg, m, load, model.InputSnapshot{
		Trigger:   trigger,
		Policy:    o.policy.Current(),
		Reasoner:  o.toolbox.ReasonerName(),
		StartedAt: start,
	})

	status := model.RunStatusSuccess
	output := &model.OutputSnapshot{Outcomes: ex.Outcomes}
	if err != nil {
		m.Fail()
		status = model.RunStatusError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			status = model.RunStatusTimeout
		}
		output.Error = err.Error()
	} else if ex.Fallback {
		status = model.RunStatusFallback
	}
	output.Phases = m.Path()

	finished := o.now().UTC()
	outcome := model.RunOutcome{
		Status:     status,
		Output:     output,
		Actions:    reg.Actions(),
		LLMUsed:    ex.LLMUsed,
		LatencyMS:  finished.Sub(start).Milliseconds(),
		FinishedAt: finished,
	}
	if ex.Model != "" {
		outcome.ModelName = &ex.Model
	}
	if err != nil {
		msg := err.Error()
		outcome.ErrorMessage = &msg
	}
	// The run must be finalized even when its own deadline has passed.
	if ferr := o.store.FinalizeRun(context.WithoutCancel(ctx), run.ID, outcome); ferr != nil {
		log.Error("run finalize failed", "error", ferr)
		err = errors.Join(err, fmt.Errorf("orchestrator: finalize run: %w", ferr))
	}

	run.Status = outcome.Status
	run.InputSnapshot = snapshot
	run.OutputSnapshot = outcome.Output
	run.FinalActions = outcome.Actions
	run.LLMUsed = outcome.LLMUsed
	run.ModelName = outcome.ModelName
	run.LatencyMS = &outcome.LatencyMS
	run.ErrorMessage = outcome.ErrorMessage
	run.FinishedAt = &finished

	attrs := metric.WithAttributes(attribute.String("trigger", string(trigger)), attribute.String("status", string(status)))
	if o.runs != nil {
		o.runs.Add(ctx, 1, attrs)
	}
	if o.latency != nil {
		o.latency.Record(ctx, float64(outcome.LatencyMS), attrs)
	}
	span.SetAttributes(attribute.String("run.status", string(status)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("run finished", "status", status, "latency_ms", outcome.LatencyMS, "error", err)
		return run, fmt.Errorf("orchestrator: run %s: %w", run.ID, err)
	}
	log.Info("run finished", "status", status, "latency_ms", outcome.LatencyMS,
		"actions", len(outcome.Actions), "llm_used", outcome.LLMUsed)
	return run, nil
}

// execute loads the context (INIT -> CONTEXT_LOADED), stores the input
// snapshot with its hash and runs the pipeline.
func (o *Orchestrator) execute(ctx context.Context, reg tools.Registry, m *Machine, load loader, base model.InputSnapshot) (Execution, *model.InputSnapshot, error) {
	in, err := load(ctx, reg, base)
	if err != nil {
		return Execution{}, nil, fmt.Errorf("load context: %w", err)
	}
	hash, err := integrity.SnapshotHash(in)
	if err != nil {
		return Execution{}, nil, err
	}
	if err := o.store.RecordRunInput(ctx, reg.RunID(), in, hash); err != nil {
		return Execution{}, &in, fmt.Errorf("record input snapshot: %w", err)
	}
	if err := m.Advance(PhaseContextLoaded); err != nil {
		return Execution{}, &in, err
	}
	ex, err := o.pipeline.Execute(ctx, reg, in, m)
	return ex, &in, err
}
