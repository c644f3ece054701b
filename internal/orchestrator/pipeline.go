package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/bucket"
	"github.com/dida1024/infoSentry/internal/coalesce"
	"github.com/dida1024/infoSentry/internal/emitter"
	"github.com/dida1024/infoSentry/internal/gate"
	"github.com/dida1024/infoSentry/internal/judge"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/scheduler"
	"github.com/dida1024/infoSentry/internal/telemetry"
	"github.com/dida1024/infoSentry/internal/tools"
)

// Execution is what a pipeline pass produced.
type Execution struct {
	Outcomes []model.CandidateOutcome
	Fallback bool
	LLMUsed  bool
	Model    string
}

// Pipeline runs the decision steps from CONTEXT_LOADED onward. It reads only
// the input snapshot and reaches external state only through the registry,
// so live runs and replays execute the same code.
type Pipeline struct {
	judge  *judge.Judge
	logger *slog.Logger

	decisions metric.Int64Counter
}

// NewPipeline creates a pipeline that resolves boundary candidates with j.
func NewPipeline(j *judge.Judge, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	decisions, _ := telemetry.Meter("infosentry/orchestrator").Int64Counter("infosentry.decisions",
		metric.WithDescription("Decisions emitted by tier"))
	return &Pipeline{judge: j, logger: logger, decisions: decisions}
}

// Execute runs the pipeline for in, advancing m. m must be at CONTEXT_LOADED.
// On error m is left where the failure happened; the caller marks it FAILED.
func (p *Pipeline) Execute(ctx context.Context, reg tools.Registry, in model.InputSnapshot, m *Machine) (Execution, error) {
	var ex Execution
	if m.Phase() != PhaseContextLoaded {
		return ex, fmt.Errorf("orchestrator: pipeline must start at %s, not %s", PhaseContextLoaded, m.Phase())
	}
	if in.Trigger == model.TriggerCoalesceFlush {
		return ex, p.flush(ctx, reg, in, m)
	}
	if in.Goal == nil {
		return ex, fmt.Errorf("orchestrator: %s run has no goal context", in.Trigger)
	}
	cls, err := bucket.New(in.Policy.Thresholds)
	if err != nil {
		return ex, fmt.Errorf("orchestrator: %w", err)
	}

	switch in.Trigger {
	case model.TriggerMatchComputed:
		if in.Candidate == nil {
			return ex, fmt.Errorf("orchestrator: MatchComputed run has no candidate")
		}
		if err := m.Advance(PhaseGated); err != nil {
			return ex, err
		}
		out, err := p.decide(ctx, reg, in, cls, *in.Candidate, m, &ex)
		ex.Outcomes = append(ex.Outcomes, out)
		if err != nil {
			return ex, err
		}
	case model.TriggerBatchWindowTick, model.TriggerDigestTick:
		if err := p.tick(ctx, reg, in, m, &ex); err != nil {
			return ex, err
		}
	default:
		return ex, fmt.Errorf("orchestrator: unknown trigger %q", in.Trigger)
	}
	return ex, m.Advance(PhaseDone)
}

// decide takes one event candidate from GATED to EMITTED.
func (p *Pipeline) decide(ctx context.Context, reg tools.Registry, in model.InputSnapshot, cls bucket.Classifier, c model.Candidate, m *Machine, ex *Execution) (model.CandidateOutcome, error) {
	g := *in.Goal
	pol := in.Policy
	out := model.CandidateOutcome{GoalID: c.GoalID, ItemID: c.ItemID}

	gr := gate.Evaluate(c, g)
	if gr.Blocked {
		out.Blocked = gr.Reason
		if err := m.Advance(PhaseEmitted); err != nil {
			return out, err
		}
		return p.emit(ctx, reg, out, emitter.Request{
			GoalID:    c.GoalID,
			ItemID:    c.ItemID,
			Tier:      model.TierIgnore,
			Reason:    blockedReason(c, gr),
			Channel:   pol.Channel,
			DecidedAt: in.StartedAt,
		})
	}

	if err := m.Advance(PhaseBucketed); err != nil {
		return out, err
	}
	tier := cls.Classify(c.MatchScore)
	out.Bucket = tier
	trace := &model.ScoreTrace{MatchScore: c.MatchScore, Bucket: tier, Thresholds: cls.Thresholds()}
	evidence := append(gr.Evidence(c), scoreEvidence(c))
	summary := scoreSummary(tier, c.MatchScore, cls.Thresholds())

	if tier == model.TierBoundary {
		if err := m.Advance(PhaseJudged); err != nil {
			return out, err
		}
		jr := p.judge.Judge(ctx, reg, judge.Input{
			Candidate:  c,
			Goal:       g,
			Enabled:    pol.JudgmentEnabled,
			PricePer1K: pol.Budget.JudgePricePer1K,
		})
		tier = jr.Label
		trace.Judgment = jr.Trace()
		trace.FallbackReason = jr.FallbackReason
		out.Fallback = jr.Fallback
		out.FallbackReason = jr.FallbackReason
		ex.Fallback = ex.Fallback || jr.Fallback
		if jr.LLMUsed {
			ex.LLMUsed = true
			if jr.Model != "" {
				ex.Model = jr.Model
			}
		}
		evidence = append(evidence, jr.Evidence...)
		summary = judgeSummary(jr)
		if jr.Uncertain || jr.Fallback {
			if err := reg.SuggestTuning(ctx, tuningAction(c, cls.Thresholds(), jr)); err != nil {
				return out, err
			}
		}
	}

	var slot *tools.Slot
	if tier == model.TierImmediate && pol.DeliveryEnabled {
		if err := m.Advance(PhaseCoalesced); err != nil {
			return out, err
		}
		s, err := reg.CoalesceOffer(ctx, c.GoalID, c.ItemID, coalesce.Limits{Window: pol.CoalesceWindow, MaxItems: pol.CoalesceMaxItems})
		if err != nil {
			return out, err
		}
		slot = s
		out.Coalesced = true
		out.FlushedNow = s.FlushedNow
	}

	if err := m.Advance(PhaseEmitted); err != nil {
		if slot != nil {
			_, _ = reg.CoalesceAbandon(context.WithoutCancel(ctx), slot)
		}
		return out, err
	}
	req := emitter.Request{
		GoalID:    c.GoalID,
		ItemID:    c.ItemID,
		Tier:      tier,
		Channel:   pol.Channel,
		DecidedAt: in.StartedAt,
		Deliver:   pol.DeliveryEnabled && slot == nil,
		Reason: model.Reason{
			Summary:       summary,
			Evidence:      evidence,
			ScoreTrace:    trace,
			MatchFeatures: c.Features,
			MatchReasons:  c.MatchReasons,
		},
	}
	if slot != nil {
		req.CoalesceBucket = slot.BucketStart
	}
	if tier == model.TierBatch {
		// An event-driven BATCH decision waits for the goal's next window.
		if next, ok := scheduler.NextOccurrence(g.BatchWindows, in.StartedAt); ok {
			req.NotBefore = next
		}
	}
	out, err := p.emit(ctx, reg, out, req)
	if slot != nil {
		err = p.resolveSlot(ctx, reg, in, slot, out, err)
	}
	return out, err
}

// resolveSlot commits the slot when this run created the decision and
// abandons it otherwise. A flush released by the resolution is enqueued by
// this run.
func (p *Pipeline) resolveSlot(ctx context.Context, reg tools.Registry, in model.InputSnapshot, slot *tools.Slot, out model.CandidateOutcome, emitErr error) error {
	var (
		flush *model.CoalesceFlush
		err   error
	)
	if emitErr == nil && !out.Deduplicated && out.DecisionID != nil {
		flush, err = reg.CoalesceCommit(ctx, slot, *out.DecisionID)
	} else {
		flush, err = reg.CoalesceAbandon(context.WithoutCancel(ctx), slot)
	}
	if flush != nil {
		enqCtx := ctx
		if emitErr != nil || err != nil {
			enqCtx = context.WithoutCancel(ctx)
		}
		if qerr := enqueueFlush(enqCtx, reg, in, *flush); qerr != nil {
			err = errors.Join(err, qerr)
		}
	}
	return errors.Join(emitErr, err)
}

// tick emits BATCH or DIGEST decisions for the stored matches in the snapshot.
func (p *Pipeline) tick(ctx context.Context, reg tools.Registry, in model.InputSnapshot, m *Machine, ex *Execution) error {
	pol := in.Policy
	tier, minScore, limit := model.TierBatch, pol.Thresholds.Batch, pol.BatchMaxItems
	if in.Trigger == model.TriggerDigestTick {
		tier, minScore, limit = model.TierDigest, pol.Thresholds.DigestMin, pol.DigestMaxItems
	}

	emitted := 0
	for _, c := range in.Matches {
		if emitted >= limit {
			break
		}
		if err := m.Advance(PhaseGated); err != nil {
			return err
		}
		out := model.CandidateOutcome{GoalID: c.GoalID, ItemID: c.ItemID}
		req := emitter.Request{
			GoalID:    c.GoalID,
			ItemID:    c.ItemID,
			Channel:   pol.Channel,
			DecidedAt: in.StartedAt,
			NotBefore: in.StartedAt,
		}
		gr := gate.Evaluate(c, *in.Goal)
		if gr.Blocked {
			out.Blocked = gr.Reason
			req.Tier = model.TierIgnore
			req.Reason = blockedReason(c, gr)
		} else {
			if err := m.Advance(PhaseBucketed); err != nil {
				return err
			}
			req.Tier = bucket.ClassifyTick(c.MatchScore, minScore, tier)
			out.Bucket = req.Tier
			req.Deliver = pol.DeliveryEnabled
			req.Reason = model.Reason{
				Summary:  tickSummary(req.Tier, in.Trigger, in.WindowTime, c.MatchScore, minScore),
				Evidence: append(gr.Evidence(c), scoreEvidence(c)),
				ScoreTrace: &model.ScoreTrace{
					MatchScore: c.MatchScore,
					Bucket:     req.Tier,
					Thresholds: pol.Thresholds,
				},
				MatchFeatures: c.Features,
				MatchReasons:  c.MatchReasons,
				WindowTime:    in.WindowTime,
			}
		}
		if err := m.Advance(PhaseEmitted); err != nil {
			return err
		}
		out, err := p.emit(ctx, reg, out, req)
		ex.Outcomes = append(ex.Outcomes, out)
		if err != nil {
			return err
		}
		if out.Tier == tier && !out.Deduplicated {
			emitted++
		}
	}
	return nil
}

// flush enqueues the delivery for a closed coalescing entry.
func (p *Pipeline) flush(ctx context.Context, reg tools.Registry, in model.InputSnapshot, m *Machine) error {
	if in.Flush == nil {
		return fmt.Errorf("orchestrator: CoalesceFlush run has no flush")
	}
	if err := m.Advance(PhaseCoalesced); err != nil {
		return err
	}
	if err := m.Advance(PhaseEmitted); err != nil {
		return err
	}
	if err := enqueueFlush(ctx, reg, in, *in.Flush); err != nil {
		return err
	}
	return m.Advance(PhaseDone)
}

func enqueueFlush(ctx context.Context, reg tools.Registry, in model.InputSnapshot, f model.CoalesceFlush) error {
	channel := in.Policy.Channel
	if channel == "" {
		channel = model.ChannelEmail
	}
	return reg.EnqueueDelivery(ctx, model.DeliveryRequest{
		GoalID:      f.GoalID,
		Channel:     channel,
		DecisionIDs: f.DecisionIDs,
		NotBefore:   in.StartedAt.UTC(),
	})
}

func (p *Pipeline) emit(ctx context.Context, reg tools.Registry, out model.CandidateOutcome, req emitter.Request) (model.CandidateOutcome, error) {
	out.Tier = req.Tier
	out.Reason = req.Reason.Summary
	res, err := emitter.Emit(ctx, reg, req)
	if res.Decision.ID != uuid.Nil {
		id := res.Decision.ID
		out.DecisionID = &id
		out.Deduplicated = !res.Created
		out.Tier = res.Decision.Tier
	}
	if err != nil {
		return out, err
	}
	if res.Created && p.decisions != nil {
		p.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(res.Decision.Tier))))
	}
	return out, nil
}

func blockedReason(c model.Candidate, gr gate.Result) model.Reason {
	return model.Reason{
		Summary:       fmt.Sprintf("blocked by rule gate: %s (%s)", gr.Reason, gr.Detail),
		Evidence:      gr.Evidence(c),
		MatchFeatures: c.Features,
		MatchReasons:  c.MatchReasons,
	}
}

func scoreEvidence(c model.Candidate) model.Evidence {
	return model.Evidence{
		Type:  model.EvidenceScore,
		Value: fmt.Sprintf("%.4f", c.MatchScore),
		Ref:   model.EvidenceRef{Field: "match_score"},
	}
}

func scoreSummary(tier model.Tier, score float64, t model.Thresholds) string {
	switch tier {
	case model.TierImmediate:
		return fmt.Sprintf("score %.2f at or above immediate threshold %.2f", score, t.Immediate)
	case model.TierBoundary:
		return fmt.Sprintf("score %.2f in boundary range [%.2f, %.2f)", score, t.Boundary, t.Immediate)
	case model.TierBatch:
		return fmt.Sprintf("score %.2f in batch range [%.2f, %.2f)", score, t.Batch, t.Boundary)
	}
	return fmt.Sprintf("score %.2f below batch threshold %.2f", score, t.Batch)
}

func judgeSummary(r judge.Result) string {
	if r.Fallback {
		return fmt.Sprintf("boundary candidate resolved to %s: %s (%s)", r.Label, r.Reason, r.FallbackReason)
	}
	if r.Uncertain {
		return fmt.Sprintf("boundary candidate resolved to %s (uncertain): %s", r.Label, r.Reason)
	}
	return fmt.Sprintf("boundary candidate judged %s: %s", r.Label, r.Reason)
}

func tickSummary(tier model.Tier, trigger model.Trigger, window string, score, minScore float64) string {
	if tier == model.TierIgnore {
		return fmt.Sprintf("score %.2f below %s minimum %.2f", score, trigger, minScore)
	}
	if window != "" {
		return fmt.Sprintf("selected for %s window %s with score %.2f", tier, window, score)
	}
	return fmt.Sprintf("selected for %s with score %.2f", tier, score)
}

func tuningAction(c model.Candidate, t model.Thresholds, r judge.Result) model.Action {
	reason := "boundary judgment uncertain"
	if r.Fallback {
		reason = "boundary judgment fell back: " + r.FallbackReason
	}
	return model.Action{
		Type:     model.ActionSuggestTuning,
		Decision: r.Label,
		GoalID:   c.GoalID,
		ItemID:   c.ItemID,
		Reason:   reason,
		Detail: map[string]any{
			"match_score":    c.MatchScore,
			"immediate":      t.Immediate,
			"boundary_lower": t.Boundary,
			"confidence":     r.Confidence,
		},
	}
}
