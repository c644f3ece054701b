package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dida1024/infoSentry/internal/coalesce"
	"github.com/dida1024/infoSentry/internal/model"
)

// Replay is a registry that answers from a run's input snapshot and recorded
// ToolCall log. Nothing it does reaches external state: write tools only
// append to the in-memory action list, and a call that matches a recorded
// call (same tool, same canonical input) returns the recorded result.
type Replay struct {
	*recorder
	snapshot model.InputSnapshot
	limits   model.BudgetLimits

	mu       sync.Mutex
	recorded map[string][]model.ToolCall
	emits    map[string]bool // dedup key -> created, from recorded emit_decision calls
}

var _ Registry = (*Replay)(nil)

// NewReplay builds a replay registry for the run runID. limits are used to
// answer budget checks that were not recorded.
func NewReplay(runID uuid.UUID, snapshot model.InputSnapshot, calls []model.ToolCall, limits model.BudgetLimits) *Replay {
	recorded := make(map[string][]model.ToolCall, len(calls))
	emits := make(map[string]bool)
	for _, tc := range calls {
		k := canonicalKey(tc.ToolName, tc.Input)
		recorded[k] = append(recorded[k], tc)
		if tc.ToolName == ToolEmitDecision && tc.Status == model.ToolCallSuccess {
			if out, err := replayed[emitOutput](tc); err == nil {
				emits[out.Decision.DedupKey] = out.Created
			}
		}
	}
	return &Replay{
		recorder: newRecorder(runID, nil),
		snapshot: snapshot,
		limits:   limits,
		recorded: recorded,
		emits:    emits,
	}
}

// lookup consumes the next recorded call for name and input. Repeated calls
// with identical input are served in their original order.
func (r *Replay) lookup(name string, input any) (model.ToolCall, bool) {
	k := canonicalKey(name, sanitizeInput(input))
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.recorded[k]
	if len(q) == 0 {
		return model.ToolCall{}, false
	}
	r.recorded[k] = q[1:]
	return q[0], true
}

// replayed decodes a recorded call's output into T, or reproduces its error.
func replayed[T any](tc model.ToolCall) (T, error) {
	var zero T
	var out output
	if err := json.Unmarshal(tc.Output, &out); err != nil {
		return zero, fmt.Errorf("tools: decode recorded %s output: %w", tc.ToolName, err)
	}
	if tc.Status == model.ToolCallError {
		return zero, recordedError{msg: out.Error}
	}
	var v T
	if len(out.Data) == 0 {
		return zero, nil
	}
	if err := json.Unmarshal(out.Data, &v); err != nil {
		return zero, fmt.Errorf("tools: decode recorded %s output: %w", tc.ToolName, err)
	}
	return v, nil
}

// recordedError reproduces a recorded tool failure. Deadline and
// cancellation failures still match their context sentinels, so replay
// classifies them the way the original run did.
type recordedError struct {
	msg string
}

func (e recordedError) Error() string { return e.msg }

func (e recordedError) Is(target error) bool {
	switch target {
	case context.DeadlineExceeded, context.Canceled:
		return strings.HasSuffix(e.msg, target.Error())
	}
	return false
}

// serve answers a call from the log, falling back to compute.
func serve[T any](ctx context.Context, r *Replay, name string, input any, compute func() (T, error)) (T, error) {
	return invoke(ctx, r.recorder, name, input, func(context.Context) (T, error) {
		if tc, ok := r.lookup(name, input); ok {
			return replayed[T](tc)
		}
		return compute()
	})
}

func (r *Replay) GoalContext(ctx context.Context, goalID string) (model.GoalContext, error) {
	return serve(ctx, r, ToolGetGoalContext, goalInput{GoalID: goalID}, func() (model.GoalContext, error) {
		if g := r.snapshot.Goal; g != nil && g.GoalID == goalID {
			return *g, nil
		}
		return model.GoalContext{}, ErrNotRecorded
	})
}

func (r *Replay) Item(ctx context.Context, itemID string) (model.Item, error) {
	return serve(ctx, r, ToolGetItem, itemInput{ItemID: itemID}, func() (model.Item, error) {
		return model.Item{}, ErrNotRecorded
	})
}

func (r *Replay) History(ctx context.Context, goalID string, since time.Time) (model.History, error) {
	return serve(ctx, r, ToolGetHistory, historyInput{GoalID: goalID, Since: since}, func() (model.History, error) {
		if h := r.snapshot.History; h != nil && h.GoalID == goalID {
			return *h, nil
		}
		return model.History{}, ErrNotRecorded
	})
}

func (r *Replay) Budget(ctx context.Context) (model.BudgetState, error) {
	return serve(ctx, r, ToolGetBudget, struct{}{}, func() (model.BudgetState, error) {
		if r.snapshot.Budget != nil {
			return *r.snapshot.Budget, nil
		}
		return model.BudgetState{}, ErrNotRecorded
	})
}

func (r *Replay) CheckBudget(ctx context.Context, class model.CallClass) (model.BudgetCheck, error) {
	return serve(ctx, r, ToolCheckBudget, classInput{Class: class}, func() (model.BudgetCheck, error) {
		var state model.BudgetState
		if r.snapshot.Budget != nil {
			state = *r.snapshot.Budget
		}
		return state.Evaluate(class, r.limits), nil
	})
}

func (r *Replay) PendingMatches(ctx context.Context, q model.MatchQuery) ([]model.Candidate, error) {
	return serve(ctx, r, ToolListPendingMatches, q, func() ([]model.Candidate, error) {
		return r.snapshot.Matches, nil
	})
}

// EmitDecision reports the original outcome when the original run emitted a
// decision with the same dedup key, even if its reason differed. A decision
// the original run never emitted is reported as created.
func (r *Replay) EmitDecision(ctx context.Context, d model.Decision, delivery *model.DeliveryRequest) (model.Decision, bool, error) {
	delivery = deliveryFor(d, delivery)
	out, err := serve(ctx, r, ToolEmitDecision, emitInput{Decision: d, Delivery: delivery}, func() (emitOutput, error) {
		created, seen := r.emits[d.DedupKey]
		return emitOutput{Decision: d, Created: created || !seen}, nil
	})
	if err != nil {
		return model.Decision{}, false, err
	}
	if out.Created {
		_ = r.appendAction(ctx, emitAction(out.Decision))
		if delivery != nil {
			_ = r.appendAction(ctx, enqueueAction(*delivery))
		}
	}
	return out.Decision, out.Created, nil
}

func (r *Replay) EnqueueDelivery(ctx context.Context, req model.DeliveryRequest) error {
	if _, err := invoke(ctx, r.recorder, ToolEnqueueDelivery, req, func(context.Context) (enqueueOutput, error) {
		return enqueueOutput{}, nil
	}); err != nil {
		return err
	}
	return r.appendAction(ctx, enqueueAction(req))
}

func (r *Replay) RecordUsage(ctx context.Context, class model.CallClass, usdDelta float64, tokens int64) error {
	_, err := invoke(ctx, r.recorder, ToolRecordUsage, usageInput{Class: class, USDDelta: usdDelta, Tokens: tokens}, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	return err
}

func (r *Replay) SuggestTuning(ctx context.Context, a model.Action) error {
	a.Type = model.ActionSuggestTuning
	if _, err := invoke(ctx, r.recorder, ToolSuggestTuning, a, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	}); err != nil {
		return err
	}
	return r.appendAction(ctx, a)
}

// ReasonerAvailable reports whether the original run had a reasoner.
func (r *Replay) ReasonerAvailable() bool { return r.snapshot.Reasoner != "" }

// Reason never calls out. A judgment the original run did not make fails with
// ErrNotRecorded, which the judge turns into its fallback.
func (r *Replay) Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error) {
	return serve(ctx, r, ToolJudgeBoundary, req, func() (model.JudgeReply, error) {
		return model.JudgeReply{}, ErrNotRecorded
	})
}

// CoalesceOffer replays the original offer result. An offer the original run
// never made opens a slot that neither flushes nor delivers.
func (r *Replay) CoalesceOffer(ctx context.Context, goalID, itemID string, lim coalesce.Limits) (*Slot, error) {
	out, err := serve(ctx, r, ToolCoalesceOffer,
		offerInput{GoalID: goalID, ItemID: itemID, Window: lim.Window, MaxItems: lim.MaxItems},
		func() (offerOutput, error) {
			return offerOutput{BucketStart: r.snapshot.StartedAt.UTC().Truncate(lim.Window)}, nil
		})
	if err != nil {
		return nil, err
	}
	return &Slot{GoalID: goalID, ItemID: itemID, BucketStart: out.BucketStart, FlushedNow: out.FlushedNow}, nil
}

func (r *Replay) CoalesceCommit(ctx context.Context, slot *Slot, decisionID uuid.UUID) (*model.CoalesceFlush, error) {
	slot.resolved = true
	return serve(ctx, r, ToolCoalesceCommit,
		commitInput{GoalID: slot.GoalID, ItemID: slot.ItemID, DecisionID: decisionID},
		func() (*model.CoalesceFlush, error) { return nil, nil })
}

func (r *Replay) CoalesceAbandon(ctx context.Context, slot *Slot) (*model.CoalesceFlush, error) {
	slot.resolved = true
	return serve(ctx, r, ToolCoalesceAbandon,
		abandonInput{GoalID: slot.GoalID, ItemID: slot.ItemID},
		func() (*model.CoalesceFlush, error) { return nil, nil })
}
