package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dida1024/infoSentry/internal/coalesce"
	"github.com/dida1024/infoSentry/internal/model"
)

// Tool inputs, recorded as the ToolCall input column.
type (
	goalInput struct {
		GoalID string `json:"goal_id"`
	}
	itemInput struct {
		ItemID string `json:"item_id"`
	}
	historyInput struct {
		GoalID string    `json:"goal_id"`
		Since  time.Time `json:"since"`
	}
	classInput struct {
		Class model.CallClass `json:"class"`
	}
	usageInput struct {
		Class    model.CallClass `json:"class"`
		USDDelta float64         `json:"usd_delta"`
		Tokens   int64           `json:"tokens"`
	}
	offerInput struct {
		GoalID   string        `json:"goal_id"`
		ItemID   string        `json:"item_id"`
		Window   time.Duration `json:"window"`
		MaxItems int           `json:"max_items"`
	}
	commitInput struct {
		GoalID     string    `json:"goal_id"`
		ItemID     string    `json:"item_id"`
		DecisionID uuid.UUID `json:"decision_id"`
	}
	emitInput struct {
		Decision model.Decision         `json:"decision"`
		Delivery *model.DeliveryRequest `json:"delivery,omitempty"`
	}
	abandonInput struct {
		GoalID string `json:"goal_id"`
		ItemID string `json:"item_id"`
	}
)

// Tool outputs that are not plain model values.
type (
	emitOutput struct {
		Decision model.Decision `json:"decision"`
		Created  bool           `json:"created"`
	}
	enqueueOutput struct {
		DeliveryID int64 `json:"delivery_id"`
	}
	offerOutput struct {
		BucketStart time.Time `json:"bucket_start"`
		FlushedNow  bool      `json:"flushed_now"`
	}
)

// Toolbox holds the shared dependencies of live registries. One Toolbox
// serves every run; ForRun binds it to a run's audit log.
type Toolbox struct {
	store    Store
	ledger   BudgetLedger
	reasoner Reasoner
	window   *coalesce.Window

	// goals collapses concurrent goal context reads from runs for the same goal.
	goals singleflight.Group
}

// NewToolbox creates a Toolbox. reasoner may be nil, in which case boundary
// judgments always fall back.
func NewToolbox(store Store, ledger BudgetLedger, reasoner Reasoner, window *coalesce.Window) *Toolbox {
	return &Toolbox{store: store, ledger: ledger, reasoner: reasoner, window: window}
}

// ReasonerName returns the configured reasoner's name, or "" if none.
func (tb *Toolbox) ReasonerName() string {
	if tb.reasoner == nil {
		return ""
	}
	return tb.reasoner.Name()
}

// ForRun returns a live registry that records against runID.
func (tb *Toolbox) ForRun(runID uuid.UUID) *Live {
	return &Live{recorder: newRecorder(runID, tb.store), tb: tb}
}

// Live is the production registry.
type Live struct {
	*recorder
	tb *Toolbox
}

var _ Registry = (*Live)(nil)

func (l *Live) GoalContext(ctx context.Context, goalID string) (model.GoalContext, error) {
	return invoke(ctx, l.recorder, ToolGetGoalContext, goalInput{GoalID: goalID}, func(ctx context.Context) (model.GoalContext, error) {
		// The load is shared by every waiter, so it must not die with the
		// first caller's context.
		v, err, _ := l.tb.goals.Do(goalID, func() (any, error) {
			return l.tb.store.GetGoalContext(context.WithoutCancel(ctx), goalID)
		})
		if err != nil {
			return model.GoalContext{}, err
		}
		return v.(model.GoalContext), nil
	})
}

func (l *Live) Item(ctx context.Context, itemID string) (model.Item, error) {
	return invoke(ctx, l.recorder, ToolGetItem, itemInput{ItemID: itemID}, func(ctx context.Context) (model.Item, error) {
		return l.tb.store.GetItem(ctx, itemID)
	})
}

func (l *Live) History(ctx context.Context, goalID string, since time.Time) (model.History, error) {
	return invoke(ctx, l.recorder, ToolGetHistory, historyInput{GoalID: goalID, Since: since}, func(ctx context.Context) (model.History, error) {
		return l.tb.store.GetHistory(ctx, goalID, since)
	})
}

func (l *Live) Budget(ctx context.Context) (model.BudgetState, error) {
	return invoke(ctx, l.recorder, ToolGetBudget, struct{}{}, func(ctx context.Context) (model.BudgetState, error) {
		return l.tb.ledger.Snapshot(ctx)
	})
}

func (l *Live) CheckBudget(ctx context.Context, class model.CallClass) (model.BudgetCheck, error) {
	return invoke(ctx, l.recorder, ToolCheckBudget, classInput{Class: class}, func(ctx context.Context) (model.BudgetCheck, error) {
		return l.tb.ledger.CheckAllowed(ctx, class)
	})
}

func (l *Live) PendingMatches(ctx context.Context, q model.MatchQuery) ([]model.Candidate, error) {
	return invoke(ctx, l.recorder, ToolListPendingMatches, q, func(ctx context.Context) ([]model.Candidate, error) {
		return l.tb.store.ListPendingMatches(ctx, q)
	})
}

// EmitDecision inserts d, and its delivery when delivery is non-nil, unless
// a decision with its dedup key exists. The existing decision is then returned
// with created=false and nothing is written. Only a fresh insert is an effect,
// so only a fresh insert reaches the ledger.
func (l *Live) EmitDecision(ctx context.Context, d model.Decision, delivery *model.DeliveryRequest) (model.Decision, bool, error) {
	delivery = deliveryFor(d, delivery)
	out, err := invoke(ctx, l.recorder, ToolEmitDecision, emitInput{Decision: d, Delivery: delivery}, func(ctx context.Context) (emitOutput, error) {
		got, created, err := l.tb.store.EmitDecision(ctx, d, delivery)
		return emitOutput{Decision: got, Created: created}, err
	})
	if err != nil {
		return model.Decision{}, false, err
	}
	if !out.Created {
		return out.Decision, false, nil
	}
	if err := l.appendAction(ctx, emitAction(out.Decision)); err != nil {
		return out.Decision, true, err
	}
	if delivery != nil {
		if err := l.appendAction(ctx, enqueueAction(*delivery)); err != nil {
			return out.Decision, true, err
		}
	}
	return out.Decision, true, nil
}

func (l *Live) EnqueueDelivery(ctx context.Context, req model.DeliveryRequest) error {
	if _, err := invoke(ctx, l.recorder, ToolEnqueueDelivery, req, func(ctx context.Context) (enqueueOutput, error) {
		id, err := l.tb.store.EnqueueDelivery(ctx, l.runID, req)
		return enqueueOutput{DeliveryID: id}, err
	}); err != nil {
		return err
	}
	return l.appendAction(ctx, enqueueAction(req))
}

func (l *Live) RecordUsage(ctx context.Context, class model.CallClass, usdDelta float64, tokens int64) error {
	_, err := invoke(ctx, l.recorder, ToolRecordUsage, usageInput{Class: class, USDDelta: usdDelta, Tokens: tokens}, func(ctx context.Context) (model.BudgetState, error) {
		return l.tb.ledger.RecordUsage(ctx, class, usdDelta, tokens)
	})
	return err
}

func (l *Live) SuggestTuning(ctx context.Context, a model.Action) error {
	a.Type = model.ActionSuggestTuning
	if _, err := invoke(ctx, l.recorder, ToolSuggestTuning, a, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	}); err != nil {
		return err
	}
	return l.appendAction(ctx, a)
}

func (l *Live) ReasonerAvailable() bool { return l.tb.reasoner != nil }

func (l *Live) Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error) {
	return invoke(ctx, l.recorder, ToolJudgeBoundary, req, func(ctx context.Context) (model.JudgeReply, error) {
		if l.tb.reasoner == nil {
			return model.JudgeReply{}, ErrNoReasoner
		}
		return l.tb.reasoner.Reason(ctx, req)
	})
}

func (l *Live) CoalesceOffer(ctx context.Context, goalID, itemID string, lim coalesce.Limits) (*Slot, error) {
	var ticket *coalesce.Ticket
	out, err := invoke(ctx, l.recorder, ToolCoalesceOffer,
		offerInput{GoalID: goalID, ItemID: itemID, Window: lim.Window, MaxItems: lim.MaxItems},
		func(context.Context) (offerOutput, error) {
			if l.tb.window == nil {
				return offerOutput{}, fmt.Errorf("tools: coalescing window not configured")
			}
			t, flushedNow := l.tb.window.Offer(goalID, lim)
			ticket = t
			return offerOutput{BucketStart: t.BucketStart(), FlushedNow: flushedNow}, nil
		})
	if err != nil {
		if ticket != nil {
			// The slot was taken but its audit record was not written.
			l.handOff(ctx, ticket.Abandon())
		}
		return nil, err
	}
	return &Slot{GoalID: goalID, ItemID: itemID, BucketStart: out.BucketStart, FlushedNow: out.FlushedNow, ticket: ticket}, nil
}

func (l *Live) CoalesceCommit(ctx context.Context, slot *Slot, decisionID uuid.UUID) (*model.CoalesceFlush, error) {
	slot.resolved = true
	var flush *model.CoalesceFlush
	out, err := invoke(ctx, l.recorder, ToolCoalesceCommit,
		commitInput{GoalID: slot.GoalID, ItemID: slot.ItemID, DecisionID: decisionID},
		func(context.Context) (*model.CoalesceFlush, error) {
			flush = slot.ticket.Commit(decisionID)
			return flush, nil
		})
	if err != nil {
		l.handOff(ctx, flush)
		return nil, err
	}
	return out, nil
}

func (l *Live) CoalesceAbandon(ctx context.Context, slot *Slot) (*model.CoalesceFlush, error) {
	slot.resolved = true
	var flush *model.CoalesceFlush
	out, err := invoke(ctx, l.recorder, ToolCoalesceAbandon,
		abandonInput{GoalID: slot.GoalID, ItemID: slot.ItemID},
		func(context.Context) (*model.CoalesceFlush, error) {
			flush = slot.ticket.Abandon()
			return flush, nil
		})
	if err != nil {
		l.handOff(ctx, flush)
		return nil, err
	}
	return out, nil
}

// handOff passes a flush this run can no longer enqueue to the window's
// flusher, so the closed entry is still delivered.
func (l *Live) handOff(ctx context.Context, flush *model.CoalesceFlush) {
	if flush != nil && l.tb.window != nil {
		l.tb.window.Deliver(context.WithoutCancel(ctx), *flush)
	}
}

func emitAction(d model.Decision) model.Action {
	return model.Action{
		Type:        model.ActionEmitDecision,
		Decision:    d.Tier,
		GoalID:      d.GoalID,
		ItemID:      d.ItemID,
		DedupKey:    d.DedupKey,
		DecisionIDs: []uuid.UUID{d.ID},
		Channel:     d.Channel,
		Reason:      d.Reason.Summary,
	}
}

// deliveryFor binds a delivery request to the decision it delivers.
func deliveryFor(d model.Decision, delivery *model.DeliveryRequest) *model.DeliveryRequest {
	if delivery == nil {
		return nil
	}
	req := *delivery
	req.DecisionIDs = []uuid.UUID{d.ID}
	if req.GoalID == "" {
		req.GoalID = d.GoalID
	}
	if req.Channel == "" {
		req.Channel = d.Channel
	}
	if req.NotBefore.IsZero() {
		req.NotBefore = d.DecidedAt
	}
	req.NotBefore = req.NotBefore.UTC()
	return &req
}

func enqueueAction(req model.DeliveryRequest) model.Action {
	return model.Action{
		Type:        model.ActionEnqueueDelivery,
		GoalID:      req.GoalID,
		DecisionIDs: req.DecisionIDs,
		Channel:     req.Channel,
		Detail:      map[string]any{"not_before": req.NotBefore.UTC().Format(time.RFC3339)},
	}
}
