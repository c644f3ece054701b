// Package tools is the only path from a run to external state. Every call
// made through a Registry is recorded as a ToolCall, and write tools also
// append an action ledger entry describing the intended effect.
//
// Live talks to Postgres, the budget ledger, the reasoner and the coalescing
// window. Replay serves the same calls from a run's input snapshot and its
// recorded ToolCall log and never performs a write.
package tools

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dida1024/infoSentry/internal/coalesce"
	"github.com/dida1024/infoSentry/internal/model"
)

// Tool names as they appear in the ToolCall log.
const (
	ToolGetGoalContext     = "get_goal_context"
	ToolGetItem            = "get_item"
	ToolGetHistory         = "get_history"
	ToolGetBudget          = "get_budget"
	ToolCheckBudget        = "check_budget"
	ToolListPendingMatches = "list_pending_matches"
	ToolEmitDecision       = "emit_decision"
	ToolEnqueueDelivery    = "enqueue_delivery"
	ToolRecordUsage        = "record_usage"
	ToolJudgeBoundary      = "judge_boundary"
	ToolCoalesceOffer      = "coalesce_offer"
	ToolCoalesceCommit     = "coalesce_commit"
	ToolCoalesceAbandon    = "coalesce_abandon"
	ToolSuggestTuning      = "suggest_tuning"
)

var (
	// ErrNoReasoner is returned by Reason when no reasoner is configured.
	ErrNoReasoner = errors.New("tools: no reasoner configured")
	// ErrNotRecorded is returned during replay when a call has no recorded
	// result and cannot be answered from the snapshot.
	ErrNotRecorded = errors.New("tools: call not recorded in original run")
)

// Registry is the tool surface a pipeline run uses.
type Registry interface {
	RunID() uuid.UUID

	GoalContext(ctx context.Context, goalID string) (model.GoalContext, error)
	Item(ctx context.Context, itemID string) (model.Item, error)
	History(ctx context.Context, goalID string, since time.Time) (model.History, error)
	Budget(ctx context.Context) (model.BudgetState, error)
	CheckBudget(ctx context.Context, class model.CallClass) (model.BudgetCheck, error)
	PendingMatches(ctx context.Context, q model.MatchQuery) ([]model.Candidate, error)

	// EmitDecision persists d and, when delivery is non-nil, the delivery
	// of d, as one unit. Only a fresh insert writes the delivery.
	EmitDecision(ctx context.Context, d model.Decision, delivery *model.DeliveryRequest) (model.Decision, bool, error)
	EnqueueDelivery(ctx context.Context, req model.DeliveryRequest) error
	RecordUsage(ctx context.Context, class model.CallClass, usdDelta float64, tokens int64) error
	SuggestTuning(ctx context.Context, a model.Action) error

	ReasonerAvailable() bool
	Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error)

	CoalesceOffer(ctx context.Context, goalID, itemID string, lim coalesce.Limits) (*Slot, error)
	CoalesceCommit(ctx context.Context, slot *Slot, decisionID uuid.UUID) (*model.CoalesceFlush, error)
	CoalesceAbandon(ctx context.Context, slot *Slot) (*model.CoalesceFlush, error)

	// Actions returns the actions appended to the ledger so far, in order.
	Actions() []model.Action
	// CallCount returns the number of tool calls recorded so far.
	CallCount() int
}

// Slot is a reserved place in a coalescing entry, held by a run between the
// COALESCED and EMITTED states.
type Slot struct {
	GoalID      string    `json:"goal_id"`
	ItemID      string    `json:"item_id"`
	BucketStart time.Time `json:"bucket_start"`
	FlushedNow  bool      `json:"flushed_now"`

	ticket   *coalesce.Ticket
	resolved bool
}

// Resolved reports whether the slot was committed or abandoned.
func (s *Slot) Resolved() bool { return s.resolved }

// Store is the storage surface the live registry reads and writes.
type Store interface {
	GetGoalContext(ctx context.Context, goalID string) (model.GoalContext, error)
	GetItem(ctx context.Context, itemID string) (model.Item, error)
	GetHistory(ctx context.Context, goalID string, since time.Time) (model.History, error)
	ListPendingMatches(ctx context.Context, q model.MatchQuery) ([]model.Candidate, error)
	EmitDecision(ctx context.Context, d model.Decision, delivery *model.DeliveryRequest) (model.Decision, bool, error)
	EnqueueDelivery(ctx context.Context, runID uuid.UUID, req model.DeliveryRequest) (int64, error)
	AppendToolCall(ctx context.Context, tc model.ToolCall) error
	AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error
}

// BudgetLedger is the budget surface the live registry uses.
type BudgetLedger interface {
	Snapshot(ctx context.Context) (model.BudgetState, error)
	CheckAllowed(ctx context.Context, class model.CallClass) (model.BudgetCheck, error)
	RecordUsage(ctx context.Context, class model.CallClass, usdDelta float64, tokens int64) (model.BudgetState, error)
}

// Reasoner makes the external boundary judgment call.
type Reasoner interface {
	Name() string
	Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error)
}
