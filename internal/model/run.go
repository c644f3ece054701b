package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run is one execution of the decision pipeline for one trigger.
// Created RUNNING at orchestration start and finalized exactly once.
type Run struct {
	ID             uuid.UUID       `json:"id"`
	Trigger        Trigger         `json:"trigger"`
	GoalID         *string         `json:"goal_id,omitempty"`
	Status         RunStatus       `json:"status"`
	InputSnapshot  *InputSnapshot  `json:"input_snapshot,omitempty"`
	InputHash      string          `json:"input_hash,omitempty"`
	OutputSnapshot *OutputSnapshot `json:"output_snapshot,omitempty"`
	FinalActions   []Action        `json:"final_actions"`
	LLMUsed        bool            `json:"llm_used"`
	ModelName      *string         `json:"model_name,omitempty"`
	LatencyMS      *int64          `json:"latency_ms,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// RunFilter selects runs for listing. Empty fields match every run.
type RunFilter struct {
	GoalID string
	Status RunStatus
	// After resumes a listing behind the last run of the previous page.
	After *RunCursor
	Limit int
}

// RunCursor is a keyset position in the newest-first run listing.
type RunCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// ErrInvalidCursor is returned by ParseRunCursor for a malformed cursor.
var ErrInvalidCursor = errors.New("model: invalid cursor")

// CursorAfter returns the cursor that continues a listing after r.
func CursorAfter(r Run) RunCursor {
	return RunCursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// String encodes the cursor as an opaque URL-safe token.
func (c RunCursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseRunCursor decodes a token produced by RunCursor.String.
func ParseRunCursor(token string) (RunCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return RunCursor{}, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return RunCursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return RunCursor{}, ErrInvalidCursor
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return RunCursor{}, ErrInvalidCursor
	}
	return RunCursor{CreatedAt: time.Unix(0, n).UTC(), ID: u}, nil
}

// RunPage is one page of a run listing. Next is nil on the last page.
type RunPage struct {
	Runs []Run
	Next *RunCursor
}

// InputSnapshot is the read-only state a run started from. Replay rebuilds
// the pipeline state from this value alone.
type InputSnapshot struct {
	Trigger    Trigger        `json:"trigger"`
	Candidate  *Candidate     `json:"candidate,omitempty"`
	Matches    []Candidate    `json:"matches,omitempty"`
	Goal       *GoalContext   `json:"goal,omitempty"`
	History    *History       `json:"history,omitempty"`
	Budget     *BudgetState   `json:"budget,omitempty"`
	Policy     Policy         `json:"policy"`
	Reasoner   string         `json:"reasoner,omitempty"`
	WindowTime string         `json:"window_time,omitempty"`
	Flush      *CoalesceFlush `json:"flush,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
}

// OutputSnapshot is the final outcome of a run.
type OutputSnapshot struct {
	Phases   []string           `json:"phases,omitempty"`
	Outcomes []CandidateOutcome `json:"outcomes,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// CandidateOutcome is the pipeline result for one candidate in a run.
type CandidateOutcome struct {
	GoalID         string      `json:"goal_id"`
	ItemID         string      `json:"item_id"`
	Blocked        BlockReason `json:"blocked,omitempty"`
	Bucket         Tier        `json:"bucket,omitempty"`
	Tier           Tier        `json:"decision"`
	Reason         string      `json:"reason"`
	DecisionID     *uuid.UUID  `json:"decision_id,omitempty"`
	Deduplicated   bool        `json:"deduplicated"`
	Fallback       bool        `json:"fallback"`
	FallbackReason string      `json:"fallback_reason,omitempty"`
	Coalesced      bool        `json:"coalesced,omitempty"`
	FlushedNow     bool        `json:"flushed_now,omitempty"`
}

// Action is an intended effect of a run. Write tools append one action per
// effect to the action ledger; replay diffs these.
type Action struct {
	Type        ActionType     `json:"action_type"`
	Decision    Tier           `json:"decision,omitempty"`
	GoalID      string         `json:"goal_id,omitempty"`
	ItemID      string         `json:"item_id,omitempty"`
	DedupKey    string         `json:"dedup_key,omitempty"`
	DecisionIDs []uuid.UUID    `json:"decision_ids,omitempty"`
	Channel     string         `json:"channel,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// ToolCall is the append-only record of one tool registry invocation.
type ToolCall struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	Seq       int             `json:"seq"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Status    ToolCallStatus  `json:"status"`
	LatencyMS int64           `json:"latency_ms"`
	CreatedAt time.Time       `json:"created_at"`
}

// LedgerEntry is the append-only record of one intended effect.
type LedgerEntry struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	Seq        int        `json:"seq"`
	ActionType ActionType `json:"action_type"`
	Payload    Action     `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RunDetail is a run with its audit children, as served by run inspection.
type RunDetail struct {
	Run       Run           `json:"run"`
	ToolCalls []ToolCall    `json:"tool_calls"`
	Ledger    []LedgerEntry `json:"ledger"`
}

// JudgeRequest is the fixed-shape request sent to the external reasoner.
type JudgeRequest struct {
	GoalDescription string   `json:"goal_description"`
	Title           string   `json:"title"`
	Snippet         string   `json:"snippet"`
	SourceID        string   `json:"source_id,omitempty"`
	MatchScore      float64  `json:"match_score"`
	AllowedLabels   []string `json:"allowed_labels"`
	Prompt          string   `json:"prompt"`
}

// JudgeReply is the raw reasoner response plus usage accounting.
type JudgeReply struct {
	Raw              string `json:"raw"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// DiffEntry describes one difference between original and replayed actions.
type DiffEntry struct {
	Type          string     `json:"type"`
	Index         *int       `json:"index,omitempty"`
	OriginalCount *int       `json:"original_count,omitempty"`
	ReplayedCount *int       `json:"replayed_count,omitempty"`
	Original      ActionType `json:"original,omitempty"`
	Replayed      ActionType `json:"replayed,omitempty"`
	OriginalTier  Tier       `json:"original_decision,omitempty"`
	ReplayedTier  Tier       `json:"replayed_decision,omitempty"`
}

// ReplayResult compares a run's recorded actions with a re-execution.
type ReplayResult struct {
	RunID              uuid.UUID   `json:"run_id"`
	OriginalStatus     RunStatus   `json:"original_status"`
	OriginalActions    []Action    `json:"original_actions"`
	ReplayedActions    []Action    `json:"replayed_actions"`
	Diff               []DiffEntry `json:"diff"`
	ToolCallsCount     int         `json:"tool_calls_count"`
	LedgerEntriesCount int         `json:"ledger_entries_count"`
	PolicySource       string      `json:"policy_source"`
	Error              string      `json:"error,omitempty"`
}

// RunOutcome is what a run's finalization writes. It is applied once; a run
// that already left RUNNING is not changed.
type RunOutcome struct {
	Status       RunStatus       `json:"status"`
	Output       *OutputSnapshot `json:"output_snapshot,omitempty"`
	Actions      []Action        `json:"final_actions"`
	LLMUsed      bool            `json:"llm_used"`
	ModelName    *string         `json:"model_name,omitempty"`
	LatencyMS    int64           `json:"latency_ms"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	FinishedAt   time.Time       `json:"finished_at"`
}
