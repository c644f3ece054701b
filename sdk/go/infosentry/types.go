package infosentry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tier is a push decision tier.
type Tier string

const (
	TierImmediate Tier = "IMMEDIATE"
	TierBatch     Tier = "BATCH"
	TierDigest    Tier = "DIGEST"
	TierIgnore    Tier = "IGNORE"
)

// CallClass is a budgeted capability.
type CallClass string

const (
	CallEnrichment CallClass = "enrichment"
	CallJudgment   CallClass = "judgment"
)

// Replay policy sources.
const (
	PolicySnapshot = "snapshot"
	PolicyCurrent  = "current"
)

// Candidate is a computed match submitted for a decision run.
type Candidate struct {
	GoalID       string             `json:"goal_id"`
	ItemID       string             `json:"item_id"`
	MatchScore   float64            `json:"match_score"`
	Features     map[string]float64 `json:"features,omitempty"`
	MatchReasons []string           `json:"match_reasons,omitempty"`
	SourceID     string             `json:"source_id,omitempty"`
	SourceKind   string             `json:"source_kind,omitempty"`
	Title        string             `json:"title,omitempty"`
	Snippet      string             `json:"snippet,omitempty"`
	URL          string             `json:"url,omitempty"`
}

// SubmitResponse confirms a candidate was queued.
type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	GoalID   string `json:"goal_id"`
	ItemID   string `json:"item_id"`
}

// Action is an intended effect recorded by a run.
type Action struct {
	Type        string      `json:"action_type"`
	Decision    Tier        `json:"decision,omitempty"`
	GoalID      string      `json:"goal_id,omitempty"`
	ItemID      string      `json:"item_id,omitempty"`
	DedupKey    string      `json:"dedup_key,omitempty"`
	DecisionIDs []uuid.UUID `json:"decision_ids,omitempty"`
	Channel     string      `json:"channel,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Run is one execution of the decision pipeline.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	Trigger      string     `json:"trigger"`
	GoalID       *string    `json:"goal_id,omitempty"`
	Status       string     `json:"status"`
	InputHash    string     `json:"input_hash,omitempty"`
	FinalActions []Action   `json:"final_actions"`
	LLMUsed      bool       `json:"llm_used"`
	ModelName    *string    `json:"model_name,omitempty"`
	LatencyMS    *int64     `json:"latency_ms,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ToolCall is one recorded tool invocation of a run.
type ToolCall struct {
	Seq       int             `json:"seq"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Status    string          `json:"status"`
	LatencyMS int64           `json:"latency_ms"`
	CreatedAt time.Time       `json:"created_at"`
}

// LedgerEntry is one recorded intended effect of a run.
type LedgerEntry struct {
	Seq        int       `json:"seq"`
	ActionType string    `json:"action_type"`
	Payload    Action    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunDetail is a run with its tool calls and action ledger.
type RunDetail struct {
	Run       Run           `json:"run"`
	ToolCalls []ToolCall    `json:"tool_calls"`
	Ledger    []LedgerEntry `json:"ledger"`
}

// DiffEntry is one difference between original and replayed actions.
type DiffEntry struct {
	Type          string `json:"type"`
	Index         *int   `json:"index,omitempty"`
	OriginalCount *int   `json:"original_count,omitempty"`
	ReplayedCount *int   `json:"replayed_count,omitempty"`
	OriginalTier  Tier   `json:"original_decision,omitempty"`
	ReplayedTier  Tier   `json:"replayed_decision,omitempty"`
}

// ReplayResult is the outcome of replaying a run.
type ReplayResult struct {
	RunID              uuid.UUID   `json:"run_id"`
	OriginalStatus     string      `json:"original_status"`
	OriginalActions    []Action    `json:"original_actions"`
	ReplayedActions    []Action    `json:"replayed_actions"`
	Diff               []DiffEntry `json:"diff"`
	ToolCallsCount     int         `json:"tool_calls_count"`
	LedgerEntriesCount int         `json:"ledger_entries_count"`
	PolicySource       string      `json:"policy_source"`
	Error              string      `json:"error,omitempty"`
}

// Matches reports whether the replay reproduced the original actions.
func (r ReplayResult) Matches() bool { return len(r.Diff) == 0 }

// ClassUsage is one call class's usage today.
type ClassUsage struct {
	Calls    int64   `json:"calls"`
	Tokens   int64   `json:"tokens"`
	USDEst   float64 `json:"usd_est"`
	Disabled bool    `json:"disabled"`
}

// BudgetCheck is the allow/deny verdict for one call class.
type BudgetCheck struct {
	Class   CallClass `json:"class"`
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
}

// BudgetLimits are the configured caps.
type BudgetLimits struct {
	DailyUSDCap      float64 `json:"daily_usd_cap"`
	JudgmentPerDay   int64   `json:"judgment_per_day"`
	EnrichmentPerDay int64   `json:"enrichment_per_day"`
	JudgePricePer1K  float64 `json:"judge_price_per_1k"`
}

// Budget is today's usage, checks and limits.
type Budget struct {
	State struct {
		Day        string     `json:"day"`
		Enrichment ClassUsage `json:"enrichment"`
		Judgment   ClassUsage `json:"judgment"`
	} `json:"state"`
	Checks []BudgetCheck `json:"checks"`
	Limits BudgetLimits  `json:"limits"`
}

// Allowed reports whether class is currently allowed.
func (b Budget) Allowed(class CallClass) bool {
	for _, c := range b.Checks {
		if c.Class == class {
			return c.Allowed
		}
	}
	return false
}

// Health is the server's health report.
type Health struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Postgres        string `json:"postgres"`
	CoalesceEntries int    `json:"coalesce_entries"`
	QueueDepth      int    `json:"queue_depth"`
	Uptime          int64  `json:"uptime_seconds"`
}
