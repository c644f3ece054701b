package model

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the persisted push decision for a (goal, item, tier).
// Only Status and SentAt change after insert; rows are never deleted.
type Decision struct {
	ID        uuid.UUID      `json:"id"`
	GoalID    string         `json:"goal_id"`
	ItemID    string         `json:"item_id"`
	Tier      Tier           `json:"decision"`
	Status    DeliveryStatus `json:"status"`
	Channel   string         `json:"channel"`
	Reason    Reason         `json:"reason"`
	DedupKey  string         `json:"dedup_key"`
	RunID     *uuid.UUID     `json:"run_id,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`

	// CoalesceBucket is set on IMMEDIATE decisions held by a coalescing
	// entry; their delivery is enqueued when the entry flushes.
	CoalesceBucket *time.Time `json:"coalesce_bucket,omitempty"`
}

// Reason is the structured explanation stored with a decision.
type Reason struct {
	Summary       string             `json:"reason"`
	Evidence      []Evidence         `json:"evidence"`
	ScoreTrace    *ScoreTrace        `json:"score_trace,omitempty"`
	MatchFeatures map[string]float64 `json:"match_features,omitempty"`
	MatchReasons  []string           `json:"match_reasons,omitempty"`
	WindowTime    string             `json:"window_time,omitempty"`
}

// Evidence types produced by the runtime itself. Judge evidence may carry
// other type tags.
const (
	EvidenceScore   = "SCORE"
	EvidenceTermHit = "TERM_HIT"
	EvidenceSource  = "SOURCE"
	EvidenceRule    = "RULE"
	EvidenceJudge   = "JUDGE"
)

// Evidence is one typed entry supporting a decision. Ref points back at the
// candidate field the evidence was derived from.
type Evidence struct {
	Type  string      `json:"type"`
	Value string      `json:"value"`
	Ref   EvidenceRef `json:"ref"`
}

// EvidenceRef names the candidate field an evidence entry refers to.
type EvidenceRef struct {
	Field string `json:"field"`
}

// ScoreTrace records how a candidate's score became a tier.
type ScoreTrace struct {
	MatchScore     float64     `json:"match_score"`
	Bucket         Tier        `json:"bucket"`
	Thresholds     Thresholds  `json:"thresholds"`
	Judgment       *JudgeTrace `json:"judgment,omitempty"`
	FallbackReason string      `json:"fallback_reason,omitempty"`
}

// JudgeTrace is the boundary judgment folded into a decision reason.
type JudgeTrace struct {
	Label      Tier    `json:"label"`
	Confidence float64 `json:"confidence"`
	Uncertain  bool    `json:"uncertain"`
	Reason     string  `json:"reason"`
	Model      string  `json:"model,omitempty"`
}

// DeliveryRequest is one downstream enqueue call: a single outbound message
// referencing one or more decisions.
type DeliveryRequest struct {
	GoalID      string      `json:"goal_id"`
	Channel     string      `json:"channel"`
	DecisionIDs []uuid.UUID `json:"decision_ids"`
	NotBefore   time.Time   `json:"not_before"`
}

// Delivery is a claimed row of the delivery outbox.
type Delivery struct {
	ID          int64       `json:"id"`
	RunID       *uuid.UUID  `json:"run_id,omitempty"`
	GoalID      string      `json:"goal_id"`
	Channel     string      `json:"channel"`
	DecisionIDs []uuid.UUID `json:"decision_ids"`
	NotBefore   time.Time   `json:"not_before"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CoalesceFlush is one closed coalescing entry ready for delivery.
type CoalesceFlush struct {
	GoalID      string      `json:"goal_id"`
	BucketStart time.Time   `json:"bucket_start"`
	DecisionIDs []uuid.UUID `json:"decision_ids"`
}
