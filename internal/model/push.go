// Package model defines the core domain types for the push decision runtime.
//
// Types map onto the Postgres tables in migrations/ and onto the JSON
// snapshots stored on runs. Enumerations are string-backed so they survive
// serialization unchanged.
package model

import "fmt"

// Tier is the coarse-grained decision bucket for a candidate.
type Tier string

const (
	TierImmediate Tier = "IMMEDIATE"
	TierBatch     Tier = "BATCH"
	TierDigest    Tier = "DIGEST"
	TierIgnore    Tier = "IGNORE"

	// TierBoundary is only produced by the bucket classifier. It is never
	// persisted: the boundary judge resolves it to IMMEDIATE or BATCH.
	TierBoundary Tier = "BOUNDARY"
)

// Persistable reports whether t may appear on a Decision record.
func (t Tier) Persistable() bool {
	switch t {
	case TierImmediate, TierBatch, TierDigest, TierIgnore:
		return true
	}
	return false
}

// ParseTier converts a string into a persistable Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Persistable() {
		return "", fmt.Errorf("model: invalid tier %q", s)
	}
	return t, nil
}

// DeliveryStatus tracks a decision through the downstream delivery subsystem.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
	DeliverySkipped DeliveryStatus = "SKIPPED"
)

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerMatchComputed   Trigger = "MatchComputed"
	TriggerBatchWindowTick Trigger = "BatchWindowTick"
	TriggerDigestTick      Trigger = "DigestTick"
	TriggerCoalesceFlush   Trigger = "CoalesceFlush"
)

// RunStatus is the lifecycle state of a run. RUNNING is the only
// non-terminal status.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusSuccess  RunStatus = "SUCCESS"
	RunStatusTimeout  RunStatus = "TIMEOUT"
	RunStatusError    RunStatus = "ERROR"
	RunStatusFallback RunStatus = "FALLBACK"
)

// Terminal reports whether s is a final run status.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// ParseRunStatus validates a run status name.
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(s); st {
	case RunStatusRunning, RunStatusSuccess, RunStatusTimeout, RunStatusError, RunStatusFallback:
		return st, nil
	}
	return "", fmt.Errorf("model: invalid run status %q", s)
}

// ToolCallStatus is the outcome of one tool registry invocation.
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "SUCCESS"
	ToolCallError   ToolCallStatus = "ERROR"
)

// ActionType classifies action ledger entries.
type ActionType string

const (
	ActionEmitDecision    ActionType = "EMIT_DECISION"
	ActionEnqueueDelivery ActionType = "ENQUEUE_DELIVERY"
	ActionSuggestTuning   ActionType = "SUGGEST_TUNING"
)

// PriorityMode controls how strictly a goal's must-terms are enforced.
type PriorityMode string

const (
	PriorityStrict PriorityMode = "STRICT"
	PrioritySoft   PriorityMode = "SOFT"
)

// SourceKind tags the fetcher family an item came from.
type SourceKind string

const (
	SourceNewsNow SourceKind = "NEWSNOW"
	SourceRSS     SourceKind = "RSS"
	SourceSite    SourceKind = "SITE"
)

// ParseSourceKind validates a source kind at the ingestion boundary.
// The empty string is accepted for candidates whose item is loaded later.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(s); k {
	case SourceNewsNow, SourceRSS, SourceSite, "":
		return k, nil
	}
	return "", fmt.Errorf("model: invalid source kind %q", s)
}

// CallClass identifies an independently budgeted class of expensive calls.
type CallClass string

const (
	CallEnrichment CallClass = "enrichment"
	CallJudgment   CallClass = "judgment"
)

// ParseCallClass validates a call class name.
func ParseCallClass(s string) (CallClass, error) {
	switch c := CallClass(s); c {
	case CallEnrichment, CallJudgment:
		return c, nil
	}
	return "", fmt.Errorf("model: invalid call class %q", s)
}

// BlockReason is why the rule gate rejected a candidate.
type BlockReason string

const (
	BlockBlockedSource BlockReason = "BLOCKED_SOURCE"
	BlockNegativeTerm  BlockReason = "NEGATIVE_TERM"
	BlockStrictNoHit   BlockReason = "STRICT_NO_HIT"
)

// BudgetDenyReason explains a negative budget check.
type BudgetDenyReason string

const (
	BudgetDisabled   BudgetDenyReason = "DISABLED"
	BudgetDailyLimit BudgetDenyReason = "DAILY_LIMIT"
	BudgetCostCap    BudgetDenyReason = "COST_CAP"
)

// ChannelEmail is the only delivery channel the runtime emits today.
const ChannelEmail = "email"
