package infosentry

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the push tier of a decision.
type Tier string

const (
	TierImmediate Tier = "IMMEDIATE"
	TierBatch     Tier = "BATCH"
	TierDigest    Tier = "DIGEST"
)

// Push is one outbound message handed to a Sender. It groups every decision
// the runtime wants delivered together: a single immediate item, a coalesced
// group, a batch window or a digest.
// No internal package imports, so it is safe to use from outside the module.
type Push struct {
	DeliveryID int64
	GoalID     string
	Channel    string
	// Attempt is 1 on the first send and grows with each retry.
	Attempt int
	Items   []PushItem
}

// PushItem is one decision inside a Push.
type PushItem struct {
	DecisionID uuid.UUID
	ItemID     string
	Tier       Tier
	Reason     string
	MatchScore *float64
	Evidence   []Evidence
	DecidedAt  time.Time
}

// Evidence is one typed fact supporting a decision.
type Evidence struct {
	Type  string
	Value string
	Field string
}
