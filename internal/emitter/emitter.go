// Package emitter persists push decisions idempotently and schedules their
// delivery through the tool registry.
package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dida1024/infoSentry/internal/integrity"
	"github.com/dida1024/infoSentry/internal/model"
)

// Tools is the registry surface the emitter writes through.
type Tools interface {
	RunID() uuid.UUID
	EmitDecision(ctx context.Context, d model.Decision, delivery *model.DeliveryRequest) (model.Decision, bool, error)
}

// Request is one decision to emit.
type Request struct {
	GoalID    string
	ItemID    string
	Tier      model.Tier
	Reason    model.Reason
	Channel   string
	DecidedAt time.Time

	// Deliver writes the delivery together with a fresh insert. The caller
	// clears it for coalesced IMMEDIATE decisions, whose delivery belongs to
	// the window flush, and when delivery is disabled. IGNORE never delivers.
	Deliver   bool
	NotBefore time.Time

	// CoalesceBucket is the start of the coalescing bucket holding the
	// decision, for IMMEDIATE decisions delivered by a window flush.
	CoalesceBucket time.Time
}

// Result reports what Emit did.
type Result struct {
	Decision model.Decision
	// Created is false when a decision with the same dedup key already
	// existed; Decision is then the stored record, unchanged.
	Created  bool
	Enqueued bool
}

// Build returns the decision req describes, with its dedup key and the
// decision id derived from it.
func Build(runID uuid.UUID, req Request) (model.Decision, error) {
	if req.GoalID == "" || req.ItemID == "" {
		return model.Decision{}, fmt.Errorf("emitter: goal_id and item_id are required")
	}
	if !req.Tier.Persistable() {
		return model.Decision{}, fmt.Errorf("emitter: tier %q cannot be persisted", req.Tier)
	}
	key := integrity.DedupKey(req.GoalID, req.ItemID, string(req.Tier))
	status := model.DeliveryPending
	if req.Tier == model.TierIgnore {
		status = model.DeliverySkipped
	}
	channel := req.Channel
	if channel == "" {
		channel = model.ChannelEmail
	}
	decidedAt := req.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now()
	}
	reason := req.Reason
	if reason.Evidence == nil {
		reason.Evidence = []model.Evidence{}
	}
	d := model.Decision{
		ID:        integrity.DecisionID(key),
		GoalID:    req.GoalID,
		ItemID:    req.ItemID,
		Tier:      req.Tier,
		Status:    status,
		Channel:   channel,
		Reason:    reason,
		DedupKey:  key,
		DecidedAt: decidedAt.UTC(),
	}
	if runID != uuid.Nil {
		d.RunID = &runID
	}
	if !req.CoalesceBucket.IsZero() {
		b := req.CoalesceBucket.UTC()
		d.CoalesceBucket = &b
	}
	return d, nil
}

// Emit inserts the decision unless its dedup key already exists. A delivery
// is written in the same unit as a fresh insert, so a failed emission leaves
// neither row behind and a retry delivers. Retried runs and duplicate
// triggers that hit an existing decision never deliver twice.
func Emit(ctx context.Context, t Tools, req Request) (Result, error) {
	d, err := Build(t.RunID(), req)
	if err != nil {
		return Result{}, err
	}
	var delivery *model.DeliveryRequest
	if req.Deliver && d.Tier != model.TierIgnore {
		notBefore := req.NotBefore
		if notBefore.IsZero() {
			notBefore = d.DecidedAt
		}
		delivery = &model.DeliveryRequest{
			GoalID:      d.GoalID,
			Channel:     d.Channel,
			DecisionIDs: []uuid.UUID{d.ID},
			NotBefore:   notBefore.UTC(),
		}
	}
	got, created, err := t.EmitDecision(ctx, d, delivery)
	res := Result{Decision: got, Created: created, Enqueued: created && delivery != nil}
	if err != nil {
		return res, fmt.Errorf("emitter: emit %s decision for %s/%s: %w", req.Tier, req.GoalID, req.ItemID, err)
	}
	return res, nil
}
