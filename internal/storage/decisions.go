package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dida1024/infoSentry/internal/model"
)

const decisionColumns = `id, goal_id, item_id, decision, status, channel, reason, dedup_key, run_id, decided_at, sent_at, coalesce_bucket`

// InsertDecision inserts d unless a decision with the same dedup key exists.
// It returns the stored decision and whether this call created it; on
// conflict the existing row is returned unchanged.
func (db *DB) InsertDecision(ctx context.Context, d model.Decision) (model.Decision, bool, error) {
	return db.EmitDecision(ctx, d, nil)
}

// EmitDecision inserts d and, when delivery is non-nil, the outbox row that
// delivers it, in one transaction. Either both rows exist afterwards or
// neither does. On a dedup key conflict the existing decision is returned
// unchanged with created=false and no outbox row is written.
func (db *DB) EmitDecision(ctx context.Context, d model.Decision, delivery *model.DeliveryRequest) (model.Decision, bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	reason, err := json.Marshal(d.Reason)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: encode decision reason: %w", err)
	}

	var (
		got     model.Decision
		created bool
	)
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO push_decisions (id, goal_id, item_id, decision, status, channel, reason, dedup_key, run_id, decided_at, coalesce_bucket)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (dedup_key) DO NOTHING`,
			d.ID, d.GoalID, d.ItemID, string(d.Tier), string(d.Status), d.Channel,
			reason, d.DedupKey, d.RunID, d.DecidedAt, d.CoalesceBucket,
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		if tag.RowsAffected() == 0 {
			got, err = scanDecision(tx.QueryRow(ctx,
				`SELECT `+decisionColumns+` FROM push_decisions WHERE dedup_key = $1`, d.DedupKey))
			if err != nil {
				return fmt.Errorf("load existing decision: %w", err)
			}
			return nil
		}
		got, created = d, true
		if delivery == nil {
			return nil
		}
		var runID uuid.UUID
		if d.RunID != nil {
			runID = *d.RunID
		}
		req := *delivery
		req.DecisionIDs = []uuid.UUID{d.ID}
		if _, err := insertDelivery(ctx, tx, runID, req); err != nil {
			return fmt.Errorf("enqueue delivery: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("storage: emit decision: %w", err)
	}
	return got, created, nil
}

// ListUnflushedCoalesced returns PENDING coalesced decisions whose bucket
// started before bucketBefore and that no outbox row references, ordered by
// goal, bucket and decision time. These belong to coalescing entries that were
// lost before they flushed.
func (db *DB) ListUnflushedCoalesced(ctx context.Context, bucketBefore time.Time, limit int) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM push_decisions d
		 WHERE d.status = 'PENDING'
		   AND d.coalesce_bucket IS NOT NULL
		   AND d.coalesce_bucket < $1
		   AND NOT EXISTS (SELECT 1 FROM delivery_outbox o WHERE o.decision_ids @> ARRAY[d.id])
		 ORDER BY d.goal_id, d.coalesce_bucket, d.decided_at
		 LIMIT $2`,
		bucketBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unflushed coalesced decisions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Decision, error) {
		return scanDecision(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan coalesced decision: %w", err)
	}
	return out, nil
}

// GetDecision retrieves a decision by id.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM push_decisions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// GetDecisionsByIDs returns the decisions with the given ids, oldest first.
// Missing ids are skipped.
func (db *DB) GetDecisionsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Decision, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM push_decisions WHERE id = ANY($1) ORDER BY decided_at ASC`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDecisionsSent moves PENDING decisions to SENT. Decisions in any other
// status are left alone. It returns the number of decisions updated.
func (db *DB) MarkDecisionsSent(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE push_decisions SET status = 'SENT', sent_at = $1
		 WHERE id = ANY($2) AND status = 'PENDING'`,
		at, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark decisions sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkDecisionsFailed moves PENDING decisions to FAILED.
func (db *DB) MarkDecisionsFailed(ctx context.Context, ids []uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE push_decisions SET status = 'FAILED'
		 WHERE id = ANY($1) AND status = 'PENDING'`,
		ids,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark decisions failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDecision(row pgx.Row) (model.Decision, error) {
	var (
		d            model.Decision
		tier, status string
		reason       []byte
	)
	if err := row.Scan(&d.ID, &d.GoalID, &d.ItemID, &tier, &status, &d.Channel,
		&reason, &d.DedupKey, &d.RunID, &d.DecidedAt, &d.SentAt, &d.CoalesceBucket); err != nil {
		return model.Decision{}, err
	}
	d.Tier = model.Tier(tier)
	d.Status = model.DeliveryStatus(status)
	if err := json.Unmarshal(reason, &d.Reason); err != nil {
		return model.Decision{}, fmt.Errorf("decode reason: %w", err)
	}
	return d, nil
}
