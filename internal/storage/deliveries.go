package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dida1024/infoSentry/internal/model"
)

// MaxDeliveryAttempts is the number of failed sends after which an outbox row
// is left as a dead letter.
const MaxDeliveryAttempts = 10

// EnqueueDelivery writes one outbox row and notifies ChannelDelivery in the
// same transaction, so a listener never wakes for a row it cannot see.
func (db *DB) EnqueueDelivery(ctx context.Context, runID uuid.UUID, req model.DeliveryRequest) (int64, error) {
	if len(req.DecisionIDs) == 0 {
		return 0, fmt.Errorf("storage: enqueue delivery: no decisions")
	}
	var id int64
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		id, err = insertDelivery(ctx, tx, runID, req)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: enqueue delivery: %w", err)
	}
	return id, nil
}

// insertDelivery writes an outbox row inside tx and notifies ChannelDelivery.
// The notification is sent on commit.
func insertDelivery(ctx context.Context, tx pgx.Tx, runID uuid.UUID, req model.DeliveryRequest) (int64, error) {
	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}
	var runRef *uuid.UUID
	if runID != uuid.Nil {
		runRef = &runID
	}
	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO delivery_outbox (run_id, goal_id, channel, decision_ids, not_before)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		runRef, req.GoalID, req.Channel, req.DecisionIDs, notBefore,
	).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelDelivery, strconv.FormatInt(id, 10)); err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimDueDeliveries locks up to limit due, undelivered rows for lease and
// returns them. Rows locked by another dispatcher are skipped, so concurrent
// dispatchers never claim the same row.
func (db *DB) ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration) ([]model.Delivery, error) {
	var out []model.Delivery
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, run_id, goal_id, channel, decision_ids, not_before, attempts, created_at
			 FROM delivery_outbox
			 WHERE delivered_at IS NULL
			   AND not_before <= now()
			   AND (locked_until IS NULL OR locked_until < now())
			   AND attempts < $1
			 ORDER BY not_before ASC, id ASC
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED`,
			MaxDeliveryAttempts, limit,
		)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Delivery, error) {
			var d model.Delivery
			err := row.Scan(&d.ID, &d.RunID, &d.GoalID, &d.Channel, &d.DecisionIDs,
				&d.NotBefore, &d.Attempts, &d.CreatedAt)
			return d, err
		})
		if err != nil || len(out) == 0 {
			return err
		}

		ids := make([]int64, len(out))
		for i, d := range out {
			ids[i] = d.ID
		}
		_, err = tx.Exec(ctx,
			`UPDATE delivery_outbox SET locked_until = now() + $1::bigint * interval '1 millisecond'
			 WHERE id = ANY($2)`,
			lease.Milliseconds(), ids,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: claim deliveries: %w", err)
	}
	return out, nil
}

// MarkDelivered records a successful send.
func (db *DB) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE delivery_outbox SET delivered_at = $1, locked_until = NULL, last_error = NULL
		 WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark delivered: %w", err)
	}
	return nil
}

// MarkDeliveryFailed records a failed attempt and holds the row until
// retryAt. It returns the attempt count after the increment.
func (db *DB) MarkDeliveryFailed(ctx context.Context, id int64, errMsg string, retryAt time.Time) (int, error) {
	var attempts int
	err := db.pool.QueryRow(ctx,
		`UPDATE delivery_outbox
		 SET attempts = attempts + 1, last_error = $1, locked_until = $2
		 WHERE id = $3
		 RETURNING attempts`,
		errMsg, retryAt, id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("storage: mark delivery failed: %w", err)
	}
	return attempts, nil
}

// DeferDelivery pushes a row's not_before to at without counting an attempt.
func (db *DB) DeferDelivery(ctx context.Context, id int64, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE delivery_outbox SET not_before = $1, locked_until = NULL WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("storage: defer delivery: %w", err)
	}
	return nil
}

// DeliveryQueueDepth counts undelivered rows that can still be retried.
func (db *DB) DeliveryQueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_outbox WHERE delivered_at IS NULL AND attempts < $1`,
		MaxDeliveryAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: delivery queue depth: %w", err)
	}
	return n, nil
}

// CleanupDeliveries deletes delivered rows and dead letters older than cutoff.
func (db *DB) CleanupDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM delivery_outbox
		 WHERE created_at < $1 AND (delivered_at IS NOT NULL OR attempts >= $2)`,
		cutoff, MaxDeliveryAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
