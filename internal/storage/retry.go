package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retriableStates are the SQLSTATEs after which re-running the whole
// statement or transaction can succeed.
var retriableStates = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

// retryReason returns the condition name when err is retriable.
func retryReason(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	reason, ok := retriableStates[pgErr.Code]
	return reason, ok
}

// RetryPolicy bounds retries of contended writes. Attempts counts the first
// try. Delays grow exponentially from BaseDelay, are capped at MaxDelay and
// fully jittered.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry suits short single-statement upserts like the budget counters.
var DefaultRetry = RetryPolicy{Attempts: 4, BaseDelay: 20 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.MaxDelay
	if attempt < 32 {
		if grown := p.BaseDelay << attempt; grown > 0 && grown < d {
			d = grown
		}
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)) + 1) //nolint:gosec // jitter doesn't need crypto-strength randomness
}

// withRetry runs fn until it succeeds, fails with a non-retriable error or
// runs out of attempts. op names the operation in logs.
func (db *DB) withRetry(ctx context.Context, op string, p RetryPolicy, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var err error
	for attempt := range p.Attempts {
		if err = fn(); err == nil {
			if attempt > 0 {
				db.logger.Debug("storage: retry succeeded", "op", op, "attempts", attempt+1)
			}
			return nil
		}
		reason, ok := retryReason(err)
		if !ok || attempt == p.Attempts-1 {
			break
		}
		wait := p.delay(attempt)
		db.logger.Debug("storage: retrying", "op", op, "reason", reason, "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	if reason, ok := retryReason(err); ok {
		db.logger.Warn("storage: retries exhausted", "op", op, "reason", reason, "attempts", p.Attempts)
	}
	return err
}
