package coalesce

import (
	"context"
	"errors"
	"time"

	"github.com/dida1024/infoSentry/internal/model"
)

// Orphans lists coalesced decisions that no delivery references.
type Orphans interface {
	ListUnflushedCoalesced(ctx context.Context, bucketBefore time.Time, limit int) ([]model.Decision, error)
}

// Recovery re-flushes coalesced decisions whose entry was lost: the process
// holding it exited without draining, so the decisions were committed but
// never handed to a flush. Entries live in one process's memory, so this is
// how a restarted or surviving worker picks them up.
type Recovery struct {
	Source Orphans
	// Every is the interval between recovery passes in the sweep loop.
	Every time.Duration
	// Limits returns the current window limits. A bucket is considered lost
	// once its deadline (bucket start + Window) is more than Grace ago.
	Limits func() Limits
	Grace  time.Duration
	// Batch caps the decisions read per pass.
	Batch int
}

// SetRecovery enables periodic recovery. It must be called before Start.
func (w *Window) SetRecovery(r Recovery) {
	if r.Batch <= 0 {
		r.Batch = 500
	}
	w.recovery = &r
}

// Recover runs one recovery pass and returns the number of decisions handed
// to the flusher. It is a no-op without SetRecovery.
func (w *Window) Recover(ctx context.Context) (int, error) {
	r := w.recovery
	if r == nil || r.Source == nil {
		return 0, nil
	}
	if w.flusher == nil {
		return 0, errors.New("coalesce: recover: no flusher configured")
	}
	lim := r.Limits()
	cutoff := w.now().UTC().Add(-lim.Window - r.Grace)
	orphans, err := r.Source.ListUnflushedCoalesced(ctx, cutoff, r.Batch)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, f := range regroup(orphans, lim.MaxItems) {
		if err := w.flusher.FlushCoalesced(ctx, f); err != nil {
			errs = append(errs, err)
			continue
		}
		n += len(f.DecisionIDs)
		w.logger.Warn("coalesce: recovered lost entry", "goal_id", f.GoalID,
			"bucket", f.BucketStart, "decisions", len(f.DecisionIDs))
	}
	return n, errors.Join(errs...)
}

// regroup rebuilds flushes from decisions ordered by goal and bucket, with at
// most maxItems decisions per flush.
func regroup(decisions []model.Decision, maxItems int) []model.CoalesceFlush {
	var out []model.CoalesceFlush
	for _, d := range decisions {
		if d.CoalesceBucket == nil {
			continue
		}
		bucket := d.CoalesceBucket.UTC()
		last := len(out) - 1
		if last < 0 || out[last].GoalID != d.GoalID || !out[last].BucketStart.Equal(bucket) ||
			(maxItems > 0 && len(out[last].DecisionIDs) >= maxItems) {
			out = append(out, model.CoalesceFlush{GoalID: d.GoalID, BucketStart: bucket})
			last++
		}
		out[last].DecisionIDs = append(out[last].DecisionIDs, d.ID)
	}
	return out
}

// recoverLoop runs recovery passes until ctx is done.
func (w *Window) recoverLoop(ctx context.Context) {
	every := w.recovery.Every
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if n, err := w.Recover(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("coalesce: recovery pass failed", "error", err, "recovered", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
