// Package coalesce merges immediate-tier decisions for the same goal into a
// single delivery per time bucket.
//
// Offer reserves a slot in the (goal, bucket) entry and returns a Ticket.
// The run that owns the ticket later commits it with the persisted decision
// id, or abandons it if emission did not create a decision. An entry closes
// when it reaches its item cap (synchronously, inside Offer) or when its
// deadline passes (Sweep). A closed entry flushes exactly once, as soon as
// every member is resolved, and only committed decisions are delivered.
package coalesce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/telemetry"
)

// Flusher delivers a flushed entry. The orchestrator implements it by running
// a CoalesceFlush run so the delivery enqueue is recorded like any other.
type Flusher interface {
	FlushCoalesced(ctx context.Context, flush model.CoalesceFlush) error
}

// Limits are the window parameters for one offer. They come from the run's
// policy snapshot, so a policy reload applies to new entries only.
type Limits struct {
	Window   time.Duration
	MaxItems int
}

type entryKey struct {
	goalID string
	bucket time.Time
}

type entry struct {
	key      entryKey
	deadline time.Time
	members  []*Ticket
	closed   bool
	flushed  bool
}

type ticketState int

const (
	ticketPending ticketState = iota
	ticketCommitted
	ticketAbandoned
)

// Ticket is one reserved slot in a coalescing entry.
type Ticket struct {
	w          *Window
	e          *entry
	state      ticketState
	decisionID uuid.UUID
}

// BucketStart returns the start of the ticket's time bucket.
func (t *Ticket) BucketStart() time.Time { return t.e.key.bucket }

// Window is the in-process coalescing buffer. A single mutex serializes the
// append-and-maybe-close sequence, so the item cap is never exceeded and each
// entry flushes once.
type Window struct {
	logger   *slog.Logger
	flusher  Flusher
	interval time.Duration
	now      func() time.Time
	recovery *Recovery

	mu      sync.Mutex
	entries map[entryKey]*entry

	flushes metric.Int64Counter

	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// New creates a coalescing window that sweeps expired entries every interval.
func New(flusher Flusher, interval time.Duration, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{
		logger:   logger,
		flusher:  flusher,
		interval: interval,
		now:      time.Now,
		entries:  make(map[entryKey]*entry),
		done:     make(chan struct{}),
	}
}

// SetFlusher sets the flusher. It must be called before Start.
func (w *Window) SetFlusher(f Flusher) { w.flusher = f }

// Offer reserves a slot in goalID's current bucket. The bucket is
// the wall-clock floor of now to a multiple of lim.Window (UTC). flushedNow is
// true when this offer filled the entry to lim.MaxItems and closed it; the
// next offer for the same goal and bucket opens a new entry.
func (w *Window) Offer(goalID string, lim Limits) (t *Ticket, flushedNow bool) {
	if lim.MaxItems < 1 {
		lim.MaxItems = 1
	}
	now := w.now().UTC()
	bucket := now.Truncate(lim.Window)
	k := entryKey{goalID: goalID, bucket: bucket}

	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[k]
	if !ok {
		e = &entry{key: k, deadline: bucket.Add(lim.Window)}
		w.entries[k] = e
	}
	t = &Ticket{w: w, e: e}
	e.members = append(e.members, t)

	if len(e.members) >= lim.MaxItems {
		e.closed = true
		delete(w.entries, k)
		flushedNow = true
	}
	return t, flushedNow
}

// Commit records the decision persisted for this slot. It returns the flush
// if this commit resolved the last pending member of a closed entry.
func (t *Ticket) Commit(decisionID uuid.UUID) *model.CoalesceFlush {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	if t.state != ticketPending {
		return nil
	}
	t.state = ticketCommitted
	t.decisionID = decisionID
	return t.w.maybeFlushLocked(t.e)
}

// Abandon releases the slot without a decision. While the entry is open the
// slot is removed, freeing capacity. On a closed entry the slot counts as
// resolved and the flush is returned if it was the last pending member.
func (t *Ticket) Abandon() *model.CoalesceFlush {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	if t.state != ticketPending {
		return nil
	}
	t.state = ticketAbandoned
	e := t.e
	if !e.closed {
		for i, m := range e.members {
			if m == t {
				e.members = append(e.members[:i], e.members[i+1:]...)
				break
			}
		}
		if len(e.members) == 0 {
			delete(t.w.entries, e.key)
		}
		return nil
	}
	return t.w.maybeFlushLocked(e)
}

// maybeFlushLocked flushes a closed entry once all members are resolved.
// An entry with no committed member is marked flushed without a delivery.
func (w *Window) maybeFlushLocked(e *entry) *model.CoalesceFlush {
	if !e.closed || e.flushed {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(e.members))
	for _, m := range e.members {
		switch m.state {
		case ticketPending:
			return nil
		case ticketCommitted:
			ids = append(ids, m.decisionID)
		}
	}
	e.flushed = true
	if len(ids) == 0 {
		return nil
	}
	if w.flushes != nil {
		w.flushes.Add(context.Background(), 1)
	}
	return &model.CoalesceFlush{GoalID: e.key.goalID, BucketStart: e.key.bucket, DecisionIDs: ids}
}

// Sweep closes every entry whose deadline is at or before now and returns the
// flushes that are ready. Entries with pending members flush later, from the
// Commit or Abandon call that resolves them.
func (w *Window) Sweep(now time.Time) []model.CoalesceFlush {
	return w.sweep(now, false)
}

func (w *Window) sweep(now time.Time, all bool) []model.CoalesceFlush {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []model.CoalesceFlush
	for k, e := range w.entries {
		if !all && e.deadline.After(now) {
			continue
		}
		e.closed = true
		delete(w.entries, k)
		if f := w.maybeFlushLocked(e); f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// Len returns the number of open entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Start begins the background sweep loop and registers OTEL metrics. With
// SetRecovery it also starts the recovery loop, whose first pass runs
// immediately. Call Drain to stop.
func (w *Window) Start(ctx context.Context) {
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.sweepLoop(loopCtx)
	if w.recovery != nil {
		go w.recoverLoop(loopCtx)
	}
}

func (w *Window) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Force-flush everything still open. ctx is already done, so the
			// final deliveries use the drain context.
			final := w.drainCtx
			if final == nil {
				var cancel context.CancelFunc
				final, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			w.Deliver(final, w.sweep(time.Time{}, true)...)
			close(w.done)
			return
		case <-ticker.C:
			w.Deliver(ctx, w.Sweep(w.now().UTC())...)
		}
	}
}

// Deliver hands flushes to the flusher, logging failures. It is used for
// flushes that surface outside a run that could enqueue them itself.
func (w *Window) Deliver(ctx context.Context, flushes ...model.CoalesceFlush) {
	for _, f := range flushes {
		if w.flusher == nil {
			w.logger.Warn("coalesce: no flusher configured, dropping flush", "goal_id", f.GoalID, "decisions", len(f.DecisionIDs))
			continue
		}
		if err := w.flusher.FlushCoalesced(ctx, f); err != nil {
			w.logger.Error("coalesce: flush failed", "error", err, "goal_id", f.GoalID,
				"bucket", f.BucketStart, "decisions", len(f.DecisionIDs))
			continue
		}
		w.logger.Info("coalesce: entry flushed", "goal_id", f.GoalID,
			"bucket", f.BucketStart, "decisions", len(f.DecisionIDs))
	}
}

// Drain stops the sweep loop after force-flushing all open entries. The ctx
// bounds both the wait and the final deliveries.
func (w *Window) Drain(ctx context.Context) {
	w.drainCtx = ctx
	if w.cancelLoop == nil {
		return
	}
	w.cancelLoop()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("coalesce: drain timed out waiting for sweep loop")
	}
}

func (w *Window) registerMetrics() {
	meter := telemetry.Meter("infosentry/coalesce")

	_, _ = meter.Int64ObservableGauge("infosentry.coalesce.open_entries",
		metric.WithDescription("Current number of open coalescing entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Len()))
			return nil
		}),
	)
	flushes, err := meter.Int64Counter("infosentry.coalesce.flushes",
		metric.WithDescription("Coalescing entries flushed into a delivery"))
	if err == nil {
		w.mu.Lock()
		w.flushes = flushes
		w.mu.Unlock()
	}
}
