// Package delivery drains the delivery outbox. Decisions that should reach a
// user are enqueued by runs; the dispatcher claims due rows, enforces the
// per-goal send rate, hands them to a Sender and records the outcome.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/ratelimit"
	"github.com/dida1024/infoSentry/internal/storage"
	"github.com/dida1024/infoSentry/internal/telemetry"
)

// Defaults for Options fields left zero.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 50
	DefaultLease        = 60 * time.Second
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultDeferDelay   = 5 * time.Minute

	maxBackoff = 5 * time.Minute
)

// Store is the outbox and decision storage the dispatcher needs.
type Store interface {
	ClaimDueDeliveries(ctx context.Context, limit int, lease time.Duration) ([]model.Delivery, error)
	GetDecisionsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Decision, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkDeliveryFailed(ctx context.Context, id int64, errMsg string, retryAt time.Time) (int, error)
	DeferDelivery(ctx context.Context, id int64, at time.Time) error
	MarkDecisionsSent(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error)
	MarkDecisionsFailed(ctx context.Context, ids []uuid.UUID) (int64, error)
	DeliveryQueueDepth(ctx context.Context) (int64, error)
	CleanupDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier delivers LISTEN/NOTIFY wakeups. storage.DB implements it.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Options tunes a Dispatcher. Zero fields take the package defaults.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration // must exceed the time to send one batch
	Retention    time.Duration // delivered rows and dead letters older than this are deleted
	DeferDelay   time.Duration // rate-limited rows wait this long unless the limiter says otherwise

	// Enabled, when set, is consulted before every batch; while it reports
	// false nothing is claimed and rows wait in the outbox.
	Enabled func() bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = DefaultDeferDelay
	}
	return o
}

// Dispatcher polls the delivery outbox and sends due rows.
type Dispatcher struct {
	store    Store
	sender   Sender
	limiter  ratelimit.Limiter
	notifier Notifier
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	wake        chan struct{}
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll

	outcomes metric.Int64Counter
}

// New creates a dispatcher. limiter caps sends per goal and may be nil for
// no cap; notifier may be nil, in which case the dispatcher only polls.
func New(store Store, sender Sender, limiter ratelimit.Limiter, notifier Notifier, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	outcomes, _ := telemetry.Meter("infosentry/delivery").Int64Counter("infosentry.deliveries",
		metric.WithDescription("Outbox rows processed by outcome"))
	return &Dispatcher{
		store:    store,
		sender:   sender,
		limiter:  limiter,
		notifier: notifier,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		drainCh:  make(chan context.Context, 1),
		outcomes: outcomes,
	}
}

// Start begins the background poll loop, plus a listener when a notifier is
// configured. It is safe to call only once; later calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("delivery: Start called more than once, ignoring")
		return
	}
	d.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelLoop = cancel
	if d.notifier != nil {
		go d.listen(loopCtx)
	}
	go d.pollLoop(loopCtx)
}

// Wake makes the poll loop run now instead of at its next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Drain stops the poll loop after one final batch and blocks until it is
// done or ctx expires. The final batch runs under ctx.
func (d *Dispatcher) Drain(ctx context.Context) {
	if !d.started.Load() {
		return
	}
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case d.drainCh <- ctx:
	default:
	}
	if d.cancelLoop != nil {
		d.cancelLoop()
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("delivery: drain timed out")
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-d.drainCh:
			default:
			}
			if drainCtx != nil {
				d.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				d.processBatch(fallbackCtx)
				cancel()
			}
			d.once.Do(func() { close(d.done) })
			return
		case <-ticker.C:
		case <-d.wake:
		}
		batchCtx, cancel := context.WithTimeout(ctx, d.opts.Lease/2)
		d.processBatch(batchCtx)
		cancel()
	}
}

// listen turns outbox notifications into wakeups. A broken connection is
// retried after one poll interval; polling covers the gap.
func (d *Dispatcher) listen(ctx context.Context) {
	for ctx.Err() == nil {
		if err := d.notifier.Listen(ctx, storage.ChannelDelivery); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("delivery: listen failed, polling only", "error", err)
			if !sleep(ctx, d.opts.PollInterval) {
				return
			}
			continue
		}
		for {
			if _, _, err := d.notifier.WaitForNotification(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("delivery: notification wait failed", "error", err)
				if !sleep(ctx, d.opts.PollInterval) {
					return
				}
				break
			}
			d.Wake()
		}
	}
}

func sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// processBatch claims one batch of due rows and sends them in order.
func (d *Dispatcher) processBatch(ctx context.Context) {
	if d.opts.Enabled != nil && !d.opts.Enabled() {
		return
	}
	rows, err := d.store.ClaimDueDeliveries(ctx, d.opts.BatchSize, d.opts.Lease)
	if err != nil {
		d.logger.Error("delivery: claim due rows", "error", err)
		return
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			// Unprocessed rows are released when their lease expires.
			break
		}
		d.deliver(ctx, row)
	}

	if d.now().Sub(d.lastCleanup) > time.Hour {
		d.cleanup(ctx)
		d.lastCleanup = d.now()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, row model.Delivery) {
	log := d.logger.With("delivery_id", row.ID, "goal_id", row.GoalID, "channel", row.Channel)

	decisions, err := d.store.GetDecisionsByIDs(ctx, row.DecisionIDs)
	if err != nil {
		d.fail(ctx, row, fmt.Errorf("load decisions: %w", err))
		return
	}
	pending := decisions[:0:0]
	for _, dec := range decisions {
		if dec.Status == model.DeliveryPending {
			pending = append(pending, dec)
		}
	}
	if len(pending) == 0 {
		// Every decision was already sent, failed or skipped elsewhere.
		if err := d.store.MarkDelivered(ctx, row.ID, d.now()); err != nil {
			log.Error("delivery: mark empty row delivered", "error", err)
		}
		d.count(ctx, "empty")
		return
	}

	key := "goal:" + row.GoalID
	ok, err := d.limiter.Allow(ctx, key)
	if err != nil {
		log.Warn("delivery: rate limiter error, sending anyway", "error", err)
		ok = true
	}
	if !ok {
		delay := d.opts.DeferDelay
		if dl, isDelayer := d.limiter.(ratelimit.Delayer); isDelayer {
			if wait := dl.Delay(key); wait > 0 {
				delay = wait
			}
		}
		if err := d.store.DeferDelivery(ctx, row.ID, d.now().Add(delay)); err != nil {
			log.Error("delivery: defer rate-limited row", "error", err)
		}
		log.Info("delivery: goal over hourly limit, deferred", "delay", delay)
		d.count(ctx, "deferred")
		return
	}

	if err := d.sender.Send(ctx, row, pending); err != nil {
		d.fail(ctx, row, err)
		return
	}

	at := d.now()
	if err := d.store.MarkDelivered(ctx, row.ID, at); err != nil {
		// The row will be claimed again after its lease and the send repeated.
		log.Error("delivery: mark delivered", "error", err)
		return
	}
	ids := make([]uuid.UUID, len(pending))
	for i, dec := range pending {
		ids[i] = dec.ID
	}
	if _, err := d.store.MarkDecisionsSent(ctx, ids, at); err != nil {
		log.Error("delivery: mark decisions sent", "error", err)
	}
	d.count(ctx, "sent")
	log.Info("delivery: sent", "decisions", len(pending))
}

// fail records a failed attempt with exponential backoff: 2^attempts seconds,
// capped at five minutes. A row that reaches storage.MaxDeliveryAttempts is
// a dead letter and its decisions are marked FAILED.
func (d *Dispatcher) fail(ctx context.Context, row model.Delivery, cause error) {
	retryAt := d.now().Add(Backoff(row.Attempts + 1))
	attempts, err := d.store.MarkDeliveryFailed(ctx, row.ID, cause.Error(), retryAt)
	if err != nil {
		d.logger.Error("delivery: record failed attempt", "delivery_id", row.ID, "error", err)
		return
	}
	if attempts < storage.MaxDeliveryAttempts {
		d.logger.Warn("delivery: send failed, will retry",
			"delivery_id", row.ID, "goal_id", row.GoalID, "attempts", attempts, "retry_at", retryAt, "error", cause)
		d.count(ctx, "failed")
		return
	}
	if _, err := d.store.MarkDecisionsFailed(ctx, row.DecisionIDs); err != nil {
		d.logger.Error("delivery: mark decisions failed", "delivery_id", row.ID, "error", err)
	}
	d.logger.Warn("delivery: dead-letter row",
		"delivery_id", row.ID, "goal_id", row.GoalID, "attempts", attempts, "error", cause)
	d.count(ctx, "dead_letter")
}

// Backoff returns the retry delay after the given number of failed attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	secs := math.Pow(2, float64(attempts))
	if secs >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(secs) * time.Second
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	n, err := d.store.CleanupDeliveries(ctx, d.now().Add(-d.opts.Retention))
	if err != nil {
		d.logger.Error("delivery: cleanup failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("delivery: cleaned old rows", "deleted", n)
	}
}

func (d *Dispatcher) count(ctx context.Context, outcome string) {
	if d.outcomes != nil {
		d.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// registerMetrics registers an observable gauge for outbox depth.
func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter("infosentry/delivery")

	_, _ = meter.Int64ObservableGauge("infosentry.delivery.queue_depth",
		metric.WithDescription("Undelivered rows in the delivery outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := d.store.DeliveryQueueDepth(ctx)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(n)
			return nil
		}),
	)
}
