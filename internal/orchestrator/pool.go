package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/telemetry"
)

var (
	// ErrQueueFull is returned by Submit when the pool's queue is at capacity.
	ErrQueueFull = errors.New("orchestrator: run queue full")
	// ErrPoolClosed is returned by Submit after Drain has begun.
	ErrPoolClosed = errors.New("orchestrator: pool closed")
)

// MatchRunner executes one MatchComputed run.
type MatchRunner interface {
	RunMatch(ctx context.Context, c model.Candidate) (model.Run, error)
}

// Pool runs submitted candidates on a fixed number of goroutines. Runs for
// different (or the same) goal may execute concurrently; emission dedup and
// the coalescing lock carry the ordering guarantees.
type Pool struct {
	runner  MatchRunner
	workers int
	logger  *slog.Logger

	mu     sync.RWMutex
	queue  chan model.Candidate
	closed bool
	group  *errgroup.Group
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(runner MatchRunner, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		logger:  logger,
		queue:   make(chan model.Candidate, queueSize),
	}
}

// Start launches the workers. Runs use a context detached from ctx's
// cancellation so queued work finishes during Drain; each run is still
// bounded by its own deadline.
func (p *Pool) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	p.group = g

	_, _ = telemetry.Meter("infosentry/orchestrator").Int64ObservableGauge("infosentry.pool.queue_depth",
		metric.WithDescription("Candidates waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Len()))
			return nil
		}),
	)

	for range p.workers {
		g.Go(func() error {
			for c := range p.queue {
				if _, err := p.runner.RunMatch(runCtx, c); err != nil {
					p.logger.Warn("pool: run failed", "goal_id", c.GoalID, "item_id", c.ItemID, "error", err)
				}
			}
			return nil
		})
	}
}

// Submit queues c for a MatchComputed run without blocking.
func (p *Pool) Submit(c model.Candidate) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued candidates.
func (p *Pool) Len() int { return len(p.queue) }

// Cap returns the queue capacity.
func (p *Pool) Cap() int { return cap(p.queue) }

// Drain stops accepting work and waits for queued and in-flight runs, or
// until ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	if p.group == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool: drain timed out", "queued", p.Len())
		return ctx.Err()
	}
}
