package coalesce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dida1024/infoSentry/internal/model"
)

var defaultLimits = Limits{Window: 5 * time.Minute, MaxItems: 3}

func newTestWindow(now time.Time) *Window {
	w := New(nil, time.Hour, nil)
	w.now = func() time.Time { return now }
	return w
}

func TestOffer_ThirdOfferFlushesSynchronously(t *testing.T) {
	w := newTestWindow(time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC))

	var tickets []*Ticket
	for i := range 3 {
		tk, flushedNow := w.Offer("g1", defaultLimits)
		assert.Equal(t, i == 2, flushedNow, "offer %d", i+1)
		tickets = append(tickets, tk)
	}
	assert.Equal(t, 0, w.Len(), "closed entry leaves the open set")

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	assert.Nil(t, tickets[0].Commit(ids[0]))
	assert.Nil(t, tickets[1].Commit(ids[1]))
	flush := tickets[2].Commit(ids[2])
	require.NotNil(t, flush)
	assert.Equal(t, "g1", flush.GoalID)
	assert.Equal(t, ids, flush.DecisionIDs)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), flush.BucketStart)
}

func TestOffer_FourthOfferStartsNewEntry(t *testing.T) {
	w := newTestWindow(time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC))

	first := make([]*Ticket, 3)
	for i := range first {
		first[i], _ = w.Offer("g1", defaultLimits)
	}
	fourth, flushedNow := w.Offer("g1", defaultLimits)
	assert.False(t, flushedNow)
	assert.Equal(t, 1, w.Len())
	assert.NotSame(t, first[0].e, fourth.e)
	assert.Equal(t, first[0].BucketStart(), fourth.BucketStart())
}

func TestOffer_CapNeverExceededUnderConcurrency(t *testing.T) {
	w := newTestWindow(time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC))

	const n = 30
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		tickets []*Ticket
		flushed int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, f := w.Offer("g1", defaultLimits)
			mu.Lock()
			tickets = append(tickets, tk)
			if f {
				flushed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, n/3, flushed)
	perEntry := map[*entry]int{}
	for _, tk := range tickets {
		perEntry[tk.e]++
	}
	for _, c := range perEntry {
		assert.LessOrEqual(t, c, 3)
	}
}

func TestSweep_FlushesExpiredEntries(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC)
	w := newTestWindow(start)

	tk, _ := w.Offer("g1", defaultLimits)
	id := uuid.New()
	assert.Nil(t, tk.Commit(id), "open entry does not flush on commit")

	assert.Empty(t, w.Sweep(start.Add(time.Minute)), "deadline not reached")
	flushes := w.Sweep(time.Date(2026, 5, 1, 10, 5, 0, 0, time.UTC))
	require.Len(t, flushes, 1)
	assert.Equal(t, []uuid.UUID{id}, flushes[0].DecisionIDs)

	assert.Empty(t, w.Sweep(time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)), "flush is not repeated")
}

func TestSweep_WaitsForPendingMembers(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC)
	w := newTestWindow(start)

	a, _ := w.Offer("g1", defaultLimits)
	b, _ := w.Offer("g1", defaultLimits)
	idA := uuid.New()
	a.Commit(idA)

	assert.Empty(t, w.Sweep(start.Add(10*time.Minute)), "b still pending")
	flush := b.Abandon()
	require.NotNil(t, flush, "last resolution flushes the closed entry")
	assert.Equal(t, []uuid.UUID{idA}, flush.DecisionIDs)
}

func TestAbandon_OpenEntryFreesSlot(t *testing.T) {
	w := newTestWindow(time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC))

	a, _ := w.Offer("g1", defaultLimits)
	_, _ = w.Offer("g1", defaultLimits)
	assert.Nil(t, a.Abandon())

	_, flushedNow := w.Offer("g1", defaultLimits)
	assert.False(t, flushedNow, "abandoned slot does not count toward the cap")
	_, flushedNow = w.Offer("g1", defaultLimits)
	assert.True(t, flushedNow)
}

func TestAbandon_AllMembersNoDelivery(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC)
	w := newTestWindow(start)

	a, _ := w.Offer("g1", defaultLimits)
	assert.Nil(t, a.Abandon())
	assert.Equal(t, 0, w.Len(), "empty entry is removed")
	assert.Empty(t, w.Sweep(start.Add(time.Hour)))
}

func TestCommit_Idempotent(t *testing.T) {
	w := newTestWindow(time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC))
	lim := Limits{Window: 5 * time.Minute, MaxItems: 1}

	tk, flushedNow := w.Offer("g1", lim)
	require.True(t, flushedNow)
	require.NotNil(t, tk.Commit(uuid.New()))
	assert.Nil(t, tk.Commit(uuid.New()))
	assert.Nil(t, tk.Abandon())
}

func TestOffer_GoalsAndBucketsAreIndependent(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 4, 59, 0, time.UTC)
	w := newTestWindow(now)

	a, _ := w.Offer("g1", defaultLimits)
	b, _ := w.Offer("g2", defaultLimits)
	assert.NotSame(t, a.e, b.e)

	w.now = func() time.Time { return now.Add(2 * time.Second) }
	c, _ := w.Offer("g1", defaultLimits)
	assert.NotSame(t, a.e, c.e, "10:05:01 falls into the next bucket")
	assert.Equal(t, 3, w.Len())
}

type recordingFlusher struct {
	mu      sync.Mutex
	flushes []model.CoalesceFlush
}

func (r *recordingFlusher) FlushCoalesced(_ context.Context, f model.CoalesceFlush) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, f)
	return nil
}

func (r *recordingFlusher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func TestDrain_ForceFlushesOpenEntries(t *testing.T) {
	f := &recordingFlusher{}
	w := New(f, time.Hour, nil)
	w.Start(context.Background())

	tk, _ := w.Offer("g1", defaultLimits)
	tk.Commit(uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(ctx)

	assert.Equal(t, 1, f.count())
	assert.Equal(t, 0, w.Len())
}

func TestStart_SweepLoopDeliversExpired(t *testing.T) {
	f := &recordingFlusher{}
	w := New(f, 10*time.Millisecond, nil)
	w.Start(context.Background())
	defer w.Drain(context.Background())

	tk, _ := w.Offer("g1", Limits{Window: 20 * time.Millisecond, MaxItems: 3})
	tk.Commit(uuid.New())

	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}
