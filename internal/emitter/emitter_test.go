package emitter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dida1024/infoSentry/internal/budget"
	"github.com/dida1024/infoSentry/internal/emitter"
	"github.com/dida1024/infoSentry/internal/integrity"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/testutil"
	"github.com/dida1024/infoSentry/internal/tools"
)

func newToolbox(store *testutil.MemStore) *tools.Toolbox {
	ledger := budget.NewLedger(store, func() model.BudgetLimits { return model.DefaultPolicy().Budget }, testutil.TestLogger())
	return tools.NewToolbox(store, ledger, nil, nil)
}

func batchRequest() emitter.Request {
	return emitter.Request{
		GoalID:    "g1",
		ItemID:    "i1",
		Tier:      model.TierBatch,
		Reason:    model.Reason{Summary: "score in batch range"},
		Channel:   model.ChannelEmail,
		DecidedAt: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
		Deliver:   true,
	}
}

func TestEmit_FreshInsertEnqueuesOneDelivery(t *testing.T) {
	store := testutil.NewMemStore()
	reg := newToolbox(store).ForRun(uuid.New())

	res, err := emitter.Emit(context.Background(), reg, batchRequest())
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.True(t, res.Enqueued)
	assert.Equal(t, model.DeliveryPending, res.Decision.Status)
	assert.Equal(t, integrity.DedupKey("g1", "i1", "BATCH"), res.Decision.DedupKey)
	assert.Equal(t, integrity.DecisionID(res.Decision.DedupKey), res.Decision.ID)
	require.NotNil(t, res.Decision.RunID)
	assert.Equal(t, reg.RunID(), *res.Decision.RunID)

	deliveries := store.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, []uuid.UUID{res.Decision.ID}, deliveries[0].DecisionIDs)

	actions := reg.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionEmitDecision, actions[0].Type)
	assert.Equal(t, model.ActionEnqueueDelivery, actions[1].Type)
	assert.Len(t, store.Ledger(reg.RunID()), 2)

	calls := store.ToolCalls(reg.RunID())
	require.Len(t, calls, 1, "decision and delivery are one emit_decision call")
	assert.Equal(t, tools.ToolEmitDecision, calls[0].ToolName)
	assert.Contains(t, string(calls[0].Input), `"delivery"`)
}

func TestEmit_ReemissionReturnsExistingUnchanged(t *testing.T) {
	store := testutil.NewMemStore()
	tb := newToolbox(store)

	first, err := emitter.Emit(context.Background(), tb.ForRun(uuid.New()), batchRequest())
	require.NoError(t, err)

	again := batchRequest()
	again.Reason = model.Reason{Summary: "a different explanation"}
	again.DecidedAt = again.DecidedAt.Add(time.Hour)
	reg := tb.ForRun(uuid.New())
	second, err := emitter.Emit(context.Background(), reg, again)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.False(t, second.Enqueued)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Len(t, store.Decisions(), 1)
	assert.Len(t, store.Deliveries(), 1)
	assert.Empty(t, reg.Actions(), "a no-op emission appends no ledger entry")
	assert.Len(t, store.ToolCalls(reg.RunID()), 1, "the attempt itself is still audited")
}

func TestEmit_ConcurrentDuplicatesHaveOneWinner(t *testing.T) {
	store := testutil.NewMemStore()
	tb := newToolbox(store)

	const n = 20
	var wg sync.WaitGroup
	results := make([]emitter.Result, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := emitter.Emit(context.Background(), tb.ForRun(uuid.New()), batchRequest())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		if r.Created {
			created++
		}
		assert.Equal(t, results[0].Decision.ID, r.Decision.ID)
	}
	assert.Equal(t, 1, created)
	assert.Len(t, store.Decisions(), 1)
	assert.Len(t, store.Deliveries(), 1)
}

func TestEmit_IgnoreIsSkippedWithoutDelivery(t *testing.T) {
	store := testutil.NewMemStore()
	reg := newToolbox(store).ForRun(uuid.New())

	req := batchRequest()
	req.Tier = model.TierIgnore
	res, err := emitter.Emit(context.Background(), reg, req)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.False(t, res.Enqueued)
	assert.Equal(t, model.DeliverySkipped, res.Decision.Status)
	assert.Empty(t, store.Deliveries())
	require.Len(t, reg.Actions(), 1)
	assert.Equal(t, model.TierIgnore, reg.Actions()[0].Decision)
}

func TestEmit_DeliverFalseRecordsOnly(t *testing.T) {
	store := testutil.NewMemStore()
	reg := newToolbox(store).ForRun(uuid.New())

	req := batchRequest()
	req.Tier = model.TierImmediate
	req.Deliver = false
	res, err := emitter.Emit(context.Background(), reg, req)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.False(t, res.Enqueued)
	assert.Empty(t, store.Deliveries())
}

func TestEmit_NotBeforeDefaultsToDecidedAt(t *testing.T) {
	store := testutil.NewMemStore()
	reg := newToolbox(store).ForRun(uuid.New())

	_, err := emitter.Emit(context.Background(), reg, batchRequest())
	require.NoError(t, err)
	require.Len(t, store.Deliveries(), 1)
	assert.True(t, store.Deliveries()[0].NotBefore.Equal(batchRequest().DecidedAt))

	req := batchRequest()
	req.ItemID = "i2"
	req.NotBefore = time.Date(2026, 10, 17, 12, 30, 0, 0, time.UTC)
	_, err = emitter.Emit(context.Background(), reg, req)
	require.NoError(t, err)
	assert.True(t, store.Deliveries()[1].NotBefore.Equal(req.NotBefore))
}

func TestEmit_TiersAreIndependent(t *testing.T) {
	store := testutil.NewMemStore()
	reg := newToolbox(store).ForRun(uuid.New())

	for _, tier := range []model.Tier{model.TierBatch, model.TierDigest} {
		req := batchRequest()
		req.Tier = tier
		res, err := emitter.Emit(context.Background(), reg, req)
		require.NoError(t, err)
		assert.True(t, res.Created, tier)
	}
	assert.Len(t, store.Decisions(), 2)
}

func TestEmit_InsertFailureIsWrapped(t *testing.T) {
	store := testutil.NewMemStore()
	boom := errors.New("connection reset")
	store.FailOn("InsertDecision", boom)
	reg := newToolbox(store).ForRun(uuid.New())

	_, err := emitter.Emit(context.Background(), reg, batchRequest())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.Deliveries())
	assert.Empty(t, reg.Actions())

	calls := store.ToolCalls(reg.RunID())
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCallError, calls[0].Status)
}

func TestEmit_EnqueueFailureWritesNothingAndRetryDelivers(t *testing.T) {
	store := testutil.NewMemStore()
	tb := newToolbox(store)
	boom := errors.New("outbox unavailable")
	store.FailOn("EnqueueDelivery", boom)

	reg := tb.ForRun(uuid.New())
	res, err := emitter.Emit(context.Background(), reg, batchRequest())
	require.ErrorIs(t, err, boom)
	assert.False(t, res.Created)
	assert.False(t, res.Enqueued)
	assert.Empty(t, store.Decisions())
	assert.Empty(t, store.Deliveries())
	assert.Empty(t, reg.Actions())

	store.FailOn("EnqueueDelivery", nil)
	retry, err := emitter.Emit(context.Background(), tb.ForRun(uuid.New()), batchRequest())
	require.NoError(t, err)
	assert.True(t, retry.Created)
	assert.True(t, retry.Enqueued)
	require.Len(t, store.Deliveries(), 1)
	assert.Equal(t, []uuid.UUID{retry.Decision.ID}, store.Deliveries()[0].DecisionIDs)
}

func TestEmit_CoalesceBucketIsRecorded(t *testing.T) {
	store := testutil.NewMemStore()
	reg := newToolbox(store).ForRun(uuid.New())

	req := batchRequest()
	req.Tier = model.TierImmediate
	req.Deliver = false
	req.CoalesceBucket = time.Date(2026, 10, 17, 9, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	res, err := emitter.Emit(context.Background(), reg, req)
	require.NoError(t, err)

	require.NotNil(t, res.Decision.CoalesceBucket)
	assert.Equal(t, time.UTC, res.Decision.CoalesceBucket.Location())
	assert.True(t, res.Decision.CoalesceBucket.Equal(req.CoalesceBucket))
	assert.Empty(t, store.Deliveries())
}

func TestBuild_Validation(t *testing.T) {
	_, err := emitter.Build(uuid.Nil, emitter.Request{ItemID: "i", Tier: model.TierBatch})
	require.Error(t, err)

	_, err = emitter.Build(uuid.Nil, emitter.Request{GoalID: "g", ItemID: "i", Tier: model.TierBoundary})
	require.Error(t, err)

	d, err := emitter.Build(uuid.Nil, emitter.Request{GoalID: "g", ItemID: "i", Tier: model.TierDigest})
	require.NoError(t, err)
	assert.Nil(t, d.RunID)
	assert.Equal(t, model.ChannelEmail, d.Channel)
	assert.NotNil(t, d.Reason.Evidence)
	assert.False(t, d.DecidedAt.IsZero())
}
