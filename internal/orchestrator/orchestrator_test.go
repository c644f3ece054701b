package orchestrator_test

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
	"github.com/dida1024/infoSentry/internal/coalesce"
	"github.com/dida1024/infoSentry/internal/judge"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/orchestrator"
	"github.com/dida1024/infoSentry/internal/testutil"
	"github.com/dida1024/infoSentry/internal/tools"
)

type staticPolicy model.Policy

func (p staticPolicy) Current() model.Policy { return model.Policy(p) }

type fakeReasoner struct {
	raw string
	err error

	mu    sync.Mutex
	calls int
}

func (f *fakeReasoner) Name() string { return "fake:judge-1" }

func (f *fakeReasoner) Reason(_ context.Context, _ model.JudgeRequest) (model.JudgeReply, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return model.JudgeReply{Raw: f.raw, Model: "judge-1", PromptTokens: 300, CompletionTokens: 40}, f.err
}

func (f *fakeReasoner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store    *testutil.MemStore
	ledger   *budget.Ledger
	reasoner *fakeReasoner
	orch     *orchestrator.Orchestrator
}

func newHarness(t *testing.T, pol model.Policy, reasoner *fakeReasoner, timeout time.Duration) *harness {
	t.Helper()
	logger := testutil.TestLogger()
	store := testutil.NewMemStore()
	store.AddGoal(model.GoalContext{
		GoalID:         "g1",
		Name:           "AI chips",
		Description:    "News about AI accelerator hardware",
		PriorityMode:   model.PrioritySoft,
		NegativeTerms:  []string{"rumor"},
		BlockedSources: []string{"spam-feed"},
		BatchWindows:   []string{"12:00", "18:00"},
		DigestSendTime: "09:00",
	})

	ledger := budget.NewLedger(store, func() model.BudgetLimits { return pol.Budget }, logger)
	window := coalesce.New(nil, time.Minute, logger)
	var r tools.Reasoner
	if reasoner != nil {
		r = reasoner
	}
	toolbox := tools.NewToolbox(store, ledger, r, window)
	j, err := judge.New(5*time.Second, logger)
	require.NoError(t, err)

	orch := orchestrator.New(store, toolbox, orchestrator.NewPipeline(j, logger), staticPolicy(pol),
		orchestrator.Options{RunTimeout: timeout}, logger)
	window.SetFlusher(orch)
	return &harness{store: store, ledger: ledger, reasoner: reasoner, orch: orch}
}

func testPolicy() model.Policy {
	p := model.DefaultPolicy()
	// Wide buckets keep the coalescing test away from a bucket boundary.
	p.CoalesceWindow = time.Hour
	return p
}

func candidate(item string, score float64) model.Candidate {
	return model.Candidate{
		GoalID:     "g1",
		ItemID:     item,
		MatchScore: score,
		SourceID:   "chip-news",
		SourceKind: model.SourceRSS,
		Title:      "New AI accelerator announced",
		Snippet:    "A vendor unveiled a new inference chip.",
	}
}

func phases(t *testing.T, run model.Run) []string {
	t.Helper()
	require.NotNil(t, run.OutputSnapshot)
	return run.OutputSnapshot.Phases
}

func TestRunMatch_ImmediateWithoutExternalCall(t *testing.T) {
	reasoner := &fakeReasoner{}
	h := newHarness(t, testPolicy(), reasoner, time.Second)

	run, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.95))
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.False(t, run.LLMUsed)
	assert.Equal(t, 0, reasoner.Calls())
	assert.Equal(t, []string{"INIT", "CONTEXT_LOADED", "GATED", "BUCKETED", "COALESCED", "EMITTED", "DONE"}, phases(t, run))

	decisions := h.store.Decisions()
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, model.TierImmediate, d.Tier)
	assert.Contains(t, d.Reason.Summary, "0.95")
	require.NotNil(t, d.Reason.ScoreTrace)
	assert.Equal(t, model.TierImmediate, d.Reason.ScoreTrace.Bucket)
	assert.Contains(t, d.Reason.Evidence, model.Evidence{Type: model.EvidenceScore, Value: "0.9500", Ref: model.EvidenceRef{Field: "match_score"}})
	require.NotNil(t, d.RunID)
	assert.Equal(t, run.ID, *d.RunID)

	// The entry is still open, so nothing is enqueued yet.
	assert.Empty(t, h.store.Deliveries())
	require.NotNil(t, d.CoalesceBucket)
	assert.True(t, d.CoalesceBucket.Equal(d.CoalesceBucket.Truncate(time.Hour)), "bucket is aligned to the window")

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, stored.Status)
	assert.NotEmpty(t, stored.InputHash)
	require.NotNil(t, stored.InputSnapshot)
	assert.Equal(t, "fake:judge-1", stored.InputSnapshot.Reasoner)
}

func TestRunMatch_BoundaryUncertainResolvesToBatch(t *testing.T) {
	reasoner := &fakeReasoner{raw: `{"label":"BATCH","confidence":0.4,"uncertain":true,"reason":"ambiguous","evidence":[]}`}
	h := newHarness(t, testPolicy(), reasoner, time.Second)

	run, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.90))
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.True(t, run.LLMUsed)
	require.NotNil(t, run.ModelName)
	assert.Equal(t, "judge-1", *run.ModelName)
	assert.Equal(t, 1, reasoner.Calls())
	assert.Equal(t, []string{"INIT", "CONTEXT_LOADED", "GATED", "BUCKETED", "JUDGED", "EMITTED", "DONE"}, phases(t, run))

	decisions := h.store.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, model.TierBatch, decisions[0].Tier)
	require.NotNil(t, decisions[0].Reason.ScoreTrace.Judgment)
	assert.True(t, decisions[0].Reason.ScoreTrace.Judgment.Uncertain)

	// A BATCH decision waits for the goal's next batch window.
	deliveries := h.store.Deliveries()
	require.Len(t, deliveries, 1)
	next := deliveries[0].NotBefore.UTC()
	assert.Contains(t, []int{12, 18}, next.Hour())
	assert.Zero(t, next.Minute())

	state, err := h.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Judgment.Calls)
	assert.Equal(t, int64(340), state.Judgment.Tokens)

	var types []model.ActionType
	for _, a := range run.FinalActions {
		types = append(types, a.Type)
	}
	assert.Equal(t, []model.ActionType{model.ActionSuggestTuning, model.ActionEmitDecision, model.ActionEnqueueDelivery}, types)
}

func TestRunMatch_JudgmentDisabledFallsBack(t *testing.T) {
	reasoner := &fakeReasoner{raw: `{"label":"IMMEDIATE","confidence":0.9,"uncertain":false,"reason":"clear","evidence":[]}`}
	pol := testPolicy()
	pol.JudgmentEnabled = false
	h := newHarness(t, pol, reasoner, time.Second)

	run, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.90))
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFallback, run.Status)
	assert.False(t, run.LLMUsed)
	assert.Equal(t, 0, reasoner.Calls())

	decisions := h.store.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, model.TierBatch, decisions[0].Tier)
	assert.Equal(t, judge.FallbackDisabled, decisions[0].Reason.ScoreTrace.FallbackReason)

	state, err := h.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.Judgment.Calls)
	assert.Zero(t, state.Judgment.USDEst)

	require.Len(t, run.OutputSnapshot.Outcomes, 1)
	assert.True(t, run.OutputSnapshot.Outcomes[0].Fallback)
}

func TestRunMatch_BlockedSourceSkipsClassifier(t *testing.T) {
	h := newHarness(t, testPolicy(), &fakeReasoner{}, time.Second)

	c := candidate("i1", 0.99)
	c.SourceID = "spam-feed"
	run, err := h.orch.RunMatch(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, []string{"INIT", "CONTEXT_LOADED", "GATED", "EMITTED", "DONE"}, phases(t, run))

	require.Len(t, run.OutputSnapshot.Outcomes, 1)
	out := run.OutputSnapshot.Outcomes[0]
	assert.Equal(t, model.BlockBlockedSource, out.Blocked)
	assert.Empty(t, out.Bucket)
	assert.Equal(t, model.TierIgnore, out.Tier)

	decisions := h.store.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, model.TierIgnore, decisions[0].Tier)
	assert.Equal(t, model.DeliverySkipped, decisions[0].Status)
	assert.Nil(t, decisions[0].Reason.ScoreTrace)
	assert.Empty(t, h.store.Deliveries())
}

func TestRunMatch_ThirdImmediateFlushesCoalescedDelivery(t *testing.T) {
	h := newHarness(t, testPolicy(), &fakeReasoner{}, time.Second)
	ctx := context.Background()

	var runs []model.Run
	for _, item := range []string{"i1", "i2", "i3"} {
		run, err := h.orch.RunMatch(ctx, candidate(item, 0.96))
		require.NoError(t, err)
		runs = append(runs, run)
	}

	decisions := h.store.Decisions()
	require.Len(t, decisions, 3)

	deliveries := h.store.Deliveries()
	require.Len(t, deliveries, 1)
	ids := make(map[string]bool)
	for _, d := range decisions {
		ids[d.ID.String()] = true
	}
	require.Len(t, deliveries[0].DecisionIDs, 3)
	for _, id := range deliveries[0].DecisionIDs {
		assert.True(t, ids[id.String()])
	}
	require.NotNil(t, deliveries[0].RunID)
	assert.Equal(t, runs[2].ID, *deliveries[0].RunID, "the run that closed the entry enqueues it")

	assert.True(t, runs[2].OutputSnapshot.Outcomes[0].FlushedNow)
	assert.False(t, runs[0].OutputSnapshot.Outcomes[0].FlushedNow)
}

func TestRunMatch_DuplicateEventIsNoOp(t *testing.T) {
	h := newHarness(t, testPolicy(), &fakeReasoner{}, time.Second)
	ctx := context.Background()

	first, err := h.orch.RunMatch(ctx, candidate("i1", 0.80))
	require.NoError(t, err)
	second, err := h.orch.RunMatch(ctx, candidate("i1", 0.80))
	require.NoError(t, err)

	assert.Len(t, h.store.Decisions(), 1)
	assert.Len(t, h.store.Deliveries(), 1)
	assert.Len(t, first.FinalActions, 2)
	assert.Empty(t, second.FinalActions)
	assert.True(t, second.OutputSnapshot.Outcomes[0].Deduplicated)
	assert.Equal(t, first.OutputSnapshot.Outcomes[0].DecisionID, second.OutputSnapshot.Outcomes[0].DecisionID)
}

func TestRunMatch_EnrichesFromItemStore(t *testing.T) {
	h := newHarness(t, testPolicy(), &fakeReasoner{}, time.Second)
	h.store.AddItem(model.Item{ID: "i9", SourceID: "chip-news", SourceKind: model.SourceSite,
		Title: "Chip rumor roundup", Snippet: "Unconfirmed reports."})

	run, err := h.orch.RunMatch(context.Background(), model.Candidate{GoalID: "g1", ItemID: "i9", MatchScore: 0.97})
	require.NoError(t, err)

	require.Len(t, run.OutputSnapshot.Outcomes, 1)
	assert.Equal(t, model.BlockNegativeTerm, run.OutputSnapshot.Outcomes[0].Blocked)
	require.NotNil(t, run.InputSnapshot.Candidate)
	assert.Equal(t, "Chip rumor roundup", run.InputSnapshot.Candidate.Title)
}

func TestRunMatch_PersistenceFailureFinalizesError(t *testing.T) {
	h := newHarness(t, testPolicy(), &fakeReasoner{}, time.Second)
	boom := errors.New("connection reset")
	h.store.FailOn("InsertDecision", boom)

	run, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.80))
	require.ErrorIs(t, err, boom)

	stored, gerr := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, model.RunStatusError, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "connection reset")
	p := stored.OutputSnapshot.Phases
	assert.Equal(t, "FAILED", p[len(p)-1])
	assert.Contains(t, stored.OutputSnapshot.Error, "connection reset")

	// A failed run does not block a retry of the same candidate.
	h.store.FailOn("InsertDecision", nil)
	retry, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.80))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, retry.Status)
	assert.Len(t, h.store.Decisions(), 1)
}

func TestRunMatch_FailedEnqueueLeavesNothingAndRetryDelivers(t *testing.T) {
	h := newHarness(t, testPolicy(), &fakeReasoner{}, time.Second)
	ctx := context.Background()
	h.store.FailOn("EnqueueDelivery", errors.New("outbox unavailable"))

	first, err := h.orch.RunMatch(ctx, candidate("i1", 0.80))
	require.Error(t, err)
	stored, err := h.store.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, stored.Status)
	assert.Empty(t, h.store.Decisions(), "a decision is never persisted without its delivery")
	assert.Empty(t, h.store.Deliveries())

	h.store.FailOn("EnqueueDelivery", nil)
	retry, err := h.orch.RunMatch(ctx, candidate("i1", 0.80))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, retry.Status)
	assert.False(t, retry.OutputSnapshot.Outcomes[0].Deduplicated)

	decisions := h.store.Decisions()
	require.Len(t, decisions, 1)
	deliveries := h.store.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, []uuid.UUID{decisions[0].ID}, deliveries[0].DecisionIDs)
	require.NotNil(t, deliveries[0].RunID)
	assert.Equal(t, retry.ID, *deliveries[0].RunID)
}

func TestRunMatch_DeadlineFinalizesTimeout(t *testing.T) {
	h := newHarness(t, testPolicy(), &fakeReasoner{}, time.Second)
	h.store.FailOn("GetGoalContext", context.DeadlineExceeded)

	run, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.95))
	require.Error(t, err)

	stored, gerr := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, model.RunStatusTimeout, stored.Status)
	assert.Nil(t, stored.InputSnapshot)
	assert.Empty(t, h.store.Decisions())
	assert.Equal(t, []string{"INIT", "FAILED"}, stored.OutputSnapshot.Phases)
}

func TestRunMatch_UnknownGoalIsError(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, time.Second)

	c := candidate("i1", 0.95)
	c.GoalID = "missing"
	run, err := h.orch.RunMatch(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusError, run.Status)
}

func TestRunMatch_NoReasonerFallsBack(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, time.Second)

	run, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.89))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFallback, run.Status)
	assert.Equal(t, judge.FallbackNoReasoner, run.OutputSnapshot.Outcomes[0].FallbackReason)
	assert.Equal(t, model.TierBatch, run.OutputSnapshot.Outcomes[0].Tier)
}

func TestRunBatchWindow_EmitsUpToCap(t *testing.T) {
	pol := testPolicy()
	pol.BatchMaxItems = 2
	h := newHarness(t, pol, nil, time.Second)
	now := time.Now().UTC()
	for i, score := range []float64{0.91, 0.85, 0.80, 0.50} {
		id := []string{"a", "b", "c", "d"}[i]
		h.store.AddItem(model.Item{ID: id, SourceID: "chip-news", Title: "Accelerator " + id})
		h.store.AddMatch(model.Match{GoalID: "g1", ItemID: id, Score: score, ComputedAt: now.Add(-time.Hour)})
	}

	run, err := h.orch.RunBatchWindow(context.Background(), "g1", "12:00")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)

	decisions := h.store.Decisions()
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.Equal(t, model.TierBatch, d.Tier)
		assert.Equal(t, "12:00", d.Reason.WindowTime)
	}
	assert.Equal(t, "a", decisions[0].ItemID)
	assert.Equal(t, "b", decisions[1].ItemID)
	assert.Len(t, h.store.Deliveries(), 2)

	// The next window picks up what is left above the batch threshold.
	_, err = h.orch.RunBatchWindow(context.Background(), "g1", "18:00")
	require.NoError(t, err)
	assert.Len(t, h.store.Decisions(), 3)
}

func TestRunDigest_SkipsDecidedItems(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, time.Second)
	now := time.Now().UTC()
	for _, id := range []string{"a", "b"} {
		h.store.AddItem(model.Item{ID: id, SourceID: "chip-news", Title: "Accelerator " + id})
		h.store.AddMatch(model.Match{GoalID: "g1", ItemID: id, Score: 0.65, ComputedAt: now.Add(-time.Hour)})
	}
	h.store.AddItem(model.Item{ID: "spam", SourceID: "spam-feed", Title: "Accelerator spam"})
	h.store.AddMatch(model.Match{GoalID: "g1", ItemID: "spam", Score: 0.70, ComputedAt: now.Add(-time.Hour)})

	run, err := h.orch.RunDigest(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, run.OutputSnapshot.Outcomes, 3)

	tiers := map[string]model.Tier{}
	for _, d := range h.store.Decisions() {
		tiers[d.ItemID] = d.Tier
	}
	assert.Equal(t, map[string]model.Tier{"a": model.TierDigest, "b": model.TierDigest, "spam": model.TierIgnore}, tiers)
	assert.Len(t, h.store.Deliveries(), 2)

	// Digested items are excluded next time; the blocked one is gated again
	// and lands on its existing IGNORE decision.
	again, err := h.orch.RunDigest(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, again.OutputSnapshot.Outcomes, 1)
	assert.Equal(t, "spam", again.OutputSnapshot.Outcomes[0].ItemID)
	assert.True(t, again.OutputSnapshot.Outcomes[0].Deduplicated)
	assert.Len(t, h.store.Decisions(), 3)
}

func TestFlushCoalesced_RecordsRun(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, time.Second)

	first, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.99))
	require.NoError(t, err)
	id := *first.OutputSnapshot.Outcomes[0].DecisionID

	err = h.orch.FlushCoalesced(context.Background(), model.CoalesceFlush{GoalID: "g1", BucketStart: time.Now().UTC(), DecisionIDs: []uuid.UUID{id}})
	require.NoError(t, err)

	deliveries := h.store.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, []uuid.UUID{id}, deliveries[0].DecisionIDs)

	var flushRun *model.Run
	for _, r := range h.store.Runs() {
		if r.Trigger == model.TriggerCoalesceFlush {
			flushRun = &r
		}
	}
	require.NotNil(t, flushRun)
	assert.Equal(t, model.RunStatusSuccess, flushRun.Status)
	assert.Equal(t, []string{"INIT", "CONTEXT_LOADED", "COALESCED", "EMITTED", "DONE"}, flushRun.OutputSnapshot.Phases)
	require.Len(t, flushRun.FinalActions, 1)
	assert.Equal(t, model.ActionEnqueueDelivery, flushRun.FinalActions[0].Type)
}

func TestRecover_RestartRedeliversLostCoalescedDecision(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, time.Second)
	ctx := context.Background()

	first, err := h.orch.RunMatch(ctx, candidate("i1", 0.99))
	require.NoError(t, err)
	id := *first.OutputSnapshot.Outcomes[0].DecisionID
	require.Empty(t, h.store.Deliveries(), "the decision sits in an open entry")

	// The process holding the entry exits without draining. A fresh window
	// has no entries; its recovery pass finds the decision in the store.
	restarted := coalesce.New(h.orch, time.Minute, testutil.TestLogger())
	restarted.SetRecovery(coalesce.Recovery{
		Source: h.store,
		// A zero-length window treats every started bucket as past its deadline.
		Limits: func() coalesce.Limits { return coalesce.Limits{MaxItems: 3} },
	})
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deliveries := h.store.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, []uuid.UUID{id}, deliveries[0].DecisionIDs)

	var flushRuns int
	for _, r := range h.store.Runs() {
		if r.Trigger == model.TriggerCoalesceFlush {
			flushRuns++
			assert.Equal(t, model.RunStatusSuccess, r.Status)
		}
	}
	assert.Equal(t, 1, flushRuns)

	n, err = restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a referenced decision is not recovered twice")
	assert.Len(t, h.store.Deliveries(), 1)
}

func TestRunMatch_ConcurrentDuplicatesHaveOneDecision(t *testing.T) {
	h := newHarness(t, testPolicy(), nil, time.Second)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.RunMatch(context.Background(), candidate("i1", 0.80))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.store.Decisions(), 1)
	assert.Len(t, h.store.Deliveries(), 1)
	assert.Len(t, h.store.Runs(), 10)
}
