package replay_test

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
	"github.com/dida1024/infoSentry/internal/config"
	"github.com/dida1024/infoSentry/internal/judge"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/orchestrator"
	"github.com/dida1024/infoSentry/internal/replay"
	"github.com/dida1024/infoSentry/internal/storage"
	"github.com/dida1024/infoSentry/internal/testutil"
	"github.com/dida1024/infoSentry/internal/tools"
)

type countingReasoner struct {
	raw string

	mu    sync.Mutex
	calls int
}

func (r *countingReasoner) Name() string { return "fake:judge-1" }

func (r *countingReasoner) Reason(context.Context, model.JudgeRequest) (model.JudgeReply, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return model.JudgeReply{Raw: r.raw, Model: "judge-1", PromptTokens: 200, CompletionTokens: 30}, nil
}

func (r *countingReasoner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type env struct {
	store    *testutil.MemStore
	policy   *config.PolicyStore
	reasoner *countingReasoner
	orch     *orchestrator.Orchestrator
	engine   *replay.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := testutil.TestLogger()
	store := testutil.NewMemStore()
	store.AddGoal(model.GoalContext{
		GoalID:         "g1",
		Name:           "AI chips",
		Description:    "News about AI accelerator hardware",
		PriorityMode:   model.PrioritySoft,
		BlockedSources: []string{"spam-feed"},
		BatchWindows:   []string{"12:00"},
	})

	pol := model.DefaultPolicy()
	pol.CoalesceWindow = time.Hour
	policy := config.NewPolicyStore(pol)

	reasoner := &countingReasoner{raw: `{"label":"IMMEDIATE","confidence":0.8,"uncertain":false,"reason":"direct product news","evidence":[{"type":"TITLE","value":"accelerator","ref":{"field":"title"}}]}`}
	ledger := budget.NewLedger(store, func() model.BudgetLimits { return policy.Current().Budget }, logger)
	window := coalesce.New(nil, time.Minute, logger)
	toolbox := tools.NewToolbox(store, ledger, reasoner, window)
	j, err := judge.New(5*time.Second, logger)
	require.NoError(t, err)
	pipeline := orchestrator.NewPipeline(j, logger)

	orch := orchestrator.New(store, toolbox, pipeline, policy, orchestrator.Options{RunTimeout: time.Second}, logger)
	window.SetFlusher(orch)
	return &env{
		store:    store,
		policy:   policy,
		reasoner: reasoner,
		orch:     orch,
		engine:   replay.New(store, pipeline, policy, logger),
	}
}

func candidate(item string, score float64) model.Candidate {
	return model.Candidate{
		GoalID:     "g1",
		ItemID:     item,
		MatchScore: score,
		SourceID:   "chip-news",
		Title:      "New AI accelerator announced",
		Snippet:    "A vendor unveiled a new inference chip.",
	}
}

func TestReplay_ReproducesRunWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		cand  model.Candidate
		setup func(t *testing.T, e *env)
	}{
		{name: "immediate", cand: candidate("i1", 0.95)},
		{name: "judged boundary", cand: candidate("i1", 0.90)},
		{name: "batch", cand: candidate("i1", 0.80)},
		{name: "ignore", cand: candidate("i1", 0.20)},
		{name: "blocked", cand: func() model.Candidate {
			c := candidate("i1", 0.99)
			c.SourceID = "spam-feed"
			return c
		}()},
		{name: "closes coalescing entry", cand: candidate("i3", 0.97), setup: func(t *testing.T, e *env) {
			for _, id := range []string{"i1", "i2"} {
				_, err := e.orch.RunMatch(context.Background(), candidate(id, 0.97))
				require.NoError(t, err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			if tt.setup != nil {
				tt.setup(t, e)
			}
			run, err := e.orch.RunMatch(context.Background(), tt.cand)
			require.NoError(t, err)

			decisions, deliveries, calls := len(e.store.Decisions()), len(e.store.Deliveries()), e.reasoner.Calls()

			res, err := e.engine.Replay(context.Background(), run.ID, "")
			require.NoError(t, err)

			assert.Empty(t, res.Diff)
			assert.Empty(t, res.Error)
			assert.Equal(t, replay.PolicySnapshot, res.PolicySource)
			assert.Equal(t, run.Status, res.OriginalStatus)
			assert.Equal(t, run.FinalActions, res.OriginalActions)
			assert.Len(t, res.ReplayedActions, len(run.FinalActions))
			assert.Equal(t, len(e.store.ToolCalls(run.ID)), res.ToolCallsCount)
			assert.Equal(t, len(e.store.Ledger(run.ID)), res.LedgerEntriesCount)

			assert.Len(t, e.store.Decisions(), decisions, "replay must not persist decisions")
			assert.Len(t, e.store.Deliveries(), deliveries, "replay must not enqueue deliveries")
			assert.Equal(t, calls, e.reasoner.Calls(), "replay must not call the reasoner")
		})
	}
}

func TestReplay_CurrentPolicyShowsThresholdChange(t *testing.T) {
	e := newEnv(t)
	run, err := e.orch.RunMatch(context.Background(), candidate("i1", 0.80))
	require.NoError(t, err)
	require.Len(t, run.FinalActions, 2)

	raised := e.policy.Current()
	raised.Thresholds.Batch = 0.85
	require.NoError(t, e.policy.Set(raised))

	same, err := e.engine.Replay(context.Background(), run.ID, replay.PolicySnapshot)
	require.NoError(t, err)
	assert.Empty(t, same.Diff)

	res, err := e.engine.Replay(context.Background(), run.ID, replay.PolicyCurrent)
	require.NoError(t, err)
	assert.Equal(t, replay.PolicyCurrent, res.PolicySource)
	require.Len(t, res.ReplayedActions, 1)
	assert.Equal(t, model.TierIgnore, res.ReplayedActions[0].Decision)

	require.Len(t, res.Diff, 2)
	assert.Equal(t, replay.DiffCountMismatch, res.Diff[0].Type)
	assert.Equal(t, 2, *res.Diff[0].OriginalCount)
	assert.Equal(t, 1, *res.Diff[0].ReplayedCount)
	assert.Equal(t, replay.DiffDecisionMismatch, res.Diff[1].Type)
	assert.Equal(t, 0, *res.Diff[1].Index)
	assert.Equal(t, model.TierBatch, res.Diff[1].OriginalTier)
	assert.Equal(t, model.TierIgnore, res.Diff[1].ReplayedTier)

	assert.Len(t, e.store.Decisions(), 1)
}

func TestReplay_UnrecordedJudgmentFallsBack(t *testing.T) {
	e := newEnv(t)
	// Originally BATCH without a judgment; under a lower boundary it needs one.
	run, err := e.orch.RunMatch(context.Background(), candidate("i1", 0.86))
	require.NoError(t, err)

	lowered := e.policy.Current()
	lowered.Thresholds.Boundary = 0.85
	require.NoError(t, e.policy.Set(lowered))

	calls := e.reasoner.Calls()
	res, err := e.engine.Replay(context.Background(), run.ID, replay.PolicyCurrent)
	require.NoError(t, err)
	assert.Equal(t, calls, e.reasoner.Calls())

	require.NotEmpty(t, res.ReplayedActions)
	assert.Equal(t, model.ActionSuggestTuning, res.ReplayedActions[0].Type)
	assert.Contains(t, res.ReplayedActions[0].Reason, judge.FallbackNotRecorded)
}

func TestReplay_FailedRunReproducesError(t *testing.T) {
	e := newEnv(t)
	e.store.FailOn("InsertDecision", errors.New("connection reset"))
	run, err := e.orch.RunMatch(context.Background(), candidate("i1", 0.80))
	require.Error(t, err)

	res, err := e.engine.Replay(context.Background(), run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, res.OriginalStatus)
	assert.Contains(t, res.Error, "connection reset")
	assert.Empty(t, res.Diff)
}

func TestReplay_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.engine.Replay(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	e.store.FailOn("GetGoalContext", errors.New("db down"))
	failed, _ := e.orch.RunMatch(ctx, candidate("i1", 0.95))
	e.store.FailOn("GetGoalContext", nil)
	_, err = e.engine.Replay(ctx, failed.ID, "")
	assert.ErrorIs(t, err, replay.ErrNoSnapshot)

	run, err := e.orch.RunMatch(ctx, candidate("i1", 0.95))
	require.NoError(t, err)
	_, err = e.engine.Replay(ctx, run.ID, "latest")
	assert.ErrorIs(t, err, replay.ErrInvalidPolicySource)
}

// tamperingStore alters the stored snapshot after the run was recorded.
type tamperingStore struct{ *testutil.MemStore }

func (s tamperingStore) GetRunDetail(ctx context.Context, id uuid.UUID) (model.RunDetail, error) {
	d, err := s.MemStore.GetRunDetail(ctx, id)
	if err == nil && d.Run.InputSnapshot != nil {
		snap := *d.Run.InputSnapshot
		c := *snap.Candidate
		c.MatchScore = 0.99
		snap.Candidate = &c
		d.Run.InputSnapshot = &snap
	}
	return d, err
}

func TestReplay_DetectsTamperedSnapshot(t *testing.T) {
	e := newEnv(t)
	run, err := e.orch.RunMatch(context.Background(), candidate("i1", 0.80))
	require.NoError(t, err)

	engine := replay.New(tamperingStore{e.store}, orchestrator.NewPipeline(nil, nil), e.policy, testutil.TestLogger())
	_, err = engine.Replay(context.Background(), run.ID, "")
	assert.ErrorIs(t, err, replay.ErrSnapshotMismatch)
}

func TestDiff(t *testing.T) {
	emit := func(tier model.Tier) model.Action {
		return model.Action{Type: model.ActionEmitDecision, Decision: tier}
	}
	enqueue := model.Action{Type: model.ActionEnqueueDelivery}

	assert.Empty(t, replay.Diff(nil, nil))
	assert.Empty(t, replay.Diff([]model.Action{emit(model.TierBatch), enqueue}, []model.Action{emit(model.TierBatch), enqueue}))

	d := replay.Diff([]model.Action{emit(model.TierImmediate)}, []model.Action{emit(model.TierBatch), enqueue})
	require.Len(t, d, 2)
	assert.Equal(t, replay.DiffCountMismatch, d[0].Type)
	assert.Equal(t, replay.DiffDecisionMismatch, d[1].Type)
	assert.Equal(t, model.TierImmediate, d[1].OriginalTier)
	assert.Equal(t, model.TierBatch, d[1].ReplayedTier)

	d = replay.Diff([]model.Action{enqueue}, []model.Action{emit(model.TierDigest)})
	require.Len(t, d, 1)
	assert.Equal(t, model.ActionEnqueueDelivery, d[0].Original)
	assert.Equal(t, model.ActionEmitDecision, d[0].Replayed)
}
