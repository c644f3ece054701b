package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/dida1024/infoSentry/internal/ratelimit"
	"github.com/dida1024/infoSentry/internal/replay"
	"github.com/dida1024/infoSentry/internal/server"
	"github.com/dida1024/infoSentry/internal/testutil"
	"github.com/dida1024/infoSentry/internal/tools"
)

type harness struct {
	store  *testutil.MemStore
	orch   *orchestrator.Orchestrator
	pool   *orchestrator.Pool
	policy *config.PolicyStore
	srv    *httptest.Server
}

func newHarness(t *testing.T, limiter ratelimit.Limiter) *harness {
	t.Helper()
	logger := testutil.TestLogger()
	store := testutil.NewMemStore()
	store.AddGoal(model.GoalContext{
		GoalID:         "g1",
		Name:           "AI chips",
		PriorityMode:   model.PrioritySoft,
		BlockedSources: []string{"spam-feed"},
	})

	policy := config.NewPolicyStore(model.DefaultPolicy())
	ledger := budget.NewLedger(store, func() model.BudgetLimits { return policy.Current().Budget }, logger)
	window := coalesce.New(nil, time.Minute, logger)
	toolbox := tools.NewToolbox(store, ledger, nil, window)
	j, err := judge.New(time.Second, logger)
	require.NoError(t, err)
	pipeline := orchestrator.NewPipeline(j, logger)
	orch := orchestrator.New(store, toolbox, pipeline, policy, orchestrator.Options{RunTimeout: time.Second}, logger)
	window.SetFlusher(orch)

	pool := orchestrator.NewPool(orch, 2, 8, logger)
	pool.Start(context.Background())
	t.Cleanup(func() { _ = pool.Drain(context.Background()) })

	srv := server.New(server.ServerConfig{
		Runs:     store,
		Pool:     pool,
		Replayer: replay.New(store, pipeline, policy, logger),
		Budget:   ledger,
		Flags:    policy,
		Window:   window,
		Limiter:  limiter,
		Logger:   logger,
		Version:  "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{store: store, orch: orch, pool: pool, policy: policy, srv: ts}
}

type envelope[T any] struct {
	Data  T                  `json:"data"`
	Error *model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func do[T any](t *testing.T, method, url, body string) (int, envelope[T]) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	return resp.StatusCode, env
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	code, env := do[model.HealthResponse](t, http.MethodGet, h.srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", env.Data.Status)
	assert.Equal(t, "connected", env.Data.Postgres)
	assert.Equal(t, "test", env.Data.Version)

	h.store.FailOn("Ping", errors.New("db down"))
	code, env = do[model.HealthResponse](t, http.MethodGet, h.srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", env.Data.Status)
}

func TestSubmitCandidate(t *testing.T) {
	h := newHarness(t, nil)

	body := `{"goal_id":"g1","item_id":"i1","match_score":0.95,"source_id":"chip-news",
		"title":"New AI accelerator","snippet":"A new chip.","extra":"ignored"}`
	code, env := do[model.SubmitCandidateResponse](t, http.MethodPost, h.srv.URL+"/agent/candidates", body)
	require.Equal(t, http.StatusAccepted, code)
	assert.True(t, env.Data.Accepted)
	assert.Equal(t, "i1", env.Data.ItemID)

	require.Eventually(t, func() bool {
		runs := h.store.Runs()
		return len(runs) == 1 && runs[0].Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, h.store.Decisions(), 1)
	assert.Equal(t, model.TierImmediate, h.store.Decisions()[0].Tier)
}

func TestSubmitCandidate_Invalid(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed", `{"goal_id":`},
		{"missing goal", `{"item_id":"i1","match_score":0.5}`},
		{"score out of range", `{"goal_id":"g1","item_id":"i1","match_score":1.5}`},
		{"bad source kind", `{"goal_id":"g1","item_id":"i1","match_score":0.5,"source_kind":"FAX"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do[any](t, http.MethodPost, h.srv.URL+"/agent/candidates", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
		})
	}
	assert.Empty(t, h.store.Runs())
}

func TestSubmitCandidate_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()
	h := newHarness(t, limiter)

	body := `{"goal_id":"g1","item_id":"i1","match_score":0.2}`
	code, _ := do[any](t, http.MethodPost, h.srv.URL+"/agent/candidates", body)
	assert.Equal(t, http.StatusAccepted, code)

	code, env := do[any](t, http.MethodPost, h.srv.URL+"/agent/candidates", body)
	assert.Equal(t, http.StatusTooManyRequests, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)
}

func TestGetRun(t *testing.T) {
	h := newHarness(t, nil)
	run, err := h.orch.RunMatch(context.Background(), model.Candidate{
		GoalID: "g1", ItemID: "i1", MatchScore: 0.80, SourceID: "chip-news", Title: "t",
	})
	require.NoError(t, err)

	code, env := do[model.RunDetail](t, http.MethodGet, h.srv.URL+"/agent/runs/"+run.ID.String(), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, run.ID, env.Data.Run.ID)
	assert.Equal(t, model.RunStatusSuccess, env.Data.Run.Status)
	assert.NotEmpty(t, env.Data.ToolCalls)
	assert.Len(t, env.Data.Ledger, len(run.FinalActions))

	code, env = do[model.RunDetail](t, http.MethodGet, h.srv.URL+"/agent/runs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	code, _ = do[model.RunDetail](t, http.MethodGet, h.srv.URL+"/agent/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReplayRun(t *testing.T) {
	h := newHarness(t, nil)
	run, err := h.orch.RunMatch(context.Background(), model.Candidate{
		GoalID: "g1", ItemID: "i1", MatchScore: 0.80, SourceID: "chip-news", Title: "t",
	})
	require.NoError(t, err)
	url := h.srv.URL + "/agent/runs/" + run.ID.String() + "/replay"

	code, env := do[model.ReplayResult](t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, env.Data.Diff)
	assert.Equal(t, replay.PolicySnapshot, env.Data.PolicySource)
	assert.Len(t, env.Data.ReplayedActions, len(env.Data.OriginalActions))

	code, env = do[model.ReplayResult](t, http.MethodGet, url+"?policy=current", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, replay.PolicyCurrent, env.Data.PolicySource)

	code, env = do[model.ReplayResult](t, http.MethodGet, url+"?policy=latest", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	code, _ = do[model.ReplayResult](t, http.MethodGet, h.srv.URL+"/agent/runs/"+uuid.NewString()+"/replay", "")
	assert.Equal(t, http.StatusNotFound, code)

	h.store.FailOn("GetGoalContext", errors.New("db down"))
	failed, _ := h.orch.RunMatch(context.Background(), model.Candidate{GoalID: "g1", ItemID: "i2", MatchScore: 0.5})
	code, env = do[model.ReplayResult](t, http.MethodGet, h.srv.URL+"/agent/runs/"+failed.ID.String()+"/replay", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
}

func TestBudgetEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	code, env := do[model.BudgetResponse](t, http.MethodGet, h.srv.URL+"/agent/budget", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, env.Data.Checks, 2)
	assert.True(t, env.Data.Checks[1].Allowed)
	assert.Equal(t, model.DefaultPolicy().Budget, env.Data.Limits)

	code, env = do[model.BudgetResponse](t, http.MethodPost, h.srv.URL+"/agent/budget/judgment/disable", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Data.State.Judgment.Disabled)
	assert.Equal(t, model.CallJudgment, env.Data.Checks[1].Class)
	assert.False(t, env.Data.Checks[1].Allowed)
	assert.Equal(t, model.BudgetDisabled, env.Data.Checks[1].Reason)
	assert.True(t, env.Data.Checks[0].Allowed, "classes are independent")

	code, env = do[model.BudgetResponse](t, http.MethodPost, h.srv.URL+"/agent/budget/judgment/enable", "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, env.Data.State.Judgment.Disabled)

	code, env = do[model.BudgetResponse](t, http.MethodPost, h.srv.URL+"/agent/budget/gpu/disable", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error.Message, "gpu")
}

func TestListRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	var ids []uuid.UUID
	for _, item := range []string{"i1", "i2", "i3"} {
		run, err := h.orch.RunMatch(ctx, model.Candidate{GoalID: "g1", ItemID: item, MatchScore: 0.80, SourceID: "chip-news", Title: "t"})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	code, env := do[model.RunListResponse](t, http.MethodGet, h.srv.URL+"/agent/runs?goal_id=g1&status=SUCCESS&limit=2", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, env.Data.Runs, 2)
	assert.Equal(t, ids[2], env.Data.Runs[0].ID)
	assert.Equal(t, ids[1], env.Data.Runs[1].ID)
	assert.Nil(t, env.Data.Runs[0].InputSnapshot, "listings omit snapshots")
	require.NotEmpty(t, env.Data.NextCursor)

	code, env = do[model.RunListResponse](t, http.MethodGet,
		h.srv.URL+"/agent/runs?goal_id=g1&status=SUCCESS&limit=2&cursor="+env.Data.NextCursor, "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, env.Data.Runs, 1)
	assert.Equal(t, ids[0], env.Data.Runs[0].ID)
	assert.Empty(t, env.Data.NextCursor)

	code, env = do[model.RunListResponse](t, http.MethodGet, h.srv.URL+"/agent/runs?status=TIMEOUT", "")
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, env.Data.Runs)
	assert.Empty(t, env.Data.Runs)

	for _, q := range []string{"status=DONE", "limit=0", "limit=201", "cursor=not-a-cursor"} {
		code, env = do[model.RunListResponse](t, http.MethodGet, h.srv.URL+"/agent/runs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code, q)
	}

	h.store.FailOn("ListRuns", errors.New("db down"))
	code, env = do[model.RunListResponse](t, http.MethodGet, h.srv.URL+"/agent/runs", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotContains(t, env.Error.Message, "db down")
}

func TestFlagEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	code, env := do[model.FlagsResponse](t, http.MethodGet, h.srv.URL+"/agent/flags", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Data.JudgmentEnabled)
	assert.True(t, env.Data.DeliveryEnabled)
	assert.Empty(t, env.Data.Overridden)

	code, env = do[model.FlagsResponse](t, http.MethodPost, h.srv.URL+"/agent/flags/delivery_enabled/disable", "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, env.Data.DeliveryEnabled)
	assert.Equal(t, []string{"delivery_enabled"}, env.Data.Overridden)
	assert.False(t, h.policy.Current().DeliveryEnabled, "new runs see the override")

	// A disabled delivery flag still records the decision but enqueues nothing.
	_, err := h.orch.RunMatch(context.Background(), model.Candidate{GoalID: "g1", ItemID: "i1", MatchScore: 0.80, SourceID: "chip-news", Title: "t"})
	require.NoError(t, err)
	assert.Len(t, h.store.Decisions(), 1)
	assert.Empty(t, h.store.Deliveries())

	code, env = do[model.FlagsResponse](t, http.MethodPost, h.srv.URL+"/agent/flags/judgment_enabled/disable", "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, env.Data.JudgmentEnabled)
	assert.Equal(t, []string{"delivery_enabled", "judgment_enabled"}, env.Data.Overridden)

	code, env = do[model.FlagsResponse](t, http.MethodDelete, h.srv.URL+"/agent/flags/delivery_enabled", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Data.DeliveryEnabled)
	assert.Equal(t, []string{"judgment_enabled"}, env.Data.Overridden)

	code, env = do[model.FlagsResponse](t, http.MethodPost, h.srv.URL+"/agent/flags/judgment_enabled/enable", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Data.JudgmentEnabled)

	code, env = do[model.FlagsResponse](t, http.MethodPost, h.srv.URL+"/agent/flags/channel/disable", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error.Message, "channel")
}

type fullPool struct{ err error }

func (p fullPool) Submit(model.Candidate) error { return p.err }
func (fullPool) Len() int                       { return 8 }
func (fullPool) Cap() int                       { return 8 }

func TestSubmitCandidate_Backpressure(t *testing.T) {
	store := testutil.NewMemStore()
	for _, tt := range []struct {
		err        error
		retryAfter string
	}{
		{orchestrator.ErrQueueFull, "1"},
		{orchestrator.ErrPoolClosed, ""},
	} {
		srv := server.New(server.ServerConfig{Runs: store, Pool: fullPool{err: tt.err}, Logger: testutil.TestLogger()})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/agent/candidates",
			strings.NewReader(`{"goal_id":"g1","item_id":"i1","match_score":0.5}`))
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
	}

	srv := server.New(server.ServerConfig{Runs: store, Pool: fullPool{}, Logger: testutil.TestLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var env envelope[model.HealthResponse]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "degraded", env.Data.Status)
	assert.Equal(t, 8, env.Data.QueueDepth)
}

func TestRequestIDPropagates(t *testing.T) {
	srv := server.New(server.ServerConfig{Runs: testutil.NewMemStore(), Pool: fullPool{}, Logger: testutil.TestLogger()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	var env envelope[model.HealthResponse]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "req-42", env.Meta.RequestID)
}

func TestOpenAPISpecAndMiddlewares(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	srv := server.New(server.ServerConfig{
		Runs:        testutil.NewMemStore(),
		Pool:        fullPool{},
		Logger:      testutil.TestLogger(),
		OpenAPISpec: []byte("openapi: 3.1.0\n"),
		Middlewares: []func(http.Handler) http.Handler{mw("outer"), mw("inner")},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", rec.Body.String())
	assert.Equal(t, []string{"outer", "inner"}, order)

	bare := server.New(server.ServerConfig{Runs: testutil.NewMemStore(), Pool: fullPool{}, Logger: testutil.TestLogger()})
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
