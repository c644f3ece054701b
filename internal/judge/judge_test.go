package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/testutil"
	"github.com/dida1024/infoSentry/internal/tools"
)

// fakeEnv is a scripted judge environment.
type fakeEnv struct {
	available bool
	check     model.BudgetCheck
	checkErr  error
	reply     model.JudgeReply
	reasonErr error
	block     bool // Reason waits for ctx to end
	usageErr  error

	mu      sync.Mutex
	reasons int
	usage   []usage
}

type usage struct {
	class  model.CallClass
	usd    float64
	tokens int64
}

func (f *fakeEnv) ReasonerAvailable() bool { return f.available }

func (f *fakeEnv) CheckBudget(_ context.Context, class model.CallClass) (model.BudgetCheck, error) {
	c := f.check
	c.Class = class
	return c, f.checkErr
}

func (f *fakeEnv) Reason(ctx context.Context, _ model.JudgeRequest) (model.JudgeReply, error) {
	f.mu.Lock()
	f.reasons++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return model.JudgeReply{Model: f.reply.Model}, ctx.Err()
	}
	return f.reply, f.reasonErr
}

func (f *fakeEnv) RecordUsage(_ context.Context, class model.CallClass, usd float64, tokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, usage{class: class, usd: usd, tokens: tokens})
	return f.usageErr
}

func okEnv(raw string) *fakeEnv {
	return &fakeEnv{
		available: true,
		check:     model.BudgetCheck{Allowed: true},
		reply:     model.JudgeReply{Raw: raw, Model: "test-model", PromptTokens: 300, CompletionTokens: 100},
	}
}

func newJudge(t *testing.T) *Judge {
	t.Helper()
	j, err := New(time.Second, testutil.TestLogger())
	require.NoError(t, err)
	return j
}

func boundaryInput() Input {
	return Input{
		Candidate: model.Candidate{
			GoalID: "g1", ItemID: "i1", MatchScore: 0.90,
			Title: "Chip export rules tightened", Snippet: "New controls announced today",
			SourceID: "src-1", MatchReasons: []string{"semantic match"},
		},
		Goal:       model.GoalContext{GoalID: "g1", Description: "semiconductor export policy"},
		Enabled:    true,
		PricePer1K: 0.00015,
	}
}

const validImmediate = `{"label":"IMMEDIATE","confidence":0.82,"uncertain":false,"reason":"Breaking policy change","evidence":[{"type":"TERM_HIT","value":"export","ref":{"field":"title"}}]}`

func TestJudge_ValidVerdictIsUsed(t *testing.T) {
	env := okEnv(validImmediate)
	r := newJudge(t).Judge(context.Background(), env, boundaryInput())

	assert.Equal(t, model.TierImmediate, r.Label)
	assert.False(t, r.Fallback)
	assert.False(t, r.Uncertain)
	assert.True(t, r.LLMUsed)
	assert.Equal(t, "test-model", r.Model)
	assert.InDelta(t, 0.82, r.Confidence, 1e-9)
	require.Len(t, r.Evidence, 1)
	assert.Equal(t, "title", r.Evidence[0].Ref.Field)

	require.Len(t, env.usage, 1)
	assert.Equal(t, model.CallJudgment, env.usage[0].class)
	assert.Equal(t, int64(400), env.usage[0].tokens)
	assert.InDelta(t, 0.4*0.00015, env.usage[0].usd, 1e-12)
}

func TestJudge_UncertainVerdictResolvesToBatch(t *testing.T) {
	env := okEnv(`{"label":"IMMEDIATE","confidence":0.51,"uncertain":true,"reason":"Could go either way","evidence":[]}`)
	r := newJudge(t).Judge(context.Background(), env, boundaryInput())

	assert.Equal(t, model.TierBatch, r.Label)
	assert.True(t, r.Uncertain)
	assert.False(t, r.Fallback)
	assert.Len(t, env.usage, 1)
}

func TestJudge_FencedJSONAccepted(t *testing.T) {
	env := okEnv("```json\n" + validImmediate + "\n```")
	r := newJudge(t).Judge(context.Background(), env, boundaryInput())
	assert.False(t, r.Fallback)
	assert.Equal(t, model.TierImmediate, r.Label)
}

// Preconditions that fail must not dispatch or charge anything.
func TestJudge_PreDispatchFallbacks(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*fakeEnv, *Input)
		reason string
	}{
		{"disabled", func(_ *fakeEnv, in *Input) { in.Enabled = false }, FallbackDisabled},
		{"no reasoner", func(e *fakeEnv, _ *Input) { e.available = false }, FallbackNoReasoner},
		{"daily limit", func(e *fakeEnv, _ *Input) {
			e.check = model.BudgetCheck{Reason: model.BudgetDailyLimit}
		}, "budget_daily_limit"},
		{"cost cap", func(e *fakeEnv, _ *Input) {
			e.check = model.BudgetCheck{Reason: model.BudgetCostCap}
		}, "budget_cost_cap"},
		{"class disabled", func(e *fakeEnv, _ *Input) {
			e.check = model.BudgetCheck{Reason: model.BudgetDisabled}
		}, "budget_disabled"},
		{"budget error", func(e *fakeEnv, _ *Input) { e.checkErr = errors.New("db down") }, FallbackBudgetError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := okEnv(validImmediate)
			in := boundaryInput()
			tc.mutate(env, &in)

			r := newJudge(t).Judge(context.Background(), env, in)

			assert.Equal(t, model.TierBatch, r.Label)
			assert.True(t, r.Uncertain)
			assert.True(t, r.Fallback)
			assert.False(t, r.LLMUsed)
			assert.Equal(t, FallbackSummary, r.Reason)
			assert.Equal(t, tc.reason, r.FallbackReason)
			assert.Zero(t, env.reasons, "reasoner must not be called")
			assert.Empty(t, env.usage, "usage must not be recorded")
		})
	}
}

// Every dispatched call is charged exactly once, whatever its outcome.
func TestJudge_PostDispatchFallbacks(t *testing.T) {
	cases := []struct {
		name   string
		env    func() *fakeEnv
		reason string
	}{
		{"non json", func() *fakeEnv { return okEnv("I think IMMEDIATE") }, FallbackInvalidResponse},
		{"empty", func() *fakeEnv { return okEnv("") }, FallbackInvalidResponse},
		{"bad label", func() *fakeEnv {
			return okEnv(`{"label":"DIGEST","confidence":0.5,"uncertain":false,"reason":"x","evidence":[]}`)
		}, FallbackInvalidResponse},
		{"confidence out of range", func() *fakeEnv {
			return okEnv(`{"label":"BATCH","confidence":1.5,"uncertain":false,"reason":"x","evidence":[]}`)
		}, FallbackInvalidResponse},
		{"empty reason", func() *fakeEnv {
			return okEnv(`{"label":"BATCH","confidence":0.5,"uncertain":false,"reason":"","evidence":[]}`)
		}, FallbackInvalidResponse},
		{"reason too long", func() *fakeEnv {
			long := strings.Repeat("a", MaxReasonLen+1)
			return okEnv(fmt.Sprintf(`{"label":"BATCH","confidence":0.5,"uncertain":false,"reason":%q,"evidence":[]}`, long))
		}, FallbackInvalidResponse},
		{"extra property", func() *fakeEnv {
			return okEnv(`{"label":"BATCH","confidence":0.5,"uncertain":false,"reason":"x","evidence":[],"score":1}`)
		}, FallbackInvalidResponse},
		{"missing field", func() *fakeEnv {
			return okEnv(`{"label":"BATCH","confidence":0.5,"reason":"x","evidence":[]}`)
		}, FallbackInvalidResponse},
		{"evidence unknown field", func() *fakeEnv {
			return okEnv(`{"label":"BATCH","confidence":0.5,"uncertain":false,"reason":"x","evidence":[{"type":"T","value":"v","ref":{"field":"author"}}]}`)
		}, FallbackInvalidResponse},
		{"reasoner error", func() *fakeEnv {
			e := okEnv("")
			e.reasonErr = errors.New("503 service unavailable")
			return e
		}, FallbackReasonerError},
		{"timeout", func() *fakeEnv {
			e := okEnv("")
			e.block = true
			return e
		}, FallbackTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := tc.env()
			j, err := New(50*time.Millisecond, testutil.TestLogger())
			require.NoError(t, err)

			r := j.Judge(context.Background(), env, boundaryInput())

			assert.Equal(t, model.TierBatch, r.Label)
			assert.True(t, r.Uncertain)
			assert.True(t, r.Fallback)
			assert.True(t, r.LLMUsed)
			assert.Equal(t, tc.reason, r.FallbackReason)
			assert.Equal(t, 1, env.reasons)
			require.Len(t, env.usage, 1, "a dispatched call is charged exactly once")
			assert.Positive(t, env.usage[0].tokens)
		})
	}
}

func TestJudge_UsageEstimatedWhenProviderReportsNone(t *testing.T) {
	env := okEnv(validImmediate)
	env.reply.PromptTokens, env.reply.CompletionTokens = 0, 0

	newJudge(t).Judge(context.Background(), env, boundaryInput())

	req := BuildRequest(boundaryInput().Candidate, boundaryInput().Goal)
	want := EstimateTokens(req.Prompt) + EstimateTokens(validImmediate)
	require.Len(t, env.usage, 1)
	assert.Equal(t, want, env.usage[0].tokens)
}

func TestJudge_UsageFailureDoesNotChangeVerdict(t *testing.T) {
	env := okEnv(validImmediate)
	env.usageErr = errors.New("ledger unavailable")

	r := newJudge(t).Judge(context.Background(), env, boundaryInput())

	assert.False(t, r.Fallback)
	assert.Equal(t, model.TierImmediate, r.Label)
}

func TestJudge_UnrecordedReplayJudgmentIsNotCharged(t *testing.T) {
	env := okEnv("")
	env.reasonErr = tools.ErrNotRecorded

	r := newJudge(t).Judge(context.Background(), env, boundaryInput())

	assert.True(t, r.Fallback)
	assert.Equal(t, FallbackNotRecorded, r.FallbackReason)
	assert.Empty(t, env.usage)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("ab"))
	assert.Equal(t, int64(2), EstimateTokens("abcdefgh"))
	// Counted in characters, not bytes.
	assert.Equal(t, int64(1), EstimateTokens("芯片出口"))
}

func TestBuildRequest(t *testing.T) {
	in := boundaryInput()
	req := BuildRequest(in.Candidate, in.Goal)

	assert.Equal(t, "semiconductor export policy", req.GoalDescription)
	assert.Equal(t, []string{"IMMEDIATE", "BATCH"}, req.AllowedLabels)
	assert.Contains(t, req.Prompt, "Chip export rules tightened")
	assert.Contains(t, req.Prompt, "0.90")
	assert.Contains(t, req.Prompt, "semantic match")
	for _, f := range model.CandidateFields {
		assert.Contains(t, req.Prompt, f)
	}
}

func TestBuildRequest_FallsBackToGoalName(t *testing.T) {
	req := BuildRequest(model.Candidate{Title: "t"}, model.GoalContext{Name: "AI chips"})
	assert.Equal(t, "AI chips", req.GoalDescription)
	assert.Contains(t, req.Prompt, "Snippet: (none)")
}
