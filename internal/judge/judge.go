// Package judge resolves boundary-tier candidates to IMMEDIATE or BATCH with
// one external reasoner call.
//
// The judge never returns an error. Every path that cannot produce a
// validated verdict (judgment disabled, no reasoner, budget denied, timeout,
// reasoner failure, malformed output) yields the same conservative fallback:
// BATCH, uncertain. Usage is recorded against the judgment budget exactly
// once when, and only when, a request was dispatched.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/telemetry"
	"github.com/dida1024/infoSentry/internal/tools"
)

// FallbackSummary is the reason text of every fallback result.
const FallbackSummary = "judgment unavailable"

// DefaultTimeout bounds a single reasoner call.
const DefaultTimeout = 15 * time.Second

// Fallback reasons recorded in the decision's score trace.
const (
	FallbackDisabled        = "judgment_disabled"
	FallbackNoReasoner      = "no_reasoner"
	FallbackBudgetError     = "budget_check_error"
	FallbackTimeout         = "timeout"
	FallbackReasonerError   = "reasoner_error"
	FallbackInvalidResponse = "invalid_response"
	FallbackNotRecorded     = "not_recorded"
)

// Env is the subset of the tool registry the judge uses.
type Env interface {
	ReasonerAvailable() bool
	CheckBudget(ctx context.Context, class model.CallClass) (model.BudgetCheck, error)
	Reason(ctx context.Context, req model.JudgeRequest) (model.JudgeReply, error)
	RecordUsage(ctx context.Context, class model.CallClass, usdDelta float64, tokens int64) error
}

// Input is one boundary judgment request.
type Input struct {
	Candidate  model.Candidate
	Goal       model.GoalContext
	Enabled    bool
	PricePer1K float64
}

// Result is the judge's answer. Label is always IMMEDIATE or BATCH.
type Result struct {
	Label          model.Tier       `json:"label"`
	Confidence     float64          `json:"confidence"`
	Uncertain      bool             `json:"uncertain"`
	Reason         string           `json:"reason"`
	Evidence       []model.Evidence `json:"evidence"`
	Fallback       bool             `json:"fallback"`
	FallbackReason string           `json:"fallback_reason,omitempty"`
	LLMUsed        bool             `json:"llm_used"`
	Model          string           `json:"model,omitempty"`
}

// Trace converts r into the judgment entry of a score trace.
func (r Result) Trace() *model.JudgeTrace {
	return &model.JudgeTrace{
		Label:      r.Label,
		Confidence: r.Confidence,
		Uncertain:  r.Uncertain,
		Reason:     r.Reason,
		Model:      r.Model,
	}
}

func fallback(reason string) Result {
	return Result{
		Label:          model.TierBatch,
		Uncertain:      true,
		Reason:         FallbackSummary,
		Evidence:       []model.Evidence{},
		Fallback:       true,
		FallbackReason: reason,
	}
}

// Judge runs boundary judgments.
type Judge struct {
	validator *Validator
	timeout   time.Duration
	logger    *slog.Logger

	outcomes metric.Int64Counter
}

// New creates a judge whose reasoner calls are bounded by timeout.
func New(timeout time.Duration, logger *slog.Logger) (*Judge, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	outcomes, _ := telemetry.Meter("infosentry/judge").Int64Counter("infosentry.judge.outcomes",
		metric.WithDescription("Boundary judgments by outcome"))
	return &Judge{validator: v, timeout: timeout, logger: logger, outcomes: outcomes}, nil
}

// Judge resolves in.Candidate. Preconditions are checked in order (enabled
// flag, reasoner present, judgment budget) before anything is dispatched.
func (j *Judge) Judge(ctx context.Context, env Env, in Input) Result {
	r := j.judge(ctx, env, in)
	outcome := "verdict"
	if r.Fallback {
		outcome = r.FallbackReason
	}
	if j.outcomes != nil {
		j.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return r
}

func (j *Judge) judge(ctx context.Context, env Env, in Input) Result {
	if !in.Enabled {
		return fallback(FallbackDisabled)
	}
	if !env.ReasonerAvailable() {
		return fallback(FallbackNoReasoner)
	}
	check, err := env.CheckBudget(ctx, model.CallJudgment)
	if err != nil {
		j.logger.Warn("judge: budget check failed", "error", err, "goal_id", in.Candidate.GoalID, "item_id", in.Candidate.ItemID)
		return fallback(FallbackBudgetError)
	}
	if !check.Allowed {
		return fallback("budget_" + strings.ToLower(string(check.Reason)))
	}

	req := BuildRequest(in.Candidate, in.Goal)
	callCtx, cancel := context.WithTimeout(ctx, j.timeout)
	reply, callErr := env.Reason(callCtx, req)
	cancel()

	if errors.Is(callErr, tools.ErrNotRecorded) {
		// Replay of a judgment the original run never dispatched.
		return fallback(FallbackNotRecorded)
	}
	j.recordUsage(ctx, env, in, req, reply)

	if callErr != nil {
		reason := FallbackReasonerError
		if errors.Is(callErr, context.DeadlineExceeded) {
			reason = FallbackTimeout
		}
		j.logger.Warn("judge: reasoner call failed", "error", callErr, "fallback_reason", reason,
			"goal_id", in.Candidate.GoalID, "item_id", in.Candidate.ItemID)
		r := fallback(reason)
		r.LLMUsed = true
		r.Model = reply.Model
		return r
	}

	v, err := j.validator.Parse(reply.Raw)
	if err != nil {
		j.logger.Warn("judge: invalid reasoner output", "error", err, "model", reply.Model,
			"goal_id", in.Candidate.GoalID, "item_id", in.Candidate.ItemID)
		r := fallback(FallbackInvalidResponse)
		r.LLMUsed = true
		r.Model = reply.Model
		return r
	}

	label := v.Label
	if v.Uncertain {
		label = model.TierBatch
	}
	return Result{
		Label:      label,
		Confidence: v.Confidence,
		Uncertain:  v.Uncertain,
		Reason:     v.Reason,
		Evidence:   v.Evidence,
		LLMUsed:    true,
		Model:      reply.Model,
	}
}

// recordUsage charges one dispatched call. Token counts come from the
// provider when reported and are estimated from text length otherwise.
// A failure is logged; it never changes the judgment.
func (j *Judge) recordUsage(ctx context.Context, env Env, in Input, req model.JudgeRequest, reply model.JudgeReply) {
	tokens := reply.PromptTokens + reply.CompletionTokens
	if tokens <= 0 {
		tokens = EstimateTokens(req.Prompt) + EstimateTokens(reply.Raw)
	}
	usd := float64(tokens) / 1000 * in.PricePer1K
	if err := env.RecordUsage(context.WithoutCancel(ctx), model.CallJudgment, usd, tokens); err != nil {
		j.logger.Error("judge: record usage failed", "error", err, "tokens", tokens, "usd", usd)
	}
}

// EstimateTokens approximates the token count of s at four characters per
// token, with a minimum of one for non-empty text.
func EstimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	n := int64(len([]rune(s))) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// String renders r for logs.
func (r Result) String() string {
	if r.Fallback {
		return fmt.Sprintf("%s (fallback: %s)", r.Label, r.FallbackReason)
	}
	return fmt.Sprintf("%s (confidence %.2f)", r.Label, r.Confidence)
}
