// Package budget implements the daily budget ledger for expensive external
// calls. Counters live in storage and are only changed through atomic
// increments; the ledger never does read-modify-write in memory.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/telemetry"
)

// Store is the persistence the ledger needs. RecordBudgetUsage must apply the
// increment and the cap check in one atomic operation.
type Store interface {
	GetBudget(ctx context.Context, day string) (model.BudgetState, error)
	RecordBudgetUsage(ctx context.Context, day string, class model.CallClass, usdDelta float64, tokens int64, usdCap float64) (model.BudgetState, error)
	SetBudgetDisabled(ctx context.Context, day string, class model.CallClass, disabled bool) error
}

// LimitsFunc returns the limits in force. It is read on every call so policy
// reloads take effect without restarting.
type LimitsFunc func() model.BudgetLimits

// Ledger answers allow/deny questions for call classes and records usage.
type Ledger struct {
	store  Store
	limits LimitsFunc
	logger *slog.Logger
	now    func() time.Time

	usage  metric.Float64Counter
	denied metric.Int64Counter
}

// NewLedger creates a budget ledger.
func NewLedger(store Store, limits LimitsFunc, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("infosentry/budget")
	usage, _ := meter.Float64Counter("infosentry.budget.usd",
		metric.WithDescription("Estimated USD recorded against the daily budget"))
	denied, _ := meter.Int64Counter("infosentry.budget.denied",
		metric.WithDescription("Budget checks that returned not allowed"))
	return &Ledger{store: store, limits: limits, logger: logger, now: time.Now, usage: usage, denied: denied}
}

// Limits returns the limits currently in force.
func (l *Ledger) Limits() model.BudgetLimits { return l.limits() }

// Snapshot returns today's budget state.
func (l *Ledger) Snapshot(ctx context.Context) (model.BudgetState, error) {
	s, err := l.store.GetBudget(ctx, model.BudgetDay(l.now()))
	if err != nil {
		return model.BudgetState{}, fmt.Errorf("budget: snapshot: %w", err)
	}
	return s, nil
}

// Report returns today's state with a check per call class and the limits
// in force.
func (l *Ledger) Report(ctx context.Context) (model.BudgetResponse, error) {
	state, err := l.Snapshot(ctx)
	if err != nil {
		return model.BudgetResponse{}, err
	}
	limits := l.limits()
	return model.BudgetResponse{
		State: state,
		Checks: []model.BudgetCheck{
			state.Evaluate(model.CallEnrichment, limits),
			state.Evaluate(model.CallJudgment, limits),
		},
		Limits: limits,
	}, nil
}

// CheckAllowed reports whether another call of class c may be made today.
// It has no side effects.
func (l *Ledger) CheckAllowed(ctx context.Context, c model.CallClass) (model.BudgetCheck, error) {
	s, err := l.Snapshot(ctx)
	if err != nil {
		return model.BudgetCheck{}, err
	}
	check := s.Evaluate(c, l.limits())
	if !check.Allowed && l.denied != nil {
		l.denied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("class", string(c)), attribute.String("reason", string(check.Reason))))
	}
	return check, nil
}

// RecordUsage atomically adds a call's cost and tokens to today's counters.
// When the day's total cost reaches the cap, the class is disabled in the
// same statement.
func (l *Ledger) RecordUsage(ctx context.Context, c model.CallClass, usdDelta float64, tokens int64) (model.BudgetState, error) {
	if usdDelta < 0 || tokens < 0 {
		return model.BudgetState{}, fmt.Errorf("budget: usage deltas must not be negative")
	}
	limits := l.limits()
	s, err := l.store.RecordBudgetUsage(ctx, model.BudgetDay(l.now()), c, usdDelta, tokens, limits.DailyUSDCap)
	if err != nil {
		return model.BudgetState{}, fmt.Errorf("budget: record usage: %w", err)
	}
	if l.usage != nil {
		l.usage.Add(ctx, usdDelta, metric.WithAttributes(attribute.String("class", string(c))))
	}
	if s.Class(c).Disabled {
		l.logger.Warn("budget: call class disabled", "class", c, "day", s.Day,
			"usd_est", s.USDEst(), "cap", limits.DailyUSDCap)
	}
	return s, nil
}

// Disable turns off class c for today regardless of counters.
func (l *Ledger) Disable(ctx context.Context, c model.CallClass) error {
	return l.setDisabled(ctx, c, true)
}

// Enable clears the disable flag for class c for today. Counter-based limits
// still apply.
func (l *Ledger) Enable(ctx context.Context, c model.CallClass) error {
	return l.setDisabled(ctx, c, false)
}

func (l *Ledger) setDisabled(ctx context.Context, c model.CallClass, disabled bool) error {
	day := model.BudgetDay(l.now())
	if err := l.store.SetBudgetDisabled(ctx, day, c, disabled); err != nil {
		return fmt.Errorf("budget: set disabled: %w", err)
	}
	l.logger.Info("budget: class override", "class", c, "day", day, "disabled", disabled)
	return nil
}
