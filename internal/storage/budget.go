package storage

import (
	"context"
	"fmt"

	"github.com/dida1024/infoSentry/internal/model"
)

// GetBudget returns the budget state for day (YYYY-MM-DD). A day without rows
// is returned zeroed; rows are created lazily by the first usage.
func (db *DB) GetBudget(ctx context.Context, day string) (model.BudgetState, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT call_class, calls, tokens, usd_est, disabled
		 FROM budget_daily WHERE day = $1::date`, day,
	)
	if err != nil {
		return model.BudgetState{}, fmt.Errorf("storage: get budget: %w", err)
	}
	defer rows.Close()

	state := model.BudgetState{Day: day}
	for rows.Next() {
		var class string
		var u model.ClassUsage
		if err := rows.Scan(&class, &u.Calls, &u.Tokens, &u.USDEst, &u.Disabled); err != nil {
			return model.BudgetState{}, fmt.Errorf("storage: scan budget: %w", err)
		}
		state.SetClass(model.CallClass(class), u)
	}
	if err := rows.Err(); err != nil {
		return model.BudgetState{}, fmt.Errorf("storage: get budget: %w", err)
	}
	return state, nil
}

// RecordBudgetUsage counts one call of class against day in a single
// statement: the (day, class) row is created or incremented, and its disable
// flag is set when the day's total cost across classes reaches usdCap.
// A non-positive usdCap never disables. The flag is sticky within the day.
func (db *DB) RecordBudgetUsage(ctx context.Context, day string, class model.CallClass, usdDelta float64, tokens int64, usdCap float64) (model.BudgetState, error) {
	var u model.ClassUsage
	err := db.withRetry(ctx, "record budget usage", DefaultRetry, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO budget_daily AS b (day, call_class, calls, tokens, usd_est, disabled, updated_at)
			 VALUES ($1::date, $2::text, 1, $4::bigint, $3::float8,
			         $5::float8 > 0 AND $3::float8 + (
			             SELECT COALESCE(SUM(o.usd_est), 0) FROM budget_daily o
			             WHERE o.day = $1::date AND o.call_class <> $2::text) >= $5::float8,
			         now())
			 ON CONFLICT (day, call_class) DO UPDATE SET
			     calls      = b.calls + 1,
			     tokens     = b.tokens + EXCLUDED.tokens,
			     usd_est    = b.usd_est + EXCLUDED.usd_est,
			     disabled   = b.disabled OR ($5::float8 > 0 AND b.usd_est + EXCLUDED.usd_est + (
			                      SELECT COALESCE(SUM(o.usd_est), 0) FROM budget_daily o
			                      WHERE o.day = b.day AND o.call_class <> b.call_class) >= $5::float8),
			     updated_at = now()
			 RETURNING calls, tokens, usd_est, disabled`,
			day, string(class), usdDelta, tokens, usdCap,
		).Scan(&u.Calls, &u.Tokens, &u.USDEst, &u.Disabled)
	})
	if err != nil {
		return model.BudgetState{}, fmt.Errorf("storage: record budget usage: %w", err)
	}

	state, err := db.GetBudget(ctx, day)
	if err != nil {
		return model.BudgetState{}, err
	}
	// Report the class row as this statement left it.
	state.SetClass(class, u)
	return state, nil
}

// SetBudgetDisabled sets or clears the disable flag for (day, class).
func (db *DB) SetBudgetDisabled(ctx context.Context, day string, class model.CallClass, disabled bool) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO budget_daily (day, call_class, disabled)
		 VALUES ($1::date, $2, $3)
		 ON CONFLICT (day, call_class) DO UPDATE SET disabled = EXCLUDED.disabled, updated_at = now()`,
		day, string(class), disabled,
	)
	if err != nil {
		return fmt.Errorf("storage: set budget disabled: %w", err)
	}
	return nil
}
