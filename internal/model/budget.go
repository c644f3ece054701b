package model

import "time"

// ClassUsage is one call class's counters for a day.
type ClassUsage struct {
	Calls    int64   `json:"calls"`
	Tokens   int64   `json:"tokens"`
	USDEst   float64 `json:"usd_est"`
	Disabled bool    `json:"disabled"`
}

// BudgetState is the per-day budget record. Counters only grow within a day;
// a new day starts from zero.
type BudgetState struct {
	Day        string     `json:"day"`
	Enrichment ClassUsage `json:"enrichment"`
	Judgment   ClassUsage `json:"judgment"`
}

// Class returns the usage for call class c.
func (b BudgetState) Class(c CallClass) ClassUsage {
	if c == CallJudgment {
		return b.Judgment
	}
	return b.Enrichment
}

// SetClass replaces the usage for call class c.
func (b *BudgetState) SetClass(c CallClass, u ClassUsage) {
	if c == CallJudgment {
		b.Judgment = u
		return
	}
	b.Enrichment = u
}

// USDEst is the day's total cost estimate across classes.
func (b BudgetState) USDEst() float64 {
	return b.Enrichment.USDEst + b.Judgment.USDEst
}

// BudgetCheck is the answer to "may this class make another call today".
type BudgetCheck struct {
	Class   CallClass        `json:"class"`
	Allowed bool             `json:"allowed"`
	Reason  BudgetDenyReason `json:"reason,omitempty"`
}

// Evaluate applies limits to the state for class c. It is the single
// definition of the allow/deny rule, shared by the live ledger and replay.
func (b BudgetState) Evaluate(c CallClass, limits BudgetLimits) BudgetCheck {
	u := b.Class(c)
	switch {
	case u.Disabled:
		return BudgetCheck{Class: c, Reason: BudgetDisabled}
	case limits.PerDay(c) > 0 && u.Calls >= limits.PerDay(c):
		return BudgetCheck{Class: c, Reason: BudgetDailyLimit}
	case limits.DailyUSDCap > 0 && b.USDEst() >= limits.DailyUSDCap:
		return BudgetCheck{Class: c, Reason: BudgetCostCap}
	}
	return BudgetCheck{Class: c, Allowed: true}
}

// BudgetDay formats t as the budget day key (UTC calendar date).
func BudgetDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
