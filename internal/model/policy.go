package model

import (
	"fmt"
	"time"
)

// Thresholds are the score cut-offs used by the bucket classifier.
type Thresholds struct {
	Immediate float64 `json:"immediate" yaml:"immediate"`
	Boundary  float64 `json:"boundary_lower" yaml:"boundary_lower"`
	Batch     float64 `json:"batch" yaml:"batch"`
	DigestMin float64 `json:"digest_min" yaml:"digest_min"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Immediate: 0.93, Boundary: 0.88, Batch: 0.75, DigestMin: 0.60}
}

// Validate checks that the thresholds are ordered and within [0, 1].
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"immediate": t.Immediate, "boundary_lower": t.Boundary,
		"batch": t.Batch, "digest_min": t.DigestMin,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %s must be within [0, 1], got %v", name, v)
		}
	}
	if !(t.DigestMin <= t.Batch && t.Batch <= t.Boundary && t.Boundary <= t.Immediate) {
		return fmt.Errorf("thresholds must satisfy digest_min <= batch <= boundary_lower <= immediate, got %v <= %v <= %v <= %v",
			t.DigestMin, t.Batch, t.Boundary, t.Immediate)
	}
	return nil
}

// BudgetLimits are the daily caps enforced by the budget ledger.
type BudgetLimits struct {
	DailyUSDCap      float64 `json:"daily_usd_cap" yaml:"daily_usd_cap"`
	JudgmentPerDay   int64   `json:"judgment_per_day" yaml:"judgment_per_day"`
	EnrichmentPerDay int64   `json:"enrichment_per_day" yaml:"enrichment_per_day"`
	JudgePricePer1K  float64 `json:"judge_price_per_1k" yaml:"judge_price_per_1k"`
}

// PerDay returns the call cap for class c.
func (b BudgetLimits) PerDay(c CallClass) int64 {
	if c == CallJudgment {
		return b.JudgmentPerDay
	}
	return b.EnrichmentPerDay
}

// Policy is the decision configuration a run executes under. It is captured
// once per run and stored in the run's input snapshot.
type Policy struct {
	Thresholds       Thresholds    `json:"thresholds"`
	Budget           BudgetLimits  `json:"budget"`
	JudgmentEnabled  bool          `json:"judgment_enabled"`
	DeliveryEnabled  bool          `json:"delivery_enabled"`
	CoalesceWindow   time.Duration `json:"coalesce_window"`
	CoalesceMaxItems int           `json:"coalesce_max_items"`
	BatchMaxItems    int           `json:"batch_max_items"`
	DigestMaxItems   int           `json:"digest_max_items"`
	Channel          string        `json:"channel"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds: DefaultThresholds(),
		Budget: BudgetLimits{
			DailyUSDCap:      0.33,
			JudgmentPerDay:   200,
			EnrichmentPerDay: 500,
			JudgePricePer1K:  0.00015,
		},
		JudgmentEnabled:  true,
		DeliveryEnabled:  true,
		CoalesceWindow:   5 * time.Minute,
		CoalesceMaxItems: 3,
		BatchMaxItems:    8,
		DigestMaxItems:   10,
		Channel:          ChannelEmail,
	}
}

// Validate checks policy ranges.
func (p Policy) Validate() error {
	if err := p.Thresholds.Validate(); err != nil {
		return err
	}
	if p.Budget.DailyUSDCap <= 0 {
		return fmt.Errorf("daily_usd_cap must be positive")
	}
	if p.Budget.JudgmentPerDay < 0 || p.Budget.EnrichmentPerDay < 0 {
		return fmt.Errorf("per-day call limits must not be negative")
	}
	if p.Budget.JudgePricePer1K < 0 {
		return fmt.Errorf("judge_price_per_1k must not be negative")
	}
	if p.CoalesceWindow <= 0 {
		return fmt.Errorf("coalesce_window must be positive")
	}
	if p.CoalesceMaxItems < 1 {
		return fmt.Errorf("coalesce_max_items must be at least 1")
	}
	if p.BatchMaxItems < 1 || p.DigestMaxItems < 1 {
		return fmt.Errorf("batch_max_items and digest_max_items must be at least 1")
	}
	if p.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	return nil
}
