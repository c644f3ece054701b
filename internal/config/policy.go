package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dida1024/infoSentry/internal/model"
)

// policyFile is the YAML overlay shape. Absent keys keep the base value.
type policyFile struct {
	Thresholds *struct {
		Immediate *float64 `yaml:"immediate"`
		Boundary  *float64 `yaml:"boundary_lower"`
		Batch     *float64 `yaml:"batch"`
		DigestMin *float64 `yaml:"digest_min"`
	} `yaml:"thresholds"`
	Budget *struct {
		DailyUSDCap      *float64 `yaml:"daily_usd_cap"`
		JudgmentPerDay   *int64   `yaml:"judgment_per_day"`
		EnrichmentPerDay *int64   `yaml:"enrichment_per_day"`
		JudgePricePer1K  *float64 `yaml:"judge_price_per_1k"`
	} `yaml:"budget"`
	JudgmentEnabled  *bool   `yaml:"judgment_enabled"`
	DeliveryEnabled  *bool   `yaml:"delivery_enabled"`
	CoalesceWindow   *string `yaml:"coalesce_window"`
	CoalesceMaxItems *int    `yaml:"coalesce_max_items"`
	BatchMaxItems    *int    `yaml:"batch_max_items"`
	DigestMaxItems   *int    `yaml:"digest_max_items"`
	Channel          *string `yaml:"channel"`
}

// LoadPolicyFile reads the YAML policy overlay at path and applies it on top
// of base. The result is not validated; callers validate after env overrides.
func LoadPolicyFile(path string, base model.Policy) (model.Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return base, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return ParsePolicy(data, base)
}

// ParsePolicy applies a YAML policy overlay to base.
func ParsePolicy(data []byte, base model.Policy) (model.Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("parse policy: %w", err)
	}
	p := base
	if t := f.Thresholds; t != nil {
		setIf(&p.Thresholds.Immediate, t.Immediate)
		setIf(&p.Thresholds.Boundary, t.Boundary)
		setIf(&p.Thresholds.Batch, t.Batch)
		setIf(&p.Thresholds.DigestMin, t.DigestMin)
	}
	if b := f.Budget; b != nil {
		setIf(&p.Budget.DailyUSDCap, b.DailyUSDCap)
		setIf(&p.Budget.JudgmentPerDay, b.JudgmentPerDay)
		setIf(&p.Budget.EnrichmentPerDay, b.EnrichmentPerDay)
		setIf(&p.Budget.JudgePricePer1K, b.JudgePricePer1K)
	}
	setIf(&p.JudgmentEnabled, f.JudgmentEnabled)
	setIf(&p.DeliveryEnabled, f.DeliveryEnabled)
	setIf(&p.CoalesceMaxItems, f.CoalesceMaxItems)
	setIf(&p.BatchMaxItems, f.BatchMaxItems)
	setIf(&p.DigestMaxItems, f.DigestMaxItems)
	setIf(&p.Channel, f.Channel)
	if f.CoalesceWindow != nil {
		d, err := time.ParseDuration(*f.CoalesceWindow)
		if err != nil {
			return base, fmt.Errorf("parse policy: coalesce_window %q is not a valid duration", *f.CoalesceWindow)
		}
		p.CoalesceWindow = d
	}
	return p, nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
