package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dida1024/infoSentry/internal/model"
)

// GetGoalContext loads the decision-relevant fields of a goal.
func (db *DB) GetGoalContext(ctx context.Context, goalID string) (model.GoalContext, error) {
	var g model.GoalContext
	var mode string
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, name, description, priority_mode, must_terms, negative_terms,
		        blocked_sources, batch_windows, digest_send_time
		 FROM goals WHERE id = $1`, goalID,
	).Scan(&g.GoalID, &g.UserID, &g.Name, &g.Description, &mode, &g.MustTerms,
		&g.NegativeTerms, &g.BlockedSources, &g.BatchWindows, &g.DigestSendTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GoalContext{}, fmt.Errorf("storage: goal %s: %w", goalID, ErrNotFound)
		}
		return model.GoalContext{}, fmt.Errorf("storage: get goal: %w", err)
	}
	g.PriorityMode = model.PriorityMode(mode)
	return g, nil
}

// UpsertGoal creates or replaces a goal. The goals table is owned by the
// goals service; this is used by seeding and tests.
func (db *DB) UpsertGoal(ctx context.Context, g model.GoalContext) error {
	if g.PriorityMode == "" {
		g.PriorityMode = model.PrioritySoft
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO goals (id, user_id, name, description, priority_mode, must_terms, negative_terms,
		                    blocked_sources, batch_windows, digest_send_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     user_id = EXCLUDED.user_id, name = EXCLUDED.name, description = EXCLUDED.description,
		     priority_mode = EXCLUDED.priority_mode, must_terms = EXCLUDED.must_terms,
		     negative_terms = EXCLUDED.negative_terms, blocked_sources = EXCLUDED.blocked_sources,
		     batch_windows = EXCLUDED.batch_windows, digest_send_time = EXCLUDED.digest_send_time`,
		g.GoalID, g.UserID, g.Name, g.Description, string(g.PriorityMode),
		nonNil(g.MustTerms), nonNil(g.NegativeTerms), nonNil(g.BlockedSources),
		defaultIfEmpty(g.BatchWindows, []string{"12:30", "18:30"}), orDefault(g.DigestSendTime, "09:00"),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert goal: %w", err)
	}
	return nil
}

// ListGoalSchedules returns the batch windows and digest time of every
// active goal.
func (db *DB) ListGoalSchedules(ctx context.Context) ([]model.GoalSchedule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, batch_windows, digest_send_time FROM goals WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list goal schedules: %w", err)
	}
	defer rows.Close()

	var out []model.GoalSchedule
	for rows.Next() {
		var s model.GoalSchedule
		if err := rows.Scan(&s.GoalID, &s.BatchWindows, &s.DigestSendTime); err != nil {
			return nil, fmt.Errorf("storage: scan goal schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetItem loads an item by id.
func (db *DB) GetItem(ctx context.Context, itemID string) (model.Item, error) {
	var it model.Item
	var kind string
	err := db.pool.QueryRow(ctx,
		`SELECT id, source_id, source_kind, title, snippet, url, published_at
		 FROM items WHERE id = $1`, itemID,
	).Scan(&it.ID, &it.SourceID, &kind, &it.Title, &it.Snippet, &it.URL, &it.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Item{}, fmt.Errorf("storage: item %s: %w", itemID, ErrNotFound)
		}
		return model.Item{}, fmt.Errorf("storage: get item: %w", err)
	}
	it.SourceKind = model.SourceKind(kind)
	return it, nil
}

// UpsertItem creates or replaces an item.
func (db *DB) UpsertItem(ctx context.Context, it model.Item) error {
	kind := it.SourceKind
	if kind == "" {
		kind = model.SourceRSS
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO items (id, source_id, source_kind, title, snippet, url, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     source_id = EXCLUDED.source_id, source_kind = EXCLUDED.source_kind, title = EXCLUDED.title,
		     snippet = EXCLUDED.snippet, url = EXCLUDED.url, published_at = EXCLUDED.published_at`,
		it.ID, it.SourceID, string(kind), it.Title, it.Snippet, it.URL, it.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert item: %w", err)
	}
	return nil
}

// RecordMatch stores the latest match score for a (goal, item) pair so
// window and digest ticks can pick it up.
func (db *DB) RecordMatch(ctx context.Context, m model.Match) error {
	features, err := json.Marshal(nonNilMap(m.Features))
	if err != nil {
		return fmt.Errorf("storage: encode match features: %w", err)
	}
	if m.ComputedAt.IsZero() {
		m.ComputedAt = time.Now().UTC()
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO goal_item_matches (goal_id, item_id, score, features, reasons, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (goal_id, item_id) DO UPDATE SET
		     score = EXCLUDED.score, features = EXCLUDED.features,
		     reasons = EXCLUDED.reasons, computed_at = EXCLUDED.computed_at`,
		m.GoalID, m.ItemID, m.Score, features, nonNil(m.Reasons), m.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record match: %w", err)
	}
	return nil
}

// GetHistory summarizes a goal's decisions made at or after since.
func (db *DB) GetHistory(ctx context.Context, goalID string, since time.Time) (model.History, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT decision, COUNT(*), MAX(decided_at)
		 FROM push_decisions
		 WHERE goal_id = $1 AND decided_at >= $2
		 GROUP BY decision`,
		goalID, since,
	)
	if err != nil {
		return model.History{}, fmt.Errorf("storage: get history: %w", err)
	}
	defer rows.Close()

	h := model.History{GoalID: goalID, Since: since, ByTier: map[model.Tier]int{}}
	for rows.Next() {
		var tier string
		var n int
		var last time.Time
		if err := rows.Scan(&tier, &n, &last); err != nil {
			return model.History{}, fmt.Errorf("storage: scan history: %w", err)
		}
		h.ByTier[model.Tier(tier)] = n
		h.Total += n
		if model.Tier(tier) == model.TierImmediate {
			last = last.UTC()
			h.LastImmediateAt = &last
		}
	}
	return h, rows.Err()
}

// ListPendingMatches returns a goal's matches computed at or after q.Since
// with score >= q.MinScore, highest score first, skipping items that already
// have a decision in one of q.ExcludeTiers.
func (db *DB) ListPendingMatches(ctx context.Context, q model.MatchQuery) ([]model.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	exclude := make([]string, len(q.ExcludeTiers))
	for i, t := range q.ExcludeTiers {
		exclude[i] = string(t)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT m.goal_id, m.item_id, m.score, m.features, m.reasons,
		        COALESCE(i.source_id, ''), COALESCE(i.source_kind, ''), COALESCE(i.title, ''),
		        COALESCE(i.snippet, ''), COALESCE(i.url, '')
		 FROM goal_item_matches m
		 LEFT JOIN items i ON i.id = m.item_id
		 WHERE m.goal_id = $1 AND m.score >= $2 AND m.computed_at >= $3
		   AND NOT EXISTS (
		       SELECT 1 FROM push_decisions d
		       WHERE d.goal_id = m.goal_id AND d.item_id = m.item_id AND d.decision = ANY($4))
		 ORDER BY m.score DESC, m.item_id ASC
		 LIMIT $5`,
		q.GoalID, q.MinScore, q.Since, exclude, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending matches: %w", err)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		var features []byte
		var kind string
		if err := rows.Scan(&c.GoalID, &c.ItemID, &c.MatchScore, &features, &c.MatchReasons,
			&c.SourceID, &kind, &c.Title, &c.Snippet, &c.URL); err != nil {
			return nil, fmt.Errorf("storage: scan match: %w", err)
		}
		if len(features) > 0 {
			if err := json.Unmarshal(features, &c.Features); err != nil {
				return nil, fmt.Errorf("storage: decode match features: %w", err)
			}
		}
		c.SourceKind = model.SourceKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func defaultIfEmpty(s, def []string) []string {
	if len(s) == 0 {
		return def
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
