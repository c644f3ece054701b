package model

import (
	"fmt"
	"time"
)

// Candidate is a scored (goal, item) pair awaiting a push decision.
// It is never persisted on its own; it travels inside run snapshots.
type Candidate struct {
	GoalID       string             `json:"goal_id"`
	ItemID       string             `json:"item_id"`
	MatchScore   float64            `json:"match_score"`
	Features     map[string]float64 `json:"features,omitempty"`
	MatchReasons []string           `json:"match_reasons,omitempty"`
	Trigger      Trigger            `json:"trigger"`

	SourceID   string     `json:"source_id,omitempty"`
	SourceKind SourceKind `json:"source_kind,omitempty"`
	Title      string     `json:"title,omitempty"`
	Snippet    string     `json:"snippet,omitempty"`
	URL        string     `json:"url,omitempty"`
}

// NeedsItem reports whether the candidate lacks the text fields used by the
// rule gate and must be enriched from the item store.
func (c Candidate) NeedsItem() bool {
	return c.Title == "" && c.Snippet == ""
}

// WithItem fills the item-derived fields of c that are still empty.
func (c Candidate) WithItem(it Item) Candidate {
	if c.SourceID == "" {
		c.SourceID = it.SourceID
	}
	if c.SourceKind == "" {
		c.SourceKind = it.SourceKind
	}
	if c.Title == "" {
		c.Title = it.Title
	}
	if c.Snippet == "" {
		c.Snippet = it.Snippet
	}
	if c.URL == "" {
		c.URL = it.URL
	}
	return c
}

// CandidateFields lists the candidate fields that judge evidence may cite.
var CandidateFields = []string{
	"title", "snippet", "url", "source_id", "source_kind",
	"match_score", "features", "match_reasons",
}

// CandidateEvent is the upstream payload for a MatchComputed trigger.
type CandidateEvent struct {
	GoalID       string             `json:"goal_id"`
	ItemID       string             `json:"item_id"`
	MatchScore   float64            `json:"match_score"`
	Features     map[string]float64 `json:"features,omitempty"`
	MatchReasons []string           `json:"match_reasons,omitempty"`
	SourceID     string             `json:"source_id,omitempty"`
	SourceKind   string             `json:"source_kind,omitempty"`
	Title        string             `json:"title,omitempty"`
	Snippet      string             `json:"snippet,omitempty"`
	URL          string             `json:"url,omitempty"`
}

// Candidate validates the event and converts it into a Candidate.
func (e CandidateEvent) Candidate() (Candidate, error) {
	if e.GoalID == "" {
		return Candidate{}, fmt.Errorf("goal_id is required")
	}
	if e.ItemID == "" {
		return Candidate{}, fmt.Errorf("item_id is required")
	}
	if e.MatchScore < 0 || e.MatchScore > 1 {
		return Candidate{}, fmt.Errorf("match_score must be within [0, 1], got %v", e.MatchScore)
	}
	kind, err := ParseSourceKind(e.SourceKind)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{
		GoalID:       e.GoalID,
		ItemID:       e.ItemID,
		MatchScore:   e.MatchScore,
		Features:     e.Features,
		MatchReasons: e.MatchReasons,
		Trigger:      TriggerMatchComputed,
		SourceID:     e.SourceID,
		SourceKind:   kind,
		Title:        e.Title,
		Snippet:      e.Snippet,
		URL:          e.URL,
	}, nil
}

// Item is the normalized content item produced by ingestion.
type Item struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	SourceKind  SourceKind `json:"source_kind"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Match is a stored match score for a (goal, item) pair, consumed by the
// batch window and digest ticks.
type Match struct {
	GoalID     string             `json:"goal_id"`
	ItemID     string             `json:"item_id"`
	Score      float64            `json:"score"`
	Features   map[string]float64 `json:"features,omitempty"`
	Reasons    []string           `json:"reasons,omitempty"`
	ComputedAt time.Time          `json:"computed_at"`
}

// GoalContext is the immutable snapshot of a tracking goal taken at run start.
type GoalContext struct {
	GoalID         string       `json:"goal_id"`
	UserID         string       `json:"user_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	PriorityMode   PriorityMode `json:"priority_mode"`
	MustTerms      []string     `json:"must_terms"`
	NegativeTerms  []string     `json:"negative_terms"`
	BlockedSources []string     `json:"blocked_sources"`
	BatchWindows   []string     `json:"batch_windows"`
	DigestSendTime string       `json:"digest_send_time"`
}

// GoalSchedule is the subset of a goal the tick scheduler needs.
type GoalSchedule struct {
	GoalID         string   `json:"goal_id"`
	BatchWindows   []string `json:"batch_windows"`
	DigestSendTime string   `json:"digest_send_time"`
}

// History summarizes a goal's recent push decisions.
type History struct {
	GoalID          string       `json:"goal_id"`
	Since           time.Time    `json:"since"`
	Total           int          `json:"total"`
	ByTier          map[Tier]int `json:"by_tier,omitempty"`
	LastImmediateAt *time.Time   `json:"last_immediate_at,omitempty"`
}

// MatchQuery selects stored matches for a batch window or digest tick.
type MatchQuery struct {
	GoalID   string    `json:"goal_id"`
	MinScore float64   `json:"min_score"`
	Since    time.Time `json:"since"`
	Limit    int       `json:"limit"`
	// ExcludeTiers skips items that already have a decision of these tiers
	// for the goal.
	ExcludeTiers []Tier `json:"exclude_tiers,omitempty"`
}
