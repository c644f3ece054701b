// Package gate applies a goal's hard block rules to a candidate before any
// scoring decision is made.
package gate

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dida1024/infoSentry/internal/model"
)

// Result is the outcome of Evaluate. When Blocked is false, Reason is empty.
type Result struct {
	Blocked bool              `json:"blocked"`
	Reason  model.BlockReason `json:"reason,omitempty"`
	Detail  string            `json:"detail,omitempty"`
	// Term is the negative term that blocked the candidate.
	Term string `json:"term,omitempty"`
	// Field is the candidate field the blocking term was found in.
	Field string `json:"field,omitempty"`
	// MustHits lists the goal's must-terms found in the candidate text.
	MustHits []string `json:"must_hits,omitempty"`
}

// Evaluate checks, in order, the blocked-source list, the negative terms, and
// (in STRICT mode with a non-empty must-term list) that at least one
// must-term is present. The first rule that matches decides.
func Evaluate(c model.Candidate, g model.GoalContext) Result {
	if c.SourceID != "" && slices.Contains(g.BlockedSources, c.SourceID) {
		return Result{
			Blocked: true,
			Reason:  model.BlockBlockedSource,
			Detail:  fmt.Sprintf("source %s is blocked", c.SourceID),
			Field:   "source_id",
		}
	}

	title := strings.ToLower(c.Title)
	text := title + " " + strings.ToLower(c.Snippet)

	for _, term := range g.NegativeTerms {
		if field, ok := findTerm(term, text, len(title)); ok {
			return Result{
				Blocked: true,
				Reason:  model.BlockNegativeTerm,
				Detail:  fmt.Sprintf("matched negative term %q", term),
				Term:    term,
				Field:   field,
			}
		}
	}

	var hits []string
	for _, term := range g.MustTerms {
		if _, ok := findTerm(term, text, len(title)); ok {
			hits = append(hits, term)
		}
	}
	if g.PriorityMode == model.PriorityStrict && len(g.MustTerms) > 0 && len(hits) == 0 {
		return Result{
			Blocked: true,
			Reason:  model.BlockStrictNoHit,
			Detail:  "STRICT mode requires at least one must-term hit",
			Field:   "title",
		}
	}
	return Result{MustHits: hits}
}

// Evidence returns the evidence entries describing r.
func (r Result) Evidence(c model.Candidate) []model.Evidence {
	switch r.Reason {
	case model.BlockBlockedSource:
		return []model.Evidence{{Type: model.EvidenceSource, Value: c.SourceID, Ref: model.EvidenceRef{Field: "source_id"}}}
	case model.BlockNegativeTerm:
		return []model.Evidence{{Type: model.EvidenceTermHit, Value: r.Term, Ref: model.EvidenceRef{Field: r.Field}}}
	case model.BlockStrictNoHit:
		return []model.Evidence{{Type: model.EvidenceRule, Value: string(r.Reason), Ref: model.EvidenceRef{Field: r.Field}}}
	}
	out := make([]model.Evidence, 0, len(r.MustHits))
	for _, term := range r.MustHits {
		out = append(out, model.Evidence{Type: model.EvidenceTermHit, Value: term, Ref: model.EvidenceRef{Field: "title"}})
	}
	return out
}

// findTerm reports whether term occurs in text, the lower-cased
// "title snippet", and which of the two fields the match starts in.
func findTerm(term, text string, titleLen int) (string, bool) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return "", false
	}
	i := index(text, term)
	switch {
	case i < 0:
		return "", false
	case i < titleLen:
		return "title", true
	}
	return "snippet", true
}

// Contains reports whether the lower-cased text contains the lower-cased
// term. Terms written in a script without word separators (Han, kana,
// Hangul) match as plain substrings; all other terms must start and end on
// a word boundary, so "ai" does not match inside "said".
func Contains(text, term string) bool {
	return index(text, term) >= 0
}

func index(text, term string) int {
	if hasUnspacedScript(term) {
		return strings.Index(text, term)
	}
	first, _ := utf8.DecodeRuneInString(term)
	last, _ := utf8.DecodeLastRuneInString(term)
	for off := 0; off <= len(text)-len(term); {
		i := strings.Index(text[off:], term)
		if i < 0 {
			return -1
		}
		start := off + i
		end := start + len(term)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		leftOK := start == 0 || !isWord(first) || !isWord(before)
		rightOK := end == len(text) || !isWord(last) || !isWord(after)
		if leftOK && rightOK {
			return start
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		off = start + size
	}
	return -1
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func hasUnspacedScript(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}
