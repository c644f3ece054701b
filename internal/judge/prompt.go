package judge

import (
	"fmt"
	"strings"

	"github.com/dida1024/infoSentry/internal/model"
)

// AllowedLabels are the only labels a reasoner may return.
var AllowedLabels = []string{string(model.TierImmediate), string(model.TierBatch)}

const judgePrompt = `You help decide whether a news item is worth pushing to a user right now.

Choose one label for the item:
- IMMEDIATE: push now (highly relevant and time-sensitive)
- BATCH: include in the next batch (relevant but not urgent)

Reply with a single JSON object and nothing else:
{
  "label": "IMMEDIATE" or "BATCH",
  "confidence": number between 0 and 1,
  "uncertain": true or false,
  "reason": "one short sentence, at most %d characters",
  "evidence": [{"type": "TERM_HIT", "value": "matched term", "ref": {"field": "title"}}]
}

Evidence ref.field must be one of: %s.
If you are not sure, set uncertain to true and choose BATCH.

User goal:
%s

Title: %s
Snippet: %s
Source: %s
Match score: %.2f (0-1, higher is more relevant)%s`

// BuildRequest renders the fixed-shape reasoner request for c.
func BuildRequest(c model.Candidate, g model.GoalContext) model.JudgeRequest {
	snippet := c.Snippet
	if snippet == "" {
		snippet = "(none)"
	}
	source := c.SourceID
	if source == "" {
		source = "(unknown)"
	}
	var reasons string
	if len(c.MatchReasons) > 0 {
		reasons = "\nMatch reasons: " + strings.Join(c.MatchReasons, "; ")
	}
	desc := g.Description
	if desc == "" {
		desc = g.Name
	}
	return model.JudgeRequest{
		GoalDescription: desc,
		Title:           c.Title,
		Snippet:         c.Snippet,
		SourceID:        c.SourceID,
		MatchScore:      c.MatchScore,
		AllowedLabels:   AllowedLabels,
		Prompt: fmt.Sprintf(judgePrompt, MaxReasonLen, strings.Join(model.CandidateFields, ", "),
			desc, c.Title, snippet, source, c.MatchScore, reasons),
	}
}
