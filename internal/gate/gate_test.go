package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dida1024/infoSentry/internal/model"
)

func goal(mode model.PriorityMode) model.GoalContext {
	return model.GoalContext{
		GoalID:         "g1",
		PriorityMode:   mode,
		MustTerms:      []string{"GPU", "芯片"},
		NegativeTerms:  []string{"rumor", "传闻"},
		BlockedSources: []string{"tabloid"},
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	// Every rule would fire; the blocked source wins.
	c := model.Candidate{SourceID: "tabloid", Title: "Rumor: new phone", Snippet: "nothing relevant"}
	r := Evaluate(c, goal(model.PriorityStrict))
	require.True(t, r.Blocked)
	assert.Equal(t, model.BlockBlockedSource, r.Reason)

	// Without the source rule the negative term wins over the strict miss.
	c.SourceID = "wire"
	r = Evaluate(c, goal(model.PriorityStrict))
	require.True(t, r.Blocked)
	assert.Equal(t, model.BlockNegativeTerm, r.Reason)
	assert.Equal(t, "rumor", r.Term)
	assert.Equal(t, "title", r.Field)

	c.Title = "New phone launched"
	r = Evaluate(c, goal(model.PriorityStrict))
	require.True(t, r.Blocked)
	assert.Equal(t, model.BlockStrictNoHit, r.Reason)
}

func TestEvaluateSoftModeIgnoresMustTerms(t *testing.T) {
	c := model.Candidate{SourceID: "wire", Title: "New phone launched"}
	r := Evaluate(c, goal(model.PrioritySoft))
	assert.False(t, r.Blocked)
	assert.Empty(t, r.Reason)
	assert.Empty(t, r.MustHits)
}

func TestEvaluateStrictWithoutMustTermsPasses(t *testing.T) {
	g := goal(model.PriorityStrict)
	g.MustTerms = nil
	r := Evaluate(model.Candidate{Title: "anything"}, g)
	assert.False(t, r.Blocked)
}

func TestEvaluateStrictHit(t *testing.T) {
	r := Evaluate(model.Candidate{Title: "Nvidia ships a new gpu"}, goal(model.PriorityStrict))
	assert.False(t, r.Blocked)
	assert.Equal(t, []string{"GPU"}, r.MustHits)
}

func TestEvaluateNegativeTermInSnippet(t *testing.T) {
	r := Evaluate(model.Candidate{Title: "GPU prices", Snippet: "an unconfirmed RUMOR says"}, goal(model.PrioritySoft))
	require.True(t, r.Blocked)
	assert.Equal(t, "snippet", r.Field)
}

func TestEvaluateCJKSubstring(t *testing.T) {
	// CJK text has no spaces; terms match anywhere.
	r := Evaluate(model.Candidate{Title: "国产AI芯片发布"}, goal(model.PriorityStrict))
	assert.False(t, r.Blocked)
	assert.Equal(t, []string{"芯片"}, r.MustHits)

	r = Evaluate(model.Candidate{Title: "网传新款芯片传闻不实"}, goal(model.PriorityStrict))
	require.True(t, r.Blocked)
	assert.Equal(t, model.BlockNegativeTerm, r.Reason)
	assert.Equal(t, "传闻", r.Term)
}

func TestContainsWordBoundary(t *testing.T) {
	tests := []struct {
		text, term string
		want       bool
	}{
		{"ai chips are here", "ai", true},
		{"she said no", "ai", false},
		{"the gpu.", "gpu", true},
		{"gpus are scarce", "gpu", false},
		{"(gpu)", "gpu", true},
		{"open-source model", "open-source", true},
		{"c++ compilers", "c++", true},
		{"go_lang", "go", false},
		{"rust 2024 edition", "2024", true},
		{"version 20245", "2024", false},
		{"aiai ai", "ai", true},
		{"", "ai", false},
		{"café news", "café", true},
		{"cafés", "café", false},
		{"最新芯片", "芯片", true},
	}
	for _, tt := range tests {
		t.Run(tt.text+"/"+tt.term, func(t *testing.T) {
			assert.Equal(t, tt.want, Contains(tt.text, tt.term))
		})
	}
}

func TestEvaluateBlankTermsNeverMatch(t *testing.T) {
	g := model.GoalContext{NegativeTerms: []string{"", "  "}}
	r := Evaluate(model.Candidate{Title: "anything at all"}, g)
	assert.False(t, r.Blocked)
}

func TestEvidence(t *testing.T) {
	c := model.Candidate{SourceID: "tabloid", Title: "rumor"}
	ev := Evaluate(c, goal(model.PrioritySoft)).Evidence(c)
	require.Len(t, ev, 1)
	assert.Equal(t, model.EvidenceSource, ev[0].Type)
	assert.Equal(t, "source_id", ev[0].Ref.Field)

	c.SourceID = ""
	ev = Evaluate(c, goal(model.PrioritySoft)).Evidence(c)
	require.Len(t, ev, 1)
	assert.Equal(t, model.EvidenceTermHit, ev[0].Type)
	assert.Equal(t, "rumor", ev[0].Value)

	c.Title = "gpu launch"
	ev = Evaluate(c, goal(model.PrioritySoft)).Evidence(c)
	require.Len(t, ev, 1)
	assert.Equal(t, "GPU", ev[0].Value)

	for _, e := range ev {
		assert.Contains(t, model.CandidateFields, e.Ref.Field)
	}
}
