package infosentry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the infoSentry API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": msg},
		"meta":  map[string]any{"request_id": "req-1"},
	})
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL + "/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestSubmitCandidate(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /agent/candidates": func(w http.ResponseWriter, r *http.Request) {
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var body Candidate
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.GoalID != "g1" || body.MatchScore != 0.9 {
				t.Errorf("unexpected body %+v", body)
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": SubmitResponse{Accepted: true, GoalID: body.GoalID, ItemID: body.ItemID},
			})
		},
	})

	resp, err := newTestClient(t, srv.URL).SubmitCandidate(context.Background(),
		Candidate{GoalID: "g1", ItemID: "i1", MatchScore: 0.9})
	if err != nil {
		t.Fatalf("SubmitCandidate: %v", err)
	}
	if !resp.Accepted || resp.ItemID != "i1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestSubmitCandidateBackpressure(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /agent/candidates": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "worker queue is full")
		},
	})

	_, err := newTestClient(t, srv.URL).SubmitCandidate(context.Background(), Candidate{GoalID: "g1", ItemID: "i1"})
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v", apiErr.RetryAfter)
	}
	if apiErr.Code != "UNAVAILABLE" {
		t.Errorf("Code = %q", apiErr.Code)
	}
}

func TestGetRun(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /agent/runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("id") != runID.String() {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": RunDetail{
				Run:       Run{ID: runID, Status: "SUCCESS", FinalActions: []Action{{Type: "EMIT_DECISION", Decision: TierBatch}}},
				ToolCalls: []ToolCall{{Seq: 1, ToolName: "get_goal_context", Input: json.RawMessage(`{}`)}},
			}})
		},
	})
	c := newTestClient(t, srv.URL)

	detail, err := c.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if detail.Run.ID != runID || detail.Run.FinalActions[0].Decision != TierBatch {
		t.Errorf("unexpected run %+v", detail.Run)
	}
	if len(detail.ToolCalls) != 1 {
		t.Errorf("tool calls = %d", len(detail.ToolCalls))
	}

	_, err = c.GetRun(context.Background(), uuid.New())
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReplayRun(t *testing.T) {
	runID := uuid.New()
	var gotPolicy string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /agent/runs/{id}/replay": func(w http.ResponseWriter, r *http.Request) {
			gotPolicy = r.URL.Query().Get("policy")
			if gotPolicy == "latest" {
				writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid policy source")
				return
			}
			one := 1
			writeJSON(w, http.StatusOK, map[string]any{"data": ReplayResult{
				RunID:        runID,
				PolicySource: PolicyCurrent,
				Diff:         []DiffEntry{{Type: "count_mismatch", OriginalCount: &one, ReplayedCount: &one}},
			}})
		},
	})
	c := newTestClient(t, srv.URL)

	res, err := c.ReplayRun(context.Background(), runID, PolicyCurrent)
	if err != nil {
		t.Fatalf("ReplayRun: %v", err)
	}
	if gotPolicy != PolicyCurrent {
		t.Errorf("policy query = %q", gotPolicy)
	}
	if res.Matches() {
		t.Error("expected a diff")
	}

	if _, err := c.ReplayRun(context.Background(), runID, ""); err != nil {
		t.Fatalf("ReplayRun default: %v", err)
	}
	if gotPolicy != "" {
		t.Errorf("default replay sent policy %q", gotPolicy)
	}

	if _, err := c.ReplayRun(context.Background(), runID, "latest"); !IsInvalidInput(err) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestBudgetToggle(t *testing.T) {
	disabled := false
	budget := func(w http.ResponseWriter) {
		b := Budget{Checks: []BudgetCheck{
			{Class: CallEnrichment, Allowed: true},
			{Class: CallJudgment, Allowed: !disabled},
		}}
		b.State.Judgment.Disabled = disabled
		writeJSON(w, http.StatusOK, map[string]any{"data": b})
	}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /agent/budget": func(w http.ResponseWriter, _ *http.Request) { budget(w) },
		"POST /agent/budget/{class}/disable": func(w http.ResponseWriter, r *http.Request) {
			if body, _ := io.ReadAll(r.Body); len(body) != 0 {
				t.Errorf("unexpected body %q", body)
			}
			disabled = true
			budget(w)
		},
		"POST /agent/budget/{class}/enable": func(w http.ResponseWriter, _ *http.Request) {
			disabled = false
			budget(w)
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	b, err := c.DisableBudget(ctx, CallJudgment)
	if err != nil {
		t.Fatalf("DisableBudget: %v", err)
	}
	if b.Allowed(CallJudgment) || !b.State.Judgment.Disabled {
		t.Errorf("judgment still allowed: %+v", b)
	}

	b, err = c.EnableBudget(ctx, CallJudgment)
	if err != nil {
		t.Fatalf("EnableBudget: %v", err)
	}
	if !b.Allowed(CallJudgment) {
		t.Error("judgment not re-enabled")
	}

	b, err = c.GetBudget(ctx)
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	if !b.Allowed(CallEnrichment) || b.Allowed("gpu") {
		t.Errorf("unexpected checks %+v", b.Checks)
	}
}

func TestHealth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": Health{Status: "degraded", QueueDepth: 7}})
		},
	})
	h, err := newTestClient(t, srv.URL).Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "degraded" || h.QueueDepth != 7 {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestNonEnvelopeError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	})
	_, err := newTestClient(t, srv.URL).Health(context.Background())
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != "Bad Gateway" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}
