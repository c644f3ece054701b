package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dida1024/infoSentry/internal/config"
	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/orchestrator"
	"github.com/dida1024/infoSentry/internal/replay"
	"github.com/dida1024/infoSentry/internal/storage"
)

// RunStore reads runs and reports database health.
type RunStore interface {
	GetRunDetail(ctx context.Context, id uuid.UUID) (model.RunDetail, error)
	ListRuns(ctx context.Context, f model.RunFilter) (model.RunPage, error)
	Ping(ctx context.Context) error
}

// Submitter queues candidates for MatchComputed runs.
type Submitter interface {
	Submit(c model.Candidate) error
	Len() int
	Cap() int
}

// Replayer replays finished runs.
type Replayer interface {
	Replay(ctx context.Context, runID uuid.UUID, policySource string) (model.ReplayResult, error)
}

// BudgetAdmin reads and overrides today's budget.
type BudgetAdmin interface {
	Report(ctx context.Context) (model.BudgetResponse, error)
	Disable(ctx context.Context, c model.CallClass) error
	Enable(ctx context.Context, c model.CallClass) error
}

// FlagAdmin overrides policy switches at runtime.
type FlagAdmin interface {
	Current() model.Policy
	Override(f config.Flag, on bool)
	ClearOverride(f config.Flag)
	Overridden() []string
}

// OpenEntries reports the number of open coalescing entries.
type OpenEntries interface {
	Len() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runs                RunStore
	pool                Submitter
	replayer            Replayer
	budget              BudgetAdmin
	flags               FlagAdmin
	window              OpenEntries
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Flags, Window, OpenAPISpec.
type HandlersDeps struct {
	Runs                RunStore
	Pool                Submitter
	Replayer            Replayer
	Budget              BudgetAdmin
	Flags               FlagAdmin
	Window              OpenEntries
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		runs:                d.Runs,
		pool:                d.Pool,
		replayer:            d.Replayer,
		budget:              d.Budget,
		flags:               d.Flags,
		window:              d.Window,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleSubmitCandidate handles POST /agent/candidates. The run happens
// asynchronously on the worker pool; the response only confirms the
// candidate was queued.
func (h *Handlers) HandleSubmitCandidate(w http.ResponseWriter, r *http.Request) {
	var ev model.CandidateEvent
	if err := decodeJSON(w, r, &ev, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	c, err := ev.Candidate()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.pool.Submit(c); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "run queue is full")
		case errors.Is(err, orchestrator.ErrPoolClosed):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "shutting down")
		default:
			h.writeInternalError(w, r, "failed to queue candidate", err)
		}
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.SubmitCandidateResponse{
		Accepted: true,
		GoalID:   c.GoalID,
		ItemID:   c.ItemID,
	})
}

// HandleGetRun handles GET /agent/runs/{run_id}: the run with its tool calls
// and ledger entries.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	detail, err := h.runs.GetRunDetail(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

const maxRunPageSize = 200

// HandleListRuns handles GET /agent/runs. Optional query parameters:
// goal_id, status, limit (1-200, default 50) and cursor, the next_cursor of
// the previous page.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.RunFilter{GoalID: q.Get("goal_id"), Limit: 50}
	if v := q.Get("status"); v != "" {
		status, err := model.ParseRunStatus(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunPageSize {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 200")
			return
		}
		f.Limit = n
	}
	if v := q.Get("cursor"); v != "" {
		c, err := model.ParseRunCursor(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.After = &c
	}

	page, err := h.runs.ListRuns(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	resp := model.RunListResponse{Runs: page.Runs}
	if resp.Runs == nil {
		resp.Runs = []model.Run{}
	}
	if page.Next != nil {
		resp.NextCursor = page.Next.String()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleReplayRun handles GET /agent/runs/{run_id}/replay. The optional
// policy query parameter selects "snapshot" (default) or "current".
func (h *Handlers) HandleReplayRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.replayer.Replay(r.Context(), runID, r.URL.Query().Get("policy"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, replay.ErrInvalidPolicySource):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "policy must be snapshot or current")
		case errors.Is(err, replay.ErrRunInProgress), errors.Is(err, replay.ErrNoSnapshot):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.writeInternalError(w, r, "failed to replay run", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleGetBudget handles GET /agent/budget.
func (h *Handlers) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	h.writeBudget(w, r)
}

// HandleDisableBudget handles POST /agent/budget/{class}/disable.
func (h *Handlers) HandleDisableBudget(w http.ResponseWriter, r *http.Request) {
	h.setBudgetClass(w, r, h.budget.Disable)
}

// HandleEnableBudget handles POST /agent/budget/{class}/enable.
func (h *Handlers) HandleEnableBudget(w http.ResponseWriter, r *http.Request) {
	h.setBudgetClass(w, r, h.budget.Enable)
}

func (h *Handlers) setBudgetClass(w http.ResponseWriter, r *http.Request, set func(context.Context, model.CallClass) error) {
	class, err := model.ParseCallClass(r.PathValue("class"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := set(r.Context(), class); err != nil {
		h.writeInternalError(w, r, "failed to update budget", err)
		return
	}
	h.writeBudget(w, r)
}

func (h *Handlers) writeBudget(w http.ResponseWriter, r *http.Request) {
	resp, err := h.budget.Report(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to read budget", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetFlags handles GET /agent/flags.
func (h *Handlers) HandleGetFlags(w http.ResponseWriter, r *http.Request) {
	h.writeFlags(w, r)
}

// HandleEnableFlag handles POST /agent/flags/{flag}/enable.
func (h *Handlers) HandleEnableFlag(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, func(f config.Flag) { h.flags.Override(f, true) })
}

// HandleDisableFlag handles POST /agent/flags/{flag}/disable.
func (h *Handlers) HandleDisableFlag(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, func(f config.Flag) { h.flags.Override(f, false) })
}

// HandleClearFlag handles DELETE /agent/flags/{flag}: the flag follows the
// configured policy again.
func (h *Handlers) HandleClearFlag(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.flags.ClearOverride)
}

func (h *Handlers) setFlag(w http.ResponseWriter, r *http.Request, set func(config.Flag)) {
	f, err := config.ParseFlag(r.PathValue("flag"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	set(f)
	p := h.flags.Current()
	h.logger.Info("policy flag changed", "flag", f, "judgment_enabled", p.JudgmentEnabled,
		"delivery_enabled", p.DeliveryEnabled, "request_id", RequestIDFromContext(r))
	h.writeFlags(w, r)
}

func (h *Handlers) writeFlags(w http.ResponseWriter, r *http.Request) {
	p := h.flags.Current()
	writeJSON(w, r, http.StatusOK, model.FlagsResponse{
		JudgmentEnabled: p.JudgmentEnabled,
		DeliveryEnabled: p.DeliveryEnabled,
		Overridden:      h.flags.Overridden(),
	})
}

// HandleHealth handles GET /health (no auth).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.runs.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Queue above 75% of capacity = degraded.
	depth := h.pool.Len()
	if depth > h.pool.Cap()*3/4 && status == "healthy" {
		status = "degraded"
	}

	resp := model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Postgres:   pgStatus,
		QueueDepth: depth,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	if h.window != nil {
		resp.CoalesceEntries = h.window.Len()
	}
	writeJSON(w, r, httpStatus, resp)
}

// writeInternalError logs err and writes a 500 without leaking its detail.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		return uuid.Nil, errors.New("run_id must be a UUID")
	}
	return id, nil
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
