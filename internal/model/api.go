package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeConflict      = "CONFLICT"
)

// SubmitCandidateResponse is the response for POST /agent/candidates.
type SubmitCandidateResponse struct {
	Accepted bool   `json:"accepted"`
	GoalID   string `json:"goal_id"`
	ItemID   string `json:"item_id"`
}

// BudgetResponse is the response for the budget endpoints.
type BudgetResponse struct {
	State  BudgetState   `json:"state"`
	Checks []BudgetCheck `json:"checks"`
	Limits BudgetLimits  `json:"limits"`
}

// RunListResponse is the response for GET /agent/runs. Runs omit their
// snapshots; fetch a run by id for the full record.
type RunListResponse struct {
	Runs       []Run  `json:"runs"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// FlagsResponse is the response for the runtime flag endpoints. Overridden
// lists the flags set at runtime rather than by configuration.
type FlagsResponse struct {
	JudgmentEnabled bool     `json:"judgment_enabled"`
	DeliveryEnabled bool     `json:"delivery_enabled"`
	Overridden      []string `json:"overridden"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Postgres        string `json:"postgres"`
	CoalesceEntries int    `json:"coalesce_entries"`
	QueueDepth      int    `json:"queue_depth"`
	Uptime          int64  `json:"uptime_seconds"`
}
