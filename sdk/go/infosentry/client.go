package infosentry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the infoSentry server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the infoSentry push decision API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("infosentry: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// SubmitCandidate queues a computed match for a decision run. The run
// happens asynchronously; inspect its outcome with GetRun once known.
func (c *Client) SubmitCandidate(ctx context.Context, cand Candidate) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/agent/candidates", cand, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun returns a run with its tool calls and action ledger.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	var resp RunDetail
	if err := c.get(ctx, "/agent/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplayRun re-executes a run under policy (PolicySnapshot or PolicyCurrent;
// empty means snapshot) and returns the action diff.
func (c *Client) ReplayRun(ctx context.Context, runID uuid.UUID, policy string) (*ReplayResult, error) {
	path := "/agent/runs/" + runID.String() + "/replay"
	if policy != "" {
		path += "?" + url.Values{"policy": {policy}}.Encode()
	}
	var resp ReplayResult
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBudget returns today's budget usage, checks and limits.
func (c *Client) GetBudget(ctx context.Context) (*Budget, error) {
	var resp Budget
	if err := c.get(ctx, "/agent/budget", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DisableBudget turns class off for the rest of the day.
func (c *Client) DisableBudget(ctx context.Context, class CallClass) (*Budget, error) {
	var resp Budget
	if err := c.post(ctx, "/agent/budget/"+url.PathEscape(string(class))+"/disable", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnableBudget turns class back on for the rest of the day.
func (c *Client) EnableBudget(ctx context.Context, class CallClass) (*Budget, error) {
	var resp Budget
	if err := c.post(ctx, "/agent/budget/"+url.PathEscape(string(class))+"/enable", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the server's health report. An unhealthy server answers
// 503 and Health returns an *Error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var rdr io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("infosentry: marshal request body: %w", err)
		}
		rdr = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("infosentry: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("infosentry: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("infosentry: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("infosentry: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseErrorResponse(resp.StatusCode, bodyBytes)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("infosentry: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("infosentry: response has no data")
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
