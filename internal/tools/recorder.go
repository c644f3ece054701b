package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/telemetry"
)

// sink persists audit records. Replay has none.
type sink interface {
	AppendToolCall(ctx context.Context, tc model.ToolCall) error
	AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error
}

// output is the stored shape of a ToolCall's output column.
type output struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// sensitiveKeys are masked in recorded tool inputs at any depth.
var sensitiveKeys = map[string]bool{
	"password": true,
	"token":    true,
	"api_key":  true,
	"secret":   true,
}

// recorder keeps the per-run ToolCall and action ledger sequence.
type recorder struct {
	runID   uuid.UUID
	sink    sink
	now     func() time.Time
	latency metric.Float64Histogram

	mu      sync.Mutex
	calls   int
	actions []model.Action
}

func newRecorder(runID uuid.UUID, s sink) *recorder {
	latency, _ := telemetry.Meter("infosentry/tools").Float64Histogram("infosentry.tool.latency",
		metric.WithDescription("Tool registry call latency"),
		metric.WithUnit("ms"))
	return &recorder{runID: runID, sink: s, now: time.Now, latency: latency}
}

// RunID returns the id of the run the calls are recorded against.
func (r *recorder) RunID() uuid.UUID { return r.runID }

// Actions returns a copy of the actions appended so far.
func (r *recorder) Actions() []model.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Action, len(r.actions))
	copy(out, r.actions)
	return out
}

// CallCount returns the number of recorded tool calls.
func (r *recorder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// invoke runs fn and records the call. A failed call is still recorded; a
// failure to record is returned in place of fn's result because a call
// without an audit record must not be reported as done.
func invoke[T any](ctx context.Context, r *recorder, name string, input any, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	out, callErr := fn(ctx)
	elapsed := time.Since(start)

	tc := model.ToolCall{
		ID:        uuid.New(),
		RunID:     r.runID,
		ToolName:  name,
		Input:     sanitizeInput(input),
		Status:    model.ToolCallSuccess,
		LatencyMS: elapsed.Milliseconds(),
		CreatedAt: r.now().UTC(),
	}
	if callErr != nil {
		tc.Status = model.ToolCallError
		tc.Output = mustJSON(output{Error: callErr.Error()})
	} else {
		tc.Output = mustJSON(output{Data: mustJSON(out)})
	}
	if r.latency != nil {
		r.latency.Record(ctx, float64(elapsed.Microseconds())/1000,
			metric.WithAttributes(attribute.String("tool", name), attribute.String("status", string(tc.Status))))
	}

	if err := r.record(ctx, tc); err != nil {
		var zero T
		return zero, err
	}
	return out, callErr
}

func (r *recorder) record(ctx context.Context, tc model.ToolCall) error {
	r.mu.Lock()
	r.calls++
	tc.Seq = r.calls
	r.mu.Unlock()

	if r.sink == nil {
		return nil
	}
	// The audit record must land even when the call failed on the run deadline.
	if err := r.sink.AppendToolCall(context.WithoutCancel(ctx), tc); err != nil {
		return fmt.Errorf("tools: record %s call: %w", tc.ToolName, err)
	}
	return nil
}

// appendAction adds a to the run's action ledger.
func (r *recorder) appendAction(ctx context.Context, a model.Action) error {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	seq := len(r.actions)
	r.mu.Unlock()

	if r.sink == nil {
		return nil
	}
	e := model.LedgerEntry{
		ID:         uuid.New(),
		RunID:      r.runID,
		Seq:        seq,
		ActionType: a.Type,
		Payload:    a,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.sink.AppendLedgerEntry(context.WithoutCancel(ctx), e); err != nil {
		return fmt.Errorf("tools: append %s ledger entry: %w", a.Type, err)
	}
	return nil
}

// sanitizeInput encodes input as JSON with sensitive keys masked.
func sanitizeInput(input any) json.RawMessage {
	raw := mustJSON(input)
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	return mustJSON(mask(generic))
}

func mask(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				t[k] = "***"
				continue
			}
			t[k] = mask(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = mask(child)
		}
		return t
	}
	return v
}

// canonicalKey identifies a call by tool name and canonical input, so a
// replayed call finds the original call made with the same arguments.
func canonicalKey(name string, input json.RawMessage) string {
	var generic any
	if err := json.Unmarshal(input, &generic); err != nil {
		return name + "|" + string(input)
	}
	return name + "|" + string(mustJSON(generic))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}
	return b
}
