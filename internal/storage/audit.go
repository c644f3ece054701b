package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dida1024/infoSentry/internal/model"
)

// AppendToolCall writes one tool call record. The (run_id, seq) pair is
// unique, so a record is never written twice.
func (db *DB) AppendToolCall(ctx context.Context, tc model.ToolCall) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_tool_calls (id, run_id, seq, tool_name, input, output, status, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tc.ID, tc.RunID, tc.Seq, tc.ToolName, []byte(tc.Input), []byte(tc.Output),
		string(tc.Status), tc.LatencyMS, tc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append tool call: %w", err)
	}
	return nil
}

// AppendLedgerEntry writes one action ledger entry.
func (db *DB) AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: encode ledger payload: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO agent_action_ledger (id, run_id, seq, action_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.RunID, e.Seq, string(e.ActionType), payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append ledger entry: %w", err)
	}
	return nil
}

// ListToolCalls returns a run's tool calls ordered by sequence number.
func (db *DB) ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, tool_name, input, output, status, latency_ms, created_at
		 FROM agent_tool_calls WHERE run_id = $1 ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer rows.Close()

	calls := []model.ToolCall{}
	for rows.Next() {
		var tc model.ToolCall
		var input, output []byte
		var status string
		if err := rows.Scan(&tc.ID, &tc.RunID, &tc.Seq, &tc.ToolName, &input, &output,
			&status, &tc.LatencyMS, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		tc.Input = input
		tc.Output = output
		tc.Status = model.ToolCallStatus(status)
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// ListLedgerEntries returns a run's action ledger ordered by sequence number.
func (db *DB) ListLedgerEntries(ctx context.Context, runID uuid.UUID) ([]model.LedgerEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, action_type, payload, created_at
		 FROM agent_action_ledger WHERE run_id = $1 ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		var actionType string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &actionType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ledger entry: %w", err)
		}
		e.ActionType = model.ActionType(actionType)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("storage: decode ledger payload: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
