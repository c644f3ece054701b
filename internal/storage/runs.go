package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dida1024/infoSentry/internal/model"
)

// CreateRun inserts a run in RUNNING state.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, trigger, goal_id, status, created_at)
		 VALUES ($1, $2, $3, 'RUNNING', $4)`,
		run.ID, string(run.Trigger), run.GoalID, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// RecordRunInput stores the run's input snapshot and its hash. It only
// applies while the run is RUNNING.
func (db *DB) RecordRunInput(ctx context.Context, id uuid.UUID, snapshot model.InputSnapshot, hash string) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("storage: encode input snapshot: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs SET input_snapshot = $1, input_hash = $2
		 WHERE id = $3 AND status = 'RUNNING'`,
		raw, hash, id,
	)
	if err != nil {
		return fmt.Errorf("storage: record run input: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunFinalized
	}
	return nil
}

// FinalizeRun moves a run to its terminal status with its outcome. The update
// is guarded on status = 'RUNNING', so concurrent finalizers produce exactly
// one winner; the others get ErrRunFinalized.
func (db *DB) FinalizeRun(ctx context.Context, id uuid.UUID, out model.RunOutcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("storage: finalize run: status %q is not terminal", out.Status)
	}
	if out.Actions == nil {
		out.Actions = []model.Action{}
	}
	actions, err := json.Marshal(out.Actions)
	if err != nil {
		return fmt.Errorf("storage: encode final actions: %w", err)
	}
	var output []byte
	if out.Output != nil {
		if output, err = json.Marshal(out.Output); err != nil {
			return fmt.Errorf("storage: encode output snapshot: %w", err)
		}
	}
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now().UTC()
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET status = $1, output_snapshot = $2, final_actions = $3, llm_used = $4,
		     model_name = $5, latency_ms = $6, error_message = $7, finished_at = $8
		 WHERE id = $9 AND status = 'RUNNING'`,
		string(out.Status), output, actions, out.LLMUsed,
		out.ModelName, out.LatencyMS, out.ErrorMessage, out.FinishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunFinalized
	}
	return nil
}

// GetRun retrieves a run by id.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var (
		run                 model.Run
		trigger, status     string
		inputRaw, outputRaw []byte
		actionsRaw          []byte
		inputHash           *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, trigger, goal_id, status, input_snapshot, input_hash, output_snapshot,
		        final_actions, llm_used, model_name, latency_ms, error_message, created_at, finished_at
		 FROM agent_runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &trigger, &run.GoalID, &status, &inputRaw, &inputHash, &outputRaw,
		&actionsRaw, &run.LLMUsed, &run.ModelName, &run.LatencyMS, &run.ErrorMessage,
		&run.CreatedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Trigger = model.Trigger(trigger)
	run.Status = model.RunStatus(status)
	if inputHash != nil {
		run.InputHash = *inputHash
	}
	if len(inputRaw) > 0 {
		run.InputSnapshot = &model.InputSnapshot{}
		if err := json.Unmarshal(inputRaw, run.InputSnapshot); err != nil {
			return model.Run{}, fmt.Errorf("storage: decode input snapshot: %w", err)
		}
	}
	if len(outputRaw) > 0 {
		run.OutputSnapshot = &model.OutputSnapshot{}
		if err := json.Unmarshal(outputRaw, run.OutputSnapshot); err != nil {
			return model.Run{}, fmt.Errorf("storage: decode output snapshot: %w", err)
		}
	}
	if err := json.Unmarshal(actionsRaw, &run.FinalActions); err != nil {
		return model.Run{}, fmt.Errorf("storage: decode final actions: %w", err)
	}
	return run, nil
}

// GetRunDetail returns a run with its tool calls and ledger entries in
// sequence order.
func (db *DB) GetRunDetail(ctx context.Context, id uuid.UUID) (model.RunDetail, error) {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	calls, err := db.ListToolCalls(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	ledger, err := db.ListLedgerEntries(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	return model.RunDetail{Run: run, ToolCalls: calls, Ledger: ledger}, nil
}

// ListRuns returns runs matching f, newest first, using keyset pagination on
// (created_at, id). Snapshots are not loaded.
func (db *DB) ListRuns(ctx context.Context, f model.RunFilter) (model.RunPage, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where, args := buildRunWhereClause(f)
	args = append(args, f.Limit+1)
	rows, err := db.pool.Query(ctx,
		`SELECT id, trigger, goal_id, status, llm_used, model_name, latency_ms, error_message, created_at, finished_at
		 FROM agent_runs`+where+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return model.RunPage{}, fmt.Errorf("storage: list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Run, error) {
		r := model.Run{FinalActions: []model.Action{}}
		var trigger, status string
		err := row.Scan(&r.ID, &trigger, &r.GoalID, &status, &r.LLMUsed, &r.ModelName,
			&r.LatencyMS, &r.ErrorMessage, &r.CreatedAt, &r.FinishedAt)
		r.Trigger = model.Trigger(trigger)
		r.Status = model.RunStatus(status)
		return r, err
	})
	if err != nil {
		return model.RunPage{}, fmt.Errorf("storage: scan runs: %w", err)
	}

	page := model.RunPage{Runs: runs}
	if len(runs) > f.Limit {
		page.Runs = runs[:f.Limit]
		next := model.CursorAfter(page.Runs[f.Limit-1])
		page.Next = &next
	}
	return page, nil
}

func buildRunWhereClause(f model.RunFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if f.GoalID != "" {
		args = append(args, f.GoalID)
		conditions = append(conditions, fmt.Sprintf("goal_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d::timestamptz, $%d::uuid)", len(args)-1, len(args)))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// AbandonStaleRuns finalizes runs left RUNNING since before cutoff as ERROR.
// A process that crashes mid-run leaves such rows behind; nothing else would
// ever finalize them.
func (db *DB) AbandonStaleRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET status = 'ERROR', error_message = 'run abandoned: process exited before finalization',
		     finished_at = now()
		 WHERE status = 'RUNNING' AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: abandon stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
