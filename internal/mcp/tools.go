package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/replay"
	"github.com/dida1024/infoSentry/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("get_run",
			mcplib.WithDescription(`Fetch one agent run with its tool calls and action ledger.

WHAT YOU GET BACK:
- run: trigger, status, input snapshot, output snapshot, final actions
- tool_calls: every external read or write the run made, in order
- ledger: the actions the run took (decisions emitted, deliveries enqueued)`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run UUID"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("list_runs",
			mcplib.WithDescription(`List agent runs, newest first, without their snapshots.

Filter by goal and status. Pass next_cursor from a previous result as
cursor to fetch the following page.

WHAT YOU GET BACK: runs (id, trigger, goal, status, latency, error) and
next_cursor when more runs match.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("goal_id", mcplib.Description("Only runs for this goal")),
			mcplib.WithString("status",
				mcplib.Description("Only runs in this status"),
				mcplib.Enum(string(model.RunStatusRunning), string(model.RunStatusSuccess),
					string(model.RunStatusTimeout), string(model.RunStatusError), string(model.RunStatusFallback)),
			),
			mcplib.WithNumber("limit", mcplib.Description("Maximum runs to return (1-200, default 20)")),
			mcplib.WithString("cursor", mcplib.Description("next_cursor from the previous page")),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("replay_run",
			mcplib.WithDescription(`Re-execute a finished run from its recorded inputs and tool calls.

Replay has no side effects: nothing is persisted and no reasoner is called.
With policy="current" the run is replayed under today's thresholds and
budget, which shows what a policy change would have done to this decision.

WHAT YOU GET BACK: original_actions, replayed_actions and a diff listing
count mismatches and per-index tier mismatches.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("policy",
				mcplib.Description("Policy to replay under"),
				mcplib.Enum(replay.PolicySnapshot, replay.PolicyCurrent),
				mcplib.DefaultString(replay.PolicySnapshot),
			),
		),
		s.handleReplayRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("check_budget",
			mcplib.WithDescription(`Show today's reasoner and enrichment budget.

WHAT YOU GET BACK: per-class call, token and cost counters, whether each
class may make another call (and why not), and the limits in force.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleCheckBudget,
	)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, errRes := parseRunID(request)
	if errRes != nil {
		return errRes, nil
	}
	detail, err := s.runs.GetRunDetail(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run %s not found", runID)), nil
		}
		s.logger.Error("mcp: get run failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	f := model.RunFilter{GoalID: request.GetString("goal_id", ""), Limit: request.GetInt("limit", 20)}
	if f.Limit < 1 || f.Limit > 200 {
		return errorResult("limit must be between 1 and 200"), nil
	}
	if v := request.GetString("status", ""); v != "" {
		status, err := model.ParseRunStatus(v)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		f.Status = status
	}
	if v := request.GetString("cursor", ""); v != "" {
		c, err := model.ParseRunCursor(v)
		if err != nil {
			return errorResult("cursor is invalid; pass next_cursor from a previous list_runs result"), nil
		}
		f.After = &c
	}

	page, err := s.runs.ListRuns(ctx, f)
	if err != nil {
		s.logger.Error("mcp: list runs failed", "error", err)
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	resp := model.RunListResponse{Runs: page.Runs}
	if resp.Runs == nil {
		resp.Runs = []model.Run{}
	}
	if page.Next != nil {
		resp.NextCursor = page.Next.String()
	}
	return jsonResult(resp)
}

func (s *Server) handleReplayRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, errRes := parseRunID(request)
	if errRes != nil {
		return errRes, nil
	}
	res, err := s.replayer.Replay(ctx, runID, request.GetString("policy", replay.PolicySnapshot))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run %s not found", runID)), nil
		}
		return errorResult(fmt.Sprintf("replay failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) handleCheckBudget(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	report, err := s.budget.Report(ctx)
	if err != nil {
		s.logger.Error("mcp: budget report failed", "error", err)
		return errorResult(fmt.Sprintf("check budget failed: %v", err)), nil
	}
	return jsonResult(report)
}

func parseRunID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("run_id must be a UUID")
	}
	return id, nil
}
