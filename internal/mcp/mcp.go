// Package mcp implements the Model Context Protocol server for infoSentry.
//
// It exposes run inspection, replay and the budget through MCP tools, so
// MCP-compatible agents can audit push decisions without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dida1024/infoSentry/internal/model"
)

// RunStore reads runs with their audit rows.
type RunStore interface {
	GetRunDetail(ctx context.Context, id uuid.UUID) (model.RunDetail, error)
	ListRuns(ctx context.Context, f model.RunFilter) (model.RunPage, error)
}

// Replayer replays finished runs.
type Replayer interface {
	Replay(ctx context.Context, runID uuid.UUID, policySource string) (model.ReplayResult, error)
}

// BudgetReporter reports today's budget.
type BudgetReporter interface {
	Report(ctx context.Context) (model.BudgetResponse, error)
}

// Server wraps the MCP server with the runtime's read-side services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      RunStore
	replayer  Replayer
	budget    BudgetReporter
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(runs RunStore, replayer Replayer, budget BudgetReporter, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runs:     runs,
		replayer: replayer,
		budget:   budget,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"infosentry",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `infoSentry decides whether a matched news item is pushed to a user now
(IMMEDIATE), in the next batch window (BATCH), in the daily digest (DIGEST),
or not at all (IGNORE). Every decision is made inside a recorded run.

Use list_runs to find a goal's recent runs, optionally only failed ones
(status ERROR or TIMEOUT). Use get_run to see what a run loaded, which tools it called and which
actions it took. Use replay_run to re-execute a run from its recorded inputs
without side effects, optionally under the current policy. Use check_budget
before asking why boundary judgments fell back.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
