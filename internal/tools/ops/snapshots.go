package ops

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerRunSnapshot registers the run_snapshot tool.
func registerRunSnapshot(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("run_snapshot",
			mcp.WithDescription("Run table for a project (or the whole workspace): status, usage, event counts, live session state. Read-only."),
			mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace directory")),
			mcp.WithString("project_id", mcp.Description("Project to filter to; omit for all projects")),
			mcp.WithString("run_id", mcp.Description("Single run to fetch; overrides project_id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			ws, err := requiredString(args, "workspace")
			if err != nil {
				return nil, err
			}
			if runID, _ := args["run_id"].(string); runID != "" {
				view, ok, err := deps.Snapshots.Run(ws, runID)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("run %s not found", runID)
				}
				return jsonResult(view)
			}
			projectID, _ := args["project_id"].(string)
			views, err := deps.Snapshots.Runs(ws, projectID)
			if err != nil {
				return nil, err
			}
			return jsonResult(views)
		},
	)
}

// registerReviewInbox registers the review_inbox tool.
func registerReviewInbox(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("review_inbox",
			mcp.WithDescription("Review inbox: every artifact with its latest decision, pending count, and parse-error totals. Read-only."),
			mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace directory")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ws, err := requiredString(req.GetArguments(), "workspace")
			if err != nil {
				return nil, err
			}
			inbox, err := deps.Snapshots.ReviewInbox(ws)
			if err != nil {
				return nil, err
			}
			return jsonResult(inbox)
		},
	)
}

// registerColleagues registers the colleagues tool.
func registerColleagues(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("colleagues",
			mcp.WithDescription("Org roster with per-agent run/artifact counters and live session counts. Read-only."),
			mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace directory")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ws, err := requiredString(req.GetArguments(), "workspace")
			if err != nil {
				return nil, err
			}
			cols, err := deps.Snapshots.Colleagues(ws)
			if err != nil {
				return nil, err
			}
			return jsonResult(cols)
		},
	)
}
