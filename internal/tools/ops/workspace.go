package ops

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentcompany/agentcompany/internal/workspace"
)

// registerWorkspaceInit registers the workspace_init tool, the only
// mutating tool in this package. It writes bootstrap paths and nothing
// else.
func registerWorkspaceInit(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("workspace_init",
			mcp.WithDescription("Initialize a workspace directory skeleton (company/, org/, work/, inbox/, .local/). Idempotent: an existing workspace is left untouched."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Workspace directory to initialize")),
			mcp.WithString("company_name", mcp.Description("Company name for company.yaml (defaults to the directory name)")),
			mcp.WithString("ceo_agent_id", mcp.Description("Agent id recorded as CEO")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			path, err := requiredString(args, "path")
			if err != nil {
				return nil, err
			}
			name, _ := args["company_name"].(string)
			ceo, _ := args["ceo_agent_id"].(string)

			res, err := workspace.Init(ctx, deps.Store, deps.Logger, workspace.InitInput{
				Path:        path,
				CompanyName: name,
				CEOAgentID:  ceo,
			})
			if err != nil {
				return nil, err
			}
			deps.Logger.Printf("ops: workspace_init %s (already=%v)", res.Path, res.AlreadyInitialized)
			return jsonResult(res)
		},
	)
}
