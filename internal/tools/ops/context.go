package ops

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentcompany/agentcompany/internal/contextplan"
	"github.com/agentcompany/agentcompany/internal/domain"
)

// registerPlanContext registers the plan_context tool. The plan is
// computed and returned without being persisted; persisting into a
// context pack happens only on the launch path.
func registerPlanContext(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("plan_context",
			mcp.WithDescription("Build a context plan for a prospective job: layered refs, retrieval trace, and filter counters. Read-only, deterministic."),
			mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace directory")),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project the job targets")),
			mcp.WithString("worker_agent_id", mcp.Description("Worker the plan is for")),
			mcp.WithString("manager_actor_id", mcp.Description("Requesting manager actor id")),
			mcp.WithString("manager_role", mcp.Description("Requesting manager role"), mcp.Enum("manager", "director", "ceo", "human")),
			mcp.WithString("manager_team_id", mcp.Description("Requesting manager team")),
			mcp.WithString("goal", mcp.Description("Job goal")),
			mcp.WithArray("context_refs", mcp.Description("Caller-seeded workspace-relative paths")),
			mcp.WithNumber("max_refs", mcp.Description("Ref budget (default 8)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			ws, err := requiredString(args, "workspace")
			if err != nil {
				return nil, err
			}
			projectID, err := requiredString(args, "project_id")
			if err != nil {
				return nil, err
			}
			in := contextplan.Input{
				Workspace:     ws,
				ProjectID:     projectID,
				WorkerAgentID: stringArg(args, "worker_agent_id"),
				ManagerTeamID: stringArg(args, "manager_team_id"),
				Goal:          stringArg(args, "goal"),
				ContextRefs:   stringSlice(args, "context_refs"),
				JobKind:       domain.JobExecution,
			}
			in.ManagerActorID = stringArg(args, "manager_actor_id")
			if role := stringArg(args, "manager_role"); role != "" {
				in.ManagerRole = domain.AgentRole(role)
			}
			if n, ok := args["max_refs"].(float64); ok && int(n) > 0 {
				in.MaxRefs = int(n)
			}
			plan, err := deps.Planner.PlanForJob(ctx, in)
			if err != nil {
				return nil, err
			}
			return jsonResult(plan)
		},
	)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
