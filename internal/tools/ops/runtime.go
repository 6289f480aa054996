package ops

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentcompany/agentcompany/internal/heartbeat"
)

// laneStatsView renders lane stats with cooldowns in milliseconds.
type laneStatsView struct {
	QueueDepths         map[string]int   `json:"queue_depths"`
	RunningTotal        int              `json:"running_total"`
	RunningByProvider   map[string]int   `json:"running_by_provider"`
	RunningByTeam       map[string]int   `json:"running_by_team"`
	CooldownRemainingMS map[string]int64 `json:"cooldown_remaining_ms"`
}

// registerLaneStats registers the launch_lane_stats tool.
func registerLaneStats(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("launch_lane_stats",
			mcp.WithDescription("Launch lane snapshot: queue depths by priority, running counts by provider and team, provider cooldowns. Read-only."),
			mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace directory")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ws, err := requiredString(req.GetArguments(), "workspace")
			if err != nil {
				return nil, err
			}
			st := deps.Lanes.ReadStats(ws)
			view := laneStatsView{
				QueueDepths:         st.QueueDepths,
				RunningTotal:        st.RunningTotal,
				RunningByProvider:   st.RunningByProvider,
				RunningByTeam:       st.RunningByTeam,
				CooldownRemainingMS: make(map[string]int64),
			}
			for p, d := range st.CooldownRemaining {
				view.CooldownRemainingMS[p] = d.Round(time.Millisecond).Milliseconds()
			}
			return jsonResult(view)
		},
	)
}

// heartbeatStatusView joins the heartbeat config and state singletons.
type heartbeatStatusView struct {
	Config heartbeat.Config `json:"config"`
	State  *heartbeat.State `json:"state"`
}

// registerHeartbeatStatus registers the heartbeat_status tool.
func registerHeartbeatStatus(s *server.MCPServer, deps Deps) {
	s.AddTool(
		mcp.NewTool("heartbeat_status",
			mcp.WithDescription("Heartbeat configuration plus durable state: last tick, per-worker suppression, counters. Read-only."),
			mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace directory")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ws, err := requiredString(req.GetArguments(), "workspace")
			if err != nil {
				return nil, err
			}
			cfg, err := heartbeat.LoadConfig(ws)
			if err != nil {
				return nil, err
			}
			state, err := heartbeat.LoadState(ws)
			if err != nil {
				return nil, err
			}
			return jsonResult(heartbeatStatusView{Config: cfg, State: state})
		},
	)
}
