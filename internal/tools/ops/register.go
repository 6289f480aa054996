// Package ops exposes the control plane's read-side surface over MCP:
// snapshots, context planning, lane stats, heartbeat status, and the
// one mutating tool, workspace_init. Everything else is read-only and
// never touches canonical files.
package ops

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/agentcompany/agentcompany/internal/contextplan"
	"github.com/agentcompany/agentcompany/internal/lane"
	"github.com/agentcompany/agentcompany/internal/snapshot"
	"github.com/agentcompany/agentcompany/internal/store"
)

// Deps are the subsystems the tools delegate to. Snapshots and Store
// are required; Planner and Lanes may be nil, which unregisters the
// tools that need them.
type Deps struct {
	Store     *store.Store
	Snapshots *snapshot.Builder
	Planner   *contextplan.Planner
	Lanes     *lane.Scheduler
	Logger    *log.Logger
}

// Register registers the ops tools with the mcp-go server.
func Register(s *server.MCPServer, deps Deps) {
	registerWorkspaceInit(s, deps)

	registerRunSnapshot(s, deps)
	registerReviewInbox(s, deps)
	registerColleagues(s, deps)

	if deps.Planner != nil {
		registerPlanContext(s, deps)
	}
	if deps.Lanes != nil {
		registerLaneStats(s, deps)
	}
	registerHeartbeatStatus(s, deps)
}
