// AgentCompany control-plane server.
// Stdio for a local driver, streamable HTTP for collaborators (UI,
// CLI, desktop shim). Both transports expose the same tool set.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentcompany/agentcompany/internal/contextplan"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/heartbeat"
	"github.com/agentcompany/agentcompany/internal/lane"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/session"
	"github.com/agentcompany/agentcompany/internal/snapshot"
	"github.com/agentcompany/agentcompany/internal/store"
	"github.com/agentcompany/agentcompany/internal/subscription"
	"github.com/agentcompany/agentcompany/internal/tools/ops"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// Version is set by -ldflags at build time.
var Version = "dev"

const instructions = `AgentCompany control plane. Tools are read-only
views over the workspace (run_snapshot, review_inbox, colleagues,
plan_context, launch_lane_stats, heartbeat_status) plus workspace_init
for bootstrapping a new workspace directory. Pass the workspace
directory path to every tool.`

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Println("agentcompany " + Version)
			return
		}
	}

	logger := log.New(os.Stderr, "[agentcompany] ", log.LstdFlags)
	logger.Println("Starting AgentCompany server...")

	st := store.New(logger)
	events := eventlog.New(st, eventlog.NewBus(), logger)
	engine := policy.NewEngine()
	budget := policy.NewBudgetGate(st, events, logger)
	guard := subscription.NewGuard(events, logger)
	sessions := session.New(st, events, engine, budget, guard, logger)
	workers := worker.New(st, events, sessions, logger)
	lanes := lane.NewScheduler(logger)
	snapshots := snapshot.New(sessions, logger, snapshot.WithMaxStaleness(2*time.Second))
	planner := contextplan.New(st, events, engine, logger)

	hb := heartbeat.New(st, events, engine, &heartbeat.PipelineRunner{
		Lanes:   lanes,
		Workers: workers,
		Logger:  logger,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep running when daemonized (nohup, launchd, etc.).
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Tool call: %s", message.Params.Name)
		}
	})

	mcpServer := server.NewMCPServer(
		"agentcompany",
		Version,
		server.WithInstructions(instructions),
		server.WithHooks(hooks),
	)
	ops.Register(mcpServer, ops.Deps{
		Store:     st,
		Snapshots: snapshots,
		Planner:   planner,
		Lanes:     lanes,
		Logger:    logger,
	})

	// Heartbeat observation is opt-in per workspace; the tick itself
	// no-ops until the workspace's config enables it.
	if ws := os.Getenv("AC_WORKSPACE"); ws != "" {
		hb.ObserveWorkspace(ws)
		logger.Printf("Heartbeat observing workspace: %s", ws)
	}

	httpShutdown := startHTTPServer(mcpServer, httpPort(logger), logger)

	logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	cancel()
	httpShutdown()
	hb.Close()
	if err := snapshots.Close(); err != nil {
		logger.Printf("Warning: close snapshots: %v", err)
	}
	logger.Println("Server stopped")
}

// httpPort reads AC_HTTP_PORT, defaulting to 8484. Port 0 asks the OS
// for a free port.
func httpPort(logger *log.Logger) int {
	v := os.Getenv("AC_HTTP_PORT")
	if v == "" {
		return 8484
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logger.Printf("Ignoring invalid AC_HTTP_PORT=%q", v)
		return 8484
	}
	return n
}

// startHTTPServer serves the streamable-HTTP transport and the health
// endpoint in the background, returning a shutdown function.
func startHTTPServer(mcpServer *server.MCPServer, port int, logger *log.Logger) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port

	streamSrv := server.NewStreamableHTTPServer(mcpServer)
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q,"port":%d}`, Version, actualPort)
	})

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  Collaborators connect at: http://localhost:%d/mcp", actualPort)

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()
	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}
