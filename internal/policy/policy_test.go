package policy

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/store"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func TestEnforceRuleTable(t *testing.T) {
	e := NewEngine()

	worker := domain.Actor{ID: "agent_w", Role: domain.RoleWorker, TeamID: "team_a"}
	managerA := domain.Actor{ID: "agent_m", Role: domain.RoleManager, TeamID: "team_a"}
	managerB := domain.Actor{ID: "agent_n", Role: domain.RoleManager, TeamID: "team_b"}
	ceo := domain.Actor{ID: "agent_c", Role: domain.RoleCEO}

	tests := []struct {
		name    string
		actor   domain.Actor
		action  Action
		res     Resource
		allowed bool
		ruleID  string
	}{
		{"restricted readable by producer", worker, ActionRead,
			Resource{Sensitivity: "restricted", ProducerID: "agent_w", ProducerTeamID: "team_a"},
			true, "compose.sensitivity.restricted"},
		{"restricted readable by team manager", managerA, ActionRead,
			Resource{Sensitivity: "restricted", ProducerID: "agent_w", ProducerTeamID: "team_a"},
			true, "compose.sensitivity.restricted"},
		{"restricted denied to other-team manager", managerB, ActionRead,
			Resource{Sensitivity: "restricted", ProducerID: "agent_w", ProducerTeamID: "team_a"},
			false, "compose.sensitivity.restricted"},
		{"restricted readable by ceo", ceo, ActionRead,
			Resource{Sensitivity: "restricted", ProducerID: "agent_w", ProducerTeamID: "team_a"},
			true, "compose.sensitivity.restricted"},
		{"private_agent denied to non-producer", managerA, ActionRead,
			Resource{Visibility: domain.VisibilityPrivateAgent, ProducerID: "agent_w"},
			false, "read.visibility.private_agent"},
		{"team visible to same team", worker, ActionRead,
			Resource{Visibility: domain.VisibilityTeam, ProducerID: "agent_x", ProducerTeamID: "team_a"},
			true, "read.visibility.team"},
		{"team denied across teams", managerB, ActionRead,
			Resource{Visibility: domain.VisibilityTeam, ProducerID: "agent_x", ProducerTeamID: "team_a"},
			false, "read.visibility.team"},
		{"managers denied to worker", worker, ActionRead,
			Resource{Visibility: domain.VisibilityManagers, ProducerID: "agent_x"},
			false, "read.visibility.managers"},
		{"org visible to everyone", worker, ActionRead,
			Resource{Visibility: domain.VisibilityOrg, ProducerID: "agent_x"},
			true, "read.visibility.org"},
		{"cross-team launch denied", managerB, ActionLaunch,
			Resource{WorkerTeamID: "team_a", TargetTeamID: "team_b"},
			false, "launch.team.cross_team_worker"},
		{"same-team launch allowed by default", managerA, ActionLaunch,
			Resource{WorkerTeamID: "team_a", TargetTeamID: "team_a"},
			true, "default.allow"},
		{"memory delta approval needs manager", worker, ActionApprove,
			Resource{ArtifactType: domain.ArtifactMemoryDelta},
			false, "approve.memory_delta"},
		{"memory delta approval by manager", managerA, ActionApprove,
			Resource{ArtifactType: domain.ArtifactMemoryDelta},
			true, "approve.memory_delta"},
		{"heartbeat proposal approval needs manager", worker, ActionApprove,
			Resource{ArtifactType: domain.ArtifactHeartbeatProposal},
			false, "approve.heartbeat_action"},
		{"unmatched action defaults to allow", worker, ActionCompose,
			Resource{Visibility: domain.VisibilityOrg},
			true, "default.allow"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Enforce(tc.actor, tc.action, tc.res)
			if d.Allowed != tc.allowed {
				t.Fatalf("allowed=%v, want %v (%s: %s)", d.Allowed, tc.allowed, d.RuleID, d.Reason)
			}
			if d.RuleID != tc.ruleID {
				t.Fatalf("rule_id=%q, want %q", d.RuleID, tc.ruleID)
			}
		})
	}
}

func TestEnforceErrCode(t *testing.T) {
	e := NewEngine()
	err := e.EnforceErr(
		domain.Actor{ID: "agent_n", Role: domain.RoleManager, TeamID: "team_b"},
		ActionLaunch,
		Resource{WorkerTeamID: "team_a", TargetTeamID: "team_b"},
	)
	if err == nil {
		t.Fatal("expected denial")
	}
	if domain.ErrorCode(err) != domain.CodePolicyDenied {
		t.Fatalf("expected policy_denied, got %v", err)
	}
}

func makeProject(t *testing.T, budget *domain.Budget) (string, string) {
	t.Helper()
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "company"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(domain.CompanyYAMLPath(ws), []byte("id: co_test\nname: Test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	projectID := "proj_a"
	if err := os.MkdirAll(domain.ProjectDir(ws, projectID), 0o755); err != nil {
		t.Fatal(err)
	}
	s := store.New(testLogger())
	proj := domain.Project{ID: projectID, Name: "A", Budget: budget}
	if err := s.WriteYAML(context.Background(), domain.ProjectYAMLPath(ws, projectID), &proj, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	return ws, projectID
}

func fabricateRun(t *testing.T, ws, projectID, runID string, costUSD float64, tokens int64) {
	t.Helper()
	s := store.New(testLogger())
	run := domain.Run{
		ID: runID, ProjectID: projectID, Status: domain.RunEnded,
		Usage: &domain.Usage{Source: "provider_reported", Confidence: "high", Tokens: tokens, CostUSD: costUSD},
	}
	if err := s.WriteYAML(context.Background(), domain.RunYAMLPath(ws, projectID, runID), &run, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
}

func gateWithLog(t *testing.T) (*BudgetGate, *eventlog.Log) {
	t.Helper()
	logger := testLogger()
	st := store.New(logger)
	el := eventlog.New(st, eventlog.NewBus(), logger)
	return NewBudgetGate(st, el, logger), el
}

func TestBudgetPreflightHardBlock(t *testing.T) {
	ws, projectID := makeProject(t, &domain.Budget{HardCostUSD: 0.01})
	fabricateRun(t, ws, projectID, "run_prior", 0.05, 1000)

	g, _ := gateWithLog(t)
	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")
	out, err := g.Preflight(context.Background(), BudgetInput{
		Workspace: ws, ProjectID: projectID, RunID: "run_new",
		SessionRef: "local_run_new", Actor: "agent_m", EventsPath: eventsPath,
	})
	if err == nil {
		t.Fatal("expected preflight block")
	}
	if domain.ErrorCode(err) != domain.CodeBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %v", err)
	}
	if !out.Exceeded() || out.Scope != "project" || out.Metric != "cost_usd" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	envs, _, err := eventlog.ReadAll(eventsPath)
	if err != nil {
		t.Fatal(err)
	}
	var sawDecision, sawExceeded bool
	for _, env := range envs {
		switch env.Type {
		case domain.EventBudgetDecision:
			sawDecision = true
			if env.Payload["phase"] != "preflight" {
				t.Fatalf("decision phase %v", env.Payload["phase"])
			}
		case domain.EventBudgetExceeded:
			sawExceeded = true
			if env.Payload["scope"] != "project" {
				t.Fatalf("exceeded scope %v", env.Payload["scope"])
			}
		}
	}
	if !sawDecision || !sawExceeded {
		t.Fatalf("missing budget events: decision=%v exceeded=%v", sawDecision, sawExceeded)
	}
}

func TestBudgetSoftAlert(t *testing.T) {
	ws, projectID := makeProject(t, &domain.Budget{SoftCostUSD: 0.04, HardCostUSD: 1})
	fabricateRun(t, ws, projectID, "run_prior", 0.05, 100)

	g, _ := gateWithLog(t)
	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")
	out, err := g.Preflight(context.Background(), BudgetInput{
		Workspace: ws, ProjectID: projectID, RunID: "run_new", EventsPath: eventsPath,
	})
	if err != nil {
		t.Fatalf("soft alert must not block: %v", err)
	}
	if out.Result != "alert" {
		t.Fatalf("expected alert, got %+v", out)
	}
	envs, _, _ := eventlog.ReadAll(eventsPath)
	var sawAlert bool
	for _, env := range envs {
		if env.Type == domain.EventBudgetAlert {
			sawAlert = true
		}
		if env.Type == domain.EventBudgetExceeded {
			t.Fatal("exceeded must not fire below hard ceiling")
		}
	}
	if !sawAlert {
		t.Fatal("missing budget.alert")
	}
}

func TestBudgetSoftEqualsHardExceeds(t *testing.T) {
	ws, projectID := makeProject(t, &domain.Budget{SoftCostUSD: 0.05, HardCostUSD: 0.05})
	fabricateRun(t, ws, projectID, "run_prior", 0.05, 100)

	g, _ := gateWithLog(t)
	_, err := g.Preflight(context.Background(), BudgetInput{
		Workspace: ws, ProjectID: projectID, RunID: "run_new",
		EventsPath: filepath.Join(t.TempDir(), "events.jsonl"),
	})
	if domain.ErrorCode(err) != domain.CodeBudgetExceeded {
		t.Fatalf("soft==hard should exceed, got %v", err)
	}
}

func TestBudgetTokenCeiling(t *testing.T) {
	ws, projectID := makeProject(t, &domain.Budget{HardTokenLimit: 500})
	fabricateRun(t, ws, projectID, "run_prior", 0, 600)

	g, _ := gateWithLog(t)
	out, err := g.Preflight(context.Background(), BudgetInput{
		Workspace: ws, ProjectID: projectID, RunID: "run_new",
		EventsPath: filepath.Join(t.TempDir(), "events.jsonl"),
	})
	if domain.ErrorCode(err) != domain.CodeBudgetExceeded {
		t.Fatalf("expected token ceiling block, got %v", err)
	}
	if out.Metric != "tokens" {
		t.Fatalf("unexpected metric %q", out.Metric)
	}
}

func TestBudgetNoBudgetIsOK(t *testing.T) {
	ws, projectID := makeProject(t, nil)
	g, _ := gateWithLog(t)
	out, err := g.Preflight(context.Background(), BudgetInput{
		Workspace: ws, ProjectID: projectID, RunID: "run_new",
	})
	if err != nil || out.Result != "ok" {
		t.Fatalf("expected ok without budget, got %+v %v", out, err)
	}
}

func TestBudgetTaskScopeWins(t *testing.T) {
	ws, projectID := makeProject(t, &domain.Budget{HardCostUSD: 100})
	fabricateRun(t, ws, projectID, "run_prior", 0.05, 100)

	g, _ := gateWithLog(t)
	out, err := g.Preflight(context.Background(), BudgetInput{
		Workspace: ws, ProjectID: projectID, RunID: "run_new",
		TaskBudget: &domain.Budget{HardCostUSD: 0.01},
		EventsPath: filepath.Join(t.TempDir(), "events.jsonl"),
	})
	if domain.ErrorCode(err) != domain.CodeBudgetExceeded {
		t.Fatalf("task budget should win, got %v", err)
	}
	if out.Scope != "task" {
		t.Fatalf("scope %q, want task", out.Scope)
	}
}

func TestPricing(t *testing.T) {
	p := DefaultPricing()

	cost, ok := p.CostUSD("claude", TokenCounts{Input: 1000, Output: 1000})
	if !ok {
		t.Fatal("claude should be priced")
	}
	if cost != 0.003+0.015 {
		t.Fatalf("unexpected cost %f", cost)
	}
	if _, ok := p.CostUSD("unknown", TokenCounts{Input: 1000}); ok {
		t.Fatal("unknown provider should not be priced")
	}

	u := p.UsageFromChars("codex", 8000, 4000)
	if u.Source != "estimated_chars" || u.Confidence != "low" {
		t.Fatalf("unexpected estimate %+v", u)
	}
	if u.Tokens != 8000/4+4000/4 {
		t.Fatalf("chars/4 estimate wrong: %d", u.Tokens)
	}

	r := p.UsageFromProvider("gemini", TokenCounts{Input: 100, Output: 50})
	if r.Source != "provider_reported" || r.Confidence != "high" || r.Tokens != 150 {
		t.Fatalf("unexpected usage %+v", r)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadConfig(ws)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultVisibility != domain.VisibilityOrg {
		t.Fatalf("default visibility %q", cfg.DefaultVisibility)
	}
	if len(cfg.Pricing) == 0 {
		t.Fatal("default pricing missing")
	}

	if err := os.MkdirAll(filepath.Join(ws, "company"), 0o755); err != nil {
		t.Fatal(err)
	}
	body := "default_visibility: team\npricing:\n  codex:\n    input: 0.002\n"
	if err := os.WriteFile(domain.PolicyYAMLPath(ws), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(ws)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultVisibility != domain.VisibilityTeam {
		t.Fatalf("visibility not loaded: %q", cfg.DefaultVisibility)
	}
	if cfg.Pricing["codex"].Input != 0.002 {
		t.Fatalf("pricing not loaded: %+v", cfg.Pricing["codex"])
	}
}
