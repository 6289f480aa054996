package policy

import (
	"context"
	"log"
	"os"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/store"
)

// BudgetGate resolves the nearest enclosing budget and checks incurred
// cost and tokens against it, emitting budget events on every check.
type BudgetGate struct {
	store  *store.Store
	events *eventlog.Log
	logger *log.Logger
}

// NewBudgetGate returns a gate writing events through events.
func NewBudgetGate(st *store.Store, events *eventlog.Log, logger *log.Logger) *BudgetGate {
	return &BudgetGate{store: st, events: events, logger: logger}
}

// BudgetInput identifies the run being checked and where its events go.
type BudgetInput struct {
	Workspace  string
	ProjectID  string
	RunID      string
	SessionRef string
	Actor      string
	Phase      string // preflight | settlement
	EventsPath string
	// TaskBudget, when set, is the nearest enclosing owner and wins over
	// the project and workspace budgets.
	TaskBudget *domain.Budget
}

// BudgetOutcome reports the worst result across the checked metrics.
type BudgetOutcome struct {
	Result    string // ok | alert | exceeded
	Scope     string // task | project | workspace
	Metric    string // cost_usd | tokens
	Actual    float64
	Threshold float64
}

// Exceeded reports whether the hard ceiling was hit.
func (o BudgetOutcome) Exceeded() bool { return o.Result == "exceeded" }

// resolveBudget walks task -> project -> workspace and returns the first
// budget found with its scope.
func (g *BudgetGate) resolveBudget(in BudgetInput) (*domain.Budget, string) {
	if in.TaskBudget != nil {
		return in.TaskBudget, "task"
	}
	var proj domain.Project
	if err := g.store.ReadYAML(domain.ProjectYAMLPath(in.Workspace, in.ProjectID), &proj); err == nil && proj.Budget != nil {
		return proj.Budget, "project"
	}
	var co domain.Company
	if err := g.store.ReadYAML(domain.CompanyYAMLPath(in.Workspace), &co); err == nil && co.Budget != nil {
		return co.Budget, "workspace"
	}
	return nil, ""
}

// projectActuals sums usage across every run recorded under the project.
func (g *BudgetGate) projectActuals(ws, projectID string) (costUSD float64, tokens int64) {
	entries, err := os.ReadDir(domain.RunsDir(ws, projectID))
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var run domain.Run
		if err := g.store.ReadYAML(domain.RunYAMLPath(ws, projectID, e.Name()), &run); err != nil {
			continue
		}
		if run.Usage != nil {
			costUSD += run.Usage.CostUSD
			tokens += run.Usage.Tokens
		}
	}
	return costUSD, tokens
}

// Check evaluates the run's project against the resolved budget. Every
// metric check emits budget.decision; crossing soft emits budget.alert
// and crossing hard emits budget.exceeded. When soft and hard coincide,
// exceeded wins.
func (g *BudgetGate) Check(ctx context.Context, in BudgetInput) (BudgetOutcome, error) {
	budget, scope := g.resolveBudget(in)
	if budget == nil {
		return BudgetOutcome{Result: "ok"}, nil
	}
	costUSD, tokens := g.projectActuals(in.Workspace, in.ProjectID)

	worst := BudgetOutcome{Result: "ok", Scope: scope}
	checks := []struct {
		metric string
		actual float64
		soft   float64
		hard   float64
	}{
		{"cost_usd", costUSD, budget.SoftCostUSD, budget.HardCostUSD},
		{"tokens", float64(tokens), 0, float64(budget.HardTokenLimit)},
	}
	for _, c := range checks {
		if c.soft <= 0 && c.hard <= 0 {
			continue
		}
		result := "ok"
		threshold := 0.0
		severity := "info"
		switch {
		case c.hard > 0 && c.actual >= c.hard:
			result, threshold, severity = "exceeded", c.hard, "error"
		case c.soft > 0 && c.actual >= c.soft:
			result, threshold, severity = "alert", c.soft, "warning"
		case c.hard > 0:
			threshold = c.hard
		default:
			threshold = c.soft
		}
		g.emit(ctx, in, domain.EventBudgetDecision, map[string]any{
			"scope": scope, "metric": c.metric, "actual": c.actual,
			"threshold": threshold, "result": result, "severity": severity,
			"phase": in.Phase,
		})
		switch result {
		case "alert":
			g.emit(ctx, in, domain.EventBudgetAlert, map[string]any{
				"scope": scope, "metric": c.metric, "actual": c.actual,
				"threshold": threshold, "phase": in.Phase,
			})
		case "exceeded":
			g.emit(ctx, in, domain.EventBudgetExceeded, map[string]any{
				"scope": scope, "metric": c.metric, "actual": c.actual,
				"threshold": threshold, "phase": in.Phase,
			})
		}
		if rank(result) > rank(worst.Result) {
			worst = BudgetOutcome{Result: result, Scope: scope, Metric: c.metric,
				Actual: c.actual, Threshold: threshold}
		}
	}
	return worst, nil
}

// Preflight runs Check with phase preflight and turns an exceeded
// outcome into a launch-blocking error.
func (g *BudgetGate) Preflight(ctx context.Context, in BudgetInput) (BudgetOutcome, error) {
	in.Phase = "preflight"
	out, err := g.Check(ctx, in)
	if err != nil {
		return out, err
	}
	if out.Exceeded() {
		return out, domain.Ef(domain.CodeBudgetExceeded, "policy.budget_preflight",
			"budget preflight blocked launch: %s %s %.4f >= %.4f",
			out.Scope, out.Metric, out.Actual, out.Threshold)
	}
	return out, nil
}

func rank(result string) int {
	switch result {
	case "exceeded":
		return 2
	case "alert":
		return 1
	}
	return 0
}

func (g *BudgetGate) emit(ctx context.Context, in BudgetInput, typ string, payload map[string]any) {
	if in.EventsPath == "" {
		return
	}
	env := &domain.Envelope{
		RunID:      in.RunID,
		SessionRef: in.SessionRef,
		Actor:      in.Actor,
		Type:       typ,
		Payload:    payload,
	}
	if err := g.events.Append(ctx, in.EventsPath, env); err != nil {
		g.logger.Printf("budget: emit %s failed: %v", typ, err)
	}
}
