// Package policy implements the RBAC rule table and budget gate that
// every launch and artifact access passes through.
package policy

import (
	"fmt"

	"github.com/agentcompany/agentcompany/internal/domain"
)

// Action is the operation class being checked.
type Action string

const (
	ActionCompose Action = "compose"
	ActionRead    Action = "read"
	ActionLaunch  Action = "launch"
	ActionApprove Action = "approve"
)

// Resource describes the thing being acted on. Only the fields relevant
// to the action need to be set.
type Resource struct {
	Kind           string            // artifact | run | comment
	ArtifactType   string            // memory_delta, heartbeat_action_proposal, ...
	Visibility     domain.Visibility // artifact/event visibility
	Sensitivity    string            // normal | restricted
	ProducerID     string            // agent that produced the artifact
	ProducerTeamID string
	TargetTeamID   string // launch: team the run is for
	WorkerTeamID   string // launch: team the worker belongs to
}

// Decision is the outcome of one policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	RuleID  string `json:"rule_id"`
	Reason  string `json:"reason"`
}

type rule struct {
	id    string
	apply func(a domain.Actor, act Action, r Resource) (Decision, bool)
}

// Engine evaluates the ordered rule table. The first matching rule wins;
// no match means allow.
type Engine struct {
	rules []rule
}

// NewEngine returns an engine with the standard rule table.
func NewEngine() *Engine {
	return &Engine{rules: []rule{
		{id: "compose.sensitivity.restricted", apply: ruleRestricted},
		{id: "read.visibility", apply: ruleVisibility},
		{id: "launch.team.cross_team_worker", apply: ruleCrossTeam},
		{id: "approve.memory_delta", apply: ruleApproveMemoryDelta},
		{id: "approve.heartbeat_action", apply: ruleApproveHeartbeat},
	}}
}

// Enforce runs the rule table and returns the first matching decision,
// or a default allow.
func (e *Engine) Enforce(a domain.Actor, act Action, r Resource) Decision {
	for _, ru := range e.rules {
		if d, ok := ru.apply(a, act, r); ok {
			return d
		}
	}
	return Decision{Allowed: true, RuleID: "default.allow", Reason: "no rule matched"}
}

// EnforceErr is Enforce returning a coded error on denial.
func (e *Engine) EnforceErr(a domain.Actor, act Action, r Resource) error {
	d := e.Enforce(a, act, r)
	if d.Allowed {
		return nil
	}
	return domain.Ef(domain.CodePolicyDenied, "policy.enforce", "%s: %s", d.RuleID, d.Reason)
}

// Restricted memory is readable only by the producer, a manager-or-above
// on the producer's team, or the CEO.
func ruleRestricted(a domain.Actor, act Action, r Resource) (Decision, bool) {
	if r.Sensitivity != "restricted" || (act != ActionCompose && act != ActionRead) {
		return Decision{}, false
	}
	allowed := a.ID == r.ProducerID ||
		(a.TeamID == r.ProducerTeamID && a.TeamID != "" && a.Role.AtLeastManager()) ||
		a.Role == domain.RoleCEO
	if allowed {
		return Decision{Allowed: true, RuleID: "compose.sensitivity.restricted",
			Reason: "restricted access granted"}, true
	}
	return Decision{Allowed: false, RuleID: "compose.sensitivity.restricted",
		Reason: fmt.Sprintf("restricted content produced by %s is not readable by %s", r.ProducerID, a.ID)}, true
}

func ruleVisibility(a domain.Actor, act Action, r Resource) (Decision, bool) {
	if act != ActionRead || r.Visibility == "" {
		return Decision{}, false
	}
	id := "read.visibility." + string(r.Visibility)
	switch r.Visibility {
	case domain.VisibilityPrivateAgent:
		if a.ID == r.ProducerID {
			return Decision{Allowed: true, RuleID: id, Reason: "producer"}, true
		}
		return Decision{Allowed: false, RuleID: id, Reason: "visible to producer only"}, true
	case domain.VisibilityTeam:
		if a.ID == r.ProducerID || (a.TeamID != "" && a.TeamID == r.ProducerTeamID) {
			return Decision{Allowed: true, RuleID: id, Reason: "same team"}, true
		}
		return Decision{Allowed: false, RuleID: id, Reason: "visible to producer's team only"}, true
	case domain.VisibilityManagers:
		if a.Role.AtLeastManager() {
			return Decision{Allowed: true, RuleID: id, Reason: "manager or above"}, true
		}
		return Decision{Allowed: false, RuleID: id, Reason: "visible to managers and above only"}, true
	case domain.VisibilityOrg:
		return Decision{Allowed: true, RuleID: id, Reason: "org visible"}, true
	}
	return Decision{}, false
}

func ruleCrossTeam(a domain.Actor, act Action, r Resource) (Decision, bool) {
	if act != ActionLaunch || r.WorkerTeamID == "" || r.TargetTeamID == "" {
		return Decision{}, false
	}
	if r.WorkerTeamID == r.TargetTeamID {
		return Decision{}, false
	}
	return Decision{Allowed: false, RuleID: "launch.team.cross_team_worker",
		Reason: fmt.Sprintf("worker team %s does not match target team %s", r.WorkerTeamID, r.TargetTeamID)}, true
}

func ruleApproveMemoryDelta(a domain.Actor, act Action, r Resource) (Decision, bool) {
	if act != ActionApprove || r.ArtifactType != domain.ArtifactMemoryDelta {
		return Decision{}, false
	}
	if a.Role.AtLeastManager() {
		return Decision{Allowed: true, RuleID: "approve.memory_delta", Reason: "manager or above"}, true
	}
	return Decision{Allowed: false, RuleID: "approve.memory_delta",
		Reason: "memory delta approval requires manager role or above"}, true
}

func ruleApproveHeartbeat(a domain.Actor, act Action, r Resource) (Decision, bool) {
	if act != ActionApprove || r.ArtifactType != domain.ArtifactHeartbeatProposal {
		return Decision{}, false
	}
	if a.Role.AtLeastManager() {
		return Decision{Allowed: true, RuleID: "approve.heartbeat_action", Reason: "manager or above"}, true
	}
	return Decision{Allowed: false, RuleID: "approve.heartbeat_action",
		Reason: "heartbeat action approval requires manager role or above"}, true
}
