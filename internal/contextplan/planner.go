// Package contextplan assembles the layered context plan handed to a
// worker: deterministic base files, approved memory, and trajectory
// artifacts, filtered by policy and a secret scan.
package contextplan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/store"
)

// PlanSchemaVersion is the persisted context_plan.json schema.
const PlanSchemaVersion = 1

// DefaultMaxRefs bounds the plan when the job does not say otherwise.
const DefaultMaxRefs = 8

// Input describes the job a plan is built for.
type Input struct {
	Workspace      string
	ProjectID      string
	WorkerAgentID  string
	ManagerActorID string
	ManagerRole    domain.AgentRole
	ManagerTeamID  string
	JobKind        domain.JobKind
	Goal           string
	Constraints    []string
	Deliverables   []string
	ContextRefs    []string // caller seeds, treated as L0
	MaxRefs        int
}

// Ref is one entry of the final plan.
type Ref struct {
	Path        string  `json:"path"` // workspace-relative
	Layer       string  `json:"layer"`
	SourceID    string  `json:"source_id,omitempty"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// TraceEntry records one retrieval decision. Identical inputs must
// produce an identical trace.
type TraceEntry struct {
	Layer    string `json:"layer"`
	Source   string `json:"source"`
	Decision string `json:"decision"` // included | filtered_by_policy | filtered_by_sensitivity | filtered_by_secret | not_approved | truncated
	Reason   string `json:"reason,omitempty"`
}

// Plan is the planner output, persisted as bundle/context_plan.json.
type Plan struct {
	SchemaVersion int          `json:"schema_version"`
	ProjectID     string       `json:"project_id"`
	WorkerAgentID string       `json:"worker_agent_id,omitempty"`
	Refs          []Ref        `json:"context_refs"`
	LayersUsed    []string     `json:"layers_used"`
	Trace         []TraceEntry `json:"retrieval_trace"`

	FilteredByPolicyCount      int `json:"filtered_by_policy_count"`
	FilteredBySensitivityCount int `json:"filtered_by_sensitivity_count"`
	FilteredBySecretCount      int `json:"filtered_by_secret_count"`
}

// Planner builds and persists context plans.
type Planner struct {
	store  *store.Store
	events *eventlog.Log
	engine *policy.Engine
	logger *log.Logger
}

// New returns a Planner.
func New(st *store.Store, events *eventlog.Log, engine *policy.Engine, logger *log.Logger) *Planner {
	return &Planner{store: st, events: events, engine: engine, logger: logger}
}

// candidate carries the sort keys a Ref drops after ordering.
type candidate struct {
	ref     Ref
	created string
}

// PlanForJob assembles the three layers, applies policy, sensitivity,
// and secret filters, orders deterministically, and truncates to the
// ref budget.
func (p *Planner) PlanForJob(ctx context.Context, in Input) (*Plan, error) {
	if in.Workspace == "" || in.ProjectID == "" {
		return nil, domain.Ef(domain.CodeSchemaInvalid, "contextplan.plan", "workspace and project are required")
	}
	maxRefs := in.MaxRefs
	if maxRefs <= 0 {
		maxRefs = DefaultMaxRefs
	}
	plan := &Plan{
		SchemaVersion: PlanSchemaVersion,
		ProjectID:     in.ProjectID,
		WorkerAgentID: in.WorkerAgentID,
		Refs:          []Ref{},
		Trace:         []TraceEntry{},
	}
	actor := p.consumerActor(in)

	l0 := p.layerBase(in, plan)
	l1 := p.layerApprovedMemory(ctx, in, actor, plan)
	l2 := p.layerTrajectory(ctx, in, actor, plan)

	orderLayer(l1)
	orderLayer(l2)

	var used []string
	appendLayer := func(name string, cands []candidate) {
		if len(cands) > 0 {
			used = append(used, name)
		}
		for _, c := range cands {
			if len(plan.Refs) >= maxRefs {
				plan.Trace = append(plan.Trace, TraceEntry{Layer: c.ref.Layer, Source: c.ref.Path,
					Decision: "truncated", Reason: fmt.Sprintf("ref budget %d reached", maxRefs)})
				continue
			}
			plan.Refs = append(plan.Refs, c.ref)
			plan.Trace = append(plan.Trace, TraceEntry{Layer: c.ref.Layer, Source: c.ref.Path, Decision: "included"})
		}
	}
	appendLayer("L0", l0)
	appendLayer("L1", l1)
	appendLayer("L2", l2)
	plan.LayersUsed = used
	return plan, nil
}

// layerBase is the deterministic file set plus caller seeds, in a fixed
// order. Files that do not exist are silently skipped.
func (p *Planner) layerBase(in Input, plan *Plan) []candidate {
	ws := in.Workspace
	paths := []string{
		"AGENTS.md",
		domain.CompanyYAMLRel,
		"company/policy.yaml",
		relPath(ws, domain.ProjectMemoryPath(ws, in.ProjectID)),
	}
	if in.WorkerAgentID != "" {
		agentDir := relPath(ws, domain.AgentDir(ws, in.WorkerAgentID))
		for _, name := range []string{"agent.yaml", "AGENTS.md", "role.md", "skills_index.md", "context_index.md"} {
			paths = append(paths, filepath.Join(agentDir, name))
		}
	}
	var out []candidate
	seen := make(map[string]bool)
	add := func(rel, desc string) {
		if seen[rel] {
			return
		}
		seen[rel] = true
		out = append(out, candidate{ref: Ref{Path: rel, Layer: "L0", Description: desc}})
	}
	for _, rel := range paths {
		if p.store.PathExists(filepath.Join(ws, rel)) {
			add(rel, "base file")
		}
	}
	for _, seed := range in.ContextRefs {
		add(seed, "caller seed")
	}
	return out
}

// layerApprovedMemory includes memory_delta artifacts whose latest
// review decision is approved.
func (p *Planner) layerApprovedMemory(ctx context.Context, in Input, actor domain.Actor, plan *Plan) []candidate {
	var out []candidate
	p.eachArtifact(in, func(rel string, meta *domain.ArtifactMeta, body string) {
		if meta.Type != domain.ArtifactMemoryDelta {
			return
		}
		decision := p.latestDecision(in.Workspace, meta.ID)
		if decision != "approved" {
			plan.Trace = append(plan.Trace, TraceEntry{Layer: "L1", Source: rel,
				Decision: "not_approved", Reason: "latest review decision is " + orPending(decision)})
			return
		}
		if !p.admit(in, actor, "L1", rel, meta, body, plan) {
			return
		}
		desc := fmt.Sprintf("approved memory delta for %s: %s", meta.TargetFile, meta.Title)
		out = append(out, candidate{
			ref:     Ref{Path: rel, Layer: "L1", SourceID: meta.ID, Description: desc, Score: meta.Score},
			created: meta.CreatedAt,
		})
	})
	return out
}

// layerTrajectory includes manager digests, failure reports, and runs
// that consumed context in earlier cycles.
func (p *Planner) layerTrajectory(ctx context.Context, in Input, actor domain.Actor, plan *Plan) []candidate {
	var out []candidate
	p.eachArtifact(in, func(rel string, meta *domain.ArtifactMeta, body string) {
		if meta.Type != domain.ArtifactManagerDigest && meta.Type != domain.ArtifactFailureReport {
			return
		}
		if !p.admit(in, actor, "L2", rel, meta, body, plan) {
			return
		}
		out = append(out, candidate{
			ref:     Ref{Path: rel, Layer: "L2", SourceID: meta.ID, Description: meta.Type + ": " + meta.Title, Score: meta.Score},
			created: meta.CreatedAt,
		})
	})

	runsDir := domain.RunsDir(in.Workspace, in.ProjectID)
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var run domain.Run
		if err := p.store.ReadYAML(domain.RunYAMLPath(in.Workspace, in.ProjectID, e.Name()), &run); err != nil {
			continue
		}
		if run.ContextCyclesCount <= 0 {
			continue
		}
		rel := relPath(in.Workspace, domain.RunYAMLPath(in.Workspace, in.ProjectID, run.ID))
		out = append(out, candidate{
			ref:     Ref{Path: rel, Layer: "L2", SourceID: run.ID, Description: fmt.Sprintf("run %s (%s, %d context cycles)", run.ID, run.Status, run.ContextCyclesCount)},
			created: run.StartedAt,
		})
	}
	return out
}

// admit runs the policy and secret filters, bumping the plan counters on
// rejection.
func (p *Planner) admit(in Input, actor domain.Actor, layer, rel string, meta *domain.ArtifactMeta, body string, plan *Plan) bool {
	producerTeam := p.agentTeam(in.Workspace, meta.ProducedBy)
	d := p.engine.Enforce(actor, policy.ActionRead, policy.Resource{
		Kind:           "artifact",
		ArtifactType:   meta.Type,
		Visibility:     meta.Visibility,
		Sensitivity:    meta.Sensitivity,
		ProducerID:     meta.ProducedBy,
		ProducerTeamID: producerTeam,
	})
	if !d.Allowed {
		if meta.Sensitivity == "restricted" {
			plan.FilteredBySensitivityCount++
			plan.Trace = append(plan.Trace, TraceEntry{Layer: layer, Source: rel, Decision: "filtered_by_sensitivity", Reason: d.Reason})
		} else {
			plan.FilteredByPolicyCount++
			plan.Trace = append(plan.Trace, TraceEntry{Layer: layer, Source: rel, Decision: "filtered_by_policy", Reason: d.Reason})
		}
		return false
	}
	surface := meta.Title + "\n" + meta.TargetFile + "\n" + body
	if found := ScanSecrets(surface); len(found) > 0 {
		plan.FilteredBySecretCount++
		kinds := make([]string, 0, len(found))
		for kind := range found {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		plan.Trace = append(plan.Trace, TraceEntry{Layer: layer, Source: rel,
			Decision: "filtered_by_secret", Reason: "matched " + strings.Join(kinds, ", ")})
		return false
	}
	return true
}

func (p *Planner) eachArtifact(in Input, fn func(rel string, meta *domain.ArtifactMeta, body string)) {
	dir := domain.ArtifactsDir(in.Workspace, in.ProjectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		meta, body, err := domain.ParseArtifact(data)
		if err != nil {
			continue
		}
		fn(relPath(in.Workspace, filepath.Join(dir, e.Name())), meta, body)
	}
}

// latestDecision returns the last entry of the artifact's review file,
// or "" when no decision exists.
func (p *Planner) latestDecision(ws, artifactID string) string {
	var decisions []domain.ReviewDecision
	if err := p.store.ReadYAML(domain.ReviewPath(ws, artifactID), &decisions); err != nil {
		return ""
	}
	if len(decisions) == 0 {
		return ""
	}
	return decisions[len(decisions)-1].Decision
}

func (p *Planner) consumerActor(in Input) domain.Actor {
	if in.WorkerAgentID != "" {
		actor := domain.Actor{ID: in.WorkerAgentID, Role: domain.RoleWorker}
		var agent domain.Agent
		if err := p.store.ReadYAML(domain.AgentYAMLPath(in.Workspace, in.WorkerAgentID), &agent); err == nil {
			if agent.Role != "" {
				actor.Role = agent.Role
			}
			actor.TeamID = agent.TeamID
		}
		return actor
	}
	return domain.Actor{ID: in.ManagerActorID, Role: in.ManagerRole, TeamID: in.ManagerTeamID}
}

func (p *Planner) agentTeam(ws, agentID string) string {
	if agentID == "" {
		return ""
	}
	var agent domain.Agent
	if err := p.store.ReadYAML(domain.AgentYAMLPath(ws, agentID), &agent); err != nil {
		return ""
	}
	return agent.TeamID
}

// orderLayer sorts score desc, created desc, source id asc.
func orderLayer(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.ref.Score != b.ref.Score {
			return a.ref.Score > b.ref.Score
		}
		if a.created != b.created {
			return a.created > b.created
		}
		return a.ref.SourceID < b.ref.SourceID
	})
}

// PersistPlanForRun writes the immutable context pack: the plan JSON,
// its sha256 identity in manifest.yaml, and the policy snapshot. Returns
// the plan hash.
func (p *Planner) PersistPlanForRun(ctx context.Context, ws, projectID, runID, ctxPackID string, plan *Plan) (string, error) {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "", domain.E(domain.CodeSchemaInvalid, "contextplan.persist", err)
	}
	sum := sha256.Sum256(data)
	planSHA := hex.EncodeToString(sum[:])

	planPath := domain.ContextPlanPath(ws, projectID, ctxPackID)
	if err := p.store.WriteAtomic(ctx, planPath, data, store.WriteOptions{}); err != nil {
		return "", err
	}

	manifest := map[string]any{
		"id":          ctxPackID,
		"project_id":  projectID,
		"run_id":      runID,
		"plan_sha256": planSHA,
		"ref_count":   len(plan.Refs),
		"created_at":  time.Now().UTC().Format(time.RFC3339),
	}
	packDir := domain.ContextPackDir(ws, projectID, ctxPackID)
	if err := p.store.WriteYAML(ctx, filepath.Join(packDir, "manifest.yaml"), manifest, store.WriteOptions{}); err != nil {
		return "", err
	}
	if cfg, err := policy.LoadConfig(ws); err == nil {
		if err := cfg.WriteSnapshot(ctx, p.store, filepath.Join(packDir, "policy_snapshot.yaml")); err != nil {
			p.logger.Printf("contextplan: policy snapshot for %s: %v", ctxPackID, err)
		}
	}

	if runID != "" {
		env := &domain.Envelope{RunID: runID, Actor: plan.WorkerAgentID, Type: domain.EventContextPlanned,
			Payload: map[string]any{
				"context_pack_id": ctxPackID,
				"plan_sha256":     planSHA,
				"ref_count":       len(plan.Refs),
				"layers_used":     plan.LayersUsed,
			}}
		if err := p.events.Append(ctx, domain.EventsPath(ws, projectID, runID), env); err != nil {
			p.logger.Printf("contextplan: emit context.planned for %s: %v", runID, err)
		}
	}
	return planSHA, nil
}

func relPath(ws, abs string) string {
	rel, err := filepath.Rel(ws, abs)
	if err != nil {
		return abs
	}
	return rel
}

func orPending(decision string) string {
	if decision == "" {
		return "pending"
	}
	return decision
}
