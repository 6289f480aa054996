// Package heartbeat runs the workspace-scoped triage timer: it wakes
// workers whose signals changed, collects their structured reports, and
// executes or queues the proposed follow-up actions.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/store"
)

// tickFanout bounds how many heartbeat jobs run concurrently per tick.
const tickFanout = 4

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSignalSource replaces the default file-scanning source.
func WithSignalSource(src SignalSource) Option {
	return func(s *Scheduler) { s.signals = src }
}

// Scheduler owns the per-workspace heartbeat loops.
type Scheduler struct {
	store   *store.Store
	events  *eventlog.Log
	engine  *policy.Engine
	runner  Runner
	logger  *log.Logger
	signals SignalSource
	now     func() time.Time

	mu      sync.Mutex
	loops   map[string]chan struct{}
	ticking map[string]bool
}

// New returns a Scheduler. The runner carries jobs through admission and
// the worker adapter.
func New(st *store.Store, events *eventlog.Log, engine *policy.Engine, runner Runner, logger *log.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   st,
		events:  events,
		engine:  engine,
		runner:  runner,
		logger:  logger,
		now:     time.Now,
		loops:   make(map[string]chan struct{}),
		ticking: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.signals == nil {
		s.signals = NewFileSignals(st, s.now)
	}
	return s
}

// ObserveWorkspace arms the tick loop for a workspace. Idempotent.
func (s *Scheduler) ObserveWorkspace(ws string) {
	s.mu.Lock()
	if _, ok := s.loops[ws]; ok {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.loops[ws] = stop
	s.mu.Unlock()

	go func() {
		for {
			interval := time.Minute
			if cfg, err := LoadConfig(ws); err == nil {
				interval = cfg.TickInterval()
			}
			t := time.NewTimer(interval)
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
			}
			if _, err := s.Tick(context.Background(), ws, false); err != nil {
				s.logger.Printf("heartbeat: tick %s: %v", ws, err)
			}
		}
	}()
}

// StopObserving disarms the loop for one workspace.
func (s *Scheduler) StopObserving(ws string) {
	s.mu.Lock()
	stop, ok := s.loops[ws]
	if ok {
		delete(s.loops, ws)
	}
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Close disarms every loop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]chan struct{})
	s.mu.Unlock()
	for _, stop := range loops {
		close(stop)
	}
}

// ActionOutcome records what happened to one proposed action.
type ActionOutcome struct {
	WorkerID       string
	Kind           domain.HeartbeatActionKind
	IdempotencyKey string
	Outcome        string // executed | queued_for_approval | deduped | missing_project_for_approval | policy_denied | error
	ArtifactID     string
	Detail         string
}

// TickSummary is the observable result of one tick.
type TickSummary struct {
	At            string
	Status        string // ran | skipped
	SkippedReason string // heartbeat_disabled | skipped_due_to_running
	Woken         []string
	Actions       []ActionOutcome
	Errors        []string
}

func (t TickSummary) text() string {
	if t.Status == "skipped" {
		return "skipped: " + t.SkippedReason
	}
	return fmt.Sprintf("ran: woke %d, actions %d, errors %d", len(t.Woken), len(t.Actions), len(t.Errors))
}

type attemptOutcome struct {
	sig WorkerSignals
	att Attempt
	err error
}

// Tick runs one heartbeat cycle. force overrides config.enabled but not
// the reentrancy guard.
func (s *Scheduler) Tick(ctx context.Context, ws string, force bool) (TickSummary, error) {
	now := s.now().UTC()
	sum := TickSummary{At: now.Format(time.RFC3339), Status: "ran"}

	cfg, err := LoadConfig(ws)
	if err != nil {
		return sum, err
	}
	state, err := LoadState(ws)
	if err != nil {
		return sum, err
	}

	s.mu.Lock()
	if s.ticking[ws] || state.TickInProgress {
		s.mu.Unlock()
		sum.Status = "skipped"
		sum.SkippedReason = "skipped_due_to_running"
		return sum, nil
	}
	s.ticking[ws] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.ticking, ws)
		s.mu.Unlock()
	}()

	state.prune(now)
	state.TickInProgress = true
	s.saveState(ctx, ws, cfg, state)

	finish := func() (TickSummary, error) {
		state.TickInProgress = false
		state.LastTickAt = now.Format(time.RFC3339)
		state.NextTickAt = now.Add(cfg.TickInterval()).Format(time.RFC3339)
		state.LastSummary = sum.text()
		state.Stats.Ticks++
		s.saveState(ctx, ws, cfg, state)
		return sum, nil
	}

	if !cfg.Enabled && !force {
		sum.Status = "skipped"
		sum.SkippedReason = "heartbeat_disabled"
		return finish()
	}

	since := time.Time{}
	if state.LastTickAt != "" {
		since, _ = time.Parse(time.RFC3339, state.LastTickAt)
	}
	sigs, err := s.signals.CandidateWorkers(ctx, ws, since)
	if err != nil {
		state.TickInProgress = false
		s.saveState(ctx, ws, cfg, state)
		return sum, err
	}
	woken := s.triage(cfg, state, sigs, now)

	results := make([]attemptOutcome, len(woken))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tickFanout)
	for i, sig := range woken {
		i, sig := i, sig
		g.Go(func() error {
			jobCtx, cancel := context.WithTimeout(gctx, cfg.TickTimeout())
			defer cancel()
			actor := s.autoActor(cfg, ws, sig)
			job := s.heartbeatJob(sig, actor)
			att, err := s.runner.RunHeartbeatJob(jobCtx, ws, job, heartbeatPrompt(sig))
			results[i] = attemptOutcome{sig: sig, att: att, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		state.TickInProgress = false
		s.saveState(ctx, ws, cfg, state)
		return sum, err
	}

	tickActions := 0
	for _, r := range results {
		sig := r.sig
		wst := state.worker(sig.AgentID)
		wst.LastContextHash = sig.ContextHash()
		wst.LastWokenAt = now.Format(time.RFC3339)
		state.Stats.WorkersWoken++
		sum.Woken = append(sum.Woken, sig.AgentID)

		s.emit(ctx, ws, sig.ProjectID, r.att.RunID, sig.AgentID, domain.EventHeartbeatTick, map[string]any{
			"agent_id":      sig.AgentID,
			"score":         sig.Score(),
			"new_signals":   sig.NewSignals,
			"due_tasks":     sig.DueTasks,
			"overdue_tasks": sig.OverdueTasks,
			"stuck_jobs":    sig.StuckJobs,
		})

		if r.err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", sig.AgentID, r.err))
			continue
		}
		rep := r.att.Report
		if rep.Status == "ok" {
			wst.SuppressedUntil = now.Add(time.Duration(cfg.OKSuppressionMinutes) * time.Minute).Format(time.RFC3339)
			continue
		}
		for _, action := range rep.Actions {
			out := s.applyAction(ctx, ws, cfg, state, sig, r.att, action, now, &tickActions)
			sum.Actions = append(sum.Actions, out)
			s.emit(ctx, ws, sig.ProjectID, r.att.RunID, sig.AgentID, domain.EventHeartbeatAction, map[string]any{
				"kind":            string(action.Kind),
				"idempotency_key": action.IdempotencyKey,
				"risk":            action.Risk,
				"outcome":         out.Outcome,
				"artifact_id":     out.ArtifactID,
			})
		}
	}
	return finish()
}

// triage selects the top-K workers whose score clears the floor, after
// idle suppression, per-worker suppression windows, and context-hash
// dedup.
func (s *Scheduler) triage(cfg Config, state *State, sigs []WorkerSignals, now time.Time) []WorkerSignals {
	var woken []WorkerSignals
	for _, sig := range sigs {
		if sig.Idle() || sig.Score() < cfg.MinWakeScore || sig.ProjectID == "" {
			continue
		}
		wst := state.worker(sig.AgentID)
		if wst.SuppressedUntil != "" {
			until, err := time.Parse(time.RFC3339, wst.SuppressedUntil)
			if err == nil && until.After(now) {
				continue
			}
		}
		if wst.LastContextHash == sig.ContextHash() {
			continue
		}
		woken = append(woken, sig)
	}
	sort.Slice(woken, func(i, j int) bool {
		if woken[i].Score() != woken[j].Score() {
			return woken[i].Score() > woken[j].Score()
		}
		return woken[i].AgentID < woken[j].AgentID
	})
	topK := cfg.TopKWorkers
	if topK < 1 {
		topK = 1
	}
	if len(woken) > topK {
		woken = woken[:topK]
	}
	return woken
}

func (s *Scheduler) heartbeatJob(sig WorkerSignals, actor domain.Actor) domain.Job {
	return domain.Job{
		ID:              domain.NewJobID(),
		Kind:            domain.JobHeartbeat,
		WorkerKind:      sig.Provider,
		Goal:            "Triage your current signals and report status.",
		PermissionLevel: domain.PermissionReadOnly,
		WorkerAgentID:   sig.AgentID,
		ManagerActorID:  actor.ID,
		ManagerRole:     actor.Role,
		MaxContextRefs:  8,
		ProjectID:       sig.ProjectID,
		TeamID:          sig.TeamID,
		Provider:        sig.Provider,
	}
}

// applyAction runs the per-action rule chain: dedup, approval queue,
// then policy-gated auto-execution.
func (s *Scheduler) applyAction(ctx context.Context, ws string, cfg Config, state *State, sig WorkerSignals, att Attempt, action domain.HeartbeatAction, now time.Time, tickActions *int) ActionOutcome {
	out := ActionOutcome{WorkerID: sig.AgentID, Kind: action.Kind, IdempotencyKey: action.IdempotencyKey}

	if _, seen := state.Idempotency[action.IdempotencyKey]; seen {
		out.Outcome = "deduped"
		state.Stats.ActionsDeduped++
		return out
	}

	hour := hourBucket(now)
	queue := action.Kind == domain.ActionCreateApprovalItem ||
		action.NeedsApproval ||
		action.Risk != "low" ||
		(cfg.QuietHours.Contains(now) && action.Kind == domain.ActionAddComment) ||
		*tickActions >= cfg.MaxActionsPerTick ||
		state.HourCounter[hour] >= cfg.MaxAutoActionsHourly

	if queue {
		projectID := action.ProjectID
		if projectID == "" {
			projectID = sig.ProjectID
		}
		if projectID == "" {
			out.Outcome = "missing_project_for_approval"
			return out
		}
		artifactID, err := s.writeProposal(ctx, ws, projectID, cfg, sig, att, action, now)
		if err != nil {
			out.Outcome = "error"
			out.Detail = err.Error()
			return out
		}
		out.Outcome = "queued_for_approval"
		out.ArtifactID = artifactID
		s.recordKey(state, cfg, action.IdempotencyKey, "queued", now)
		state.Stats.ActionsQueued++
		return out
	}

	actor := s.autoActor(cfg, ws, sig)
	if err := s.engine.EnforceErr(actor, policy.ActionApprove, policy.Resource{
		Kind:         "artifact",
		ArtifactType: domain.ArtifactHeartbeatProposal,
	}); err != nil {
		out.Outcome = "policy_denied"
		out.Detail = err.Error()
		return out
	}

	switch action.Kind {
	case domain.ActionLaunchJob:
		if err := s.executeLaunch(ws, cfg, sig, action, actor); err != nil {
			out.Outcome = "error"
			out.Detail = err.Error()
			return out
		}
	case domain.ActionAddComment:
		if err := s.executeComment(ctx, ws, cfg, sig, action, actor, now); err != nil {
			out.Outcome = "error"
			out.Detail = err.Error()
			return out
		}
	case domain.ActionNoop:
		// Nothing to do; still recorded so repeats dedup.
	}

	out.Outcome = "executed"
	s.recordKey(state, cfg, action.IdempotencyKey, "executed", now)
	if state.HourCounter == nil {
		state.HourCounter = make(map[string]int)
	}
	state.HourCounter[hour]++
	*tickActions++
	state.Stats.ActionsExecuted++
	return out
}

func (s *Scheduler) executeLaunch(ws string, cfg Config, sig WorkerSignals, action domain.HeartbeatAction, actor domain.Actor) error {
	targetAgent := action.TargetAgentID
	if targetAgent == "" {
		targetAgent = sig.AgentID
	}
	var agent domain.Agent
	workerTeam := sig.TeamID
	provider := sig.Provider
	if err := s.store.ReadYAML(domain.AgentYAMLPath(ws, targetAgent), &agent); err == nil {
		if agent.TeamID != "" {
			workerTeam = agent.TeamID
		}
		if agent.Provider != "" {
			provider = agent.Provider
		}
	}
	if err := s.engine.EnforceErr(actor, policy.ActionLaunch, policy.Resource{
		Kind:         "run",
		WorkerTeamID: workerTeam,
		TargetTeamID: sig.TeamID,
	}); err != nil {
		return err
	}
	projectID := action.ProjectID
	if projectID == "" {
		projectID = sig.ProjectID
	}
	job := domain.Job{
		ID:              domain.NewJobID(),
		Kind:            domain.JobExecution,
		WorkerKind:      provider,
		Goal:            action.Goal,
		PermissionLevel: domain.PermissionReadOnly,
		WorkerAgentID:   targetAgent,
		ManagerActorID:  actor.ID,
		ManagerRole:     actor.Role,
		ProjectID:       projectID,
		TeamID:          workerTeam,
		Provider:        provider,
	}
	if cfg.DryRun {
		return nil
	}
	return s.runner.SubmitJob(ws, job, action.Goal)
}

func (s *Scheduler) executeComment(ctx context.Context, ws string, cfg Config, sig WorkerSignals, action domain.HeartbeatAction, actor domain.Actor, now time.Time) error {
	if cfg.DryRun {
		return nil
	}
	c := domain.Comment{
		ID:        domain.NewCommentID(),
		ProjectID: action.ProjectID,
		AuthorID:  actor.ID,
		Body:      action.Comment,
		CreatedAt: now.Format(time.RFC3339),
	}
	if c.ProjectID == "" {
		c.ProjectID = sig.ProjectID
	}
	return s.store.WriteYAML(ctx, domain.CommentPath(ws, c.ID), &c, store.WriteOptions{WorkspaceLock: true})
}

func (s *Scheduler) recordKey(state *State, cfg Config, key, status string, now time.Time) {
	if state.Idempotency == nil {
		state.Idempotency = make(map[string]IdempotencyEntry)
	}
	ttl := cfg.IdempotencyTTLDays
	if ttl <= 0 {
		ttl = 7
	}
	state.Idempotency[key] = IdempotencyEntry{
		Status:    status,
		ExpiresAt: now.Add(time.Duration(ttl) * 24 * time.Hour).Format(time.RFC3339),
	}
}

// writeProposal creates the heartbeat_action_proposal artifact carrying
// the action and its provenance.
func (s *Scheduler) writeProposal(ctx context.Context, ws, projectID string, cfg Config, sig WorkerSignals, att Attempt, action domain.HeartbeatAction, now time.Time) (string, error) {
	artifactID := domain.NewArtifactID()
	meta := domain.ArtifactMeta{
		ID:         artifactID,
		Type:       domain.ArtifactHeartbeatProposal,
		Title:      fmt.Sprintf("Heartbeat proposal: %s by %s", action.Kind, sig.AgentID),
		Visibility: domain.VisibilityManagers,
		ProducedBy: sig.AgentID,
		RunID:      att.RunID,
		ProjectID:  projectID,
		CreatedAt:  now.Format(time.RFC3339),
	}
	front, err := yaml.Marshal(&meta)
	if err != nil {
		return "", domain.E(domain.CodeSchemaInvalid, "heartbeat.write_proposal", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n\n## Summary\n\n")
	fmt.Fprintf(&b, "Worker %s proposed a %s action (risk %s) that requires approval.\n", sig.AgentID, action.Kind, action.Risk)
	b.WriteString("\n## Proposed Action\n\n")
	fmt.Fprintf(&b, "- kind: %s\n- idempotency_key: %s\n- risk: %s\n", action.Kind, action.IdempotencyKey, action.Risk)
	if action.Goal != "" {
		fmt.Fprintf(&b, "- goal: %s\n", action.Goal)
	}
	if action.Comment != "" {
		fmt.Fprintf(&b, "- comment: %s\n", action.Comment)
	}
	if action.Reason != "" {
		fmt.Fprintf(&b, "- reason: %s\n", action.Reason)
	}
	if cfg.DryRun {
		return artifactID, nil
	}
	path := domain.ArtifactPath(ws, projectID, artifactID)
	if err := s.store.WriteAtomic(ctx, path, []byte(b.String()), store.WriteOptions{WorkspaceLock: true}); err != nil {
		return "", err
	}
	return artifactID, nil
}

// autoActor resolves who auto-actions run as. Under enterprise_v1 the
// executive manager is the default; a director source may act for itself
// when the config allows it.
func (s *Scheduler) autoActor(cfg Config, ws string, sig WorkerSignals) domain.Actor {
	if cfg.HierarchyMode == HierarchyEnterpriseV1 {
		if cfg.AllowDirectorToSpawnWorkers && sig.Role == domain.RoleDirector {
			return domain.Actor{ID: sig.AgentID, Role: domain.RoleDirector, TeamID: sig.TeamID}
		}
		if cfg.ExecutiveManagerAgentID != "" {
			actor := domain.Actor{ID: cfg.ExecutiveManagerAgentID, Role: domain.RoleManager}
			var agent domain.Agent
			if err := s.store.ReadYAML(domain.AgentYAMLPath(ws, cfg.ExecutiveManagerAgentID), &agent); err == nil {
				if agent.Role != "" {
					actor.Role = agent.Role
				}
				actor.TeamID = agent.TeamID
			}
			return actor
		}
	}
	return domain.Actor{ID: "heartbeat", Role: domain.RoleManager}
}

func (s *Scheduler) saveState(ctx context.Context, ws string, cfg Config, state *State) {
	if cfg.DryRun {
		return
	}
	if err := SaveState(ctx, s.store, ws, state); err != nil {
		s.logger.Printf("heartbeat: save state %s: %v", ws, err)
	}
}

func (s *Scheduler) emit(ctx context.Context, ws, projectID, runID, actor, typ string, payload map[string]any) {
	if projectID == "" || runID == "" {
		return
	}
	env := &domain.Envelope{RunID: runID, Actor: actor, Type: typ, Payload: payload}
	if err := s.events.Append(ctx, domain.EventsPath(ws, projectID, runID), env); err != nil {
		s.logger.Printf("heartbeat: emit %s: %v", typ, err)
	}
}

// heartbeatPrompt is the HeartbeatWorkerReport template. The worker must
// answer with exactly one of the two JSON shapes.
func heartbeatPrompt(sig WorkerSignals) string {
	var b strings.Builder
	b.WriteString("HeartbeatWorkerReport\n\n")
	fmt.Fprintf(&b, "You are agent %s. Current signals: %d new, %d due, %d overdue, %d stuck.\n\n",
		sig.AgentID, sig.NewSignals, sig.DueTasks, sig.OverdueTasks, sig.StuckJobs)
	b.WriteString("Triage and respond with a single strict JSON object, one of:\n")
	b.WriteString(`  {"status":"ok","token":"HEARTBEAT_OK","summary":"..."}` + "\n")
	b.WriteString(`  {"status":"actions","actions":[{"kind":"launch_job|add_comment|create_approval_item|noop",` +
		`"idempotency_key":"...","risk":"low|medium|high","needs_approval":false,` +
		`"project_id":"...","goal":"...","comment":"...","reason":"..."}]}` + "\n")
	return b.String()
}
