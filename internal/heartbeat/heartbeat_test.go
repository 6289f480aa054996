package heartbeat

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/lane"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/store"
)

var tickTime = time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

type stubRunner struct {
	mu        sync.Mutex
	reports   map[string]*domain.HeartbeatReport
	errs      map[string]error
	ran       []domain.Job
	prompts   []string
	submitted []domain.Job
}

func (r *stubRunner) RunHeartbeatJob(ctx context.Context, ws string, job domain.Job, prompt string) (Attempt, error) {
	r.mu.Lock()
	r.ran = append(r.ran, job)
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	if err := r.errs[job.WorkerAgentID]; err != nil {
		return Attempt{}, err
	}
	return Attempt{RunID: "run_" + job.WorkerAgentID, Report: r.reports[job.WorkerAgentID]}, nil
}

func (r *stubRunner) SubmitJob(ws string, job domain.Job, prompt string) error {
	r.mu.Lock()
	r.submitted = append(r.submitted, job)
	r.mu.Unlock()
	return nil
}

type stubSignals struct{ sigs []WorkerSignals }

func (s stubSignals) CandidateWorkers(ctx context.Context, ws string, since time.Time) ([]WorkerSignals, error) {
	return s.sigs, nil
}

func testScheduler(t *testing.T, runner Runner, sigs []WorkerSignals) (*Scheduler, *store.Store, string) {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	st := store.New(logger)
	el := eventlog.New(st, eventlog.NewBus(), logger)
	s := New(st, el, policy.NewEngine(), runner, logger,
		WithClock(func() time.Time { return tickTime }),
		WithSignalSource(stubSignals{sigs: sigs}))
	ws := t.TempDir()
	if err := st.WriteYAML(context.Background(), domain.CompanyYAMLPath(ws), map[string]string{"id": "co_test"}, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	return s, st, ws
}

func writeConfig(t *testing.T, st *store.Store, ws string, cfg Config) {
	t.Helper()
	if err := st.WriteYAML(context.Background(), domain.HeartbeatConfigPath(ws), &cfg, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func workerSig(agentID string) WorkerSignals {
	return WorkerSignals{
		AgentID:   agentID,
		Role:      domain.RoleWorker,
		TeamID:    "team_a",
		Provider:  "codex",
		ProjectID: "proj_a",
		DueTasks:  2,
	}
}

func TestTickDisabledSkips(t *testing.T) {
	runner := &stubRunner{}
	s, st, ws := testScheduler(t, runner, nil)
	writeConfig(t, st, ws, DefaultConfig())

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != "skipped" || sum.SkippedReason != "heartbeat_disabled" {
		t.Fatalf("summary %+v", sum)
	}
	state, err := LoadState(ws)
	if err != nil {
		t.Fatal(err)
	}
	if state.TickInProgress {
		t.Fatal("tick_in_progress left set")
	}
	if state.Stats.Ticks != 1 || state.NextTickAt == "" {
		t.Fatalf("state not advanced: %+v", state)
	}
	if len(runner.ran) != 0 {
		t.Fatal("disabled tick must not run jobs")
	}
}

func TestTickReentrancyGuard(t *testing.T) {
	runner := &stubRunner{}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	writeConfig(t, st, ws, enabledConfig())
	if err := SaveState(context.Background(), st, ws, &State{TickInProgress: true}); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != "skipped" || sum.SkippedReason != "skipped_due_to_running" {
		t.Fatalf("summary %+v", sum)
	}
	if len(runner.ran) != 0 {
		t.Fatal("guarded tick must not run jobs")
	}
}

func TestOKReportSuppressesWorker(t *testing.T) {
	runner := &stubRunner{reports: map[string]*domain.HeartbeatReport{
		"agent_w1": {Status: "ok", Token: domain.HeartbeatOKToken, Summary: "all quiet"},
	}}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	writeConfig(t, st, ws, enabledConfig())

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Woken) != 1 || sum.Woken[0] != "agent_w1" {
		t.Fatalf("woken %v", sum.Woken)
	}
	state, err := LoadState(ws)
	if err != nil {
		t.Fatal(err)
	}
	until, err := time.Parse(time.RFC3339, state.Workers["agent_w1"].SuppressedUntil)
	if err != nil {
		t.Fatal(err)
	}
	if want := tickTime.Add(60 * time.Minute); !until.Equal(want) {
		t.Fatalf("suppressed_until %v, want %v", until, want)
	}

	// Unchanged signals hash the same, so the next tick wakes nobody
	// even after suppression would lapse.
	sum2, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum2.Woken) != 0 {
		t.Fatalf("second tick woke %v", sum2.Woken)
	}
	if len(runner.prompts) == 0 || runner.prompts[0] == "" {
		t.Fatal("missing prompt")
	}
	if got := runner.prompts[0]; !strings.Contains(got, "HeartbeatWorkerReport") || !strings.Contains(got, domain.HeartbeatOKToken) {
		t.Fatalf("prompt missing template markers: %s", got)
	}
}

func TestAutoActionHourlyRateLimit(t *testing.T) {
	actions := []domain.HeartbeatAction{
		{Kind: domain.ActionAddComment, IdempotencyKey: "k1", Risk: "low", Comment: "first"},
		{Kind: domain.ActionAddComment, IdempotencyKey: "k2", Risk: "low", Comment: "second"},
	}
	runner := &stubRunner{reports: map[string]*domain.HeartbeatReport{
		"agent_w1": {Status: "actions", Actions: actions},
	}}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	cfg := enabledConfig()
	cfg.MaxAutoActionsHourly = 1
	writeConfig(t, st, ws, cfg)

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Actions) != 2 {
		t.Fatalf("actions %+v", sum.Actions)
	}
	if sum.Actions[0].Outcome != "executed" {
		t.Fatalf("first outcome %q", sum.Actions[0].Outcome)
	}
	if sum.Actions[1].Outcome != "queued_for_approval" || sum.Actions[1].ArtifactID == "" {
		t.Fatalf("second outcome %+v", sum.Actions[1])
	}

	state, err := LoadState(ws)
	if err != nil {
		t.Fatal(err)
	}
	if state.Idempotency["k1"].Status != "executed" || state.Idempotency["k2"].Status != "queued" {
		t.Fatalf("idempotency %+v", state.Idempotency)
	}
	if state.HourCounter[hourBucket(tickTime)] != 1 {
		t.Fatalf("hour counter %+v", state.HourCounter)
	}

	// One comment record, one proposal artifact.
	comments, _ := os.ReadDir(domain.InboxCommentsDir(ws))
	if len(comments) != 1 {
		t.Fatalf("comments %d", len(comments))
	}
	artifact := domain.ArtifactPath(ws, "proj_a", sum.Actions[1].ArtifactID)
	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("proposal artifact: %v", err)
	}
	if !strings.Contains(string(data), "heartbeat_action_proposal") || !strings.Contains(string(data), "k2") {
		t.Fatalf("artifact content: %s", data)
	}

	// The heartbeat run's event file carries the action outcomes.
	envs, _, err := eventlog.ReadAll(domain.EventsPath(ws, "proj_a", "run_agent_w1"))
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, e := range envs {
		kinds = append(kinds, e.Type)
	}
	if countOf(kinds, domain.EventHeartbeatAction) != 2 || countOf(kinds, domain.EventHeartbeatTick) != 1 {
		t.Fatalf("event types %v", kinds)
	}
}

func countOf(xs []string, want string) int {
	n := 0
	for _, x := range xs {
		if x == want {
			n++
		}
	}
	return n
}

func TestActionDedupByIdempotencyKey(t *testing.T) {
	runner := &stubRunner{reports: map[string]*domain.HeartbeatReport{
		"agent_w1": {Status: "actions", Actions: []domain.HeartbeatAction{
			{Kind: domain.ActionAddComment, IdempotencyKey: "seen", Risk: "low", Comment: "again"},
		}},
	}}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	writeConfig(t, st, ws, enabledConfig())
	prior := &State{Idempotency: map[string]IdempotencyEntry{
		"seen": {Status: "executed", ExpiresAt: tickTime.Add(24 * time.Hour).Format(time.RFC3339)},
	}}
	if err := SaveState(context.Background(), st, ws, prior); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Actions) != 1 || sum.Actions[0].Outcome != "deduped" {
		t.Fatalf("actions %+v", sum.Actions)
	}
	comments, _ := os.ReadDir(domain.InboxCommentsDir(ws))
	if len(comments) != 0 {
		t.Fatal("deduped action must not execute")
	}
}

func TestRiskAndApprovalQueue(t *testing.T) {
	runner := &stubRunner{reports: map[string]*domain.HeartbeatReport{
		"agent_w1": {Status: "actions", Actions: []domain.HeartbeatAction{
			{Kind: domain.ActionLaunchJob, IdempotencyKey: "r1", Risk: "medium", Goal: "risky"},
			{Kind: domain.ActionAddComment, IdempotencyKey: "r2", Risk: "low", NeedsApproval: true, Comment: "checked"},
			{Kind: domain.ActionCreateApprovalItem, IdempotencyKey: "r3", Risk: "low", Reason: "please review"},
		}},
	}}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	writeConfig(t, st, ws, enabledConfig())

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	for i, a := range sum.Actions {
		if a.Outcome != "queued_for_approval" {
			t.Fatalf("action %d outcome %q", i, a.Outcome)
		}
	}
	if len(runner.submitted) != 0 {
		t.Fatal("queued launch_job must not submit")
	}
}

func TestQuietHoursQueueComments(t *testing.T) {
	runner := &stubRunner{reports: map[string]*domain.HeartbeatReport{
		"agent_w1": {Status: "actions", Actions: []domain.HeartbeatAction{
			{Kind: domain.ActionAddComment, IdempotencyKey: "q1", Risk: "low", Comment: "shh"},
		}},
	}}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	cfg := enabledConfig()
	cfg.QuietHours = QuietHours{StartHour: 9, EndHour: 12} // tickTime is 10:00 UTC
	writeConfig(t, st, ws, cfg)

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Actions) != 1 || sum.Actions[0].Outcome != "queued_for_approval" {
		t.Fatalf("actions %+v", sum.Actions)
	}
}

func TestQuietHoursWindow(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 8, 26, h, 30, 0, 0, time.UTC) }
	tests := []struct {
		name string
		q    QuietHours
		hour int
		want bool
	}{
		{"inside plain window", QuietHours{22, 23}, 22, true},
		{"outside plain window", QuietHours{22, 23}, 10, false},
		{"empty window", QuietHours{8, 8}, 8, false},
		{"wrap inside late", QuietHours{22, 6}, 23, true},
		{"wrap inside early", QuietHours{22, 6}, 3, true},
		{"wrap outside", QuietHours{22, 6}, 12, false},
		{"end exclusive", QuietHours{9, 12}, 12, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.q.Contains(at(tc.hour)); got != tc.want {
				t.Fatalf("Contains(%d) = %v, want %v", tc.hour, got, tc.want)
			}
		})
	}
}

func TestMissingProjectSkipsApproval(t *testing.T) {
	s, _, ws := testScheduler(t, &stubRunner{}, nil)
	state := &State{}
	sig := workerSig("agent_w1")
	sig.ProjectID = ""
	action := domain.HeartbeatAction{Kind: domain.ActionCreateApprovalItem, IdempotencyKey: "m1", Risk: "low"}
	tickActions := 0

	out := s.applyAction(context.Background(), ws, enabledConfig(), state, sig, Attempt{}, action, tickTime, &tickActions)
	if out.Outcome != "missing_project_for_approval" {
		t.Fatalf("outcome %q", out.Outcome)
	}
	if _, ok := state.Idempotency["m1"]; ok {
		t.Fatal("skipped action must not record its key")
	}
}

func TestTriageSelection(t *testing.T) {
	s, _, _ := testScheduler(t, &stubRunner{}, nil)
	cfg := enabledConfig()
	cfg.TopKWorkers = 2
	cfg.MinWakeScore = 2

	idle := workerSig("agent_idle")
	idle.DueTasks = 0
	low := workerSig("agent_low")
	low.DueTasks = 1 // score 1, below floor
	hot := workerSig("agent_hot")
	hot.StuckJobs = 2 // score 6
	warm := workerSig("agent_warm")
	warm.OverdueTasks = 1 // score 2
	mid := workerSig("agent_mid")
	mid.OverdueTasks = 2 // score 4
	suppressed := workerSig("agent_suppressed")
	suppressed.StuckJobs = 3
	repeat := workerSig("agent_repeat")
	repeat.StuckJobs = 3

	state := &State{Workers: map[string]*WorkerState{
		"agent_suppressed": {SuppressedUntil: tickTime.Add(time.Hour).Format(time.RFC3339)},
		"agent_repeat":     {LastContextHash: repeat.ContextHash()},
	}}

	woken := s.triage(cfg, state, []WorkerSignals{idle, low, hot, warm, mid, suppressed, repeat}, tickTime)
	if len(woken) != 2 || woken[0].AgentID != "agent_hot" || woken[1].AgentID != "agent_mid" {
		ids := make([]string, len(woken))
		for i, w := range woken {
			ids[i] = w.AgentID
		}
		t.Fatalf("woken %v", ids)
	}
}

func TestStatePrune(t *testing.T) {
	state := &State{
		Idempotency: map[string]IdempotencyEntry{
			"fresh":   {Status: "executed", ExpiresAt: tickTime.Add(time.Hour).Format(time.RFC3339)},
			"expired": {Status: "executed", ExpiresAt: tickTime.Add(-time.Hour).Format(time.RFC3339)},
			"mangled": {Status: "executed", ExpiresAt: "not a time"},
		},
		HourCounter: map[string]int{
			hourBucket(tickTime):                      2,
			hourBucket(tickTime.Add(-50 * time.Hour)): 9,
		},
	}
	state.prune(tickTime)
	if _, ok := state.Idempotency["fresh"]; !ok {
		t.Fatal("fresh entry pruned")
	}
	if len(state.Idempotency) != 1 {
		t.Fatalf("idempotency %+v", state.Idempotency)
	}
	if len(state.HourCounter) != 1 {
		t.Fatalf("hour counters %+v", state.HourCounter)
	}
}

func TestDryRunWritesNoState(t *testing.T) {
	runner := &stubRunner{reports: map[string]*domain.HeartbeatReport{
		"agent_w1": {Status: "actions", Actions: []domain.HeartbeatAction{
			{Kind: domain.ActionAddComment, IdempotencyKey: "d1", Risk: "low", Comment: "dry"},
		}},
	}}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	cfg := enabledConfig()
	cfg.DryRun = true
	writeConfig(t, st, ws, cfg)

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Actions) != 1 || sum.Actions[0].Outcome != "executed" {
		t.Fatalf("actions %+v", sum.Actions)
	}
	if _, err := os.Stat(domain.HeartbeatStatePath(ws)); !os.IsNotExist(err) {
		t.Fatal("dry run must not persist state")
	}
	comments, _ := os.ReadDir(domain.InboxCommentsDir(ws))
	if len(comments) != 0 {
		t.Fatal("dry run must not write comments")
	}
}

func TestLaunchJobAutoExecution(t *testing.T) {
	runner := &stubRunner{reports: map[string]*domain.HeartbeatReport{
		"agent_w1": {Status: "actions", Actions: []domain.HeartbeatAction{
			{Kind: domain.ActionLaunchJob, IdempotencyKey: "l1", Risk: "low", Goal: "follow up", TargetAgentID: "agent_w2"},
		}},
	}}
	s, st, ws := testScheduler(t, runner, []WorkerSignals{workerSig("agent_w1")})
	writeConfig(t, st, ws, enabledConfig())
	w2 := domain.Agent{ID: "agent_w2", Role: domain.RoleWorker, TeamID: "team_a", Provider: "claude"}
	if err := st.WriteYAML(context.Background(), domain.AgentYAMLPath(ws, "agent_w2"), &w2, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Tick(context.Background(), ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Actions) != 1 || sum.Actions[0].Outcome != "executed" {
		t.Fatalf("actions %+v", sum.Actions)
	}
	if len(runner.submitted) != 1 {
		t.Fatalf("submitted %d jobs", len(runner.submitted))
	}
	job := runner.submitted[0]
	if job.WorkerAgentID != "agent_w2" || job.Provider != "claude" || job.Kind != domain.JobExecution {
		t.Fatalf("job %+v", job)
	}
}

func TestDirectorActorWhenAllowed(t *testing.T) {
	s, _, ws := testScheduler(t, &stubRunner{}, nil)
	cfg := enabledConfig()
	cfg.AllowDirectorToSpawnWorkers = true
	sig := workerSig("agent_dir")
	sig.Role = domain.RoleDirector

	actor := s.autoActor(cfg, ws, sig)
	if actor.ID != "agent_dir" || actor.Role != domain.RoleDirector {
		t.Fatalf("actor %+v", actor)
	}

	cfg.AllowDirectorToSpawnWorkers = false
	cfg.ExecutiveManagerAgentID = "agent_exec"
	actor = s.autoActor(cfg, ws, sig)
	if actor.ID != "agent_exec" || actor.Role != domain.RoleManager {
		t.Fatalf("actor %+v", actor)
	}
}

func TestFileSignalsScansWorkspace(t *testing.T) {
	logger := log.New(os.Stderr, "[test] ", 0)
	st := store.New(logger)
	ws := t.TempDir()
	ctx := context.Background()
	now := tickTime

	agent := domain.Agent{ID: "agent_w1", Role: domain.RoleWorker, TeamID: "team_a", Provider: "codex"}
	if err := st.WriteYAML(ctx, domain.AgentYAMLPath(ws, "agent_w1"), &agent, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	mgr := domain.Agent{ID: "agent_m", Role: domain.RoleManager}
	if err := st.WriteYAML(ctx, domain.AgentYAMLPath(ws, "agent_m"), &mgr, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	overdue := domain.Task{ID: "task_1", ProjectID: "proj_a", Title: "late", Status: "open",
		AssigneeAgentID: "agent_w1", DueAt: now.Add(-time.Hour).Format(time.RFC3339)}
	soon := domain.Task{ID: "task_2", ProjectID: "proj_a", Title: "soon", Status: "open",
		AssigneeAgentID: "agent_w1", DueAt: now.Add(2 * time.Hour).Format(time.RFC3339)}
	done := domain.Task{ID: "task_3", ProjectID: "proj_a", Title: "done", Status: "done",
		AssigneeAgentID: "agent_w1", DueAt: now.Add(-time.Hour).Format(time.RFC3339)}
	for _, task := range []domain.Task{overdue, soon, done} {
		if err := st.WriteYAML(ctx, domain.TaskPath(ws, "proj_a", task.ID), &task, store.WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	stuck := domain.Run{ID: "run_old", ProjectID: "proj_a", AgentID: "agent_w1",
		Status: domain.RunRunning, StartedAt: now.Add(-time.Hour).Format(time.RFC3339Nano)}
	if err := st.WriteYAML(ctx, domain.RunYAMLPath(ws, "proj_a", "run_old"), &stuck, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	fresh := domain.Run{ID: "run_new", ProjectID: "proj_a", AgentID: "agent_w1",
		Status: domain.RunRunning, StartedAt: now.Add(-time.Minute).Format(time.RFC3339Nano)}
	if err := st.WriteYAML(ctx, domain.RunYAMLPath(ws, "proj_a", "run_new"), &fresh, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	comment := domain.Comment{ID: "cmt_1", ProjectID: "proj_a", AuthorID: "agent_m",
		Body: "ping", CreatedAt: now.Add(-time.Minute).Format(time.RFC3339)}
	if err := st.WriteYAML(ctx, domain.CommentPath(ws, comment.ID), &comment, store.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	src := NewFileSignals(st, func() time.Time { return now })
	sigs, err := src.CandidateWorkers(ctx, ws, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 {
		t.Fatalf("candidates %+v", sigs)
	}
	got := sigs[0]
	if got.AgentID != "agent_w1" || got.ProjectID != "proj_a" {
		t.Fatalf("signals %+v", got)
	}
	if got.OverdueTasks != 1 || got.DueTasks != 1 || got.StuckJobs != 1 || got.NewSignals != 1 {
		t.Fatalf("counts %+v", got)
	}
}

func TestObserveWorkspaceStops(t *testing.T) {
	s, st, ws := testScheduler(t, &stubRunner{}, nil)
	cfg := DefaultConfig()
	cfg.TickIntervalMinutes = 60
	writeConfig(t, st, ws, cfg)

	s.ObserveWorkspace(ws)
	s.ObserveWorkspace(ws) // idempotent
	s.StopObserving(ws)
	s.Close()

	if _, err := os.Stat(filepath.Join(ws, ".local", "heartbeat", "state.yaml")); !os.IsNotExist(err) {
		t.Fatal("no tick should have fired yet")
	}
}

func TestRunHeartbeatJobLaneCodes(t *testing.T) {
	t.Setenv("AC_LAUNCH_PROVIDER_LIMIT", "1")
	logger := log.New(os.Stderr, "[test] ", 0)
	lanes := lane.NewScheduler(logger)
	r := &PipelineRunner{Lanes: lanes, Logger: logger}
	ws := t.TempDir()

	// Saturate the provider slot so heartbeat jobs stay queued.
	admitted := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	lanes.Submit(ws, lane.Submission{Provider: "codex", Run: func() {
		admitted <- struct{}{}
		<-release
	}})
	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker not admitted")
	}

	job := domain.Job{ID: "job_hb", ProjectID: "proj_a", Provider: "codex"}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.RunHeartbeatJob(canceled, ws, job, "HeartbeatWorkerReport"); !domain.HasCode(err, domain.CodeLaneCanceled) {
		t.Fatalf("canceled wait = %v", err)
	}

	expired, expireCancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer expireCancel()
	if _, err := r.RunHeartbeatJob(expired, ws, job, "HeartbeatWorkerReport"); !domain.HasCode(err, domain.CodeLaneTimeout) {
		t.Fatalf("expired wait = %v", err)
	}

	if depth := lanes.ReadStats(ws).QueueDepths["low"]; depth != 0 {
		t.Fatalf("canceled jobs left in queue: %d", depth)
	}
}
