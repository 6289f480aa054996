package index

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
)

func newDB(t *testing.T) (*DB, string) {
	t.Helper()
	ws := t.TempDir()
	logger := log.New(os.Stderr, "test: ", 0)
	db, err := OpenWorkspace(ws, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, ws
}

func writeRun(t *testing.T, ws string, run domain.Run) {
	t.Helper()
	path := domain.RunYAMLPath(ws, run.ProjectID, run.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := yaml.Marshal(run)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func writeEvents(t *testing.T, ws, projectID, runID string, lines ...string) {
	t.Helper()
	path := domain.EventsPath(ws, projectID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func eventLine(eventType, ts string) string {
	return fmt.Sprintf(`{"schema_version":1,"event_id":"evt_x","ts_wallclock":%q,"ts_monotonic_ms":1,"visibility":"org","type":%q,"prev_event_hash":null,"event_hash":"deadbeef"}`, ts, eventType)
}

func writeArtifactFile(t *testing.T, ws, projectID, id, content string) {
	t.Helper()
	path := domain.ArtifactPath(ws, projectID, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func writeReviewFile(t *testing.T, ws, artifactID string, decisions []domain.ReviewDecision) {
	t.Helper()
	path := domain.ReviewPath(ws, artifactID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := yaml.Marshal(decisions)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRebuildProjectsRunsWithEventCounts(t *testing.T) {
	db, ws := newDB(t)
	exit := 0
	writeRun(t, ws, domain.Run{
		ID:        "run_1",
		ProjectID: "proj_a",
		AgentID:   "agent_w1",
		Provider:  "codex",
		Status:    domain.RunEnded,
		JobID:     "job_1",
		StartedAt: "2026-08-26T10:00:00Z",
		EndedAt:   "2026-08-26T10:05:00Z",
		ExitCode:  &exit,
		Usage: &domain.Usage{
			Source: "estimated_chars", Confidence: "low", Tokens: 420, CostUSD: 0.02,
		},
		ContextCyclesCount: 1,
	})
	writeEvents(t, ws, "proj_a", "run_1",
		eventLine("run.started", "2026-08-26T10:00:00Z"),
		eventLine("policy.denied", "2026-08-26T10:01:00Z"),
		eventLine("budget.alert", "2026-08-26T10:02:00Z"),
		eventLine("budget.decision", "2026-08-26T10:02:30Z"),
		"{not json",
		eventLine("run.ended", "2026-08-26T10:05:00Z"),
	)

	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rows, err := db.Runs("proj_a")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Status != "ended" || r.AgentID != "agent_w1" || r.JobID != "job_1" {
		t.Fatalf("unexpected row: %+v", r)
	}
	if r.ExitCode == nil || *r.ExitCode != 0 {
		t.Fatalf("exit code = %v", r.ExitCode)
	}
	if r.UsageTokens != 420 || r.UsageSource != "estimated_chars" {
		t.Fatalf("usage = %d %s", r.UsageTokens, r.UsageSource)
	}
	if r.EventCount != 5 || r.PolicyDeniedCount != 1 || r.BudgetEventCount != 2 {
		t.Fatalf("counts = %d/%d/%d", r.EventCount, r.PolicyDeniedCount, r.BudgetEventCount)
	}
	if r.MalformedEventCount != 1 {
		t.Fatalf("malformed = %d", r.MalformedEventCount)
	}
	if r.LastEventType != "run.ended" || r.LastEventAt != "2026-08-26T10:05:00Z" {
		t.Fatalf("last event = %s at %s", r.LastEventType, r.LastEventAt)
	}
}

func TestRebuildReplacesStaleRows(t *testing.T) {
	db, ws := newDB(t)
	writeRun(t, ws, domain.Run{ID: "run_old", ProjectID: "proj_a", Status: domain.RunRunning})
	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if err := os.RemoveAll(domain.RunDir(ws, "proj_a", "run_old")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeRun(t, ws, domain.Run{ID: "run_new", ProjectID: "proj_a", Status: domain.RunEnded})
	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rows, err := db.Runs("")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "run_new" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestRebuildArtifactsAndParseErrors(t *testing.T) {
	db, ws := newDB(t)
	writeArtifactFile(t, ws, "proj_a", "art_ok", `---
id: art_ok
type: manager_digest
title: Weekly digest
visibility: managers
produced_by: agent_m1
created_at: "2026-08-25T09:00:00Z"
score: 2.5
---

Body text.
`)
	writeArtifactFile(t, ws, "proj_a", "art_bad", "no front matter here\n")

	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rows, err := db.Artifacts("proj_a")
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	byID := make(map[string]ArtifactRow)
	for _, a := range rows {
		byID[a.ID] = a
	}
	ok := byID["art_ok"]
	if ok.ParseError || ok.Type != "manager_digest" || ok.Score != 2.5 {
		t.Fatalf("art_ok = %+v", ok)
	}
	bad := byID["art_bad"]
	if !bad.ParseError || bad.ProjectID != "proj_a" {
		t.Fatalf("art_bad = %+v", bad)
	}
}

func TestReviewsLatestDecisionWins(t *testing.T) {
	db, ws := newDB(t)
	writeReviewFile(t, ws, "art_1", []domain.ReviewDecision{
		{ArtifactID: "art_1", Decision: "approved", ReviewerID: "agent_m1", DecidedAt: "2026-08-24T09:00:00Z"},
		{ArtifactID: "art_1", Decision: "rejected", ReviewerID: "agent_m1", DecidedAt: "2026-08-25T09:00:00Z"},
	})
	mangled := domain.ReviewPath(ws, "art_2")
	if err := os.MkdirAll(filepath.Dir(mangled), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(mangled, []byte(":\tnot yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	reviews, err := db.Reviews()
	if err != nil {
		t.Fatalf("reviews: %v", err)
	}
	rv, ok := reviews["art_1"]
	if !ok || rv.Decision != "rejected" || rv.DecisionCount != 2 {
		t.Fatalf("art_1 review = %+v", rv)
	}
	if rv2, ok := reviews["art_2"]; !ok || !rv2.ParseError {
		t.Fatalf("art_2 review = %+v ok=%v", rv2, ok)
	}
}

func TestCountersByAgent(t *testing.T) {
	db, ws := newDB(t)
	writeRun(t, ws, domain.Run{ID: "run_1", ProjectID: "proj_a", AgentID: "agent_w1", Status: domain.RunEnded, StartedAt: "2026-08-26T09:00:00Z"})
	writeRun(t, ws, domain.Run{ID: "run_2", ProjectID: "proj_a", AgentID: "agent_w1", Status: domain.RunRunning, StartedAt: "2026-08-26T10:00:00Z"})
	writeRun(t, ws, domain.Run{ID: "run_3", ProjectID: "proj_b", AgentID: "agent_w2", Status: domain.RunFailed, StartedAt: "2026-08-26T08:00:00Z"})
	writeArtifactFile(t, ws, "proj_a", "art_1", `---
id: art_1
type: memory_delta
title: Note
visibility: team
produced_by: agent_w1
---

x
`)
	writeArtifactFile(t, ws, "proj_b", "art_2", `---
id: art_2
type: failure_report
title: Report
visibility: managers
produced_by: agent_w3
---

x
`)

	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	counters, err := db.CountersByAgent()
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if len(counters) != 3 {
		t.Fatalf("counters = %+v", counters)
	}
	if c := counters[0]; c.AgentID != "agent_w1" || c.RunsTotal != 2 || c.RunsRunning != 1 || c.Artifacts != 1 || c.LastStartedAt != "2026-08-26T10:00:00Z" {
		t.Fatalf("agent_w1 = %+v", c)
	}
	if c := counters[1]; c.AgentID != "agent_w2" || c.RunsFailed != 1 || c.Artifacts != 0 {
		t.Fatalf("agent_w2 = %+v", c)
	}
	if c := counters[2]; c.AgentID != "agent_w3" || c.RunsTotal != 0 || c.Artifacts != 1 {
		t.Fatalf("agent_w3 = %+v", c)
	}
}

func TestRebuiltAt(t *testing.T) {
	db, ws := newDB(t)
	at, err := db.RebuiltAt()
	if err != nil {
		t.Fatalf("rebuilt_at: %v", err)
	}
	if !at.IsZero() {
		t.Fatalf("rebuilt_at before rebuild = %v", at)
	}
	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	at, err = db.RebuiltAt()
	if err != nil {
		t.Fatalf("rebuilt_at: %v", err)
	}
	if at.IsZero() {
		t.Fatal("rebuilt_at not set after rebuild")
	}
}

func TestRunLookup(t *testing.T) {
	db, ws := newDB(t)
	writeRun(t, ws, domain.Run{ID: "run_1", ProjectID: "proj_a", Status: domain.RunStopped})
	if err := db.Rebuild(ws); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	r, ok, err := db.Run("run_1")
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}
	if r.Status != "stopped" {
		t.Fatalf("status = %s", r.Status)
	}
	if _, ok, err := db.Run("run_missing"); err != nil || ok {
		t.Fatalf("missing run: ok=%v err=%v", ok, err)
	}
}
