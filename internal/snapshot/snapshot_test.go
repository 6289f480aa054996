package snapshot

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/session"
	"github.com/agentcompany/agentcompany/internal/store"
)

func newBuilder(t *testing.T, opts ...Option) (*Builder, string) {
	t.Helper()
	ws := t.TempDir()
	logger := log.New(os.Stderr, "[test] ", 0)
	st := store.New(logger)
	el := eventlog.New(st, eventlog.NewBus(), logger)
	budget := policy.NewBudgetGate(st, el, logger)
	sessions := session.New(st, el, policy.NewEngine(), budget, nil, logger)
	b := New(sessions, logger, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, ws
}

func writeYAML(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func writeRun(t *testing.T, ws string, run domain.Run) {
	t.Helper()
	writeYAML(t, domain.RunYAMLPath(ws, run.ProjectID, run.ID), run)
}

func writeSession(t *testing.T, ws string, rec domain.SessionRecord) {
	t.Helper()
	writeYAML(t, domain.SessionRecordPath(ws, rec.SessionRef), rec)
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

func TestRunsMergeLiveSessionStatus(t *testing.T) {
	b, ws := newBuilder(t)
	writeRun(t, ws, domain.Run{ID: "run_1", ProjectID: "proj_a", AgentID: "agent_w1", Status: domain.RunRunning, StartedAt: "2026-08-26T10:00:00Z"})
	writeRun(t, ws, domain.Run{ID: "run_2", ProjectID: "proj_a", Status: domain.RunEnded, StartedAt: "2026-08-26T09:00:00Z"})
	writeSession(t, ws, domain.SessionRecord{
		SessionRef: "local_run_1", RunID: "run_1", ProjectID: "proj_a",
		Status: "running", StartedAtMS: 1000,
	})

	views, err := b.Runs(ws, "proj_a")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("views = %d, want 2", len(views))
	}
	if views[0].ID != "run_1" {
		t.Fatalf("order: first = %s", views[0].ID)
	}
	if views[0].SessionRef != "local_run_1" || views[0].LiveStatus != "running" {
		t.Fatalf("run_1 live = %q/%q", views[0].SessionRef, views[0].LiveStatus)
	}
	if views[1].SessionRef != "" || views[1].LiveStatus != "" {
		t.Fatalf("run_2 should have no live state: %+v", views[1])
	}
}

func TestRunLookup(t *testing.T) {
	b, ws := newBuilder(t)
	writeRun(t, ws, domain.Run{ID: "run_1", ProjectID: "proj_a", Status: domain.RunFailed, Error: "worker exploded"})

	v, ok, err := b.Run(ws, "run_1")
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}
	if v.Status != "failed" || v.Error != "worker exploded" {
		t.Fatalf("view = %+v", v)
	}
	if _, ok, err := b.Run(ws, "run_missing"); err != nil || ok {
		t.Fatalf("missing: ok=%v err=%v", ok, err)
	}
}

func TestReviewInbox(t *testing.T) {
	b, ws := newBuilder(t)
	writeArtifactFile(t, ws, "proj_a", "art_approved", `---
id: art_approved
type: memory_delta
title: Approved delta
visibility: team
produced_by: agent_w1
created_at: "2026-08-25T09:00:00Z"
---

x
`)
	writeArtifactFile(t, ws, "proj_a", "art_pending", `---
id: art_pending
type: memory_delta
title: Pending delta
visibility: team
produced_by: agent_w2
created_at: "2026-08-25T10:00:00Z"
---

x
`)
	writeArtifactFile(t, ws, "proj_a", "art_broken", "not an artifact\n")
	writeYAML(t, domain.ReviewPath(ws, "art_approved"), []domain.ReviewDecision{
		{ArtifactID: "art_approved", Decision: "approved", ReviewerID: "agent_m1", DecidedAt: "2026-08-25T11:00:00Z"},
	})

	inbox, err := b.ReviewInbox(ws)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(inbox.Items))
	}
	byID := make(map[string]InboxItem)
	for _, it := range inbox.Items {
		byID[it.ArtifactID] = it
	}
	if it := byID["art_approved"]; it.Decision != "approved" || it.ReviewerID != "agent_m1" || it.DecisionCount != 1 {
		t.Fatalf("art_approved = %+v", it)
	}
	if it := byID["art_pending"]; it.Decision != "pending" {
		t.Fatalf("art_pending = %+v", it)
	}
	if it := byID["art_broken"]; !it.ParseError {
		t.Fatalf("art_broken = %+v", it)
	}
	if inbox.PendingCount != 1 {
		t.Fatalf("pending = %d", inbox.PendingCount)
	}
	if inbox.ArtifactParseErrors != 1 || inbox.Status != "degraded" {
		t.Fatalf("parse errors = %d status = %s", inbox.ArtifactParseErrors, inbox.Status)
	}
}

func TestReviewInboxCleanStatus(t *testing.T) {
	b, ws := newBuilder(t)
	writeArtifactFile(t, ws, "proj_a", "art_1", `---
id: art_1
type: manager_digest
title: Digest
visibility: managers
produced_by: agent_m1
---

x
`)
	inbox, err := b.ReviewInbox(ws)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if inbox.Status != "ok" || inbox.PendingCount != 1 {
		t.Fatalf("inbox = %+v", inbox)
	}
}

func TestColleaguesRoster(t *testing.T) {
	b, ws := newBuilder(t)
	writeYAML(t, domain.AgentYAMLPath(ws, "agent_w1"), domain.Agent{
		ID: "agent_w1", Name: "Worker One", Role: domain.RoleWorker, TeamID: "team_a", Provider: "codex",
	})
	writeYAML(t, domain.AgentYAMLPath(ws, "agent_idle"), domain.Agent{
		ID: "agent_idle", Role: domain.RoleWorker, TeamID: "team_a", Provider: "gemini",
	})
	writeRun(t, ws, domain.Run{ID: "run_1", ProjectID: "proj_a", AgentID: "agent_w1", Status: domain.RunRunning, StartedAt: "2026-08-26T10:00:00Z"})
	writeRun(t, ws, domain.Run{ID: "run_2", ProjectID: "proj_a", AgentID: "agent_w1", Status: domain.RunFailed, StartedAt: "2026-08-26T08:00:00Z"})
	writeSession(t, ws, domain.SessionRecord{
		SessionRef: "local_run_1", RunID: "run_1", ProjectID: "proj_a",
		Status: "running", StartedAtMS: 1000,
	})

	cols, err := b.Colleagues(ws)
	if err != nil {
		t.Fatalf("colleagues: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("colleagues = %+v", cols)
	}
	if c := cols[0]; c.AgentID != "agent_idle" || c.RunsTotal != 0 || c.Provider != "gemini" {
		t.Fatalf("agent_idle = %+v", c)
	}
	c := cols[1]
	if c.AgentID != "agent_w1" || c.Name != "Worker One" || c.Role != domain.RoleWorker {
		t.Fatalf("agent_w1 = %+v", c)
	}
	if c.RunsTotal != 2 || c.RunsRunning != 1 || c.RunsFailed != 1 {
		t.Fatalf("agent_w1 counters = %+v", c)
	}
	if c.LiveSessions != 1 {
		t.Fatalf("live sessions = %d", c.LiveSessions)
	}
	if c.LastStartedAt != "2026-08-26T10:00:00Z" {
		t.Fatalf("last started = %s", c.LastStartedAt)
	}
}

func TestMaxStalenessSkipsRebuild(t *testing.T) {
	b, ws := newBuilder(t, WithMaxStaleness(time.Hour))
	writeRun(t, ws, domain.Run{ID: "run_1", ProjectID: "proj_a", Status: domain.RunEnded})

	views, err := b.Runs(ws, "proj_a")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}

	// A fresh projection is served as-is; the new run only shows up
	// once the staleness window has passed or a rebuild is forced.
	writeRun(t, ws, domain.Run{ID: "run_2", ProjectID: "proj_a", Status: domain.RunEnded})
	views, err = b.Runs(ws, "proj_a")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("stale views = %d, want 1", len(views))
	}
}
