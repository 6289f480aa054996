package eventlog

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/store"
)

func testLog(t *testing.T) (*Log, *Bus) {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	bus := NewBus()
	return New(store.New(logger), bus, logger), bus
}

func appendEvent(t *testing.T, l *Log, path, typ string) *domain.Envelope {
	t.Helper()
	env := &domain.Envelope{
		RunID:      "run_1",
		SessionRef: "local_run_1",
		Actor:      "agent_w",
		Type:       typ,
		Payload:    map[string]any{"k": typ},
	}
	if err := l.Append(context.Background(), path, env); err != nil {
		t.Fatalf("append %s: %v", typ, err)
	}
	return env
}

func TestAppendBuildsHashChain(t *testing.T) {
	l, _ := testLog(t)
	path := filepath.Join(t.TempDir(), "events.jsonl")

	first := appendEvent(t, l, path, "run.started")
	if first.PrevEventHash != nil {
		t.Fatalf("head prev_event_hash should be null, got %v", *first.PrevEventHash)
	}
	second := appendEvent(t, l, path, "run.ended")
	if second.PrevEventHash == nil || *second.PrevEventHash != first.EventHash {
		t.Fatal("second prev_event_hash should equal first event_hash")
	}
	if err := VerifyFile(path); err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
}

func TestChainSurvivesRestart(t *testing.T) {
	l, _ := testLog(t)
	path := filepath.Join(t.TempDir(), "events.jsonl")
	appendEvent(t, l, path, "run.started")

	// Simulate restart: drop the cache, then append again.
	l.ResetForTest()
	appendEvent(t, l, path, "run.ended")

	if err := VerifyFile(path); err != nil {
		t.Fatalf("chain broken after restart: %v", err)
	}
	envs, _, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envs))
	}
}

func TestMalformedTailIsSkipped(t *testing.T) {
	l, _ := testLog(t)
	path := filepath.Join(t.TempDir(), "events.jsonl")
	first := appendEvent(t, l, path, "run.started")

	// A torn write at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"schema_version":1,"event_id":"evt_torn`)
	f.Close()

	l.ResetForTest()
	second := appendEvent(t, l, path, "run.ended")
	if second.PrevEventHash == nil || *second.PrevEventHash != first.EventHash {
		t.Fatal("append after torn tail should chain to last well-formed line")
	}

	envs, malformed, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if malformed != 1 {
		t.Fatalf("expected 1 malformed line, got %d", malformed)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 well-formed envelopes, got %d", len(envs))
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	l, _ := testLog(t)
	path := filepath.Join(t.TempDir(), "events.jsonl")
	env := &domain.Envelope{SessionRef: "local_run_9", Type: "run.started"}
	if err := l.Append(context.Background(), path, env); err != nil {
		t.Fatal(err)
	}
	if env.SchemaVersion != domain.EnvelopeSchemaVersion {
		t.Fatalf("schema_version not defaulted: %d", env.SchemaVersion)
	}
	if env.EventID == "" || !strings.HasPrefix(env.EventID, "evt_") {
		t.Fatalf("event_id not defaulted: %q", env.EventID)
	}
	if env.CorrelationID != "local_run_9" {
		t.Fatalf("correlation_id should default to session_ref, got %q", env.CorrelationID)
	}
	if env.Visibility != domain.VisibilityOrg {
		t.Fatalf("visibility not defaulted: %q", env.Visibility)
	}
	if env.TSWallclock == "" {
		t.Fatal("ts_wallclock not set")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, _ := testLog(t)
	path := filepath.Join(t.TempDir(), "events.jsonl")
	appendEvent(t, l, path, "run.started")
	appendEvent(t, l, path, "run.ended")

	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), "run.started", "run.stopped", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := VerifyFile(path); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestBusReceivesAppends(t *testing.T) {
	l, bus := testLog(t)
	path := filepath.Join(t.TempDir(), "events.jsonl")

	ch, cancel := bus.Subscribe()
	defer cancel()

	appendEvent(t, l, path, "run.started")
	select {
	case env := <-ch:
		if env.Type != "run.started" {
			t.Fatalf("unexpected event type %q", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on bus")
	}
}

func TestEnsureRunFiles(t *testing.T) {
	l, _ := testLog(t)
	runDir := filepath.Join(t.TempDir(), "run_1")
	if err := l.EnsureRunFiles(runDir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "events.jsonl")); err != nil {
		t.Fatalf("events.jsonl not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "outputs")); err != nil {
		t.Fatalf("outputs dir not created: %v", err)
	}
	// Idempotent.
	if err := l.EnsureRunFiles(runDir); err != nil {
		t.Fatalf("second EnsureRunFiles: %v", err)
	}
}

func TestObserverRedeliversExternalAppends(t *testing.T) {
	logger := log.New(os.Stderr, "[test] ", 0)
	bus := NewBus()
	l := New(store.New(logger), bus, logger)
	path := filepath.Join(t.TempDir(), "events.jsonl")
	appendEvent(t, l, path, "run.started")

	obs := NewObserver(bus, logger)
	if err := obs.Watch(path); err != nil {
		t.Fatal(err)
	}

	ch, cancel := bus.Subscribe()
	defer cancel()

	// An append from "another process": a second Log instance writing the
	// same file (the observer does not know about it).
	l2 := New(store.New(logger), NewBus(), logger)
	appendEvent(t, l2, path, "run.ended")

	obs.CheckOnce()
	select {
	case env := <-ch:
		if env.Type != "run.ended" {
			t.Fatalf("unexpected redelivered type %q", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("observer did not redeliver external append")
	}
}
