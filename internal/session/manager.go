// Package session owns the OS subprocess lifecycle behind every run:
// spawning detached workers, polling, stopping, and reconciling records
// that survived a control-plane restart.
package session

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/store"
	"github.com/agentcompany/agentcompany/internal/subscription"
)

const (
	defaultGraceTimeout = 5 * time.Second
	// pidReuseWindow bounds how long a persisted pid is trusted for
	// signaling a detached child we no longer own.
	defaultPIDReuseWindow = 30 * time.Minute
)

// Option configures a Manager.
type Option func(*Manager)

// WithGraceTimeout sets how long Stop waits between SIGTERM and SIGKILL.
func WithGraceTimeout(d time.Duration) Option {
	return func(m *Manager) { m.graceTimeout = d }
}

// WithPIDReuseWindow sets how long a persisted pid stays trustworthy.
func WithPIDReuseWindow(d time.Duration) Option {
	return func(m *Manager) { m.pidReuseWindow = d }
}

// liveSession is an in-memory handle on a child we spawned ourselves.
type liveSession struct {
	workspace string
	projectID string
	pid       int
	done      chan struct{}
	stopping  bool // set before signaling so the waiter records the stop
	// stopStatus and stopError override the waiter's terminal status when
	// stopping is set (stopped on a user stop, failed on a timeout abort).
	stopStatus string
	stopError  string
}

// Manager launches and tracks worker subprocesses. One Manager serves
// many workspaces; session refs are globally unique.
type Manager struct {
	store  *store.Store
	events *eventlog.Log
	engine *policy.Engine
	budget *policy.BudgetGate
	guard  *subscription.Guard
	logger *log.Logger

	graceTimeout   time.Duration
	pidReuseWindow time.Duration

	mu   sync.Mutex
	live map[string]*liveSession // session_ref -> handle
}

// New returns a Manager. guard may be nil when no subscription check is
// wanted (tests, trusted argv).
func New(st *store.Store, events *eventlog.Log, engine *policy.Engine, budget *policy.BudgetGate, guard *subscription.Guard, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:          st,
		events:         events,
		engine:         engine,
		budget:         budget,
		guard:          guard,
		logger:         logger,
		graceTimeout:   defaultGraceTimeout,
		pidReuseWindow: defaultPIDReuseWindow,
		live:           make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Status is the non-suspending view returned by Poll.
type Status struct {
	SessionRef string
	Status     string
	ExitCode   *int
	Signal     string
	Error      string
}

// Poll returns the session's current status without blocking. When the
// in-memory table is cold it reconciles against the persisted record: a
// non-terminal record whose pid is dead is promoted to failed.
func (m *Manager) Poll(ctx context.Context, workspace, sessionRef string) (Status, error) {
	m.mu.Lock()
	_, isLive := m.live[sessionRef]
	m.mu.Unlock()

	rec, err := m.readRecord(workspace, sessionRef)
	if err != nil {
		return Status{}, err
	}
	if rec.TerminalStatus() {
		return statusOf(rec), nil
	}
	if isLive {
		return statusOf(rec), nil
	}
	// Cold table, non-terminal record: only a live pid keeps it running.
	if rec.PID > 0 && store.PIDAlive(rec.PID) {
		return statusOf(rec), nil
	}
	rec, err = m.finalize(ctx, workspace, sessionRef, string(domain.RunFailed), nil, "", "orphaned detached session")
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// Stop terminates the session: SIGTERM to the process group, a grace
// period, then SIGKILL. For a detached session we no longer own, the
// persisted pid is signaled only while the pid-reuse window is open.
func (m *Manager) Stop(ctx context.Context, workspace, sessionRef string) (Status, error) {
	return m.stopWith(ctx, workspace, sessionRef, string(domain.RunStopped), "")
}

// Abort is Stop finalizing as failed, used when an attempt times out.
func (m *Manager) Abort(ctx context.Context, workspace, sessionRef, errMsg string) (Status, error) {
	return m.stopWith(ctx, workspace, sessionRef, string(domain.RunFailed), errMsg)
}

func (m *Manager) stopWith(ctx context.Context, workspace, sessionRef, status, errMsg string) (Status, error) {
	rec, err := m.readRecord(workspace, sessionRef)
	if err != nil {
		return Status{}, err
	}
	if rec.TerminalStatus() {
		return statusOf(rec), nil
	}

	m.mu.Lock()
	ls := m.live[sessionRef]
	if ls != nil {
		ls.stopping = true
		ls.stopStatus = status
		ls.stopError = errMsg
	}
	m.mu.Unlock()

	if ls != nil {
		m.terminateGroup(ls.pid, ls.done)
		// The wait goroutine records the exit; give it a moment, then
		// force the terminal status if it has not landed yet.
		select {
		case <-ls.done:
		case <-time.After(m.graceTimeout + 2*time.Second):
		case <-ctx.Done():
		}
		rec, err = m.finalize(ctx, workspace, sessionRef, status, nil, "SIGTERM", errMsg)
		if err != nil {
			return Status{}, err
		}
		return statusOf(rec), nil
	}

	// Detached child from a previous control-plane life.
	if rec.PID <= 0 {
		rec, err = m.finalize(ctx, workspace, sessionRef, status, nil, "", errMsg)
		if err != nil {
			return Status{}, err
		}
		return statusOf(rec), nil
	}
	if nowMS()-rec.PIDClaimedAtMS >= m.pidReuseWindow.Milliseconds() {
		st := statusOf(rec)
		st.Error = "pid may have been reused"
		return st, domain.Ef(domain.CodePIDPossiblyRecycled, "session.stop",
			"pid %d claimed too long ago to signal safely", rec.PID)
	}
	m.terminateGroup(rec.PID, nil)
	rec, err = m.finalize(ctx, workspace, sessionRef, status, nil, "SIGTERM", errMsg)
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// terminateGroup sends SIGTERM to the process group, waits out the grace
// period, then SIGKILLs whatever is left.
func (m *Manager) terminateGroup(pid int, done chan struct{}) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.After(m.graceTimeout)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			return
		case <-time.After(50 * time.Millisecond):
			if !store.PIDAlive(pid) {
				return
			}
		}
	}
}

// Wait blocks until the session reaches a terminal status or ctx ends.
func (m *Manager) Wait(ctx context.Context, workspace, sessionRef string) (domain.SessionRecord, error) {
	m.mu.Lock()
	ls := m.live[sessionRef]
	m.mu.Unlock()
	if ls != nil {
		select {
		case <-ls.done:
		case <-ctx.Done():
			return domain.SessionRecord{}, ctx.Err()
		}
	}
	// Either we owned it and it exited, or it is a detached record:
	// poll until the record turns terminal.
	for {
		rec, err := m.readRecord(workspace, sessionRef)
		if err != nil {
			return domain.SessionRecord{}, err
		}
		if rec.TerminalStatus() {
			return rec, nil
		}
		if _, err := m.Poll(ctx, workspace, sessionRef); err != nil {
			return domain.SessionRecord{}, err
		}
		select {
		case <-ctx.Done():
			return domain.SessionRecord{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Collection is what Collect returns: where the outputs landed and how
// the session ended.
type Collection struct {
	SessionRef     string
	Status         string
	ExitCode       *int
	Error          string
	OutputRelpaths []string
}

// Collect returns the session's output file relpaths and final status.
func (m *Manager) Collect(workspace, sessionRef string) (Collection, error) {
	rec, err := m.readRecord(workspace, sessionRef)
	if err != nil {
		return Collection{}, err
	}
	return Collection{
		SessionRef:     rec.SessionRef,
		Status:         rec.Status,
		ExitCode:       rec.ExitCode,
		Error:          rec.Error,
		OutputRelpaths: rec.OutputRelpaths,
	}, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status    string
	RunID     string
	ProjectID string
}

// List merges the in-memory table with the persisted session directory,
// deduplicated by session ref.
func (m *Manager) List(workspace string, f ListFilter) ([]domain.SessionRecord, error) {
	seen := make(map[string]domain.SessionRecord)

	entries, err := os.ReadDir(domain.SessionsDir(workspace))
	if err != nil && !os.IsNotExist(err) {
		return nil, domain.E(domain.CodeIOError, "session.list", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		var rec domain.SessionRecord
		if err := m.store.ReadYAML(filepath.Join(domain.SessionsDir(workspace), e.Name()), &rec); err != nil {
			m.logger.Printf("session: skip unreadable record %s: %v", e.Name(), err)
			continue
		}
		seen[rec.SessionRef] = rec
	}

	m.mu.Lock()
	for ref, ls := range m.live {
		if ls.workspace != workspace {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		if rec, err := m.readRecord(workspace, ref); err == nil {
			seen[ref] = rec
		}
	}
	m.mu.Unlock()

	var out []domain.SessionRecord
	for _, rec := range seen {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.RunID != "" && rec.RunID != f.RunID {
			continue
		}
		if f.ProjectID != "" && rec.ProjectID != f.ProjectID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Manager) readRecord(workspace, sessionRef string) (domain.SessionRecord, error) {
	var rec domain.SessionRecord
	path := domain.SessionRecordPath(workspace, sessionRef)
	if err := m.store.ReadYAML(path, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// finalize writes the terminal status exactly once; a record that is
// already terminal is returned unchanged. It also updates run.yaml and
// emits the matching lifecycle event.
func (m *Manager) finalize(ctx context.Context, workspace, sessionRef, status string, exitCode *int, signal, errMsg string) (domain.SessionRecord, error) {
	rec, err := m.readRecord(workspace, sessionRef)
	if err != nil {
		return rec, err
	}
	if rec.TerminalStatus() {
		return rec, nil
	}
	rec.Status = status
	rec.EndedAtMS = nowMS()
	rec.ExitCode = exitCode
	rec.Signal = signal
	if errMsg != "" {
		rec.Error = errMsg
	}
	if err := m.store.WriteYAML(ctx, domain.SessionRecordPath(workspace, sessionRef), &rec, store.WriteOptions{WorkspaceLock: true}); err != nil {
		return rec, err
	}
	m.updateRunYAML(ctx, workspace, rec.ProjectID, rec.RunID, domain.RunStatus(status), exitCode, errMsg)
	m.emitLifecycle(ctx, workspace, rec, status, errMsg)

	m.mu.Lock()
	delete(m.live, sessionRef)
	m.mu.Unlock()
	return rec, nil
}

// updateRunYAML applies a terminal status to run.yaml, once.
func (m *Manager) updateRunYAML(ctx context.Context, workspace, projectID, runID string, status domain.RunStatus, exitCode *int, errMsg string) {
	path := domain.RunYAMLPath(workspace, projectID, runID)
	var run domain.Run
	if err := m.store.ReadYAML(path, &run); err != nil {
		m.logger.Printf("session: read run.yaml for %s: %v", runID, err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	run.Status = status
	run.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
	run.ExitCode = exitCode
	if errMsg != "" {
		run.Error = errMsg
	}
	if err := m.store.WriteYAML(ctx, path, &run, store.WriteOptions{WorkspaceLock: true}); err != nil {
		m.logger.Printf("session: write run.yaml for %s: %v", runID, err)
	}
}

func (m *Manager) emitLifecycle(ctx context.Context, workspace string, rec domain.SessionRecord, status, errMsg string) {
	var typ string
	switch domain.RunStatus(status) {
	case domain.RunEnded:
		typ = domain.EventRunEnded
	case domain.RunFailed:
		typ = domain.EventRunFailed
	case domain.RunStopped:
		typ = domain.EventRunStopped
	default:
		return
	}
	payload := map[string]any{}
	if rec.ExitCode != nil {
		payload["exit_code"] = *rec.ExitCode
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	env := &domain.Envelope{
		RunID:      rec.RunID,
		SessionRef: rec.SessionRef,
		Type:       typ,
		Payload:    payload,
	}
	eventsPath := domain.EventsPath(workspace, rec.ProjectID, rec.RunID)
	if err := m.events.Append(ctx, eventsPath, env); err != nil {
		m.logger.Printf("session: emit %s failed: %v", typ, err)
	}
}

func statusOf(rec domain.SessionRecord) Status {
	return Status{
		SessionRef: rec.SessionRef,
		Status:     rec.Status,
		ExitCode:   rec.ExitCode,
		Signal:     rec.Signal,
		Error:      rec.Error,
	}
}
