package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/store"
	"github.com/agentcompany/agentcompany/internal/subscription"
)

// LaunchSpec describes one worker subprocess to attach to a run.
type LaunchSpec struct {
	Workspace string
	ProjectID string
	RunID     string

	Argv      []string
	Env       map[string]string // merged over the inherited environment
	StdinText string
	// PromptText is delivered on stdin when StdinText is empty; drivers
	// that speak a protocol mode put the prompt here instead of argv.
	PromptText string

	SessionRef string // defaults to local_<run_id>
	Actor      domain.Actor

	// Preflight inputs.
	Provider     string // enables the subscription guard when set
	Binary       string // overrides the provider binary for the guard
	WorkerTeamID string
	TargetTeamID string
	TaskBudget   *domain.Budget
}

// Launch spawns the worker detached from our process group, after the
// policy, budget, and subscription preflight. Any preflight denial marks
// the run failed and never spawns. Returns the session ref.
func (m *Manager) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	ref := spec.SessionRef
	if ref == "" {
		ref = domain.DefaultSessionRef(spec.RunID)
	}
	runDir := domain.RunDir(spec.Workspace, spec.ProjectID, spec.RunID)
	if err := m.events.EnsureRunFiles(runDir); err != nil {
		return ref, err
	}
	eventsPath := domain.EventsPath(spec.Workspace, spec.ProjectID, spec.RunID)

	if err := m.ensureRunYAML(ctx, spec); err != nil {
		return ref, err
	}
	if err := m.emitRunStarted(ctx, spec, ref, eventsPath); err != nil {
		return ref, err
	}

	// Policy gate: cross-team launches are denied before anything spawns.
	if spec.WorkerTeamID != "" && spec.TargetTeamID != "" {
		d := m.engine.Enforce(spec.Actor, policy.ActionLaunch, policy.Resource{
			WorkerTeamID: spec.WorkerTeamID,
			TargetTeamID: spec.TargetTeamID,
		})
		if !d.Allowed {
			m.emit(ctx, eventsPath, spec, ref, domain.EventPolicyDenied, map[string]any{
				"rule_id": d.RuleID, "reason": d.Reason,
			})
			err := domain.Ef(domain.CodePolicyDenied, "session.launch", "%s: %s", d.RuleID, d.Reason)
			m.failPreflight(ctx, spec, ref, eventsPath, "policy_denied", "", err)
			return ref, err
		}
	}

	// Budget gate.
	if m.budget != nil {
		_, err := m.budget.Preflight(ctx, policy.BudgetInput{
			Workspace:  spec.Workspace,
			ProjectID:  spec.ProjectID,
			RunID:      spec.RunID,
			SessionRef: ref,
			Actor:      spec.Actor.ID,
			EventsPath: eventsPath,
			TaskBudget: spec.TaskBudget,
		})
		if err != nil {
			m.failPreflight(ctx, spec, ref, eventsPath, "budget_preflight_exceeded", "", err)
			return ref, err
		}
	}

	// Subscription gate.
	if m.guard != nil && spec.Provider != "" {
		_, err := m.guard.Verify(ctx, subscription.VerifyInput{
			Provider:   spec.Provider,
			Binary:     spec.Binary,
			RunID:      spec.RunID,
			SessionRef: ref,
			Actor:      spec.Actor.ID,
			EventsPath: eventsPath,
		})
		if err != nil {
			m.failPreflight(ctx, spec, ref, eventsPath, domain.ErrorCode(err), "subscription_unverified", err)
			return ref, err
		}
	}

	return ref, m.spawn(ctx, spec, ref, eventsPath)
}

// spawn starts the child in its own process group with outputs redirected
// into the run directory, then records and tracks it.
func (m *Manager) spawn(ctx context.Context, spec LaunchSpec, ref, eventsPath string) error {
	if len(spec.Argv) == 0 {
		err := domain.Ef(domain.CodeWorkerLaunchFailed, "session.launch", "empty argv")
		m.failSpawn(ctx, spec, ref, eventsPath, err)
		return err
	}
	outputsDir := domain.OutputsDir(spec.Workspace, spec.ProjectID, spec.RunID)
	stdoutF, err := os.OpenFile(filepath.Join(outputsDir, "stdout.txt"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		werr := domain.E(domain.CodeWorkerLaunchFailed, "session.launch", err)
		m.failSpawn(ctx, spec, ref, eventsPath, werr)
		return werr
	}
	stderrF, err := os.OpenFile(filepath.Join(outputsDir, "stderr.txt"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		stdoutF.Close()
		werr := domain.E(domain.CodeWorkerLaunchFailed, "session.launch", err)
		m.failSpawn(ctx, spec, ref, eventsPath, werr)
		return werr
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Workspace
	cmd.Stdout = stdoutF
	cmd.Stderr = stderrF
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinText := spec.StdinText
	if stdinText == "" {
		stdinText = spec.PromptText
	}
	var stdin io.WriteCloser
	if stdinText != "" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			stdoutF.Close()
			stderrF.Close()
			werr := domain.E(domain.CodeWorkerLaunchFailed, "session.launch", err)
			m.failSpawn(ctx, spec, ref, eventsPath, werr)
			return werr
		}
	}

	if err := cmd.Start(); err != nil {
		stdoutF.Close()
		stderrF.Close()
		werr := domain.E(domain.CodeWorkerLaunchFailed, "session.launch", err)
		m.failSpawn(ctx, spec, ref, eventsPath, werr)
		return werr
	}
	if stdin != nil {
		go func() {
			io.WriteString(stdin, stdinText)
			stdin.Close()
		}()
	}

	rec := domain.SessionRecord{
		SessionRef:     ref,
		RunID:          spec.RunID,
		ProjectID:      spec.ProjectID,
		PID:            cmd.Process.Pid,
		PIDClaimedAtMS: nowMS(),
		Status:         string(domain.RunRunning),
		StartedAtMS:    nowMS(),
		OutputRelpaths: []string{"outputs/stdout.txt", "outputs/stderr.txt"},
		ArgvDigest:     argvDigest(spec.Argv),
	}
	if err := m.store.WriteYAML(ctx, domain.SessionRecordPath(spec.Workspace, ref), &rec, store.WriteOptions{WorkspaceLock: true}); err != nil {
		m.logger.Printf("session: record write for %s failed: %v", ref, err)
	}

	ls := &liveSession{
		workspace: spec.Workspace,
		projectID: spec.ProjectID,
		pid:       cmd.Process.Pid,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.live[ref] = ls
	m.mu.Unlock()

	go m.waitFor(spec, ref, cmd, ls, stdoutF, stderrF)
	return nil
}

// waitFor reaps the child and records its terminal status.
func (m *Manager) waitFor(spec LaunchSpec, ref string, cmd *exec.Cmd, ls *liveSession, stdoutF, stderrF *os.File) {
	err := cmd.Wait()
	stdoutF.Close()
	stderrF.Close()
	close(ls.done)

	m.mu.Lock()
	stopping := ls.stopping
	stopStatus := ls.stopStatus
	stopError := ls.stopError
	m.mu.Unlock()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	ctx := context.Background()
	switch {
	case stopping:
		if _, ferr := m.finalize(ctx, spec.Workspace, ref, stopStatus, &exitCode, "SIGTERM", stopError); ferr != nil {
			m.logger.Printf("session: finalize stopped %s: %v", ref, ferr)
		}
	case err == nil && exitCode == 0:
		if _, ferr := m.finalize(ctx, spec.Workspace, ref, string(domain.RunEnded), &exitCode, "", ""); ferr != nil {
			m.logger.Printf("session: finalize ended %s: %v", ref, ferr)
		}
	default:
		msg := fmt.Sprintf("exit status %d", exitCode)
		if err != nil && exitCode < 0 {
			msg = err.Error()
		}
		if _, ferr := m.finalize(ctx, spec.Workspace, ref, string(domain.RunFailed), &exitCode, "", msg); ferr != nil {
			m.logger.Printf("session: finalize failed %s: %v", ref, ferr)
		}
	}
}

// ensureRunYAML creates run.yaml in status running when it does not exist.
func (m *Manager) ensureRunYAML(ctx context.Context, spec LaunchSpec) error {
	path := domain.RunYAMLPath(spec.Workspace, spec.ProjectID, spec.RunID)
	if m.store.PathExists(path) {
		return nil
	}
	run := domain.Run{
		ID:        spec.RunID,
		ProjectID: spec.ProjectID,
		AgentID:   spec.Actor.ID,
		TeamID:    spec.TargetTeamID,
		Provider:  spec.Provider,
		Status:    domain.RunRunning,
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return m.store.WriteYAML(ctx, path, &run, store.WriteOptions{WorkspaceLock: true})
}

// emitRunStarted appends run.started unless the file already holds one
// for this run.
func (m *Manager) emitRunStarted(ctx context.Context, spec LaunchSpec, ref, eventsPath string) error {
	envs, _, err := eventlog.ReadAll(eventsPath)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if env.Type == domain.EventRunStarted && env.RunID == spec.RunID {
			return nil
		}
	}
	m.emit(ctx, eventsPath, spec, ref, domain.EventRunStarted, map[string]any{
		"project_id": spec.ProjectID,
		"provider":   spec.Provider,
	})
	return nil
}

// failPreflight marks the run failed without spawning anything.
func (m *Manager) failPreflight(ctx context.Context, spec LaunchSpec, ref, eventsPath, reason, blockedReason string, cause error) {
	m.emit(ctx, eventsPath, spec, ref, domain.EventRunFailed, map[string]any{
		"preflight": true,
		"reason":    reason,
		"error":     cause.Error(),
	})
	m.markRunFailed(ctx, spec, blockedReason, cause.Error())
	rec := domain.SessionRecord{
		SessionRef:  ref,
		RunID:       spec.RunID,
		ProjectID:   spec.ProjectID,
		Status:      string(domain.RunFailed),
		StartedAtMS: nowMS(),
		EndedAtMS:   nowMS(),
		Error:       cause.Error(),
	}
	if err := m.store.WriteYAML(ctx, domain.SessionRecordPath(spec.Workspace, ref), &rec, store.WriteOptions{WorkspaceLock: true}); err != nil {
		m.logger.Printf("session: preflight record write for %s failed: %v", ref, err)
	}
}

// failSpawn marks the run failed after a spawn attempt went wrong.
func (m *Manager) failSpawn(ctx context.Context, spec LaunchSpec, ref, eventsPath string, cause error) {
	m.emit(ctx, eventsPath, spec, ref, domain.EventRunFailed, map[string]any{
		"reason": "spawn_error",
		"error":  cause.Error(),
	})
	m.markRunFailed(ctx, spec, "", cause.Error())
	rec := domain.SessionRecord{
		SessionRef:  ref,
		RunID:       spec.RunID,
		ProjectID:   spec.ProjectID,
		Status:      string(domain.RunFailed),
		StartedAtMS: nowMS(),
		EndedAtMS:   nowMS(),
		Error:       cause.Error(),
	}
	if err := m.store.WriteYAML(ctx, domain.SessionRecordPath(spec.Workspace, ref), &rec, store.WriteOptions{WorkspaceLock: true}); err != nil {
		m.logger.Printf("session: spawn-failure record write for %s failed: %v", ref, err)
	}
}

func (m *Manager) markRunFailed(ctx context.Context, spec LaunchSpec, blockedReason, errMsg string) {
	path := domain.RunYAMLPath(spec.Workspace, spec.ProjectID, spec.RunID)
	var run domain.Run
	if err := m.store.ReadYAML(path, &run); err != nil {
		m.logger.Printf("session: read run.yaml for %s: %v", spec.RunID, err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	run.Status = domain.RunFailed
	run.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
	run.Error = errMsg
	if blockedReason != "" {
		run.BlockedReason = blockedReason
	}
	if err := m.store.WriteYAML(ctx, path, &run, store.WriteOptions{WorkspaceLock: true}); err != nil {
		m.logger.Printf("session: write run.yaml for %s: %v", spec.RunID, err)
	}
}

func (m *Manager) emit(ctx context.Context, eventsPath string, spec LaunchSpec, ref, typ string, payload map[string]any) {
	env := &domain.Envelope{
		RunID:      spec.RunID,
		SessionRef: ref,
		Actor:      spec.Actor.ID,
		Type:       typ,
		Payload:    payload,
	}
	if err := m.events.Append(ctx, eventsPath, env); err != nil {
		m.logger.Printf("session: emit %s failed: %v", typ, err)
	}
}

func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func argvDigest(argv []string) string {
	sum := sha256.Sum256([]byte(strings.Join(argv, "\x00")))
	return hex.EncodeToString(sum[:])
}
