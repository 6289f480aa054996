// Package worker adapts provider CLIs (codex, claude, gemini) to the
// run pipeline: building command lines, proving CLI provenance, and
// normalizing whatever the worker printed into the result contract.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/session"
	"github.com/agentcompany/agentcompany/internal/store"
)

const defaultAttemptTimeout = 30 * time.Minute

// attemptTimeoutFromEnv honors AC_JOB_ATTEMPT_TIMEOUT_MS.
func attemptTimeoutFromEnv() time.Duration {
	if v := os.Getenv("AC_JOB_ATTEMPT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultAttemptTimeout
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAttemptTimeout overrides the per-attempt wall clock limit.
func WithAttemptTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.attemptTimeout = d }
}

// WithMaxRepairRetries bounds the strict-JSON repair loop.
func WithMaxRepairRetries(n int) Option {
	return func(a *Adapter) { a.maxRepairRetries = n }
}

// WithDriver registers or replaces a provider driver.
func WithDriver(d Driver) Option {
	return func(a *Adapter) { a.drivers[d.Provider()] = d }
}

// Adapter runs worker attempts end to end.
type Adapter struct {
	store    *store.Store
	events   *eventlog.Log
	sessions *session.Manager
	logger   *log.Logger
	drivers  map[string]Driver
	pricing  policy.PricingTable

	attemptTimeout   time.Duration
	maxRepairRetries int

	// Probe runs the CLI for --version/--help provenance. Swappable in
	// tests where no real binary exists.
	Probe func(ctx context.Context, bin string, args ...string) (string, error)
}

// New returns an Adapter with the built-in drivers.
func New(st *store.Store, events *eventlog.Log, sessions *session.Manager, logger *log.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		store:            st,
		events:           events,
		sessions:         sessions,
		logger:           logger,
		drivers:          DefaultDrivers(),
		pricing:          policy.DefaultPricing(),
		attemptTimeout:   attemptTimeoutFromEnv(),
		maxRepairRetries: 2,
		Probe:            probeCLI,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func probeCLI(ctx context.Context, bin string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return string(out), err
}

// AttemptSpec describes one worker attempt for a job.
type AttemptSpec struct {
	Workspace string
	ProjectID string
	Job       domain.Job
	Prompt    string
	Attempt   int

	ContractMode     string // ModeProviderSchema | ModePromptOnly
	LauncherTemplate string

	Actor        domain.Actor
	WorkerTeamID string
	TargetTeamID string
}

// AttemptResult is the attempt's outcome: a run, its session, and the
// normalized result (a needs_input fallback when nothing parsed).
type AttemptResult struct {
	RunID         string
	ContextPackID string
	SessionRef    string
	SessionStatus string
	Result        *domain.ResultSpec
	RawSource     string
}

// RunAttempt creates a run, launches the provider CLI, waits for the
// terminal status under the attempt timeout, and normalizes the output.
func (a *Adapter) RunAttempt(ctx context.Context, spec AttemptSpec) (AttemptResult, error) {
	provider := spec.Job.Provider
	if provider == "" {
		provider = spec.Job.WorkerKind
	}
	driver, ok := a.drivers[provider]
	if !ok {
		return AttemptResult{}, domain.Ef(domain.CodeWorkerLaunchFailed, "worker.run_attempt",
			"no driver for provider %q", provider)
	}

	runID := domain.NewRunID()
	ctxPackID := domain.NewContextPackID()
	res := AttemptResult{RunID: runID, ContextPackID: ctxPackID}

	runDir := domain.RunDir(spec.Workspace, spec.ProjectID, runID)
	if err := a.events.EnsureRunFiles(runDir); err != nil {
		return res, err
	}
	run := domain.Run{
		ID:            runID,
		ProjectID:     spec.ProjectID,
		AgentID:       spec.Job.WorkerAgentID,
		TeamID:        spec.TargetTeamID,
		Provider:      provider,
		Status:        domain.RunRunning,
		ContextPackID: ctxPackID,
		JobID:         spec.Job.ID,
		StartedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	runPath := domain.RunYAMLPath(spec.Workspace, spec.ProjectID, runID)
	if err := a.store.WriteYAML(ctx, runPath, &run, store.WriteOptions{WorkspaceLock: true}); err != nil {
		return res, err
	}

	// Provenance probe. Failures degrade to empty strings; a worker
	// without --version is suspicious but not fatal here.
	version, _ := a.Probe(ctx, driver.Binary(), "--version")
	help, _ := a.Probe(ctx, driver.Binary(), "--help")
	helpSum := sha256.Sum256([]byte(help))
	eventsPath := domain.EventsPath(spec.Workspace, spec.ProjectID, runID)
	a.emit(ctx, eventsPath, runID, spec.Actor.ID, domain.EventWorkerProvenance, map[string]any{
		"bin":         driver.Binary(),
		"version":     firstLine(version),
		"help_sha256": hex.EncodeToString(helpSum[:]),
	})

	mode := ModePromptOnly
	schemaPath := ""
	if spec.ContractMode == ModeProviderSchema && driver.SupportsSchema(help) {
		mode = ModeProviderSchema
		schemaPath = filepath.Join(runDir, "outputs", "result_schema.json")
		if err := a.store.WriteAtomic(ctx, schemaPath, []byte(resultSchemaJSON), store.WriteOptions{}); err != nil {
			return res, err
		}
	}

	cmd := driver.Build(BuildInput{
		Prompt:          spec.Prompt,
		Mode:            mode,
		SchemaPath:      schemaPath,
		PermissionLevel: spec.Job.PermissionLevel,
	})
	if spec.LauncherTemplate != "" {
		var err error
		cmd, err = ApplyLauncherTemplate(spec.LauncherTemplate, cmd)
		if err != nil {
			a.markRunFailed(ctx, spec, runID, err.Error())
			return res, err
		}
	}

	ref, err := a.sessions.Launch(ctx, session.LaunchSpec{
		Workspace:    spec.Workspace,
		ProjectID:    spec.ProjectID,
		RunID:        runID,
		Argv:         cmd.Argv,
		Env:          cmd.Env,
		PromptText:   cmd.PromptText,
		Actor:        spec.Actor,
		Provider:     provider,
		Binary:       driver.Binary(),
		WorkerTeamID: spec.WorkerTeamID,
		TargetTeamID: spec.TargetTeamID,
	})
	res.SessionRef = ref
	if err != nil {
		return res, err
	}

	rec, err := a.waitAttempt(ctx, spec.Workspace, ref)
	if err != nil {
		return res, err
	}
	res.SessionStatus = rec.Status

	raw, source := a.CollectRaw(spec.Workspace, spec.ProjectID, runID, provider)
	res.RawSource = source

	result, nerr := Normalize(raw, spec.Job.ID, runID)
	for retry := 0; nerr != nil && retry < a.maxRepairRetries; retry++ {
		a.logger.Printf("worker: result repair attempt %d for %s: %v", retry+1, runID, nerr)
		repairRef := fmt.Sprintf("%s_repair%d", ref, retry+1)
		repairCmd := driver.Build(BuildInput{
			Prompt:          RepairPrompt(spec.Job.ID, runID, nerr),
			Mode:            ModePromptOnly,
			PermissionLevel: domain.PermissionReadOnly,
		})
		if _, lerr := a.sessions.Launch(ctx, session.LaunchSpec{
			Workspace:  spec.Workspace,
			ProjectID:  spec.ProjectID,
			RunID:      runID,
			Argv:       repairCmd.Argv,
			PromptText: repairCmd.PromptText,
			SessionRef: repairRef,
			Actor:      spec.Actor,
			Provider:   provider,
			Binary:     driver.Binary(),
		}); lerr != nil {
			break
		}
		if _, werr := a.waitAttempt(ctx, spec.Workspace, repairRef); werr != nil {
			break
		}
		raw, source = a.CollectRaw(spec.Workspace, spec.ProjectID, runID, provider)
		result, nerr = Normalize(raw, spec.Job.ID, runID)
	}
	if nerr != nil {
		result = FallbackResult(spec.Job.ID, runID, nerr)
	}
	res.Result = result

	a.settleRun(ctx, spec, runID, provider, len(spec.Prompt), len(raw))
	if data, merr := marshalResult(result); merr == nil {
		normPath := filepath.Join(domain.OutputsDir(spec.Workspace, spec.ProjectID, runID), "result_normalized.json")
		if werr := a.store.WriteAtomic(ctx, normPath, data, store.WriteOptions{}); werr != nil {
			a.logger.Printf("worker: write normalized result for %s: %v", runID, werr)
		}
	}
	return res, nil
}

// waitAttempt waits for the session under the attempt timeout. A timeout
// aborts the session as failed with error "timed out"; a caller cancel
// stops it as stopped.
func (a *Adapter) waitAttempt(ctx context.Context, workspace, ref string) (domain.SessionRecord, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
	defer cancel()
	rec, err := a.sessions.Wait(waitCtx, workspace, ref)
	if err == nil {
		return rec, nil
	}
	cleanup, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cleanupCancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		if _, aerr := a.sessions.Abort(cleanup, workspace, ref, "timed out"); aerr != nil {
			a.logger.Printf("worker: abort %s after timeout: %v", ref, aerr)
		}
		rec, rerr := a.sessions.Wait(cleanup, workspace, ref)
		if rerr != nil {
			return rec, domain.Ef(domain.CodeWorkerLaunchFailed, "worker.wait", "attempt timed out")
		}
		return rec, nil
	default:
		if _, serr := a.sessions.Stop(cleanup, workspace, ref); serr != nil {
			a.logger.Printf("worker: stop %s after cancel: %v", ref, serr)
		}
		return domain.SessionRecord{}, err
	}
}

// preferredOutputs is the raw-text collection order.
var preferredOutputs = []string{
	"result_spec.json", "result_spec.jsonl", "last_message.md", "stdout.txt", "stderr.txt",
}

// CollectRaw returns the first non-empty preferred output file and its
// name. Claude stream-JSON transcripts are reduced to the final
// assistant markdown.
func (a *Adapter) CollectRaw(workspace, projectID, runID, provider string) (string, string) {
	outputs := domain.OutputsDir(workspace, projectID, runID)
	for _, name := range preferredOutputs {
		data, err := os.ReadFile(filepath.Join(outputs, name))
		if err != nil || len(data) == 0 {
			continue
		}
		raw := string(data)
		if provider == "claude" {
			if text, ok := ExtractClaudeStream(raw); ok {
				return text, name
			}
		}
		return raw, name
	}
	return "", ""
}

// settleRun fills usage on run.yaml when the provider reported nothing.
func (a *Adapter) settleRun(ctx context.Context, spec AttemptSpec, runID, provider string, promptChars, outputChars int) {
	path := domain.RunYAMLPath(spec.Workspace, spec.ProjectID, runID)
	var run domain.Run
	if err := a.store.ReadYAML(path, &run); err != nil {
		a.logger.Printf("worker: settle read run.yaml %s: %v", runID, err)
		return
	}
	if run.Usage != nil {
		return
	}
	usage := a.pricing.UsageFromChars(provider, int64(promptChars), int64(outputChars))
	run.Usage = &usage
	if err := a.store.WriteYAML(ctx, path, &run, store.WriteOptions{WorkspaceLock: true}); err != nil {
		a.logger.Printf("worker: settle write run.yaml %s: %v", runID, err)
	}
}

func (a *Adapter) markRunFailed(ctx context.Context, spec AttemptSpec, runID, errMsg string) {
	path := domain.RunYAMLPath(spec.Workspace, spec.ProjectID, runID)
	var run domain.Run
	if err := a.store.ReadYAML(path, &run); err != nil {
		return
	}
	if run.Status.Terminal() {
		return
	}
	run.Status = domain.RunFailed
	run.Error = errMsg
	run.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := a.store.WriteYAML(ctx, path, &run, store.WriteOptions{WorkspaceLock: true}); err != nil {
		a.logger.Printf("worker: mark run failed %s: %v", runID, err)
	}
}

func (a *Adapter) emit(ctx context.Context, eventsPath, runID, actor, typ string, payload map[string]any) {
	env := &domain.Envelope{
		RunID:   runID,
		Actor:   actor,
		Type:    typ,
		Payload: payload,
	}
	if err := a.events.Append(ctx, eventsPath, env); err != nil {
		a.logger.Printf("worker: emit %s failed: %v", typ, err)
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func marshalResult(r *domain.ResultSpec) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// resultSchemaJSON is handed to providers that accept a native output
// schema flag.
const resultSchemaJSON = `{
  "type": "object",
  "required": ["schema_version", "type", "job_id", "attempt_run_id", "status", "summary"],
  "properties": {
    "schema_version": {"const": 1},
    "type": {"const": "result"},
    "job_id": {"type": "string"},
    "attempt_run_id": {"type": "string"},
    "status": {"enum": ["succeeded", "needs_input", "blocked", "failed", "canceled"]},
    "summary": {"type": "string"},
    "files_changed": {"type": "array", "items": {"type": "string"}},
    "commands_run": {"type": "array", "items": {"type": "string"}},
    "artifacts": {"type": "array", "items": {"type": "string"}},
    "next_actions": {"type": "array", "items": {"type": "string"}},
    "errors": {"type": "array"}
  }
}
`
