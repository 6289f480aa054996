package worker

import (
	"path/filepath"
	"strings"

	"github.com/agentcompany/agentcompany/internal/domain"
)

// ContractMode selects how the result contract is communicated.
const (
	ModeProviderSchema = "provider_schema"
	ModePromptOnly     = "prompt_only"
)

// Command is a fully built worker invocation. The prompt travels on
// stdin so argv stays free of user content.
type Command struct {
	Argv       []string
	PromptText string
	Env        map[string]string
}

// BuildInput is what a driver needs to assemble its command line.
type BuildInput struct {
	Prompt          string
	Mode            string // ModeProviderSchema | ModePromptOnly
	SchemaPath      string // set when Mode is ModeProviderSchema
	PermissionLevel domain.PermissionLevel
}

// Driver builds provider-specific command lines.
type Driver interface {
	Provider() string
	Binary() string
	Build(in BuildInput) Command
	// SupportsSchema inspects the CLI help text for the native
	// output-schema flag.
	SupportsSchema(helpText string) bool
}

// DefaultDrivers returns the built-in codex, claude, and gemini drivers.
func DefaultDrivers() map[string]Driver {
	return map[string]Driver{
		"codex":  codexDriver{},
		"claude": claudeDriver{},
		"gemini": geminiDriver{},
	}
}

type codexDriver struct{}

func (codexDriver) Provider() string { return "codex" }
func (codexDriver) Binary() string   { return "codex" }

func (codexDriver) Build(in BuildInput) Command {
	sandbox := "read-only"
	if in.PermissionLevel == domain.PermissionWorkspaceWrite {
		sandbox = "workspace-write"
	}
	argv := []string{"codex", "exec", "--sandbox", sandbox, "--skip-git-repo-check"}
	if in.Mode == ModeProviderSchema && in.SchemaPath != "" {
		argv = append(argv, "--output-schema", in.SchemaPath)
	}
	argv = append(argv, "-")
	return Command{Argv: argv, PromptText: in.Prompt}
}

func (codexDriver) SupportsSchema(helpText string) bool {
	return strings.Contains(helpText, "--output-schema")
}

type claudeDriver struct{}

func (claudeDriver) Provider() string { return "claude" }
func (claudeDriver) Binary() string   { return "claude" }

func (claudeDriver) Build(in BuildInput) Command {
	argv := []string{"claude", "-p", "--output-format", "stream-json", "--verbose"}
	if in.PermissionLevel == domain.PermissionReadOnly {
		argv = append(argv, "--permission-mode", "plan")
	}
	return Command{Argv: argv, PromptText: in.Prompt}
}

func (claudeDriver) SupportsSchema(helpText string) bool {
	// Claude carries no native result-schema flag; the contract rides in
	// the prompt and the stream-JSON transcript.
	return false
}

type geminiDriver struct{}

func (geminiDriver) Provider() string { return "gemini" }
func (geminiDriver) Binary() string   { return "gemini" }

func (geminiDriver) Build(in BuildInput) Command {
	argv := []string{"gemini"}
	if in.PermissionLevel == domain.PermissionWorkspaceWrite {
		argv = append(argv, "--yolo")
	}
	return Command{Argv: argv, PromptText: in.Prompt}
}

func (geminiDriver) SupportsSchema(helpText string) bool { return false }

// shellNames are rejected as launcher argv[0]: templates must point at
// the worker binary, not wrap it in a shell.
var shellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "fish": true,
	"cmd": true, "cmd.exe": true, "powershell": true, "powershell.exe": true,
}

// ApplyLauncherTemplate replaces the built argv with the worker record's
// template, keeping the prompt on stdin. Guard rails: no newlines, no
// shell wrapper.
func ApplyLauncherTemplate(template string, cmd Command) (Command, error) {
	if strings.ContainsAny(template, "\n\r") {
		return Command{}, domain.Ef(domain.CodeWorkerLaunchFailed, "worker.launcher_template",
			"launcher template must not contain newlines")
	}
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return Command{}, domain.Ef(domain.CodeWorkerLaunchFailed, "worker.launcher_template",
			"launcher template is empty")
	}
	if shellNames[strings.ToLower(filepath.Base(fields[0]))] {
		return Command{}, domain.Ef(domain.CodeWorkerLaunchFailed, "worker.launcher_template",
			"launcher template must not wrap the worker in a shell")
	}
	cmd.Argv = fields
	return cmd, nil
}
