// Package subscription verifies that a worker CLI is an approved binary
// running on its approved auth channel before anything is spawned.
package subscription

import (
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
)

// Channel is how a provider is paid for.
type Channel string

const (
	ChannelSubscriptionCLI Channel = "subscription_cli"
	ChannelAPI             Channel = "api"
)

// ProviderPolicy states what proof a provider needs before launch.
type ProviderPolicy struct {
	Provider                 string   `yaml:"provider"`
	Channel                  Channel  `yaml:"channel"`
	RequireSubscriptionProof bool     `yaml:"require_subscription_proof"`
	ProofStrategy            string   `yaml:"proof_strategy"` // none | login_status
	AllowedBinPatterns       []string `yaml:"allowed_bin_patterns"`

	// BypassEnvVars are API-key variables that would silently switch a
	// subscription CLI onto metered billing. Any of them set is a refusal.
	BypassEnvVars []string `yaml:"bypass_env_vars,omitempty"`

	// RequiredEnvAny lists env var groups for the api channel; at least
	// one group must be fully present.
	RequiredEnvAny [][]string `yaml:"required_env_any,omitempty"`

	ProbeArgs      []string `yaml:"probe_args,omitempty"`
	ProbeIndicator string   `yaml:"probe_indicator,omitempty"`
}

// DefaultPolicies returns the built-in provider policies.
func DefaultPolicies() map[string]ProviderPolicy {
	return map[string]ProviderPolicy{
		"codex": {
			Provider:                 "codex",
			Channel:                  ChannelSubscriptionCLI,
			RequireSubscriptionProof: true,
			ProofStrategy:            "login_status",
			AllowedBinPatterns:       []string{"codex"},
			BypassEnvVars:            []string{"OPENAI_API_KEY", "CODEX_API_KEY"},
			ProbeArgs:                []string{"login", "status"},
			ProbeIndicator:           "Logged in",
		},
		"claude": {
			Provider:                 "claude",
			Channel:                  ChannelSubscriptionCLI,
			RequireSubscriptionProof: true,
			ProofStrategy:            "none",
			AllowedBinPatterns:       []string{"claude"},
			BypassEnvVars:            []string{"ANTHROPIC_API_KEY"},
		},
		"gemini": {
			Provider:           "gemini",
			Channel:            ChannelAPI,
			AllowedBinPatterns: []string{"gemini"},
			RequiredEnvAny: [][]string{
				{"GEMINI_API_KEY"},
				{"GOOGLE_API_KEY"},
				{"GOOGLE_GENAI_USE_VERTEXAI", "GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_LOCATION"},
				{"GOOGLE_APPLICATION_CREDENTIALS", "GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_LOCATION"},
			},
		},
	}
}

// Guard runs the pre-launch subscription checks. LookPath, RunProbe, and
// Getenv are swappable for tests.
type Guard struct {
	policies map[string]ProviderPolicy
	events   *eventlog.Log
	logger   *log.Logger

	LookPath func(bin string) (string, error)
	RunProbe func(ctx context.Context, bin string, args []string) (stdout string, exitCode int, err error)
	Getenv   func(key string) string
}

// NewGuard returns a guard with the default provider policies and real
// binary resolution.
func NewGuard(events *eventlog.Log, logger *log.Logger) *Guard {
	return &Guard{
		policies: DefaultPolicies(),
		events:   events,
		logger:   logger,
		LookPath: exec.LookPath,
		RunProbe: runProbe,
		Getenv:   os.Getenv,
	}
}

// SetPolicy overrides one provider's policy.
func (g *Guard) SetPolicy(p ProviderPolicy) {
	g.policies[p.Provider] = p
}

// VerifyInput identifies the launch being checked.
type VerifyInput struct {
	Provider   string
	Binary     string // command name or path; defaults to the provider name
	RunID      string
	SessionRef string
	Actor      string
	EventsPath string
}

// Verification is the successful outcome.
type Verification struct {
	ResolvedBin   string
	ProofStrategy string
}

// Verify resolves the binary, checks the auth channel, and emits a
// worker.subscription_check event either way. A nil error means the
// launch may proceed.
func (g *Guard) Verify(ctx context.Context, in VerifyInput) (Verification, error) {
	pol, ok := g.policies[in.Provider]
	if !ok {
		err := domain.Ef(domain.CodeSubscriptionUnverified, "subscription.verify",
			"no policy for provider %q", in.Provider)
		g.emit(ctx, in, "", "", err)
		return Verification{}, err
	}
	bin := in.Binary
	if bin == "" {
		bin = pol.Provider
	}
	resolved, err := g.LookPath(bin)
	if err != nil {
		werr := domain.Ef(domain.CodeUnapprovedWorkerBinary, "subscription.verify",
			"binary %q not found: %v", bin, err)
		g.emit(ctx, in, bin, pol.ProofStrategy, werr)
		return Verification{}, werr
	}
	if !binAllowed(resolved, pol.AllowedBinPatterns) {
		werr := domain.Ef(domain.CodeUnapprovedWorkerBinary, "subscription.verify",
			"binary %q does not match any allowed pattern", filepath.Base(resolved))
		g.emit(ctx, in, resolved, pol.ProofStrategy, werr)
		return Verification{}, werr
	}

	switch pol.Channel {
	case ChannelAPI:
		if !envGroupSatisfied(g.Getenv, pol.RequiredEnvAny) {
			werr := domain.Ef(domain.CodeAuthProbeFailed, "subscription.verify",
				"provider %s requires API credentials in the environment", in.Provider)
			g.emit(ctx, in, resolved, pol.ProofStrategy, werr)
			return Verification{}, werr
		}
	case ChannelSubscriptionCLI:
		for _, key := range pol.BypassEnvVars {
			if g.Getenv(key) != "" {
				werr := domain.Ef(domain.CodeAPIKeyPresent, "subscription.verify",
					"%s is set and would bypass the %s subscription", key, in.Provider)
				g.emit(ctx, in, resolved, pol.ProofStrategy, werr)
				return Verification{}, werr
			}
		}
		if pol.RequireSubscriptionProof && pol.ProofStrategy == "login_status" {
			stdout, exitCode, perr := g.RunProbe(ctx, resolved, pol.ProbeArgs)
			if perr != nil || exitCode != 0 || !strings.Contains(stdout, pol.ProbeIndicator) {
				werr := domain.Ef(domain.CodeAuthProbeFailed, "subscription.verify",
					"%s %s probe did not confirm a subscription (exit %d)",
					in.Provider, strings.Join(pol.ProbeArgs, " "), exitCode)
				g.emit(ctx, in, resolved, pol.ProofStrategy, werr)
				return Verification{}, werr
			}
		}
	}

	g.emit(ctx, in, resolved, pol.ProofStrategy, nil)
	return Verification{ResolvedBin: resolved, ProofStrategy: pol.ProofStrategy}, nil
}

func binAllowed(resolved string, patterns []string) bool {
	base := filepath.Base(resolved)
	for _, pat := range patterns {
		if ok, err := filepath.Match(pat, base); err == nil && ok {
			return true
		}
	}
	return false
}

func envGroupSatisfied(getenv func(string) string, groups [][]string) bool {
	for _, group := range groups {
		all := len(group) > 0
		for _, key := range group {
			if getenv(key) == "" {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (g *Guard) emit(ctx context.Context, in VerifyInput, resolvedBin, strategy string, verr error) {
	if in.EventsPath == "" {
		return
	}
	typ := domain.EventSubscriptionPass
	payload := map[string]any{
		"provider":       in.Provider,
		"bin":            resolvedBin,
		"proof_strategy": strategy,
	}
	if verr != nil {
		typ = domain.EventSubscriptionFail
		payload["reason"] = verr.Error()
		payload["code"] = domain.ErrorCode(verr)
	}
	env := &domain.Envelope{
		RunID:      in.RunID,
		SessionRef: in.SessionRef,
		Actor:      in.Actor,
		Type:       typ,
		Payload:    payload,
	}
	if err := g.events.Append(ctx, in.EventsPath, env); err != nil {
		g.logger.Printf("subscription: emit %s failed: %v", typ, err)
	}
}

func runProbe(ctx context.Context, bin string, args []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.Output()
	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
			err = nil
		}
	}
	return string(out), exitCode, err
}
