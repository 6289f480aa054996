package policy

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/store"
)

// Config is the workspace policy file at company/policy.yaml.
type Config struct {
	DefaultVisibility domain.Visibility `yaml:"default_visibility"`
	Pricing           PricingTable      `yaml:"pricing,omitempty"`

	// AgentsMDPromoteThreshold is the approved-delta count at which a
	// memory delta is promoted into AGENTS.md. Parsed for forward
	// compatibility; promotion itself is a manager action.
	AgentsMDPromoteThreshold int `yaml:"agents_md_promote_threshold,omitempty"`
}

// DefaultConfig returns the policy applied when no policy.yaml exists.
func DefaultConfig() *Config {
	return &Config{
		DefaultVisibility:        domain.VisibilityOrg,
		Pricing:                  DefaultPricing(),
		AgentsMDPromoteThreshold: 3,
	}
}

// LoadConfig reads company/policy.yaml, filling defaults for anything
// absent. A missing file yields the defaults without error.
func LoadConfig(ws string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(domain.PolicyYAMLPath(ws))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, domain.E(domain.CodeIOError, "policy.load_config", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.E(domain.CodeSchemaInvalid, "policy.load_config", err)
	}
	if cfg.DefaultVisibility == "" {
		cfg.DefaultVisibility = domain.VisibilityOrg
	}
	if len(cfg.Pricing) == 0 {
		cfg.Pricing = DefaultPricing()
	}
	if cfg.AgentsMDPromoteThreshold <= 0 {
		cfg.AgentsMDPromoteThreshold = 3
	}
	return cfg, nil
}

// WriteSnapshot writes the effective policy as a context pack's
// policy_snapshot.yaml.
func (c *Config) WriteSnapshot(ctx context.Context, st *store.Store, path string) error {
	return st.WriteYAML(ctx, path, c, store.WriteOptions{})
}
