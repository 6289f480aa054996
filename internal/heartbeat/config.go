package heartbeat

import (
	"context"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/store"
)

// QuietHours is a [start,end) UTC hour window. start==end means no
// window; start>end wraps over midnight.
type QuietHours struct {
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if q.StartHour == q.EndHour {
		return false
	}
	h := t.UTC().Hour()
	if q.StartHour < q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	return h >= q.StartHour || h < q.EndHour
}

// HierarchyEnterpriseV1 routes auto-actions through the executive
// manager agent, optionally letting directors act for their own reports.
const HierarchyEnterpriseV1 = "enterprise_v1"

// Config is the workspace singleton at .local/heartbeat/config.yaml.
type Config struct {
	Enabled              bool       `yaml:"enabled" json:"enabled"`
	TickIntervalMinutes  int        `yaml:"tick_interval_minutes" json:"tick_interval_minutes"`
	TopKWorkers          int        `yaml:"top_k_workers" json:"top_k_workers"`
	MinWakeScore         float64    `yaml:"min_wake_score" json:"min_wake_score"`
	OKSuppressionMinutes int        `yaml:"ok_suppression_minutes" json:"ok_suppression_minutes"`
	IdempotencyTTLDays   int        `yaml:"idempotency_ttl_days" json:"idempotency_ttl_days"`
	MaxActionsPerTick    int        `yaml:"max_actions_per_tick" json:"max_actions_per_tick"`
	MaxAutoActionsHourly int        `yaml:"max_auto_actions_per_hour" json:"max_auto_actions_per_hour"`
	TickTimeoutSeconds   int        `yaml:"tick_timeout_seconds" json:"tick_timeout_seconds"`
	QuietHours           QuietHours `yaml:"quiet_hours" json:"quiet_hours"`

	HierarchyMode               string `yaml:"hierarchy_mode" json:"hierarchy_mode"`
	ExecutiveManagerAgentID     string `yaml:"executive_manager_agent_id,omitempty" json:"executive_manager_agent_id,omitempty"`
	AllowDirectorToSpawnWorkers bool   `yaml:"allow_director_to_spawn_workers" json:"allow_director_to_spawn_workers"`

	DryRun bool `yaml:"dry_run" json:"dry_run"`
}

// DefaultConfig is the shape written by workspace init. Heartbeat starts
// disabled so a fresh workspace never wakes workers by surprise.
func DefaultConfig() Config {
	return Config{
		Enabled:              false,
		TickIntervalMinutes:  15,
		TopKWorkers:          3,
		MinWakeScore:         1,
		OKSuppressionMinutes: 60,
		IdempotencyTTLDays:   7,
		MaxActionsPerTick:    3,
		MaxAutoActionsHourly: 10,
		TickTimeoutSeconds:   120,
		HierarchyMode:        HierarchyEnterpriseV1,
	}
}

// TickInterval with a floor of one minute.
func (c Config) TickInterval() time.Duration {
	if c.TickIntervalMinutes < 1 {
		return time.Minute
	}
	return time.Duration(c.TickIntervalMinutes) * time.Minute
}

// TickTimeout bounds the per-worker report poll, default two minutes.
func (c Config) TickTimeout() time.Duration {
	if c.TickTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.TickTimeoutSeconds) * time.Second
}

// WorkerState is per-worker durable triage memory.
type WorkerState struct {
	SuppressedUntil string `yaml:"suppressed_until,omitempty" json:"suppressed_until,omitempty"`
	LastContextHash string `yaml:"last_context_hash,omitempty" json:"last_context_hash,omitempty"`
	LastWokenAt     string `yaml:"last_woken_at,omitempty" json:"last_woken_at,omitempty"`
}

// IdempotencyEntry records an already-seen action key until it expires.
type IdempotencyEntry struct {
	Status    string `yaml:"status" json:"status"` // executed | queued
	ExpiresAt string `yaml:"expires_at" json:"expires_at"`
}

// Stats are lifetime counters, monotonic across ticks.
type Stats struct {
	Ticks           int `yaml:"ticks" json:"ticks"`
	WorkersWoken    int `yaml:"workers_woken" json:"workers_woken"`
	ActionsExecuted int `yaml:"actions_executed" json:"actions_executed"`
	ActionsQueued   int `yaml:"actions_queued" json:"actions_queued"`
	ActionsDeduped  int `yaml:"actions_deduped" json:"actions_deduped"`
}

// State is the workspace singleton at .local/heartbeat/state.yaml.
type State struct {
	TickInProgress bool   `yaml:"tick_in_progress" json:"tick_in_progress"`
	LastTickAt     string `yaml:"last_tick_at,omitempty" json:"last_tick_at,omitempty"`
	NextTickAt     string `yaml:"next_tick_at,omitempty" json:"next_tick_at,omitempty"`
	LastSummary    string `yaml:"last_summary,omitempty" json:"last_summary,omitempty"`

	Workers     map[string]*WorkerState     `yaml:"workers,omitempty" json:"workers,omitempty"`
	HourCounter map[string]int              `yaml:"hourly_action_counters,omitempty" json:"hourly_action_counters,omitempty"`
	Idempotency map[string]IdempotencyEntry `yaml:"idempotency,omitempty" json:"idempotency,omitempty"`

	Stats Stats `yaml:"stats" json:"stats"`
}

func (s *State) worker(agentID string) *WorkerState {
	if s.Workers == nil {
		s.Workers = make(map[string]*WorkerState)
	}
	w, ok := s.Workers[agentID]
	if !ok {
		w = &WorkerState{}
		s.Workers[agentID] = w
	}
	return w
}

// hourBucket is the UTC counter key, e.g. "2026-08-26-13".
func hourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// prune drops expired idempotency entries and hour buckets older than
// 48 hours.
func (s *State) prune(now time.Time) {
	for key, e := range s.Idempotency {
		exp, err := time.Parse(time.RFC3339, e.ExpiresAt)
		if err != nil || !exp.After(now) {
			delete(s.Idempotency, key)
		}
	}
	cutoff := now.Add(-48 * time.Hour)
	for bucket := range s.HourCounter {
		t, err := time.Parse("2006-01-02-15", bucket)
		if err != nil || t.Before(cutoff) {
			delete(s.HourCounter, bucket)
		}
	}
}

// LoadConfig reads the config singleton, falling back to defaults when
// the file does not exist yet.
func LoadConfig(ws string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(domain.HeartbeatConfigPath(ws))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, domain.E(domain.CodeIOError, "heartbeat.load_config", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, domain.E(domain.CodeSchemaInvalid, "heartbeat.load_config", err)
	}
	return cfg, nil
}

// LoadState reads the state singleton; a missing file is an empty state.
func LoadState(ws string) (*State, error) {
	var state State
	data, err := os.ReadFile(domain.HeartbeatStatePath(ws))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, domain.E(domain.CodeIOError, "heartbeat.load_state", err)
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, domain.E(domain.CodeSchemaInvalid, "heartbeat.load_state", err)
	}
	return &state, nil
}

// SaveState writes the state singleton under the workspace lock.
func SaveState(ctx context.Context, st *store.Store, ws string, state *State) error {
	return st.WriteYAML(ctx, domain.HeartbeatStatePath(ws), state, store.WriteOptions{WorkspaceLock: true})
}
