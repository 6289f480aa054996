// Package domain holds the AgentCompany workspace entities.
// It has no dependencies on other packages.
package domain

// AgentRole is the organizational role of an agent.
type AgentRole string

const (
	RoleCEO      AgentRole = "ceo"
	RoleDirector AgentRole = "director"
	RoleManager  AgentRole = "manager"
	RoleWorker   AgentRole = "worker"
	RoleHuman    AgentRole = "human"
)

// AtLeastManager reports whether the role carries manager-or-above authority.
func (r AgentRole) AtLeastManager() bool {
	switch r {
	case RoleManager, RoleDirector, RoleCEO, RoleHuman:
		return true
	}
	return false
}

// Visibility controls who may read an event or artifact.
type Visibility string

const (
	VisibilityPrivateAgent Visibility = "private_agent"
	VisibilityTeam         Visibility = "team"
	VisibilityManagers     Visibility = "managers"
	VisibilityOrg          Visibility = "org"
)

// RunStatus is the lifecycle status of a run. Terminal statuses are absorbing.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunEnded   RunStatus = "ended"
	RunFailed  RunStatus = "failed"
	RunStopped RunStatus = "stopped"
)

// Terminal reports whether the status is one of the absorbing states.
func (s RunStatus) Terminal() bool {
	return s == RunEnded || s == RunFailed || s == RunStopped
}

// Actor identifies who is performing an operation. The control plane trusts
// the declared id/role; there is no human authentication beyond this.
type Actor struct {
	ID     string    `yaml:"id" json:"id"`
	Role   AgentRole `yaml:"role" json:"role"`
	TeamID string    `yaml:"team_id,omitempty" json:"team_id,omitempty"`
}

// Agent is an org member persisted at org/agents/<id>/agent.yaml.
type Agent struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name,omitempty"`
	Role     AgentRole `yaml:"role"`
	TeamID   string    `yaml:"team_id,omitempty"`
	Provider string    `yaml:"provider,omitempty"`
}

// Team is persisted at org/teams/<id>/team.yaml. A worker belongs to at
// most one team; cross-team assignment is denied by policy.
type Team struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name,omitempty"`
	DepartmentKey   string `yaml:"department_key,omitempty"`
	DepartmentLabel string `yaml:"department_label,omitempty"`
}

// Budget is a cost ceiling attached to a task, project, or workspace.
// The nearest enclosing owner wins.
type Budget struct {
	SoftCostUSD    float64 `yaml:"soft_cost_usd,omitempty"`
	HardCostUSD    float64 `yaml:"hard_cost_usd,omitempty"`
	HardTokenLimit int64   `yaml:"hard_token_limit,omitempty"`
}

// Project is persisted at work/projects/<id>/project.yaml.
type Project struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name,omitempty"`
	TeamID string  `yaml:"team_id,omitempty"`
	Budget *Budget `yaml:"budget,omitempty"`
}

// Company is the workspace root record at company/company.yaml.
type Company struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	CEO    string  `yaml:"ceo,omitempty"`
	Budget *Budget `yaml:"budget,omitempty"`
}

// Usage is a run's token/cost accounting.
type Usage struct {
	Source     string  `yaml:"source" json:"source"`         // provider_reported | estimated_chars
	Confidence string  `yaml:"confidence" json:"confidence"` // high | low
	Tokens     int64   `yaml:"tokens" json:"tokens"`
	CostUSD    float64 `yaml:"cost_usd" json:"cost_usd"`
	CostSource string  `yaml:"cost_source,omitempty" json:"cost_source,omitempty"`
}

// Run is one worker invocation, persisted at
// work/projects/<p>/runs/<r>/run.yaml. Status transitions are monotonic:
// running -> {ended|failed|stopped}, written exactly once.
type Run struct {
	ID                 string    `yaml:"id"`
	ProjectID          string    `yaml:"project_id"`
	AgentID            string    `yaml:"agent_id,omitempty"`
	TeamID             string    `yaml:"team_id,omitempty"`
	Provider           string    `yaml:"provider,omitempty"`
	Status             RunStatus `yaml:"status"`
	ContextPackID      string    `yaml:"context_pack_id,omitempty"`
	JobID              string    `yaml:"job_id,omitempty"`
	BlockedReason      string    `yaml:"blocked_reason,omitempty"`
	StartedAt          string    `yaml:"started_at,omitempty"`
	EndedAt            string    `yaml:"ended_at,omitempty"`
	ExitCode           *int      `yaml:"exit_code,omitempty"`
	Error              string    `yaml:"error,omitempty"`
	Usage              *Usage    `yaml:"usage,omitempty"`
	ContextCyclesCount int       `yaml:"context_cycles_count,omitempty"`
}

// SessionRecord is the durable record of an OS subprocess bound to a run,
// persisted at .local/sessions/<urlencode(session_ref)>.yaml. It survives
// control-plane restarts so detached children can be reconciled.
type SessionRecord struct {
	SessionRef     string   `yaml:"session_ref"`
	RunID          string   `yaml:"run_id"`
	ProjectID      string   `yaml:"project_id"`
	PID            int      `yaml:"pid,omitempty"`
	PIDClaimedAtMS int64    `yaml:"pid_claimed_at_ms,omitempty"`
	Status         string   `yaml:"status"` // running | ended | failed | stopped
	StartedAtMS    int64    `yaml:"started_at_ms"`
	EndedAtMS      int64    `yaml:"ended_at_ms,omitempty"`
	ExitCode       *int     `yaml:"exit_code,omitempty"`
	Signal         string   `yaml:"signal,omitempty"`
	Error          string   `yaml:"error,omitempty"`
	OutputRelpaths []string `yaml:"output_relpaths,omitempty"`
	ArgvDigest     string   `yaml:"argv_digest,omitempty"`
}

// TerminalStatus reports whether the record's status is absorbing.
func (r *SessionRecord) TerminalStatus() bool {
	return RunStatus(r.Status).Terminal()
}

// JobKind distinguishes regular execution work from heartbeat triage work.
type JobKind string

const (
	JobExecution JobKind = "execution"
	JobHeartbeat JobKind = "heartbeat"
)

// PermissionLevel bounds what a worker may touch during a run.
type PermissionLevel string

const (
	PermissionReadOnly       PermissionLevel = "read-only"
	PermissionWorkspaceWrite PermissionLevel = "workspace-write"
)

// Job is the envelope for one unit of worker work.
type Job struct {
	ID              string          `yaml:"id" json:"id"`
	Kind            JobKind         `yaml:"job_kind" json:"job_kind"`
	WorkerKind      string          `yaml:"worker_kind" json:"worker_kind"`
	Goal            string          `yaml:"goal" json:"goal"`
	Constraints     []string        `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Deliverables    []string        `yaml:"deliverables,omitempty" json:"deliverables,omitempty"`
	ContextRefs     []string        `yaml:"context_refs,omitempty" json:"context_refs,omitempty"`
	PermissionLevel PermissionLevel `yaml:"permission_level" json:"permission_level"`
	WorkerAgentID   string          `yaml:"worker_agent_id" json:"worker_agent_id"`
	ManagerActorID  string          `yaml:"manager_actor_id" json:"manager_actor_id"`
	ManagerRole     AgentRole       `yaml:"manager_role" json:"manager_role"`
	MaxContextRefs  int             `yaml:"max_context_refs,omitempty" json:"max_context_refs,omitempty"`
	ProjectID       string          `yaml:"project_id" json:"project_id"`
	TeamID          string          `yaml:"team_id,omitempty" json:"team_id,omitempty"`
	Provider        string          `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// ArtifactMeta is the typed YAML front-matter of a Markdown artifact.
// Required invariant: id/title/visibility/produced_by/run_id/context_pack_id
// match the issuing run.
type ArtifactMeta struct {
	ID            string     `yaml:"id"`
	Type          string     `yaml:"type"`
	Title         string     `yaml:"title"`
	Visibility    Visibility `yaml:"visibility"`
	Sensitivity   string     `yaml:"sensitivity,omitempty"` // normal | restricted
	ProducedBy    string     `yaml:"produced_by"`
	RunID         string     `yaml:"run_id,omitempty"`
	ContextPackID string     `yaml:"context_pack_id,omitempty"`
	ProjectID     string     `yaml:"project_id,omitempty"`
	TargetFile    string     `yaml:"target_file,omitempty"` // memory_delta only
	CreatedAt     string     `yaml:"created_at,omitempty"`
	Score         float64    `yaml:"score,omitempty"`
}

// Artifact front-matter types with dedicated schemas.
const (
	ArtifactIntakeBrief         = "intake_brief"
	ArtifactExecutivePlan       = "executive_plan"
	ArtifactDepartmentPlan      = "department_plan"
	ArtifactMeetingTranscript   = "meeting_transcript"
	ArtifactMemoryDelta         = "memory_delta"
	ArtifactManagerDigest       = "manager_digest"
	ArtifactFailureReport       = "failure_report"
	ArtifactHeartbeatProposal   = "heartbeat_action_proposal"
)

// Task is a unit of planned work under work/projects/<p>/tasks/.
// An open task past its due_at counts as overdue for heartbeat triage.
type Task struct {
	ID              string  `yaml:"id"`
	ProjectID       string  `yaml:"project_id"`
	Title           string  `yaml:"title"`
	Status          string  `yaml:"status"` // open | done
	AssigneeAgentID string  `yaml:"assignee_agent_id,omitempty"`
	DueAt           string  `yaml:"due_at,omitempty"`
	Budget          *Budget `yaml:"budget,omitempty"`
	CreatedAt       string  `yaml:"created_at,omitempty"`
}

// ReviewDecision is one entry in an artifact's review history under
// inbox/reviews/. The latest decision wins.
type ReviewDecision struct {
	ArtifactID   string    `yaml:"artifact_id"`
	Decision     string    `yaml:"decision"` // approved | rejected
	ReviewerID   string    `yaml:"reviewer_id"`
	ReviewerRole AgentRole `yaml:"reviewer_role"`
	DecidedAt    string    `yaml:"decided_at"`
	Note         string    `yaml:"note,omitempty"`
}

// Comment is a lightweight record under inbox/comments/, written by
// heartbeat auto-actions and by managers.
type Comment struct {
	ID        string `yaml:"id"`
	ProjectID string `yaml:"project_id,omitempty"`
	AuthorID  string `yaml:"author_id"`
	Body      string `yaml:"body"`
	CreatedAt string `yaml:"created_at"`
}
