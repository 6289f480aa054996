package domain

import (
	"net/url"
	"path/filepath"
)

// Canonical workspace layout. Every entity is addressable by a
// workspace-relative path; these helpers are the single source for them.

// CompanyYAMLRel is the marker file that makes a directory a workspace.
const CompanyYAMLRel = "company/company.yaml"

func CompanyYAMLPath(ws string) string { return filepath.Join(ws, "company", "company.yaml") }
func PolicyYAMLPath(ws string) string  { return filepath.Join(ws, "company", "policy.yaml") }

func AgentDir(ws, agentID string) string  { return filepath.Join(ws, "org", "agents", agentID) }
func AgentYAMLPath(ws, id string) string  { return filepath.Join(AgentDir(ws, id), "agent.yaml") }
func TeamDir(ws, teamID string) string    { return filepath.Join(ws, "org", "teams", teamID) }
func TeamYAMLPath(ws, id string) string   { return filepath.Join(TeamDir(ws, id), "team.yaml") }
func ProjectsDir(ws string) string        { return filepath.Join(ws, "work", "projects") }
func ProjectDir(ws, projectID string) string {
	return filepath.Join(ws, "work", "projects", projectID)
}
func ProjectYAMLPath(ws, p string) string { return filepath.Join(ProjectDir(ws, p), "project.yaml") }
func ProjectMemoryPath(ws, p string) string {
	return filepath.Join(ProjectDir(ws, p), "memory.md")
}
func ArtifactsDir(ws, p string) string { return filepath.Join(ProjectDir(ws, p), "artifacts") }
func ArtifactPath(ws, p, artifactID string) string {
	return filepath.Join(ArtifactsDir(ws, p), artifactID+".md")
}

func TasksDir(ws, p string) string { return filepath.Join(ProjectDir(ws, p), "tasks") }
func TaskPath(ws, p, taskID string) string {
	return filepath.Join(TasksDir(ws, p), taskID+".yaml")
}

func RunsDir(ws, p string) string       { return filepath.Join(ProjectDir(ws, p), "runs") }
func RunDir(ws, p, runID string) string { return filepath.Join(RunsDir(ws, p), runID) }
func RunYAMLPath(ws, p, r string) string {
	return filepath.Join(RunDir(ws, p, r), "run.yaml")
}
func EventsPath(ws, p, r string) string {
	return filepath.Join(RunDir(ws, p, r), "events.jsonl")
}
func OutputsDir(ws, p, r string) string {
	return filepath.Join(RunDir(ws, p, r), "outputs")
}

func ContextPacksDir(ws, p string) string {
	return filepath.Join(ProjectDir(ws, p), "context_packs")
}
func ContextPackDir(ws, p, ctxID string) string {
	return filepath.Join(ContextPacksDir(ws, p), ctxID)
}
func ContextPlanPath(ws, p, ctxID string) string {
	return filepath.Join(ContextPackDir(ws, p, ctxID), "bundle", "context_plan.json")
}

func InboxReviewsDir(ws string) string  { return filepath.Join(ws, "inbox", "reviews") }
func InboxCommentsDir(ws string) string { return filepath.Join(ws, "inbox", "comments") }
func ReviewPath(ws, artifactID string) string {
	return filepath.Join(InboxReviewsDir(ws), artifactID+".yaml")
}
func CommentPath(ws, commentID string) string {
	return filepath.Join(InboxCommentsDir(ws), commentID+".yaml")
}

func LocalDir(ws string) string    { return filepath.Join(ws, ".local") }
func LocksDir(ws string) string    { return filepath.Join(ws, ".local", "locks") }
func WorkspaceLockPath(ws string) string {
	return filepath.Join(LocksDir(ws), "workspace.write.lock")
}
func SessionsDir(ws string) string { return filepath.Join(ws, ".local", "sessions") }

// SessionRecordPath url-encodes the session ref so any ref is a safe
// file name.
func SessionRecordPath(ws, sessionRef string) string {
	return filepath.Join(SessionsDir(ws), url.QueryEscape(sessionRef)+".yaml")
}

func HeartbeatDir(ws string) string { return filepath.Join(ws, ".local", "heartbeat") }
func HeartbeatConfigPath(ws string) string {
	return filepath.Join(HeartbeatDir(ws), "config.yaml")
}
func HeartbeatStatePath(ws string) string {
	return filepath.Join(HeartbeatDir(ws), "state.yaml")
}

func MachineYAMLPath(ws string) string { return filepath.Join(ws, ".local", "machine.yaml") }
func IndexDBPath(ws string) string     { return filepath.Join(ws, ".local", "index.db") }

// DefaultSessionRef is the session ref used when the caller provides none.
func DefaultSessionRef(runID string) string { return "local_" + runID }
