package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/store"
)

// WorkerSignals are the per-worker triage inputs for one tick.
type WorkerSignals struct {
	AgentID   string
	Role      domain.AgentRole
	TeamID    string
	Provider  string
	ProjectID string // project with the worker's nearest open task, if any

	NewSignals   int // comments since the previous tick
	DueTasks     int // open tasks due within the next 24h
	OverdueTasks int // open tasks past due
	StuckJobs    int // running runs older than the stuck threshold
}

// Score is the wake score. Overdue and stuck work weigh heavier than
// fresh signals.
func (w WorkerSignals) Score() float64 {
	return 2*float64(w.NewSignals) + float64(w.DueTasks) + 2*float64(w.OverdueTasks) + 3*float64(w.StuckJobs)
}

// ContextHash fingerprints the triage inputs so an unchanged situation
// does not wake the same worker twice.
func (w WorkerSignals) ContextHash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%d|%d",
		w.AgentID, w.ProjectID, w.NewSignals, w.DueTasks, w.OverdueTasks, w.StuckJobs)))
	return hex.EncodeToString(sum[:])
}

// Idle reports whether there is nothing to wake the worker for.
func (w WorkerSignals) Idle() bool {
	return w.NewSignals == 0 && w.DueTasks == 0 && w.OverdueTasks == 0 && w.StuckJobs == 0
}

// SignalSource enumerates candidate workers with their triage inputs.
// since is the previous tick time; zero means no previous tick.
type SignalSource interface {
	CandidateWorkers(ctx context.Context, workspace string, since time.Time) ([]WorkerSignals, error)
}

const stuckRunThreshold = 30 * time.Minute

// fileSignals derives signals by scanning the canonical workspace files.
type fileSignals struct {
	store *store.Store
	now   func() time.Time
}

// NewFileSignals returns the default file-scanning signal source.
func NewFileSignals(st *store.Store, now func() time.Time) SignalSource {
	if now == nil {
		now = time.Now
	}
	return &fileSignals{store: st, now: now}
}

func (f *fileSignals) CandidateWorkers(ctx context.Context, ws string, since time.Time) ([]WorkerSignals, error) {
	agents, err := f.listAgents(ws)
	if err != nil {
		return nil, err
	}
	now := f.now().UTC()

	byAgent := make(map[string]*WorkerSignals, len(agents))
	var out []WorkerSignals
	for _, a := range agents {
		if a.Role != domain.RoleWorker && a.Role != domain.RoleDirector {
			continue
		}
		byAgent[a.ID] = &WorkerSignals{
			AgentID:  a.ID,
			Role:     a.Role,
			TeamID:   a.TeamID,
			Provider: a.Provider,
		}
	}

	projects, _ := os.ReadDir(domain.ProjectsDir(ws))
	agentProjects := make(map[string]map[string]bool)
	for _, p := range projects {
		if !p.IsDir() {
			continue
		}
		projectID := p.Name()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.scanTasks(ws, projectID, now, byAgent, agentProjects)
		f.scanRuns(ws, projectID, now, byAgent)
	}
	f.scanComments(ws, since, byAgent, agentProjects)

	for _, w := range byAgent {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (f *fileSignals) listAgents(ws string) ([]domain.Agent, error) {
	entries, err := os.ReadDir(filepath.Join(ws, "org", "agents"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.E(domain.CodeIOError, "heartbeat.list_agents", err)
	}
	var agents []domain.Agent
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var a domain.Agent
		if err := f.store.ReadYAML(domain.AgentYAMLPath(ws, e.Name()), &a); err != nil {
			continue
		}
		if a.ID == "" {
			a.ID = e.Name()
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func (f *fileSignals) scanTasks(ws, projectID string, now time.Time, byAgent map[string]*WorkerSignals, agentProjects map[string]map[string]bool) {
	entries, err := os.ReadDir(domain.TasksDir(ws, projectID))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		var task domain.Task
		if err := f.store.ReadYAML(filepath.Join(domain.TasksDir(ws, projectID), e.Name()), &task); err != nil {
			continue
		}
		if task.Status != "open" || task.AssigneeAgentID == "" {
			continue
		}
		w, ok := byAgent[task.AssigneeAgentID]
		if !ok {
			continue
		}
		if agentProjects[task.AssigneeAgentID] == nil {
			agentProjects[task.AssigneeAgentID] = make(map[string]bool)
		}
		agentProjects[task.AssigneeAgentID][projectID] = true
		if w.ProjectID == "" {
			w.ProjectID = projectID
		}
		if task.DueAt == "" {
			continue
		}
		due, err := time.Parse(time.RFC3339, task.DueAt)
		if err != nil {
			continue
		}
		switch {
		case due.Before(now):
			w.OverdueTasks++
		case due.Before(now.Add(24 * time.Hour)):
			w.DueTasks++
		}
	}
}

func (f *fileSignals) scanRuns(ws, projectID string, now time.Time, byAgent map[string]*WorkerSignals) {
	entries, err := os.ReadDir(domain.RunsDir(ws, projectID))
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var run domain.Run
		if err := f.store.ReadYAML(domain.RunYAMLPath(ws, projectID, e.Name()), &run); err != nil {
			continue
		}
		if run.Status != domain.RunRunning || run.AgentID == "" {
			continue
		}
		w, ok := byAgent[run.AgentID]
		if !ok {
			continue
		}
		started, err := time.Parse(time.RFC3339Nano, run.StartedAt)
		if err == nil && now.Sub(started) > stuckRunThreshold {
			w.StuckJobs++
		}
	}
}

func (f *fileSignals) scanComments(ws string, since time.Time, byAgent map[string]*WorkerSignals, agentProjects map[string]map[string]bool) {
	entries, err := os.ReadDir(domain.InboxCommentsDir(ws))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		var c domain.Comment
		if err := f.store.ReadYAML(filepath.Join(domain.InboxCommentsDir(ws), e.Name()), &c); err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, c.CreatedAt)
		if err != nil || (!since.IsZero() && !created.After(since)) {
			continue
		}
		for agentID, projects := range agentProjects {
			if c.ProjectID != "" && projects[c.ProjectID] {
				byAgent[agentID].NewSignals++
			}
		}
	}
}
