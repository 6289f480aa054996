// Package snapshot assembles read-only views for external consumers:
// run tables, the review inbox, and the colleagues roster. Views are
// derived from the index projection plus live session state; building
// one never mutates canonical files, though it may resync the index.
package snapshot

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/index"
	"github.com/agentcompany/agentcompany/internal/session"
)

// Option configures a Builder.
type Option func(*Builder)

// WithMaxStaleness keeps an index projection no older than d instead
// of rebuilding on every snapshot.
func WithMaxStaleness(d time.Duration) Option {
	return func(b *Builder) { b.maxStaleness = d }
}

// Builder produces snapshots for one or more workspaces. Each
// workspace gets its own projection database at .local/index.db,
// opened lazily and cached.
type Builder struct {
	sessions     *session.Manager
	logger       *log.Logger
	maxStaleness time.Duration

	mu  sync.Mutex
	dbs map[string]*index.DB
}

// New returns a Builder merging live state from sessions. sessions may
// be nil for offline tooling; live fields are then left empty.
func New(sessions *session.Manager, logger *log.Logger, opts ...Option) *Builder {
	b := &Builder{sessions: sessions, logger: logger, dbs: make(map[string]*index.DB)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Close releases every cached projection database.
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for ws, db := range b.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.dbs, ws)
	}
	return first
}

// sync opens the workspace's projection and rebuilds it unless it is
// fresh enough.
func (b *Builder) sync(workspace string) (*index.DB, error) {
	b.mu.Lock()
	db, ok := b.dbs[workspace]
	if !ok {
		var err error
		db, err = index.OpenWorkspace(workspace, b.logger)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.dbs[workspace] = db
	}
	b.mu.Unlock()

	if b.maxStaleness > 0 {
		at, err := db.RebuiltAt()
		if err == nil && !at.IsZero() && time.Since(at) < b.maxStaleness {
			return db, nil
		}
	}
	if err := db.Rebuild(workspace); err != nil {
		return nil, err
	}
	return db, nil
}

// RunView is one run row with live session state merged in. LiveStatus
// is the session record's status and may disagree with the projected
// run status briefly while a finalize is in flight; the session record
// is the fresher of the two.
type RunView struct {
	index.RunRow
	SessionRef string `json:"session_ref,omitempty"`
	LiveStatus string `json:"live_status,omitempty"`
}

// Runs returns the run table for a project, newest first. Empty
// projectID means every project.
func (b *Builder) Runs(workspace, projectID string) ([]RunView, error) {
	idx, err := b.sync(workspace)
	if err != nil {
		return nil, err
	}
	rows, err := idx.Runs(projectID)
	if err != nil {
		return nil, err
	}
	live := b.sessionsByRun(workspace, projectID)
	out := make([]RunView, 0, len(rows))
	for _, r := range rows {
		v := RunView{RunRow: r}
		if rec, ok := live[r.ID]; ok {
			v.SessionRef = rec.SessionRef
			v.LiveStatus = rec.Status
		}
		out = append(out, v)
	}
	return out, nil
}

// Run returns the view for one run.
func (b *Builder) Run(workspace, runID string) (RunView, bool, error) {
	idx, err := b.sync(workspace)
	if err != nil {
		return RunView{}, false, err
	}
	row, ok, err := idx.Run(runID)
	if err != nil || !ok {
		return RunView{}, ok, err
	}
	v := RunView{RunRow: row}
	if rec, ok := b.sessionsByRun(workspace, row.ProjectID)[runID]; ok {
		v.SessionRef = rec.SessionRef
		v.LiveStatus = rec.Status
	}
	return v, true, nil
}

func (b *Builder) sessionsByRun(workspace, projectID string) map[string]domain.SessionRecord {
	out := make(map[string]domain.SessionRecord)
	if b.sessions == nil {
		return out
	}
	recs, err := b.sessions.List(workspace, session.ListFilter{ProjectID: projectID})
	if err != nil {
		b.logger.Printf("snapshot: session list: %v", err)
		return out
	}
	for _, rec := range recs {
		if rec.RunID == "" {
			continue
		}
		// Newest record wins when a run has been re-attached.
		if prev, ok := out[rec.RunID]; ok && prev.StartedAtMS >= rec.StartedAtMS {
			continue
		}
		out[rec.RunID] = rec
	}
	return out
}

// InboxItem is one artifact awaiting or carrying a review decision.
// Decision is "pending" until the first decision lands.
type InboxItem struct {
	ArtifactID    string `json:"artifact_id"`
	ProjectID     string `json:"project_id"`
	Type          string `json:"type,omitempty"`
	Title         string `json:"title,omitempty"`
	ProducedBy    string `json:"produced_by,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	Decision      string `json:"decision"`
	ReviewerID    string `json:"reviewer_id,omitempty"`
	DecidedAt     string `json:"decided_at,omitempty"`
	DecisionCount int    `json:"decision_count,omitempty"`
	ParseError    bool   `json:"parse_error"`
}

// Inbox is the review inbox view. Status is "ok" when every artifact
// and review file parsed, "degraded" otherwise.
type Inbox struct {
	Items               []InboxItem `json:"items"`
	PendingCount        int         `json:"pending_count"`
	ArtifactParseErrors int         `json:"artifact_parse_errors"`
	ReviewParseErrors   int         `json:"review_parse_errors"`
	Status              string      `json:"status"`
}

// ReviewInbox assembles the review inbox across every project: each
// projected artifact joined with its latest decision, plus parse-error
// totals for files that could not be decoded.
func (b *Builder) ReviewInbox(workspace string) (Inbox, error) {
	idx, err := b.sync(workspace)
	if err != nil {
		return Inbox{}, err
	}
	artifacts, err := idx.Artifacts("")
	if err != nil {
		return Inbox{}, err
	}
	reviews, err := idx.Reviews()
	if err != nil {
		return Inbox{}, err
	}

	var inbox Inbox
	for _, a := range artifacts {
		item := InboxItem{
			ArtifactID: a.ID,
			ProjectID:  a.ProjectID,
			Type:       a.Type,
			Title:      a.Title,
			ProducedBy: a.ProducedBy,
			RunID:      a.RunID,
			CreatedAt:  a.CreatedAt,
			Decision:   "pending",
			ParseError: a.ParseError,
		}
		if a.ParseError {
			inbox.ArtifactParseErrors++
		}
		if rv, ok := reviews[a.ID]; ok {
			if rv.ParseError {
				inbox.ReviewParseErrors++
			} else {
				item.Decision = rv.Decision
				item.ReviewerID = rv.ReviewerID
				item.DecidedAt = rv.DecidedAt
				item.DecisionCount = rv.DecisionCount
			}
		}
		if item.Decision == "pending" && !a.ParseError {
			inbox.PendingCount++
		}
		inbox.Items = append(inbox.Items, item)
		delete(reviews, a.ID)
	}
	// Review files whose artifact is gone still count toward totals.
	for _, rv := range reviews {
		if rv.ParseError {
			inbox.ReviewParseErrors++
		}
	}
	sort.Slice(inbox.Items, func(i, j int) bool {
		if inbox.Items[i].CreatedAt != inbox.Items[j].CreatedAt {
			return inbox.Items[i].CreatedAt < inbox.Items[j].CreatedAt
		}
		return inbox.Items[i].ArtifactID < inbox.Items[j].ArtifactID
	})
	inbox.Status = "ok"
	if inbox.ArtifactParseErrors+inbox.ReviewParseErrors > 0 {
		inbox.Status = "degraded"
	}
	return inbox, nil
}

// Colleague is one org member with derived activity counters and the
// runtime monitor's live session count.
type Colleague struct {
	AgentID       string           `json:"agent_id"`
	Name          string           `json:"name,omitempty"`
	Role          domain.AgentRole `json:"role,omitempty"`
	TeamID        string           `json:"team_id,omitempty"`
	Provider      string           `json:"provider,omitempty"`
	RunsTotal     int              `json:"runs_total"`
	RunsRunning   int              `json:"runs_running"`
	RunsFailed    int              `json:"runs_failed"`
	Artifacts     int              `json:"artifacts"`
	LiveSessions  int              `json:"live_sessions"`
	LastStartedAt string           `json:"last_started_at,omitempty"`
}

// Colleagues joins the org roster with per-agent run and artifact
// counters and live running sessions, sorted by agent id. Agents with
// no recorded activity still appear.
func (b *Builder) Colleagues(workspace string) ([]Colleague, error) {
	idx, err := b.sync(workspace)
	if err != nil {
		return nil, err
	}
	counters, err := idx.CountersByAgent()
	if err != nil {
		return nil, err
	}
	byAgent := make(map[string]*Colleague)
	for _, c := range counters {
		byAgent[c.AgentID] = &Colleague{
			AgentID:       c.AgentID,
			RunsTotal:     c.RunsTotal,
			RunsRunning:   c.RunsRunning,
			RunsFailed:    c.RunsFailed,
			Artifacts:     c.Artifacts,
			LastStartedAt: c.LastStartedAt,
		}
	}

	agentsDir := filepath.Join(workspace, "org", "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, domain.E(domain.CodeIOError, "snapshot.colleagues", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var agent domain.Agent
		data, err := os.ReadFile(domain.AgentYAMLPath(workspace, e.Name()))
		if err != nil || yaml.Unmarshal(data, &agent) != nil {
			b.logger.Printf("snapshot: skip unreadable agent %s", e.Name())
			continue
		}
		if agent.ID == "" {
			agent.ID = e.Name()
		}
		c, ok := byAgent[agent.ID]
		if !ok {
			c = &Colleague{AgentID: agent.ID}
			byAgent[agent.ID] = c
		}
		c.Name = agent.Name
		c.Role = agent.Role
		c.TeamID = agent.TeamID
		c.Provider = agent.Provider
	}

	if b.sessions != nil {
		runAgent := make(map[string]string)
		rows, err := idx.Runs("")
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.AgentID != "" {
				runAgent[r.ID] = r.AgentID
			}
		}
		recs, err := b.sessions.List(workspace, session.ListFilter{Status: "running"})
		if err != nil {
			b.logger.Printf("snapshot: session list: %v", err)
		}
		for _, rec := range recs {
			if id, ok := runAgent[rec.RunID]; ok {
				if c, ok := byAgent[id]; ok {
					c.LiveSessions++
				}
			}
		}
	}

	out := make([]Colleague, 0, len(byAgent))
	for _, c := range byAgent {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
