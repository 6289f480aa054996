// Package index maintains the read-side SQLite projection at
// .local/index.db. The database is disposable: every row is derived
// from canonical workspace files and Rebuild regenerates the whole
// projection from scratch. Nothing in the control plane ever treats
// the index as a source of truth.
package index

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/eventlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	team_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	context_pack_id TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT '',
	ended_at TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	error TEXT NOT NULL DEFAULT '',
	usage_source TEXT NOT NULL DEFAULT '',
	usage_tokens INTEGER NOT NULL DEFAULT 0,
	usage_cost_usd REAL NOT NULL DEFAULT 0,
	context_cycles INTEGER NOT NULL DEFAULT 0,
	event_count INTEGER NOT NULL DEFAULT 0,
	policy_denied_count INTEGER NOT NULL DEFAULT 0,
	budget_event_count INTEGER NOT NULL DEFAULT 0,
	malformed_event_count INTEGER NOT NULL DEFAULT 0,
	last_event_type TEXT NOT NULL DEFAULT '',
	last_event_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	visibility TEXT NOT NULL DEFAULT '',
	sensitivity TEXT NOT NULL DEFAULT '',
	produced_by TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0,
	parse_error INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS reviews (
	artifact_id TEXT PRIMARY KEY,
	decision TEXT NOT NULL,
	reviewer_id TEXT NOT NULL DEFAULT '',
	decided_at TEXT NOT NULL DEFAULT '',
	decision_count INTEGER NOT NULL DEFAULT 0,
	parse_error INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_runs_project_status ON runs(project_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id);
`

// DB wraps the projection database.
type DB struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating parent dirs and schema) the projection database
// at path.
func Open(path string, logger *log.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("index mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index indexes: %w", err)
	}
	return &DB{db: db, logger: logger}, nil
}

// OpenWorkspace opens the projection at the workspace's canonical
// index path.
func OpenWorkspace(workspace string, logger *log.Logger) (*DB, error) {
	return Open(domain.IndexDBPath(workspace), logger)
}

// Close releases the database connection.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// RunRow is one projected run with its event-derived counts.
type RunRow struct {
	ID                  string  `json:"id"`
	ProjectID           string  `json:"project_id"`
	AgentID             string  `json:"agent_id,omitempty"`
	TeamID              string  `json:"team_id,omitempty"`
	Provider            string  `json:"provider,omitempty"`
	Status              string  `json:"status"`
	JobID               string  `json:"job_id,omitempty"`
	ContextPackID       string  `json:"context_pack_id,omitempty"`
	StartedAt           string  `json:"started_at,omitempty"`
	EndedAt             string  `json:"ended_at,omitempty"`
	ExitCode            *int    `json:"exit_code,omitempty"`
	Error               string  `json:"error,omitempty"`
	UsageSource         string  `json:"usage_source,omitempty"`
	UsageTokens         int64   `json:"usage_tokens"`
	UsageCostUSD        float64 `json:"usage_cost_usd"`
	ContextCycles       int     `json:"context_cycles"`
	EventCount          int     `json:"event_count"`
	PolicyDeniedCount   int     `json:"policy_denied_count"`
	BudgetEventCount    int     `json:"budget_event_count"`
	MalformedEventCount int     `json:"malformed_event_count"`
	LastEventType       string  `json:"last_event_type,omitempty"`
	LastEventAt         string  `json:"last_event_at,omitempty"`
}

// ArtifactRow is one projected artifact front-matter. ParseError marks
// files whose front-matter could not be decoded; such rows carry only
// the id derived from the file name.
type ArtifactRow struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Type        string  `json:"type,omitempty"`
	Title       string  `json:"title,omitempty"`
	Visibility  string  `json:"visibility,omitempty"`
	Sensitivity string  `json:"sensitivity,omitempty"`
	ProducedBy  string  `json:"produced_by,omitempty"`
	RunID       string  `json:"run_id,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
	Score       float64 `json:"score,omitempty"`
	ParseError  bool    `json:"parse_error"`
}

// ReviewRow is the latest decision for one artifact.
type ReviewRow struct {
	ArtifactID    string `json:"artifact_id"`
	Decision      string `json:"decision,omitempty"`
	ReviewerID    string `json:"reviewer_id,omitempty"`
	DecidedAt     string `json:"decided_at,omitempty"`
	DecisionCount int    `json:"decision_count"`
	ParseError    bool   `json:"parse_error"`
}

// AgentCounters aggregates run and artifact activity for one agent.
type AgentCounters struct {
	AgentID       string `json:"agent_id"`
	RunsTotal     int    `json:"runs_total"`
	RunsRunning   int    `json:"runs_running"`
	RunsFailed    int    `json:"runs_failed"`
	Artifacts     int    `json:"artifacts"`
	LastStartedAt string `json:"last_started_at,omitempty"`
}

// Rebuild scans the canonical files under workspace and replaces the
// whole projection in one transaction. Unreadable or malformed files
// are recorded as parse errors, never dropped silently.
func (d *DB) Rebuild(workspace string) error {
	runs, err := scanRuns(workspace, d.logger)
	if err != nil {
		return err
	}
	artifacts, err := scanArtifacts(workspace, d.logger)
	if err != nil {
		return err
	}
	reviews, err := scanReviews(workspace, d.logger)
	if err != nil {
		return err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("index rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, t := range []string{"runs", "artifacts", "reviews", "meta"} {
		if _, err := tx.Exec("DELETE FROM " + t); err != nil {
			return fmt.Errorf("index rebuild clear %s: %w", t, err)
		}
	}

	for _, r := range runs {
		if _, err := tx.Exec(`INSERT INTO runs (id, project_id, agent_id, team_id, provider, status, job_id, context_pack_id, started_at, ended_at, exit_code, error, usage_source, usage_tokens, usage_cost_usd, context_cycles, event_count, policy_denied_count, budget_event_count, malformed_event_count, last_event_type, last_event_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ProjectID, r.AgentID, r.TeamID, r.Provider, r.Status, r.JobID, r.ContextPackID, r.StartedAt, r.EndedAt, r.ExitCode, r.Error, r.UsageSource, r.UsageTokens, r.UsageCostUSD, r.ContextCycles, r.EventCount, r.PolicyDeniedCount, r.BudgetEventCount, r.MalformedEventCount, r.LastEventType, r.LastEventAt); err != nil {
			return fmt.Errorf("index rebuild runs: %w", err)
		}
	}
	for _, a := range artifacts {
		if _, err := tx.Exec(`INSERT INTO artifacts (id, project_id, type, title, visibility, sensitivity, produced_by, run_id, created_at, score, parse_error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ProjectID, a.Type, a.Title, a.Visibility, a.Sensitivity, a.ProducedBy, a.RunID, a.CreatedAt, a.Score, boolInt(a.ParseError)); err != nil {
			return fmt.Errorf("index rebuild artifacts: %w", err)
		}
	}
	for _, rv := range reviews {
		if _, err := tx.Exec(`INSERT INTO reviews (artifact_id, decision, reviewer_id, decided_at, decision_count, parse_error) VALUES (?, ?, ?, ?, ?, ?)`,
			rv.ArtifactID, rv.Decision, rv.ReviewerID, rv.DecidedAt, rv.DecisionCount, boolInt(rv.ParseError)); err != nil {
			return fmt.Errorf("index rebuild reviews: %w", err)
		}
	}
	if _, err := tx.Exec("INSERT INTO meta (key, value) VALUES ('rebuilt_at', ?)",
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("index rebuild meta: %w", err)
	}
	return tx.Commit()
}

// RebuiltAt returns the timestamp of the last rebuild, or zero when
// the projection has never been built.
func (d *DB) RebuiltAt() (time.Time, error) {
	var v string
	err := d.db.QueryRow("SELECT value FROM meta WHERE key = 'rebuilt_at'").Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("index rebuilt_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("index rebuilt_at %q: %w", v, err)
	}
	return t, nil
}

const runColumns = "id, project_id, agent_id, team_id, provider, status, job_id, context_pack_id, started_at, ended_at, exit_code, error, usage_source, usage_tokens, usage_cost_usd, context_cycles, event_count, policy_denied_count, budget_event_count, malformed_event_count, last_event_type, last_event_at"

func scanRunRow(rows *sql.Rows) (RunRow, error) {
	var r RunRow
	var exit sql.NullInt64
	err := rows.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.TeamID, &r.Provider, &r.Status, &r.JobID, &r.ContextPackID, &r.StartedAt, &r.EndedAt, &exit, &r.Error, &r.UsageSource, &r.UsageTokens, &r.UsageCostUSD, &r.ContextCycles, &r.EventCount, &r.PolicyDeniedCount, &r.BudgetEventCount, &r.MalformedEventCount, &r.LastEventType, &r.LastEventAt)
	if err != nil {
		return r, err
	}
	if exit.Valid {
		v := int(exit.Int64)
		r.ExitCode = &v
	}
	return r, nil
}

// Runs returns the projected runs for a project, or all runs when
// projectID is empty, newest first by started_at.
func (d *DB) Runs(projectID string) ([]RunRow, error) {
	q := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC, id"
	args := []any{}
	if projectID != "" {
		q = "SELECT " + runColumns + " FROM runs WHERE project_id = ? ORDER BY started_at DESC, id"
		args = append(args, projectID)
	}
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("index runs: %w", err)
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("index runs scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index runs iteration: %w", err)
	}
	return out, nil
}

// Run returns a single projected run.
func (d *DB) Run(runID string) (RunRow, bool, error) {
	rows, err := d.db.Query("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	if err != nil {
		return RunRow{}, false, fmt.Errorf("index run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return RunRow{}, false, rows.Err()
	}
	r, err := scanRunRow(rows)
	if err != nil {
		return RunRow{}, false, fmt.Errorf("index run scan: %w", err)
	}
	return r, true, nil
}

// Artifacts returns the projected artifacts for a project, or every
// project when projectID is empty, ordered by created_at then id.
func (d *DB) Artifacts(projectID string) ([]ArtifactRow, error) {
	q := "SELECT id, project_id, type, title, visibility, sensitivity, produced_by, run_id, created_at, score, parse_error FROM artifacts ORDER BY created_at, id"
	args := []any{}
	if projectID != "" {
		q = "SELECT id, project_id, type, title, visibility, sensitivity, produced_by, run_id, created_at, score, parse_error FROM artifacts WHERE project_id = ? ORDER BY created_at, id"
		args = append(args, projectID)
	}
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("index artifacts: %w", err)
	}
	defer rows.Close()
	var out []ArtifactRow
	for rows.Next() {
		var a ArtifactRow
		var pe int
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Type, &a.Title, &a.Visibility, &a.Sensitivity, &a.ProducedBy, &a.RunID, &a.CreatedAt, &a.Score, &pe); err != nil {
			return nil, fmt.Errorf("index artifacts scan: %w", err)
		}
		a.ParseError = pe != 0
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index artifacts iteration: %w", err)
	}
	return out, nil
}

// Reviews returns the latest decision per artifact, keyed by artifact id.
func (d *DB) Reviews() (map[string]ReviewRow, error) {
	rows, err := d.db.Query("SELECT artifact_id, decision, reviewer_id, decided_at, decision_count, parse_error FROM reviews")
	if err != nil {
		return nil, fmt.Errorf("index reviews: %w", err)
	}
	defer rows.Close()
	out := make(map[string]ReviewRow)
	for rows.Next() {
		var rv ReviewRow
		var pe int
		if err := rows.Scan(&rv.ArtifactID, &rv.Decision, &rv.ReviewerID, &rv.DecidedAt, &rv.DecisionCount, &pe); err != nil {
			return nil, fmt.Errorf("index reviews scan: %w", err)
		}
		rv.ParseError = pe != 0
		out[rv.ArtifactID] = rv
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index reviews iteration: %w", err)
	}
	return out, nil
}

// CountersByAgent aggregates run and artifact counts per agent id,
// sorted by agent id. Runs with no agent are skipped.
func (d *DB) CountersByAgent() ([]AgentCounters, error) {
	rows, err := d.db.Query(`SELECT agent_id,
		COUNT(*),
		SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		MAX(started_at)
	FROM runs WHERE agent_id != '' GROUP BY agent_id ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("index counters: %w", err)
	}
	defer rows.Close()
	var out []AgentCounters
	for rows.Next() {
		var c AgentCounters
		var last sql.NullString
		if err := rows.Scan(&c.AgentID, &c.RunsTotal, &c.RunsRunning, &c.RunsFailed, &last); err != nil {
			return nil, fmt.Errorf("index counters scan: %w", err)
		}
		c.LastStartedAt = last.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index counters iteration: %w", err)
	}

	arows, err := d.db.Query("SELECT produced_by, COUNT(*) FROM artifacts WHERE produced_by != '' AND parse_error = 0 GROUP BY produced_by")
	if err != nil {
		return nil, fmt.Errorf("index counters artifacts: %w", err)
	}
	defer arows.Close()
	byAgent := make(map[string]int)
	for arows.Next() {
		var id string
		var n int
		if err := arows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("index counters artifacts scan: %w", err)
		}
		byAgent[id] = n
	}
	if err := arows.Err(); err != nil {
		return nil, fmt.Errorf("index counters artifacts iteration: %w", err)
	}
	for i := range out {
		out[i].Artifacts = byAgent[out[i].AgentID]
		delete(byAgent, out[i].AgentID)
	}
	// Agents that only produced artifacts still get a row.
	extra := make([]string, 0, len(byAgent))
	for id := range byAgent {
		extra = append(extra, id)
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, AgentCounters{AgentID: id, Artifacts: byAgent[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanRuns walks work/projects/*/runs/*/run.yaml and folds each run's
// events file into counts. Unreadable run.yaml files are logged and
// skipped; an unreadable events file leaves the counts at zero.
func scanRuns(workspace string, logger *log.Logger) ([]RunRow, error) {
	projects, err := listDirs(domain.ProjectsDir(workspace))
	if err != nil {
		return nil, err
	}
	var out []RunRow
	for _, p := range projects {
		runIDs, err := listDirs(domain.RunsDir(workspace, p))
		if err != nil {
			return nil, err
		}
		for _, runID := range runIDs {
			var run domain.Run
			if err := readYAMLFile(domain.RunYAMLPath(workspace, p, runID), &run); err != nil {
				logger.Printf("index: skip unreadable run %s/%s: %v", p, runID, err)
				continue
			}
			row := RunRow{
				ID:            run.ID,
				ProjectID:     run.ProjectID,
				AgentID:       run.AgentID,
				TeamID:        run.TeamID,
				Provider:      run.Provider,
				Status:        string(run.Status),
				JobID:         run.JobID,
				ContextPackID: run.ContextPackID,
				StartedAt:     run.StartedAt,
				EndedAt:       run.EndedAt,
				ExitCode:      run.ExitCode,
				Error:         run.Error,
				ContextCycles: run.ContextCyclesCount,
			}
			if row.ID == "" {
				row.ID = runID
			}
			if row.ProjectID == "" {
				row.ProjectID = p
			}
			if run.Usage != nil {
				row.UsageSource = run.Usage.Source
				row.UsageTokens = run.Usage.Tokens
				row.UsageCostUSD = run.Usage.CostUSD
			}
			foldEvents(domain.EventsPath(workspace, p, runID), &row)
			out = append(out, row)
		}
	}
	return out, nil
}

// foldEvents accumulates event counts and last-event metadata into row.
func foldEvents(path string, row *RunRow) {
	envs, malformed, err := eventlog.ReadAll(path)
	if err != nil {
		return
	}
	row.MalformedEventCount = malformed
	row.EventCount = len(envs)
	for _, env := range envs {
		switch {
		case env.Type == domain.EventPolicyDenied:
			row.PolicyDeniedCount++
		case strings.HasPrefix(env.Type, "budget."):
			row.BudgetEventCount++
		}
	}
	if len(envs) > 0 {
		last := envs[len(envs)-1]
		row.LastEventType = last.Type
		row.LastEventAt = last.TSWallclock
	}
}

// scanArtifacts walks work/projects/*/artifacts/*.md. Front-matter
// failures produce a row with ParseError set and the id taken from the
// file name.
func scanArtifacts(workspace string, logger *log.Logger) ([]ArtifactRow, error) {
	projects, err := listDirs(domain.ProjectsDir(workspace))
	if err != nil {
		return nil, err
	}
	var out []ArtifactRow
	for _, p := range projects {
		dir := domain.ArtifactsDir(workspace, p)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, domain.E(domain.CodeIOError, "index.scan_artifacts", err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".md")
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				logger.Printf("index: skip unreadable artifact %s/%s: %v", p, e.Name(), err)
				out = append(out, ArtifactRow{ID: id, ProjectID: p, ParseError: true})
				continue
			}
			meta, _, err := domain.ParseArtifact(data)
			if err != nil {
				out = append(out, ArtifactRow{ID: id, ProjectID: p, ParseError: true})
				continue
			}
			out = append(out, ArtifactRow{
				ID:          meta.ID,
				ProjectID:   p,
				Type:        meta.Type,
				Title:       meta.Title,
				Visibility:  string(meta.Visibility),
				Sensitivity: meta.Sensitivity,
				ProducedBy:  meta.ProducedBy,
				RunID:       meta.RunID,
				CreatedAt:   meta.CreatedAt,
				Score:       meta.Score,
				ParseError:  false,
			})
		}
	}
	return out, nil
}

// scanReviews walks inbox/reviews/*.yaml. Each file is the decision
// history for one artifact; the last entry wins.
func scanReviews(workspace string, logger *log.Logger) ([]ReviewRow, error) {
	dir := domain.InboxReviewsDir(workspace)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.E(domain.CodeIOError, "index.scan_reviews", err)
	}
	var out []ReviewRow
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		artifactID := strings.TrimSuffix(e.Name(), ".yaml")
		var decisions []domain.ReviewDecision
		if err := readYAMLFile(filepath.Join(dir, e.Name()), &decisions); err != nil || len(decisions) == 0 {
			if err != nil {
				logger.Printf("index: unreadable review file %s: %v", e.Name(), err)
			}
			out = append(out, ReviewRow{ArtifactID: artifactID, ParseError: true})
			continue
		}
		last := decisions[len(decisions)-1]
		out = append(out, ReviewRow{
			ArtifactID:    artifactID,
			Decision:      last.Decision,
			ReviewerID:    last.ReviewerID,
			DecidedAt:     last.DecidedAt,
			DecisionCount: len(decisions),
		})
	}
	return out, nil
}

func readYAMLFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.E(domain.CodeIOError, "index.list_dirs", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
