// Package lane is the in-process admission scheduler that bounds how
// many worker launches run at once per workspace, provider, and team,
// with exponential provider cooldowns on backpressure.
package lane

import (
	"log"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Priority classes, strict ordering. Lower value drains first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// ParsePriority maps the wire strings; anything unknown is normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	}
	return PriorityNormal
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// Limits bound the three admission dimensions. Zero means "use the
// scheduler default".
type Limits struct {
	Workspace int
	Provider  int
	Team      int
}

func envLimit(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 1 {
				return 1
			}
			return n
		}
	}
	return def
}

// LimitsFromEnv reads AC_LAUNCH_{WORKSPACE,PROVIDER,TEAM}_LIMIT with a
// lower bound of 1.
func LimitsFromEnv() Limits {
	return Limits{
		Workspace: envLimit("AC_LAUNCH_WORKSPACE_LIMIT", 4),
		Provider:  envLimit("AC_LAUNCH_PROVIDER_LIMIT", 2),
		Team:      envLimit("AC_LAUNCH_TEAM_LIMIT", 2),
	}
}

// BackpressureClass classifies why a provider pushed back.
type BackpressureClass string

const (
	ClassRateLimit   BackpressureClass = "rate_limit"
	ClassTransient   BackpressureClass = "transient"
	ClassInteractive BackpressureClass = "interactive"
	ClassAuth        BackpressureClass = "auth"
)

func (c BackpressureClass) baseCooldown() time.Duration {
	switch c {
	case ClassRateLimit:
		return 5 * time.Minute
	case ClassInteractive:
		return 2 * time.Minute
	case ClassAuth:
		return 30 * time.Minute
	}
	return 60 * time.Second
}

func (c BackpressureClass) maxLevel() int {
	if c == ClassAuth {
		return 1
	}
	return 6
}

// BackpressureOpts override the class defaults.
type BackpressureOpts struct {
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	JitterPct    float64 // default 0.10
}

// Submission is one launch waiting for admission. Run is executed on its
// own goroutine once admitted; the lane decrements its counters when Run
// returns, panics included.
type Submission struct {
	Provider string
	TeamID   string
	Priority Priority
	Limits   Limits
	Run      func()
}

type queued struct {
	id  uint64
	sub Submission
}

type cooldown struct {
	level int
	until time.Time
}

type laneState struct {
	queue     []*queued
	running   int
	byProv    map[string]int
	byTeam    map[string]int
	cooldowns map[string]*cooldown
	timer     *time.Timer
	timerAt   time.Time
}

// Scheduler holds one lane per workspace directory.
type Scheduler struct {
	logger   *log.Logger
	defaults Limits

	mu     sync.Mutex
	nextID uint64
	lanes  map[string]*laneState

	now    func() time.Time
	jitter func() float64 // uniform [0,1)
}

// NewScheduler returns a Scheduler with defaults from the environment.
func NewScheduler(logger *log.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		defaults: LimitsFromEnv(),
		lanes:    make(map[string]*laneState),
		now:      time.Now,
		jitter:   rand.Float64,
	}
}

func (s *Scheduler) lane(ws string) *laneState {
	l, ok := s.lanes[ws]
	if !ok {
		l = &laneState{
			byProv:    make(map[string]int),
			byTeam:    make(map[string]int),
			cooldowns: make(map[string]*cooldown),
		}
		s.lanes[ws] = l
	}
	return l
}

// Ticket identifies a queued submission.
type Ticket struct {
	ID        uint64
	workspace string
	s         *Scheduler
}

// Cancel removes the submission if it has not been admitted yet.
// Returns false when the job already started (or finished).
func (t *Ticket) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	l, ok := t.s.lanes[t.workspace]
	if !ok {
		return false
	}
	for i, q := range l.queue {
		if q.id == t.ID {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Submit queues the job and drains. Returns a ticket for cancellation.
func (s *Scheduler) Submit(workspace string, sub Submission) *Ticket {
	if sub.Limits.Workspace <= 0 {
		sub.Limits.Workspace = s.defaults.Workspace
	}
	if sub.Limits.Provider <= 0 {
		sub.Limits.Provider = s.defaults.Provider
	}
	if sub.Limits.Team <= 0 {
		sub.Limits.Team = s.defaults.Team
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	l := s.lane(workspace)
	l.queue = append(l.queue, &queued{id: id, sub: sub})
	s.drainLocked(workspace, l)
	s.mu.Unlock()
	return &Ticket{ID: id, workspace: workspace, s: s}
}

// drainLocked admits every queued job that fits, scanning in strict
// (priority, insertion id) order. Caller holds s.mu.
func (s *Scheduler) drainLocked(ws string, l *laneState) {
	sort.SliceStable(l.queue, func(i, j int) bool {
		if l.queue[i].sub.Priority != l.queue[j].sub.Priority {
			return l.queue[i].sub.Priority < l.queue[j].sub.Priority
		}
		return l.queue[i].id < l.queue[j].id
	})
	now := s.now()
	remaining := l.queue[:0]
	for _, q := range l.queue {
		if s.admissible(l, q.sub, now) {
			l.running++
			l.byProv[q.sub.Provider]++
			if q.sub.TeamID != "" {
				l.byTeam[q.sub.TeamID]++
			}
			go s.execute(ws, q.sub)
			continue
		}
		remaining = append(remaining, q)
	}
	l.queue = remaining
	s.armResumeTimerLocked(ws, l)
}

func (s *Scheduler) admissible(l *laneState, sub Submission, now time.Time) bool {
	if l.running >= sub.Limits.Workspace {
		return false
	}
	if l.byProv[sub.Provider] >= sub.Limits.Provider {
		return false
	}
	if sub.TeamID != "" && l.byTeam[sub.TeamID] >= sub.Limits.Team {
		return false
	}
	if cd, ok := l.cooldowns[sub.Provider]; ok && now.Before(cd.until) {
		return false
	}
	return true
}

// execute runs the job and releases its slots afterwards, panics included.
func (s *Scheduler) execute(ws string, sub Submission) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("lane: job panicked: %v", r)
		}
		s.mu.Lock()
		l := s.lane(ws)
		l.running--
		l.byProv[sub.Provider]--
		if sub.TeamID != "" {
			l.byTeam[sub.TeamID]--
		}
		s.drainLocked(ws, l)
		s.mu.Unlock()
	}()
	sub.Run()
}

// ReportProviderBackpressure records an exponential cooldown for the
// provider and returns its duration. The level only escalates while a
// previous cooldown is still active.
func (s *Scheduler) ReportProviderBackpressure(ws, provider string, class BackpressureClass, opts BackpressureOpts) time.Duration {
	base := opts.BaseCooldown
	if base <= 0 {
		base = class.baseCooldown()
	}
	max := opts.MaxCooldown
	if max <= 0 {
		max = 30 * time.Minute
	}
	if class == ClassAuth && max > base {
		max = base
	}
	jitterPct := opts.JitterPct
	if jitterPct <= 0 {
		jitterPct = 0.10
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lane(ws)
	now := s.now()

	cd, ok := l.cooldowns[provider]
	if !ok {
		cd = &cooldown{}
		l.cooldowns[provider] = cd
	}
	if ok && now.Before(cd.until) {
		cd.level++
	} else {
		cd.level = 1
	}
	if lim := class.maxLevel(); cd.level > lim {
		cd.level = lim
	}

	d := time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(cd.level-1)),
		float64(max),
	))
	// Multiplicative jitter in [1-pct, 1+pct], floored at one second.
	factor := 1 + jitterPct*(2*s.jitter()-1)
	d = time.Duration(float64(d) * factor)
	if d < time.Second {
		d = time.Second
	}
	cd.until = now.Add(d)
	s.armResumeTimerLocked(ws, l)
	return d
}

// ClearProviderCooldown drops the provider's cooldown and drains.
func (s *Scheduler) ClearProviderCooldown(ws, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lane(ws)
	delete(l.cooldowns, provider)
	s.drainLocked(ws, l)
}

// armResumeTimerLocked keeps exactly one timer per lane, aimed at the
// earliest active cooldown expiry. Caller holds s.mu.
func (s *Scheduler) armResumeTimerLocked(ws string, l *laneState) {
	now := s.now()
	var earliest time.Time
	for _, cd := range l.cooldowns {
		if cd.until.After(now) && (earliest.IsZero() || cd.until.Before(earliest)) {
			earliest = cd.until
		}
	}
	if earliest.IsZero() {
		return
	}
	if l.timer != nil && !l.timerAt.IsZero() && !earliest.Before(l.timerAt) && l.timerAt.After(now) {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timerAt = earliest
	l.timer = time.AfterFunc(earliest.Sub(now)+time.Millisecond, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.lanes[ws]; ok {
			cur.timerAt = time.Time{}
			s.drainLocked(ws, cur)
		}
	})
}

// Stats is the observable lane state for one workspace.
type Stats struct {
	QueueDepths       map[string]int           `json:"queue_depths"`
	RunningTotal      int                      `json:"running_total"`
	RunningByProvider map[string]int           `json:"running_by_provider"`
	RunningByTeam     map[string]int           `json:"running_by_team"`
	CooldownRemaining map[string]time.Duration `json:"cooldown_remaining"`
}

// ReadStats snapshots the lane for a workspace.
func (s *Scheduler) ReadStats(ws string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lane(ws)
	now := s.now()

	st := Stats{
		QueueDepths:       map[string]int{"high": 0, "normal": 0, "low": 0},
		RunningTotal:      l.running,
		RunningByProvider: make(map[string]int),
		RunningByTeam:     make(map[string]int),
		CooldownRemaining: make(map[string]time.Duration),
	}
	for _, q := range l.queue {
		st.QueueDepths[q.sub.Priority.String()]++
	}
	for p, n := range l.byProv {
		if n > 0 {
			st.RunningByProvider[p] = n
		}
	}
	for t, n := range l.byTeam {
		if n > 0 {
			st.RunningByTeam[t] = n
		}
	}
	for p, cd := range l.cooldowns {
		if rem := cd.until.Sub(now); rem > 0 {
			st.CooldownRemaining[p] = rem
		}
	}
	return st
}
