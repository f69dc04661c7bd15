package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/metrics"
	"github.com/loykin/sentinel/internal/scheduler"
	"github.com/loykin/sentinel/internal/store"
	"github.com/loykin/sentinel/internal/supervisor"
	"github.com/loykin/sentinel/internal/workload"
)

// CreateRequest declares a new workload.
type CreateRequest struct {
	Name      string            `json:"name"`
	Argv      []string          `json:"argv"`
	WorkDir   string            `json:"work_dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Group     string            `json:"group,omitempty"`
	Policy    string            `json:"policy,omitempty"`
	Schedules []string          `json:"schedules,omitempty"`
}

// UpdatePatch carries partial workload updates; nil fields are untouched.
type UpdatePatch struct {
	Name    *string           `json:"name,omitempty"`
	Argv    []string          `json:"argv,omitempty"`
	WorkDir *string           `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Group   *string           `json:"group,omitempty"`
	Policy  *string           `json:"policy,omitempty"`
}

// Summary is one list_workloads row.
type Summary struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Phase     workload.Phase `json:"phase"`
	PID       int            `json:"pid,omitempty"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	Failures  int            `json:"failures"`
}

// ListFilter narrows list_workloads. Pattern supports '*' wildcards.
type ListFilter struct {
	Pattern string `json:"pattern,omitempty"`
	Group   string `json:"group,omitempty"`
}

// ScheduleRequest declares or replaces a schedule on a workload.
type ScheduleRequest struct {
	Workload   string                `json:"workload"`
	Kind       workload.ScheduleKind `json:"kind"`
	Expression string                `json:"expression"`
	Enabled    bool                  `json:"enabled"`
}

// Health is the aggregated daemon health snapshot.
type Health struct {
	PhaseCounts    map[workload.Phase]int `json:"phase_counts"`
	PersistenceLag time.Duration          `json:"persistence_lag"`
	SchedulerDrift time.Duration          `json:"scheduler_drift"`
}

func timeoutErr(t supervisor.CmdType, timeout time.Duration) error {
	return apperr.New(apperr.Timeout, "command %d timed out after %s", t, timeout).
		WithHint("the command may still complete; idempotent retries are safe")
}

func (c *Coordinator) supervisorDeps(initialSeq uint64) supervisor.Deps {
	return supervisor.Deps{
		Timers:         c.timers,
		Events:         c.publish,
		Appender:       c.app,
		Store:          c.st,
		Mirror:         c.cfg.Mirror,
		SampleInterval: c.cfg.MetricSampleInterval,
		MaxLineBytes:   c.cfg.MaxLineBytes,
		InitialSeq:     initialSeq,
		DefaultGrace:   c.cfg.DefaultStopGrace,
	}
}

// policyFor resolves a policy reference, consulting the store behind the
// in-memory cache. An empty reference means the built-in no-restart policy.
func (c *Coordinator) policyFor(ctx context.Context, name string) (workload.RestartPolicy, error) {
	if name == "" || name == "none" {
		return workload.NoRestart(), nil
	}
	c.mu.RLock()
	p, ok := c.policies[name]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := c.st.LoadPolicy(ctx, name)
	if err != nil {
		return workload.RestartPolicy{}, err
	}
	c.mu.Lock()
	c.policies[name] = p
	c.mu.Unlock()
	return p, nil
}

// CreateWorkload validates, persists, and registers a workload with its
// supervisor in Idle.
func (c *Coordinator) CreateWorkload(ctx context.Context, req CreateRequest) (string, error) {
	w := workload.Workload{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		Argv:      req.Argv,
		WorkDir:   req.WorkDir,
		Env:       req.Env,
		Group:     req.Group,
		Policy:    req.Policy,
		Schedules: req.Schedules,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := w.Validate(); err != nil {
		return "", apperr.Wrap(apperr.InvalidArgv, err, "invalid workload")
	}
	policy, err := c.policyFor(ctx, req.Policy)
	if err != nil {
		return "", err
	}
	for _, sid := range req.Schedules {
		c.mu.RLock()
		_, ok := c.schedules[sid]
		c.mu.RUnlock()
		if !ok {
			return "", apperr.New(apperr.InvalidField, "unknown schedule %q", sid)
		}
	}

	c.mu.Lock()
	if _, exists := c.byName[w.Name]; exists {
		c.mu.Unlock()
		return "", apperr.New(apperr.NameConflict, "workload name %q already exists", w.Name)
	}
	// Reserve the name before the store round-trip so concurrent creates
	// cannot race past each other.
	c.byName[w.Name] = w.ID
	c.mu.Unlock()

	if err := c.st.UpsertWorkload(ctx, w); err != nil {
		c.mu.Lock()
		delete(c.byName, w.Name)
		c.mu.Unlock()
		return "", err
	}

	s := supervisor.New(w, policy, c.supervisorDeps(0))
	c.mu.Lock()
	c.byID[w.ID] = s
	c.mu.Unlock()
	return w.ID, nil
}

// UpdateWorkload applies a partial update and pushes it to the supervisor.
func (c *Coordinator) UpdateWorkload(ctx context.Context, ref string, patch UpdatePatch) error {
	s := c.resolve(ref)
	if s == nil {
		return apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	w := s.Workload()
	oldName := w.Name
	if patch.Name != nil {
		w.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Argv != nil {
		w.Argv = patch.Argv
	}
	if patch.WorkDir != nil {
		w.WorkDir = *patch.WorkDir
	}
	if patch.Env != nil {
		w.Env = patch.Env
	}
	if patch.Group != nil {
		w.Group = *patch.Group
	}
	if patch.Policy != nil {
		w.Policy = *patch.Policy
	}
	w.UpdatedAt = time.Now().UTC()
	if err := w.Validate(); err != nil {
		return apperr.Wrap(apperr.InvalidField, err, "invalid update")
	}
	policy, err := c.policyFor(ctx, w.Policy)
	if err != nil {
		return err
	}

	if w.Name != oldName {
		c.mu.Lock()
		if _, exists := c.byName[w.Name]; exists {
			c.mu.Unlock()
			return apperr.New(apperr.NameConflict, "workload name %q already exists", w.Name)
		}
		delete(c.byName, oldName)
		c.byName[w.Name] = w.ID
		c.mu.Unlock()
	}
	if err := c.st.UpsertWorkload(ctx, w); err != nil {
		return err
	}
	return c.send(ctx, s, supervisor.Command{Type: supervisor.CmdUpdate, Workload: w, Policy: policy}, 0)
}

// DeleteWorkload terminates the supervisor and removes all traces. Running
// workloads require force, which stops them with the given grace first.
func (c *Coordinator) DeleteWorkload(ctx context.Context, ref string, force bool, grace time.Duration) error {
	s := c.resolve(ref)
	if s == nil {
		return apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	w := s.Workload()
	if s.State().Phase.Active() && !force {
		return apperr.New(apperr.Busy, "workload %q is active", w.Name).
			WithHint("stop it first or pass force")
	}
	if grace <= 0 {
		grace = c.cfg.DefaultStopGrace
	}
	if err := c.send(ctx, s, supervisor.Command{Type: supervisor.CmdDelete, Grace: grace}, grace); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.byID, w.ID)
	delete(c.byName, w.Name)
	var schedIDs []string
	for id, sc := range c.schedules {
		if sc.WorkloadID == w.ID {
			schedIDs = append(schedIDs, id)
			delete(c.schedules, id)
		}
	}
	c.mu.Unlock()
	for _, id := range schedIDs {
		c.sched.Remove(id)
	}
	return c.st.DeleteWorkload(ctx, w.ID)
}

// Start routes start to the supervisor. Spawn failures after acceptance are
// reported via the event stream, not this call.
func (c *Coordinator) Start(ctx context.Context, ref string) error {
	s := c.resolve(ref)
	if s == nil {
		return apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	return c.send(ctx, s, supervisor.Command{Type: supervisor.CmdStart}, 0)
}

// Stop routes stop; the reply deadline extends by the grace period.
func (c *Coordinator) Stop(ctx context.Context, ref string, grace time.Duration, force bool) error {
	s := c.resolve(ref)
	if s == nil {
		return apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	if grace <= 0 {
		grace = c.cfg.DefaultStopGrace
	}
	if force {
		grace = 0
	}
	return c.send(ctx, s, supervisor.Command{Type: supervisor.CmdStop, Grace: grace}, grace)
}

// Restart is atomic inside the supervisor: no other command interleaves
// between the stop and the start.
func (c *Coordinator) Restart(ctx context.Context, ref string, delay time.Duration) error {
	s := c.resolve(ref)
	if s == nil {
		return apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	return c.send(ctx, s, supervisor.Command{Type: supervisor.CmdRestart, Delay: delay}, c.cfg.DefaultStopGrace)
}

// List returns summaries, filtered by name pattern and/or group.
func (c *Coordinator) List(filter ListFilter) []Summary {
	c.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(c.byID))
	for _, s := range c.byID {
		sups = append(sups, s)
	}
	c.mu.RUnlock()
	out := make([]Summary, 0, len(sups))
	for _, s := range sups {
		w := s.Workload()
		if filter.Pattern != "" && !wildcardMatch(w.Name, filter.Pattern) {
			continue
		}
		if filter.Group != "" && w.Group != filter.Group {
			continue
		}
		st := s.State()
		out = append(out, Summary{
			ID: w.ID, Name: w.Name, Phase: st.Phase, PID: st.PID,
			StartedAt: st.StartedAt, Failures: st.ConsecutiveFailures,
		})
	}
	return out
}

// Describe returns the declared workload and its runtime state.
func (c *Coordinator) Describe(ref string) (workload.Workload, workload.RuntimeState, error) {
	s := c.resolve(ref)
	if s == nil {
		return workload.Workload{}, workload.RuntimeState{}, apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	return s.Workload(), s.State(), nil
}

// PutPolicy validates and persists a policy, then pushes it to every
// supervisor referencing it.
func (c *Coordinator) PutPolicy(ctx context.Context, p workload.RestartPolicy) error {
	if err := p.Validate(); err != nil {
		return apperr.Wrap(apperr.InvalidPolicy, err, "invalid policy")
	}
	if err := c.st.PutPolicy(ctx, p); err != nil {
		return err
	}
	c.mu.Lock()
	c.policies[p.Name] = p
	var affected []*supervisor.Supervisor
	for _, s := range c.byID {
		if s.Workload().Policy == p.Name {
			affected = append(affected, s)
		}
	}
	c.mu.Unlock()
	for _, s := range affected {
		w := s.Workload()
		_ = c.send(ctx, s, supervisor.Command{Type: supervisor.CmdUpdate, Workload: w, Policy: p}, 0)
	}
	return nil
}

// PutSchedule creates or replaces a schedule and arms it when enabled.
func (c *Coordinator) PutSchedule(ctx context.Context, req ScheduleRequest) (string, error) {
	s := c.resolve(req.Workload)
	if s == nil {
		return "", apperr.New(apperr.NotFound, "workload %q not found", req.Workload)
	}
	if err := scheduler.Validate(req.Kind, req.Expression, c.loc); err != nil {
		return "", err
	}
	sc := workload.Schedule{
		ID:         uuid.NewString(),
		WorkloadID: s.Workload().ID,
		Kind:       req.Kind,
		Expression: req.Expression,
		Enabled:    req.Enabled,
	}
	if sc.Enabled {
		next, err := scheduler.NextFire(sc.Kind, sc.Expression, time.Now(), time.Time{}, c.loc)
		if err != nil {
			return "", err
		}
		sc.NextFire = next
	}
	if err := c.st.PutSchedule(ctx, sc); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.schedules[sc.ID] = sc
	c.mu.Unlock()
	if sc.Enabled {
		if err := c.sched.Upsert(sc); err != nil {
			return "", err
		}
	}
	return sc.ID, nil
}

// EnableSchedule re-arms a schedule; future firings behave as if it had just
// been declared.
func (c *Coordinator) EnableSchedule(ctx context.Context, id string) error {
	return c.setScheduleEnabled(ctx, id, true)
}

// DisableSchedule removes the schedule from the queue; it stays persisted.
func (c *Coordinator) DisableSchedule(ctx context.Context, id string) error {
	return c.setScheduleEnabled(ctx, id, false)
}

func (c *Coordinator) setScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	c.mu.Lock()
	sc, ok := c.schedules[id]
	if !ok {
		c.mu.Unlock()
		return apperr.New(apperr.NotFound, "schedule %q not found", id)
	}
	sc.Enabled = enabled
	if !enabled {
		sc.NextFire = time.Time{}
	}
	c.schedules[id] = sc
	c.mu.Unlock()

	if enabled {
		sc.NextFire = time.Time{} // recompute from now
		if err := c.sched.Upsert(sc); err != nil {
			return err
		}
		if fresh, ok := c.sched.Snapshot(id); ok {
			sc = fresh
			c.mu.Lock()
			c.schedules[id] = sc
			c.mu.Unlock()
		}
	} else {
		c.sched.Remove(id)
	}
	return c.st.PutSchedule(ctx, sc)
}

// Schedules lists declared schedules, optionally for one workload.
func (c *Coordinator) Schedules(workloadRef string) ([]workload.Schedule, error) {
	var wid string
	if workloadRef != "" {
		s := c.resolve(workloadRef)
		if s == nil {
			return nil, apperr.New(apperr.NotFound, "workload %q not found", workloadRef)
		}
		wid = s.Workload().ID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]workload.Schedule, 0, len(c.schedules))
	for _, sc := range c.schedules {
		if wid != "" && sc.WorkloadID != wid {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// QueryLogs serves persisted log records; pending appends are flushed first
// so a query issued right after output is complete.
func (c *Coordinator) QueryLogs(ctx context.Context, ref string, q store.LogQuery) ([]workload.LogRecord, error) {
	s := c.resolve(ref)
	if s == nil {
		return nil, apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	q.WorkloadID = s.Workload().ID
	_ = c.app.Flush(ctx)
	return c.st.QueryLogs(ctx, q)
}

// QueryMetrics serves persisted samples.
func (c *Coordinator) QueryMetrics(ctx context.Context, ref string, since, until time.Time) ([]workload.MetricSample, error) {
	s := c.resolve(ref)
	if s == nil {
		return nil, apperr.New(apperr.NotFound, "workload %q not found", ref)
	}
	_ = c.app.Flush(ctx)
	return c.st.QueryMetrics(ctx, s.Workload().ID, since, until)
}

// Health aggregates phase counts and the two lag signals.
func (c *Coordinator) Health() Health {
	h := Health{PhaseCounts: make(map[workload.Phase]int)}
	c.mu.RLock()
	for _, s := range c.byID {
		h.PhaseCounts[s.State().Phase]++
	}
	c.mu.RUnlock()
	h.PersistenceLag = c.app.Lag()
	h.SchedulerDrift = c.sched.Drift()
	metrics.SetPersistenceLag(h.PersistenceLag.Seconds())
	return h
}

// wildcardMatch matches name against a pattern with '*' wildcard (glob-like,
// case-sensitive).
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name[idx:], last)
	}
	return true
}
