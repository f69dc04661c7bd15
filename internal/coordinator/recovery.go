package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/sentinel/internal/supervisor"
	"github.com/loykin/sentinel/internal/workload"
)

// Recover rebuilds the registry from the store on daemon startup. Every
// workload's supervisor begins in Idle; pids recorded as running by a prior
// daemon generation are treated as lost, never re-adopted, and the policy
// decides whether a fresh start follows.
func (c *Coordinator) Recover(ctx context.Context) error {
	policies, err := c.st.ListPolicies(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, p := range policies {
		c.policies[p.Name] = p
	}
	c.mu.Unlock()

	workloads, err := c.st.ListWorkloads(ctx)
	if err != nil {
		return err
	}
	for _, w := range workloads {
		policy, perr := c.policyFor(ctx, w.Policy)
		if perr != nil {
			slog.Warn("workload references unknown policy; using none", "workload", w.Name, "policy", w.Policy)
			policy = workload.NoRestart()
		}
		seq, serr := c.st.MaxLogSeq(ctx, w.ID)
		if serr != nil {
			seq = 0
		}
		s := supervisor.New(w, policy, c.supervisorDeps(seq))
		c.mu.Lock()
		c.byID[w.ID] = s
		c.byName[w.Name] = w.ID
		c.mu.Unlock()
	}

	schedules, err := c.st.LoadSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		c.mu.Lock()
		c.schedules[sc.ID] = sc
		c.mu.Unlock()
		if !sc.Enabled {
			continue
		}
		// Stale next-fire instants are recomputed from now; missed windows do
		// not burst.
		sc.NextFire = time.Time{}
		if err := c.sched.Upsert(sc); err != nil {
			slog.Warn("schedule could not be re-armed", "schedule", sc.ID, "error", err)
		}
	}

	running, err := c.st.GetRunning(ctx)
	if err != nil {
		return err
	}
	for _, rec := range running {
		// Close out the audit row; the process belongs to a dead generation.
		if err := c.st.RecordStop(ctx, rec.Uniq, time.Now(), -1); err != nil {
			slog.Warn("could not close lost run record", "uniq", rec.Uniq, "error", err)
		}
		s := c.supervisorByID(rec.WorkloadID)
		if s == nil {
			continue
		}
		reply := make(chan error, 1)
		if err := s.Send(supervisor.Command{Type: supervisor.CmdLost, PriorPID: rec.PID, Reply: reply}); err != nil {
			continue
		}
		go func() {
			select {
			case <-reply:
			case <-time.After(c.cfg.CommandTimeout):
			}
		}()
	}
	slog.Info("recovery complete",
		"workloads", len(workloads), "schedules", len(schedules), "lost", len(running))
	return nil
}
