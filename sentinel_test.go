package sentinel

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := NewDaemon("sqlite://:memory:", CoreConfig{
		DefaultStopGrace: time.Second,
		CommandTimeout:   5 * time.Second,
		LogFlushInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return d
}

func waitFacadePhase(t *testing.T, d *Daemon, ref string, p Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, st, err := d.Describe(ref); err == nil && st.Phase == p {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	_, st, _ := d.Describe(ref)
	t.Fatalf("phase %s never reached (now %s)", p, st.Phase)
}

func TestDaemonFacadeRunAndLogs(t *testing.T) {
	requireUnix(t)
	d := newTestDaemon(t)
	ctx := context.Background()

	id, err := d.CreateWorkload(ctx, CreateRequest{
		Name: "echo1",
		Argv: []string{"/bin/sh", "-c", "echo hi; exit 0"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Start(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFacadePhase(t, d, id, "stopped", 5*time.Second)

	recs, err := d.QueryLogs(ctx, id, LogQuery{})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(recs) != 1 || recs[0].Payload != "hi" {
		t.Fatalf("log records: %+v", recs)
	}
	_, st, _ := d.Describe(id)
	if st.ConsecutiveFailures != 0 || st.LastExitCode != 0 {
		t.Errorf("final state: %+v", st)
	}
}

func TestDaemonFacadePolicyAndSchedule(t *testing.T) {
	requireUnix(t)
	d := newTestDaemon(t)
	ctx := context.Background()

	if err := d.PutPolicy(ctx, RestartPolicy{
		Name: "steady", MaxRetries: 2, InitialDelay: time.Second,
		BackoffMultiplier: 2.0, MaxDelay: 10 * time.Second,
	}); err != nil {
		t.Fatalf("policy: %v", err)
	}
	id, err := d.CreateWorkload(ctx, CreateRequest{
		Name: "svc", Argv: []string{"/bin/true"}, Policy: "steady",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sid, err := d.PutSchedule(ctx, ScheduleRequest{
		Workload: id, Kind: "cron", Expression: "*/5 * * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := d.DisableSchedule(ctx, sid); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := d.EnableSchedule(ctx, sid); err != nil {
		t.Fatalf("enable: %v", err)
	}
	h := d.Health()
	if h.PhaseCounts["idle"] != 1 {
		t.Errorf("health: %+v", h)
	}
}

func TestMetricsRegisterTwice(t *testing.T) {
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("second register: %v", err)
	}
}
