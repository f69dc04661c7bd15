package store

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/workload"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := NewSQLite("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestWorkloadRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	w := workload.Workload{
		ID:        "w1",
		Name:      "web",
		Argv:      []string{"/bin/sh", "-c", "echo hi"},
		WorkDir:   "/tmp",
		Env:       map[string]string{"PORT": "8080"},
		Group:     "frontends",
		Policy:    "steady",
		Schedules: []string{"s1"},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := st.UpsertWorkload(ctx, w); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := st.ListWorkloads(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d workloads", len(got))
	}
	g := got[0]
	if g.ID != w.ID || g.Name != w.Name || g.WorkDir != w.WorkDir || g.Group != w.Group || g.Policy != w.Policy {
		t.Errorf("round trip mismatch: %+v", g)
	}
	if len(g.Argv) != 3 || g.Argv[2] != "echo hi" {
		t.Errorf("argv mismatch: %v", g.Argv)
	}
	if g.Env["PORT"] != "8080" {
		t.Errorf("env mismatch: %v", g.Env)
	}
	if !g.CreatedAt.Equal(w.CreatedAt) {
		t.Errorf("created_at mismatch: %v != %v", g.CreatedAt, w.CreatedAt)
	}

	// Upsert replaces in place.
	w.Name = "web2"
	if err := st.UpsertWorkload(ctx, w); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = st.ListWorkloads(ctx)
	if len(got) != 1 || got[0].Name != "web2" {
		t.Errorf("upsert did not replace: %+v", got)
	}

	if err := st.DeleteWorkload(ctx, w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = st.ListWorkloads(ctx)
	if len(got) != 0 {
		t.Errorf("workload survived delete")
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := workload.RestartPolicy{
		Name:                "steady",
		MaxRetries:          5,
		InitialDelay:        2 * time.Second,
		BackoffMultiplier:   1.5,
		MaxDelay:            time.Minute,
		RestartOnExitCodes:  []int{1, 7},
		RestartOnNormalExit: true,
		RestartOnLost:       true,
	}
	if err := st.PutPolicy(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.LoadPolicy(ctx, "steady")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.MaxRetries != 5 || got.InitialDelay != 2*time.Second || got.BackoffMultiplier != 1.5 ||
		got.MaxDelay != time.Minute || !got.RestartOnNormalExit || !got.RestartOnLost {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.RestartOnExitCodes) != 2 || got.RestartOnExitCodes[1] != 7 {
		t.Errorf("exit codes mismatch: %v", got.RestartOnExitCodes)
	}

	_, err = st.LoadPolicy(ctx, "missing")
	if !apperr.Is(err, apperr.UnknownPolicy) {
		t.Errorf("missing policy: got %v", err)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	next := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	sc := workload.Schedule{
		ID: "s1", WorkloadID: "w1", Kind: workload.ScheduleCron,
		Expression: "*/5 * * * *", Enabled: true, NextFire: next,
	}
	if err := st.PutSchedule(ctx, sc); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.LoadSchedules(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Expression != sc.Expression || !got[0].Enabled || !got[0].NextFire.Equal(next) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if err := st.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = st.LoadSchedules(ctx)
	if len(got) != 0 {
		t.Error("schedule survived delete")
	}
}

func TestLogsAppendQueryPurge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)
	var batch []workload.LogRecord
	for i := 1; i <= 10; i++ {
		stream := workload.StreamStdout
		if i%2 == 0 {
			stream = workload.StreamStderr
		}
		batch = append(batch, workload.LogRecord{
			WorkloadID: "w1", Seq: uint64(i), Time: base.Add(time.Duration(i) * time.Second),
			Stream: stream, Payload: "line",
		})
	}
	if err := st.AppendLogs(ctx, batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := st.QueryLogs(ctx, LogQuery{WorkloadID: "w1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("got %d records", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq != all[i-1].Seq+1 {
			t.Fatal("sequence not contiguous")
		}
	}

	stderrOnly, _ := st.QueryLogs(ctx, LogQuery{WorkloadID: "w1", Stream: workload.StreamStderr})
	if len(stderrOnly) != 5 {
		t.Errorf("stream filter: got %d", len(stderrOnly))
	}
	tail, _ := st.QueryLogs(ctx, LogQuery{WorkloadID: "w1", Tail: 3})
	if len(tail) != 3 || tail[0].Seq != 8 {
		t.Errorf("tail: %+v", tail)
	}

	seq, err := st.MaxLogSeq(ctx, "w1")
	if err != nil || seq != 10 {
		t.Errorf("MaxLogSeq = %d, %v", seq, err)
	}

	n, err := st.PurgeLogsBefore(ctx, "w1", time.Time{}, 6)
	if err != nil || n != 5 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	rest, _ := st.QueryLogs(ctx, LogQuery{WorkloadID: "w1"})
	if len(rest) != 5 || rest[0].Seq != 6 {
		t.Errorf("after purge: %+v", rest)
	}

	// Appends are idempotent on (workload, seq).
	if err := st.AppendLogs(ctx, batch[5:]); err != nil {
		t.Fatalf("re-append: %v", err)
	}
	rest, _ = st.QueryLogs(ctx, LogQuery{WorkloadID: "w1"})
	if len(rest) != 5 {
		t.Errorf("duplicate append changed count: %d", len(rest))
	}
}

func TestMetricsAppendQuery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)
	batch := []workload.MetricSample{
		{WorkloadID: "w1", Time: base, CPU: 0.5, RSSBytes: 1 << 20, Threads: 4},
		{WorkloadID: "w1", Time: base.Add(5 * time.Second), CPU: 0.7, RSSBytes: 2 << 20, Threads: 5},
	}
	if err := st.AppendMetrics(ctx, batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := st.QueryMetrics(ctx, "w1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].CPU != 0.5 || got[1].RSSBytes != 2<<20 || got[1].Threads != 5 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	since, _ := st.QueryMetrics(ctx, "w1", base.Add(time.Second), time.Time{})
	if len(since) != 1 {
		t.Errorf("since filter: %d", len(since))
	}
}

func TestRunAudit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Microsecond)
	rec := RunRecord{WorkloadID: "w1", PID: 4242, StartedAt: started, Running: true}
	if err := st.RecordStart(ctx, rec); err != nil {
		t.Fatalf("record start: %v", err)
	}
	running, err := st.GetRunning(ctx)
	if err != nil || len(running) != 1 {
		t.Fatalf("get running: %v (%d)", err, len(running))
	}
	if running[0].PID != 4242 || running[0].WorkloadID != "w1" {
		t.Errorf("running mismatch: %+v", running[0])
	}
	if err := st.RecordStop(ctx, rec.Key(), started.Add(time.Minute), 7); err != nil {
		t.Fatalf("record stop: %v", err)
	}
	running, _ = st.GetRunning(ctx)
	if len(running) != 0 {
		t.Error("run still marked running after stop")
	}
}
