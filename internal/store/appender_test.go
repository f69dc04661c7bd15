package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sentinel/internal/workload"
)

// flakyStore counts appends and can be told to fail.
type flakyStore struct {
	Store
	mu      sync.Mutex
	failing bool
	logs    []workload.LogRecord
	batches int
}

func (f *flakyStore) AppendLogs(_ context.Context, batch []workload.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store down")
	}
	f.logs = append(f.logs, batch...)
	f.batches++
	return nil
}

func (f *flakyStore) AppendMetrics(_ context.Context, _ []workload.MetricSample) error {
	return nil
}

func (f *flakyStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func rec(id string, seq uint64) workload.LogRecord {
	return workload.LogRecord{WorkloadID: id, Seq: seq, Time: time.Now(), Stream: workload.StreamStdout, Payload: "x"}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAppenderFlushesByInterval(t *testing.T) {
	fs := &flakyStore{}
	a := NewAppender(fs, AppenderConfig{BatchSize: 100, FlushInterval: 30 * time.Millisecond}, nil)
	defer func() { _ = a.Close() }()
	for i := uint64(1); i <= 5; i++ {
		a.EnqueueLog(rec("w1", i))
	}
	waitFor(t, time.Second, func() bool { return fs.count() == 5 })
}

func TestAppenderFlushesByBatchSize(t *testing.T) {
	fs := &flakyStore{}
	a := NewAppender(fs, AppenderConfig{BatchSize: 10, FlushInterval: time.Hour}, nil)
	defer func() { _ = a.Close() }()
	for i := uint64(1); i <= 10; i++ {
		a.EnqueueLog(rec("w1", i))
	}
	waitFor(t, time.Second, func() bool { return fs.count() == 10 })
}

func TestAppenderDropOldestOnOverflow(t *testing.T) {
	fs := &flakyStore{failing: true}
	var droppedMu sync.Mutex
	dropped := 0
	a := NewAppender(fs, AppenderConfig{BatchSize: 1000, FlushInterval: 10 * time.Millisecond, QueueMax: 5},
		func(_ string, n int) {
			droppedMu.Lock()
			dropped += n
			droppedMu.Unlock()
		})
	defer func() { _ = a.Close() }()
	for i := uint64(1); i <= 20; i++ {
		a.EnqueueLog(rec("w1", i))
	}
	droppedMu.Lock()
	d := dropped
	droppedMu.Unlock()
	if d == 0 {
		t.Fatal("no drops reported despite overflow")
	}

	// Recover the store; the surviving tail must flush in order.
	fs.setFailing(false)
	waitFor(t, 2*time.Second, func() bool { return fs.count() > 0 })
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := 1; i < len(fs.logs); i++ {
		if fs.logs[i].Seq <= fs.logs[i-1].Seq {
			t.Fatal("order lost across retry")
		}
	}
}

func TestAppenderLagSignal(t *testing.T) {
	fs := &flakyStore{failing: true}
	a := NewAppender(fs, AppenderConfig{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, nil)
	defer func() { _ = a.Close() }()
	a.EnqueueLog(rec("w1", 1))
	// Three consecutive failures surface as lag.
	waitFor(t, 3*time.Second, func() bool { return a.Lag() > 0 })
	fs.setFailing(false)
	waitFor(t, 3*time.Second, func() bool { return a.Lag() == 0 })
}
