package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/loykin/sentinel/internal/workload"
)

// realTimers backs the scheduler with plain AfterFunc for tests.
type realTimers struct{}

func (realTimers) After(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

type fireLog struct {
	mu    sync.Mutex
	fires []string
}

func (f *fireLog) dispatch(_ string, scheduleID string) {
	f.mu.Lock()
	f.fires = append(f.fires, scheduleID)
	f.mu.Unlock()
}

func (f *fireLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

func TestIntervalFires(t *testing.T) {
	log := &fireLog{}
	s := New(realTimers{}, time.UTC, log.dispatch, nil)
	defer s.Stop()
	err := s.Upsert(workload.Schedule{
		ID: "s1", WorkloadID: "w1", Kind: workload.ScheduleInterval,
		Expression: "1", Enabled: true, // one second
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for log.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if log.count() < 2 {
		t.Fatalf("interval fired %d times in 5s", log.count())
	}
}

func TestOneShotFiresOnceAndDisables(t *testing.T) {
	log := &fireLog{}
	var persisted []workload.Schedule
	var mu sync.Mutex
	s := New(realTimers{}, time.UTC, log.dispatch, func(sc workload.Schedule) {
		mu.Lock()
		persisted = append(persisted, sc)
		mu.Unlock()
	})
	defer s.Stop()
	at := time.Now().Add(300 * time.Millisecond)
	err := s.Upsert(workload.Schedule{
		ID: "once", WorkloadID: "w1", Kind: workload.ScheduleOneShot,
		Expression: at.Format(time.RFC3339Nano), Enabled: true, NextFire: at,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for log.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if log.count() != 1 {
		t.Fatalf("one-shot fired %d times", log.count())
	}
	time.Sleep(200 * time.Millisecond)
	if log.count() != 1 {
		t.Error("one-shot fired again")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(persisted) == 0 || persisted[len(persisted)-1].Enabled {
		t.Error("one-shot did not persist as disabled")
	}
	if _, ok := s.Snapshot("once"); ok {
		t.Error("one-shot still in queue")
	}
}

func TestDisableRemovesFromQueue(t *testing.T) {
	log := &fireLog{}
	s := New(realTimers{}, time.UTC, log.dispatch, nil)
	defer s.Stop()
	_ = s.Upsert(workload.Schedule{
		ID: "s1", WorkloadID: "w1", Kind: workload.ScheduleInterval,
		Expression: "100", Enabled: true,
	})
	if _, ok := s.Snapshot("s1"); !ok {
		t.Fatal("schedule not queued")
	}
	s.Remove("s1")
	if _, ok := s.Snapshot("s1"); ok {
		t.Fatal("schedule still queued after remove")
	}
}

func TestIntervalNoBurstCatchUp(t *testing.T) {
	// A last fire far in the past yields one immediate-ish fire aligned to
	// now, not a burst.
	now := time.Now()
	last := now.Add(-time.Hour)
	next, err := NextFire(workload.ScheduleInterval, "10s", now, last, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if next.Before(now) {
		t.Errorf("next fire in the past: %v", next)
	}
	if next.After(now.Add(10*time.Second + time.Second)) {
		t.Errorf("next fire too far out: %v", next)
	}
}
