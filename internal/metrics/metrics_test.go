package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// Register latches a package-level flag, so one test drives the whole flow:
// double registration, helper recording, and gathering.
func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("w")
	IncRestart("w")
	IncStop("w")
	ObserveSpawnLatency("w", 0.01)
	RecordStateTransition("w", "idle", "starting")
	SetCurrentPhase("w", "starting", true)
	IncScheduleFire("s1", "started")
	SetSample("w", 0.5, 1<<20, 4)
	SetPersistenceLag(0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"sentinel_workload_starts_total",
		"sentinel_workload_state_transitions_total",
		"sentinel_workload_cpu_fraction",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}
