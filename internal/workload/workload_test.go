package workload

import (
	"math"
	"testing"
	"time"
)

func TestWorkloadValidate(t *testing.T) {
	w := Workload{Name: "web", Argv: []string{"/bin/true"}}
	if err := w.Validate(); err != nil {
		t.Fatalf("valid workload rejected: %v", err)
	}
	bad := []Workload{
		{Argv: []string{"/bin/true"}},
		{Name: "x"},
		{Name: "x", Argv: []string{""}},
		{Name: "x", Argv: []string{"/bin/true"}, Env: map[string]string{"A=B": "c"}},
	}
	for i, w := range bad {
		if err := w.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	p := RestartPolicy{Name: "p", MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2.0, MaxDelay: 10 * time.Second}
	if err := p.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
	bad := []RestartPolicy{
		{Name: "", BackoffMultiplier: 1},
		{Name: "p", MaxRetries: -2, BackoffMultiplier: 1},
		{Name: "p", BackoffMultiplier: 0.5},
		{Name: "p", BackoffMultiplier: math.Inf(1)},
		{Name: "p", BackoffMultiplier: 1, InitialDelay: 10 * time.Second, MaxDelay: time.Second},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	unbounded := RestartPolicy{Name: "p", MaxRetries: UnlimitedRetries, BackoffMultiplier: 1.0}
	if err := unbounded.Validate(); err != nil {
		t.Fatalf("unbounded policy rejected: %v", err)
	}
	if !unbounded.Unbounded() {
		t.Error("Unbounded() = false")
	}
}

func TestPolicyDelayCap(t *testing.T) {
	p := RestartPolicy{InitialDelay: time.Second, BackoffMultiplier: 2.0, MaxDelay: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
	// The cap holds no matter how many failures occurred.
	if got := p.Delay(10000); got != 10*time.Second {
		t.Errorf("Delay(10000) = %v, want cap", got)
	}
}

func TestPolicyShouldRestart(t *testing.T) {
	anyNonZero := RestartPolicy{}
	if anyNonZero.ShouldRestart(0, false) {
		t.Error("clean exit restarted without restart_on_normal_exit")
	}
	if !anyNonZero.ShouldRestart(7, false) {
		t.Error("empty set must mean any non-zero")
	}
	if !anyNonZero.ShouldRestart(0, true) {
		t.Error("signal exit is a failure even with code 0")
	}

	only7 := RestartPolicy{RestartOnExitCodes: []int{7}}
	if !only7.ShouldRestart(7, false) || only7.ShouldRestart(8, false) {
		t.Error("exit code set not honored")
	}

	normal := RestartPolicy{RestartOnNormalExit: true}
	if !normal.ShouldRestart(0, false) {
		t.Error("restart_on_normal_exit ignored")
	}
}
