package config

import (
	"fmt"
	"strings"

	"github.com/loykin/sentinel/internal/duration"
	"github.com/loykin/sentinel/internal/workload"
)

// WorkloadSpec is the declarative form of a workload definition.
type WorkloadSpec struct {
	Name    string            `mapstructure:"name"`
	Argv    []string          `mapstructure:"argv"`
	WorkDir string            `mapstructure:"work_dir"`
	Env     map[string]string `mapstructure:"env"`
	Group   string            `mapstructure:"group"`
	Policy  string            `mapstructure:"policy"`
}

// PolicySpec is the declarative form of a restart policy; delays use the
// wire duration format.
type PolicySpec struct {
	Name                string  `mapstructure:"name"`
	MaxRetries          int     `mapstructure:"max_retries"`
	Unlimited           bool    `mapstructure:"unlimited"`
	InitialDelay        string  `mapstructure:"initial_delay"`
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`
	MaxDelay            string  `mapstructure:"max_delay"`
	RestartOnExitCodes  []int   `mapstructure:"restart_on_exit_codes"`
	RestartOnNormalExit bool    `mapstructure:"restart_on_normal_exit"`
	RestartOnLost       bool    `mapstructure:"restart_on_lost"`
}

// ScheduleSpec is the declarative form of a schedule; the workload is
// referenced by name.
type ScheduleSpec struct {
	Workload   string `mapstructure:"workload"`
	Kind       string `mapstructure:"kind"`
	Expression string `mapstructure:"expression"`
	Enabled    bool   `mapstructure:"enabled"`
}

// Programs is the decoded declarative state of a programs directory.
type Programs struct {
	Workloads []WorkloadSpec
	Policies  []workload.RestartPolicy
	Schedules []ScheduleSpec
}

// DecodePrograms converts raw program entries into typed definitions.
func DecodePrograms(entries []ProgramEntry) (*Programs, error) {
	out := &Programs{}
	for i, pe := range entries {
		switch strings.ToLower(strings.TrimSpace(pe.Type)) {
		case "workload", "process":
			ws, err := decodeStrict[WorkloadSpec](pe.Spec)
			if err != nil {
				return nil, fmt.Errorf("program %d: decode workload: %w", i, err)
			}
			if strings.TrimSpace(ws.Name) == "" {
				return nil, fmt.Errorf("program %d: workload requires name", i)
			}
			if len(ws.Argv) == 0 {
				return nil, fmt.Errorf("program %d: workload %q requires argv", i, ws.Name)
			}
			out.Workloads = append(out.Workloads, ws)
		case "policy":
			ps, err := decodeStrict[PolicySpec](pe.Spec)
			if err != nil {
				return nil, fmt.Errorf("program %d: decode policy: %w", i, err)
			}
			p, err := ps.ToPolicy()
			if err != nil {
				return nil, fmt.Errorf("program %d: %w", i, err)
			}
			out.Policies = append(out.Policies, p)
		case "schedule", "cron":
			ss, err := decodeStrict[ScheduleSpec](pe.Spec)
			if err != nil {
				return nil, fmt.Errorf("program %d: decode schedule: %w", i, err)
			}
			if strings.TrimSpace(ss.Workload) == "" || strings.TrimSpace(ss.Expression) == "" {
				return nil, fmt.Errorf("program %d: schedule requires workload and expression", i)
			}
			out.Schedules = append(out.Schedules, ss)
		default:
			return nil, fmt.Errorf("program %d: unknown type %q (allowed: workload, policy, schedule)", i, pe.Type)
		}
	}
	return out, nil
}

// ToPolicy converts the declarative form, parsing wire durations.
func (ps PolicySpec) ToPolicy() (workload.RestartPolicy, error) {
	p := workload.RestartPolicy{
		Name:                ps.Name,
		MaxRetries:          ps.MaxRetries,
		BackoffMultiplier:   ps.BackoffMultiplier,
		RestartOnExitCodes:  ps.RestartOnExitCodes,
		RestartOnNormalExit: ps.RestartOnNormalExit,
		RestartOnLost:       ps.RestartOnLost,
	}
	if ps.Unlimited {
		p.MaxRetries = workload.UnlimitedRetries
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 1.0
	}
	if ps.InitialDelay != "" {
		d, err := duration.Parse(ps.InitialDelay)
		if err != nil {
			return p, fmt.Errorf("policy %q: initial_delay: %w", ps.Name, err)
		}
		p.InitialDelay = d
	}
	if ps.MaxDelay != "" {
		d, err := duration.Parse(ps.MaxDelay)
		if err != nil {
			return p, fmt.Errorf("policy %q: max_delay: %w", ps.Name, err)
		}
		p.MaxDelay = d
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = p.InitialDelay
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// KindValue converts the declarative kind string.
func (ss ScheduleSpec) KindValue() (workload.ScheduleKind, error) {
	switch strings.ToLower(strings.TrimSpace(ss.Kind)) {
	case "cron":
		return workload.ScheduleCron, nil
	case "interval", "every":
		return workload.ScheduleInterval, nil
	case "oneshot", "one-shot", "once":
		return workload.ScheduleOneShot, nil
	default:
		return "", fmt.Errorf("unknown schedule kind %q", ss.Kind)
	}
}
