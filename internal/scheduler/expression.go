package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/duration"
	"github.com/loykin/sentinel/internal/workload"
)

// cronParser accepts the standard five fields (minute hour dom month dow)
// with ranges, lists, steps and '*'. Day-of-month and day-of-week use the
// conventional union semantics when both are restricted, and Next skips
// non-existent local times across DST transitions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes the first fire instant strictly after now for a schedule
// expression in the given location.
func NextFire(kind workload.ScheduleKind, expr string, after time.Time, last time.Time, loc *time.Location) (time.Time, error) {
	switch kind {
	case workload.ScheduleCron:
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, apperr.Wrap(apperr.InvalidExpression, err, "cron expression %q", expr)
		}
		next := sched.Next(after.In(loc))
		// A fall-back transition repeats a local hour. If the computed instant
		// reads as the same local wall-clock minute we just fired at, it is
		// the repeated occurrence; fire once and advance past it.
		const wallClock = "2006-01-02 15:04"
		if !next.IsZero() && next.In(loc).Format(wallClock) == after.In(loc).Format(wallClock) {
			next = sched.Next(next)
		}
		return next, nil
	case workload.ScheduleInterval:
		iv, err := duration.Parse(expr)
		if err != nil {
			return time.Time{}, apperr.Wrap(apperr.InvalidExpression, err, "interval %q", expr)
		}
		if iv <= 0 {
			return time.Time{}, apperr.New(apperr.InvalidExpression, "interval must be positive")
		}
		// next = last + interval; after clock jumps or backlog fire once and
		// realign to now + interval instead of bursting.
		if !last.IsZero() {
			next := last.Add(iv)
			if next.After(after) {
				return next, nil
			}
		}
		return after.Add(iv), nil
	case workload.ScheduleOneShot:
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(expr))
		if err != nil {
			return time.Time{}, apperr.Wrap(apperr.InvalidExpression, err, "one-shot instant %q", expr)
		}
		if !at.After(after) && last.IsZero() {
			return time.Time{}, apperr.New(apperr.InvalidExpression, "one-shot instant %s is in the past", expr)
		}
		return at, nil
	default:
		return time.Time{}, apperr.New(apperr.InvalidExpression, "unknown schedule kind %q", kind)
	}
}

// Validate checks an expression without arming anything.
func Validate(kind workload.ScheduleKind, expr string, loc *time.Location) error {
	switch kind {
	case workload.ScheduleCron:
		if _, err := cronParser.Parse(expr); err != nil {
			return apperr.Wrap(apperr.InvalidExpression, err, "cron expression %q", expr)
		}
		return nil
	case workload.ScheduleInterval:
		iv, err := duration.Parse(expr)
		if err != nil {
			return apperr.Wrap(apperr.InvalidExpression, err, "interval %q", expr)
		}
		if iv <= 0 {
			return apperr.New(apperr.InvalidExpression, "interval must be positive")
		}
		return nil
	case workload.ScheduleOneShot:
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(expr))
		if err != nil {
			return apperr.Wrap(apperr.InvalidExpression, err, "one-shot instant %q", expr)
		}
		if !at.After(time.Now()) {
			return apperr.New(apperr.InvalidExpression, "one-shot instant %s is in the past", expr)
		}
		return nil
	default:
		return apperr.New(apperr.InvalidExpression, "unknown schedule kind %q", kind)
	}
}
