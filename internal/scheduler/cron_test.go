package scheduler

import (
	"testing"
	"time"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/workload"
)

func mustNext(t *testing.T, expr string, after time.Time, loc *time.Location) time.Time {
	t.Helper()
	next, err := NextFire(workload.ScheduleCron, expr, after, time.Time{}, loc)
	if err != nil {
		t.Fatalf("NextFire(%q): %v", expr, err)
	}
	return next
}

func TestCronBasics(t *testing.T) {
	after := time.Date(2025, 3, 1, 10, 15, 30, 0, time.UTC)
	next := mustNext(t, "*/5 * * * *", after, time.UTC)
	want := time.Date(2025, 3, 1, 10, 20, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("*/5: got %v, want %v", next, want)
	}

	next = mustNext(t, "30 2 * * *", after, time.UTC)
	want = time.Date(2025, 3, 2, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("daily: got %v, want %v", next, want)
	}

	next = mustNext(t, "0 9-17 * * 1-5", time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC), time.UTC)
	// 2025-03-01 is a Saturday; the next weekday 9am is Monday the 3rd.
	want = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("range+dow: got %v, want %v", next, want)
	}
}

func TestCronDomDowUnion(t *testing.T) {
	// With both fields restricted, a day matches if EITHER matches.
	// "0 0 13 * 5" = midnight on the 13th OR on any Friday.
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) // Sunday June 1st
	next := mustNext(t, "0 0 13 * 5", after, time.UTC)
	// First Friday after June 1st 2025 is June 6th; the 13th is later.
	want := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("union first: got %v, want %v", next, want)
	}
	// From June 7th the next match is the 13th (also a Friday here, so step
	// once more to a pure day-of-month hit).
	next = mustNext(t, "0 0 13 * 5", time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC), time.UTC)
	want = time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("union second: got %v, want %v", next, want)
	}
	// July 2025: the 13th is a Sunday. After Fri July 11th the union must
	// yield the 13th, not wait for the next Friday.
	next = mustNext(t, "0 0 13 * 5", time.Date(2025, 7, 12, 0, 0, 0, 0, time.UTC), time.UTC)
	want = time.Date(2025, 7, 13, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("union dom side: got %v, want %v", next, want)
	}
}

func TestCronSpringForwardSkips(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 2025-03-09: 02:00 -> 03:00 in America/New_York; 02:30 does not exist.
	after := time.Date(2025, 3, 9, 0, 0, 0, 0, loc)
	next := mustNext(t, "30 2 * * *", after, loc)
	// No fire between 02:00 and 03:00 on the gap day; the next valid 02:30
	// wall-clock instant is on March 10th.
	gapStart := time.Date(2025, 3, 9, 1, 59, 59, 0, loc)
	gapEnd := gapStart.Add(2 * time.Hour)
	if next.After(gapStart) && next.Before(gapEnd) {
		t.Fatalf("fired inside the DST gap: %v", next)
	}
	want := time.Date(2025, 3, 10, 2, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("spring forward: got %v, want %v", next, want)
	}
}

func TestCronFallBackSingleFire(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 2025-11-02: clocks fall back 02:00 -> 01:00; 01:30 occurs twice.
	after := time.Date(2025, 11, 2, 0, 0, 0, 0, loc)
	first := mustNext(t, "30 1 * * *", after, loc)
	// Advancing past the first hit must land on the NEXT DAY, not on the
	// repeated 01:30 of the same morning.
	second := mustNext(t, "30 1 * * *", first, loc)
	if second.Sub(first) < 20*time.Hour {
		t.Fatalf("double fire across fall back: first=%v second=%v", first, second)
	}
}

func TestCronTimezoneEvaluation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	after := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	next := mustNext(t, "0 9 * * *", after, tokyo)
	if next.In(tokyo).Hour() != 9 {
		t.Errorf("9am Tokyo evaluated as %v", next.In(tokyo))
	}
}

func TestValidateExpressions(t *testing.T) {
	if err := Validate(workload.ScheduleCron, "*/5 * * * *", time.UTC); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
	if err := Validate(workload.ScheduleCron, "not a cron", time.UTC); !apperr.Is(err, apperr.InvalidExpression) {
		t.Errorf("invalid cron: got %v", err)
	}
	if err := Validate(workload.ScheduleCron, "* * * * * *", time.UTC); err == nil {
		t.Error("six-field cron accepted")
	}
	if err := Validate(workload.ScheduleInterval, "2s", time.UTC); err != nil {
		t.Errorf("valid interval rejected: %v", err)
	}
	if err := Validate(workload.ScheduleInterval, "0", time.UTC); !apperr.Is(err, apperr.InvalidExpression) {
		t.Errorf("zero interval: got %v", err)
	}
	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	if err := Validate(workload.ScheduleOneShot, future, time.UTC); err != nil {
		t.Errorf("valid one-shot rejected: %v", err)
	}
	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	if err := Validate(workload.ScheduleOneShot, past, time.UTC); !apperr.Is(err, apperr.InvalidExpression) {
		t.Errorf("past one-shot: got %v", err)
	}
}
