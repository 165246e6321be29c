package timeutil

import (
	"testing"
	"time"
)

func TestPeriodBoundsCalendarMonth(t *testing.T) {
	now := time.Date(2026, time.March, 15, 12, 30, 0, 0, time.UTC)
	start, end := PeriodBounds(now, "calendar_month", time.UTC)
	if !start.Equal(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", start)
	}
	if !end.Equal(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %v", end)
	}
}

func TestPeriodBoundsWeeklyStartsMonday(t *testing.T) {
	// 2026-03-12 is a Thursday; the containing week starts Monday 03-09.
	now := time.Date(2026, time.March, 12, 8, 0, 0, 0, time.UTC)
	start, end := PeriodBounds(now, "weekly", time.UTC)
	if !start.Equal(time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", start)
	}
	if !end.Equal(start.AddDate(0, 0, 7)) {
		t.Fatalf("unexpected end %v", end)
	}
}

func TestPeriodBoundsRolling(t *testing.T) {
	now := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	start, end := PeriodBounds(now, "rolling_7d", time.UTC)
	if !end.Equal(now) {
		t.Fatalf("unexpected end %v", end)
	}
	if !start.Equal(now.AddDate(0, 0, -7)) {
		t.Fatalf("unexpected start %v", start)
	}
}

func TestPeriodBoundsUnknownFallsBackToMonth(t *testing.T) {
	now := time.Date(2026, time.July, 4, 0, 0, 0, 0, time.UTC)
	start, _ := PeriodBounds(now, "fortnightly", time.UTC)
	if !start.Equal(time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", start)
	}
}

func TestTruncateToDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	ts := time.Date(2026, time.January, 2, 3, 45, 0, 0, time.UTC)
	day := TruncateToDay(ts, loc)
	if day.Hour() != 0 || day.Minute() != 0 {
		t.Fatalf("expected midnight, got %v", day)
	}
	if day.Location() != loc {
		t.Fatalf("expected %v location", loc)
	}
}

func TestPeriodBoundsHonorsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 2026-04-01 02:00 UTC is still March 31 in New York, so the period is
	// the March one with boundaries at New York midnight.
	now := time.Date(2026, time.April, 1, 2, 0, 0, 0, time.UTC)
	start, end := PeriodBounds(now, "calendar_month", loc)
	if !start.Equal(time.Date(2026, time.March, 1, 0, 0, 0, 0, loc)) {
		t.Fatalf("unexpected start %v", start)
	}
	if !end.Equal(time.Date(2026, time.April, 1, 0, 0, 0, 0, loc)) {
		t.Fatalf("unexpected end %v", end)
	}
}
