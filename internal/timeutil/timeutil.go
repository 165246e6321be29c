package timeutil

import (
	"time"

	"github.com/atlasops/bizgateway/internal/config"
)

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// PeriodBounds returns the [start, end) timestamps of the billing period
// containing now for the given refresh schedule (calendar_month, weekly,
// rolling_<N>d). Calendar boundaries fall at midnight in loc, so tenants on a
// configured reporting timezone see their budget reset on their own calendar.
func PeriodBounds(now time.Time, schedule string, loc *time.Location) (time.Time, time.Time) {
	loc = EnsureLocation(loc)
	local := now.In(loc)
	normalized := config.NormalizeRefreshSchedule(schedule)

	switch normalized {
	case "weekly":
		day := TruncateToDay(local, loc)
		delta := (int(local.Weekday()) + 6) % 7 // Monday = 0
		start := day.AddDate(0, 0, -delta)
		return start, start.AddDate(0, 0, 7)
	default:
		if days, ok := config.RollingWindowDays(normalized); ok && days > 0 {
			return local.AddDate(0, 0, -days), local
		}
	}

	year, month, _ := local.Date()
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
