package timeutil

import (
	"errors"
	"time"
)

var ErrInvalidRange = errors.New("invalid time range")

// DayFormat is the canonical key for per-day buckets.
const DayFormat = "2006-01-02"

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DayKey formats the timestamp's UTC calendar day.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// ParseDayKey parses a canonical day key back into a UTC midnight timestamp.
func ParseDayKey(key string) (time.Time, error) {
	return time.ParseInLocation(DayFormat, key, time.UTC)
}

// DaysInRange returns every UTC midnight whose day intersects [start, end).
func DaysInRange(start, end time.Time) []time.Time {
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		return nil
	}
	first := TruncateToDay(start, time.UTC)
	days := make([]time.Time, 0, int(end.Sub(first).Hours()/24)+1)
	for day := first; day.Before(end); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
	}
	return days
}

// RollingWindow returns the [start, end) bounds for a trailing window of whole
// days ending after now's day, anchored to UTC midnights.
func RollingWindow(days int, now time.Time) (time.Time, time.Time) {
	if days <= 0 {
		days = 1
	}
	end := TruncateToDay(now.UTC(), time.UTC).AddDate(0, 0, 1)
	return end.AddDate(0, 0, -days), end
}

// ValidateRange ensures end is strictly after start.
func ValidateRange(start, end time.Time) error {
	if !end.After(start) {
		return ErrInvalidRange
	}
	return nil
}
