package telemetry

import (
	"regexp"
	"time"
)

// TimestampLayout is the project's canonical timestamp string form: the date
// immediately followed by the time, no separator.
const TimestampLayout = "2006-01-0215:04:05"

var queryTimestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\d{2}:\d{2}:\d{2}$`)

// ParseQueryTimestamp parses a query parameter timestamp in the strict wire
// format, e.g. "2025-12-0504:02:33". Any other shape is rejected with
// ErrInvalidTimestampFormat.
func ParseQueryTimestamp(value string) (time.Time, error) {
	if !queryTimestampPattern.MatchString(value) {
		return time.Time{}, ErrInvalidTimestampFormat
	}
	parsed, err := time.ParseInLocation(TimestampLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, ErrInvalidTimestampFormat
	}
	return parsed, nil
}

// FormatTimestamp renders a timestamp in the canonical string form.
func FormatTimestamp(value time.Time) string {
	return value.UTC().Format(TimestampLayout)
}
