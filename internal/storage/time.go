package storage

import "time"

// timeLayout is the canonical column format: RFC 3339 UTC, second resolution.
const timeLayout = "2006-01-02T15:04:05Z07:00"

// FormatTime renders an instant the way every table stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
