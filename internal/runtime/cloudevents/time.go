package cloudevents

import (
	"time"
)

// TimeFormat is the CloudEvents time format.
const TimeFormat = time.RFC3339Nano

var fallbackTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an RFC 3339 timestamp, falling back to a few zone-less
// layouts some producers emit.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err == nil {
		return t, nil
	}
	for _, format := range fallbackTimeFormats {
		if t, ferr := time.Parse(format, s); ferr == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// FormatTime formats t in UTC, or returns "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}
