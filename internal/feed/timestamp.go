package feed

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the wire format for watermarks and as_of values.
const TimestampLayout = "2006-01-02T15:04:05Z"

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// NormalizeTimestamp parses an upstream timestamp and returns it in UTC with
// fractional seconds dropped. Values without a zone are taken as UTC.
func NormalizeTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Truncate(time.Second), nil
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Truncate(time.Second), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FormatTimestamp renders t as YYYY-MM-DDTHH:MM:SSZ.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
