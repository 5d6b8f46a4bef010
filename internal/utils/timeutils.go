package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// eventTimeLayouts lists the timestamp spellings accepted from log shippers,
// most specific first. Layouts without a zone are read as UTC. The comma
// forms are what Python's logging module writes by default.
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05,999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05,999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05,999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05,999999999",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05.999999999",
	"2006/01/02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseEventTime parses a log event timestamp in any accepted layout or as
// a Unix epoch in seconds, milliseconds, microseconds or nanoseconds.
func ParseEventTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	if t, ok := parseEpoch(value); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parse time %q: unsupported layout", value)
}

// parseEpoch tells the unit apart by the number of integer digits. Fewer
// than nine digits is rejected as it predates 1973 in seconds.
func parseEpoch(value string) (time.Time, bool) {
	whole, frac, _ := strings.Cut(value, ".")
	if len(whole) < 9 || len(whole) > 19 || !isDigits(whole) || !isDigits(frac) {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	switch {
	case len(whole) <= 10:
		var nanos int64
		if frac != "" {
			nanos, _ = strconv.ParseInt((frac + "000000000")[:9], 10, 64)
		}
		return time.Unix(n, nanos).UTC(), true
	case len(whole) <= 13:
		return time.UnixMilli(n).UTC(), true
	case len(whole) <= 16:
		return time.UnixMicro(n).UTC(), true
	default:
		return time.Unix(0, n).UTC(), true
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatLedgerTime renders a time the way the incident ledger stores it.
func FormatLedgerTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
