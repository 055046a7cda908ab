package inventory

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC1123,
}

func normalizeRecord(rec Record) Item {
	return Item{
		ID:        rec.ID,
		Status:    strings.TrimSpace(strings.ToLower(rec.Status)),
		Account:   rec.Account,
		Amount:    rec.Amount,
		Timestamp: NormalizeTimestamp(rec.Timestamp),
		Fields:    rec.Fields,
	}
}

// NormalizeTimestamp converts the timestamp shapes sources actually emit
// into one RFC 3339 string: native time values, textual dates in a few
// common layouts, epoch seconds or milliseconds, and vendor wrapper maps
// with seconds/nanos fields. Unparseable text is passed through unchanged
// rather than dropped; unknown shapes normalize to the empty string.
func NormalizeTimestamp(v any) string {
	switch ts := v.(type) {
	case nil:
		return ""
	case time.Time:
		if ts.IsZero() {
			return ""
		}
		return ts.UTC().Format(time.RFC3339)
	case *time.Time:
		if ts == nil {
			return ""
		}
		return NormalizeTimestamp(*ts)
	case string:
		return normalizeTextTimestamp(ts)
	case float64:
		return epochToRFC3339(int64(ts))
	case int64:
		return epochToRFC3339(ts)
	case int:
		return epochToRFC3339(int64(ts))
	case json.Number:
		n, err := ts.Int64()
		if err != nil {
			if f, ferr := ts.Float64(); ferr == nil {
				return epochToRFC3339(int64(f))
			}
			return ""
		}
		return epochToRFC3339(n)
	case map[string]any:
		return normalizeWrapperTimestamp(ts)
	default:
		return ""
	}
}

func normalizeTextTimestamp(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	// Bare epoch numbers sometimes arrive as strings.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochToRFC3339(n)
	}
	return s
}

// normalizeWrapperTimestamp handles vendor timestamp objects such as
// {"_seconds": ..., "_nanoseconds": ...} and {"seconds": ..., "nanos": ...}.
func normalizeWrapperTimestamp(m map[string]any) string {
	secs, ok := numberField(m, "_seconds", "seconds")
	if !ok {
		return ""
	}
	nanos, _ := numberField(m, "_nanoseconds", "nanos")
	return time.Unix(secs, nanos).UTC().Format(time.RFC3339)
}

func numberField(m map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int64:
			return n, true
		case int:
			return int64(n), true
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func epochToRFC3339(n int64) string {
	if n <= 0 {
		return ""
	}
	// Values past the year ~33658 in seconds are almost certainly epoch
	// milliseconds.
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC().Format(time.RFC3339)
	}
	return time.Unix(n, 0).UTC().Format(time.RFC3339)
}
