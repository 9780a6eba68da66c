package replication

import "time"

var cursorLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseCursor(s string) (time.Time, bool) {
	for _, layout := range cursorLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// laterThan reports whether cursor a is after cursor b. Timestamps are compared as
// times, anything else as opaque strings. The empty cursor precedes everything.
func laterThan(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	ta, okA := parseCursor(a)
	tb, okB := parseCursor(b)
	if okA && okB {
		return ta.After(tb)
	}
	return a > b
}
