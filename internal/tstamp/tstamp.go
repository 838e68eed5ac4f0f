// Package tstamp parses user-facing time expressions and formats the
// fourteen-digit date stamp carried on every destination artifact.
//
// Persisted timestamps are always UTC seconds since the epoch. User input is
// deliberately flexible: ISO-8601 with optional separators and offset,
// "u<seconds>" for raw epoch values, relative expressions like
// "2 days 3 hours", and the literal "now".
package tstamp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StampLayout is the on-artifact date stamp: UTC, no separators.
const StampLayout = "20060102150405"

// Format14 renders t as the fourteen-digit UTC artifact stamp.
func Format14(t time.Time) string {
	return t.UTC().Format(StampLayout)
}

// FormatEpoch14 renders UTC epoch seconds as the fourteen-digit stamp.
func FormatEpoch14(sec int64) string {
	return Format14(time.Unix(sec, 0))
}

// Parse14 parses a fourteen-digit stamp as UTC. The input must be exactly
// fourteen digits; flags are the caller's problem.
func Parse14(s string) (time.Time, error) {
	if len(s) != 14 {
		return time.Time{}, fmt.Errorf("date stamp must be 14 digits, got %q", s)
	}
	t, err := time.ParseInLocation(StampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date stamp %q: %w", s, err)
	}
	return t, nil
}

var deltaUnits = []struct {
	name string
	dur  time.Duration
}{
	{"week", 7 * 24 * time.Hour},
	{"day", 24 * time.Hour},
	{"hour", time.Hour},
	{"minute", time.Minute},
	{"second", time.Second},
}

var deltaRe = map[string]*regexp.Regexp{}

func init() {
	for _, u := range deltaUnits {
		deltaRe[u.name] = regexp.MustCompile(`([\d.]+)\s*` + u.name)
	}
}

// parseDelta returns the duration expressed by a relative form such as
// "1 day 2 hours" or "30seconds", or false if expr is not a relative form.
// Units may appear in any order and accept fractional values.
func parseDelta(expr string) (time.Duration, bool) {
	expr = strings.ToLower(strings.ReplaceAll(expr, ",", " "))

	var total time.Duration
	found := false
	for _, u := range deltaUnits {
		if !strings.Contains(expr, u.name) {
			continue
		}
		m := deltaRe[u.name].FindStringSubmatch(expr)
		if m == nil {
			continue
		}
		val, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		total += time.Duration(val * float64(u.dur))
		found = true
	}
	return total, found
}

// Parse parses a user time expression and returns an aware time. Expressions
// without an explicit offset are interpreted in local time at the referenced
// instant, honoring historical DST rules. now anchors relative expressions
// and the literal "now".
func Parse(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	if strings.EqualFold(expr, "now") {
		return now, nil
	}

	// Relative forms are differences backward from now.
	if d, ok := parseDelta(expr); ok {
		return now.Add(-d), nil
	}

	// Raw epoch seconds: "u1710060600" (also "i", kept for compatibility).
	lower := strings.ToLower(expr)
	if len(lower) > 1 && (lower[0] == 'u' || lower[0] == 'i') {
		if sec, err := strconv.ParseInt(lower[1:], 10, 64); err == nil {
			return time.Unix(sec, 0).UTC(), nil
		}
	}

	return parseISO(expr)
}

// ParseEpoch is Parse returning UTC epoch seconds.
func ParseEpoch(expr string, now time.Time) (int64, error) {
	t, err := Parse(expr, now)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// parseISO parses an ISO-8601 style timestamp. Separators ('-', ':', 'T',
// space, '_') are optional; the numeric offset or 'Z' suffix is optional. A
// bare date gets midnight. Years must be four digits.
func parseISO(expr string) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(expr))

	// Count digits before stripping: fewer than eight cannot hold a
	// four-digit year plus month and day.
	ndigits := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			ndigits++
		}
	}
	if ndigits < 8 {
		return time.Time{}, fmt.Errorf("timestamp %q needs at least YYYY-MM-DD", expr)
	}

	s = strings.NewReplacer(":", "", "t", "", "_", "", " ", "").Replace(s)

	// A bare date has exactly eight digits; its '-' separators must not be
	// mistaken for an offset. Midnight, local unless suffixed with Z.
	if ndigits == 8 {
		loc := time.Local
		if strings.HasSuffix(s, "z") {
			loc = time.UTC
		}
		digits := digitsOnly(s)
		if len(digits) != 8 {
			return time.Time{}, fmt.Errorf("cannot parse timestamp %q", expr)
		}
		t, err := time.ParseInLocation(StampLayout, digits+"000000", loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse timestamp %q: %w", expr, err)
		}
		return t, nil
	}

	// Pull the offset off the end before discarding '-' date separators.
	var loc *time.Location
	switch {
	case strings.HasSuffix(s, "z"):
		loc = time.UTC
		s = s[:len(s)-1]
	case len(s) >= 5 && (s[len(s)-5] == '+' || s[len(s)-5] == '-'):
		off, err := parseOffset(s[len(s)-5:])
		if err != nil {
			return time.Time{}, err
		}
		loc = off
		s = s[:len(s)-5]
	case len(s) >= 3 && (s[len(s)-3] == '+' || s[len(s)-3] == '-'):
		off, err := parseOffset(s[len(s)-3:] + "00")
		if err != nil {
			return time.Time{}, err
		}
		loc = off
		s = s[:len(s)-3]
	default:
		// No offset: local time at the referenced instant.
		loc = time.Local
	}

	// Drop remaining separators and any sub-second precision.
	digits, _, _ := strings.Cut(digitsAndDots(s), ".")

	if len(digits) < 8 {
		return time.Time{}, fmt.Errorf("cannot parse timestamp %q", expr)
	}
	if len(digits) > 14 {
		return time.Time{}, fmt.Errorf("too many digits in timestamp %q", expr)
	}
	// Pad missing time components with zeros: "20220625" -> midnight.
	digits = digits + strings.Repeat("0", 14-len(digits))

	t, err := time.ParseInLocation(StampLayout, digits, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse timestamp %q: %w", expr, err)
	}
	return t, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func digitsAndDots(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// parseOffset converts "+HHMM"/"-HHMM" into a fixed-zone location.
func parseOffset(s string) (*time.Location, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	hh, err1 := strconv.Atoi(s[1:3])
	mm, err2 := strconv.Atoi(s[3:5])
	if err1 != nil || err2 != nil || hh > 23 || mm > 59 {
		return nil, fmt.Errorf("bad UTC offset %q", s)
	}
	return time.FixedZone("", sign*(hh*3600+mm*60)), nil
}
