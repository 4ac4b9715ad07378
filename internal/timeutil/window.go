// Package timeutil resolves heterogeneous time inputs (explicit boundaries,
// lookback durations, timezone-naive strings) into canonical UTC windows, and
// converts between aware instants and the naive wall-clock convention used by
// the persisted store.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
)

// Window is a resolved half-open time range [Start, End) of aware instants.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the span of the window.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Contains reports whether t falls inside the half-open window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

var durationUnits = map[string]time.Duration{
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

// ParseDuration parses a lookback expression such as "30m", "12h", "3d" or
// "2w" into a duration. Anything else is a configuration error.
func ParseDuration(expr string) (time.Duration, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return 0, errs.NewConfigError("lookback", "lookback value is empty")
	}

	var digits, letters strings.Builder
	for _, r := range expr {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		default:
			letters.WriteRune(r)
		}
	}

	unit, ok := durationUnits[letters.String()]
	if !ok || digits.Len() == 0 {
		return 0, errs.NewConfigError("lookback",
			fmt.Sprintf("unsupported duration %q, use formats like 30m, 12h, 3d, 1w", expr))
	}
	value, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil || value <= 0 {
		return 0, errs.NewConfigError("lookback", fmt.Sprintf("invalid duration value in %q", expr))
	}
	return time.Duration(value) * unit, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an ISO 8601-ish timestamp and returns an aware UTC instant.
//
// When inputTZ names a zone, the wall-clock fields are interpreted in that
// zone and any offset embedded in the string is ignored. Otherwise a value
// without an offset defaults to UTC. Wall-clock times that are ambiguous or
// nonexistent around daylight-saving transitions resolve according to the
// zone database's default rule; that is documented behavior, not an error.
func ParseTime(raw, inputTZ string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errs.NewConfigError("time", "time value is empty")
	}

	var parsed time.Time
	var err error
	ok := false
	for _, layout := range timeLayouts {
		parsed, err = time.Parse(layout, raw)
		if err == nil {
			ok = true
			break
		}
	}
	if !ok {
		return time.Time{}, errs.NewConfigError("time", fmt.Sprintf("unparseable time %q", raw))
	}

	if inputTZ != "" {
		loc, err := time.LoadLocation(inputTZ)
		if err != nil {
			return time.Time{}, errs.NewConfigError("time_input_timezone",
				fmt.Sprintf("unknown timezone %q", inputTZ))
		}
		y, mo, d := parsed.Date()
		h, mi, s := parsed.Clock()
		parsed = time.Date(y, mo, d, h, mi, s, parsed.Nanosecond(), loc)
	}

	return parsed.UTC(), nil
}

// Resolve turns the start/end/lookback input matrix into a canonical UTC
// window relative to now:
//
//   - both boundaries given: used directly;
//   - start only: end defaults to now;
//   - end only: lookback required, start = end - lookback;
//   - neither: lookback required, end = now, start = now - lookback.
//
// Returns a configuration error when no boundary and no lookback are present
// or when start >= end after resolution.
func Resolve(start, end, lookback, inputTZ string, now time.Time) (Window, error) {
	now = now.UTC()

	var startAt, endAt time.Time
	var err error
	if start != "" {
		if startAt, err = ParseTime(start, inputTZ); err != nil {
			return Window{}, err
		}
	}
	if end != "" {
		if endAt, err = ParseTime(end, inputTZ); err != nil {
			return Window{}, err
		}
	}

	switch {
	case startAt.IsZero() && endAt.IsZero():
		if lookback == "" {
			return Window{}, errs.NewConfigError("window", "provide start/end or lookback")
		}
		lb, err := ParseDuration(lookback)
		if err != nil {
			return Window{}, err
		}
		endAt = now
		startAt = now.Add(-lb)
	case !startAt.IsZero() && endAt.IsZero():
		endAt = now
	case startAt.IsZero() && !endAt.IsZero():
		if lookback == "" {
			return Window{}, errs.NewConfigError("window", "provide start or lookback with end")
		}
		lb, err := ParseDuration(lookback)
		if err != nil {
			return Window{}, err
		}
		startAt = endAt.Add(-lb)
	}

	if !startAt.Before(endAt) {
		return Window{}, errs.NewConfigError("window", "start time must be before end time")
	}

	return Window{Start: startAt, End: endAt}, nil
}

// ToNaiveLocal converts an aware instant into the naive wall-clock convention:
// localize into loc first, then drop the offset. The returned value carries
// UTC as its location purely as the marker for "no offset".
func ToNaiveLocal(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), time.UTC)
}

// NaiveWindow converts an aware window into naive local wall-clock bounds.
func NaiveWindow(w Window, loc *time.Location) Window {
	return Window{Start: ToNaiveLocal(w.Start, loc), End: ToNaiveLocal(w.End, loc)}
}

// FromNaiveLocal reattaches the display zone to a naive wall-clock value and
// returns the aware UTC instant. This is the inverse of ToNaiveLocal and is
// used when a naive stored boundary must be fetched from the remote source.
func FromNaiveLocal(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), loc).UTC()
}

// LoadLocation resolves a timezone label, treating the empty string as UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errs.NewConfigError("timezone", fmt.Sprintf("unknown timezone %q", name))
	}
	return loc, nil
}
