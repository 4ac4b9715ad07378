// Package gaps computes expected candle counts and missing-candle diagnostics
// for a resolved time window. Findings are surfaced as warnings and never
// block ingestion or alter merged data.
package gaps

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

var intervalUnits = map[string]time.Duration{
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

// IntervalDuration returns the nominal candle spacing for an interval token
// such as "1m", "15m", "1h", "1d" or "1w". Unrecognized tokens are a
// configuration error.
func IntervalDuration(interval string) (time.Duration, error) {
	token := strings.ToLower(strings.TrimSpace(interval))

	var digits, letters strings.Builder
	for _, r := range token {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else {
			letters.WriteRune(r)
		}
	}

	unit, ok := intervalUnits[letters.String()]
	if !ok || digits.Len() == 0 {
		return 0, errs.NewConfigError("interval", fmt.Sprintf("unrecognized interval token %q", interval))
	}
	value, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil || value <= 0 {
		return 0, errs.NewConfigError("interval", fmt.Sprintf("invalid interval multiple in %q", interval))
	}
	return time.Duration(value) * unit, nil
}

// Report summarizes gap detection over one window.
type Report struct {
	Expected int
	Present  int
	Missing  int
}

// Detect computes the number of candles expected in the half-open window at
// the interval's nominal spacing and how many of them are absent from the
// present timestamp set. Duplicate and out-of-window timestamps are ignored.
func Detect(window timeutil.Window, interval string, present []time.Time) (Report, error) {
	spacing, err := IntervalDuration(interval)
	if err != nil {
		return Report{}, err
	}

	expected := int(window.Duration() / spacing)

	seen := make(map[time.Time]struct{}, len(present))
	for _, ts := range present {
		if window.Contains(ts) {
			seen[ts] = struct{}{}
		}
	}

	missing := expected - len(seen)
	if missing < 0 {
		missing = 0
	}

	return Report{Expected: expected, Present: len(seen), Missing: missing}, nil
}

// ExpectedTimestamps enumerates the nominal candle open times inside the
// half-open window, aligned to window.Start.
func ExpectedTimestamps(window timeutil.Window, interval string) ([]time.Time, error) {
	spacing, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}

	var out []time.Time
	for ts := window.Start; ts.Before(window.End); ts = ts.Add(spacing) {
		out = append(out, ts)
	}
	return out, nil
}
