// Package stats computes derived volume statistics over a requested window,
// backfilling missing sub-ranges from the remote source before computing so
// the result reflects the full window whenever the source can provide it.
package stats

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/gaps"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/normalize"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

// VolumeStats is the stats-path report surface.
type VolumeStats struct {
	Symbol   string
	Interval string
	Start    time.Time // naive local window bounds, matching stored timestamps
	End      time.Time
	Rows     int
	Mean     decimal.Decimal
	P95      decimal.Decimal
}

// Engine computes window statistics against the store, using the fetcher to
// backfill missing sub-ranges first.
type Engine struct {
	store   storage.CandleStore
	fetcher exchange.Fetcher
	display *time.Location
	logger  *slog.Logger
}

// NewEngine creates a stats engine. display is the timezone of stored
// timestamps; nil means UTC.
func NewEngine(store storage.CandleStore, fetcher exchange.Fetcher, display *time.Location, logger *slog.Logger) *Engine {
	if display == nil {
		display = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, fetcher: fetcher, display: display, logger: logger}
}

// ComputeVolumeStats returns the mean and interpolated 95th percentile of the
// volume column over the half-open window. Missing expected candles (at the
// interval's nominal spacing) are fetched, normalized and merged before the
// final computation. A window that stays empty after backfill fails with
// InsufficientDataError.
func (e *Engine) ComputeVolumeStats(ctx context.Context, symbol, interval string, window timeutil.Window) (*VolumeStats, error) {
	naive := timeutil.NaiveWindow(window, e.display)

	rows, err := e.store.Query(ctx, symbol, interval, naive)
	if err != nil {
		return nil, err
	}

	missing, err := e.missingRanges(naive, interval, rows)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		e.logger.Info("window incomplete, backfilling from source",
			"symbol", symbol,
			"interval", interval,
			"sub_ranges", len(missing))
		if err := e.backfill(ctx, symbol, interval, missing); err != nil {
			return nil, err
		}
		if rows, err = e.store.Query(ctx, symbol, interval, naive); err != nil {
			return nil, err
		}
	}

	if len(rows) == 0 {
		return nil, &errs.InsufficientDataError{
			Symbol:   symbol,
			Interval: interval,
			Start:    naive.Start,
			End:      naive.End,
		}
	}

	volumes := make([]decimal.Decimal, 0, len(rows))
	for i := range rows {
		v, err := rows[i].VolumeDecimal()
		if err != nil {
			return nil, &errs.DataFormatError{Row: rows[i].String(), Err: err}
		}
		volumes = append(volumes, v)
	}

	return &VolumeStats{
		Symbol:   symbol,
		Interval: interval,
		Start:    naive.Start,
		End:      naive.End,
		Rows:     len(volumes),
		Mean:     Mean(volumes),
		P95:      Percentile(volumes, 0.95),
	}, nil
}

// missingRanges groups absent expected timestamps into contiguous naive-local
// sub-ranges so backfill fetches exactly what the window lacks.
func (e *Engine) missingRanges(naive timeutil.Window, interval string, rows []models.Candle) ([]timeutil.Window, error) {
	spacing, err := gaps.IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	expected, err := gaps.ExpectedTimestamps(naive, interval)
	if err != nil {
		return nil, err
	}

	present := make(map[time.Time]struct{}, len(rows))
	for i := range rows {
		present[rows[i].Timestamp] = struct{}{}
	}

	var ranges []timeutil.Window
	for _, ts := range expected {
		if _, ok := present[ts]; ok {
			continue
		}
		end := ts.Add(spacing)
		if n := len(ranges); n > 0 && ranges[n-1].End.Equal(ts) {
			ranges[n-1].End = end
		} else {
			ranges = append(ranges, timeutil.Window{Start: ts, End: end})
		}
	}
	return ranges, nil
}

// backfill fetches each missing naive-local sub-range (converted back to
// aware UTC for the source) and merges the normalized rows into the store.
func (e *Engine) backfill(ctx context.Context, symbol, interval string, ranges []timeutil.Window) error {
	for _, r := range ranges {
		utcRange := timeutil.Window{
			Start: timeutil.FromNaiveLocal(r.Start, e.display),
			End:   timeutil.FromNaiveLocal(r.End, e.display),
		}
		raw, err := e.fetcher.FetchKlines(ctx, symbol, interval, utcRange)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}
		candles, err := normalize.Candles(raw, symbol, interval, e.display)
		if err != nil {
			return err
		}
		if _, err := e.store.Merge(ctx, symbol, interval, candles); err != nil {
			return err
		}
	}
	return nil
}

// Mean returns the arithmetic average of the values. Zero for an empty set.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// Percentile returns the q-th percentile (0 < q <= 1) of the values using
// linear interpolation between the two nearest ranks of the sorted sequence:
// pos = q*(n-1), result = v[floor(pos)] + frac*(v[ceil(pos)] - v[floor(pos)]).
// This matches the standard interpolated-percentile method so results are
// reproducible across implementations.
func Percentile(values []decimal.Decimal, q float64) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}

	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	if len(sorted) == 1 {
		return sorted[0]
	}

	pos := q * float64(len(sorted)-1)
	lower := int(pos)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	frac := decimal.NewFromFloat(pos - float64(lower))
	return sorted[lower].Add(sorted[upper].Sub(sorted[lower]).Mul(frac))
}
