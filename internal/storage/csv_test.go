package storage

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

func newTestStore(t *testing.T) *CSVStore {
	t.Helper()
	return NewCSVStore(filepath.Join(t.TempDir(), "{symbol}_{interval}.csv"), nil)
}

func hourlyCandle(offset int) models.Candle {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return models.Candle{
		Symbol:             "BTCUSDT",
		Interval:           "1h",
		Timestamp:          base.Add(time.Duration(offset) * time.Hour),
		Open:               "50000",
		High:               "50500",
		Low:                "49500",
		Close:              "50250",
		Volume:             "100",
		QuoteVolume:        "5000000",
		Trades:             10,
		TakerBuyBaseVolume: "50",
		TakerBuyQuoteVol:   "2500000",
	}
}

func TestPath(t *testing.T) {
	store := NewCSVStore("data/{symbol}_{interval}.csv", nil)
	assert.Equal(t, "data/BTCUSDT_1h.csv", store.Path("BTCUSDT", "1h"))
}

func TestMergeIntoEmptyStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{hourlyCandle(0), hourlyCandle(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Replaced)
	assert.Equal(t, 2, result.Total)
}

func TestMergeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	candles := []models.Candle{hourlyCandle(0), hourlyCandle(1), hourlyCandle(2)}

	_, err := store.Merge(ctx, "BTCUSDT", "1h", candles)
	require.NoError(t, err)

	result, err := store.Merge(ctx, "BTCUSDT", "1h", candles)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 3, result.Replaced)
	assert.Equal(t, 3, result.Total)
}

func TestMergeLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{hourlyCandle(0)})
	require.NoError(t, err)

	revised := hourlyCandle(0)
	revised.Close = "50300"
	result, err := store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{revised})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replaced)
	assert.Equal(t, 1, result.Total)

	window := timeutil.Window{Start: revised.Timestamp, End: revised.Timestamp.Add(time.Hour)}
	rows, err := store.Query(ctx, "BTCUSDT", "1h", window)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "50300", rows[0].Close)
}

func TestMergeRejectsInvalidCandle(t *testing.T) {
	store := newTestStore(t)

	bad := hourlyCandle(0)
	bad.High = "1" // below both open and close
	_, err := store.Merge(context.Background(), "BTCUSDT", "1h", []models.Candle{bad})
	require.Error(t, err)

	var serr *StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestMergeKeepsRowsSorted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{hourlyCandle(5), hourlyCandle(1), hourlyCandle(3)})
	require.NoError(t, err)

	window := timeutil.Window{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	}
	rows, err := store.Query(ctx, "BTCUSDT", "1h", window)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))
	assert.True(t, rows[1].Timestamp.Before(rows[2].Timestamp))
}

func TestQueryHalfOpenWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{
		hourlyCandle(0), hourlyCandle(1), hourlyCandle(2), hourlyCandle(3),
	})
	require.NoError(t, err)

	window := timeutil.Window{
		Start: hourlyCandle(1).Timestamp,
		End:   hourlyCandle(3).Timestamp,
	}
	rows, err := store.Query(ctx, "BTCUSDT", "1h", window)
	require.NoError(t, err)
	require.Len(t, rows, 2, "start inclusive, end exclusive")
	assert.True(t, rows[0].Timestamp.Equal(hourlyCandle(1).Timestamp))
	assert.True(t, rows[1].Timestamp.Equal(hourlyCandle(2).Timestamp))
}

func TestQueryMissingFile(t *testing.T) {
	store := newTestStore(t)
	window := timeutil.Window{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	}
	rows, err := store.Query(context.Background(), "BTCUSDT", "1h", window)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCoverage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cov, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Nil(t, cov, "no file means no coverage")

	_, err = store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{hourlyCandle(2), hourlyCandle(0), hourlyCandle(7)})
	require.NoError(t, err)

	cov, err = store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	require.NotNil(t, cov)
	assert.True(t, cov.Min.Equal(hourlyCandle(0).Timestamp))
	assert.True(t, cov.Max.Equal(hourlyCandle(7).Timestamp))
	assert.Equal(t, 3, cov.Rows)
}

func TestCoverageCovers(t *testing.T) {
	cov := &Coverage{
		Min: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC),
	}
	inside := timeutil.Window{
		Start: time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	wider := timeutil.Window{
		Start: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	assert.True(t, cov.Covers(inside))
	assert.False(t, cov.Covers(wider))
}

func TestWrittenFileFormat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{hourlyCandle(0)})
	require.NoError(t, err)

	f, err := os.Open(store.Path("BTCUSDT", "1h"))
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.Columns, records[0])
	assert.Equal(t, "2024-05-01 00:00:00", records[1][0])

	// No temp files left behind after the rename.
	entries, err := os.ReadDir(filepath.Dir(store.Path("BTCUSDT", "1h")))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadRejectsUnexpectedHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTCUSDT_1h.csv")
	require.NoError(t, os.WriteFile(path, []byte("time,open,close\n"), 0o644))

	store := NewCSVStore(filepath.Join(dir, "{symbol}_{interval}.csv"), nil)
	window := timeutil.Window{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	}
	_, err := store.Query(context.Background(), "BTCUSDT", "1h", window)
	require.Error(t, err)
	assert.ErrorContains(t, err, "unexpected header")
}

func TestWriteSlice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "export", "slice.csv")

	err := store.WriteSlice(ctx, path, []models.Candle{hourlyCandle(1), hourlyCandle(0)})
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, models.Columns, records[0])
	assert.Equal(t, "2024-05-01 00:00:00", records[1][0], "slice rows are sorted")
	assert.Equal(t, "2024-05-01 01:00:00", records[2][0])
}

func TestMergeHonorsContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Merge(ctx, "BTCUSDT", "1h", []models.Candle{hourlyCandle(0)})
	assert.Error(t, err)
}
