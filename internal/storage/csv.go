package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

// CSVStore implements CandleStore over one CSV file per symbol/interval.
// The file path comes from a template with {symbol} and {interval}
// placeholders. Writes go to a temp file in the same directory followed by an
// atomic rename, so a concurrent reader never observes partial content.
type CSVStore struct {
	pathTemplate string
	logger       *slog.Logger
}

// NewCSVStore creates a store writing to paths derived from pathTemplate,
// e.g. "data/{symbol}_{interval}.csv".
func NewCSVStore(pathTemplate string, logger *slog.Logger) *CSVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVStore{pathTemplate: pathTemplate, logger: logger}
}

// Path resolves the store file path for a symbol/interval.
func (s *CSVStore) Path(symbol, interval string) string {
	path := strings.ReplaceAll(s.pathTemplate, "{symbol}", symbol)
	return strings.ReplaceAll(path, "{interval}", interval)
}

// Merge implements CandleStore.
func (s *CSVStore) Merge(ctx context.Context, symbol, interval string, candles []models.Candle) (*MergeResult, error) {
	if ctx.Err() != nil {
		return nil, &StorageError{Operation: "merge", Err: ctx.Err()}
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return nil, &StorageError{Operation: "merge", Err: fmt.Errorf("candle %d: %w", i, err)}
		}
	}

	path := s.Path(symbol, interval)
	existing, err := s.load(path)
	if err != nil {
		return nil, err
	}

	byKey := make(map[models.Key]models.Candle, len(existing)+len(candles))
	for _, c := range existing {
		byKey[c.Key()] = c
	}

	result := &MergeResult{}
	for _, c := range candles {
		if _, ok := byKey[c.Key()]; ok {
			result.Replaced++
		} else {
			result.Added++
		}
		// Last write wins: a revised value from a later fetch replaces the
		// stored row for the same key.
		byKey[c.Key()] = c
	}

	merged := make([]models.Candle, 0, len(byKey))
	for _, c := range byKey {
		merged = append(merged, c)
	}
	sortCandles(merged)
	result.Total = len(merged)

	if err := s.write(path, merged); err != nil {
		return nil, err
	}

	s.logger.Debug("merged candles",
		"symbol", symbol,
		"interval", interval,
		"total", result.Total,
		"added", result.Added,
		"replaced", result.Replaced,
		"path", path)
	return result, nil
}

// Query implements CandleStore.
func (s *CSVStore) Query(ctx context.Context, symbol, interval string, window timeutil.Window) ([]models.Candle, error) {
	if ctx.Err() != nil {
		return nil, &StorageError{Operation: "query", Err: ctx.Err()}
	}

	rows, err := s.load(s.Path(symbol, interval))
	if err != nil {
		return nil, err
	}

	matches := make([]models.Candle, 0, len(rows))
	for _, c := range rows {
		if c.Symbol == symbol && c.Interval == interval && window.Contains(c.Timestamp) {
			matches = append(matches, c)
		}
	}
	sortCandles(matches)
	return matches, nil
}

// Coverage implements CandleStore.
func (s *CSVStore) Coverage(ctx context.Context, symbol, interval string) (*Coverage, error) {
	if ctx.Err() != nil {
		return nil, &StorageError{Operation: "coverage", Err: ctx.Err()}
	}

	rows, err := s.load(s.Path(symbol, interval))
	if err != nil {
		return nil, err
	}

	var cov *Coverage
	for _, c := range rows {
		if c.Symbol != symbol || c.Interval != interval {
			continue
		}
		if cov == nil {
			cov = &Coverage{Min: c.Timestamp, Max: c.Timestamp}
		} else {
			if c.Timestamp.Before(cov.Min) {
				cov.Min = c.Timestamp
			}
			if c.Timestamp.After(cov.Max) {
				cov.Max = c.Timestamp
			}
		}
		cov.Rows++
	}
	return cov, nil
}

// WriteSlice writes the given candles to an arbitrary CSV path, overwriting
// any previous content. Used for sliced window exports.
func (s *CSVStore) WriteSlice(ctx context.Context, path string, candles []models.Candle) error {
	if ctx.Err() != nil {
		return &StorageError{Operation: "write_slice", Path: path, Err: ctx.Err()}
	}
	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sortCandles(sorted)
	return s.write(path, sorted)
}

// load reads all rows from a store file. A missing file yields an empty set.
// Malformed rows fail with DataFormatError; financial rows are never dropped
// silently.
func (s *CSVStore) load(path string) ([]models.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Operation: "read", Path: path, Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, &StorageError{Operation: "read", Path: path, Err: err}
	}
	if !equalHeader(header, models.Columns) {
		return nil, &StorageError{
			Operation: "read",
			Path:      path,
			Err:       &errs.DataFormatError{Row: strings.Join(header, ","), Err: errors.New("unexpected header")},
		}
	}

	var out []models.Candle
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &StorageError{Operation: "read", Path: path, Err: err}
		}
		candle, err := models.FromRecord(record)
		if err != nil {
			return nil, &StorageError{
				Operation: "read",
				Path:      path,
				Err:       &errs.DataFormatError{Row: strings.Join(record, ","), Err: err},
			}
		}
		out = append(out, candle)
	}
	return out, nil
}

// write persists rows with write-then-atomic-rename semantics.
func (s *CSVStore) write(path string, candles []models.Candle) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Operation: "write", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &StorageError{Operation: "write", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	writer := csv.NewWriter(tmp)
	if err := writer.Write(models.Columns); err != nil {
		tmp.Close()
		return &StorageError{Operation: "write", Path: path, Err: err}
	}
	for i := range candles {
		if err := writer.Write(candles[i].Record()); err != nil {
			tmp.Close()
			return &StorageError{Operation: "write", Path: path, Err: err}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return &StorageError{Operation: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Operation: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Operation: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &StorageError{Operation: "write", Path: path, Err: err}
	}
	return nil
}

// sortCandles orders rows ascending by timestamp, breaking ties by symbol
// then interval so repeated merges of identical inputs stay deterministic.
func sortCandles(candles []models.Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		if !candles[i].Timestamp.Equal(candles[j].Timestamp) {
			return candles[i].Timestamp.Before(candles[j].Timestamp)
		}
		if candles[i].Symbol != candles[j].Symbol {
			return candles[i].Symbol < candles[j].Symbol
		}
		return candles[i].Interval < candles[j].Interval
	})
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i]) != b[i] {
			return false
		}
	}
	return true
}
