// Package storage defines the persisted candle store used by the ingestion
// pipeline. The store is a CSV-backed table behind a small interface so the
// merge algorithm (load, merge in memory, atomic rewrite) can later be swapped
// for an indexed engine without touching callers.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

// CandleStore provides idempotent merge and window queries over persisted
// candles keyed by (symbol, interval, timestamp).
type CandleStore interface {
	// Merge upserts the given candles into the persisted set for the
	// symbol/interval. Existing keys are replaced (last write wins); the
	// post-merge set is persisted atomically. Merging the same batch twice
	// yields the same stored rows as merging it once.
	Merge(ctx context.Context, symbol, interval string, candles []models.Candle) (*MergeResult, error)

	// Query returns the stored candles for symbol/interval whose naive
	// timestamps fall in the half-open window, ascending by timestamp.
	// A missing store is an empty result, not an error.
	Query(ctx context.Context, symbol, interval string, window timeutil.Window) ([]models.Candle, error)

	// Coverage reports the bounds of the persisted timestamps, or nil when
	// nothing is stored yet.
	Coverage(ctx context.Context, symbol, interval string) (*Coverage, error)
}

// MergeResult summarizes one merge call.
type MergeResult struct {
	// Total is the number of rows persisted after the merge.
	Total int
	// Added is the number of new keys inserted.
	Added int
	// Replaced is the number of existing keys overwritten with new values.
	Replaced int
}

// Coverage describes the persisted timestamp extent for a symbol/interval.
type Coverage struct {
	Min  time.Time
	Max  time.Time
	Rows int
}

// Covers reports whether the persisted extent spans the naive window, i.e.
// whether no fetch is needed to serve it from the store.
func (c *Coverage) Covers(window timeutil.Window) bool {
	return c != nil && !c.Min.After(window.Start) && !c.Max.Before(window.End)
}

// StorageError wraps a failed store operation with context.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage %s on %s failed: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }
