// Package errs defines the error taxonomy for the kline ingestion pipeline.
// Errors are split into four categories so callers can decide between failing
// the run, retrying, or degrading: configuration problems, fetch failures,
// unparseable source data, and missing data for statistics.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ConfigError reports invalid or missing configuration inputs such as an
// unresolvable time window or an unrecognized interval token. It is fatal and
// never retried.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
	}
	return "configuration error: " + e.Message
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// FetchError reports a failed fetch against the remote kline source. It
// carries enough context (symbol, interval, window, last HTTP status) to
// reproduce the request. StatusCode is zero for pure network failures.
type FetchError struct {
	Symbol     string
	Interval   string
	Start      time.Time
	End        time.Time
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s %s [%s, %s) failed with status %d: %v",
			e.Symbol, e.Interval, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s %s [%s, %s) failed: %v",
		e.Symbol, e.Interval, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Err)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// DataFormatError reports a source row that could not be parsed into the
// canonical record schema. The offending raw row is preserved for diagnosis;
// dropping financial data rows silently is not acceptable.
type DataFormatError struct {
	Row string
	Err error
}

// Error implements the error interface.
func (e *DataFormatError) Error() string {
	return fmt.Sprintf("malformed data row %q: %v", e.Row, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DataFormatError) Unwrap() error { return e.Err }

// InsufficientDataError reports that a statistics window contained no rows
// even after backfill attempts. It is fatal to the stats computation only.
type InsufficientDataError struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
}

// Error implements the error interface.
func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("no %s %s data in [%s, %s) after backfill",
		e.Symbol, e.Interval, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsFetchError reports whether err is (or wraps) a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsDataFormatError reports whether err is (or wraps) a DataFormatError.
func IsDataFormatError(err error) bool {
	var de *DataFormatError
	return errors.As(err, &de)
}

// IsInsufficientData reports whether err is (or wraps) an InsufficientDataError.
func IsInsufficientData(err error) bool {
	var ie *InsufficientDataError
	return errors.As(err, &ie)
}

// IsRetryableStatus reports whether an HTTP status from the kline source
// should be retried. 429 and all 5xx are transient; every other 4xx is a
// permanent client error.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
