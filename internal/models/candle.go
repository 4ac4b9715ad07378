// Package models provides the canonical candle record used across the
// ingestion pipeline, together with validation and the CSV row codec for the
// persisted store.
package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the wall-clock format used for persisted timestamps.
// Stored values are timezone-naive: the offset is stripped only after the
// instant has been localized to the configured display timezone.
const TimestampLayout = "2006-01-02 15:04:05"

// Columns is the exact header of the persisted CSV store, in order.
var Columns = []string{
	"timestamp",
	"open",
	"high",
	"low",
	"close",
	"volume",
	"quote_volume",
	"trades",
	"taker_buy_base_volume",
	"taker_buy_quote_volume",
	"symbol",
	"interval",
}

// Candle represents one OHLCV observation for a symbol at an interval.
// Price and volume fields are decimal strings so financial values survive
// round-trips without floating point corruption.
type Candle struct {
	Symbol             string    `json:"symbol"`
	Interval           string    `json:"interval"`
	Timestamp          time.Time `json:"timestamp"`
	Open               string    `json:"open"`
	High               string    `json:"high"`
	Low                string    `json:"low"`
	Close              string    `json:"close"`
	Volume             string    `json:"volume"`
	QuoteVolume        string    `json:"quote_volume"`
	Trades             int64     `json:"trades"`
	TakerBuyBaseVolume string    `json:"taker_buy_base_volume"`
	TakerBuyQuoteVol   string    `json:"taker_buy_quote_volume"`
}

// Key identifies a candle for merge and dedupe purposes. The tuple
// (symbol, interval, timestamp) is unique across the persisted store.
type Key struct {
	Symbol    string
	Interval  string
	Timestamp time.Time
}

// Key returns the merge key of the candle.
func (c *Candle) Key() Key {
	return Key{Symbol: c.Symbol, Interval: c.Interval, Timestamp: c.Timestamp}
}

// ValidationError represents a candle validation failure with field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that all numeric fields parse as decimals, the OHLC
// relationships hold (high >= max(open, close), low <= min(open, close)),
// volumes and trade count are non-negative, and required fields are present.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Interval == "" {
		return &ValidationError{Field: "interval", Message: "interval cannot be empty"}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price: %v", err)}
	}
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price: %v", err)}
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price: %v", err)}
	}
	close, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price: %v", err)}
	}

	for _, f := range []struct {
		name  string
		value string
	}{
		{"volume", c.Volume},
		{"quote_volume", c.QuoteVolume},
		{"taker_buy_base_volume", c.TakerBuyBaseVolume},
		{"taker_buy_quote_volume", c.TakerBuyQuoteVol},
	} {
		v, err := decimal.NewFromString(f.value)
		if err != nil {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid decimal: %v", err)}
		}
		if v.IsNegative() {
			return &ValidationError{Field: f.name, Message: "must be greater than or equal to 0"}
		}
	}

	if c.Trades < 0 {
		return &ValidationError{Field: "trades", Message: "trade count must be greater than or equal to 0"}
	}

	if high.LessThan(decimal.Max(open, close)) {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("high (%s) below max(open, close)", c.High)}
	}
	if low.GreaterThan(decimal.Min(open, close)) {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("low (%s) above min(open, close)", c.Low)}
	}

	return nil
}

// VolumeDecimal returns the base-asset volume as a decimal for calculations.
func (c *Candle) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Volume)
}

// Record serializes the candle as a CSV row in the canonical column order.
func (c *Candle) Record() []string {
	return []string{
		c.Timestamp.Format(TimestampLayout),
		c.Open,
		c.High,
		c.Low,
		c.Close,
		c.Volume,
		c.QuoteVolume,
		strconv.FormatInt(c.Trades, 10),
		c.TakerBuyBaseVolume,
		c.TakerBuyQuoteVol,
		c.Symbol,
		c.Interval,
	}
}

// FromRecord parses a CSV row in the canonical column order. The timestamp is
// read as a naive wall-clock value; no offset interpretation happens here.
func FromRecord(record []string) (Candle, error) {
	if len(record) != len(Columns) {
		return Candle{}, fmt.Errorf("expected %d columns, got %d", len(Columns), len(record))
	}

	ts, err := ParseNaiveTimestamp(record[0])
	if err != nil {
		return Candle{}, fmt.Errorf("invalid timestamp %q: %w", record[0], err)
	}
	trades, err := strconv.ParseInt(record[7], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid trade count %q: %w", record[7], err)
	}

	return Candle{
		Timestamp:          ts,
		Open:               record[1],
		High:               record[2],
		Low:                record[3],
		Close:              record[4],
		Volume:             record[5],
		QuoteVolume:        record[6],
		Trades:             trades,
		TakerBuyBaseVolume: record[8],
		TakerBuyQuoteVol:   record[9],
		Symbol:             record[10],
		Interval:           record[11],
	}, nil
}

// ParseNaiveTimestamp parses a stored wall-clock timestamp. Both the space
// and the T separator are accepted for compatibility with hand-edited files.
func ParseNaiveTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

// String implements fmt.Stringer.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Interval: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.Interval, c.Timestamp.Format(TimestampLayout), c.Open, c.High, c.Low, c.Close, c.Volume)
}
