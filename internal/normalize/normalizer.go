// Package normalize maps raw kline rows into the canonical candle schema.
// Conversion is pure: no I/O, no shared state. The open time is localized to
// the display timezone before the offset is stripped for storage.
package normalize

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

// Candle converts one raw kline into a canonical candle record. Numeric
// fields must parse as exact decimals; a malformed row fails with a
// DataFormatError carrying the offending values.
func Candle(raw exchange.RawKline, symbol, interval string, display *time.Location) (models.Candle, error) {
	fail := func(field string, err error) (models.Candle, error) {
		return models.Candle{}, &errs.DataFormatError{
			Row: fmt.Sprintf("%+v", raw),
			Err: fmt.Errorf("%s: %w", field, err),
		}
	}

	if raw.OpenTime <= 0 {
		return fail("open_time", fmt.Errorf("non-positive epoch milliseconds %d", raw.OpenTime))
	}
	if raw.Trades < 0 {
		return fail("trades", fmt.Errorf("negative trade count %d", raw.Trades))
	}

	for _, f := range []struct {
		name  string
		value string
	}{
		{"open", raw.Open},
		{"high", raw.High},
		{"low", raw.Low},
		{"close", raw.Close},
		{"volume", raw.Volume},
		{"quote_volume", raw.QuoteVolume},
		{"taker_buy_base_volume", raw.TakerBuyBaseVolume},
		{"taker_buy_quote_volume", raw.TakerBuyQuoteVol},
	} {
		if _, err := decimal.NewFromString(f.value); err != nil {
			return fail(f.name, err)
		}
	}

	// Localize first, strip the offset last. The stored timestamp is the
	// wall clock of the open time in the display timezone.
	opened := time.UnixMilli(raw.OpenTime).UTC()
	timestamp := timeutil.ToNaiveLocal(opened, display)

	return models.Candle{
		Symbol:             symbol,
		Interval:           interval,
		Timestamp:          timestamp,
		Open:               raw.Open,
		High:               raw.High,
		Low:                raw.Low,
		Close:              raw.Close,
		Volume:             raw.Volume,
		QuoteVolume:        raw.QuoteVolume,
		Trades:             raw.Trades,
		TakerBuyBaseVolume: raw.TakerBuyBaseVolume,
		TakerBuyQuoteVol:   raw.TakerBuyQuoteVol,
	}, nil
}

// Candles converts a fetched page, failing fast on the first malformed row.
func Candles(raw []exchange.RawKline, symbol, interval string, display *time.Location) ([]models.Candle, error) {
	out := make([]models.Candle, 0, len(raw))
	for _, r := range raw {
		c, err := Candle(r, symbol, interval, display)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
