package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCandle() Candle {
	return Candle{
		Symbol:             "BTCUSDT",
		Interval:           "1h",
		Timestamp:          time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Open:               "50000.00",
		High:               "50500.00",
		Low:                "49500.00",
		Close:              "50250.00",
		Volume:             "1234.56789",
		QuoteVolume:        "61728394.5",
		Trades:             4521,
		TakerBuyBaseVolume: "617.28",
		TakerBuyQuoteVol:   "30864197.25",
	}
}

func TestCandleValidate(t *testing.T) {
	t.Run("valid candle passes", func(t *testing.T) {
		c := validCandle()
		assert.NoError(t, c.Validate())
	})

	t.Run("doji candle passes", func(t *testing.T) {
		c := validCandle()
		c.Open = "50000"
		c.High = "50000"
		c.Low = "50000"
		c.Close = "50000"
		assert.NoError(t, c.Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Candle)
		field  string
	}{
		{"zero timestamp", func(c *Candle) { c.Timestamp = time.Time{} }, "timestamp"},
		{"empty symbol", func(c *Candle) { c.Symbol = "" }, "symbol"},
		{"empty interval", func(c *Candle) { c.Interval = "" }, "interval"},
		{"non-decimal open", func(c *Candle) { c.Open = "abc" }, "open"},
		{"non-decimal volume", func(c *Candle) { c.Volume = "12,5" }, "volume"},
		{"negative volume", func(c *Candle) { c.Volume = "-1" }, "volume"},
		{"negative trades", func(c *Candle) { c.Trades = -1 }, "trades"},
		{"high below close", func(c *Candle) { c.High = "50100"; c.Close = "50250.00" }, "high"},
		{"low above open", func(c *Candle) { c.Low = "50100" }, "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCandleRecordRoundTrip(t *testing.T) {
	c := validCandle()
	record := c.Record()
	require.Len(t, record, len(Columns))
	assert.Equal(t, "2024-05-01 00:00:00", record[0])
	assert.Equal(t, "BTCUSDT", record[10])
	assert.Equal(t, "1h", record[11])

	parsed, err := FromRecord(record)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestFromRecordErrors(t *testing.T) {
	t.Run("wrong column count", func(t *testing.T) {
		_, err := FromRecord([]string{"2024-05-01 00:00:00", "1"})
		assert.Error(t, err)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		c := validCandle()
		record := c.Record()
		record[0] = "not-a-time"
		_, err := FromRecord(record)
		assert.ErrorContains(t, err, "invalid timestamp")
	})

	t.Run("bad trade count", func(t *testing.T) {
		c := validCandle()
		record := c.Record()
		record[7] = "many"
		_, err := FromRecord(record)
		assert.ErrorContains(t, err, "invalid trade count")
	})
}

func TestParseNaiveTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	got, err := ParseNaiveTimestamp("2024-05-01 12:30:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(want))

	got, err = ParseNaiveTimestamp("2024-05-01T12:30:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(want))

	_, err = ParseNaiveTimestamp("2024-05-01T12:30:00Z")
	assert.Error(t, err)
}

func TestCandleKey(t *testing.T) {
	a := validCandle()
	b := validCandle()
	b.Close = "51000.00"
	assert.Equal(t, a.Key(), b.Key(), "key ignores price fields")

	c := validCandle()
	c.Interval = "5m"
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestVolumeDecimal(t *testing.T) {
	c := validCandle()
	v, err := c.VolumeDecimal()
	require.NoError(t, err)
	assert.Equal(t, "1234.56789", v.String())
}
