package operations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
)

func writeOps(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operations.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeOps(t, `
defaults:
  symbol: BTCUSDT
  interval: 1h
  time_input_timezone: Asia/Kolkata
operations:
  - name: daily_btc_fetch
    type: fetch
    lookback: 1d
  - name: eth_window
    type: fetch
    symbol: ETHUSDT
    start_time: "2024-05-01T00:00:00"
    end_time: "2024-05-02T00:00:00"
  - name: btc_volume
    type: volume_stats
    lookback: 3d
  - name: btc_slice
    type: generate_sliced_csv
    lookback: 12h
    slice_output_path: out/btc_slice.csv
`)
	ops, err := Load(path)
	require.NoError(t, err)
	require.Len(t, ops, 4)

	daily := ops["daily_btc_fetch"]
	assert.Equal(t, TypeFetch, daily.Type)
	assert.Equal(t, "BTCUSDT", daily.Symbol, "default symbol applied")
	assert.Equal(t, "1h", daily.Interval, "default interval applied")
	assert.Equal(t, "1d", daily.Lookback)
	assert.Equal(t, "Asia/Kolkata", daily.InputTimezone, "default timezone applied")

	eth := ops["eth_window"]
	assert.Equal(t, "ETHUSDT", eth.Symbol, "per-operation symbol wins over default")
	assert.Equal(t, "2024-05-01T00:00:00", eth.StartTime)

	slice := ops["btc_slice"]
	assert.Equal(t, TypeSlice, slice.Type)
	assert.Equal(t, "out/btc_slice.csv", slice.SliceOutputPath)
}

func TestLoadMissingName(t *testing.T) {
	path := writeOps(t, `
operations:
  - type: fetch
    symbol: BTCUSDT
    interval: 1h
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errs.IsConfigError(err))
	assert.ErrorContains(t, err, "missing name")
}

func TestLoadMissingSymbolWithoutDefault(t *testing.T) {
	path := writeOps(t, `
operations:
  - name: broken
    type: fetch
    interval: 1h
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "missing symbol")
}

func TestLoadMissingIntervalWithoutDefault(t *testing.T) {
	path := writeOps(t, `
defaults:
  symbol: BTCUSDT
operations:
  - name: broken
    type: fetch
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "missing interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.True(t, errs.IsConfigError(err))
}

func TestLoadBadYAML(t *testing.T) {
	path := writeOps(t, "operations: {not a list")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errs.IsConfigError(err))
}
