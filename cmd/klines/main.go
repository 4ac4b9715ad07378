// Command klines ingests historical Binance candlestick data into a
// deduplicated CSV store and computes derived volume statistics.
//
// Usage:
//
//	klines -operation daily_btc_fetch
//	klines -symbol BTCUSDT -interval 1h -lookback 7d
//	klines -type volume_stats -symbol BTCUSDT -interval 1h -lookback 3d
//
// Operations are named parameter bundles defined in the operations file;
// ad-hoc flags run a one-off operation without one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/johnayoung/go-kline-ingest/internal/config"
	"github.com/johnayoung/go-kline-ingest/internal/errs"
	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/logger"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/operations"
	"github.com/johnayoung/go-kline-ingest/internal/pipeline"
	"github.com/johnayoung/go-kline-ingest/internal/stats"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

// Exit codes following standard conventions.
const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitFetchError  = 3
	exitDataError   = 4
	exitInterrupt   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config.yml", "path to the YAML config file")
		opsPath    = flag.String("ops", "operations.yml", "path to the operations file")
		opName     = flag.String("operation", "", "name of the operation to run")
		opType     = flag.String("type", operations.TypeFetch, "ad-hoc operation type (fetch, volume_stats, generate_sliced_csv)")
		symbol     = flag.String("symbol", "", "symbol for an ad-hoc operation (e.g. BTCUSDT)")
		interval   = flag.String("interval", "", "interval for an ad-hoc operation (e.g. 1h, 5m)")
		start      = flag.String("start", "", "window start (ISO 8601)")
		end        = flag.String("end", "", "window end (ISO 8601)")
		lookback   = flag.String("lookback", "", "lookback window (e.g. 7d, 12h) when start/end are absent")
		inputTZ    = flag.String("input-tz", "", "timezone for interpreting start/end (e.g. Asia/Kolkata)")
		dryRun     = flag.Bool("dry-run", false, "fetch and normalize without writing the store")
	)
	flag.Parse()

	// Optional .env next to the binary, mirroring the config env overrides.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	defer closer.Close()

	op, code := selectOperation(*opsPath, *opName, *opType, *symbol, *interval, *start, *end, *lookback, *inputTZ)
	if code != exitSuccess {
		return code
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pause, _ := cfg.Request.PauseDuration()
	timeout, _ := cfg.Request.TimeoutDuration()
	client := exchange.NewClient(exchange.Options{
		BaseURL:    cfg.Request.BaseURL,
		KlinesPath: cfg.Request.KlinesPath,
		PageLimit:  cfg.Request.Limit,
		Pause:      pause,
		Timeout:    timeout,
		MaxRetries: cfg.Request.MaxRetries,
		Logger:     log,
	})
	store := storage.NewCSVStore(cfg.Store.PathTemplate, log)
	display, err := timeutil.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Error("invalid display timezone", "error", err)
		return exitConfigError
	}

	ingestor := pipeline.NewIngestor(client, store, display, log)
	ingestor.DryRun = *dryRun

	switch op.Type {
	case operations.TypeFetch:
		report, err := ingestor.Run(ctx, op, time.Now())
		if err != nil {
			return reportError(ctx, log, err)
		}
		printReport(report)
	case operations.TypeSlice:
		report, err := ingestor.RunSlice(ctx, op, time.Now())
		if err != nil {
			return reportError(ctx, log, err)
		}
		printReport(report)
		if report.SlicePath != "" {
			fmt.Printf("slice written to %s\n", report.SlicePath)
		}
	case operations.TypeVolumeStats:
		window, err := timeutil.Resolve(op.StartTime, op.EndTime, op.Lookback, op.InputTimezone, time.Now())
		if err != nil {
			return reportError(ctx, log, err)
		}
		engine := stats.NewEngine(store, client, display, log)
		result, err := engine.ComputeVolumeStats(ctx, op.Symbol, op.Interval, window)
		if err != nil {
			return reportError(ctx, log, err)
		}
		fmt.Printf("%s %s %s -> %s\n",
			result.Symbol, result.Interval,
			result.Start.Format(models.TimestampLayout),
			result.End.Format(models.TimestampLayout))
		fmt.Printf("rows=%d, avg_volume=%s, p95_volume=%s\n", result.Rows, result.Mean, result.P95)
	default:
		fmt.Fprintf(os.Stderr, "unsupported operation type: %s\n", op.Type)
		return exitUsageError
	}

	return exitSuccess
}

// selectOperation returns the named operation from the operations file, or
// builds an ad-hoc one from flags.
func selectOperation(opsPath, opName, opType, symbol, interval, start, end, lookback, inputTZ string) (operations.Operation, int) {
	if opName != "" {
		ops, err := operations.Load(opsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return operations.Operation{}, exitConfigError
		}
		op, ok := ops[opName]
		if !ok {
			fmt.Fprintf(os.Stderr, "operation %q not found (available: %s)\n", opName, availableNames(ops))
			return operations.Operation{}, exitUsageError
		}
		return op, exitSuccess
	}

	if symbol == "" || interval == "" {
		fmt.Fprintln(os.Stderr, "provide -operation, or -symbol and -interval for an ad-hoc run")
		flag.Usage()
		return operations.Operation{}, exitUsageError
	}
	return operations.Operation{
		Name:          "adhoc",
		Type:          opType,
		Symbol:        symbol,
		Interval:      interval,
		StartTime:     start,
		EndTime:       end,
		Lookback:      lookback,
		InputTimezone: inputTZ,
	}, exitSuccess
}

func printReport(report *pipeline.Report) {
	fmt.Printf("%s %s %s -> %s\n",
		report.Symbol, report.Interval,
		report.Start.Format(models.TimestampLayout),
		report.End.Format(models.TimestampLayout))
	fmt.Printf("rows_fetched=%d, rows_added=%d, rows_in_window=%d, expected=%d, missing=%d\n",
		report.RowsFetched, report.RowsAdded, report.RowsInWindow,
		report.ExpectedCandles, report.MissingCandles)
}

func reportError(ctx context.Context, log *slog.Logger, err error) int {
	log.Error("operation failed", "error", err)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return exitInterrupt
	case errs.IsConfigError(err):
		return exitConfigError
	case errs.IsFetchError(err):
		return exitFetchError
	case errs.IsDataFormatError(err), errs.IsInsufficientData(err):
		return exitDataError
	default:
		return exitUsageError
	}
}

func availableNames(ops map[string]operations.Operation) string {
	if len(ops) == 0 {
		return "none"
	}
	names := ""
	for name := range ops {
		if names != "" {
			names += ", "
		}
		names += name
	}
	return names
}
