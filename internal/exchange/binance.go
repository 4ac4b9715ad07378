// Package exchange provides the Binance klines client used by the ingestion
// pipeline. It paginates through the REST endpoint with rate-limit pacing,
// bounded retries with exponential backoff, and strict decoding of the
// fixed-position kline arrays.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
	"github.com/johnayoung/go-kline-ingest/internal/timeutil"
)

const (
	defaultBaseURL    = "https://api.binance.com"
	defaultKlinesPath = "/api/v3/klines"

	// MaxPageLimit is the source-imposed maximum page size.
	MaxPageLimit = 1000

	defaultPageLimit  = MaxPageLimit
	defaultPause      = 200 * time.Millisecond
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3

	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// RawKline is one decoded row of the klines response, still in wire form:
// epoch-millisecond times and decimal strings. Normalization into the
// canonical record schema happens downstream.
type RawKline struct {
	OpenTime           int64
	Open               string
	High               string
	Low                string
	Close              string
	Volume             string
	CloseTime          int64
	QuoteVolume        string
	Trades             int64
	TakerBuyBaseVolume string
	TakerBuyQuoteVol   string
}

// Fetcher retrieves raw klines for a symbol/interval over a window, ordered
// by open time ascending. Implementations are stateless between calls:
// consuming the same window twice re-issues the requests.
type Fetcher interface {
	FetchKlines(ctx context.Context, symbol, interval string, window timeutil.Window) ([]RawKline, error)
}

// Options configures a Client. Zero values fall back to Binance defaults.
type Options struct {
	BaseURL    string
	KlinesPath string
	PageLimit  int
	Pause      time.Duration
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// Client fetches klines from the Binance REST API.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	klinesPath string
	pageLimit  int
	maxRetries int
	logger     *slog.Logger
}

// NewClient creates a Binance klines client with pacing and retry policy
// taken from opts.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.KlinesPath == "" {
		opts.KlinesPath = defaultKlinesPath
	}
	if opts.PageLimit <= 0 || opts.PageLimit > MaxPageLimit {
		opts.PageLimit = defaultPageLimit
	}
	if opts.Pause <= 0 {
		opts.Pause = defaultPause
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:    rate.NewLimiter(rate.Every(opts.Pause), 1),
		baseURL:    opts.BaseURL,
		klinesPath: opts.KlinesPath,
		pageLimit:  opts.PageLimit,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// FetchKlines implements Fetcher. Each page covers [cursor, window.End) with
// the cursor starting at window.Start and advancing to the last row's close
// time plus one millisecond. The loop terminates on an empty page, a page
// shorter than the limit, or a last close time at or past the window end.
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, window timeutil.Window) ([]RawKline, error) {
	cursor := window.Start.UnixMilli()
	endMS := window.End.UnixMilli()

	var all []RawKline
	for {
		// Inter-page pacing. The first page goes through immediately.
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.fetchError(symbol, interval, window, 0, err)
		}

		c.logger.Debug("requesting klines",
			"symbol", symbol,
			"interval", interval,
			"start_ms", cursor,
			"end_ms", endMS)

		page, err := c.fetchPage(ctx, symbol, interval, cursor, endMS)
		if err != nil {
			if errs.IsFetchError(err) || errs.IsDataFormatError(err) {
				return nil, err
			}
			return nil, c.fetchError(symbol, interval, window, 0, err)
		}
		if len(page) == 0 {
			break
		}

		all = append(all, page...)
		last := page[len(page)-1]
		if last.CloseTime >= endMS {
			break
		}
		if len(page) < c.pageLimit {
			break
		}
		cursor = last.CloseTime + 1
	}

	c.logger.Debug("fetched klines", "symbol", symbol, "interval", interval, "rows", len(all))
	return all, nil
}

// fetchPage issues one bounded page request with retries. Network errors,
// HTTP 429 and 5xx are retried with exponential backoff up to the configured
// budget; any other 4xx fails immediately.
func (c *Client) fetchPage(ctx context.Context, symbol, interval string, startMS, endMS int64) ([]RawKline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(c.pageLimit))
	params.Set("startTime", strconv.FormatInt(startMS, 10))
	params.Set("endTime", strconv.FormatInt(endMS, 10))
	requestURL := c.baseURL + c.klinesPath + "?" + params.Encode()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryDelay
	policy.MaxInterval = maxRetryDelay
	policy.MaxElapsedTime = 0 // bounded by retry count and caller context

	var page []RawKline
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // retryable
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err // retryable
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := &httpStatusError{Status: resp.StatusCode, Body: truncateRow(string(body))}
			if !errs.IsRetryableStatus(resp.StatusCode) {
				return backoff.Permanent(statusErr)
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
					c.logger.Warn("rate limited by source", "retry_after", wait)
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					}
				}
			}
			return statusErr
		}

		page, err = decodeKlines(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, retryPolicy); err != nil {
		if errs.IsDataFormatError(err) {
			return nil, err
		}
		status := 0
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) {
			status = statusErr.Status
		}
		return nil, &errs.FetchError{
			Symbol:     symbol,
			Interval:   interval,
			Start:      time.UnixMilli(startMS).UTC(),
			End:        time.UnixMilli(endMS).UTC(),
			StatusCode: status,
			Err:        err,
		}
	}
	return page, nil
}

func (c *Client) fetchError(symbol, interval string, window timeutil.Window, status int, err error) error {
	return &errs.FetchError{
		Symbol:     symbol,
		Interval:   interval,
		Start:      window.Start,
		End:        window.End,
		StatusCode: status,
		Err:        err,
	}
}

// decodeKlines parses the response body: an array of fixed-position arrays of
// mixed numeric and string values. The trailing "unused" field is ignored.
func decodeKlines(body []byte) ([]RawKline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &errs.DataFormatError{Row: truncateRow(string(body)), Err: err}
	}

	out := make([]RawKline, 0, len(rows))
	for _, row := range rows {
		kline, err := decodeKlineRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, kline)
	}
	return out, nil
}

func decodeKlineRow(row []json.RawMessage) (RawKline, error) {
	fail := func(err error) (RawKline, error) {
		raw, _ := json.Marshal(row)
		return RawKline{}, &errs.DataFormatError{Row: truncateRow(string(raw)), Err: err}
	}

	if len(row) < 11 {
		return fail(fmt.Errorf("expected at least 11 fields, got %d", len(row)))
	}

	var k RawKline
	if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
		return fail(fmt.Errorf("open time: %w", err))
	}
	strs := []struct {
		idx  int
		dest *string
		name string
	}{
		{1, &k.Open, "open"},
		{2, &k.High, "high"},
		{3, &k.Low, "low"},
		{4, &k.Close, "close"},
		{5, &k.Volume, "volume"},
		{7, &k.QuoteVolume, "quote volume"},
		{9, &k.TakerBuyBaseVolume, "taker buy base volume"},
		{10, &k.TakerBuyQuoteVol, "taker buy quote volume"},
	}
	for _, s := range strs {
		if err := json.Unmarshal(row[s.idx], s.dest); err != nil {
			return fail(fmt.Errorf("%s: %w", s.name, err))
		}
	}
	if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
		return fail(fmt.Errorf("close time: %w", err))
	}
	if err := json.Unmarshal(row[8], &k.Trades); err != nil {
		return fail(fmt.Errorf("trade count: %w", err))
	}
	return k, nil
}

func truncateRow(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// httpStatusError carries a non-OK response status through the retry loop so
// the final FetchError can report it.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}
