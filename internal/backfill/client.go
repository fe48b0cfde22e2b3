package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"resty.dev/v3"

	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
)

const _klinesURL = "/api/v3/klines"

// ErrRateLimited means the provider rejected the request for pacing
// reasons. The fetcher retries the same window with backoff.
var ErrRateLimited = errors.New("provider rate limit")

// RequestError is a non-retryable provider rejection (bad symbol, bad
// interval and the like).
type RequestError struct {
	Status string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("klines request rejected: %s", e.Status)
}

// Client fetches one page of closed candles for a window.
type Client interface {
	Klines(ctx context.Context, symbol string, interval model.Interval, window model.FetchWindow) ([]model.Candle, error)
}

// RestClient talks to the exchange kline history endpoint.
type RestClient struct {
	c      *resty.Client
	logger logger.Logger
}

func NewRestClient(baseURL string, logger logger.Logger) *RestClient {
	client := resty.New().
		SetLogger(logger).
		SetBaseURL(baseURL)

	return &RestClient{
		c:      client,
		logger: logger,
	}
}

func (c *RestClient) Close() error {
	return c.c.Close()
}

func (c *RestClient) Klines(ctx context.Context, symbol string, interval model.Interval, window model.FetchWindow) ([]model.Candle, error) {
	req := c.c.R().
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval.String(),
			// provider treats endTime as inclusive, our windows are [start, end)
			"startTime": strconv.FormatInt(window.Start, 10),
			"endTime":   strconv.FormatInt(window.End-1, 10),
			"limit":     strconv.Itoa(window.Limit),
		}).
		SetContext(ctx)

	resp, err := req.Get(_klinesURL)
	if err != nil {
		return nil, fmt.Errorf("%w: can't request klines", err)
	}
	defer resp.Body.Close()

	c.logger.Debugf("got response %s status: %s, %s", resp.Request.URL, resp.Status(), resp.Duration())

	if resp.StatusCode() == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.IsError() {
		return nil, &RequestError{Status: resp.Status()}
	}

	return parseKlines(symbol, interval, resp.Bytes())
}

// parseKlines decodes the provider wire format: an array of mixed-type
// arrays [openTime, open, high, low, close, volume, closeTime, ...] where
// prices are strings and times are numbers. History rows are always final.
func parseKlines(symbol string, interval model.Interval, body []byte) ([]model.Candle, error) {
	var rows [][]json.RawMessage
	if err := sonic.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: can't decode klines payload", err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("kline row %d has %d fields, want at least 7", i, len(row))
		}

		var openTime int64
		if err := sonic.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("%w: kline row %d open time", err, i)
		}

		prices := make([]decimal.Decimal, 5)
		for j := 1; j <= 5; j++ {
			var s string
			if err := sonic.Unmarshal(row[j], &s); err != nil {
				return nil, fmt.Errorf("%w: kline row %d field %d", err, i, j)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("%w: kline row %d field %d", err, i, j)
			}
			prices[j-1] = d
		}

		candles = append(candles, model.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: openTime,
			Open:     prices[0],
			High:     prices[1],
			Low:      prices[2],
			Close:    prices[3],
			Volume:   prices[4],
			IsFinal:  true,
		})
	}

	return candles, nil
}
