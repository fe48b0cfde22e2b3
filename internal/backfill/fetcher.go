// Package backfill reconstructs historical candle ranges from the
// provider's paginated REST endpoint, within its row and span caps.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/ratelimit"

	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/store"
)

type Config struct {
	MaxRowsPerRequest int           `yaml:"max_rows_per_request"`
	MaxSpanDays       int           `yaml:"max_span_days"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

const (
	// Provider-imposed caps, defaults match the spot klines endpoint.
	_maxRowsDefault = 1500
	_maxSpanDefault = 200

	_requestsPerMinuteDefault = 500
	_maxAttemptsDefault       = 5
	_baseBackoffDefault       = 1 * time.Second
	_maxBackoffDefault        = 30 * time.Second
)

func (c *Config) Setup() {
	if c.MaxRowsPerRequest <= 0 {
		c.MaxRowsPerRequest = _maxRowsDefault
	}
	if c.MaxSpanDays <= 0 {
		c.MaxSpanDays = _maxSpanDefault
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = _requestsPerMinuteDefault
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = _maxAttemptsDefault
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = _baseBackoffDefault
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = _maxBackoffDefault
	}
}

// Fetcher paginates the history endpoint and commits every page as final.
type Fetcher struct {
	client Client
	store  store.Store
	logger logger.Logger

	rateLimiter ratelimit.Limiter

	cfg Config
}

func NewFetcher(client Client, st store.Store, cfg Config, logger logger.Logger) *Fetcher {
	cfg.Setup()
	return &Fetcher{
		client:      client,
		store:       st,
		logger:      logger,
		rateLimiter: ratelimit.New(cfg.RequestsPerMinute, ratelimit.Per(1*time.Minute)),
		cfg:         cfg,
	}
}

// Backfill reconstructs open times in [start, end) for symbol/interval.
// On exhausted retries or a persistence failure it returns
// *model.BackfillFailedError carrying the first uncommitted open time, so
// the caller can resume from there.
func (f *Fetcher) Backfill(ctx context.Context, symbol string, interval model.Interval, start, end int64) error {
	if start >= end {
		return nil
	}

	step := interval.StepMs()
	maxSpanMs := int64(f.cfg.MaxSpanDays) * 24 * time.Hour.Milliseconds()
	cursor := interval.Truncate(start)

	for cursor < end {
		if err := ctx.Err(); err != nil {
			return &model.BackfillFailedError{Symbol: symbol, Interval: interval, LastCursor: cursor, Err: err}
		}

		window := model.FetchWindow{
			Start: cursor,
			End:   min(cursor+maxSpanMs, end),
			Limit: f.cfg.MaxRowsPerRequest,
		}

		candles, err := f.fetchWindow(ctx, symbol, interval, window)
		if err != nil {
			return &model.BackfillFailedError{Symbol: symbol, Interval: interval, LastCursor: cursor, Err: err}
		}

		if len(candles) == 0 {
			f.logger.Infof("backfill %s %s: provider has no data from %d, stopping", symbol, interval, cursor)
			return nil
		}

		// a fetched page is always committed in full, shutdown is only
		// honored between pages
		commitCtx := context.WithoutCancel(ctx)
		for _, c := range candles {
			if err := f.store.Upsert(commitCtx, c); err != nil {
				return &model.BackfillFailedError{Symbol: symbol, Interval: interval, LastCursor: c.OpenTime, Err: err}
			}
		}

		last := candles[len(candles)-1].OpenTime
		cursor = last + step

		// A short page before the requested end means the remainder has
		// not traded yet (or is pruned): stop without error.
		if len(candles) < theoreticalMax(window, step) && cursor < end {
			f.logger.Infof("backfill %s %s: short page, provider end of data at %d", symbol, interval, last)
			return nil
		}
	}

	return nil
}

// fetchWindow requests one window, honoring the pacing limiter and
// retrying transient failures on the same window with capped backoff.
func (f *Fetcher) fetchWindow(ctx context.Context, symbol string, interval model.Interval, window model.FetchWindow) ([]model.Candle, error) {
	backoff := f.cfg.BaseBackoff
	var lastErr error

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		// check before Take: the limiter can block for a full slot and
		// must not delay shutdown
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.rateLimiter.Take()

		candles, err := f.client.Klines(ctx, symbol, interval, window)
		if err == nil {
			return candles, nil
		}
		lastErr = err

		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		f.logger.Warnf("backfill %s %s window [%d, %d) attempt %d/%d: %s, retrying in %s",
			symbol, interval, window.Start, window.End, attempt, f.cfg.MaxAttempts, err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("%w: retries exhausted", lastErr)
}

// theoreticalMax is how many rows a full window could hold, capped by the
// provider row limit.
func theoreticalMax(window model.FetchWindow, step int64) int {
	n := int((window.End - window.Start + step - 1) / step)
	return min(n, window.Limit)
}
