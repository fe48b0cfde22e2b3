// Package store implements the durable candle keyspace shared by the
// backfill fetcher and the streaming ingestor. All writes go through
// Upsert, which enforces the finality rule: a closed bucket never
// regresses to open.
package store

import (
	"context"

	"github.com/quantora/candle-ingest/internal/model"
)

type Store interface {
	// Upsert inserts or overwrites by (symbol, interval, openTime).
	// Returns *model.StaleUpdateError if a non-final candle would
	// overwrite a final one. Durable before return.
	Upsert(ctx context.Context, c model.Candle) error

	// RangeScan returns candles with openTime in [start, end), ascending.
	// An empty range yields an empty slice and no error.
	RangeScan(ctx context.Context, symbol string, interval model.Interval, start, end int64) ([]model.Candle, error)

	// Frontier returns the series watermark, maintained incrementally on
	// every accepted upsert.
	Frontier(ctx context.Context, symbol string, interval model.Interval) (model.Frontier, error)
}

func seriesKey(symbol string, interval model.Interval) string {
	return symbol + ":" + string(interval)
}
