package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
)

const (
	_querySchema = `CREATE TABLE IF NOT EXISTS candles (
	symbol     TEXT    NOT NULL,
	"interval" TEXT    NOT NULL,
	open_time  BIGINT  NOT NULL,
	open       NUMERIC NOT NULL,
	high       NUMERIC NOT NULL,
	low        NUMERIC NOT NULL,
	close      NUMERIC NOT NULL,
	volume     NUMERIC NOT NULL,
	is_final   BOOLEAN NOT NULL,
	PRIMARY KEY (symbol, "interval", open_time)
)`

	// The WHERE clause rejects a non-final write over a final row: the
	// conflict resolves to zero affected rows and Upsert surfaces
	// StaleUpdateError.
	_queryUpsert = `INSERT INTO candles (symbol, "interval", open_time, open, high, low, close, volume, is_final)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (symbol, "interval", open_time) DO UPDATE
SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
    close = EXCLUDED.close, volume = EXCLUDED.volume, is_final = EXCLUDED.is_final
WHERE NOT candles.is_final OR EXCLUDED.is_final`

	_queryGet = `SELECT symbol, "interval", open_time, open, high, low, close, volume, is_final
FROM candles
WHERE symbol = $1 AND "interval" = $2 AND open_time = $3`

	_queryRange = `SELECT symbol, "interval", open_time, open, high, low, close, volume, is_final
FROM candles
WHERE symbol = $1 AND "interval" = $2 AND open_time >= $3 AND open_time < $4
ORDER BY open_time ASC`

	_queryAllAsc = `SELECT symbol, "interval", open_time, open, high, low, close, volume, is_final
FROM candles
WHERE symbol = $1 AND "interval" = $2
ORDER BY open_time ASC`
)

// Postgres is the durable Store. Upserts to the same series key are
// serialized by a per-key mutex; different keys write concurrently.
type Postgres struct {
	db     *sqlx.DB
	logger logger.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
	trackers map[string]*frontierTracker
}

func NewPostgres(db *sqlx.DB, logger logger.Logger) *Postgres {
	return &Postgres{
		db:       db,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
		trackers: make(map[string]*frontierTracker),
	}
}

// EnsureSchema creates the candles table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, _querySchema); err != nil {
		return fmt.Errorf("%w: can't ensure candles schema", err)
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, c model.Candle) error {
	key := seriesKey(c.Symbol, c.Interval)
	lock := p.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	// A final write over an existing final row is either a no-op
	// (identical) or a correction: history is authoritative and the
	// discrepancy must be visible, not silently absorbed.
	if c.IsFinal {
		var existing model.Candle
		err := p.db.GetContext(ctx, &existing, _queryGet, c.Symbol, c.Interval, c.OpenTime)
		switch {
		case err == nil && existing.IsFinal:
			if existing.Equal(c) {
				return nil
			}
			p.logger.Warnf("correcting final candle %s %s open_time=%d from streamed values", c.Symbol, c.Interval, c.OpenTime)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read existing candle: %w", err)
		}
	}

	res, err := p.db.ExecContext(ctx, _queryUpsert,
		c.Symbol, c.Interval, c.OpenTime,
		c.Open, c.High, c.Low, c.Close, c.Volume, c.IsFinal,
	)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	if affected == 0 {
		return &model.StaleUpdateError{Symbol: c.Symbol, Interval: c.Interval, OpenTime: c.OpenTime}
	}

	tracker, err := p.trackerLocked(ctx, key, c.Symbol, c.Interval)
	if err != nil {
		return err
	}
	tracker.observe(c)
	return nil
}

func (p *Postgres) RangeScan(ctx context.Context, symbol string, interval model.Interval, start, end int64) ([]model.Candle, error) {
	candles := make([]model.Candle, 0)
	if err := p.db.SelectContext(ctx, &candles, _queryRange, symbol, interval, start, end); err != nil {
		return nil, fmt.Errorf("range scan candles: %w", err)
	}
	return candles, nil
}

func (p *Postgres) Frontier(ctx context.Context, symbol string, interval model.Interval) (model.Frontier, error) {
	key := seriesKey(symbol, interval)
	lock := p.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	tracker, err := p.trackerLocked(ctx, key, symbol, interval)
	if err != nil {
		return model.Frontier{}, err
	}
	return tracker.snapshot(), nil
}

func (p *Postgres) keyLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.keyLocks[key] = lock
	}
	return lock
}

// trackerLocked returns the series' frontier tracker, rebuilding it from
// one ordered scan on first access after startup. Caller holds the key lock.
func (p *Postgres) trackerLocked(ctx context.Context, key, symbol string, interval model.Interval) (*frontierTracker, error) {
	p.mu.Lock()
	tracker, ok := p.trackers[key]
	p.mu.Unlock()
	if ok {
		return tracker, nil
	}

	tracker = newFrontierTracker(interval.StepMs())
	var candles []model.Candle
	if err := p.db.SelectContext(ctx, &candles, _queryAllAsc, symbol, interval); err != nil {
		return nil, fmt.Errorf("rebuild frontier: %w", err)
	}
	for _, c := range candles {
		tracker.observe(c)
	}

	p.mu.Lock()
	p.trackers[key] = tracker
	p.mu.Unlock()

	p.logger.Debugf("rebuilt frontier for %s from %d stored candles", key, len(candles))
	return tracker, nil
}
