// Package engine wires the store, backfill fetcher, streaming ingestors
// and reconciler together and owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quantora/candle-ingest/internal/backfill"
	"github.com/quantora/candle-ingest/internal/config"
	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/reconcile"
	"github.com/quantora/candle-ingest/internal/store"
	"github.com/quantora/candle-ingest/internal/stream"
)

type Engine struct {
	cfg        config.IngestorConfig
	store      store.Store
	fetcher    *backfill.Fetcher
	reconciler *reconcile.Reconciler
	dialer     stream.Dialer
	logger     logger.Logger

	gaps chan model.GapSuspected
}

func New(cfg config.IngestorConfig, st store.Store, fetcher *backfill.Fetcher, reconciler *reconcile.Reconciler, dialer stream.Dialer, logger logger.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      st,
		fetcher:    fetcher,
		reconciler: reconciler,
		dialer:     dialer,
		logger:     logger,
		gaps:       make(chan model.GapSuspected, len(cfg.Pairs)*2),
	}
}

// Run starts ingestion for every configured pair and blocks until ctx is
// cancelled or a pair fails terminally (auth/protocol rejection or a
// persistence failure).
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(e.cfg.Pairs))
	var wg sync.WaitGroup

	for _, pair := range e.cfg.Pairs {
		symbol, interval := pair.Symbol, pair.ParsedInterval()

		// Startup consistency check before any new data arrives.
		if err := e.reconciler.CheckOnStart(ctx, symbol, interval); err != nil {
			e.logger.Errorf("startup check %s %s: %s", symbol, interval, err)
		}

		ingestor := stream.NewIngestor(e.dialer, e.store, symbol, interval, e.gaps, e.cfg.Stream, e.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingestor.Run(ctx); err != nil {
				errCh <- err
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.initialBackfill(ctx, symbol, interval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case gap := <-e.gaps:
				e.logger.Infof("gap suspected %s %s [%d, %d)", gap.Symbol, gap.Interval, gap.From, gap.To)
				e.reconciler.Suspect(ctx, gap)
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	wg.Wait()
	e.reconciler.Wait()
	return runErr
}

// initialBackfill fills the configured history depth up to the last closed
// bucket. Failures are not fatal: streaming keeps running and the
// unfetched remainder is handed to the reconciler, which owns retries and
// the unresolved-gap surface.
func (e *Engine) initialBackfill(ctx context.Context, symbol string, interval model.Interval) {
	now := time.Now().UnixMilli()
	start := now - int64(e.cfg.HistoryDays)*24*time.Hour.Milliseconds()
	end := interval.Truncate(now)

	err := e.fetcher.Backfill(ctx, symbol, interval, start, end)
	if err == nil {
		e.logger.Infof("initial backfill %s %s done for [%d, %d)", symbol, interval, start, end)
		return
	}
	e.logger.Errorf("initial backfill %s %s: %s", symbol, interval, err)

	var failed *model.BackfillFailedError
	if errors.As(err, &failed) && ctx.Err() == nil {
		e.reconciler.Suspect(ctx, model.GapSuspected{
			Symbol:   symbol,
			Interval: interval,
			From:     failed.LastCursor,
			To:       end,
		})
	}
}
