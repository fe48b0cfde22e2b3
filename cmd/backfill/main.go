// One-shot historical backfill: fetches the configured history depth for
// every pair and exits. Safe to re-run; already stored candles are
// idempotent upserts.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantora/candle-ingest/internal/backfill"
	"github.com/quantora/candle-ingest/internal/config"
	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/postgres"
	"github.com/quantora/candle-ingest/internal/store"
)

const (
	_ingestorCfgFilePath = "./configs/ingestor.yaml"
)

func main() {
	zapLogger, loggerSync, err := logger.NewZapLogger(logger.Info)
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()

	if err := godotenv.Load(); err != nil {
		zapLogger.Warnf("can't detect .env file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadIngestorConfig(_ingestorCfgFilePath)
	if err != nil {
		zapLogger.Fatalf("%s: can't load ingestor cfg", err)
	}

	db, err := postgres.NewDB(postgres.NewConfigFromEnv().Setup())
	if err != nil {
		zapLogger.Fatalf("%s: can't connect to postgres", err)
	}
	defer db.Close()

	candleStore := store.NewPostgres(db, zapLogger)
	if err := candleStore.EnsureSchema(ctx); err != nil {
		zapLogger.Fatalf("%s: can't ensure schema", err)
	}

	restClient := backfill.NewRestClient(cfg.Provider.RestURL, zapLogger)
	defer restClient.Close()

	fetcher := backfill.NewFetcher(restClient, candleStore, cfg.Backfill, zapLogger)

	now := time.Now().UnixMilli()
	for _, pair := range cfg.Pairs {
		interval := pair.ParsedInterval()
		start := now - int64(cfg.HistoryDays)*24*time.Hour.Milliseconds()
		end := interval.Truncate(now)

		zapLogger.Infof("backfilling %s %s for %d days", pair.Symbol, interval, cfg.HistoryDays)
		if err := fetcher.Backfill(ctx, pair.Symbol, interval, start, end); err != nil {
			var failed *model.BackfillFailedError
			if errors.As(err, &failed) {
				zapLogger.Errorf("%s: backfill can resume from cursor=%d", err, failed.LastCursor)
			} else {
				zapLogger.Errorf("%s: backfill failed", err)
			}
			continue
		}

		frontier, err := candleStore.Frontier(ctx, pair.Symbol, interval)
		if err != nil {
			zapLogger.Errorf("%s: can't read frontier", err)
			continue
		}
		zapLogger.Infof("backfilled %s %s, frontier [%d, %d]",
			pair.Symbol, interval, frontier.EarliestOpenTime, frontier.LastFinalOpenTime)
	}
}
