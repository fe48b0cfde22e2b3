package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/quantora/candle-ingest/internal/backfill"
	"github.com/quantora/candle-ingest/internal/config"
	"github.com/quantora/candle-ingest/internal/engine"
	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/postgres"
	"github.com/quantora/candle-ingest/internal/reconcile"
	"github.com/quantora/candle-ingest/internal/server"
	"github.com/quantora/candle-ingest/internal/store"
	"github.com/quantora/candle-ingest/internal/stream"
)

const (
	_ingestorCfgFilePath = "./configs/ingestor.yaml"
)

func main() {
	zapLogger, loggerSync, err := logger.NewZapLogger(logger.Debug)
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
	reconciler := reconcile.New(candleStore, fetcher, zapLogger)
	dialer := &stream.WSDialer{BaseURL: cfg.Provider.WSURL}

	eng := engine.New(cfg, candleStore, fetcher, reconciler, dialer, zapLogger)

	httpServer := server.NewHTTPServer(ctx, cfg.HTTPPort, server.NewHandler(candleStore, reconciler, zapLogger))
	go func() {
		if err := httpServer.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Errorf("%s: http server stopped", err)
		}
	}()

	zapLogger.Infof("ingestor started for %d pairs", len(cfg.Pairs))
	if err := eng.Run(ctx); err != nil {
		zapLogger.Fatalf("%s: engine stopped", err)
	}
	zapLogger.Infof("ingestor stopped")
}
