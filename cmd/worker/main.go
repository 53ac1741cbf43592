// Command worker consumes archive preview jobs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/RoomDrop/internal/config"
	"github.com/dharsanguruparan/RoomDrop/internal/database"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/queue"
	"github.com/dharsanguruparan/RoomDrop/internal/repository"
	"github.com/dharsanguruparan/RoomDrop/internal/s3storage"
	"github.com/dharsanguruparan/RoomDrop/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component(nil, "worker")

	if !cfg.Archive.Enabled() {
		log.Error("archive backends are not configured; set ROOMDROP_DATABASE_URL, ROOMDROP_REDIS_ADDR and ROOMDROP_S3_ENDPOINT")
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg.Archive.DatabaseURL)
	if err != nil {
		log.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}
	catalog := repository.NewCatalog(pool)

	store, err := s3storage.New(cfg.Archive, cfg.MaxFileSize)
	if err != nil {
		log.Error("init storage", slog.Any("error", err))
		os.Exit(1)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Error("ensure buckets", slog.Any("error", err))
		os.Exit(1)
	}

	server := asynq.NewServer(queue.RedisOpt(cfg.Archive), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})
	processor := worker.NewProcessor(catalog, store, logger.L)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := server.Run(mux); err != nil {
		log.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
