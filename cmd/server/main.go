// Command server runs the RoomDrop gRPC service and its ops HTTP listener.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/RoomDrop/internal/archive"
	"github.com/dharsanguruparan/RoomDrop/internal/config"
	"github.com/dharsanguruparan/RoomDrop/internal/database"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/queue"
	"github.com/dharsanguruparan/RoomDrop/internal/repository"
	"github.com/dharsanguruparan/RoomDrop/internal/s3storage"
	"github.com/dharsanguruparan/RoomDrop/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.L.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var arch *server.Archive
	if cfg.Archive.Enabled() {
		pool, err := database.Connect(ctx, cfg.Archive.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		catalog := repository.NewCatalog(pool)

		store, err := s3storage.New(cfg.Archive, cfg.MaxFileSize)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		if err := store.EnsureBuckets(ctx); err != nil {
			return fmt.Errorf("ensure buckets: %w", err)
		}

		client := asynq.NewClient(queue.RedisOpt(cfg.Archive))
		defer client.Close()

		arch = &server.Archive{
			Archiver: archive.New(store, catalog, queue.NewEnqueuer(client)),
			Catalog:  catalog,
			Previews: store,
		}
		logger.L.Info("archive enabled",
			slog.String("raw_bucket", cfg.Archive.RawBucket),
			slog.String("redis", cfg.Archive.RedisAddr))
	} else {
		logger.L.Info("archive disabled, files are kept in memory only")
	}

	srv := server.New(cfg, arch, logger.L)
	logger.L.Info("roomdrop starting",
		slog.String("grpc", cfg.GRPCAddress),
		slog.String("ops", cfg.OpsAddress),
		slog.Int64("max_file_bytes", cfg.MaxFileSize))
	return srv.Serve(ctx)
}
