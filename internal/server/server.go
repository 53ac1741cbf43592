// Package server wires the core components together and runs the gRPC and
// ops HTTP listeners until the context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dharsanguruparan/RoomDrop/internal/api"
	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/config"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/processing"
	"github.com/dharsanguruparan/RoomDrop/internal/replay"
	"github.com/dharsanguruparan/RoomDrop/internal/room"
	"github.com/dharsanguruparan/RoomDrop/internal/scan"
	"github.com/dharsanguruparan/RoomDrop/internal/storage"
	"github.com/dharsanguruparan/RoomDrop/internal/transport"
	"github.com/dharsanguruparan/RoomDrop/internal/upload"
)

// Archive carries the optional archive collaborators. A nil *Archive turns
// archiving off.
type Archive struct {
	Archiver processing.Archiver
	Catalog  api.Catalog
	Previews api.PreviewSigner
}

// Server owns the process-wide state and both listeners.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	Store     *storage.MemoryStore
	Registry  *room.Registry
	Tracker   *upload.Tracker
	processor *processing.Processor
	grpc      *grpc.Server
	health    *grpchealth.Server
	ops       *api.Server
	once      sync.Once
}

// New builds every component from cfg. archive may be nil.
func New(cfg *config.Config, archive *Archive, log *slog.Logger) *Server {
	store := storage.NewMemoryStore()
	registry := room.NewRegistry()
	dispatcher := broadcast.NewDispatcher(registry, int(cfg.MaxChunkSize), cfg.FanoutLimit, log)
	checker := scan.New(cfg.MaxFileSize, cfg.ScanPrefixBytes, log)

	var (
		processor *processing.Processor
		archiver  upload.Archiver
		deps      = api.Deps{Store: store, Subscribers: registry, Logger: log}
	)
	if archive != nil {
		processor = processing.New(archive.Archiver, cfg.ProcessingPool, log)
		archiver = processor
		deps.Catalog = archive.Catalog
		deps.Previews = archive.Previews
	}

	finalizer := upload.NewFinalizer(store, dispatcher, checker, archiver, cfg.SizeTolerance, log)
	tracker := upload.NewTracker(upload.Limits{
		MaxFileSize:  cfg.MaxFileSize,
		MaxChunkSize: cfg.MaxChunkSize,
		IdleTimeout:  cfg.IdleSessionTimeout,
	}, finalizer, log)
	deps.Uploads = tracker

	// Chunks travel base64-encoded inside a JSON envelope.
	maxMsg := int(cfg.MaxChunkSize)*2 + 64<<10
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
		grpc.ChainStreamInterceptor(metrics.StreamInterceptor()),
	)
	svc := transport.NewService(tracker, registry, dispatcher, replay.New(store, int(cfg.MaxChunkSize), log), transport.LiveOptions{
		MaxChunkSize: cfg.MaxChunkSize,
		Outbox:       cfg.SubscriberOutbox,
		WriteTimeout: cfg.SubscriberWriteTimeout,
	}, log)
	transport.Register(grpcServer, svc)

	health := grpchealth.NewServer()
	health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	health.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, health)

	return &Server{
		cfg:       cfg,
		logger:    logger.Component(log, "server"),
		Store:     store,
		Registry:  registry,
		Tracker:   tracker,
		processor: processor,
		grpc:      grpcServer,
		health:    health,
		ops:       api.New(cfg.OpsAddress, deps),
	}
}

// GRPC exposes the underlying gRPC server, e.g. for in-process listeners.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Serve listens on the configured gRPC address and runs until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.GRPCAddress, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener runs the gRPC server on lis, the ops API, the idle sweeper
// and the archive pool. It returns after a graceful shutdown.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.once.Do(func() {
		if s.processor != nil {
			s.processor.Start(ctx)
		}
		go s.Tracker.Run(ctx)
	})

	errCh := make(chan error, 2)
	go func() {
		if err := s.ops.Run(ctx, s.cfg.ShutdownTimeout); err != nil {
			errCh <- fmt.Errorf("ops api: %w", err)
		}
	}()
	go func() {
		s.logger.Info("grpc listening", slog.String("addr", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_SERVING)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	s.health.Shutdown()
	s.stopGRPC()
	if s.processor != nil {
		s.processor.Wait()
	}
	s.logger.Info("server stopped")
	return runErr
}

// stopGRPC drains streams for up to the shutdown timeout, then cuts them.
// Live sessions never end on their own, so the hard stop is expected.
func (s *Server) stopGRPC() {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("graceful stop timed out, closing remaining streams")
		s.grpc.Stop()
		<-done
	}
}
