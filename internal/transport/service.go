// Package transport exposes the upload, replay and live distribution
// operations as the roomdrop.v1.FileDistribution gRPC service.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/replay"
	"github.com/dharsanguruparan/RoomDrop/internal/room"
	"github.com/dharsanguruparan/RoomDrop/internal/upload"
)

// LiveOptions bounds what a live distribution session may send and how far
// its subscriber may fall behind.
type LiveOptions struct {
	// MaxChunkSize drops inbound live chunks above this many bytes.
	MaxChunkSize int64
	// Outbox is the per-subscriber queue length; see room.NewHandle.
	Outbox int
	// WriteTimeout ends a subscriber whose single write stalls this long.
	// Zero disables the check.
	WriteTimeout time.Duration
}

// Service implements FileDistributionServer.
type Service struct {
	tracker    *upload.Tracker
	registry   *room.Registry
	dispatcher *broadcast.Dispatcher
	replay     *replay.Service
	live       LiveOptions
	logger     *slog.Logger
}

// NewService wires the core components behind the gRPC surface.
func NewService(tracker *upload.Tracker, registry *room.Registry, dispatcher *broadcast.Dispatcher, replaySvc *replay.Service, live LiveOptions, log *slog.Logger) *Service {
	return &Service{
		tracker:    tracker,
		registry:   registry,
		dispatcher: dispatcher,
		replay:     replaySvc,
		live:       live,
		logger:     logger.Component(log, "transport"),
	}
}

// UploadFile feeds every inbound chunk to the tracker. Only the chunk that
// completes or fails the upload gets a reply; a stream that ends early is
// closed without one.
func (s *Service) UploadFile(stream UploadStream) error {
	key := uuid.NewString()
	log := s.logger.With(slog.String("stream_id", key))
	ctx := logger.WithContext(stream.Context(), log)

	for {
		chunk, err := stream.Recv()
		if err != nil {
			s.tracker.Abandon(key)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		res, err := s.tracker.Accept(ctx, key, chunk)
		if err != nil {
			// The result already carries the reason back to the client.
			log.Debug("upload chunk rejected", slog.String("file_id", chunk.FileID), slog.Any("error", err))
		}
		if res != nil {
			return stream.SendAndClose(res)
		}
	}
}

// ReplayFiles streams the requested file, or every file in the room.
func (s *Service) ReplayFiles(req *model.ReplayRequest, stream ReplayStream) error {
	if _, err := s.replay.Replay(stream.Context(), req, stream.Send); err != nil {
		if ctxErr := stream.Context().Err(); ctxErr != nil {
			return status.FromContextError(ctxErr).Err()
		}
		return err
	}
	return nil
}

// DistributeFiles registers the caller as a subscriber of a room using the
// first message, then forwards every later message to the other subscribers
// without storing it.
//
// Chunks addressed to the caller are written by a separate goroutine draining
// the subscriber's outbox. The session ends when the client stops sending,
// or when its handle closes because it fell behind, stalled on a write, or
// was replaced by a newer session for the same user.
func (s *Service) DistributeFiles(stream DistributeStream) error {
	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if first.UserID == "" {
		return status.Error(codes.InvalidArgument, "first message must carry user_id")
	}
	roomID := first.RoomID
	if roomID == "" {
		roomID = model.DefaultRoom
	}

	log := s.logger.With(slog.String("room_id", roomID), slog.String("user_id", first.UserID))
	ctx := logger.WithContext(stream.Context(), log)

	h := room.NewHandle(roomID, first.UserID, first.Username, stream, s.live.Outbox)
	if prev := s.registry.Register(h); prev != nil {
		log.Info("live session replaced an older session for the same user")
	}
	log.Info("live session joined")
	// Close before Drop so a dispatcher holding a snapshot sees it dead.
	defer func() {
		h.Close()
		s.registry.Drop(h)
		log.Info("live session left")
	}()

	go func() {
		if err := h.Run(ctx, s.live.WriteTimeout); err != nil && ctx.Err() == nil {
			log.Debug("live writer stopped", slog.Any("error", err))
		}
	}()

	recvErr := make(chan error, 1)
	go func() { recvErr <- s.forward(ctx, stream, h, first, log) }()

	select {
	case err := <-recvErr:
		return err
	case <-h.Done():
		reason := h.Err()
		if stream.Context().Err() != nil || errors.Is(reason, room.ErrHandleClosed) {
			return nil
		}
		log.Info("live session ended", slog.Any("reason", reason))
		return status.Error(codes.Aborted, reason.Error())
	}
}

// forward reads the caller's chunks and pushes each one to the room until the
// stream ends or h is no longer the caller's live handle.
func (s *Service) forward(ctx context.Context, stream DistributeStream, h *room.Handle, owner *model.FileChunk, log *slog.Logger) error {
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || stream.Context().Err() != nil {
				return nil
			}
			return err
		}
		if !h.Alive() {
			return nil
		}
		if s.live.MaxChunkSize > 0 && int64(len(chunk.ChunkData)) > s.live.MaxChunkSize {
			log.Warn("dropping oversized live chunk",
				slog.String("file_id", chunk.FileID),
				slog.Int("size", len(chunk.ChunkData)))
			continue
		}
		stamp(chunk, h.RoomID, owner)
		s.dispatcher.PushLiveChunk(ctx, h.RoomID, chunk, owner.UserID)
	}
}

// stamp fills the routing fields a live chunk left blank.
func stamp(chunk *model.FileChunk, roomID string, owner *model.FileChunk) {
	if chunk.RoomID == "" {
		chunk.RoomID = roomID
	}
	if chunk.UserID == "" {
		chunk.UserID = owner.UserID
	}
	if chunk.Username == "" {
		chunk.Username = owner.Username
	}
	if chunk.Timestamp == 0 {
		chunk.Timestamp = model.NowMillis()
	}
}

var _ FileDistributionServer = (*Service)(nil)
