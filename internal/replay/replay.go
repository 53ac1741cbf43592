// Package replay streams stored files back to a requester.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

// Store is the read side of the file store.
type Store interface {
	Get(id string) (*model.FileRecord, error)
	ListByRoom(roomID string) []*model.FileRecord
}

// SendFunc writes one chunk to the requester.
type SendFunc func(*model.FileChunk) error

// Service resolves replay requests against a Store.
type Service struct {
	store     Store
	chunkSize int
	logger    *slog.Logger
}

// New constructs a Service.
func New(store Store, chunkSize int, log *slog.Logger) *Service {
	return &Service{
		store:     store,
		chunkSize: chunkSize,
		logger:    logger.Component(log, "replay"),
	}
}

// Resolve returns the records a request refers to. A file id wins over a
// room id; an unknown file id resolves to nothing.
func (s *Service) Resolve(req *model.ReplayRequest) []*model.FileRecord {
	if req.FileID != "" {
		rec, err := s.store.Get(req.FileID)
		if err != nil {
			return nil
		}
		return []*model.FileRecord{rec}
	}
	if req.RoomID != "" {
		return s.store.ListByRoom(req.RoomID)
	}
	return nil
}

// Replay sends every resolved file, one after another, each in index order.
// It stops at the first failed send or when ctx is done.
func (s *Service) Replay(ctx context.Context, req *model.ReplayRequest, send SendFunc) (int, error) {
	records := s.Resolve(req)
	sent := 0
	for _, rec := range records {
		for _, chunk := range broadcast.Split(rec, s.chunkSize) {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			if err := send(chunk); err != nil {
				return sent, fmt.Errorf("send chunk %d of %s: %w", chunk.ChunkIndex, rec.FileID, err)
			}
			sent++
			metrics.ReplayChunksTotal.Inc()
		}
	}
	s.logger.Debug("replay finished",
		slog.String("room_id", req.RoomID),
		slog.String("file_id", req.FileID),
		slog.Int("files", len(records)),
		slog.Int("chunks", sent))
	return sent, nil
}
