// Package broadcast fans stored files and live chunks out to the other
// subscribers of a room.
package broadcast

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/room"
)

// DefaultChunkSize is the outbound chunk size for broadcast and replay.
const DefaultChunkSize = 1 << 20

// Delivery summarizes one push.
type Delivery struct {
	Recipients int
	Failed     int
}

// Dispatcher queues chunks on subscriber handles, at most limit handles at a
// time. Queueing never waits on a subscriber's stream: a subscriber whose
// outbox is full or already closed counts as failed and is dropped from the
// registry, and the others are unaffected.
type Dispatcher struct {
	registry  *room.Registry
	chunkSize int
	limit     int
	logger    *slog.Logger
}

// NewDispatcher constructs a Dispatcher. Non-positive sizes use defaults.
func NewDispatcher(registry *room.Registry, chunkSize, limit int, log *slog.Logger) *Dispatcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if limit <= 0 {
		limit = 16
	}
	return &Dispatcher{
		registry:  registry,
		chunkSize: chunkSize,
		limit:     limit,
		logger:    logger.Component(log, "broadcast"),
	}
}

// ChunkSize returns the outbound chunk size.
func (d *Dispatcher) ChunkSize() int { return d.chunkSize }

// PushFile queues every chunk of rec, in order, for each subscriber of
// rec.RoomID except its owner. It returns once every subscriber has either
// accepted the whole file into its outbox or been dropped.
func (d *Dispatcher) PushFile(ctx context.Context, rec *model.FileRecord) Delivery {
	chunks := Split(rec, d.chunkSize)
	return d.fanOut(ctx, rec.RoomID, rec.UserID, "file", func(h *room.Handle) error {
		for _, c := range chunks {
			if err := h.Send(c); err != nil {
				return err
			}
			metrics.BroadcastChunksTotal.WithLabelValues("file").Inc()
		}
		return nil
	})
}

// PushLiveChunk forwards chunk unchanged to every other subscriber of roomID.
func (d *Dispatcher) PushLiveChunk(ctx context.Context, roomID string, chunk *model.FileChunk, senderUserID string) Delivery {
	return d.fanOut(ctx, roomID, senderUserID, "live", func(h *room.Handle) error {
		if err := h.Send(chunk); err != nil {
			return err
		}
		metrics.BroadcastChunksTotal.WithLabelValues("live").Inc()
		return nil
	})
}

func (d *Dispatcher) fanOut(ctx context.Context, roomID, exclude, kind string, deliver func(*room.Handle) error) Delivery {
	targets := d.registry.Others(roomID, exclude)
	failed := make([]bool, len(targets))

	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, h := range targets {
		i, h := i, h
		g.Go(func() error {
			if err := deliver(h); err != nil {
				failed[i] = true
				d.registry.Drop(h)
				metrics.BroadcastFailuresTotal.Inc()
				logger.FromContext(ctx).Info("subscriber removed after failed delivery",
					slog.String("component", "broadcast"),
					slog.String("kind", kind),
					slog.String("room_id", roomID),
					slog.String("user_id", h.UserID),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	out := Delivery{Recipients: len(targets)}
	for _, f := range failed {
		if f {
			out.Failed++
		}
	}
	if out.Recipients > 0 {
		d.logger.Debug("fan-out complete",
			slog.String("kind", kind),
			slog.String("room_id", roomID),
			slog.Int("recipients", out.Recipients),
			slog.Int("failed", out.Failed))
	}
	return out
}

// Split cuts rec.Data into chunkSize pieces tagged FILE_START, FILE_CHUNK
// and FILE_END. A single-piece file is tagged FILE_END; an empty file yields
// one empty chunk.
func Split(rec *model.FileRecord, chunkSize int) []*model.FileChunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := (len(rec.Data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	ts := model.NowMillis()
	out := make([]*model.FileChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(rec.Data))
		out = append(out, &model.FileChunk{
			Type:        chunkType(i, total),
			FileID:      rec.FileID,
			Filename:    rec.Filename,
			MimeType:    rec.MimeType,
			ChunkData:   rec.Data[start:end],
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			FileSize:    rec.Size,
			UserID:      rec.UserID,
			Username:    rec.Username,
			RoomID:      rec.RoomID,
			Timestamp:   ts,
		})
	}
	return out
}

func chunkType(i, total int) model.ChunkType {
	switch {
	case i == total-1:
		return model.ChunkEnd
	case i == 0:
		return model.ChunkStart
	default:
		return model.ChunkMiddle
	}
}
