package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/classify"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/scan"
)

const internalErrorMessage = "internal error while finalizing upload"

// Store is where finalized files land.
type Store interface {
	Put(*model.FileRecord) (replaced bool)
	Len() int
	Bytes() int64
}

// Broadcaster pushes a stored file to the rest of its room. PushFile only
// queues chunks for each subscriber, so Finalize does not wait on slow
// readers before the uploader gets its result.
type Broadcaster interface {
	PushFile(ctx context.Context, rec *model.FileRecord) broadcast.Delivery
}

// Archiver receives stored files for background mirroring. Submit must not
// block.
type Archiver interface {
	Submit(rec *model.FileRecord)
}

// Finalizer turns a complete session into a stored, broadcast file.
type Finalizer struct {
	store       Store
	broadcaster Broadcaster
	checker     *scan.Checker
	archiver    Archiver
	tolerance   int64
	logger      *slog.Logger
}

// NewFinalizer constructs a Finalizer. archiver may be nil.
func NewFinalizer(store Store, broadcaster Broadcaster, checker *scan.Checker, archiver Archiver, tolerance int64, log *slog.Logger) *Finalizer {
	return &Finalizer{
		store:       store,
		broadcaster: broadcaster,
		checker:     checker,
		archiver:    archiver,
		tolerance:   tolerance,
		logger:      logger.Component(log, "finalize"),
	}
}

// Finalize reassembles s, classifies and checks it, stores it and pushes it
// to the room. It never panics; unexpected failures become a failed result.
func (f *Finalizer) Finalize(ctx context.Context, s *Session) (res *model.UploadResult) {
	log := logger.FromContext(ctx).With(slog.String("file_id", s.FileID), slog.String("room_id", s.RoomID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("finalize failed", slog.Any("panic", r))
			metrics.UploadsTotal.WithLabelValues("internal").Inc()
			res = failure(s.FileID, s.Filename, internalErrorMessage)
		}
	}()

	data := s.assemble()
	size := int64(len(data))
	if diff := size - s.DeclaredSize; diff > f.tolerance || -diff > f.tolerance {
		log.Warn("reassembled size differs from declared size",
			slog.Int64("declared", s.DeclaredSize),
			slog.Int64("actual", size))
	}

	mime := classify.Detect(s.Filename, data)
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	verdict := f.checker.Check(s.Filename, data)
	if !verdict.Safe {
		log.Warn("upload rejected by safety check", slog.String("reason", verdict.Reason))
		metrics.UploadsTotal.WithLabelValues("unsafe").Inc()
		return failure(s.FileID, s.Filename, "file rejected: "+verdict.Reason)
	}

	rec := &model.FileRecord{
		FileID:   s.FileID,
		Filename: s.Filename,
		MimeType: mime,
		UserID:   s.UserID,
		Username: s.Username,
		RoomID:   s.RoomID,
		Data:     data,
		Size:     size,
		Checksum: checksum,
		Verdict:  verdict,
	}
	if f.store.Put(rec) {
		log.Warn("existing file overwritten by upload with the same id")
	}
	metrics.StoredFiles.Set(float64(f.store.Len()))
	metrics.StoredBytes.Set(float64(f.store.Bytes()))

	delivery := f.broadcaster.PushFile(ctx, rec)
	if f.archiver != nil {
		f.archiver.Submit(rec)
	}

	log.Info("upload stored",
		slog.String("filename", rec.Filename),
		slog.String("mime_type", mime),
		slog.Int64("size", size),
		slog.Int("recipients", delivery.Recipients),
		slog.Int("failed_recipients", delivery.Failed))
	metrics.UploadsTotal.WithLabelValues("success").Inc()

	return &model.UploadResult{
		Success:   true,
		FileID:    rec.FileID,
		Filename:  rec.Filename,
		FileSize:  size,
		Message:   fmt.Sprintf("file stored and sent to %d subscriber(s)", delivery.Recipients-delivery.Failed),
		Timestamp: model.NowMillis(),
		Checksum:  checksum,
	}
}

func failure(fileID, filename, message string) *model.UploadResult {
	return &model.UploadResult{
		Success:   false,
		FileID:    fileID,
		Filename:  filename,
		FileSize:  0,
		Message:   message,
		Timestamp: model.NowMillis(),
	}
}
