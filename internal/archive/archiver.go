// Package archive mirrors stored files into object storage and the catalog,
// then schedules preview extraction.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/queue"
	"github.com/dharsanguruparan/RoomDrop/internal/repository"
)

// ObjectStore receives raw payloads. The checksum is stored alongside the
// object; implementations must not recompute or alter it.
type ObjectStore interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType, checksum string) error
}

// Catalog records archived files.
type Catalog interface {
	Upsert(ctx context.Context, e *repository.Entry) error
}

// Enqueuer schedules preview jobs.
type Enqueuer interface {
	EnqueuePreview(ctx context.Context, payload queue.PreviewPayload) error
}

// Archiver runs the three archive steps for one record.
type Archiver struct {
	store   ObjectStore
	catalog Catalog
	queue   Enqueuer
}

// New constructs an Archiver.
func New(store ObjectStore, catalog Catalog, queue Enqueuer) *Archiver {
	return &Archiver{store: store, catalog: catalog, queue: queue}
}

// Archive uploads the payload, upserts its catalog row and enqueues a
// preview job, stopping at the first failure.
func (a *Archiver) Archive(ctx context.Context, rec *model.FileRecord) error {
	key := ObjectKey(rec)
	if err := a.store.UploadRaw(ctx, key, bytes.NewReader(rec.Data), rec.Size, rec.MimeType, rec.Checksum); err != nil {
		metrics.ArchiveJobsTotal.WithLabelValues("upload", "failed").Inc()
		return fmt.Errorf("archive %s: %w", rec.FileID, err)
	}
	entry := &repository.Entry{
		FileID:    rec.FileID,
		RoomID:    rec.RoomID,
		Filename:  rec.Filename,
		MimeType:  rec.MimeType,
		Size:      rec.Size,
		Checksum:  rec.Checksum,
		OwnerID:   rec.UserID,
		OwnerName: rec.Username,
		Warnings:  rec.Verdict.Warnings,
		ObjectKey: key,
		CreatedAt: rec.CreatedAt,
	}
	if err := a.catalog.Upsert(ctx, entry); err != nil {
		metrics.ArchiveJobsTotal.WithLabelValues("catalog", "failed").Inc()
		return fmt.Errorf("archive %s: %w", rec.FileID, err)
	}
	payload := queue.PreviewPayload{
		FileID:    rec.FileID,
		ObjectKey: key,
		Filename:  rec.Filename,
		MimeType:  rec.MimeType,
	}
	if err := a.queue.EnqueuePreview(ctx, payload); err != nil {
		metrics.ArchiveJobsTotal.WithLabelValues("enqueue", "failed").Inc()
		return fmt.Errorf("archive %s: %w", rec.FileID, err)
	}
	metrics.ArchiveJobsTotal.WithLabelValues("archive", "completed").Inc()
	return nil
}

// ObjectKey is rooms/{room}/{file_id}/{filename} with the filename reduced to
// its base name.
func ObjectKey(rec *model.FileRecord) string {
	name := path.Base(strings.ReplaceAll(rec.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return fmt.Sprintf("rooms/%s/%s/%s", rec.RoomID, rec.FileID, name)
}
