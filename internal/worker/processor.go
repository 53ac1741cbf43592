// Package worker builds text previews for archived files.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	pdfutil "github.com/dharsanguruparan/RoomDrop/internal/pdf"
	"github.com/dharsanguruparan/RoomDrop/internal/queue"
	"github.com/dharsanguruparan/RoomDrop/internal/s3storage"
)

// PreviewLimit caps the size of a stored preview.
const PreviewLimit = 64 << 10

// Catalog is the subset of the file catalog the worker updates.
type Catalog interface {
	MarkProcessing(ctx context.Context, fileID string) error
	MarkCompleted(ctx context.Context, fileID, previewKey, preview string) error
	MarkFailed(ctx context.Context, fileID, msg string) error
}

// ObjectStore is the subset of object storage the worker uses.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	UploadPreview(ctx context.Context, objectKey string, text []byte) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	catalog Catalog
	store   ObjectStore
	logger  *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(catalog Catalog, store ObjectStore, log *slog.Logger) *Processor {
	return &Processor{catalog: catalog, store: store, logger: logger.Component(log, "worker")}
}

// Handler registers the preview job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.FilePreviewTask, p.HandlePreview)
	return mux
}

// HandlePreview downloads the raw object, extracts a preview when the type
// supports one, and records the outcome in the catalog.
func (p *Processor) HandlePreview(ctx context.Context, task *asynq.Task) error {
	var payload queue.PreviewPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	log := p.logger.With(slog.String("file_id", payload.FileID))
	failure := func(err error) error {
		log.Error("preview failed", slog.Any("error", err))
		metrics.ArchiveJobsTotal.WithLabelValues("preview", "failed").Inc()
		if markErr := p.catalog.MarkFailed(ctx, payload.FileID, err.Error()); markErr != nil {
			log.Error("mark failed", slog.Any("error", markErr))
		}
		return err
	}

	if err := p.catalog.MarkProcessing(ctx, payload.FileID); err != nil {
		return failure(err)
	}
	data, err := p.store.DownloadRaw(ctx, payload.ObjectKey)
	if errors.Is(err, s3storage.ErrNotFound) || errors.Is(err, s3storage.ErrTooLarge) {
		// Retrying cannot change the outcome.
		return fmt.Errorf("%w: %w", failure(err), asynq.SkipRetry)
	}
	if err != nil {
		return failure(err)
	}
	pv, err := extractPreview(payload.MimeType, data)
	if err != nil {
		return failure(err)
	}
	if pv == nil {
		if err := p.catalog.MarkCompleted(ctx, payload.FileID, "", ""); err != nil {
			return failure(err)
		}
		log.Info("no preview for file type", slog.String("mime_type", payload.MimeType))
		metrics.ArchiveJobsTotal.WithLabelValues("preview", "skipped").Inc()
		return nil
	}

	if len(pv.skipped) > 0 {
		log.Warn("preview is missing unreadable pages", slog.Any("pages", pv.skipped))
	}
	previewKey := previewObjectKey(payload.ObjectKey)
	if err := p.store.UploadPreview(ctx, previewKey, []byte(pv.text)); err != nil {
		return failure(err)
	}
	if err := p.catalog.MarkCompleted(ctx, payload.FileID, previewKey, pv.text); err != nil {
		return failure(err)
	}
	log.Info("preview stored", slog.String("preview_key", previewKey), slog.Int("bytes", len(pv.text)))
	metrics.ArchiveJobsTotal.WithLabelValues("preview", "completed").Inc()
	return nil
}

type preview struct {
	text    string
	skipped []int
}

// extractPreview returns nil for types without a text preview.
func extractPreview(mimeType string, data []byte) (*preview, error) {
	switch {
	case mimeType == "application/pdf":
		doc, err := pdfutil.Extract(data, PreviewLimit)
		if err != nil {
			return nil, err
		}
		return &preview{text: doc.Body, skipped: doc.Skipped}, nil
	case strings.HasPrefix(mimeType, "text/"), mimeType == "application/json", mimeType == "application/xml":
		return &preview{text: truncate(string(data), PreviewLimit)}, nil
	default:
		return nil, nil
	}
}

// truncate cuts s to at most limit bytes; a rune split by the cut is dropped.
func truncate(s string, limit int) string {
	if len(s) > limit {
		s = s[:limit]
	}
	return strings.ToValidUTF8(s, "")
}

func previewObjectKey(objectKey string) string {
	base := strings.TrimSuffix(objectKey, filepath.Ext(objectKey))
	return base + ".preview.txt"
}
