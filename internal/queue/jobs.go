// Package queue defines the background tasks exchanged over Redis via asynq.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/RoomDrop/internal/config"
)

const (
	// FilePreviewTask is scheduled each time a stored file is archived.
	FilePreviewTask = "file:preview"
)

// PreviewPayload tells the worker which raw object to build a preview from.
type PreviewPayload struct {
	FileID    string `json:"file_id"`
	ObjectKey string `json:"object_key"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
}

// RedisOpt builds the asynq connection options from the archive settings.
func RedisOpt(cfg config.ArchiveConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewPreviewTask serializes payload into an asynq task.
func NewPreviewTask(payload PreviewPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(FilePreviewTask, data, asynq.MaxRetry(5)), nil
}

// Enqueuer publishes preview tasks.
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer wraps an asynq client.
func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueuePreview enqueues a preview job.
func (e *Enqueuer) EnqueuePreview(ctx context.Context, payload PreviewPayload) error {
	task, err := NewPreviewTask(payload)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue preview task: %w", err)
	}
	return nil
}
