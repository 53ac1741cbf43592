// Package repository stores archived file metadata in Postgres.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the catalog has no row for a file id.
var ErrNotFound = errors.New("catalog entry not found")

// Status enumerates the preview lifecycle of an archived file.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Entry represents a row in the file_catalog table.
type Entry struct {
	FileID       string    `json:"file_id"`
	RoomID       string    `json:"room_id"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"file_size"`
	Checksum     string    `json:"checksum"`
	OwnerID      string    `json:"owner_id"`
	OwnerName    string    `json:"owner_name"`
	Warnings     []string  `json:"warnings,omitempty"`
	ObjectKey    string    `json:"object_key"`
	PreviewKey   *string   `json:"preview_key,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	Status       Status    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Catalog wraps all SQL used by the archiver, the worker and the ops API.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog constructs a Catalog.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// Upsert records an archived file as queued for preview. Re-archiving the
// same id resets its preview state, matching the in-memory overwrite.
func (c *Catalog) Upsert(ctx context.Context, e *Entry) error {
	now := time.Now().UTC()
	e.Status = StatusQueued
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Warnings == nil {
		e.Warnings = []string{}
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO file_catalog (file_id, room_id, filename, mime_type, size_bytes, checksum, owner_id, owner_name,
			warnings, object_key, preview_key, preview, status, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL,NULL,$11,NULL,$12,$13)
		ON CONFLICT (file_id) DO UPDATE SET
			room_id = EXCLUDED.room_id,
			filename = EXCLUDED.filename,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum,
			owner_id = EXCLUDED.owner_id,
			owner_name = EXCLUDED.owner_name,
			warnings = EXCLUDED.warnings,
			object_key = EXCLUDED.object_key,
			preview_key = NULL,
			preview = NULL,
			status = EXCLUDED.status,
			error_message = NULL,
			updated_at = EXCLUDED.updated_at
	`, e.FileID, e.RoomID, e.Filename, e.MimeType, e.Size, e.Checksum, e.OwnerID, e.OwnerName,
		e.Warnings, e.ObjectKey, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert catalog entry: %w", err)
	}
	return nil
}

const selectColumns = `file_id, room_id, filename, mime_type, size_bytes, checksum, owner_id, owner_name,
	warnings, object_key, preview_key, COALESCE(preview,''), status, error_message, created_at, updated_at`

// Get returns the entry for a file id.
func (c *Catalog) Get(ctx context.Context, fileID string) (*Entry, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM file_catalog WHERE file_id=$1`, fileID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select catalog entry: %w", err)
	}
	return e, nil
}

// ListByRoom returns a room's entries, oldest first.
func (c *Catalog) ListByRoom(ctx context.Context, roomID string, limit int) ([]*Entry, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+selectColumns+` FROM file_catalog
		WHERE room_id=$1 ORDER BY created_at, file_id LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e          Entry
		previewKey sql.NullString
		errorMsg   sql.NullString
	)
	err := row.Scan(&e.FileID, &e.RoomID, &e.Filename, &e.MimeType, &e.Size, &e.Checksum, &e.OwnerID, &e.OwnerName,
		&e.Warnings, &e.ObjectKey, &previewKey, &e.Preview, &e.Status, &errorMsg, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if previewKey.Valid {
		key := previewKey.String
		e.PreviewKey = &key
	}
	if errorMsg.Valid {
		msg := errorMsg.String
		e.ErrorMessage = &msg
	}
	return &e, nil
}

// MarkProcessing sets the status to processing.
func (c *Catalog) MarkProcessing(ctx context.Context, fileID string) error {
	return c.updateStatus(ctx, fileID, StatusProcessing, nil, nil, nil)
}

// MarkFailed records a failed preview attempt.
func (c *Catalog) MarkFailed(ctx context.Context, fileID, msg string) error {
	return c.updateStatus(ctx, fileID, StatusFailed, nil, nil, &msg)
}

// MarkCompleted stores the preview reference and text. previewKey is empty
// when the file type has no preview.
func (c *Catalog) MarkCompleted(ctx context.Context, fileID, previewKey, preview string) error {
	var key *string
	if previewKey != "" {
		key = &previewKey
	}
	return c.updateStatus(ctx, fileID, StatusCompleted, key, &preview, nil)
}

func (c *Catalog) updateStatus(ctx context.Context, fileID string, status Status, previewKey, preview, errorMsg *string) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE file_catalog
		SET status=$1,
			preview_key = COALESCE($2, preview_key),
			preview = COALESCE($3, preview),
			error_message = $4,
			updated_at=$5
		WHERE file_id=$6
	`, status, previewKey, preview, errorMsg, time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("update catalog entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
