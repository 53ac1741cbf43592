// Package upload accumulates chunked uploads and finalizes them once every
// expected chunk has arrived.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

var (
	// ErrFileTooLarge is returned when the declared or accumulated size
	// passes the file limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size")
	// ErrChunkTooLarge is returned for a chunk payload above the chunk limit.
	ErrChunkTooLarge = errors.New("chunk exceeds maximum size")
	// ErrInvalidChunk covers bad chunk counts, out-of-range and repeated indices.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrSessionExpired is returned to a stream whose session was swept for
	// inactivity.
	ErrSessionExpired = errors.New("upload session expired")
)

// Limits bounds what a single upload may contain.
type Limits struct {
	MaxFileSize  int64
	MaxChunkSize int64
	// IdleTimeout enables the sweeper when positive.
	IdleTimeout time.Duration
}

// Tracker owns the in-progress sessions keyed by stream identity.
type Tracker struct {
	limits    Limits
	finalizer *Finalizer
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	expired  map[string]struct{}
}

// NewTracker constructs a Tracker.
func NewTracker(limits Limits, finalizer *Finalizer, log *slog.Logger) *Tracker {
	return &Tracker{
		limits:    limits,
		finalizer: finalizer,
		logger:    logger.Component(log, "upload"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		expired:   make(map[string]struct{}),
	}
}

// Accept adds chunk to the session identified by key, creating the session on
// the first chunk. It returns a nil result while the upload is still in
// progress. A non-nil result ends the session: either the upload finished
// (successfully or not) or the chunk was rejected, in which case err says why.
func (t *Tracker) Accept(ctx context.Context, key string, chunk *model.UploadChunk) (*model.UploadResult, error) {
	now := t.now()

	t.mu.Lock()
	if _, ok := t.expired[key]; ok {
		delete(t.expired, key)
		t.mu.Unlock()
		metrics.UploadsTotal.WithLabelValues("expired").Inc()
		return failure(chunk.FileID, chunk.Filename, ErrSessionExpired.Error()), ErrSessionExpired
	}
	s, ok := t.sessions[key]
	if !ok {
		var err error
		if s, err = t.open(chunk, now); err != nil {
			t.mu.Unlock()
			return t.reject(chunk.FileID, chunk.Filename, err)
		}
		t.sessions[key] = s
		metrics.UploadSessionsActive.Inc()
	}

	if err := t.validate(s, chunk); err != nil {
		t.discardLocked(key)
		t.mu.Unlock()
		return t.reject(s.FileID, s.Filename, err)
	}
	s.add(chunk.ChunkIndex, chunk.ChunkData, now)
	if !s.complete() {
		t.mu.Unlock()
		return nil, nil
	}
	t.discardLocked(key)
	t.mu.Unlock()

	// The session is out of the map, so finalizing runs unlocked and other
	// streams keep accepting chunks meanwhile.
	return t.finalizer.Finalize(ctx, s), nil
}

func (t *Tracker) open(first *model.UploadChunk, now time.Time) (*Session, error) {
	if first.TotalChunks == 0 {
		return nil, fmt.Errorf("%w: total_chunks must be at least 1", ErrInvalidChunk)
	}
	if first.FileSize > t.limits.MaxFileSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFileTooLarge, first.FileSize, t.limits.MaxFileSize)
	}
	fileID := first.FileID
	if fileID == "" {
		fileID = uuid.NewString()
	}
	return newSession(first, fileID, now), nil
}

func (t *Tracker) validate(s *Session, c *model.UploadChunk) error {
	if int64(len(c.ChunkData)) > t.limits.MaxChunkSize {
		return fmt.Errorf("%w: chunk %d is %d bytes, limit %d", ErrChunkTooLarge, c.ChunkIndex, len(c.ChunkData), t.limits.MaxChunkSize)
	}
	if c.ChunkIndex >= s.Expected {
		return fmt.Errorf("%w: index %d out of range for %d chunks", ErrInvalidChunk, c.ChunkIndex, s.Expected)
	}
	if s.has(c.ChunkIndex) {
		return fmt.Errorf("%w: duplicate index %d", ErrInvalidChunk, c.ChunkIndex)
	}
	if s.bytes+int64(len(c.ChunkData)) > t.limits.MaxFileSize {
		return fmt.Errorf("%w: more than %d bytes received", ErrFileTooLarge, t.limits.MaxFileSize)
	}
	return nil
}

func (t *Tracker) reject(fileID, filename string, err error) (*model.UploadResult, error) {
	t.logger.Warn("upload rejected", slog.String("file_id", fileID), slog.Any("error", err))
	metrics.UploadsTotal.WithLabelValues("rejected").Inc()
	return failure(fileID, filename, err.Error()), err
}

// Abandon discards the session of a stream that ended early. Nothing is sent
// back to the uploader.
func (t *Tracker) Abandon(key string) {
	t.mu.Lock()
	delete(t.expired, key)
	s, ok := t.sessions[key]
	if ok {
		t.discardLocked(key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.logger.Warn("upload stream ended before all chunks arrived",
		slog.String("file_id", s.FileID),
		slog.String("room_id", s.RoomID),
		slog.Int("received", s.Received()),
		slog.Uint64("expected", uint64(s.Expected)))
	metrics.UploadsTotal.WithLabelValues("incomplete").Inc()
}

func (t *Tracker) discardLocked(key string) {
	if _, ok := t.sessions[key]; ok {
		delete(t.sessions, key)
		metrics.UploadSessionsActive.Dec()
	}
}

// Len returns the number of sessions in progress.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep expires sessions idle for longer than the configured timeout and
// returns how many it removed. It does nothing when the timeout is disabled.
func (t *Tracker) Sweep() int {
	if t.limits.IdleTimeout <= 0 {
		return 0
	}
	cutoff := t.now().Add(-t.limits.IdleTimeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, s := range t.sessions {
		if s.lastSeen.After(cutoff) {
			continue
		}
		t.discardLocked(key)
		t.expired[key] = struct{}{}
		n++
		t.logger.Warn("upload session expired",
			slog.String("file_id", s.FileID),
			slog.Int("received", s.Received()),
			slog.Uint64("expected", uint64(s.Expected)))
	}
	return n
}

// Run sweeps idle sessions until ctx is cancelled. It returns immediately
// when the timeout is disabled.
func (t *Tracker) Run(ctx context.Context) {
	if t.limits.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(max(t.limits.IdleTimeout/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
