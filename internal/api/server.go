// Package api serves the read-only ops HTTP surface: health, metrics and
// metadata views of stored files.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/repository"
	"github.com/dharsanguruparan/RoomDrop/internal/storage"
)

const (
	previewURLTTL       = 5 * time.Minute
	defaultArchiveLimit = 100
	maxArchiveLimit     = 1000
)

// FileStore is the read side of the in-memory store.
type FileStore interface {
	Get(id string) (*model.FileRecord, error)
	ListByRoom(roomID string) []*model.FileRecord
	Len() int
}

// Counter reports a live count, e.g. subscribers or open uploads.
type Counter interface {
	Len() int
}

// Catalog looks up archived metadata.
type Catalog interface {
	Get(ctx context.Context, fileID string) (*repository.Entry, error)
	ListByRoom(ctx context.Context, roomID string, limit int) ([]*repository.Entry, error)
}

// PreviewSigner issues short-lived preview links. Signing is local to the
// process, so handlers call it per request without caching.
type PreviewSigner interface {
	PresignPreviewURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// Deps are the collaborators behind the handlers. Catalog and Previews are
// nil when archiving is off.
type Deps struct {
	Store       FileStore
	Subscribers Counter
	Uploads     Counter
	Catalog     Catalog
	Previews    PreviewSigner
	Logger      *slog.Logger
}

// Server exposes the ops endpoints.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New constructs a Server listening on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps, logger: logger.Component(deps.Logger, "api")}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/files/{fileID}", func(r chi.Router) {
		r.Get("/", s.handleFile)
		r.Get("/archive", s.handleArchive)
		r.Get("/preview-url", s.handlePreviewURL)
	})
	r.Get("/rooms/{roomID}/files", s.handleRoomFiles)
	r.Get("/rooms/{roomID}/archive", s.handleRoomArchive)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("ops api listening", slog.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"files":               s.deps.Store.Len(),
		"subscribers":         s.deps.Subscribers.Len(),
		"uploads_in_progress": s.deps.Uploads.Len(),
		"archive_enabled":     s.deps.Catalog != nil,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.Get(chi.URLParam(r, "fileID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "file not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRoomFiles(w http.ResponseWriter, r *http.Request) {
	files := s.deps.Store.ListByRoom(chi.URLParam(r, "roomID"))
	if files == nil {
		files = []*model.FileRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"room_id": chi.URLParam(r, "roomID"),
		"files":   files,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.archiveEntry(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRoomArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		respondError(w, http.StatusNotFound, "archive disabled")
		return
	}
	limit := defaultArchiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxArchiveLimit)
	}
	roomID := chi.URLParam(r, "roomID")
	entries, err := s.deps.Catalog.ListByRoom(r.Context(), roomID, limit)
	if err != nil {
		s.logger.Error("catalog list", slog.String("room_id", roomID), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if entries == nil {
		entries = []*repository.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"room_id": roomID,
		"entries": entries,
	})
}

func (s *Server) handlePreviewURL(w http.ResponseWriter, r *http.Request) {
	if s.deps.Previews == nil {
		respondError(w, http.StatusNotFound, "archive disabled")
		return
	}
	entry, ok := s.archiveEntry(w, r)
	if !ok {
		return
	}
	if entry.Status != repository.StatusCompleted || entry.PreviewKey == nil {
		respondError(w, http.StatusAccepted, "preview unavailable")
		return
	}
	url, err := s.deps.Previews.PresignPreviewURL(r.Context(), *entry.PreviewKey, previewURLTTL)
	if err != nil {
		s.logger.Error("presign preview", slog.String("file_id", entry.FileID), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to generate url")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) archiveEntry(w http.ResponseWriter, r *http.Request) (*repository.Entry, bool) {
	if s.deps.Catalog == nil {
		respondError(w, http.StatusNotFound, "archive disabled")
		return nil, false
	}
	entry, err := s.deps.Catalog.Get(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "file not archived")
			return nil, false
		}
		s.logger.Error("catalog lookup", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return nil, false
	}
	return entry, true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)))
	})
}
