// Package metrics declares the Prometheus collectors shared by the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	// UploadsTotal counts finished upload sessions by result
	// (success, rejected, unsafe, internal, incomplete, expired).
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomdrop_uploads_total",
		Help: "Upload sessions by outcome.",
	}, []string{"result"})

	UploadSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomdrop_upload_sessions_active",
		Help: "Upload sessions currently accumulating chunks.",
	})

	StoredFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomdrop_stored_files",
		Help: "Files held in the in-memory store.",
	})

	StoredBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomdrop_stored_bytes",
		Help: "Payload bytes held in the in-memory store.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomdrop_live_subscribers",
		Help: "Registered live distribution sessions.",
	})

	// BroadcastChunksTotal counts chunk writes to subscribers by kind (file, live).
	BroadcastChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomdrop_broadcast_chunks_total",
		Help: "Chunks delivered to subscribers.",
	}, []string{"kind"})

	BroadcastFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomdrop_broadcast_write_failures_total",
		Help: "Subscriber writes that failed and removed the subscriber.",
	})

	ReplayChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomdrop_replay_chunks_total",
		Help: "Chunks sent by the replay service.",
	})

	// ArchiveJobsTotal counts archive and preview jobs by stage and result.
	ArchiveJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomdrop_archive_jobs_total",
		Help: "Archive and preview jobs by stage and result.",
	}, []string{"stage", "result"})

	rpcTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomdrop_grpc_streams_total",
		Help: "Completed gRPC streams by method and status code.",
	}, []string{"method", "code"})

	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomdrop_grpc_stream_duration_seconds",
		Help:    "gRPC stream lifetime in seconds.",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120, 600},
	}, []string{"method"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomdrop_http_requests_total",
		Help: "Ops HTTP requests.",
	}, []string{"method", "path", "status"})
)

// StreamInterceptor records the lifetime and final status of every stream.
func StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		rpcTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		rpcDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		return err
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware counts ops HTTP requests keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}
