// Package processing runs archive work for stored files on a small pool of
// goroutines so uploads never wait on object storage or the database.
package processing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/metrics"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

// Archiver performs the archive work for one record.
type Archiver interface {
	Archive(ctx context.Context, rec *model.FileRecord) error
}

// Job is one queued archive request.
type Job struct {
	Record *model.FileRecord
}

// Processor consumes Jobs on a fixed number of workers.
type Processor struct {
	archiver Archiver
	queue    chan Job
	workers  int
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New builds a Processor with queue capacity tied to worker count.
func New(archiver Archiver, workers int, log *slog.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		archiver: archiver,
		queue:    make(chan Job, workers*4),
		workers:  workers,
		timeout:  time.Minute,
		logger:   logger.Component(log, "processing"),
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() { p.wg.Wait() }

// Submit queues a record for archiving. A full queue drops the job.
func (p *Processor) Submit(rec *model.FileRecord) {
	select {
	case p.queue <- Job{Record: rec}:
	default:
		p.logger.Warn("processing queue full, dropping archive job", slog.String("file_id", rec.FileID))
		metrics.ArchiveJobsTotal.WithLabelValues("archive", "dropped").Inc()
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.process(ctx, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.archiver.Archive(ctx, job.Record); err != nil {
		p.logger.Error("archive failed", slog.String("file_id", job.Record.FileID), slog.Any("error", err))
		return
	}
	p.logger.Debug("file archived", slog.String("file_id", job.Record.FileID))
}
