// Package pipeline drives the parallel run: a worker pool extracting files,
// a bounded queue and the single writer goroutine that owns the output.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"affiliation-extract/internal/extract"
	"affiliation-extract/internal/identity"
	"affiliation-extract/internal/metrics"
	"affiliation-extract/internal/output"
	"affiliation-extract/internal/profile"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// FileTask is one input file bound to its profile and resolved filters
type FileTask struct {
	Path    string
	Profile *profile.Profile
	Filters map[string]string
}

// Config holds the pipeline tuning knobs
type Config struct {
	Threads             int
	BatchSize           int
	OutputDir           string
	CreateMetadataFiles bool
}

// Summary is the final accounting of a run
type Summary struct {
	TotalFiles    int
	Succeeded     int
	FailedFiles   []string
	RowCounts     map[string]int
	UniqueRecords int
	UniqueValues  int
	WriterFailed  bool
	Elapsed       time.Duration
}

// Pipeline executes the file tasks of a run
type Pipeline struct {
	cfg       Config
	ids       *identity.Maps
	nulls     identity.NullRegistry
	profiles  []*profile.Profile
	timestamp string
	tracer    oteltrace.Tracer
	logger    *logrus.Logger
}

// New creates a pipeline over the run-wide shared state
func New(cfg Config, ids *identity.Maps, nulls identity.NullRegistry, profiles []*profile.Profile, timestamp string, tracer oteltrace.Tracer, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		ids:       ids,
		nulls:     nulls,
		profiles:  profiles,
		timestamp: timestamp,
		tracer:    tracer,
		logger:    logger,
	}
}

// Run processes every file task and returns the run summary. The returned
// error is reserved for setup failures (output files could not be created);
// per-file failures are reported through the summary.
func (p *Pipeline) Run(ctx context.Context, files []FileTask) (*Summary, error) {
	started := time.Now()

	threads := p.cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
		p.logger.WithField("threads", threads).Info("Auto-detected CPU count for worker pool")
	}

	queueCapacity := 2 * threads
	if queueCapacity < 16 {
		queueCapacity = 16
	}

	writer, err := output.NewCSVWriter(p.cfg.OutputDir, p.profiles, p.nulls, p.cfg.CreateMetadataFiles, p.logger)
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"files":          len(files),
		"threads":        threads,
		"queue_capacity": queueCapacity,
	}).Info("Starting parallel file processing")

	batches := make(chan *output.Batch, queueCapacity)
	writerDone := make(chan struct{})
	writerFailed := false

	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		defer close(writerDone)
		defer func() {
			if r := recover(); r != nil {
				writerFailed = true
				p.logger.WithField("panic", r).Error("Writer goroutine panicked")
			}
		}()

		batchesProcessed := 0
		for batch := range batches {
			metrics.WriterQueueDepth.Set(float64(len(batches)))
			if err := writer.WriteBatch(batch); err != nil {
				p.logger.WithError(err).Error("Writer error writing batch")
				continue
			}
			batchesProcessed++
		}
		p.logger.WithField("batches", batchesProcessed).Info("Writer finished receiving")

		if err := writer.Finalize(); err != nil {
			p.logger.WithError(err).Error("Writer error during finalization")
		}
	}()

	var (
		processed   atomic.Int64
		failedMu    sync.Mutex
		failedFiles []string
	)
	recordFailure := func(path string, cause error) {
		failedMu.Lock()
		failedFiles = append(failedFiles, path)
		failedMu.Unlock()
		metrics.FilesProcessedTotal.WithLabelValues("error").Inc()
		p.logger.WithField("file", path).WithError(cause).Error("Error processing file")
	}

	progressDone := make(chan struct{})
	go p.reportProgress(&processed, len(files), started, progressDone)

	taskCh := make(chan FileTask)
	var workers errgroup.Group
	for i := 0; i < threads; i++ {
		workers.Go(func() error {
			for task := range taskCh {
				p.processOne(ctx, task, batches, writerDone, recordFailure)
				processed.Add(1)
			}
			return nil
		})
	}

	for _, task := range files {
		taskCh <- task
	}
	close(taskCh)
	workers.Wait()
	close(batches)
	writerWg.Wait()
	close(progressDone)

	summary := &Summary{
		TotalFiles:    len(files),
		Succeeded:     len(files) - len(failedFiles),
		FailedFiles:   failedFiles,
		RowCounts:     writer.RowsWritten(),
		UniqueRecords: p.ids.UniqueRecords(),
		UniqueValues:  p.ids.UniqueValues(),
		WriterFailed:  writerFailed,
		Elapsed:       time.Since(started),
	}

	if err := writer.Close(); err != nil {
		p.logger.WithError(err).Error("Error closing output files")
	}

	return summary, nil
}

// processOne extracts a single file and hands its batch to the writer. A
// closed writer turns pending sends into file-level failures.
func (p *Pipeline) processOne(ctx context.Context, task FileTask, batches chan<- *output.Batch, writerDone <-chan struct{}, recordFailure func(string, error)) {
	fileCtx, span := p.tracer.Start(ctx, "process_file",
		oteltrace.WithAttributes(
			attribute.String("file.path", task.Path),
			attribute.String("process.id", task.Profile.ProcessInfo.ProcessID),
		))
	defer span.End()

	file, err := os.Open(task.Path)
	if err != nil {
		span.RecordError(err)
		recordFailure(task.Path, err)
		return
	}
	defer file.Close()

	extractor := extract.NewExtractor(task.Profile, p.ids, p.nulls, p.timestamp, task.Filters, p.cfg.BatchSize, p.logger)
	batch, err := extractor.ProcessFile(fileCtx, file, task.Path)
	if err != nil {
		span.RecordError(err)
		recordFailure(task.Path, err)
		return
	}

	span.SetAttributes(attribute.Int("batch.rows", batch.RowCount()))

	if !batch.IsEmpty() {
		select {
		case batches <- batch:
		case <-writerDone:
			recordFailure(task.Path, fmt.Errorf("writer terminated before batch could be queued"))
			return
		}
	}
	metrics.FilesProcessedTotal.WithLabelValues("ok").Inc()
}

// reportProgress logs throughput at an interval until the run completes
func (p *Pipeline) reportProgress(processed *atomic.Int64, total int, started time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			count := processed.Load()
			elapsed := time.Since(started).Seconds()
			perSec := float64(count) / elapsed
			p.logger.WithFields(logrus.Fields{
				"processed":     count,
				"total":         total,
				"files_per_sec": fmt.Sprintf("%.1f", perSec),
			}).Info("Processing progress")
		}
	}
}
