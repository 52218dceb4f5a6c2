package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"candleflow/internal/channel"
	"candleflow/internal/downloader"
	"candleflow/internal/metrics"
	"candleflow/logger"
	"candleflow/models"
)

const (
	component = "pipeline"

	// DefaultChunkSize is the number of page batches handed to the sink at once.
	DefaultChunkSize = 8

	shutdownTimeout = 10 * time.Second
)

// Schema prepares the store before the first write.
type Schema interface {
	Init(ctx context.Context) error
}

// Sink persists one chunk of page batches.
type Sink interface {
	BulkInsert(ctx context.Context, batches [][]models.Candlestick) error
}

// Catalog publishes instrument snapshots.
type Catalog interface {
	Subscribe() *channel.Receiver[models.Symbols]
	Shutdown(ctx context.Context) error
}

type Downloader interface {
	Download(ctx context.Context, cmd downloader.Command) (*downloader.Batches, error)
	Shutdown(ctx context.Context) error
}

// DownloadPlan is what to fetch. Symbols come from the first non-empty catalog snapshot.
type DownloadPlan struct {
	Timeframe models.Timeframe
	StartTime time.Time
	Filter    downloader.Filter
	ChunkSize int
}

// DownloadReport summarizes a download run.
type DownloadReport struct {
	Symbols      int
	Pages        int
	Bars         int
	Chunks       int
	FailedChunks int
	Elapsed      time.Duration
}

// DownloadPipeline wires the catalog, the downloader and the sink together.
type DownloadPipeline struct {
	schema     Schema
	catalog    Catalog
	downloader Downloader
	sink       Sink
	log        *logger.Log
}

func NewDownloadPipeline(schema Schema, catalog Catalog, dl Downloader, sink Sink) *DownloadPipeline {
	return &DownloadPipeline{
		schema:     schema,
		catalog:    catalog,
		downloader: dl,
		sink:       sink,
		log:        logger.GetLogger(),
	}
}

// Run initializes the schema, waits for the catalog, downloads the plan and persists it
// chunk by chunk. Failed inserts are logged and skipped. The catalog and the downloader
// are shut down before Run returns, whatever the outcome.
func (p *DownloadPipeline) Run(ctx context.Context, plan DownloadPlan) (DownloadReport, error) {
	started := time.Now()
	log := p.log.WithComponent(component).WithFields(logger.Fields{
		"timeframe":  plan.Timeframe.String(),
		"start_time": plan.StartTime,
	})
	defer p.shutdown(ctx, log)

	if err := p.schema.Init(ctx); err != nil {
		return DownloadReport{}, fmt.Errorf("initialize storage: %w", err)
	}

	log.Info("waiting for the instrument catalog")
	symbols, err := p.catalog.Subscribe().WaitFor(ctx, func(s models.Symbols) bool { return len(s) > 0 })
	if err != nil {
		return DownloadReport{}, fmt.Errorf("wait for catalog: %w", err)
	}
	log.WithFields(logger.Fields{"symbols": len(symbols)}).Info("catalog snapshot received")

	batches, err := p.downloader.Download(ctx, downloader.Command{
		Symbols:   symbols,
		Timeframe: plan.Timeframe,
		StartTime: plan.StartTime,
		Filter:    plan.Filter,
	})
	if err != nil {
		return DownloadReport{}, fmt.Errorf("start download: %w", err)
	}

	report := DownloadReport{Symbols: len(symbols)}
	chunkSize := plan.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	err = drainChunks(ctx, batches, chunkSize, func(chunk [][]models.Candlestick) {
		bars := models.CountBars(chunk)
		report.Chunks++
		report.Pages += len(chunk)
		report.Bars += bars

		if err := p.sink.BulkInsert(ctx, chunk); err != nil {
			report.FailedChunks++
			log.WithError(err).WithFields(logger.Fields{
				"chunk": report.Chunks,
				"bars":  bars,
			}).Error("failed to persist chunk")
			metrics.EmitMetric(p.log, component, "chunk_failures", 1, "counter", nil)
			return
		}
		metrics.EmitMetric(p.log, component, "bars_persisted", bars, "counter", nil)
		log.WithFields(logger.Fields{"chunk": report.Chunks, "bars": bars}).Debug("chunk persisted")
	})
	report.Elapsed = time.Since(started)

	logger.LogDuration(log, "download_pipeline", report.Elapsed, logger.Fields{
		"pages":         report.Pages,
		"bars":          report.Bars,
		"chunks":        report.Chunks,
		"failed_chunks": report.FailedChunks,
	})
	return report, err
}

func (p *DownloadPipeline) shutdown(ctx context.Context, log *logger.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := p.catalog.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("catalog refresher shutdown failed")
	}
	if err := p.downloader.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("downloader shutdown failed")
	}
	log.Info("download pipeline finished")
}

// drainChunks groups stream elements into chunks of size and hands each to flush.
// The last chunk may be shorter. When ctx ends the stream is abandoned so producers
// stop, the pending partial chunk is dropped and ctx's error is returned.
func drainChunks[T any](ctx context.Context, in *channel.Stream[T], size int, flush func([]T)) error {
	chunk := make([]T, 0, size)
	emit := func() {
		if len(chunk) == 0 {
			return
		}
		flush(chunk)
		chunk = make([]T, 0, size)
	}

	for {
		select {
		case <-ctx.Done():
			in.Abandon()
			return ctx.Err()
		case v, ok := <-in.C():
			if !ok {
				emit()
				return nil
			}
			chunk = append(chunk, v)
			if len(chunk) == size {
				emit()
			}
		}
	}
}

// Optimizer compacts stored data.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Optimize runs a compaction pass. Failures are logged and reported as false, never returned.
func Optimize(ctx context.Context, o Optimizer) bool {
	log := logger.GetLogger().WithComponent(component).WithFields(logger.Fields{"operation": "optimize"})
	started := time.Now()
	if err := o.Optimize(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("optimization cancelled")
		} else {
			log.WithError(err).Error("optimization failed")
		}
		return false
	}
	logger.LogDuration(log, "optimize", time.Since(started), nil)
	return true
}
