package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"candleflow/internal/channel"
	"candleflow/internal/metrics"
	"candleflow/logger"
	"candleflow/models"
)

const component = "downloader"

var (
	ErrBusy    = fmt.Errorf("%s: %w", component, models.ErrBusy)
	ErrStopped = errors.New("downloader is not running")
)

// Fetcher returns one page of bars starting at cursor.
type Fetcher interface {
	FetchPage(ctx context.Context, sym *models.Symbol, tf models.Timeframe, cursor time.Time) ([]models.Candlestick, models.FetchReport, error)
}

// Command describes one download run.
type Command struct {
	Symbols   models.Symbols
	Timeframe models.Timeframe
	StartTime time.Time
	Filter    Filter
}

// Batches is the output of a run: one element per fetched page, unordered
// across instruments. It is closed when every instrument is done.
type Batches = channel.Stream[[]models.Candlestick]

type Config struct {
	// Concurrency bounds how many instruments paginate at once.
	Concurrency int
	// Buffer is the capacity of the output stream in pages.
	Buffer int
	// RateBudget is the per-request share of the exchange limit.
	RateBudget time.Duration
	// OccupancyInterval is how often the output length gauge is emitted.
	OccupancyInterval time.Duration
}

type status int

const (
	ready status = iota
	busy
)

type request struct {
	cmd   Command
	reply chan response
}

type response struct {
	batches *Batches
	err     error
}

// Downloader is a single-flight worker: while a run is in progress every new
// command is rejected with ErrBusy.
type Downloader struct {
	fetcher  Fetcher
	cfg      Config
	requests chan request
	shutdown chan struct{}
	log      *logger.Log

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func New(fetcher Fetcher, cfg Config) *Downloader {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}
	return &Downloader{
		fetcher:  fetcher,
		cfg:      cfg,
		requests: make(chan request),
		shutdown: make(chan struct{}),
		log:      logger.GetLogger(),
	}
}

// Start launches the worker loop. Cancelling ctx stops the loop and any run.
func (d *Downloader) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("downloader already running")
	}
	d.running = true
	d.done = make(chan struct{})
	d.shutdown = make(chan struct{})
	done, shutdown := d.done, d.shutdown
	d.mu.Unlock()

	d.log.WithComponent(component).WithFields(logger.Fields{
		"concurrency": d.cfg.Concurrency,
		"buffer":      d.cfg.Buffer,
		"rate_budget": d.cfg.RateBudget,
	}).Info("downloader started")

	go d.run(ctx, done, shutdown)
	return nil
}

// Download hands cmd to the worker. The returned stream is available at once
// and fills up in the background.
func (d *Downloader) Download(ctx context.Context, cmd Command) (*Batches, error) {
	d.mu.Lock()
	running, done := d.running, d.done
	d.mu.Unlock()
	if !running {
		return nil, ErrStopped
	}

	reply := make(chan response, 1)
	select {
	case d.requests <- request{cmd: cmd, reply: reply}:
	case <-done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res := <-reply
	return res.batches, res.err
}

// Shutdown stops the loop. A run in progress is not cancelled and drains on its own.
func (d *Downloader) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	running, done, shutdown := d.running, d.done, d.shutdown
	d.mu.Unlock()
	if !running {
		return ErrStopped
	}
	select {
	case shutdown <- struct{}{}:
		return nil
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the loop has exited. Nil before Start.
func (d *Downloader) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *Downloader) run(ctx context.Context, done, shutdown chan struct{}) {
	log := d.log.WithComponent(component)
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(done)
		log.Info("downloader stopped")
	}()

	state := ready
	finished := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			log.Info("downloader is completing its work")
			return
		case <-finished:
			state = ready
		case req := <-d.requests:
			if state == busy {
				req.reply <- response{err: ErrBusy}
				continue
			}
			state = busy
			batches := channel.NewStream[[]models.Candlestick](d.cfg.Buffer)
			go d.execute(ctx, req.cmd, batches, finished)
			req.reply <- response{batches: batches}
		}
	}
}

type runStats struct {
	pages     atomic.Int64
	bars      atomic.Int64
	failed    atomic.Int64
	completed atomic.Int64
}

func (d *Downloader) execute(ctx context.Context, cmd Command, out *Batches, finished chan<- struct{}) {
	defer func() { finished <- struct{}{} }()
	defer out.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := apply(cmd.Filter, cmd.Symbols)
	log := d.log.WithComponent(component).WithFields(logger.Fields{
		"run_id":     uuid.NewString(),
		"timeframe":  cmd.Timeframe.String(),
		"start_time": cmd.StartTime.UTC().Format(time.RFC3339),
		"total":      len(work),
	})
	log.Info("download started")
	metrics.StartChannelSizeMetrics(runCtx, "downloader_output", out.Occupancy, d.cfg.OccupancyInterval)

	started := time.Now()
	stats := &runStats{}
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

dispatch:
	for _, sym := range work {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break dispatch
		}
		wg.Add(1)
		go func(sym *models.Symbol) {
			defer wg.Done()
			defer func() { <-sem }()

			symLog := log.WithFields(logger.Fields{"symbol": sym.ShortName()})
			if err := d.paginate(runCtx, symLog, sym, cmd, out, stats); err != nil {
				stats.failed.Add(1)
				if errors.Is(err, channel.ErrReceiverGone) {
					symLog.WithError(err).Error("output receiver is gone, aborting producer")
				} else {
					symLog.WithError(err).Warn("pagination aborted")
				}
			}
			n := stats.completed.Add(1)
			symLog.WithFields(logger.Fields{"progress": fmt.Sprintf("%d/%d", n, len(work))}).Info("instrument finished")
		}(sym)
	}
	wg.Wait()

	logger.LogDuration(log, "download", time.Since(started), logger.Fields{
		"pages":  stats.pages.Load(),
		"bars":   stats.bars.Load(),
		"failed": stats.failed.Load(),
	})
	metrics.EmitMetric(d.log, component, "instruments_failed", stats.failed.Load(), "counter", nil)
	log.Info("download finished")
}

// paginate walks one instrument's history until a page comes back empty.
func (d *Downloader) paginate(ctx context.Context, log *logger.Entry, sym *models.Symbol, cmd Command, out *Batches, stats *runStats) error {
	maxDelay := d.cfg.RateBudget * time.Duration(d.cfg.Concurrency)
	cursor := cmd.StartTime

	for {
		bars, report, err := d.fetcher.FetchPage(ctx, sym, cmd.Timeframe, cursor)
		if err != nil {
			return fmt.Errorf("fetch page at %s: %w", cursor.UTC().Format(time.RFC3339), err)
		}
		if len(bars) == 0 {
			return nil
		}

		d.observeBackpressure(log, out)
		if err := out.Send(ctx, bars); err != nil {
			return err
		}
		stats.pages.Add(1)
		stats.bars.Add(int64(len(bars)))
		metrics.EmitMetric(d.log, component, "bars_fetched", len(bars), "counter", logger.Fields{"timeframe": cmd.Timeframe.String()})

		next := report.LastCloseTime
		if next.IsZero() {
			next = bars[len(bars)-1].CloseTime
		}
		if !next.After(cursor) {
			return fmt.Errorf("cursor did not advance past %s", cursor.UTC().Format(time.RFC3339))
		}
		cursor = next

		if err := sleep(ctx, pacingDelay(maxDelay, report.Latency)); err != nil {
			return err
		}
	}
}

func (d *Downloader) observeBackpressure(log *logger.Entry, out *Batches) {
	remaining := out.Remaining()
	fields := logger.Fields{"remaining": remaining, "buffer": d.cfg.Buffer}
	switch channel.ClassifyPressure(remaining, d.cfg.Buffer) {
	case channel.PressureHigh:
		log.WithFields(fields).Warn("slow consumer: output buffer below 30% free")
	case channel.PressureModerate:
		log.WithFields(fields).Info("output buffer below 50% free")
	}
	metrics.EmitMetric(d.log, component, "output_remaining", remaining, "gauge", nil)
}

// pacingDelay is max(0, maxDelay - latency).
func pacingDelay(maxDelay, latency time.Duration) time.Duration {
	if d := maxDelay - latency; d > 0 {
		return d
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
