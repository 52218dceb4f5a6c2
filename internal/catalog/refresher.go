package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"candleflow/internal/channel"
	"candleflow/internal/metrics"
	"candleflow/logger"
	"candleflow/models"
)

var ErrStopped = errors.New("catalog refresher is not running")

// Source fetches the tradable instruments, interning them in the registry.
type Source interface {
	FetchSymbols(ctx context.Context, reg *models.Registry) (models.Symbols, error)
}

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdShutdown
)

type refreshResult struct {
	symbols models.Symbols
	err     error
}

type command struct {
	kind  commandKind
	reply chan refreshResult
}

// Refresher owns the instrument catalog and publishes every fetched snapshot
// to a latest-value slot. Only its loop goroutine talks to the source.
type Refresher struct {
	source   Source
	registry *models.Registry
	policy   Policy
	slot     *channel.Watch[models.Symbols]
	commands chan command
	log      *logger.Log

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewRefresher(source Source, registry *models.Registry, policy Policy) *Refresher {
	return &Refresher{
		source:   source,
		registry: registry,
		policy:   policy,
		slot:     channel.NewWatch[models.Symbols](),
		commands: make(chan command),
		log:      logger.GetLogger(),
	}
}

// Start launches the loop and applies the policy.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("catalog refresher already running")
	}
	r.running = true
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	r.log.WithComponent("catalog").WithFields(logger.Fields{"policy": r.policy.String()}).Info("catalog refresher started")
	go r.run(ctx, done)
	return nil
}

// Subscribe returns a receiver that reports nothing until the first snapshot
// and then the latest snapshot on every change.
func (r *Refresher) Subscribe() *channel.Receiver[models.Symbols] {
	return r.slot.Subscribe()
}

// Latest returns the most recent snapshot, if any.
func (r *Refresher) Latest() (models.Symbols, bool) {
	return r.slot.Load()
}

// Refresh asks for one fetch-publish cycle without waiting for its outcome.
func (r *Refresher) Refresh(ctx context.Context) error {
	return r.send(ctx, command{kind: cmdRefresh})
}

// RefreshAndGet runs one fetch-publish cycle and returns the new snapshot. On
// failure nothing is published and the previous snapshot stays visible.
func (r *Refresher) RefreshAndGet(ctx context.Context) (models.Symbols, error) {
	reply := make(chan refreshResult, 1)
	if err := r.send(ctx, command{kind: cmdRefresh, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.symbols, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the loop. It does not wait for it; use Done for that.
func (r *Refresher) Shutdown(ctx context.Context) error {
	return r.send(ctx, command{kind: cmdShutdown})
}

// Done is closed when the loop has exited. Nil before Start.
func (r *Refresher) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Refresher) send(ctx context.Context, cmd command) error {
	r.mu.Lock()
	running, done := r.running, r.done
	r.mu.Unlock()
	if !running {
		return ErrStopped
	}
	select {
	case r.commands <- cmd:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) run(ctx context.Context, done chan struct{}) {
	log := r.log.WithComponent("catalog")
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
		log.Info("catalog refresher stopped")
	}()

	if r.policy.fetchOnStart() {
		r.refreshInBackground(ctx)
	} else {
		log.Debug("lazy policy, waiting for a refresh request")
	}

	var tick <-chan time.Time
	if r.policy.kind == periodic {
		ticker := time.NewTicker(r.policy.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.refreshInBackground(ctx)
		case cmd := <-r.commands:
			switch cmd.kind {
			case cmdShutdown:
				log.Info("catalog refresher is completing its work")
				return
			case cmdRefresh:
				symbols, err := r.refresh(ctx)
				if cmd.reply != nil {
					cmd.reply <- refreshResult{symbols: symbols, err: err}
				} else if err != nil {
					log.WithError(err).Warn("catalog refresh failed")
				}
			}
		}
	}
}

func (r *Refresher) refreshInBackground(ctx context.Context) {
	if _, err := r.refresh(ctx); err != nil {
		r.log.WithComponent("catalog").WithError(err).Warn("catalog refresh failed")
	}
}

func (r *Refresher) refresh(ctx context.Context) (models.Symbols, error) {
	start := time.Now()
	symbols, err := r.source.FetchSymbols(ctx, r.registry)
	if err != nil {
		metrics.EmitMetric(r.log, "catalog", "refresh_failures", 1, "counter", nil)
		return nil, fmt.Errorf("failed to fetch symbols: %w", err)
	}
	r.slot.Store(symbols)

	logger.LogDuration(r.log.WithComponent("catalog"), "refresh", time.Since(start), logger.Fields{"symbols": len(symbols)})
	metrics.EmitMetric(r.log, "catalog", "symbols", len(symbols), "gauge", nil)
	return symbols, nil
}
