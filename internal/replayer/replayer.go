package replayer

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

const component = "replayer"

var (
	ErrBusy    = fmt.Errorf("%s: %w", component, models.ErrBusy)
	ErrStopped = errors.New("replayer is not running")
)

// Store reads persisted bars with open time in [from, to), ascending.
type Store interface {
	FetchBetween(ctx context.Context, timeframes []models.Timeframe, from, to time.Time) ([]models.Candlestick, error)
}

// Command describes one replay run.
type Command struct {
	Timeframes []models.Timeframe
	StartTime  time.Time
	EndTime    time.Time
	Step       time.Duration
}

func (c Command) validate() error {
	if c.Step <= 0 {
		return fmt.Errorf("replay step must be positive, got %v", c.Step)
	}
	if len(c.Timeframes) == 0 {
		return errors.New("replay needs at least one timeframe")
	}
	return nil
}

// Window is every bar opened in [Start, Start+step).
type Window struct {
	Start time.Time
	Bars  []models.Candlestick
}

// Windows is the ordered output of a run.
type Windows = channel.Stream[Window]

type Config struct {
	// Prefetch is how many windows may wait for the consumer.
	Prefetch int
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
	windows *Windows
	err     error
}

// Replayer is a single-flight worker stepping through stored history.
type Replayer struct {
	store    Store
	cfg      Config
	requests chan request
	shutdown chan struct{}
	log      *logger.Log

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func New(store Store, cfg Config) *Replayer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &Replayer{
		store:    store,
		cfg:      cfg,
		requests: make(chan request),
		log:      logger.GetLogger(),
	}
}

func (r *Replayer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("replayer already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.shutdown = make(chan struct{})
	done, shutdown := r.done, r.shutdown
	r.mu.Unlock()

	r.log.WithComponent(component).WithFields(logger.Fields{"prefetch": r.cfg.Prefetch}).Info("replayer started")
	go r.run(ctx, done, shutdown)
	return nil
}

// Replay hands cmd to the worker and returns the window stream at once.
func (r *Replayer) Replay(ctx context.Context, cmd Command) (*Windows, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	running, done := r.running, r.done
	r.mu.Unlock()
	if !running {
		return nil, ErrStopped
	}

	reply := make(chan response, 1)
	select {
	case r.requests <- request{cmd: cmd, reply: reply}:
	case <-done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-reply
	return res.windows, res.err
}

func (r *Replayer) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	running, done, shutdown := r.running, r.done, r.shutdown
	r.mu.Unlock()
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
func (r *Replayer) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Replayer) run(ctx context.Context, done, shutdown chan struct{}) {
	log := r.log.WithComponent(component)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
		log.Info("replayer stopped")
	}()

	state := ready
	finished := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-finished:
			state = ready
		case req := <-r.requests:
			if state == busy {
				req.reply <- response{err: ErrBusy}
				continue
			}
			state = busy
			windows := channel.NewStream[Window](r.cfg.Prefetch)
			go r.execute(ctx, req.cmd, windows, finished)
			req.reply <- response{windows: windows}
		}
	}
}

// execute walks [StartTime, EndTime] in steps. A failed read skips its window;
// an empty window ends the run.
func (r *Replayer) execute(ctx context.Context, cmd Command, out *Windows, finished chan<- struct{}) {
	defer func() { finished <- struct{}{} }()
	defer out.Close()

	log := r.log.WithComponent(component).WithFields(logger.Fields{
		"start_time": cmd.StartTime.UTC().Format(time.RFC3339),
		"end_time":   cmd.EndTime.UTC().Format(time.RFC3339),
		"step":       cmd.Step.String(),
	})
	log.Info("replay started")

	produced := 0
	current := cmd.StartTime
	next := current.Add(cmd.Step)
	limit := cmd.EndTime.Add(cmd.Step)

	for next.Before(limit) {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		bars, err := r.store.FetchBetween(ctx, cmd.Timeframes, current, next)
		elapsed := time.Since(start)

		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"window": current.UTC().Format(time.RFC3339)}).Error("failed to read window, skipping")
			metrics.EmitMetric(r.log, component, "window_failures", 1, "counter", nil)
		} else {
			if len(bars) == 0 {
				log.WithFields(logger.Fields{"window": current.UTC().Format(time.RFC3339)}).Info("empty window, end of history")
				break
			}
			if err := out.Send(ctx, Window{Start: current, Bars: bars}); err != nil {
				log.WithError(err).Warn("window consumer is gone, stopping replay")
				break
			}
			produced++
			log.WithFields(logger.Fields{
				"window":      current.UTC().Format(time.RFC3339),
				"bars":        len(bars),
				"duration_ms": elapsed.Milliseconds(),
				"remaining":   out.Remaining(),
			}).Info("window produced")
			metrics.EmitMetric(r.log, component, "bars_replayed", len(bars), "counter", nil)
		}

		current = next
		next = next.Add(cmd.Step)
	}

	log.WithFields(logger.Fields{"windows": produced}).Info("replay finished")
}
