package pipeline

import (
	"context"
	"fmt"
	"time"

	"candleflow/internal/replayer"
	"candleflow/logger"
	"candleflow/models"
)

// DailyStep is the replay window width.
const DailyStep = 24 * time.Hour

type Replayer interface {
	Replay(ctx context.Context, cmd replayer.Command) (*replayer.Windows, error)
}

// ReplayPlan is the range to replay. Step defaults to DailyStep.
type ReplayPlan struct {
	Timeframes []models.Timeframe
	StartTime  time.Time
	EndTime    time.Time
	Step       time.Duration
}

// Replay starts a replay and hands its ordered window stream to the caller.
func Replay(ctx context.Context, r Replayer, plan ReplayPlan) (*replayer.Windows, error) {
	step := plan.Step
	if step <= 0 {
		step = DailyStep
	}
	windows, err := r.Replay(ctx, replayer.Command{
		Timeframes: plan.Timeframes,
		StartTime:  plan.StartTime,
		EndTime:    plan.EndTime,
		Step:       step,
	})
	if err != nil {
		return nil, fmt.Errorf("start replay: %w", err)
	}
	return windows, nil
}

// ReplayReport summarizes a consumed replay.
type ReplayReport struct {
	Windows int
	Bars    int
	Elapsed time.Duration
}

// Consume reads every window in order and passes it to fn. If fn fails or ctx ends,
// the stream is abandoned and the error is returned with what was read so far.
func Consume(ctx context.Context, windows *replayer.Windows, fn func(replayer.Window) error) (ReplayReport, error) {
	started := time.Now()
	var report ReplayReport
	finish := func(err error) (ReplayReport, error) {
		report.Elapsed = time.Since(started)
		logger.LogDuration(logger.GetLogger().WithComponent(component), "replay_consume", report.Elapsed, logger.Fields{
			"windows": report.Windows,
			"bars":    report.Bars,
		})
		return report, err
	}

	for {
		select {
		case <-ctx.Done():
			windows.Abandon()
			return finish(ctx.Err())
		case w, ok := <-windows.C():
			if !ok {
				return finish(nil)
			}
			report.Windows++
			report.Bars += len(w.Bars)
			if fn == nil {
				continue
			}
			if err := fn(w); err != nil {
				windows.Abandon()
				return finish(err)
			}
		}
	}
}
