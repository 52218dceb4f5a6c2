package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"candleflow/config"
	"candleflow/internal/app"
	"candleflow/internal/pipeline"
	"candleflow/internal/replayer"
	"candleflow/internal/storage"
	"candleflow/logger"
	"candleflow/models"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, log, err := app.Bootstrap(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to start")
		os.Exit(1)
	}

	ctx, stop := app.SignalContext()
	defer stop()
	app.StartMetrics(ctx, cfg, log)

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("replay failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Log) error {
	timeframes, err := models.ParseTimeframes(cfg.Replayer.Timeframes)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.QuestDB, models.NewRegistry())
	if err != nil {
		return err
	}
	defer store.Close()

	r := replayer.New(store, replayer.Config{Prefetch: cfg.Replayer.Prefetch})
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.WithComponent("main").WithError(err).Warn("replayer shutdown failed")
		}
	}()

	windows, err := pipeline.Replay(ctx, r, pipeline.ReplayPlan{
		Timeframes: timeframes,
		StartTime:  cfg.Replayer.StartDate,
		EndTime:    cfg.Replayer.EndDate,
		Step:       cfg.Replayer.Step,
	})
	if err != nil {
		return err
	}

	report, err := pipeline.Consume(ctx, windows, func(w replayer.Window) error {
		log.WithComponent("main").WithFields(logger.Fields{
			"window": w.Start.Format("2006-01-02"),
			"bars":   len(w.Bars),
		}).Debug("window replayed")
		return nil
	})
	fmt.Printf("replayed %d bars in %d windows in %s\n", report.Bars, report.Windows, report.Elapsed)
	return err
}
