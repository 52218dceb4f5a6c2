package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"candleflow/config"
	"candleflow/internal/app"
	"candleflow/internal/catalog"
	"candleflow/internal/downloader"
	"candleflow/internal/pipeline"
	"candleflow/internal/storage"
	"candleflow/logger"
	"candleflow/models"
	"candleflow/reader/binance"
	"candleflow/writer"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	optimize := flag.Bool("optimize", false, "Run the storage optimization pass after the download")
	yes := flag.Bool("yes", false, "Answer yes to every prompt")
	flag.Parse()

	cfg, log, err := app.Bootstrap(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to start")
		os.Exit(1)
	}

	ctx, stop := app.SignalContext()
	defer stop()
	app.StartMetrics(ctx, cfg, log)

	if err := run(ctx, cfg, log, *optimize || *yes); err != nil {
		log.WithError(err).Error("download failed")
		os.Exit(1)
	}
	log.Info("candleflow download stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Log, optimize bool) error {
	tf, err := models.ParseTimeframe(cfg.Downloader.Timeframe)
	if err != nil {
		return err
	}
	policy, err := catalog.ParsePolicy(cfg.Catalog.Policy, cfg.Catalog.Interval)
	if err != nil {
		return err
	}

	registry := models.NewRegistry()
	client := binance.NewClient(cfg.Binance)

	if skew, err := client.ClockSkew(ctx); err != nil {
		log.WithComponent("main").WithError(err).Warn("failed to read exchange server time")
	} else {
		log.WithComponent("main").WithFields(logger.Fields{"clock_skew": skew.String()}).Info("exchange clock checked")
	}

	store, err := storage.Open(ctx, cfg.QuestDB, registry)
	if err != nil {
		return err
	}
	defer store.Close()

	secondaries, err := writer.SecondariesFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	sink := writer.NewMultiSink(store, secondaries...)
	defer func() {
		if err := sink.Close(); err != nil {
			log.WithComponent("main").WithError(err).Warn("failed to close secondary sinks")
		}
	}()

	refresher := catalog.NewRefresher(client, registry, policy)
	if err := refresher.Start(ctx); err != nil {
		return err
	}
	// A lazy catalog has nothing until someone asks.
	if policy == catalog.Lazy() {
		if err := refresher.Refresh(ctx); err != nil {
			return err
		}
	}

	dl := downloader.New(client, downloader.Config{
		Concurrency:       cfg.Downloader.Concurrency,
		Buffer:            cfg.Downloader.Buffer,
		RateBudget:        cfg.Binance.RateBudget,
		OccupancyInterval: cfg.Metrics.ChannelSizeInterval,
	})
	if err := dl.Start(ctx); err != nil {
		return err
	}

	var filter downloader.Filter = downloader.AllowAll{}
	if q := strings.TrimSpace(cfg.Downloader.QuoteAsset); q != "" {
		filter = downloader.QuoteAsset(q)
	}

	report, err := pipeline.NewDownloadPipeline(store, refresher, dl, sink).Run(ctx, pipeline.DownloadPlan{
		Timeframe: tf,
		StartTime: cfg.Downloader.StartDate,
		Filter:    filter,
		ChunkSize: cfg.Downloader.ChunkSize,
	})
	if err != nil {
		return err
	}
	log.WithComponent("main").WithFields(logger.Fields{
		"symbols":       report.Symbols,
		"bars":          report.Bars,
		"failed_chunks": report.FailedChunks,
		"elapsed":       report.Elapsed.String(),
	}).Info("download completed")

	if optimize || confirm(os.Stdin, os.Stdout, "Run the storage optimization pass now?") {
		pipeline.Optimize(ctx, store)
	}
	return nil
}

// confirm asks a y/n question until it gets an answer. End of input means no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "%s [y/n] ", question)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}
