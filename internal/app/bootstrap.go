// Package app holds the start-up sequence shared by the command line entry points.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"candleflow/config"
	"candleflow/internal/metrics"
	"candleflow/logger"
)

// Bootstrap loads .env and the configuration, then configures logging and metric toggles.
func Bootstrap(configPath string) (*config.Config, *logger.Log, error) {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	path := config.ResolvePath(configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, log, fmt.Errorf("load configuration %s: %w", path, err)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return nil, log, fmt.Errorf("configure logger: %w", err)
	}
	metrics.Configure(cfg.Metrics)

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting candleflow")
	return cfg, log, nil
}

// StartMetrics serves Prometheus metrics and, when enabled, ships them to CloudWatch
// until ctx is cancelled.
func StartMetrics(ctx context.Context, cfg *config.Config, log *logger.Log) {
	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				log.WithComponent("metrics").WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	cw := cfg.Metrics.CloudWatch
	if !cw.Enabled {
		return
	}
	publisher, err := metrics.NewCloudWatchPublisher(ctx, cw.Region, cw.Namespace)
	if err != nil {
		log.WithComponent("cloudwatch").WithError(err).Warn("cloudwatch publishing disabled")
		return
	}
	go publisher.Run(ctx, time.Minute)
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
