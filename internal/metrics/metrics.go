// Prometheus bridge for emitted metrics. Every Metric becomes a sample of
//
//	candleflow_gauge{component, metric}          for type "gauge"
//	candleflow_events_total{component, metric}   for every other type
//
// served on the configured address under /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"candleflow/logger"
)

var (
	once     sync.Once
	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec
	counters *prometheus.CounterVec
)

// Init registers the collectors and subscribes them to emitted metrics. Safe to call more than once.
func Init() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		gauges = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candleflow_gauge",
				Help: "Last value of gauge metrics emitted by candleflow components",
			},
			[]string{"component", "metric"},
		)
		counters = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candleflow_events_total",
				Help: "Accumulated counter metrics emitted by candleflow components",
			},
			[]string{"component", "metric"},
		)

		registry.MustRegister(gauges, counters)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		RegisterMetricHandler(observe)
	})
	return registry
}

func observe(m Metric) {
	v, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	if m.Type == "gauge" {
		gauges.WithLabelValues(m.Component, m.Name).Set(v)
		return
	}
	if v >= 0 {
		counters.WithLabelValues(m.Component, m.Name).Add(v)
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	reg := Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": addr}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
