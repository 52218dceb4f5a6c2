package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"candleflow/config"
	"candleflow/logger"
)

// Metric is a structured metric event emitted within the application.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metric events.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler.
type MetricHandlerID uint64

// Feature toggles an optional family of metrics.
type Feature int

const (
	FeatureUsedWeight Feature = iota
	FeatureChannelSize
)

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID

	usedWeightEnabled  atomic.Bool
	channelSizeEnabled atomic.Bool
)

func init() {
	usedWeightEnabled.Store(true)
	channelSizeEnabled.Store(true)
}

// Configure applies the feature toggles from configuration.
func Configure(cfg config.MetricsConfig) {
	usedWeightEnabled.Store(cfg.UsedWeight)
	channelSizeEnabled.Store(cfg.ChannelSize)
}

// IsFeatureEnabled reports whether the given metric family should be emitted.
func IsFeatureEnabled(f Feature) bool {
	switch f {
	case FeatureUsedWeight:
		return usedWeightEnabled.Load()
	case FeatureChannelSize:
		return channelSizeEnabled.Load()
	default:
		return false
	}
}

// RegisterMetricHandler registers a handler that receives every emitted metric.
// A zero identifier is returned for a nil handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()

	nextMetricHandlerID++
	id := nextMetricHandlerID
	metricHandlers[id] = handler
	return id
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}

	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

// EmitMetric logs the metric and hands it to every registered handler.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	userFields := cloneFields(fields)
	log.WithComponent(component).LogMetric(name, value, metricType, userFields)

	dispatchMetric(Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	})
}

func dispatchMetric(metric Metric) {
	metricHandlersMu.RLock()
	handlers := make([]MetricHandler, 0, len(metricHandlers))
	for _, handler := range metricHandlers {
		handlers = append(handlers, handler)
	}
	metricHandlersMu.RUnlock()

	for _, handler := range handlers {
		handler(metric)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
