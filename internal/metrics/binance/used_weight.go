package binancemetrics

import (
	"net/http"
	"strconv"

	"candleflow/internal/metrics"
	"candleflow/logger"
)

var weightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// ReportUsedWeight reads the request weight Binance reports in response headers
// and emits it as a gauge. When limit is positive the share of the per-minute
// budget already consumed is emitted as well.
func ReportUsedWeight(log *logger.Log, header http.Header, component, endpoint string, limit int) (float64, bool) {
	if header == nil || !metrics.IsFeatureEnabled(metrics.FeatureUsedWeight) {
		return 0, false
	}
	if log == nil {
		log = logger.GetLogger()
	}

	for _, h := range weightHeaders {
		value := header.Get(h.key)
		if value == "" {
			continue
		}

		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"endpoint": endpoint,
				"header":   h.key,
				"value":    value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}

		fields := logger.Fields{"endpoint": endpoint, "window": h.window}
		metrics.EmitMetric(log, component, "used_weight", used, "gauge", fields)
		if limit > 0 && h.window == "1m" {
			metrics.EmitMetric(log, component, "used_weight_ratio", used/float64(limit), "gauge", fields)
		}
		return used, true
	}

	return 0, false
}
