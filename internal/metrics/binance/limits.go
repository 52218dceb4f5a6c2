package binancemetrics

import (
	"net/http"

	"candleflow/internal/metrics"
	"candleflow/logger"
)

// Limit is what a throttling response from Binance means.
type Limit int

const (
	NoLimit Limit = iota
	// RateLimited is HTTP 429: back off until the window resets.
	RateLimited
	// IPBanned is HTTP 418: the address kept going after 429s.
	IPBanned
)

// ClassifyStatus maps an HTTP status to a Limit.
func ClassifyStatus(status int) Limit {
	switch status {
	case http.StatusTooManyRequests:
		return RateLimited
	case http.StatusTeapot:
		return IPBanned
	default:
		return NoLimit
	}
}

// ReportLimit emits rate_limit_exceeded or ip_ban for a throttling response and
// returns what the status meant. Retry-After is attached when present.
func ReportLimit(log *logger.Log, resp *http.Response, component, endpoint string) Limit {
	if resp == nil {
		return NoLimit
	}
	limit := ClassifyStatus(resp.StatusCode)
	if limit == NoLimit {
		return limit
	}
	if log == nil {
		log = logger.GetLogger()
	}

	fields := logger.Fields{"endpoint": endpoint, "status": resp.StatusCode}
	if v := resp.Header.Get("Retry-After"); v != "" {
		fields["retry_after"] = v
	}
	entry := log.WithComponent(component).WithFields(fields)

	switch limit {
	case RateLimited:
		metrics.EmitMetric(log, component, "rate_limit_exceeded", 1, "counter", fields)
		entry.Warn("rate limit exceeded")
	case IPBanned:
		metrics.EmitMetric(log, component, "ip_ban", 1, "counter", fields)
		entry.Error("ip banned")
	}
	return limit
}
