package metrics

import (
	"context"
	"time"

	"candleflow/logger"
)

// Occupancy reports a buffer's current length and capacity.
type Occupancy func() (length, capacity int)

// StartChannelSizeMetrics emits a buffer length gauge for the named buffer every
// interval until ctx is cancelled. A non-positive interval means one second.
func StartChannelSizeMetrics(ctx context.Context, buffer string, occupancy Occupancy, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) || occupancy == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				length, capacity := occupancy()
				EmitMetric(log, "channel_buffers", buffer+"_buffer_length", length, "gauge", logger.Fields{
					"buffer":   buffer,
					"capacity": capacity,
				})
			}
		}
	}()
}
