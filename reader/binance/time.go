package binance

import (
	"context"
	"time"
)

const serverTimePath = "/api/v3/time"

// FetchServerTime returns the exchange clock.
func (c *Client) FetchServerTime(ctx context.Context) (time.Time, error) {
	if err := c.wait(ctx); err != nil {
		return time.Time{}, err
	}
	ms, err := c.api.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, classifyAPIError(c.baseURL+serverTimePath, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ClockSkew is local time minus exchange time.
func (c *Client) ClockSkew(ctx context.Context) (time.Duration, error) {
	server, err := c.FetchServerTime(ctx)
	if err != nil {
		return 0, err
	}
	return time.Since(server), nil
}
