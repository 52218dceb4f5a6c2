package models

import "time"

// FetchReport describes one fetched page of bars.
type FetchReport struct {
	Latency time.Duration
	Bars    int
	// LastCloseTime is the close time of the last bar, the cursor for the next page.
	LastCloseTime time.Time
}
