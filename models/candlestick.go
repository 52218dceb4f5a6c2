package models

import "time"

// Candlestick is one OHLCV bar. Values are copied down the pipeline, never mutated.
type Candlestick struct {
	Symbol    *Symbol
	Timeframe Timeframe
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CountBars returns the number of bars across batches.
func CountBars(batches [][]Candlestick) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}
