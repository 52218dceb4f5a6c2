package storage

import (
	"context"
	"fmt"
	"time"

	"candleflow/models"
)

// Gateway persists and reads back candlesticks.
type Gateway interface {
	// Init creates the schema. Calling it again is a no-op.
	Init(ctx context.Context) error
	// BulkInsert writes every bar of every batch. Empty input is accepted.
	BulkInsert(ctx context.Context, batches [][]models.Candlestick) error
	// FetchBetween returns bars with open time in [from, to), ascending.
	FetchBetween(ctx context.Context, timeframes []models.Timeframe, from, to time.Time) ([]models.Candlestick, error)
	// Optimize compacts the stored data. Safe to call repeatedly.
	Optimize(ctx context.Context) error
	Close()
}

// Error wraps a failure of the storage engine.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
