package storage

import (
	"fmt"
	"time"

	"candleflow/models"
)

// row is the persisted shape of a candlestick.
type row struct {
	Exchange   string
	BaseAsset  string
	QuoteAsset string
	Timeframe  string
	OpenTime   time.Time
	CloseTime  time.Time
	Open       float64
	Close      float64
	Low        float64
	High       float64
	Volume     float64
}

// toStorageTime drops sub-second precision and normalises to UTC.
func toStorageTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func encodeRow(c models.Candlestick) row {
	return row{
		Exchange:   c.Symbol.Exchange().String(),
		BaseAsset:  c.Symbol.BaseAsset(),
		QuoteAsset: c.Symbol.QuoteAsset(),
		Timeframe:  c.Timeframe.String(),
		OpenTime:   toStorageTime(c.OpenTime),
		CloseTime:  toStorageTime(c.CloseTime),
		Open:       c.Open,
		Close:      c.Close,
		Low:        c.Low,
		High:       c.High,
		Volume:     c.Volume,
	}
}

// decodeRow resolves the symbol through reg so decoded bars share canonical instances.
func decodeRow(r row, reg *models.Registry) (models.Candlestick, error) {
	exchange, err := models.ParseExchangeType(r.Exchange)
	if err != nil {
		return models.Candlestick{}, err
	}
	tf, err := models.ParseTimeframe(r.Timeframe)
	if err != nil {
		return models.Candlestick{}, err
	}
	if r.BaseAsset == "" || r.QuoteAsset == "" {
		return models.Candlestick{}, fmt.Errorf("row without assets: %q/%q", r.BaseAsset, r.QuoteAsset)
	}
	return models.Candlestick{
		Symbol:    reg.GetOrCreate(exchange, r.BaseAsset, r.QuoteAsset),
		Timeframe: tf,
		OpenTime:  toStorageTime(r.OpenTime),
		CloseTime: toStorageTime(r.CloseTime),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}, nil
}

func (r row) args() []any {
	return []any{
		r.Exchange, r.BaseAsset, r.QuoteAsset, r.Timeframe,
		r.OpenTime, r.CloseTime,
		r.Open, r.Close, r.Low, r.High, r.Volume,
	}
}

func (r *row) scanTargets() []any {
	return []any{
		&r.Exchange, &r.BaseAsset, &r.QuoteAsset, &r.Timeframe,
		&r.OpenTime, &r.CloseTime,
		&r.Open, &r.Close, &r.Low, &r.High, &r.Volume,
	}
}
