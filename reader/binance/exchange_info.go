package binance

import (
	"context"

	gobinance "github.com/adshao/go-binance/v2"

	"candleflow/logger"
	"candleflow/models"
)

const exchangeInfoPath = "/api/v3/exchangeInfo"

// FetchExchangeInfo downloads the spot catalog and remembers the request weight
// limit it advertises.
func (c *Client) FetchExchangeInfo(ctx context.Context) (*gobinance.ExchangeInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classifyAPIError(c.baseURL+exchangeInfoPath, err)
	}
	if limit := RequestWeightLimit(info); limit > 0 {
		c.weightLimit.Store(limit)
	}
	return info, nil
}

// FetchSymbols returns the catalog as canonical symbols interned in reg.
func (c *Client) FetchSymbols(ctx context.Context, reg *models.Registry) (models.Symbols, error) {
	info, err := c.FetchExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	symbols := ToSymbols(info, reg)
	c.log.WithComponent("binance_client").WithFields(logger.Fields{
		"listed":  len(info.Symbols),
		"symbols": len(symbols),
	}).Debug("exchange info fetched")
	return symbols, nil
}

// ToSymbols maps every listed pair onto a canonical symbol, dropping duplicates
// while keeping the listing order.
func ToSymbols(info *gobinance.ExchangeInfo, reg *models.Registry) models.Symbols {
	if info == nil {
		return models.Symbols{}
	}
	out := make(models.Symbols, 0, len(info.Symbols))
	seen := make(map[*models.Symbol]struct{}, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.BaseAsset == "" || s.QuoteAsset == "" {
			continue
		}
		sym := reg.GetOrCreate(models.Binance, s.BaseAsset, s.QuoteAsset)
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// RequestWeightLimit returns the REQUEST_WEIGHT per minute limit, or 0 when absent.
func RequestWeightLimit(info *gobinance.ExchangeInfo) int64 {
	if info == nil {
		return 0
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit
		}
	}
	return 0
}
