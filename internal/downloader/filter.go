package downloader

import (
	"strings"

	"candleflow/models"
)

// Filter selects which instruments of a command are downloaded.
type Filter interface {
	Allow(sym *models.Symbol) bool
}

// AllowAll keeps every instrument.
type AllowAll struct{}

func (AllowAll) Allow(*models.Symbol) bool { return true }

// QuoteAsset keeps instruments quoted in the given asset, ignoring case.
type QuoteAsset string

func (q QuoteAsset) Allow(sym *models.Symbol) bool {
	return strings.EqualFold(sym.QuoteAsset(), string(q))
}

// FilterFunc adapts a plain function.
type FilterFunc func(sym *models.Symbol) bool

func (f FilterFunc) Allow(sym *models.Symbol) bool { return f(sym) }

func apply(filter Filter, symbols models.Symbols) models.Symbols {
	if filter == nil {
		filter = AllowAll{}
	}
	out := make(models.Symbols, 0, len(symbols))
	for _, s := range symbols {
		if s != nil && filter.Allow(s) {
			out = append(out, s)
		}
	}
	return out
}
