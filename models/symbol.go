package models

import (
	"strings"
	"sync"
)

// SymbolKey is the natural key of an instrument.
type SymbolKey struct {
	Exchange   ExchangeType
	BaseAsset  string
	QuoteAsset string
}

// Symbol is an interned, immutable instrument. Obtain instances from a Registry so that
// two lookups of the same key return the same pointer.
type Symbol struct {
	key SymbolKey
}

func (s *Symbol) Key() SymbolKey { return s.key }
func (s *Symbol) Exchange() ExchangeType { return s.key.Exchange }
func (s *Symbol) BaseAsset() string { return s.key.BaseAsset }
func (s *Symbol) QuoteAsset() string { return s.key.QuoteAsset }

// ShortName is the exchange ticker, e.g. BTCUSDT.
func (s *Symbol) ShortName() string {
	return strings.ToUpper(s.key.BaseAsset + s.key.QuoteAsset)
}

func (s *Symbol) String() string {
	return s.key.Exchange.String() + ":" + s.key.BaseAsset + "/" + s.key.QuoteAsset
}

// Symbols is a catalog snapshot. Snapshots are shared between subscribers and must not be mutated.
type Symbols []*Symbol

// Contains reports whether sym (by identity) is part of the snapshot.
func (ss Symbols) Contains(sym *Symbol) bool {
	for _, s := range ss {
		if s == sym {
			return true
		}
	}
	return false
}

// Registry interns symbols. It is safe for concurrent use and never forgets an entry.
type Registry struct {
	symbols sync.Map // SymbolKey -> *Symbol
}

func NewRegistry() *Registry {
	return &Registry{}
}

// GetOrCreate returns the canonical symbol for the key, creating it on first use.
// Concurrent callers racing on a new key may each build a candidate, but LoadOrStore
// publishes exactly one and every caller gets that one back.
func (r *Registry) GetOrCreate(exchange ExchangeType, baseAsset, quoteAsset string) *Symbol {
	key := SymbolKey{Exchange: exchange, BaseAsset: baseAsset, QuoteAsset: quoteAsset}
	if v, ok := r.symbols.Load(key); ok {
		return v.(*Symbol)
	}
	v, _ := r.symbols.LoadOrStore(key, &Symbol{key: key})
	return v.(*Symbol)
}

// Len returns the number of interned symbols.
func (r *Registry) Len() int {
	n := 0
	r.symbols.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
