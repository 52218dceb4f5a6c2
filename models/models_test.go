package models

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryReturnsSameInstance(t *testing.T) {
	reg := NewRegistry()
	a := reg.GetOrCreate(Binance, "BTC", "USDT")
	b := reg.GetOrCreate(Binance, "BTC", "USDT")
	if a != b {
		t.Fatalf("expected identical pointers, got %p and %p", a, b)
	}
	if c := reg.GetOrCreate(Binance, "ETH", "USDT"); c == a {
		t.Fatalf("different keys must not share an instance")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 interned symbols, got %d", reg.Len())
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	reg := NewRegistry()
	const workers = 64

	results := make([]*Symbol, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = reg.GetOrCreate(Binance, "SOL", "USDT")
		}(i)
	}
	close(start)
	wg.Wait()

	for i, s := range results {
		if s != results[0] {
			t.Fatalf("worker %d observed a divergent instance", i)
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", reg.Len())
	}
}

func TestSymbolShortName(t *testing.T) {
	reg := NewRegistry()
	sym := reg.GetOrCreate(Binance, "btc", "usdt")
	if sym.ShortName() != "BTCUSDT" {
		t.Fatalf("unexpected short name %q", sym.ShortName())
	}
	if sym.String() != "Binance:btc/usdt" {
		t.Fatalf("unexpected string %q", sym.String())
	}
}

func TestSymbolsContainsByIdentity(t *testing.T) {
	reg := NewRegistry()
	btc := reg.GetOrCreate(Binance, "BTC", "USDT")
	snapshot := Symbols{btc}
	if !snapshot.Contains(reg.GetOrCreate(Binance, "BTC", "USDT")) {
		t.Fatalf("expected interned lookup to be found")
	}
	foreign := &Symbol{key: btc.Key()}
	if snapshot.Contains(foreign) {
		t.Fatalf("structurally equal but distinct pointer must not match")
	}
}

func TestTimeframeRoundTrip(t *testing.T) {
	all := AllTimeframes()
	if len(all) != 13 {
		t.Fatalf("expected 13 timeframes, got %d", len(all))
	}
	for _, tf := range all {
		parsed, err := ParseTimeframe(tf.String())
		if err != nil {
			t.Fatalf("parse %s: %v", tf, err)
		}
		if parsed != tf {
			t.Fatalf("round trip mismatch: %s -> %s", tf, parsed)
		}
	}
}

func TestTimeframeCodes(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"3m":  3 * time.Minute,
		"15m": 15 * time.Minute,
		"12h": 12 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for code, want := range cases {
		tf, err := ParseTimeframe(code)
		if err != nil {
			t.Fatalf("parse %s: %v", code, err)
		}
		if tf.Duration() != want {
			t.Errorf("%s: expected %v, got %v", code, want, tf.Duration())
		}
	}
	if _, err := ParseTimeframe("1w"); err == nil {
		t.Fatalf("expected error for unsupported code")
	}
}

func TestTimeframeText(t *testing.T) {
	var tf Timeframe
	if err := tf.UnmarshalText([]byte("4h")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tf != FourHours {
		t.Fatalf("expected FourHours, got %v", tf)
	}
	if _, err := Timeframe(99).MarshalText(); err == nil {
		t.Fatalf("expected error for out of range timeframe")
	}
}

func TestParseExchangeType(t *testing.T) {
	if ex, err := ParseExchangeType("Binance"); err != nil || ex != Binance {
		t.Fatalf("unexpected result %v %v", ex, err)
	}
	if _, err := ParseExchangeType("Kraken"); err == nil {
		t.Fatalf("expected error for unknown exchange")
	}
}
