package downloader

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"candleflow/logger"
	"candleflow/models"
)

var epoch = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func page(sym *models.Symbol, tf models.Timeframe, from time.Time, n int) []models.Candlestick {
	bars := make([]models.Candlestick, n)
	for i := range bars {
		open := from.Add(time.Duration(i) * tf.Duration())
		bars[i] = models.Candlestick{
			Symbol:    sym,
			Timeframe: tf,
			OpenTime:  open,
			CloseTime: open.Add(tf.Duration() - time.Millisecond),
			Open:      1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
		}
	}
	return bars
}

// fakeFetcher serves pagesPer pages of size bars per symbol, then empty pages.
type fakeFetcher struct {
	pagesPer int
	size     int
	delay    time.Duration
	gate     chan struct{}
	failFor  map[string]error

	mu      sync.Mutex
	cursors map[string][]time.Time

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeFetcher) FetchPage(ctx context.Context, sym *models.Symbol, tf models.Timeframe, cursor time.Time) ([]models.Candlestick, models.FetchReport, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, models.FetchReport{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	if f.cursors == nil {
		f.cursors = map[string][]time.Time{}
	}
	f.cursors[sym.ShortName()] = append(f.cursors[sym.ShortName()], cursor)
	calls := len(f.cursors[sym.ShortName()])
	f.mu.Unlock()

	if err := f.failFor[sym.ShortName()]; err != nil {
		return nil, models.FetchReport{}, err
	}
	if calls > f.pagesPer {
		return nil, models.FetchReport{Latency: time.Millisecond}, nil
	}
	bars := page(sym, tf, cursor.Add(time.Millisecond), f.size)
	return bars, models.FetchReport{
		Latency:       time.Millisecond,
		Bars:          len(bars),
		LastCloseTime: bars[len(bars)-1].CloseTime,
	}, nil
}

func (f *fakeFetcher) calls(short string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cursors[short]...)
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.GetLogger().SetOutput(&buf)
	t.Cleanup(func() { logger.GetLogger().SetOutput(os.Stdout) })
	return &buf
}

func startDownloader(t *testing.T, f Fetcher, cfg Config) *Downloader {
	t.Helper()
	d := New(f, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return d
}

func drain(t *testing.T, b *Batches) [][]models.Candlestick {
	t.Helper()
	var out [][]models.Candlestick
	timeout := time.After(5 * time.Second)
	for {
		select {
		case batch, ok := <-b.C():
			if !ok {
				return out
			}
			out = append(out, batch)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func symbols(reg *models.Registry, pairs ...string) models.Symbols {
	out := models.Symbols{}
	for _, p := range pairs {
		parts := strings.Split(p, "/")
		out = append(out, reg.GetOrCreate(models.Binance, parts[0], parts[1]))
	}
	return out
}

func TestPaginationStopsOnEmptyPage(t *testing.T) {
	f := &fakeFetcher{pagesPer: 3, size: 5}
	d := startDownloader(t, f, Config{Concurrency: 2, Buffer: 10})
	reg := models.NewRegistry()

	out, err := d.Download(context.Background(), Command{
		Symbols:   symbols(reg, "BTC/USDT"),
		Timeframe: models.ThreeMinutes,
		StartTime: epoch,
		Filter:    AllowAll{},
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	batches := drain(t, out)
	if len(batches) != 3 || models.CountBars(batches) != 15 {
		t.Fatalf("expected 3 pages of 5 bars, got %d pages / %d bars", len(batches), models.CountBars(batches))
	}

	cursors := f.calls("BTCUSDT")
	if len(cursors) != 4 {
		t.Fatalf("expected 3 pages plus one terminal request, got %d requests", len(cursors))
	}
	if !cursors[0].Equal(epoch) {
		t.Fatalf("first request must start at the command start, got %v", cursors[0])
	}
	for i := 1; i < len(cursors); i++ {
		prev := batches[i-1]
		if !cursors[i].Equal(prev[len(prev)-1].CloseTime) {
			t.Fatalf("request %d cursor %v is not the previous page close time", i, cursors[i])
		}
	}
}

func TestBusyRejection(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{pagesPer: 1, size: 2, gate: gate}
	d := startDownloader(t, f, Config{Concurrency: 1, Buffer: 4})
	reg := models.NewRegistry()
	cmd := Command{Symbols: symbols(reg, "BTC/USDT"), Timeframe: models.OneMinute, StartTime: epoch}

	out, err := d.Download(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first download: %v", err)
	}
	if _, err := d.Download(context.Background(), cmd); !errors.Is(err, ErrBusy) || !errors.Is(err, models.ErrBusy) {
		t.Fatalf("expected busy rejection, got %v", err)
	}

	close(gate)
	if batches := drain(t, out); len(batches) != 1 {
		t.Fatalf("in-flight run was disturbed: %d batches", len(batches))
	}

	deadline := time.Now().Add(time.Second)
	for {
		next, err := d.Download(context.Background(), cmd)
		if err == nil {
			drain(t, next)
			return
		}
		if !errors.Is(err, ErrBusy) || time.Now().After(deadline) {
			t.Fatalf("worker did not return to ready: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrencyBound(t *testing.T) {
	f := &fakeFetcher{pagesPer: 1, size: 1, delay: 10 * time.Millisecond}
	d := startDownloader(t, f, Config{Concurrency: 3, Buffer: 32})
	reg := models.NewRegistry()

	out, err := d.Download(context.Background(), Command{
		Symbols:   symbols(reg, "A/USDT", "B/USDT", "C/USDT", "D/USDT", "E/USDT", "F/USDT", "G/USDT", "H/USDT"),
		Timeframe: models.OneMinute,
		StartTime: epoch,
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if batches := drain(t, out); len(batches) != 8 {
		t.Fatalf("expected one page per instrument, got %d", len(batches))
	}
	if got := f.maxInFlight.Load(); got > 3 || got < 2 {
		t.Fatalf("expected at most 3 concurrent paginators, observed %d", got)
	}
}

func TestFilterSelectsInstruments(t *testing.T) {
	f := &fakeFetcher{pagesPer: 1, size: 1}
	d := startDownloader(t, f, Config{Concurrency: 2, Buffer: 8})
	reg := models.NewRegistry()

	out, err := d.Download(context.Background(), Command{
		Symbols:   symbols(reg, "BTC/USDT", "ETH/BTC", "SOL/usdt"),
		Timeframe: models.OneMinute,
		StartTime: epoch,
		Filter:    QuoteAsset("USDT"),
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	drain(t, out)

	if len(f.calls("ETHBTC")) != 0 {
		t.Fatalf("filtered instrument was fetched")
	}
	if len(f.calls("BTCUSDT")) == 0 || len(f.calls("SOLUSDT")) == 0 {
		t.Fatalf("expected USDT instruments to be fetched")
	}
}

func TestPageErrorAbortsOnlyThatInstrument(t *testing.T) {
	f := &fakeFetcher{pagesPer: 2, size: 3, failFor: map[string]error{"ETHUSDT": errors.New("status 500")}}
	d := startDownloader(t, f, Config{Concurrency: 2, Buffer: 8})
	reg := models.NewRegistry()

	out, err := d.Download(context.Background(), Command{
		Symbols:   symbols(reg, "BTC/USDT", "ETH/USDT"),
		Timeframe: models.OneMinute,
		StartTime: epoch,
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	batches := drain(t, out)
	if len(batches) != 2 {
		t.Fatalf("expected sibling instrument pages to arrive, got %d", len(batches))
	}
	for _, b := range batches {
		if b[0].Symbol.ShortName() != "BTCUSDT" {
			t.Fatalf("unexpected batch for %s", b[0].Symbol)
		}
	}
	if len(f.calls("ETHUSDT")) != 1 {
		t.Fatalf("failed instrument must stop after the first error")
	}
}

func TestAbandonedReceiverAbortsProducers(t *testing.T) {
	buf := captureLogs(t)

	f := &fakeFetcher{pagesPer: 50, size: 1}
	d := startDownloader(t, f, Config{Concurrency: 2, Buffer: 1})
	reg := models.NewRegistry()

	out, err := d.Download(context.Background(), Command{
		Symbols:   symbols(reg, "BTC/USDT", "ETH/USDT"),
		Timeframe: models.OneMinute,
		StartTime: epoch,
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	out.Abandon()
	drain(t, out)

	if out.Stats().Aborted == 0 {
		t.Fatalf("expected producers to observe the abandoned receiver")
	}
	if len(f.calls("BTCUSDT")) >= 50 {
		t.Fatalf("producer kept paginating after the receiver left")
	}
	if !strings.Contains(buf.String(), "output receiver is gone") {
		t.Fatalf("expected an error log for the abandoned receiver")
	}
}

func TestBackpressureWarnsOnSlowConsumer(t *testing.T) {
	buf := captureLogs(t)

	f := &fakeFetcher{pagesPer: 9, size: 1}
	d := startDownloader(t, f, Config{Concurrency: 1, Buffer: 10})
	reg := models.NewRegistry()

	out, err := d.Download(context.Background(), Command{Symbols: symbols(reg, "BTC/USDT"), Timeframe: models.OneMinute, StartTime: epoch})
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for out.Len() < 9 {
		select {
		case <-deadline:
			t.Fatalf("buffer never filled, len=%d", out.Len())
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	drain(t, out)

	logs := buf.String()
	if !strings.Contains(logs, "output buffer below 50% free") {
		t.Fatalf("expected informational backpressure note")
	}
	if !strings.Contains(logs, "slow consumer") {
		t.Fatalf("expected slow consumer warning")
	}
}

func TestShutdownStopsLoop(t *testing.T) {
	d := startDownloader(t, &fakeFetcher{}, Config{Concurrency: 1, Buffer: 1})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	if _, err := d.Download(context.Background(), Command{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPacingDelay(t *testing.T) {
	cases := []struct {
		maxDelay time.Duration
		latency  time.Duration
		want     time.Duration
	}{
		{350 * time.Millisecond, 100 * time.Millisecond, 250 * time.Millisecond},
		{350 * time.Millisecond, 350 * time.Millisecond, 0},
		{350 * time.Millisecond, time.Second, 0},
		{0, 10 * time.Millisecond, 0},
	}
	for _, tc := range cases {
		if got := pacingDelay(tc.maxDelay, tc.latency); got != tc.want {
			t.Errorf("pacingDelay(%v, %v) = %v, want %v", tc.maxDelay, tc.latency, got, tc.want)
		}
	}
}

func TestPacingSpacesPages(t *testing.T) {
	f := &fakeFetcher{pagesPer: 3, size: 1}
	d := startDownloader(t, f, Config{Concurrency: 2, Buffer: 8, RateBudget: 10 * time.Millisecond})
	reg := models.NewRegistry()

	start := time.Now()
	out, err := d.Download(context.Background(), Command{Symbols: symbols(reg, "BTC/USDT"), Timeframe: models.OneMinute, StartTime: epoch})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	drain(t, out)

	// three forwarded pages, each followed by 20ms - 1ms of pacing
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected paced pagination, finished in %v", elapsed)
	}
}
