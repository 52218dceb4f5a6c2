package binancemetrics

import (
	"net/http"
	"testing"

	"candleflow/logger"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Limit{
		http.StatusOK:              NoLimit,
		http.StatusBadRequest:      NoLimit,
		http.StatusTooManyRequests: RateLimited,
		http.StatusTeapot:          IPBanned,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestReportLimit(t *testing.T) {
	events := collect(t)
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "30")

	if got := ReportLimit(logger.GetLogger(), resp, "binance_client", "/api/v3/klines"); got != RateLimited {
		t.Fatalf("expected rate limited, got %v", got)
	}
	m := <-events
	if m.Name != "rate_limit_exceeded" || m.Type != "counter" || m.Fields["retry_after"] != "30" {
		t.Fatalf("unexpected metric %+v", m)
	}

	resp = &http.Response{StatusCode: http.StatusTeapot, Header: http.Header{}}
	if got := ReportLimit(logger.GetLogger(), resp, "binance_client", "/api/v3/klines"); got != IPBanned {
		t.Fatalf("expected ip ban, got %v", got)
	}
	if m := <-events; m.Name != "ip_ban" {
		t.Fatalf("unexpected metric %+v", m)
	}
}

func TestReportLimitIgnoresOrdinaryResponses(t *testing.T) {
	events := collect(t)
	if got := ReportLimit(nil, &http.Response{StatusCode: http.StatusOK}, "binance_client", "/api/v3/time"); got != NoLimit {
		t.Fatalf("expected no limit, got %v", got)
	}
	if got := ReportLimit(nil, nil, "binance_client", "/api/v3/time"); got != NoLimit {
		t.Fatalf("expected no limit for nil response, got %v", got)
	}
	select {
	case m := <-events:
		t.Fatalf("unexpected metric %+v", m)
	default:
	}
}
