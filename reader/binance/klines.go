package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candleflow/models"
)

const (
	klinesPath     = "/api/v3/klines"
	klineMinFields = 11
	maxErrorBody   = 4096
)

// KlinesRequest selects one page of bars. Zero times are omitted from the query.
type KlinesRequest struct {
	Symbol    *models.Symbol
	Timeframe models.Timeframe
	Limit     int
	Start     time.Time
	End       time.Time
}

// FetchPage requests one page starting at cursor with the configured page size.
func (c *Client) FetchPage(ctx context.Context, sym *models.Symbol, tf models.Timeframe, cursor time.Time) ([]models.Candlestick, models.FetchReport, error) {
	return c.FetchKlines(ctx, KlinesRequest{Symbol: sym, Timeframe: tf, Limit: c.pageLimit, Start: cursor})
}

// FetchKlines requests one page of klines. A malformed row fails the whole page.
func (c *Client) FetchKlines(ctx context.Context, req KlinesRequest) ([]models.Candlestick, models.FetchReport, error) {
	var report models.FetchReport
	if req.Symbol == nil {
		return nil, report, errors.New("klines request without symbol")
	}
	if err := c.wait(ctx); err != nil {
		return nil, report, err
	}

	reqURL := c.klinesURL(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, report, &TransportError{URL: reqURL, Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, report, &TransportError{URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	report.Latency = time.Since(start)
	if err != nil {
		return nil, report, &TransportError{URL: reqURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, report, &UnexpectedStatusError{Status: resp.StatusCode, URL: reqURL, Body: string(body)}
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, report, &UnexpectedContentError{URL: reqURL, Err: err}
	}

	bars := make([]models.Candlestick, 0, len(rows))
	for i, row := range rows {
		bar, err := parseKlineRow(i, row, req.Symbol, req.Timeframe)
		if err != nil {
			return nil, report, err
		}
		bars = append(bars, bar)
	}

	report.Bars = len(bars)
	if len(bars) > 0 {
		report.LastCloseTime = bars[len(bars)-1].CloseTime
	}
	return bars, report, nil
}

func (c *Client) klinesURL(req KlinesRequest) string {
	limit := req.Limit
	if limit <= 0 || limit > maxPageLimit {
		limit = c.pageLimit
	}
	q := url.Values{}
	q.Set("symbol", req.Symbol.ShortName())
	q.Set("interval", req.Timeframe.String())
	q.Set("limit", strconv.Itoa(limit))
	if !req.Start.IsZero() {
		q.Set("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
	}
	if !req.End.IsZero() {
		q.Set("endTime", strconv.FormatInt(req.End.UnixMilli(), 10))
	}
	return c.baseURL + klinesPath + "?" + q.Encode()
}

// parseKlineRow reads [open_time, open, high, low, close, volume, close_time, ...].
func parseKlineRow(index int, row []json.RawMessage, sym *models.Symbol, tf models.Timeframe) (models.Candlestick, error) {
	if len(row) < klineMinFields {
		return models.Candlestick{}, &RowParseError{Row: index, Err: fmt.Errorf("%w: got %d, want at least %d", errNotEnoughFields, len(row), klineMinFields)}
	}

	openMs, err := parseMillis(row[0])
	if err != nil {
		return models.Candlestick{}, &RowParseError{Row: index, Field: "open_time", Err: err}
	}
	closeMs, err := parseMillis(row[6])
	if err != nil {
		return models.Candlestick{}, &RowParseError{Row: index, Field: "close_time", Err: err}
	}

	names := [...]string{"open", "high", "low", "close", "volume"}
	var values [len(names)]float64
	for i, name := range names {
		v, err := parseFloat(row[i+1])
		if err != nil {
			return models.Candlestick{}, &RowParseError{Row: index, Field: name, Err: err}
		}
		values[i] = v
	}

	return models.Candlestick{
		Symbol:    sym,
		Timeframe: tf,
		OpenTime:  time.UnixMilli(openMs).UTC(),
		CloseTime: time.UnixMilli(closeMs).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

// parseFloat accepts a JSON number or a numeric string.
func parseFloat(raw json.RawMessage) (float64, error) {
	s, err := scalar(raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// parseMillis accepts a non-negative integer as a JSON number or string.
func parseMillis(raw json.RawMessage) (int64, error) {
	s, err := scalar(raw)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative timestamp %d", v)
	}
	return v, nil
}

func scalar(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw), nil
	default:
		return "", fmt.Errorf("unexpected value %s", raw)
	}
}
