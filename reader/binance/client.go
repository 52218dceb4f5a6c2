package binance

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"candleflow/config"
	binancemetrics "candleflow/internal/metrics/binance"
	"candleflow/logger"
)

const (
	defaultBaseURL   = "https://api.binance.com"
	defaultPageLimit = 1000
	maxPageLimit     = 1000
)

// Client talks to the Binance spot REST API. Catalog and server time go through
// go-binance; klines are fetched directly so rows can be validated field by field.
type Client struct {
	baseURL   string
	pageLimit int
	http      *http.Client
	api       *gobinance.Client
	limiter   *rate.Limiter
	log       *logger.Log

	// weightLimit is the REQUEST_WEIGHT per minute limit learned from exchangeInfo.
	weightLimit atomic.Int64
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is still wrapped to
// report used weight.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log *logger.Log) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(cfg config.BinanceConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		pageLimit: cfg.PageLimit,
		log:       logger.GetLogger(),
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.pageLimit <= 0 || c.pageLimit > maxPageLimit {
		c.pageLimit = defaultPageLimit
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c.http
	wrapped.Transport = &weightTransport{next: base, client: c}
	c.http = &wrapped

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c.api = gobinance.NewClient("", "")
	c.api.BaseURL = c.baseURL
	c.api.HTTPClient = c.http

	c.log.WithComponent("binance_client").WithFields(logger.Fields{
		"base_url":            c.baseURL,
		"page_limit":          c.pageLimit,
		"timeout":             cfg.Timeout,
		"requests_per_second": cfg.RequestsPerSecond,
	}).Info("binance client initialized")

	return c
}

// PageLimit is the number of bars requested per klines page.
func (c *Client) PageLimit() int {
	return c.pageLimit
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// weightTransport reports the used-weight headers and throttling status of every response.
type weightTransport struct {
	next   http.RoundTripper
	client *Client
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	logger.LogDuration(t.client.log.WithComponent("binance_client"), "api_request", time.Since(start), logger.Fields{
		"endpoint": req.URL.Path,
		"status":   resp.StatusCode,
	})
	binancemetrics.ReportUsedWeight(t.client.log, resp.Header, "binance_client", req.URL.Path, int(t.client.weightLimit.Load()))
	binancemetrics.ReportLimit(t.client.log, resp, "binance_client", req.URL.Path)
	return resp, nil
}
