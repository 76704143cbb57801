// Package httpclient provides the resilient outbound HTTP client used for
// every aggregator and third-party API call. Each named client owns a
// token-bucket rate limiter, a circuit breaker, a TTL response cache, and a
// retry policy with jittered exponential backoff.
//
// A request flows: cache lookup → breaker admission → rate-limit wait →
// HTTP attempt (retried on transient failures) → validation → transform →
// cache insert. The breaker records one outcome per logical request, not
// per attempt, so a call that succeeds on its third try counts as a single
// success.
//
//	client := httpclient.New(httpclient.DefaultConfig("dexscreener",
//	    "https://api.dexscreener.com"), breakers)
//
//	res, err := client.Get(ctx, "/latest/dex/tokens/"+mint, &httpclient.RequestOptions{
//	    Cache:     true,
//	    CacheTTL:  30 * time.Second,
//	    Validator: httpclient.HasFields("pairs"),
//	})
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/core"
)

// Responses larger than this are truncated rather than buffered unbounded.
const maxResponseBytes = 8 << 20

// ObserverFunc receives the duration of each request that reached the
// network, with outcome "ok" or "error". Cache hits and breaker
// rejections are not reported.
type ObserverFunc func(client string, seconds float64, outcome string)

var observer atomic.Value

// SetObserver installs a process-wide request observer, typically once at
// startup to feed request timings into the metrics registry. A nil fn
// removes the current observer.
func SetObserver(fn ObserverFunc) {
	observer.Store(fn)
}

func observeRequest(client string, seconds float64, outcome string) {
	if fn, _ := observer.Load().(ObserverFunc); fn != nil {
		fn(client, seconds, outcome)
	}
}

// Config holds per-client settings. Zero fields fall back to the
// DefaultConfig values.
type Config struct {
	// Name identifies the client in stats, logs, and its breaker
	Name string

	// BaseURL is prepended to every request path
	BaseURL string

	// Timeout bounds a single HTTP attempt (default 10s)
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff; RetryMaxDelay caps it
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// MaxTokens and RefillPerSecond configure the token bucket
	MaxTokens       float64
	RefillPerSecond float64

	// FailureThreshold consecutive failures trip the breaker, which stays
	// open for ResetTimeout before allowing a probe
	FailureThreshold uint32
	ResetTimeout     time.Duration

	// DefaultCacheTTL applies when RequestOptions.CacheTTL is zero
	DefaultCacheTTL time.Duration

	// Headers are set on every request
	Headers map[string]string

	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client
}

// DefaultConfig returns conservative settings suitable for public APIs.
func DefaultConfig(name, baseURL string) *Config {
	return &Config{
		Name:             name,
		BaseURL:          baseURL,
		Timeout:          10 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    8 * time.Second,
		MaxTokens:        10,
		RefillPerSecond:  1,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		DefaultCacheTTL:  time.Minute,
	}
}

// RequestOptions control caching, validation, and reshaping of one request.
type RequestOptions struct {
	// Cache enables the TTL cache for this request
	Cache bool

	// CacheKey overrides the default path+query key
	CacheKey string

	// CacheTTL overrides the client's default TTL
	CacheTTL time.Duration

	// Query is appended to the request URL
	Query url.Values

	// Validator rejects malformed payloads before they are cached
	Validator Validator

	// Transform reshapes the validated payload; its output is what gets
	// cached and returned
	Transform func(v interface{}) (interface{}, error)
}

// Result is a successful response. Cached reports whether it was served
// from the TTL cache without network I/O.
type Result struct {
	Data   interface{}
	Cached bool
}

// ClientStats is a point-in-time snapshot of one client's counters.
type ClientStats struct {
	Name            string  `json:"name"`
	Requests        uint64  `json:"requests"`
	Successes       uint64  `json:"successes"`
	Failures        uint64  `json:"failures"`
	Retries         uint64  `json:"retries"`
	CacheHits       uint64  `json:"cache_hits"`
	CircuitOpens    uint64  `json:"circuit_opens"`
	CacheEntries    int     `json:"cache_entries"`
	TokensAvailable float64 `json:"tokens_available"`
	BreakerState    string  `json:"breaker_state"`
}

// Client is one named outbound HTTP client. Safe for concurrent use.
type Client struct {
	cfg        *Config
	httpClient *http.Client
	bucket     *tokenBucket
	cache      *ttlCache
	breaker    *circuitbreaker.CircuitBreaker

	requests     atomic.Uint64
	successes    atomic.Uint64
	failures     atomic.Uint64
	retries      atomic.Uint64
	cacheHits    atomic.Uint64
	circuitOpens atomic.Uint64
}

// New creates a client. When breakers is non-nil the client's breaker is
// registered there so the ops surface can report it.
func New(cfg *Config, breakers *circuitbreaker.Manager) *Client {
	if cfg == nil {
		cfg = DefaultConfig("default", "")
	}
	defaults := DefaultConfig(cfg.Name, cfg.BaseURL)
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.RefillPerSecond == 0 {
		cfg.RefillPerSecond = defaults.RefillPerSecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = defaults.ResetTimeout
	}
	if cfg.DefaultCacheTTL == 0 {
		cfg.DefaultCacheTTL = defaults.DefaultCacheTTL
	}

	breakerCfg := &circuitbreaker.Config{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			slog.Warn("http client breaker state change",
				slog.String("client", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	var breaker *circuitbreaker.CircuitBreaker
	if breakers != nil {
		breaker = breakers.GetOrCreate(cfg.Name, breakerCfg)
	} else {
		breaker = circuitbreaker.New(breakerCfg)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		bucket:     newTokenBucket(cfg.MaxTokens, cfg.RefillPerSecond),
		cache:      newTTLCache(),
		breaker:    breaker,
	}
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Get issues a rate-limited, breaker-guarded GET. A fresh cache entry
// short-circuits everything else.
func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions) (*Result, error) {
	return c.execute(ctx, http.MethodGet, path, nil, opts)
}

// Post issues a rate-limited, breaker-guarded POST with a JSON body.
// Responses are cached only under an explicit CacheKey, since the path
// alone does not identify a POST payload.
func (c *Client) Post(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*Result, error) {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, core.WithKind(core.KindValidation, fmt.Errorf("encode request %s: %w", path, err))
		}
		payload = raw
	}
	return c.execute(ctx, http.MethodPost, path, payload, opts)
}

func (c *Client) execute(ctx context.Context, method, path string, payload []byte, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	c.requests.Add(1)

	cacheable := opts.Cache && (method == http.MethodGet || opts.CacheKey != "")
	key := c.cacheKeyFor(path, opts)
	if cacheable {
		if v, ok := c.cache.Get(key); ok {
			c.cacheHits.Add(1)
			return &Result{Data: v, Cached: true}, nil
		}
	}

	gen, err := c.breaker.Begin()
	if err != nil {
		c.circuitOpens.Add(1)
		c.failures.Add(1)
		return nil, core.WithKind(core.KindCircuitOpen, fmt.Errorf("client %s: %w", c.cfg.Name, err))
	}

	start := time.Now()
	data, err := c.attemptWithRetries(ctx, method, path, payload, opts.Query)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observeRequest(c.cfg.Name, time.Since(start).Seconds(), outcome)
	if err != nil {
		c.breaker.End(gen, false)
		c.failures.Add(1)
		return nil, err
	}

	if opts.Validator != nil {
		if name := opts.Validator(data); name != "" {
			c.breaker.End(gen, false)
			c.failures.Add(1)
			return nil, core.Errorf(core.KindValidation, "validation-failed:%s", name)
		}
	}

	if opts.Transform != nil {
		transformed, terr := opts.Transform(data)
		if terr != nil {
			c.breaker.End(gen, false)
			c.failures.Add(1)
			return nil, core.WithKind(core.KindValidation, fmt.Errorf("transform response: %w", terr))
		}
		data = transformed
	}

	if cacheable {
		ttl := opts.CacheTTL
		if ttl == 0 {
			ttl = c.cfg.DefaultCacheTTL
		}
		c.cache.Set(key, data, ttl)
	}

	c.breaker.End(gen, true)
	c.successes.Add(1)
	return &Result{Data: data}, nil
}

// GetAs issues a GET and decodes the validated payload into T.
func GetAs[T any](ctx context.Context, c *Client, path string, opts *RequestOptions) (T, error) {
	res, err := c.Get(ctx, path, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](res.Data)
}

// PostAs issues a POST and decodes the validated payload into T.
func PostAs[T any](ctx context.Context, c *Client, path string, body interface{}, opts *RequestOptions) (T, error) {
	res, err := c.Post(ctx, path, body, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeAs[T](res.Data)
}

func decodeAs[T any](data interface{}) (T, error) {
	var zero T
	if v, ok := data.(T); ok {
		return v, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return zero, core.WithKind(core.KindValidation, fmt.Errorf("encode response: %w", err))
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, core.WithKind(core.KindValidation, fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// ResetCircuit forces the breaker closed.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

// IsHealthy reports whether the breaker would currently admit a request.
func (c *Client) IsHealthy() bool {
	return c.breaker.Allow() == nil
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Name:            c.cfg.Name,
		Requests:        c.requests.Load(),
		Successes:       c.successes.Load(),
		Failures:        c.failures.Load(),
		Retries:         c.retries.Load(),
		CacheHits:       c.cacheHits.Load(),
		CircuitOpens:    c.circuitOpens.Load(),
		CacheEntries:    c.cache.Len(),
		TokensAvailable: c.bucket.Available(),
		BreakerState:    c.breaker.State().String(),
	}
}

// attemptWithRetries runs HTTP attempts until one succeeds, a
// non-retryable error occurs, or the retry budget is spent. Each attempt
// consumes its own rate-limit token.
func (c *Client) attemptWithRetries(ctx context.Context, method, path string, payload []byte, query url.Values) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			delay := c.backoffDelay(attempt - 1)
			slog.Debug("retrying request",
				slog.String("client", c.cfg.Name),
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, core.WithKind(core.KindTransient, ctx.Err())
			}
		}

		if err := c.bucket.Wait(ctx); err != nil {
			return nil, fmt.Errorf("client %s rate limit: %w", c.cfg.Name, err)
		}

		data, err := c.doRequest(ctx, method, path, payload, query)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

// doRequest performs exactly one HTTP attempt and decodes the JSON body.
func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte, query url.Values) (interface{}, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, core.WithKind(core.KindValidation, fmt.Errorf("build request %s: %w", path, err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.WithKind(core.KindTransient, fmt.Errorf("request %s: %w", path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.Errorf(core.KindRateLimited, "request %s: status %d", path, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, core.Errorf(core.KindTransient, "request %s: status %d", path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, core.Errorf(core.KindNotFound, "request %s: status %d", path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, core.Errorf(core.KindValidation, "request %s: status %d", path, resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, core.WithKind(core.KindTransient, fmt.Errorf("read response %s: %w", path, err))
	}

	var decoded interface{}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, core.WithKind(core.KindValidation, fmt.Errorf("decode response %s: %w", path, err))
	}
	return decoded, nil
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt))
	if ceil := float64(c.cfg.RetryMaxDelay); d > ceil {
		d = ceil
	}
	// ±20% jitter
	d += (rand.Float64()*0.4 - 0.2) * d
	return time.Duration(d)
}

func (c *Client) cacheKeyFor(path string, opts *RequestOptions) string {
	if opts.CacheKey != "" {
		return opts.CacheKey
	}
	if len(opts.Query) > 0 {
		return path + "?" + opts.Query.Encode()
	}
	return path
}
