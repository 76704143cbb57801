package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/backend/internal/core"
)

// fast settings so breaker and retry tests finish quickly
func fastConfig(name, baseURL string) *Config {
	cfg := DefaultConfig(name, baseURL)
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.MaxTokens = 1000
	cfg.RefillPerSecond = 1000
	cfg.ResetTimeout = 30 * time.Millisecond
	return cfg
}

// ============================================================================
// BASIC REQUESTS
// ============================================================================

func TestGetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BONK","price":1.5}`))
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)
	res, err := c.Get(context.Background(), "/tokens/abc", nil)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	m := res.Data.(map[string]interface{})
	assert.Equal(t, "BONK", m["symbol"])
	assert.Equal(t, 1.5, m["price"])
}

func TestGetAsDecodesIntoStruct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"WIF","supply":100}`))
	}))
	defer srv.Close()

	type tokenInfo struct {
		Symbol string  `json:"symbol"`
		Supply float64 `json:"supply"`
	}

	c := New(fastConfig("test", srv.URL), nil)
	info, err := GetAs[tokenInfo](context.Background(), c, "/info", nil)
	require.NoError(t, err)
	assert.Equal(t, "WIF", info.Symbol)
	assert.Equal(t, float64(100), info.Supply)
}

func TestGetQueryAndHeaders(t *testing.T) {
	var gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.Headers = map[string]string{"X-Api-Key": "k123"}
	c := New(cfg, nil)

	_, err := c.Get(context.Background(), "/search", &RequestOptions{
		Query: map[string][]string{"q": {"bonk"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "q=bonk", gotQuery)
	assert.Equal(t, "k123", gotHeader)
}

// ============================================================================
// CACHING
// ============================================================================

func TestCacheHitSkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)
	opts := &RequestOptions{Cache: true, CacheTTL: time.Minute}

	first, err := c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Data, second.Data)

	assert.Equal(t, int64(1), hits.Load())
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, uint64(2), stats.Requests)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)
	opts := &RequestOptions{Cache: true, CacheTTL: 15 * time.Millisecond}

	_, err := c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	res, err := c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int64(2), hits.Load())
}

func TestClearCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)
	opts := &RequestOptions{Cache: true, CacheTTL: time.Minute}

	c.Get(context.Background(), "/x", opts)
	c.ClearCache()
	c.Get(context.Background(), "/x", opts)
	assert.Equal(t, int64(2), hits.Load())
}

func TestErrorsAreNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)
	opts := &RequestOptions{Cache: true, CacheTTL: time.Minute}

	_, err := c.Get(context.Background(), "/x", opts)
	require.Error(t, err)
	_, err = c.Get(context.Background(), "/x", opts)
	require.Error(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

// ============================================================================
// RETRIES
// ============================================================================

func TestRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.MaxRetries = 3
	c := New(cfg, nil)

	res, err := c.Get(context.Background(), "/flaky", nil)
	require.NoError(t, err)
	assert.NotNil(t, res.Data)
	assert.Equal(t, int64(3), hits.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(1), stats.Successes)
	assert.Equal(t, uint64(0), stats.Failures)
}

func TestRetriesOn429(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.MaxRetries = 2
	c := New(cfg, nil)

	_, err := c.Get(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.MaxRetries = 3
	c := New(cfg, nil)

	_, err := c.Get(context.Background(), "/bad", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, uint64(0), c.Stats().Retries)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.MaxRetries = 3
	c := New(cfg, nil)

	_, err := c.Get(context.Background(), "/missing", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
	assert.Equal(t, int64(1), hits.Load())
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

func TestBreakerOpensAfterConsecutiveFailuresThenRecovers(t *testing.T) {
	var hits atomic.Int64
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)

	for i := 0; i < 5; i++ {
		_, err := c.Get(context.Background(), "/x", nil)
		require.Error(t, err)
	}
	require.Equal(t, int64(5), hits.Load())
	assert.False(t, c.IsHealthy())

	// Open breaker fails fast without network I/O
	_, err := c.Get(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindCircuitOpen, core.KindOf(err))
	assert.Equal(t, int64(5), hits.Load())
	assert.Equal(t, uint64(1), c.Stats().CircuitOpens)

	// After the reset timeout a probe is admitted; success closes the breaker
	healthy.Store(true)
	time.Sleep(40 * time.Millisecond)

	_, err = c.Get(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.True(t, c.IsHealthy())
	assert.Equal(t, "CLOSED", c.Stats().BreakerState)
}

func TestResetCircuitForcesClosed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.ResetTimeout = time.Hour
	c := New(cfg, nil)

	for i := 0; i < 5; i++ {
		c.Get(context.Background(), "/x", nil)
	}
	_, err := c.Get(context.Background(), "/x", nil)
	assert.Equal(t, core.KindCircuitOpen, core.KindOf(err))

	c.ResetCircuit()
	c.Get(context.Background(), "/x", nil)
	assert.Equal(t, int64(6), hits.Load())
}

func TestCacheServedWhileBreakerOpen(t *testing.T) {
	var hits atomic.Int64
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.ResetTimeout = time.Hour
	c := New(cfg, nil)

	opts := &RequestOptions{Cache: true, CacheTTL: time.Minute}
	_, err := c.Get(context.Background(), "/cached", opts)
	require.NoError(t, err)

	failing.Store(true)
	for i := 0; i < 5; i++ {
		c.Get(context.Background(), "/other", nil)
	}
	require.False(t, c.IsHealthy())

	res, err := c.Get(context.Background(), "/cached", opts)
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

// ============================================================================
// VALIDATION & TRANSFORM
// ============================================================================

func TestValidatorRejectionSurfacesNamedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tokens":[]}`))
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)
	_, err := c.Get(context.Background(), "/x", &RequestOptions{
		Validator: HasFields("pairs"),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Contains(t, err.Error(), "validation-failed:has_fields:pairs")
}

func TestTransformOutputIsCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"pairs":[{"priceUsd":"0.5"}]}`))
	}))
	defer srv.Close()

	c := New(fastConfig("test", srv.URL), nil)
	opts := &RequestOptions{
		Cache:     true,
		CacheTTL:  time.Minute,
		Validator: ArrayField("pairs", 1),
		Transform: func(v interface{}) (interface{}, error) {
			pairs := v.(map[string]interface{})["pairs"].([]interface{})
			return pairs[0], nil
		},
	}

	first, err := c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)
	assert.Equal(t, "0.5", first.Data.(map[string]interface{})["priceUsd"])

	second, err := c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int64(1), hits.Load())
}

// ============================================================================
// RATE LIMITING
// ============================================================================

func TestRateLimitStarvationSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastConfig("test", srv.URL)
	cfg.MaxTokens = 1
	cfg.RefillPerSecond = 0.001
	c := New(cfg, nil)

	_, err := c.Get(context.Background(), "/x", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "/x", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
}

// ============================================================================
// POST
// ============================================================================

func TestPostSendsJSONBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"jsonrpc":"2.0","result":42,"id":1}`))
	}))
	defer srv.Close()

	c := New(fastConfig("rpc", srv.URL), nil)
	body := map[string]interface{}{"jsonrpc": "2.0", "method": "getSlot", "id": 1}
	res, err := c.Post(context.Background(), "/", body, nil)
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"getSlot","id":1}`, string(gotBody))
	m := res.Data.(map[string]interface{})
	assert.Equal(t, float64(42), m["result"])
}

func TestPostAsDecodesIntoStruct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"slot":123}}`))
	}))
	defer srv.Close()

	type envelope struct {
		Result struct {
			Slot uint64 `json:"slot"`
		} `json:"result"`
	}

	c := New(fastConfig("rpc", srv.URL), nil)
	env, err := PostAs[envelope](context.Background(), c, "/", map[string]string{"method": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), env.Result.Slot)
}

func TestPostCachesOnlyWithExplicitKey(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(fastConfig("rpc", srv.URL), nil)

	// Without a key, POSTs always hit the network.
	opts := &RequestOptions{Cache: true, CacheTTL: time.Hour}
	c.Post(context.Background(), "/", nil, opts)
	c.Post(context.Background(), "/", nil, opts)
	assert.Equal(t, int64(2), hits.Load())

	keyed := &RequestOptions{Cache: true, CacheTTL: time.Hour, CacheKey: "tx:sig1"}
	c.Post(context.Background(), "/", nil, keyed)
	res, err := c.Post(context.Background(), "/", nil, keyed)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, int64(3), hits.Load())
}

// ============================================================================
// OBSERVER
// ============================================================================

func TestObserverReportsNetworkRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	type observation struct {
		client  string
		outcome string
	}
	var mu sync.Mutex
	var seen []observation
	SetObserver(func(client string, seconds float64, outcome string) {
		mu.Lock()
		seen = append(seen, observation{client, outcome})
		mu.Unlock()
	})
	defer SetObserver(nil)

	c := New(fastConfig("obs", srv.URL), nil)
	opts := &RequestOptions{Cache: true, CacheTTL: time.Minute}

	_, err := c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)

	// Cache hits never reach the network, so the observer stays quiet.
	_, err = c.Get(context.Background(), "/x", opts)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "/bad", nil)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, observation{"obs", "ok"}, seen[0])
	assert.Equal(t, observation{"obs", "error"}, seen[1])
}

func BenchmarkCacheHit(b *testing.B) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	c := New(fastConfig("bench", srv.URL), nil)
	opts := &RequestOptions{Cache: true, CacheTTL: time.Hour}
	c.Get(context.Background(), "/x", opts)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(context.Background(), "/x", opts)
	}
}
