package sources

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/events"
	"github.com/mintwatch/backend/internal/httpclient"
)

const (
	defaultJupiterBaseURL = "https://lite-api.jup.ag"
	defaultJupiterPoll    = 30 * time.Second
	defaultJupiterLimit   = 30
)

// jupToken is one entry from the Jupiter new-token feed. created_at is
// unix seconds.
type jupToken struct {
	Mint         string   `json:"mint"`
	Name         string   `json:"name"`
	Symbol       string   `json:"symbol"`
	Decimals     int      `json:"decimals"`
	CreatedAt    int64    `json:"created_at"`
	KnownMarkets []string `json:"known_markets"`
	LogoURI      string   `json:"logo_uri"`
}

func (t jupToken) createdAt() time.Time {
	if t.CreatedAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.CreatedAt, 0)
}

// JupiterConfig tunes the Jupiter poller; zero fields use defaults.
type JupiterConfig struct {
	BaseURL      string
	PollInterval time.Duration
	Limit        int
	RecentCap    int

	RefillPerSecond float64
	MaxTokens       float64
}

// JupiterSource polls Jupiter's newly indexed token list. The feed carries
// no liquidity figures, so nothing is prefiltered here.
type JupiterSource struct {
	cfg  JupiterConfig
	http *httpclient.Client
	em   *emitter

	cutoff  time.Time
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewJupiterSource builds the poller. breakers may be nil.
func NewJupiterSource(cfg JupiterConfig, breakers *circuitbreaker.Manager, stream *events.Stream[core.PoolEvent]) *JupiterSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultJupiterBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultJupiterPoll
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultJupiterLimit
	}

	hc := httpclient.DefaultConfig("jupiter", cfg.BaseURL)
	hc.RefillPerSecond = 1
	hc.MaxTokens = 3
	// The next tick is the retry.
	hc.MaxRetries = 0
	if cfg.RefillPerSecond > 0 {
		hc.RefillPerSecond = cfg.RefillPerSecond
	}
	if cfg.MaxTokens > 0 {
		hc.MaxTokens = cfg.MaxTokens
	}

	return &JupiterSource{
		cfg:    cfg,
		http:   httpclient.New(hc, breakers),
		em:     newEmitter(string(core.SourceJupiter), stream, cfg.RecentCap, 0),
		stopCh: make(chan struct{}),
	}
}

func (s *JupiterSource) Name() string { return string(core.SourceJupiter) }

// Start begins polling, skipping tokens indexed before startup.
func (s *JupiterSource) Start(ctx context.Context) error {
	s.cutoff = time.Now().Add(-s.cfg.PollInterval)
	s.running.Store(true)
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the poll loop.
func (s *JupiterSource) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.running.Store(false)
}

func (s *JupiterSource) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *JupiterSource) poll(ctx context.Context) {
	tokens, err := httpclient.GetAs[[]jupToken](ctx, s.http, "/tokens/v1/new", &httpclient.RequestOptions{
		Query: url.Values{
			"limit":  []string{strconv.Itoa(s.cfg.Limit)},
			"offset": []string{"0"},
		},
		Validator: httpclient.IsArray(0),
	})
	if err != nil {
		s.em.errors.Add(1)
		slog.Warn("jupiter poll failed", "error", err)
		return
	}

	for _, token := range tokens {
		created := token.createdAt()
		if token.Mint == "" || created.Before(s.cutoff) {
			continue
		}

		pool := token.Mint
		if len(token.KnownMarkets) > 0 {
			pool = token.KnownMarkets[0]
		}
		s.em.emit(core.PoolEvent{
			PoolAddress:  pool,
			TokenMint:    token.Mint,
			BaseMint:     token.Mint,
			Source:       core.SourceJupiter,
			DiscoveredAt: created,
			TokenSymbol:  token.Symbol,
			TokenName:    token.Name,
		})
	}
}

func (s *JupiterSource) Stats() SourceStats {
	return s.em.stats(s.Name(), s.running.Load())
}
