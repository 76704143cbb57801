package main

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mintwatch/backend/internal/alerts"
	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/config"
	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/dexscreener"
	"github.com/mintwatch/backend/internal/enrich"
	"github.com/mintwatch/backend/internal/events"
	"github.com/mintwatch/backend/internal/httpclient"
	"github.com/mintwatch/backend/internal/infra"
	"github.com/mintwatch/backend/internal/monitoring"
	"github.com/mintwatch/backend/internal/outcomes"
	"github.com/mintwatch/backend/internal/queue"
	"github.com/mintwatch/backend/internal/ratelimit"
	"github.com/mintwatch/backend/internal/risk"
	"github.com/mintwatch/backend/internal/rugcheck"
	"github.com/mintwatch/backend/internal/server"
	"github.com/mintwatch/backend/internal/solana"
	"github.com/mintwatch/backend/internal/sources"
	"github.com/mintwatch/backend/internal/storage"
	"github.com/mintwatch/backend/internal/wallets"
)

const (
	gaugeRefresh    = 15 * time.Second
	walletFeedDepth = 256
)

// app owns every long-lived component and the plumbing between them. The
// packages stay decoupled; all cross-wiring lives here.
type app struct {
	cfg     *config.Config
	chatID  string
	filters alerts.FilterProvider

	breakers *circuitbreaker.Manager
	rpc      *solana.RPCClient
	ws       *solana.WSClient
	store    *storage.Store
	redis    *infra.RedisStore
	metrics  *monitoring.Metrics
	limiter  *ratelimit.Limiter
	market   *dexscreener.Client
	reports  *rugcheck.Client
	enricher *enrich.Enricher

	sources    *sources.Manager
	queue      *queue.AnalysisQueue
	tracker    *outcomes.Tracker
	dispatcher *alerts.Dispatcher
	hub        *server.Hub
	walletFeed *events.Stream[core.WalletActivity]
	wallets    *wallets.Monitor
	srv        *server.Server

	wg sync.WaitGroup
}

// outcomeHooks counts classified outcomes on their way to the database and
// turns a rug classification into a liquidity-drain alert.
type outcomeHooks struct {
	*storage.Store
	app *app
}

func (h outcomeHooks) SaveTokenOutcomeFinal(ctx context.Context, out *core.TokenOutcome) error {
	h.app.metrics.RecordOutcome(string(out.Outcome))
	if out.Outcome == core.OutcomeRug {
		h.app.dispatch(ctx, alerts.RugAlert(h.app.chatID, out))
	}
	return h.Store.SaveTokenOutcomeFinal(ctx, out)
}

// sinkWithMetrics counts failed deliveries per sink.
type sinkWithMetrics struct {
	alerts.Sink
	metrics *monitoring.Metrics
}

func (s sinkWithMetrics) Send(ctx context.Context, alert *core.Alert) alerts.SinkResult {
	res := s.Sink.Send(ctx, alert)
	if !res.Delivered {
		s.metrics.RecordSinkFailure(s.Name())
	}
	return res
}

// buildApp constructs the full pipeline from configuration. Nothing is
// started yet; Start order belongs to the caller.
func buildApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		chatID:   strconv.FormatInt(cfg.Telegram.ChatID, 10),
		breakers: circuitbreaker.NewManager(nil),
		metrics:  monitoring.NewMetrics(),
	}
	httpclient.SetObserver(a.metrics.RecordHTTPRequest)

	a.rpc = solana.NewRPCClient(solana.RPCConfig{
		Endpoint:             cfg.Solana.RPCURL,
		MaxRequestsPerMinute: cfg.Limits.MaxRequestsPerMinute,
	}, a.breakers)

	if a.wsNeeded() {
		a.ws = solana.NewWSClient(solana.WSConfig{URL: cfg.Solana.WSURL})
	}

	store, err := storage.Open(cfg.Storage.DBPath())
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Redis.Addr != "" {
		rs, err := infra.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis unavailable, dashboard runs memory-only", "error", err)
		} else {
			a.redis = rs
		}
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		TokenCooldown:    cfg.Alerts.TokenCooldown(),
		MaxAlertsPerHour: cfg.Alerts.MaxAlertsPerHour,
	})

	a.market = dexscreener.New(dexscreener.Config{}, a.breakers)
	a.reports = rugcheck.New(rugcheck.Config{}, a.breakers)
	a.enricher = enrich.New(enrich.Config{}, a.rpc, a.market, a.reports)

	a.sources = sources.NewManager(0)
	if cfg.Sources.RaydiumEnabled && a.ws != nil {
		a.sources.Register(sources.NewRaydiumSource(sources.RaydiumConfig{
			MinLiquidityUSD: cfg.Sources.MinLiquidityUSD,
		}, a.ws, a.rpc, a.sources.Stream()))
	}
	if cfg.Sources.PumpFunEnabled {
		a.sources.Register(sources.NewPumpFunSource(sources.PumpFunConfig{
			PollInterval:    cfg.Sources.PumpFunInterval(),
			MinLiquidityUSD: cfg.Sources.MinLiquidityUSD,
		}, a.breakers, a.sources.Stream()))
	}
	if cfg.Sources.JupiterEnabled {
		a.sources.Register(sources.NewJupiterSource(sources.JupiterConfig{
			PollInterval: cfg.Sources.JupiterInterval(),
		}, a.breakers, a.sources.Stream()))
	}

	a.tracker = outcomes.New(outcomes.Config{}, a.market,
		outcomeHooks{Store: a.store, app: a})

	a.hub = server.NewHub()

	mrs := cfg.Alerts.MinRiskScore
	minLiq := cfg.Sources.MinLiquidityUSD
	a.filters = func(string) alerts.FilterConfig {
		fc := alerts.DefaultFilterConfig(mrs)
		fc.MinLiquidityUSD = minLiq
		return fc
	}

	var dashStore alerts.DashboardStore
	if a.redis != nil {
		dashStore = a.redis
	}
	primary := alerts.Sink(alerts.NewTelegramSink(alerts.TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	}, a.breakers))
	storeSink := alerts.Sink(alerts.NewStoreSink(a.store))
	if cfg.Telegram.BotToken == "" {
		// No bot means the database write is the delivery that arms the
		// cooldown.
		primary, storeSink = storeSink, nil
		slog.Info("telegram not configured, database is the primary alert sink")
	}
	secondaries := []alerts.Sink{
		sinkWithMetrics{Sink: alerts.NewDashboardSink(alerts.DashboardConfig{}, dashStore), metrics: a.metrics},
		sinkWithMetrics{Sink: a.hub, metrics: a.metrics},
	}
	if storeSink != nil {
		secondaries = append([]alerts.Sink{sinkWithMetrics{Sink: storeSink, metrics: a.metrics}}, secondaries...)
	}
	a.dispatcher = alerts.NewDispatcher(a.filters, a.limiter,
		sinkWithMetrics{Sink: primary, metrics: a.metrics}, secondaries...)

	a.walletFeed = events.NewStream[core.WalletActivity]("wallet-activity", walletFeedDepth)
	var walletWS wallets.LogSubscriber
	if a.ws != nil {
		walletWS = a.ws
	}
	a.wallets = wallets.New(wallets.Config{
		Watchlist:    cfg.Watchlist,
		PollInterval: cfg.Wallets.PollInterval(),
	}, walletWS, a.rpc, a.walletFeed)

	a.queue = queue.New(queue.Config{ChatID: a.chatID}, a.limiter, a.processEvent)

	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil || port <= 0 {
		slog.Warn("invalid http port, using default", "port", cfg.Server.Port)
		port = 0
	}
	a.srv = server.New(server.Config{Port: port}, server.Deps{
		Store:   a.store,
		Hub:     a.hub,
		Checks:  a.healthChecks(),
		Status:  a.statusSnapshot,
		Tracked: a.tracker.Tracked,
	})

	return a, nil
}

// wsNeeded reports whether anything uses the WebSocket session: the Raydium
// log watcher or a non-empty wallet watchlist.
func (a *app) wsNeeded() bool {
	return a.cfg.Sources.RaydiumEnabled || len(a.cfg.Watchlist) > 0
}

// start launches every component. ctx cancellation begins shutdown; stop
// finishes it.
func (a *app) start(ctx context.Context) {
	if a.ws != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.ws.Run(ctx)
		}()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.Run(ctx)
	}()

	if err := a.tracker.Start(ctx); err != nil {
		slog.Warn("outcome tracker start", "error", err)
	}
	if err := a.wallets.Start(ctx); err != nil {
		slog.Warn("wallet monitor start", "error", err)
	}
	a.sources.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.queue.Run(ctx)
	}()

	a.wg.Add(3)
	go a.consumeDiscoveries(ctx)
	go a.consumeWalletActivity(ctx)
	go a.refreshGauges(ctx)
}

// stop tears the pipeline down in dependency order: sources first so the
// queue drains, queue before the stores it writes through.
func (a *app) stop() {
	a.sources.Stop()
	a.queue.Stop()
	a.wallets.Stop()
	a.walletFeed.Close()
	a.tracker.Stop()
	a.limiter.Stop()

	a.wg.Wait()

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("redis close", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("store close", "error", err)
	}
}

// processEvent is the per-pool analysis the queue workers run: enrich,
// classify, persist, alert, and hand the token to outcome monitoring.
func (a *app) processEvent(ctx context.Context, ev core.PoolEvent) error {
	started := time.Now()

	facts, err := a.enricher.Enrich(ctx, ev)
	if err != nil {
		a.metrics.RecordProviderError("solana-rpc")
		a.metrics.RecordAnalysis(string(ev.Source), time.Since(started).Seconds(), true)
		return err
	}

	verdict := risk.Classify(facts)
	a.metrics.RecordRiskScore(verdict.Score)

	if err := a.store.SaveAnalysis(ctx, ev, facts, &verdict); err != nil {
		slog.Warn("save analysis", "mint", ev.TokenMint, "error", err)
	}

	alert := alerts.NewTokenAlert(a.chatID, facts, &verdict)
	if a.dispatch(ctx, alert) {
		seed := outcomes.Seed{
			Mint:         ev.TokenMint,
			Symbol:       facts.TokenSymbol,
			Price:        facts.Market.PriceUSD,
			LiquidityUSD: facts.Liquidity.TotalLiquidityUSD,
			Holders:      facts.Holders.TotalHolders,
			RiskScore:    verdict.Score,
		}
		if err := a.tracker.Track(ctx, seed); err != nil {
			slog.Debug("track token", "mint", ev.TokenMint, "error", err)
		}
	}

	a.metrics.RecordAnalysis(string(ev.Source), time.Since(started).Seconds(), false)
	return nil
}

// dispatch runs the filter once for the suppression metric, then hands the
// alert to the dispatcher, which applies the same pure filter again.
func (a *app) dispatch(ctx context.Context, alert *core.Alert) bool {
	if ok, reason := alerts.ShouldAlert(alert, a.filters(alert.ChatID), time.Now()); !ok {
		a.metrics.RecordAlertSuppressed(reason)
		return false
	}
	if !a.dispatcher.Dispatch(ctx, alert) {
		return false
	}
	a.metrics.RecordAlertDispatched(string(alert.Category), alert.Priority.String())
	return true
}

// consumeDiscoveries moves pool events from the source fan-in into the
// analysis queue, recording each discovery on the way.
func (a *app) consumeDiscoveries(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.sources.Events():
			if !ok {
				return
			}
			a.metrics.RecordPoolDiscovered(string(ev.Source))
			if err := a.store.SavePoolDiscovery(ctx, ev); err != nil {
				slog.Warn("save discovery", "pool", ev.PoolAddress, "error", err)
			}
			if !a.queue.Enqueue(ev) {
				a.metrics.RecordPoolDropped(string(ev.Source), "duplicate")
			}
		}
	}
}

// consumeWalletActivity turns watched-wallet transactions into alerts.
func (a *app) consumeWalletActivity(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case act, ok := <-a.walletFeed.C():
			if !ok {
				return
			}
			a.metrics.RecordWalletActivity(string(act.Type))
			a.dispatch(ctx, alerts.WalletActivityAlert(a.chatID, a.wallets.Label(act.Wallet), act))
		}
	}
}

// refreshGauges keeps the level-style metrics current.
func (a *app) refreshGauges(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(gaugeRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.SetQueueDepth(a.queue.Size())
			a.metrics.SetTrackedTokens(a.tracker.Stats().Tracking)
			a.metrics.SetStreamClients(a.hub.ClientCount())
			for name, bs := range a.breakers.Stats() {
				a.metrics.SetBreakerState(name, bs.State.String())
			}
		}
	}
}

// healthChecks is what /health reports on. The RPC check reads breaker
// state rather than probing the node, so liveness probes stay cheap.
func (a *app) healthChecks() map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{
		"store": a.store.Ping,
		"rpc": func(context.Context) error {
			if !a.rpc.Healthy() {
				return core.Errorf(core.KindCircuitOpen, "circuit open")
			}
			return nil
		},
	}
	if a.ws != nil {
		checks["ws"] = func(context.Context) error {
			if !a.ws.Connected() {
				return core.Errorf(core.KindTransient, "disconnected")
			}
			return nil
		}
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	return checks
}

// statusSnapshot aggregates every component's counters for /status.
func (a *app) statusSnapshot() map[string]interface{} {
	s := map[string]interface{}{
		"sources":     a.sources.Stats(),
		"queue":       a.queue.Stats(),
		"enricher":    a.enricher.Stats(),
		"tracker":     a.tracker.Stats(),
		"dispatcher":  a.dispatcher.Stats(),
		"wallets":     a.wallets.Stats(),
		"limiter":     a.limiter.Stats(),
		"rpc":         a.rpc.Stats(),
		"dexscreener": a.market.Stats(),
		"rugcheck":    a.reports.Stats(),
	}
	if a.ws != nil {
		s["ws"] = a.ws.Stats()
	}
	return s
}
