// Package wallets watches a configured set of wallet addresses and turns
// their on-chain transactions into classified activity events. Detection
// runs over WebSocket log subscriptions when a session is available, with a
// signature poll as fallback; a shared processed set keeps the two paths
// from double-reporting.
package wallets

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/events"
	"github.com/mintwatch/backend/internal/solana"
)

const (
	defaultPollInterval   = time.Minute
	defaultFetchTimeout   = 10 * time.Second
	defaultSignatureLimit = 10
	defaultProcessedCap   = 4096
	walletQueueSize       = 256

	lamportsPerSOL = 1e9
)

// LogSubscriber registers log listeners on an already managed WebSocket
// session. The connection lifecycle belongs to the caller.
type LogSubscriber interface {
	OnLogs(mention string, cb func(solana.LogsEvent)) uint64
	RemoveOnLogsListener(id uint64)
}

// ChainReader is the RPC surface the monitor needs.
type ChainReader interface {
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]solana.SignatureInfo, error)
	GetParsedTransaction(ctx context.Context, signature string) (*solana.ParsedTransaction, error)
}

// Config tunes the monitor; zero fields use defaults.
type Config struct {
	// Watchlist maps a display label to the wallet address it follows.
	Watchlist map[string]string

	PollInterval   time.Duration
	FetchTimeout   time.Duration
	SignatureLimit int
	ProcessedCap   int

	// DEXPrograms are the program ids whose presence in a transaction marks
	// it as a trade rather than a plain transfer.
	DEXPrograms []string
}

// Monitor follows the watchlist and publishes one WalletActivity per
// classified transaction.
type Monitor struct {
	cfg    Config
	ws     LogSubscriber
	chain  ChainReader
	stream *events.Stream[core.WalletActivity]

	labels    map[string]string
	dex       map[string]struct{}
	processed *seenSet

	sigCh  chan walletSig
	subIDs []uint64
	cutoff time.Time

	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	running atomic.Bool

	observed atomic.Uint64
	emitted  atomic.Uint64
	skipped  atomic.Uint64
	errors   atomic.Uint64
}

type walletSig struct {
	wallet    string
	signature string
}

// New builds a monitor. ws may be nil, leaving the poll path on its own.
func New(cfg Config, ws LogSubscriber, chain ChainReader, stream *events.Stream[core.WalletActivity]) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.SignatureLimit <= 0 {
		cfg.SignatureLimit = defaultSignatureLimit
	}
	if cfg.ProcessedCap <= 0 {
		cfg.ProcessedCap = defaultProcessedCap
	}
	if len(cfg.DEXPrograms) == 0 {
		cfg.DEXPrograms = []string{
			solana.RaydiumAMMProgramID,
			solana.PumpFunProgramID,
			solana.JupiterProgramID,
		}
	}

	labels := make(map[string]string, len(cfg.Watchlist))
	for label, addr := range cfg.Watchlist {
		if addr != "" {
			labels[addr] = label
		}
	}
	dex := make(map[string]struct{}, len(cfg.DEXPrograms))
	for _, id := range cfg.DEXPrograms {
		dex[id] = struct{}{}
	}

	return &Monitor{
		cfg:       cfg,
		ws:        ws,
		chain:     chain,
		stream:    stream,
		labels:    labels,
		dex:       dex,
		processed: newSeenSet(cfg.ProcessedCap),
		sigCh:     make(chan walletSig, walletQueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Label returns the watchlist label for an address.
func (m *Monitor) Label(address string) string {
	return m.labels[address]
}

// Watching returns the watched addresses.
func (m *Monitor) Watching() []string {
	out := make([]string, 0, len(m.labels))
	for addr := range m.labels {
		out = append(out, addr)
	}
	return out
}

// Start subscribes to each watched address and launches the resolver and
// the fallback poller. Signatures confirmed before startup are ignored.
func (m *Monitor) Start(ctx context.Context) error {
	if len(m.labels) == 0 {
		slog.Info("wallet monitor idle, watchlist empty")
		return nil
	}
	m.cutoff = time.Now().Add(-m.cfg.PollInterval)
	m.running.Store(true)

	m.wg.Add(2)
	go m.resolver(ctx)
	go m.pollLoop(ctx)

	if m.ws != nil {
		for addr := range m.labels {
			m.subIDs = append(m.subIDs, m.ws.OnLogs(addr, m.logHandler(addr)))
		}
	}
	slog.Info("wallet monitor started",
		"wallets", len(m.labels),
		"subscribed", m.ws != nil)
	return nil
}

// Stop removes subscriptions and drains the workers.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	if m.ws != nil {
		for _, id := range m.subIDs {
			m.ws.RemoveOnLogsListener(id)
		}
	}
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// logHandler runs on the WebSocket read loop and must not block.
func (m *Monitor) logHandler(wallet string) func(solana.LogsEvent) {
	return func(ev solana.LogsEvent) {
		if ev.Failed() || ev.Signature == "" {
			return
		}
		m.enqueue(wallet, ev.Signature)
	}
}

func (m *Monitor) enqueue(wallet, signature string) {
	select {
	case m.sigCh <- walletSig{wallet: wallet, signature: signature}:
	case <-m.stopCh:
	default:
		m.errors.Add(1)
		slog.Warn("wallet signature queue full, dropping",
			"wallet", wallet,
			"signature", signature)
	}
}

func (m *Monitor) resolver(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ws := <-m.sigCh:
			m.process(ctx, ws.wallet, ws.signature)
		}
	}
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce sweeps every watched address for recent signatures. It backstops
// the subscription path across WebSocket reconnects.
func (m *Monitor) pollOnce(ctx context.Context) {
	for addr := range m.labels {
		sigs, err := m.chain.GetSignaturesForAddress(ctx, addr, m.cfg.SignatureLimit)
		if err != nil {
			m.errors.Add(1)
			slog.Warn("wallet signature poll failed", "wallet", addr, "error", err)
			continue
		}
		for _, sig := range sigs {
			if sig.Err != nil || sig.Signature == "" {
				continue
			}
			if sig.BlockTime != nil && time.Unix(*sig.BlockTime, 0).Before(m.cutoff) {
				continue
			}
			m.enqueue(addr, sig.Signature)
		}
	}
}

// process handles one signature at most once across both detection paths.
func (m *Monitor) process(ctx context.Context, wallet, signature string) {
	if m.processed.Seen(signature) {
		return
	}
	m.observed.Add(1)

	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	tx, err := m.chain.GetParsedTransaction(fctx, signature)
	if err != nil {
		m.errors.Add(1)
		slog.Warn("wallet transaction fetch failed",
			"signature", signature,
			"error", err)
		return
	}

	act, ok := m.classify(tx, wallet, signature)
	if !ok {
		m.skipped.Add(1)
		return
	}

	m.emitted.Add(1)
	if m.stream != nil {
		m.stream.Publish(act)
	}
	slog.Info("wallet activity",
		"wallet", m.Label(wallet),
		"type", act.Type,
		"mint", act.TokenMint,
		"amount", act.Amount,
		"sol", act.SolAmount)
}

// classify reconstructs what the wallet did from its balance deltas. A DEX
// instruction plus a token delta is a trade; a token delta alone is a
// transfer; no token movement at all is ignored.
func (m *Monitor) classify(tx *solana.ParsedTransaction, wallet, signature string) (core.WalletActivity, bool) {
	if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
		return core.WalletActivity{}, false
	}

	mint, tokenDelta := dominantTokenDelta(tx.Meta, wallet)
	if mint == "" {
		return core.WalletActivity{}, false
	}

	kind := core.ActivityTransfer
	if m.touchesDEX(tx) {
		if tokenDelta > 0 {
			kind = core.ActivityBuy
		} else {
			kind = core.ActivitySell
		}
	}

	ts := tx.Time()
	if ts.IsZero() {
		ts = time.Now()
	}
	return core.WalletActivity{
		Wallet:    wallet,
		Signature: signature,
		Type:      kind,
		TokenMint: mint,
		Amount:    math.Abs(tokenDelta),
		SolAmount: solMoved(tx, wallet),
		Timestamp: ts,
	}, true
}

func (m *Monitor) touchesDEX(tx *solana.ParsedTransaction) bool {
	for _, raw := range tx.Transaction.Message.Instructions {
		var inst struct {
			ProgramID string `json:"programId"`
		}
		if err := json.Unmarshal(raw, &inst); err != nil {
			continue
		}
		if _, ok := m.dex[inst.ProgramID]; ok {
			return true
		}
	}
	return false
}

// dominantTokenDelta returns the mint whose balance moved the most for the
// wallet. Wrapped SOL only wins when nothing else moved, since swaps churn
// it as the counter leg.
func dominantTokenDelta(meta *solana.TransactionMeta, wallet string) (string, float64) {
	deltas := make(map[string]float64)
	for _, bal := range meta.PreTokenBalances {
		if bal.Owner == wallet {
			deltas[bal.Mint] -= bal.UITokenAmount.Float()
		}
	}
	for _, bal := range meta.PostTokenBalances {
		if bal.Owner == wallet {
			deltas[bal.Mint] += bal.UITokenAmount.Float()
		}
	}

	var mint string
	var best float64
	for m, d := range deltas {
		if m == solana.WrappedSOLMint || d == 0 {
			continue
		}
		if math.Abs(d) > math.Abs(best) {
			mint, best = m, d
		}
	}
	if mint == "" {
		if d, ok := deltas[solana.WrappedSOLMint]; ok && d != 0 {
			return solana.WrappedSOLMint, d
		}
		return "", 0
	}
	return mint, best
}

// solMoved is the absolute lamport delta of the wallet's system account.
func solMoved(tx *solana.ParsedTransaction, wallet string) float64 {
	keys := tx.Transaction.Message.AccountKeys
	for i, key := range keys {
		if key.Pubkey != wallet {
			continue
		}
		if i < len(tx.Meta.PreBalances) && i < len(tx.Meta.PostBalances) {
			pre := float64(tx.Meta.PreBalances[i])
			post := float64(tx.Meta.PostBalances[i])
			return math.Abs(post-pre) / lamportsPerSOL
		}
	}
	return 0
}

// seenSet is a bounded at-most-once set with FIFO eviction.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{cap: capacity, seen: make(map[string]struct{}, capacity)}
}

// Seen marks key and reports whether it was already present.
func (s *seenSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.cap {
		evict := s.order[0]
		s.order = append([]string(nil), s.order[1:]...)
		delete(s.seen, evict)
	}
	return false
}

// Stats is a snapshot of monitor counters.
type Stats struct {
	Watching bool   `json:"watching"`
	Wallets  int    `json:"wallets"`
	Observed uint64 `json:"observed"`
	Emitted  uint64 `json:"emitted"`
	Skipped  uint64 `json:"skipped"`
	Errors   uint64 `json:"errors"`
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Watching: m.running.Load(),
		Wallets:  len(m.labels),
		Observed: m.observed.Load(),
		Emitted:  m.emitted.Load(),
		Skipped:  m.skipped.Load(),
		Errors:   m.errors.Load(),
	}
}
