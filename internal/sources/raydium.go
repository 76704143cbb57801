package sources

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/events"
	"github.com/mintwatch/backend/internal/solana"
)

const (
	defaultFetchTimeout = 15 * time.Second
	signatureQueueSize  = 128

	// initialize2 account layout: the pool id and both mints sit at fixed
	// positions in the instruction's account list.
	initPoolIndex      = 4
	initBaseMintIndex  = 8
	initQuoteMintIndex = 9
	initMinAccounts    = 10
)

// LogSubscriber registers log listeners on an already managed WebSocket
// session. The connection lifecycle belongs to the caller.
type LogSubscriber interface {
	OnLogs(mention string, cb func(solana.LogsEvent)) uint64
	RemoveOnLogsListener(id uint64)
}

// TransactionFetcher resolves a signature into its parsed transaction.
type TransactionFetcher interface {
	GetParsedTransaction(ctx context.Context, signature string) (*solana.ParsedTransaction, error)
}

// RaydiumConfig tunes the Raydium adapter; zero fields use defaults.
type RaydiumConfig struct {
	// ProgramID is the AMM program whose logs announce new pools.
	ProgramID string
	// FetchTimeout bounds the follow-up transaction fetch.
	FetchTimeout time.Duration
	// MinLiquidityUSD drops pools below the floor when liquidity is known.
	MinLiquidityUSD float64
	// RecentCap sizes the duplicate-suppression set.
	RecentCap int
}

// RaydiumSource watches AMM program logs for pool initializations. Each
// matching signature is resolved to its transaction off the read loop, so
// slow RPC never stalls the socket.
type RaydiumSource struct {
	cfg   RaydiumConfig
	ws    LogSubscriber
	chain TransactionFetcher
	em    *emitter

	sigCh   chan string
	subID   uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	dropped atomic.Uint64
}

// NewRaydiumSource wires the adapter to a log subscriber and a transaction
// fetcher, publishing into stream.
func NewRaydiumSource(cfg RaydiumConfig, ws LogSubscriber, chain TransactionFetcher, stream *events.Stream[core.PoolEvent]) *RaydiumSource {
	if cfg.ProgramID == "" {
		cfg.ProgramID = solana.RaydiumAMMProgramID
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &RaydiumSource{
		cfg:   cfg,
		ws:    ws,
		chain: chain,
		em:    newEmitter(string(core.SourceRaydium), stream, cfg.RecentCap, cfg.MinLiquidityUSD),
		sigCh: make(chan string, signatureQueueSize),
	}
}

func (s *RaydiumSource) Name() string { return string(core.SourceRaydium) }

// Start subscribes to program logs and launches the resolver worker.
func (s *RaydiumSource) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(1)
	go s.resolver(runCtx)

	s.subID = s.ws.OnLogs(s.cfg.ProgramID, s.handleLogs)
	return nil
}

// Stop removes the subscription and drains the resolver.
func (s *RaydiumSource) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.ws.RemoveOnLogsListener(s.subID)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// handleLogs runs on the WebSocket read loop and must not block.
func (s *RaydiumSource) handleLogs(ev solana.LogsEvent) {
	if ev.Failed() || !isPoolInit(ev.Logs) {
		return
	}
	select {
	case s.sigCh <- ev.Signature:
	default:
		s.dropped.Add(1)
		slog.Warn("raydium signature queue full, dropping",
			"signature", ev.Signature)
	}
}

func (s *RaydiumSource) resolver(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.sigCh:
			s.resolve(ctx, sig)
		}
	}
}

func (s *RaydiumSource) resolve(ctx context.Context, sig string) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	tx, err := s.chain.GetParsedTransaction(fctx, sig)
	if err != nil {
		s.em.errors.Add(1)
		slog.Warn("raydium init transaction fetch failed",
			"signature", sig,
			"error", err)
		return
	}
	if tx == nil {
		// Node has not indexed the signature yet. The pool will surface
		// again through polling sources if it matters.
		return
	}

	ev, ok := poolEventFromInit(tx, s.cfg.ProgramID)
	if !ok {
		return
	}
	s.em.emit(ev)
}

func (s *RaydiumSource) Stats() SourceStats {
	st := s.em.stats(s.Name(), s.running.Load())
	st.Errors += s.dropped.Load()
	return st
}

// isPoolInit matches the log line Raydium emits when initializing a pool.
func isPoolInit(logs []string) bool {
	for _, line := range logs {
		if strings.Contains(strings.ToLower(line), "initialize2") {
			return true
		}
	}
	return false
}

// rawInstruction is the jsonParsed shape for programs the node has no
// parser for: a program id plus its ordered account list.
type rawInstruction struct {
	ProgramID string   `json:"programId"`
	Accounts  []string `json:"accounts"`
}

// poolEventFromInit extracts the pool id and mints from an initialize2
// transaction.
func poolEventFromInit(tx *solana.ParsedTransaction, programID string) (core.PoolEvent, bool) {
	for _, raw := range tx.Transaction.Message.Instructions {
		var inst rawInstruction
		if err := json.Unmarshal(raw, &inst); err != nil {
			continue
		}
		if inst.ProgramID != programID || len(inst.Accounts) < initMinAccounts {
			continue
		}

		base := inst.Accounts[initBaseMintIndex]
		quote := inst.Accounts[initQuoteMintIndex]
		token, counter := pickTokenMint(base, quote)
		if token == "" {
			continue
		}

		discovered := tx.Time()
		if discovered.IsZero() {
			discovered = time.Now()
		}
		return core.PoolEvent{
			PoolAddress:  inst.Accounts[initPoolIndex],
			TokenMint:    token,
			BaseMint:     base,
			QuoteMint:    counter,
			Source:       core.SourceRaydium,
			DiscoveredAt: discovered,
		}, true
	}
	return core.PoolEvent{}, false
}

// pickTokenMint decides which side of the pair is the new token. Pools
// quoting two well-known mints against each other are not discoveries.
func pickTokenMint(base, quote string) (token, counter string) {
	baseKnown := isQuoteMint(base)
	quoteKnown := isQuoteMint(quote)
	switch {
	case baseKnown && quoteKnown:
		return "", ""
	case baseKnown:
		return quote, base
	default:
		return base, quote
	}
}

func isQuoteMint(mint string) bool {
	return mint == solana.WrappedSOLMint || mint == solana.USDCMint
}
