package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/events"
	"github.com/mintwatch/backend/internal/solana"
)

type fakeLogSub struct {
	mu      sync.Mutex
	mention string
	cb      func(solana.LogsEvent)
	nextID  uint64
	removed []uint64
}

func (f *fakeLogSub) OnLogs(mention string, cb func(solana.LogsEvent)) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mention = mention
	f.cb = cb
	f.nextID++
	return f.nextID
}

func (f *fakeLogSub) RemoveOnLogsListener(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func (f *fakeLogSub) fire(ev solana.LogsEvent) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

type fakeTxFetcher struct {
	mu    sync.Mutex
	txs   map[string]*solana.ParsedTransaction
	calls int
}

func (f *fakeTxFetcher) GetParsedTransaction(ctx context.Context, sig string) (*solana.ParsedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.txs[sig], nil
}

func (f *fakeTxFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// initTx builds a jsonParsed transaction whose second instruction is an AMM
// initialize2 with the standard account layout.
func initTx(programID, pool, base, quote string) *solana.ParsedTransaction {
	accounts := make([]string, 21)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("acct-%02d", i)
	}
	accounts[initPoolIndex] = pool
	accounts[initBaseMintIndex] = base
	accounts[initQuoteMintIndex] = quote

	sys, _ := json.Marshal(map[string]interface{}{
		"programId": "11111111111111111111111111111111",
		"parsed":    map[string]interface{}{"type": "createAccount"},
	})
	amm, _ := json.Marshal(map[string]interface{}{
		"programId": programID,
		"accounts":  accounts,
	})

	bt := time.Now().Unix()
	return &solana.ParsedTransaction{
		BlockTime: &bt,
		Transaction: solana.TransactionBody{
			Message: solana.TransactionMessage{
				Instructions: []json.RawMessage{sys, amm},
			},
		},
	}
}

func initLogs() []string {
	return []string{
		"Program 675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8 invoke [1]",
		"Program log: initialize2: InitializeInstruction2 { nonce: 254 }",
	}
}

func startRaydium(t *testing.T, fetcher *fakeTxFetcher) (*RaydiumSource, *fakeLogSub, <-chan core.PoolEvent) {
	t.Helper()
	stream := events.NewStream[core.PoolEvent]("test", 16)
	ws := &fakeLogSub{}
	src := NewRaydiumSource(RaydiumConfig{}, ws, fetcher, stream)
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(func() {
		src.Stop()
		stream.Close()
	})
	return src, ws, stream.C()
}

func TestRaydiumEmitsPoolFromInitTransaction(t *testing.T) {
	fetcher := &fakeTxFetcher{txs: map[string]*solana.ParsedTransaction{
		"sig-1": initTx(solana.RaydiumAMMProgramID, "pool-new", "MintNew", solana.WrappedSOLMint),
	}}
	src, ws, ch := startRaydium(t, fetcher)

	assert.Equal(t, solana.RaydiumAMMProgramID, ws.mention)

	ws.fire(solana.LogsEvent{Signature: "sig-1", Logs: initLogs(), Slot: 100})

	ev := recvEvent(t, ch)
	assert.Equal(t, "pool-new", ev.PoolAddress)
	assert.Equal(t, "MintNew", ev.TokenMint)
	assert.Equal(t, "MintNew", ev.BaseMint)
	assert.Equal(t, solana.WrappedSOLMint, ev.QuoteMint)
	assert.Equal(t, core.SourceRaydium, ev.Source)
	assert.False(t, ev.DiscoveredAt.IsZero())

	require.Eventually(t, func() bool {
		return src.Stats().Discovered == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRaydiumIgnoresFailedAndUnrelatedLogs(t *testing.T) {
	fetcher := &fakeTxFetcher{txs: map[string]*solana.ParsedTransaction{}}
	src, ws, _ := startRaydium(t, fetcher)

	ws.fire(solana.LogsEvent{Signature: "sig-f", Err: map[string]interface{}{"InstructionError": []interface{}{}}, Logs: initLogs()})
	ws.fire(solana.LogsEvent{Signature: "sig-s", Logs: []string{"Program log: swap"}})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fetcher.callCount())
	assert.Zero(t, src.Stats().Discovered)
}

func TestRaydiumHandlesSwappedMintOrder(t *testing.T) {
	fetcher := &fakeTxFetcher{txs: map[string]*solana.ParsedTransaction{
		"sig-2": initTx(solana.RaydiumAMMProgramID, "pool-2", solana.WrappedSOLMint, "MintOther"),
	}}
	_, ws, ch := startRaydium(t, fetcher)

	ws.fire(solana.LogsEvent{Signature: "sig-2", Logs: initLogs()})

	ev := recvEvent(t, ch)
	assert.Equal(t, "MintOther", ev.TokenMint)
	assert.Equal(t, solana.WrappedSOLMint, ev.QuoteMint)
}

func TestRaydiumSkipsKnownQuotePairs(t *testing.T) {
	fetcher := &fakeTxFetcher{txs: map[string]*solana.ParsedTransaction{
		"sig-3": initTx(solana.RaydiumAMMProgramID, "pool-3", solana.WrappedSOLMint, solana.USDCMint),
	}}
	src, ws, _ := startRaydium(t, fetcher)

	ws.fire(solana.LogsEvent{Signature: "sig-3", Logs: initLogs()})

	require.Eventually(t, func() bool {
		return fetcher.callCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, src.Stats().Discovered)
}

func TestRaydiumSkipsUnknownSignature(t *testing.T) {
	// Fetcher knows nothing: the node has not indexed the signature.
	fetcher := &fakeTxFetcher{txs: map[string]*solana.ParsedTransaction{}}
	src, ws, _ := startRaydium(t, fetcher)

	ws.fire(solana.LogsEvent{Signature: "sig-gone", Logs: initLogs()})

	require.Eventually(t, func() bool {
		return fetcher.callCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, src.Stats().Discovered)
	assert.Zero(t, src.Stats().Errors)
}

func TestRaydiumDeduplicatesReplayedPool(t *testing.T) {
	fetcher := &fakeTxFetcher{txs: map[string]*solana.ParsedTransaction{
		"sig-a": initTx(solana.RaydiumAMMProgramID, "pool-x", "MintX", solana.WrappedSOLMint),
		"sig-b": initTx(solana.RaydiumAMMProgramID, "pool-x", "MintX", solana.WrappedSOLMint),
	}}
	src, ws, ch := startRaydium(t, fetcher)

	ws.fire(solana.LogsEvent{Signature: "sig-a", Logs: initLogs()})
	ws.fire(solana.LogsEvent{Signature: "sig-b", Logs: initLogs()})

	recvEvent(t, ch)
	require.Eventually(t, func() bool {
		return src.Stats().Duplicates == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), src.Stats().Discovered)
}

func TestRaydiumStopRemovesListener(t *testing.T) {
	fetcher := &fakeTxFetcher{}
	stream := events.NewStream[core.PoolEvent]("test", 4)
	defer stream.Close()
	ws := &fakeLogSub{}
	src := NewRaydiumSource(RaydiumConfig{}, ws, fetcher, stream)
	require.NoError(t, src.Start(context.Background()))

	src.Stop()
	assert.Equal(t, []uint64{1}, ws.removed)
	assert.False(t, src.Stats().Running)

	// Second Stop is a no-op.
	src.Stop()
	assert.Len(t, ws.removed, 1)
}

func TestPoolEventFromInitRequiresAccountLayout(t *testing.T) {
	short, _ := json.Marshal(map[string]interface{}{
		"programId": solana.RaydiumAMMProgramID,
		"accounts":  []string{"a", "b"},
	})
	tx := &solana.ParsedTransaction{
		Transaction: solana.TransactionBody{
			Message: solana.TransactionMessage{Instructions: []json.RawMessage{short}},
		},
	}
	_, ok := poolEventFromInit(tx, solana.RaydiumAMMProgramID)
	assert.False(t, ok)
}

func TestIsPoolInitMatcher(t *testing.T) {
	assert.True(t, isPoolInit([]string{"Program log: initialize2: InitializeInstruction2"}))
	assert.True(t, isPoolInit([]string{"noise", "ray_log: Initialize2"}))
	assert.False(t, isPoolInit([]string{"Program log: swap_base_in"}))
	assert.False(t, isPoolInit(nil))
}
