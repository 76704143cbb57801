// Package solana talks to a Solana node: JSON-RPC over HTTP for queries
// and a WebSocket session for log and account subscriptions. The HTTP side
// rides the shared resilient client so RPC traffic is rate-limited and
// breaker-guarded like every other outbound call.
package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/httpclient"
)

// Well-known program and mint addresses.
const (
	TokenProgramID         = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	RaydiumAMMProgramID    = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	PumpFunProgramID       = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	JupiterProgramID       = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	WrappedSOLMint         = "So11111111111111111111111111111111111111112"
	USDCMint               = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	signatureFetchLimitMax = 1000
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC level failure returned inside a 200 response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcValue unwraps the {"context":..., "value":...} envelope most account
// queries use.
type rpcValue[T any] struct {
	Value T `json:"value"`
}

// SignatureInfo is one entry from getSignaturesForAddress.
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      uint64      `json:"slot"`
	BlockTime *int64      `json:"blockTime"`
	Err       interface{} `json:"err"`
	Memo      *string     `json:"memo"`
}

// TokenAmount is the RPC representation of an SPL token quantity.
type TokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       int      `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}

// Float returns the decimal-adjusted amount. Nodes omit uiAmount for some
// encodings, so it falls back to uiAmountString and then the raw amount.
func (a TokenAmount) Float() float64 {
	if a.UIAmount != nil {
		return *a.UIAmount
	}
	if a.UIAmountString != "" {
		if f, err := strconv.ParseFloat(a.UIAmountString, 64); err == nil {
			return f
		}
	}
	if raw, err := strconv.ParseFloat(a.Amount, 64); err == nil && a.Decimals >= 0 {
		return raw / math.Pow10(a.Decimals)
	}
	return 0
}

// TokenBalance is a pre/post token balance on a transaction.
type TokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount TokenAmount `json:"uiTokenAmount"`
}

// TransactionMeta carries balance deltas and log output.
type TransactionMeta struct {
	Err               interface{}    `json:"err"`
	Fee               uint64         `json:"fee"`
	PreBalances       []uint64       `json:"preBalances"`
	PostBalances      []uint64       `json:"postBalances"`
	PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance `json:"postTokenBalances"`
	LogMessages       []string       `json:"logMessages"`
}

// AccountKey is one account referenced by a transaction message.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// TransactionMessage is the jsonParsed message body. Instruction layouts
// vary per program, so they stay raw until a caller knows what to expect.
type TransactionMessage struct {
	AccountKeys  []AccountKey      `json:"accountKeys"`
	Instructions []json.RawMessage `json:"instructions"`
}

type TransactionBody struct {
	Signatures []string           `json:"signatures"`
	Message    TransactionMessage `json:"message"`
}

// ParsedTransaction is a confirmed transaction in jsonParsed encoding.
type ParsedTransaction struct {
	Slot        uint64           `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Meta        *TransactionMeta `json:"meta"`
	Transaction TransactionBody  `json:"transaction"`
}

// Time returns the block time, zero when the node did not record one.
func (t *ParsedTransaction) Time() time.Time {
	if t == nil || t.BlockTime == nil {
		return time.Time{}
	}
	return time.Unix(*t.BlockTime, 0)
}

// TokenHolder is an owner with a decimal-adjusted balance.
type TokenHolder struct {
	Address string  `json:"address"`
	Balance float64 `json:"balance"`
}

// MintInfo is the parsed SPL mint account. Empty authority strings mean
// the authority was revoked.
type MintInfo struct {
	Supply          string `json:"supply"`
	Decimals        int    `json:"decimals"`
	MintAuthority   string `json:"mintAuthority"`
	FreezeAuthority string `json:"freezeAuthority"`
	IsInitialized   bool   `json:"isInitialized"`
}

// TokenInfo is the chain's view of a token. Symbol and name live off-chain
// and are filled by the aggregator layer when it knows them.
type TokenInfo struct {
	Mint     string  `json:"mint"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Supply   float64 `json:"supply"`
	Decimals int     `json:"decimals"`
}

// RPCConfig sizes the underlying resilient client.
type RPCConfig struct {
	Endpoint             string
	MaxRequestsPerMinute int
	Timeout              time.Duration
}

// RPCClient issues JSON-RPC calls to one node.
type RPCClient struct {
	http *httpclient.Client
	id   atomic.Uint64
}

// NewRPCClient builds the client. breakers may be nil for standalone use.
func NewRPCClient(cfg RPCConfig, breakers *circuitbreaker.Manager) *RPCClient {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	hc := httpclient.DefaultConfig("solana-rpc", cfg.Endpoint)
	hc.RefillPerSecond = float64(cfg.MaxRequestsPerMinute) / 60.0
	hc.MaxTokens = 10
	if cfg.Timeout > 0 {
		hc.Timeout = cfg.Timeout
	}
	return &RPCClient{http: httpclient.New(hc, breakers)}
}

// call runs one JSON-RPC method and decodes its result into out.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}, opts *httpclient.RequestOptions) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.id.Add(1),
		Method:  method,
		Params:  params,
	}

	env, err := httpclient.PostAs[rpcEnvelope](ctx, c.http, "", req, opts)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s: %w", method, kindForRPCError(env.Error))
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return core.WithKind(core.KindValidation, fmt.Errorf("%s: decode result: %w", method, err))
	}
	return nil
}

// kindForRPCError tags node-side errors so retry policy can act on them.
func kindForRPCError(e *RPCError) error {
	switch e.Code {
	case -32005: // node is behind or unhealthy
		return core.WithKind(core.KindTransient, e)
	case -32601, -32602, -32600:
		return core.WithKind(core.KindValidation, e)
	default:
		return core.WithKind(core.KindTransient, e)
	}
}

// GetSlot returns the current confirmed slot.
func (c *RPCClient) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", []interface{}{
		map[string]interface{}{"commitment": "confirmed"},
	}, &slot, nil)
	return slot, err
}

// GetBalance returns an account's lamport balance.
func (c *RPCClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	var v rpcValue[uint64]
	err := c.call(ctx, "getBalance", []interface{}{address}, &v, nil)
	return v.Value, err
}

// GetSignaturesForAddress lists recent signatures mentioning the address,
// newest first. limit is clamped to the node maximum.
func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	if limit <= 0 || limit > signatureFetchLimitMax {
		limit = signatureFetchLimitMax
	}
	var sigs []SignatureInfo
	err := c.call(ctx, "getSignaturesForAddress", []interface{}{
		address,
		map[string]interface{}{"limit": limit, "commitment": "confirmed"},
	}, &sigs, nil)
	return sigs, err
}

// GetParsedTransaction fetches one confirmed transaction. Returns nil
// without error when the node does not know the signature. Transactions
// are immutable, so responses are cached by signature.
func (c *RPCClient) GetParsedTransaction(ctx context.Context, signature string) (*ParsedTransaction, error) {
	var tx *ParsedTransaction
	err := c.call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}, &tx, &httpclient.RequestOptions{
		Cache:    true,
		CacheKey: "tx:" + signature,
		CacheTTL: 10 * time.Minute,
	})
	return tx, err
}

// GetTokenSupply returns the mint's total supply.
func (c *RPCClient) GetTokenSupply(ctx context.Context, mint string) (TokenAmount, error) {
	var v rpcValue[TokenAmount]
	err := c.call(ctx, "getTokenSupply", []interface{}{mint}, &v, &httpclient.RequestOptions{
		Cache:    true,
		CacheKey: "supply:" + mint,
		CacheTTL: 30 * time.Second,
	})
	return v.Value, err
}

type largestAccount struct {
	Address        string   `json:"address"`
	Decimals       int      `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}

// GetTokenLargestAccounts returns the 20 largest token accounts of a mint.
func (c *RPCClient) GetTokenLargestAccounts(ctx context.Context, mint string) ([]TokenHolder, error) {
	var v rpcValue[[]largestAccount]
	err := c.call(ctx, "getTokenLargestAccounts", []interface{}{mint}, &v, &httpclient.RequestOptions{
		Cache:    true,
		CacheKey: "largest:" + mint,
		CacheTTL: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	holders := make([]TokenHolder, 0, len(v.Value))
	for _, a := range v.Value {
		bal := 0.0
		if a.UIAmount != nil {
			bal = *a.UIAmount
		}
		if bal <= 0 {
			continue
		}
		holders = append(holders, TokenHolder{Address: a.Address, Balance: bal})
	}
	return holders, nil
}

type programAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data struct {
			Parsed struct {
				Info struct {
					Owner       string      `json:"owner"`
					TokenAmount TokenAmount `json:"tokenAmount"`
				} `json:"info"`
			} `json:"parsed"`
		} `json:"data"`
	} `json:"account"`
}

// GetTokenHolders scans token accounts of a mint and aggregates balances
// per owner, largest first. Zero balances are dropped. This walks
// getProgramAccounts and is the most expensive call the enricher makes.
func (c *RPCClient) GetTokenHolders(ctx context.Context, mint string) ([]TokenHolder, error) {
	var accounts []programAccount
	err := c.call(ctx, "getProgramAccounts", []interface{}{
		TokenProgramID,
		map[string]interface{}{
			"encoding": "jsonParsed",
			"filters": []interface{}{
				map[string]interface{}{"dataSize": 165},
				map[string]interface{}{"memcmp": map[string]interface{}{"offset": 0, "bytes": mint}},
			},
		},
	}, &accounts, &httpclient.RequestOptions{
		Cache:    true,
		CacheKey: "holders:" + mint,
		CacheTTL: 60 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	byOwner := make(map[string]float64, len(accounts))
	for _, a := range accounts {
		bal := a.Account.Data.Parsed.Info.TokenAmount.Float()
		if bal <= 0 {
			continue
		}
		owner := a.Account.Data.Parsed.Info.Owner
		if owner == "" {
			owner = a.Pubkey
		}
		byOwner[owner] += bal
	}

	holders := make([]TokenHolder, 0, len(byOwner))
	for addr, bal := range byOwner {
		holders = append(holders, TokenHolder{Address: addr, Balance: bal})
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].Balance > holders[j].Balance })
	return holders, nil
}

type mintAccountInfo struct {
	Data struct {
		Parsed struct {
			Info struct {
				Supply          string  `json:"supply"`
				Decimals        int     `json:"decimals"`
				MintAuthority   *string `json:"mintAuthority"`
				FreezeAuthority *string `json:"freezeAuthority"`
				IsInitialized   bool    `json:"isInitialized"`
			} `json:"info"`
			Type string `json:"type"`
		} `json:"parsed"`
		Program string `json:"program"`
	} `json:"data"`
}

// GetMintInfo reads the mint account. A nil authority in the parsed data
// means it was revoked; that is the honest-launch signal the classifier
// cares about.
func (c *RPCClient) GetMintInfo(ctx context.Context, mint string) (*MintInfo, error) {
	var v rpcValue[*mintAccountInfo]
	err := c.call(ctx, "getAccountInfo", []interface{}{
		mint,
		map[string]interface{}{"encoding": "jsonParsed"},
	}, &v, &httpclient.RequestOptions{
		Cache:    true,
		CacheKey: "mint:" + mint,
		CacheTTL: 60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if v.Value == nil {
		return nil, core.Errorf(core.KindNotFound, "mint %s: account not found", mint)
	}

	info := v.Value.Data.Parsed.Info
	mi := &MintInfo{
		Supply:        info.Supply,
		Decimals:      info.Decimals,
		IsInitialized: info.IsInitialized,
	}
	if info.MintAuthority != nil {
		mi.MintAuthority = *info.MintAuthority
	}
	if info.FreezeAuthority != nil {
		mi.FreezeAuthority = *info.FreezeAuthority
	}
	return mi, nil
}

// GetTokenInfo combines mint account and supply into the port's token
// shape. Symbol and name stay empty here; the aggregator layer overlays
// them when a market listing exists.
func (c *RPCClient) GetTokenInfo(ctx context.Context, mint string) (*TokenInfo, error) {
	mi, err := c.GetMintInfo(ctx, mint)
	if err != nil {
		return nil, err
	}
	supply, err := c.GetTokenSupply(ctx, mint)
	if err != nil {
		return nil, err
	}
	return &TokenInfo{
		Mint:     mint,
		Supply:   supply.Float(),
		Decimals: mi.Decimals,
	}, nil
}

// Healthy reports whether the RPC breaker currently admits calls.
func (c *RPCClient) Healthy() bool {
	return c.http.IsHealthy()
}

// Stats exposes the underlying HTTP client counters.
func (c *RPCClient) Stats() httpclient.ClientStats {
	return c.http.Stats()
}
