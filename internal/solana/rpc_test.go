package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/backend/internal/core"
)

// rpcServer scripts JSON-RPC responses keyed by method.
func rpcServer(t *testing.T, handler func(method string, params []interface{}) (interface{}, *RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "2.0", req.JSONRPC)

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		result, rpcErr := handler(req.Method, req.Params)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestRPC(endpoint string) *RPCClient {
	return NewRPCClient(RPCConfig{Endpoint: endpoint, MaxRequestsPerMinute: 100000}, nil)
}

func TestGetSlot(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		assert.Equal(t, "getSlot", method)
		return uint64(123456789), nil
	})
	defer srv.Close()

	slot, err := newTestRPC(srv.URL).GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), slot)
}

func TestGetBalance(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		assert.Equal(t, "getBalance", method)
		assert.Equal(t, "wallet-1", params[0])
		return map[string]interface{}{"context": map[string]interface{}{"slot": 1}, "value": 5_000_000_000}, nil
	})
	defer srv.Close()

	lamports, err := newTestRPC(srv.URL).GetBalance(context.Background(), "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_000), lamports)
}

func TestGetSignaturesForAddress(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		assert.Equal(t, "getSignaturesForAddress", method)
		assert.Equal(t, "addr-1", params[0])
		opts := params[1].(map[string]interface{})
		assert.Equal(t, float64(50), opts["limit"])

		return []map[string]interface{}{
			{"signature": "sig-a", "slot": 100, "blockTime": 1700000000, "err": nil},
			{"signature": "sig-b", "slot": 99, "blockTime": nil, "err": map[string]interface{}{"InstructionError": []interface{}{}}},
		}, nil
	})
	defer srv.Close()

	sigs, err := newTestRPC(srv.URL).GetSignaturesForAddress(context.Background(), "addr-1", 50)
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	assert.Equal(t, "sig-a", sigs[0].Signature)
	assert.Equal(t, uint64(100), sigs[0].Slot)
	require.NotNil(t, sigs[0].BlockTime)
	assert.Equal(t, int64(1700000000), *sigs[0].BlockTime)
	assert.Nil(t, sigs[0].Err)

	assert.Nil(t, sigs[1].BlockTime)
	assert.NotNil(t, sigs[1].Err)
}

func TestGetSignaturesLimitClamped(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		opts := params[1].(map[string]interface{})
		assert.Equal(t, float64(signatureFetchLimitMax), opts["limit"])
		return []map[string]interface{}{}, nil
	})
	defer srv.Close()

	_, err := newTestRPC(srv.URL).GetSignaturesForAddress(context.Background(), "addr", 5000)
	require.NoError(t, err)
}

func TestGetParsedTransactionNullResult(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		return nil, nil
	})
	defer srv.Close()

	tx, err := newTestRPC(srv.URL).GetParsedTransaction(context.Background(), "unknown-sig")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestGetParsedTransactionDecodesAndCaches(t *testing.T) {
	var hits atomic.Int64
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		hits.Add(1)
		assert.Equal(t, "getTransaction", method)
		return map[string]interface{}{
			"slot":      200,
			"blockTime": 1700000100,
			"meta": map[string]interface{}{
				"err":          nil,
				"preBalances":  []uint64{1000, 2000},
				"postBalances": []uint64{900, 2100},
				"postTokenBalances": []map[string]interface{}{
					{"accountIndex": 1, "mint": "mint-x", "owner": "owner-1",
						"uiTokenAmount": map[string]interface{}{"amount": "150000", "decimals": 5, "uiAmount": 1.5}},
				},
				"logMessages": []string{"Program log: hello"},
			},
			"transaction": map[string]interface{}{
				"signatures": []string{"sig-1"},
				"message": map[string]interface{}{
					"accountKeys": []map[string]interface{}{
						{"pubkey": "key-1", "signer": true, "writable": true},
					},
				},
			},
		}, nil
	})
	defer srv.Close()

	c := newTestRPC(srv.URL)
	tx, err := c.GetParsedTransaction(context.Background(), "sig-1")
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.Equal(t, uint64(200), tx.Slot)
	assert.False(t, tx.Time().IsZero())
	require.NotNil(t, tx.Meta)
	assert.Equal(t, []uint64{1000, 2000}, tx.Meta.PreBalances)
	require.Len(t, tx.Meta.PostTokenBalances, 1)
	assert.Equal(t, "mint-x", tx.Meta.PostTokenBalances[0].Mint)
	assert.Equal(t, 1.5, tx.Meta.PostTokenBalances[0].UITokenAmount.Float())
	require.Len(t, tx.Transaction.Message.AccountKeys, 1)
	assert.True(t, tx.Transaction.Message.AccountKeys[0].Signer)

	// Same signature is served from cache.
	_, err = c.GetParsedTransaction(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestGetTokenHoldersAggregatesByOwner(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		assert.Equal(t, "getProgramAccounts", method)
		assert.Equal(t, TokenProgramID, params[0])

		account := func(owner string, ui float64) map[string]interface{} {
			return map[string]interface{}{
				"pubkey": "acct-" + owner,
				"account": map[string]interface{}{
					"data": map[string]interface{}{
						"parsed": map[string]interface{}{
							"info": map[string]interface{}{
								"owner":       owner,
								"tokenAmount": map[string]interface{}{"amount": "1", "decimals": 0, "uiAmount": ui},
							},
						},
					},
				},
			}
		}
		return []interface{}{
			account("owner-a", 600),
			account("owner-b", 250),
			account("owner-a", 150), // second account, same owner
			account("owner-c", 0),   // dust, dropped
		}, nil
	})
	defer srv.Close()

	holders, err := newTestRPC(srv.URL).GetTokenHolders(context.Background(), "mint-1")
	require.NoError(t, err)
	require.Len(t, holders, 2)

	assert.Equal(t, TokenHolder{Address: "owner-a", Balance: 750}, holders[0])
	assert.Equal(t, TokenHolder{Address: "owner-b", Balance: 250}, holders[1])
}

func TestGetTokenLargestAccounts(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		assert.Equal(t, "getTokenLargestAccounts", method)
		return map[string]interface{}{
			"value": []map[string]interface{}{
				{"address": "a1", "decimals": 6, "uiAmount": 900.0},
				{"address": "a2", "decimals": 6, "uiAmount": 0.0},
				{"address": "a3", "decimals": 6, "uiAmount": 100.0},
			},
		}, nil
	})
	defer srv.Close()

	holders, err := newTestRPC(srv.URL).GetTokenLargestAccounts(context.Background(), "mint-1")
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "a1", holders[0].Address)
	assert.Equal(t, float64(900), holders[0].Balance)
}

func TestGetMintInfoAuthorities(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		assert.Equal(t, "getAccountInfo", method)
		return map[string]interface{}{
			"value": map[string]interface{}{
				"data": map[string]interface{}{
					"program": "spl-token",
					"parsed": map[string]interface{}{
						"type": "mint",
						"info": map[string]interface{}{
							"supply":          "1000000000000",
							"decimals":        9,
							"mintAuthority":   nil,
							"freezeAuthority": "Freeze111",
							"isInitialized":   true,
						},
					},
				},
			},
		}, nil
	})
	defer srv.Close()

	mi, err := newTestRPC(srv.URL).GetMintInfo(context.Background(), "mint-1")
	require.NoError(t, err)

	assert.Equal(t, "1000000000000", mi.Supply)
	assert.Equal(t, 9, mi.Decimals)
	assert.Empty(t, mi.MintAuthority, "revoked authority decodes as empty")
	assert.Equal(t, "Freeze111", mi.FreezeAuthority)
	assert.True(t, mi.IsInitialized)
}

func TestGetMintInfoMissingAccount(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		return map[string]interface{}{"value": nil}, nil
	})
	defer srv.Close()

	_, err := newTestRPC(srv.URL).GetMintInfo(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestRPCErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		code int
		want core.Kind
	}{
		{"node behind is transient", -32005, core.KindTransient},
		{"invalid params is validation", -32602, core.KindValidation},
		{"unknown method is validation", -32601, core.KindValidation},
		{"anything else is transient", -32000, core.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
				return nil, &RPCError{Code: tt.code, Message: "nope"}
			})
			defer srv.Close()

			_, err := newTestRPC(srv.URL).GetSlot(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, core.KindOf(err))
		})
	}
}

func TestGetTokenSupply(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		return map[string]interface{}{
			"value": map[string]interface{}{"amount": "1000000000", "decimals": 6, "uiAmount": 1000.0, "uiAmountString": "1000"},
		}, nil
	})
	defer srv.Close()

	supply, err := newTestRPC(srv.URL).GetTokenSupply(context.Background(), "mint-1")
	require.NoError(t, err)
	assert.Equal(t, float64(1000), supply.Float())
	assert.Equal(t, 6, supply.Decimals)
}

func TestGetTokenInfo(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *RPCError) {
		switch method {
		case "getAccountInfo":
			return map[string]interface{}{
				"value": map[string]interface{}{
					"data": map[string]interface{}{
						"parsed": map[string]interface{}{
							"info": map[string]interface{}{"supply": "5000000", "decimals": 6, "isInitialized": true},
						},
					},
				},
			}, nil
		case "getTokenSupply":
			return map[string]interface{}{
				"value": map[string]interface{}{"amount": "5000000", "decimals": 6, "uiAmount": 5.0},
			}, nil
		default:
			return nil, &RPCError{Code: -32601, Message: "unexpected method " + method}
		}
	})
	defer srv.Close()

	info, err := newTestRPC(srv.URL).GetTokenInfo(context.Background(), "mint-1")
	require.NoError(t, err)
	assert.Equal(t, "mint-1", info.Mint)
	assert.Equal(t, float64(5), info.Supply)
	assert.Equal(t, 6, info.Decimals)
	assert.Empty(t, info.Symbol)
}

func TestTokenAmountFloatFallbacks(t *testing.T) {
	ui := 12.5
	assert.InDelta(t, 12.5, TokenAmount{UIAmount: &ui}.Float(), 1e-9)
	assert.InDelta(t, 42.25, TokenAmount{UIAmountString: "42.25"}.Float(), 1e-9)
	assert.InDelta(t, 1.5, TokenAmount{Amount: "1500000", Decimals: 6}.Float(), 1e-9)
	assert.Zero(t, TokenAmount{Amount: "garbage"}.Float())
	assert.Zero(t, TokenAmount{}.Float())
}
