// internal/client/chain/client_test.go
package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/util"
)

const testAddress = "0x1111111111111111111111111111111111111111"

func rpcServer(t *testing.T, handle func(req rpcRequest) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		json.NewEncoder(w).Encode(handle(req))
	}))
}

func TestNewClient(t *testing.T) {
	client := NewClient(Config{RPCURL: "http://localhost:8545"}, zap.NewNop())
	assert.Equal(t, int32(18), client.config.NativeDecimals)
	assert.Equal(t, int32(6), client.config.StableDecimals)
	assert.Equal(t, defaultTimeout, client.config.Timeout)
}

func TestGetBalance(t *testing.T) {
	logger := zap.NewNop()

	t.Run("native balance is scaled by 18 decimals", func(t *testing.T) {
		server := rpcServer(t, func(req rpcRequest) interface{} {
			assert.Equal(t, "eth_getBalance", req.Method)
			assert.Equal(t, testAddress, req.Params[0])
			// 0.0101 ETH
			return map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0x23e1e5803b4000"}
		})
		defer server.Close()

		client := NewClient(Config{RPCURL: server.URL}, logger)
		balance, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)

		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("0.0101").Equal(balance), "got %s", balance)
	})

	t.Run("stable balance uses balanceOf on the contract", func(t *testing.T) {
		contract := "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
		server := rpcServer(t, func(req rpcRequest) interface{} {
			assert.Equal(t, "eth_call", req.Method)
			call := req.Params[0].(map[string]interface{})
			assert.Equal(t, contract, call["to"])
			assert.Equal(t, "0x70a08231000000000000000000000000"+testAddress[2:], call["data"])
			// 12.5 USDC
			return map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
				"result": "0x0000000000000000000000000000000000000000000000000000000000bebc20"}
		})
		defer server.Close()

		client := NewClient(Config{RPCURL: server.URL, StablecoinContract: contract}, logger)
		balance, err := client.GetBalance(context.Background(), testAddress, domain.AssetStable)

		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("12.5").Equal(balance), "got %s", balance)
	})

	t.Run("rpc error is returned", func(t *testing.T) {
		server := rpcServer(t, func(req rpcRequest) interface{} {
			return map[string]interface{}{"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32000, "message": "header not found"}}
		})
		defer server.Close()

		client := NewClient(Config{RPCURL: server.URL}, logger)
		_, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32000, rpcErr.Code)
	})

	t.Run("server error is returned", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewClient(Config{RPCURL: server.URL}, logger)
		_, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)
		assert.Error(t, err)
	})

	t.Run("rejects malformed address", func(t *testing.T) {
		client := NewClient(Config{RPCURL: "http://unused"}, logger)
		_, err := client.GetBalance(context.Background(), "0xnothex", domain.AssetNative)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("stable without contract is unsupported", func(t *testing.T) {
		client := NewClient(Config{RPCURL: "http://unused"}, logger)
		_, err := client.GetBalance(context.Background(), testAddress, domain.AssetStable)
		assert.ErrorIs(t, err, util.ErrUnsupportedAsset)
	})
}

func TestCircuitBreaker(t *testing.T) {
	logger := zap.NewNop()
	okResult := func(w http.ResponseWriter, id uint64) {
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": "0x0"})
	}

	t.Run("caller timeouts do not open the breaker", func(t *testing.T) {
		var slow atomic.Bool
		slow.Store(true)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slow.Load() {
				time.Sleep(50 * time.Millisecond)
			}
			okResult(w, 1)
		}))
		defer server.Close()

		client := NewClient(Config{RPCURL: server.URL, RequestsPerSecond: 1000}, logger)
		for i := 0; i < 8; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
			_, err := client.GetBalance(ctx, testAddress, domain.AssetNative)
			cancel()
			require.ErrorIs(t, err, context.DeadlineExceeded)
		}

		slow.Store(false)
		_, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)
		assert.NoError(t, err)
	})

	t.Run("client errors do not open the breaker", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 8 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			okResult(w, 1)
		}))
		defer server.Close()

		client := NewClient(Config{RPCURL: server.URL, RequestsPerSecond: 1000}, logger)
		for i := 0; i < 8; i++ {
			_, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
		}

		_, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)
		assert.NoError(t, err)
		assert.Equal(t, int32(9), calls.Load())
	})

	t.Run("server errors open the breaker", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := NewClient(Config{RPCURL: server.URL, RequestsPerSecond: 1000}, logger)
		for i := 0; i < 6; i++ {
			_, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)
			require.Error(t, err)
		}

		_, err := client.GetBalance(context.Background(), testAddress, domain.AssetNative)
		assert.ErrorContains(t, err, "circuit breaker is open")
		assert.Equal(t, int32(6), calls.Load())
	})
}
