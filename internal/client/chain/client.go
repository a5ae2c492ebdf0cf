// internal/client/chain/client.go

// Package chain reads balances from an EVM JSON-RPC endpoint.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/util"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 10
	defaultNativeDecimals    = 18
	defaultStableDecimals    = 6

	// balanceOfSelector is the ERC-20 balanceOf(address) function selector.
	balanceOfSelector = "70a08231"
)

// ErrInvalidAddress is returned for addresses that are not 20-byte hex strings.
var ErrInvalidAddress = errors.New("invalid chain address")

// StatusError is returned when the RPC endpoint answers with a non-200 status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc endpoint returned status %d", e.StatusCode)
}

// Config represents the chain RPC configuration.
type Config struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	StablecoinContract string        `mapstructure:"stablecoin_contract"`
	NativeDecimals     int32         `mapstructure:"native_decimals"`
	StableDecimals     int32         `mapstructure:"stable_decimals"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// Client is a read-only balance accessor.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	logger         *zap.Logger
	requestID      atomic.Uint64
}

// NewClient creates a new chain RPC client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaultRequestsPerSecond
	}
	if config.NativeDecimals == 0 {
		config.NativeDecimals = defaultNativeDecimals
	}
	if config.StableDecimals == 0 {
		config.StableDecimals = defaultStableDecimals
	}

	cbSettings := gobreaker.Settings{
		Name:        "ChainRPC",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isUpstreamFault(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Chain RPC circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), int(config.RequestsPerSecond)+1),
		logger:         logger,
	}
}

// GetBalance returns the balance of asset held by address, scaled to whole units.
func (c *Client) GetBalance(ctx context.Context, address string, asset domain.Asset) (decimal.Decimal, error) {
	if !isHexAddress(address) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	var (
		raw *big.Int
		err error
		exp int32
	)
	switch asset {
	case domain.AssetNative:
		raw, err = c.callUint(ctx, "eth_getBalance", []interface{}{address, "latest"})
		exp = c.config.NativeDecimals
	case domain.AssetStable:
		if c.config.StablecoinContract == "" {
			return decimal.Zero, fmt.Errorf("%w: no stablecoin contract configured", util.ErrUnsupportedAsset)
		}
		call := map[string]string{
			"to":   c.config.StablecoinContract,
			"data": "0x" + balanceOfSelector + leftPad32(strings.TrimPrefix(strings.ToLower(address), "0x")),
		}
		raw, err = c.callUint(ctx, "eth_call", []interface{}{call, "latest"})
		exp = c.config.StableDecimals
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", util.ErrUnsupportedAsset, asset)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get %s balance of %s failed: %w", asset, address, err)
	}
	return decimal.NewFromBigInt(raw, -exp), nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// callUint performs one JSON-RPC call whose result is a hex quantity or 32-byte word.
func (c *Client) callUint(ctx context.Context, method string, params []interface{}) (*big.Int, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.doCall(ctx, method, params)
	})
	if err != nil {
		return nil, err
	}
	return parseHexUint(result.(string))
}

func (c *Client) doCall(ctx context.Context, method string, params []interface{}) (string, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RPCURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return "", rpcResp.Error
	}

	var result string
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return "", fmt.Errorf("unexpected %s result: %w", method, err)
	}

	c.logger.Debug("Chain RPC call completed", zap.String("method", method))
	return result, nil
}

// isUpstreamFault reports whether err counts against the circuit breaker.
// Caller cancellation and 4xx responses other than 429 say nothing about the node's health.
func isUpstreamFault(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests || code < 400
	}
	return true
}

func parseHexUint(s string) (*big.Int, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return n, nil
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

func leftPad32(hexStr string) string {
	if len(hexStr) >= 64 {
		return hexStr
	}
	return strings.Repeat("0", 64-len(hexStr)) + hexStr
}
