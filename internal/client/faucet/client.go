// internal/client/faucet/client.go

// Package faucet issues funding requests to the external testnet faucet.
package faucet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/util"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultCooldown = 24 * time.Hour
	fundEndpoint    = "/v1/faucet"
)

// ErrRejected is returned when the faucet refuses a request with a 4xx status other than 429.
var ErrRejected = errors.New("faucet rejected request")

// AssetConfig describes how one asset is requested from the faucet.
type AssetConfig struct {
	Token    string        `mapstructure:"token"`    // token identifier understood by the faucet, e.g. "eth" or "usdc"
	Cooldown time.Duration `mapstructure:"cooldown"` // used when a 429 carries no retry hint
}

// Config represents the faucet gateway configuration.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Native  AssetConfig   `mapstructure:"native"`
	Stable  AssetConfig   `mapstructure:"stable"`
}

// Receipt is what the faucet returned for a successful request.
// TxReferences may be empty; callers decide how to treat that.
type Receipt struct {
	TxReferences []string
	Amount       decimal.Decimal // zero when the faucet does not report it
}

type fundRequest struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Token   string `json:"token"`
}

type fundResponse struct {
	TransactionHashes []string `json:"transactionHashes"`
	Amount            string   `json:"amount"`
}

type errorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
}

// Client is a thin client for the faucet service.
// Funding requests are not idempotent, so the client never retries them.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewClient creates a new faucet client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Native.Token == "" {
		config.Native.Token = "eth"
	}
	if config.Stable.Token == "" {
		config.Stable.Token = "usdc"
	}
	if config.Native.Cooldown == 0 {
		config.Native.Cooldown = defaultCooldown
	}
	if config.Stable.Cooldown == 0 {
		config.Stable.Cooldown = defaultCooldown
	}

	st := gobreaker.Settings{
		Name:        "FaucetAPI",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isUpstreamFault(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Faucet circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(st),
		logger:         logger,
	}
}

// RequestFunds asks the faucet to send asset to address.
// It returns *util.RateLimitedError when the faucet refuses for quota reasons and
// an error wrapping util.ErrGatewayUnavailable for transient failures.
func (c *Client) RequestFunds(ctx context.Context, address string, network domain.Network, asset domain.Asset) (*Receipt, error) {
	assetCfg, err := c.assetConfig(asset)
	if err != nil {
		return nil, err
	}

	payload := fundRequest{Address: address, Network: string(network), Token: assetCfg.Token}
	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, payload, asset, assetCfg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", util.ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	receipt := result.(*Receipt)
	c.logger.Info("Faucet request accepted",
		zap.String("address", address),
		zap.String("asset", string(asset)),
		zap.Int("transactions", len(receipt.TxReferences)))
	return receipt, nil
}

func (c *Client) assetConfig(asset domain.Asset) (AssetConfig, error) {
	switch asset {
	case domain.AssetNative:
		return c.config.Native, nil
	case domain.AssetStable:
		return c.config.Stable, nil
	}
	return AssetConfig{}, fmt.Errorf("%w: %s", util.ErrUnsupportedAsset, asset)
}

func (c *Client) doRequest(ctx context.Context, payload fundRequest, asset domain.Asset, assetCfg AssetConfig) (*Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+fundEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", util.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read body: %v", util.ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &util.RateLimitedError{
			Asset:      string(asset),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), respBody, assetCfg.Cooldown),
		}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", util.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var fr fundResponse
	if err := json.Unmarshal(respBody, &fr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal faucet response: %w", err)
	}

	receipt := &Receipt{Amount: decimal.Zero}
	for _, hash := range fr.TransactionHashes {
		if strings.TrimSpace(hash) != "" {
			receipt.TxReferences = append(receipt.TxReferences, hash)
		}
	}
	if fr.Amount != "" {
		if amount, err := decimal.NewFromString(fr.Amount); err == nil {
			receipt.Amount = amount
		}
	}
	return receipt, nil
}

// isUpstreamFault reports whether err counts against the circuit breaker.
// Rate limits, 4xx rejections and caller cancellation leave the faucet's health untouched.
func isUpstreamFault(err error) bool {
	switch {
	case errors.Is(err, util.ErrRateLimited),
		errors.Is(err, ErrRejected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// retryAfter prefers the Retry-After header, then the body hint, then the configured cool-down.
func retryAfter(header string, body []byte, fallback time.Duration) time.Duration {
	if secs, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.RetryAfterSeconds > 0 {
		return time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return fallback
}
