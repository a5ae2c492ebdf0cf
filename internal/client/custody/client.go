// internal/client/custody/client.go

// Package custody talks to the external account-creation service that mints
// on-chain accounts and holds their signing material.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"chainflow-wallet/internal/domain"
)

const (
	defaultTimeout   = 15 * time.Second
	accountsEndpoint = "/v1/accounts"
)

// ErrCustodyUnavailable is returned when the custody service cannot be reached.
var ErrCustodyUnavailable = errors.New("custody service unavailable")

// Config represents the custody service configuration.
type Config struct {
	BaseURL string         `mapstructure:"base_url"`
	APIKey  string         `mapstructure:"api_key"`
	Network domain.Network `mapstructure:"network"`
	Timeout time.Duration  `mapstructure:"timeout"`
}

// Account is a freshly minted on-chain account.
// CredentialHandle is opaque: store it, never inspect or log it.
type Account struct {
	Address          string
	CredentialHandle string
}

type createAccountRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Network        string `json:"network"`
}

type createAccountResponse struct {
	Address          string `json:"address"`
	CredentialHandle string `json:"credentialHandle"`
}

// Client creates and discards custodial accounts.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewClient creates a new custody client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Network == "" {
		config.Network = domain.NetworkBaseSepolia
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	st := gobreaker.Settings{
		Name:        "CustodyAPI",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Custody circuit breaker state changed",
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

// Network is the testnet new accounts are minted on.
func (c *Client) Network() domain.Network {
	return c.config.Network
}

// CreateAccount mints a new on-chain account.
func (c *Client) CreateAccount(ctx context.Context) (*Account, error) {
	body, err := json.Marshal(createAccountRequest{
		IdempotencyKey: uuid.NewString(),
		Network:        string(c.config.Network),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		respBody, err := c.do(ctx, http.MethodPost, accountsEndpoint, body)
		if err != nil {
			return nil, err
		}
		var resp createAccountResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if resp.Address == "" || resp.CredentialHandle == "" {
			return nil, fmt.Errorf("custody returned an incomplete account")
		}
		return &Account{Address: resp.Address, CredentialHandle: resp.CredentialHandle}, nil
	})
	if err != nil {
		return nil, c.wrapBreakerError(err)
	}

	account := result.(*Account)
	c.logger.Info("Custodial account created", zap.String("address", account.Address))
	return account, nil
}

// DiscardAccount releases an account minted by a losing provisioning racer.
func (c *Client) DiscardAccount(ctx context.Context, credentialHandle string) error {
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.do(ctx, http.MethodDelete, accountsEndpoint+"/"+url.PathEscape(credentialHandle), nil)
	})
	if err != nil {
		return c.wrapBreakerError(err)
	}
	return nil
}

func (c *Client) wrapBreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCustodyUnavailable, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error carries the request URL, which may contain a credential handle.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrCustodyUnavailable, method, accountsEndpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrCustodyUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("custody request failed: status %d", resp.StatusCode)
	}
	return respBody, nil
}
