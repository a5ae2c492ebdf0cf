// internal/util/errors.go
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common application-specific errors.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input provided")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrDuplicateEntry     = errors.New("duplicate entry") // unique constraint conflict in the store
	ErrUnsupportedAsset   = errors.New("unsupported asset")
	ErrOperationInFlight  = errors.New("an identical operation is already in progress")
	ErrGatewayUnavailable = errors.New("faucet gateway unavailable")
	ErrNoFundsReceived    = errors.New("faucet reported success but produced no transactions")
	ErrRateLimited        = errors.New("faucet rate limit reached")

	// ErrProvisioningExhausted is returned once wallet creation has used up its attempt budget.
	ErrProvisioningExhausted = errors.New("wallet provisioning attempts exhausted")
)

// RateLimitedError carries the asset and cool-down the faucet reported.
type RateLimitedError struct {
	Asset      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("faucet rate limit reached for %s, retry after %s", e.Asset, e.RetryAfter)
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsError reports whether any error in err's chain matches target.
func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// AsRateLimited extracts a RateLimitedError from err's chain.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
