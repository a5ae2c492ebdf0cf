// internal/service/collaborators.go
package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"chainflow-wallet/internal/client/custody"
	"chainflow-wallet/internal/client/faucet"
	"chainflow-wallet/internal/domain"
)

// BalanceReader reads ground-truth balances. *chain.Client implements it.
type BalanceReader interface {
	GetBalance(ctx context.Context, address string, asset domain.Asset) (decimal.Decimal, error)
}

// AccountCreator mints and discards custodial accounts. *custody.Client implements it.
type AccountCreator interface {
	CreateAccount(ctx context.Context) (*custody.Account, error)
	DiscardAccount(ctx context.Context, credentialHandle string) error
	Network() domain.Network
}

// FundsRequester asks a faucet for testnet funds. *faucet.Client implements it.
type FundsRequester interface {
	RequestFunds(ctx context.Context, address string, network domain.Network, asset domain.Asset) (*faucet.Receipt, error)
}

// sleep waits d on clock, returning early with ctx's error on cancellation.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
