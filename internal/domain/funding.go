// internal/domain/funding.go
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal" // For precise monetary calculations
)

// FundingOutcome defines the state of a faucet request.
type FundingOutcome string

const (
	FundingOutcomePending     FundingOutcome = "PENDING"
	FundingOutcomeSucceeded   FundingOutcome = "SUCCEEDED"
	FundingOutcomeRateLimited FundingOutcome = "RATE_LIMITED"
	FundingOutcomeFailed      FundingOutcome = "FAILED"
	FundingOutcomeSkipped     FundingOutcome = "SKIPPED" // Balance already at target, no request issued
)

// FundingAttempt represents one faucet request for one asset.
type FundingAttempt struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	WalletID         uuid.UUID        `db:"wallet_id" json:"wallet_id"`
	Address          string           `db:"address" json:"address"`
	Asset            Asset            `db:"asset" json:"asset"`
	Outcome          FundingOutcome   `db:"outcome" json:"outcome"`
	TxReference      *string          `db:"tx_reference" json:"tx_reference"`           // Faucet transaction hash(es), nil until the gateway answers
	BaselineBalance  decimal.Decimal  `db:"baseline_balance" json:"baseline_balance"`   // Balance observed before the request
	ExpectedIncrease decimal.Decimal  `db:"expected_increase" json:"expected_increase"` // Amount the faucet is expected to deliver
	FailureReason    *string          `db:"failure_reason" json:"failure_reason,omitempty"`
	Settled          bool             `db:"settled" json:"settled"`
	FinalBalance     *decimal.Decimal `db:"final_balance" json:"final_balance,omitempty"`
	RequestedAt      time.Time        `db:"requested_at" json:"requested_at"`
	SettledAt        *time.Time       `db:"settled_at" json:"settled_at,omitempty"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// NewFundingAttempt creates a pending FundingAttempt requested at now.
func NewFundingAttempt(wallet *Wallet, asset Asset, baseline, expectedIncrease decimal.Decimal, now time.Time) *FundingAttempt {
	now = now.UTC()
	return &FundingAttempt{
		ID:               uuid.New(),
		WalletID:         wallet.ID,
		Address:          wallet.Address,
		Asset:            asset,
		Outcome:          FundingOutcomePending,
		BaselineBalance:  baseline,
		ExpectedIncrease: expectedIncrease,
		RequestedAt:      now,
		UpdatedAt:        now,
	}
}

// NewSkippedAttempt describes a request that was not issued because the balance is already sufficient.
// Skipped attempts are never persisted.
func NewSkippedAttempt(wallet *Wallet, asset Asset, balance decimal.Decimal, now time.Time) *FundingAttempt {
	now = now.UTC()
	return &FundingAttempt{
		WalletID:        wallet.ID,
		Address:         wallet.Address,
		Asset:           asset,
		Outcome:         FundingOutcomeSkipped,
		BaselineBalance: balance,
		Settled:         true,
		FinalBalance:    &balance,
		RequestedAt:     now,
		UpdatedAt:       now,
	}
}

// SettlementThreshold is the balance at which the attempt counts as delivered.
func (a *FundingAttempt) SettlementThreshold(tolerance decimal.Decimal) decimal.Decimal {
	return a.BaselineBalance.Add(a.ExpectedIncrease.Mul(tolerance))
}

// NeedsSettlement reports whether the attempt still awaits on-chain confirmation.
func (a *FundingAttempt) NeedsSettlement() bool {
	return a.Outcome == FundingOutcomeSucceeded && !a.Settled
}
