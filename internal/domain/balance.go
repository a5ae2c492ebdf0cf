// internal/domain/balance.go
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Asset is a token the service funds and tracks.
type Asset string

const (
	AssetNative Asset = "NATIVE" // Chain gas token (testnet ETH)
	AssetStable Asset = "STABLE" // ERC-20 stablecoin (testnet USDC)
)

// Assets lists every tracked asset in display order.
var Assets = []Asset{AssetNative, AssetStable}

// Valid reports whether a is a known asset.
func (a Asset) Valid() bool {
	return a == AssetNative || a == AssetStable
}

// SnapshotSource records where a balance value came from.
type SnapshotSource string

const (
	SourceChain SnapshotSource = "CHAIN"
	SourceCache SnapshotSource = "CACHE"
)

// BalanceSnapshot is the cached balance of one asset in one wallet.
// It is advisory only and must never gate an irreversible action.
type BalanceSnapshot struct {
	WalletID   uuid.UUID       `db:"wallet_id" json:"wallet_id"`
	Asset      Asset           `db:"asset" json:"asset"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	ObservedAt time.Time       `db:"observed_at" json:"observed_at"`
	Source     SnapshotSource  `db:"source" json:"source"`
}

// NewChainSnapshot builds a snapshot from a fresh chain read.
func NewChainSnapshot(walletID uuid.UUID, asset Asset, amount decimal.Decimal, observedAt time.Time) *BalanceSnapshot {
	return &BalanceSnapshot{
		WalletID:   walletID,
		Asset:      asset,
		Amount:     amount,
		ObservedAt: observedAt.UTC(),
		Source:     SourceChain,
	}
}

// NewInitialSnapshot is the zero balance recorded alongside a new wallet.
func NewInitialSnapshot(walletID uuid.UUID, asset Asset, at time.Time) *BalanceSnapshot {
	return &BalanceSnapshot{
		WalletID:   walletID,
		Asset:      asset,
		Amount:     decimal.Zero,
		ObservedAt: at.UTC(),
		Source:     SourceCache,
	}
}

// SettlementState is the terminal or intermediate state of a reconciliation run.
type SettlementState string

const (
	SettlementWaitingGrace SettlementState = "WAITING_GRACE"
	SettlementPolling      SettlementState = "POLLING"
	SettlementSettled      SettlementState = "SETTLED"
	SettlementExhausted    SettlementState = "EXHAUSTED"
)

// Settlement is the result of waiting for a balance change to show up on-chain.
// An exhausted settlement is "pending, check later", not a failure.
type Settlement struct {
	State        SettlementState `json:"state"`
	Settled      bool            `json:"settled"`
	FinalBalance decimal.Decimal `json:"final_balance"`
	Threshold    decimal.Decimal `json:"threshold"`
	Reads        int             `json:"reads"`        // chain reads attempted
	FailedReads  int             `json:"failed_reads"` // reads that errored and were absorbed
}
