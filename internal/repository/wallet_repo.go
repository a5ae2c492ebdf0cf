// internal/repository/wallet_repo.go
package repository

import (
	"context"

	"github.com/google/uuid"

	"chainflow-wallet/internal/domain"
)

// WalletRepository is the Wallet Store: the single source of truth for wallet identity
// and the owner of cached balance snapshots.
type WalletRepository interface {
	// GetByUser returns the user's non-archived wallet, or util.ErrWalletNotFound.
	GetByUser(ctx context.Context, q DBExecutor, userID uuid.UUID) (*domain.Wallet, error)
	// GetByAddress returns the non-archived wallet holding address, or util.ErrWalletNotFound.
	GetByAddress(ctx context.Context, q DBExecutor, address string) (*domain.Wallet, error)
	// InsertIfAbsent inserts wallet atomically. It returns util.ErrDuplicateEntry when the user
	// already has a live wallet or the address is taken on that network.
	InsertIfAbsent(ctx context.Context, q DBExecutor, wallet *domain.Wallet) error
	// UpdateBalanceCache overwrites the cached balance for the snapshot's wallet and asset.
	UpdateBalanceCache(ctx context.Context, q DBExecutor, snapshot *domain.BalanceSnapshot) error
	// GetBalanceSnapshot returns the cached balance, or util.ErrNotFound when none was recorded.
	GetBalanceSnapshot(ctx context.Context, q DBExecutor, walletID uuid.UUID, asset domain.Asset) (*domain.BalanceSnapshot, error)
}
