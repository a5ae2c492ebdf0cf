// internal/repository/postgres/wallet_pg.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/repository"
	"chainflow-wallet/internal/util"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const walletColumns = `id, user_id, address, network, display_name, credential_handle, archived_at, created_at, updated_at`

// WalletRepository implements repository.WalletRepository for PostgreSQL.
type WalletRepository struct{}

// NewWalletRepository creates a new WalletRepository.
// Methods receive a DBExecutor so callers choose between the pool and a transaction.
func NewWalletRepository(_ *sqlx.DB) repository.WalletRepository {
	return &WalletRepository{}
}

// GetByUser retrieves the user's live wallet.
func (r *WalletRepository) GetByUser(ctx context.Context, q repository.DBExecutor, userID uuid.UUID) (*domain.Wallet, error) {
	var wallet domain.Wallet
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 AND archived_at IS NULL`
	if err := q.GetContext(ctx, &wallet, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet for user %s: %w", userID, err)
	}
	return &wallet, nil
}

// GetByAddress retrieves the live wallet holding address. Addresses compare case-insensitively.
func (r *WalletRepository) GetByAddress(ctx context.Context, q repository.DBExecutor, address string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE lower(address) = lower($1) AND archived_at IS NULL`
	if err := q.GetContext(ctx, &wallet, query, address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet by address %s: %w", address, err)
	}
	return &wallet, nil
}

// InsertIfAbsent inserts the wallet, relying on the unique indexes to reject a second live wallet.
func (r *WalletRepository) InsertIfAbsent(ctx context.Context, q repository.DBExecutor, wallet *domain.Wallet) error {
	query := `INSERT INTO wallets (id, user_id, address, network, display_name, credential_handle, created_at, updated_at)
              VALUES (:id, :user_id, :address, :network, :display_name, :credential_handle, :created_at, :updated_at)`
	if _, err := q.NamedExecContext(ctx, query, wallet); err != nil {
		if isUniqueViolation(err) {
			return util.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to insert wallet for user %s: %w", wallet.UserID, err)
	}
	return nil
}

// UpdateBalanceCache upserts the cached balance for a wallet and asset.
func (r *WalletRepository) UpdateBalanceCache(ctx context.Context, q repository.DBExecutor, snapshot *domain.BalanceSnapshot) error {
	query := `INSERT INTO balance_snapshots (wallet_id, asset, amount, observed_at, source)
              VALUES (:wallet_id, :asset, :amount, :observed_at, :source)
              ON CONFLICT (wallet_id, asset) DO UPDATE
              SET amount = EXCLUDED.amount, observed_at = EXCLUDED.observed_at, source = EXCLUDED.source
              WHERE balance_snapshots.observed_at <= EXCLUDED.observed_at`
	if _, err := q.NamedExecContext(ctx, query, snapshot); err != nil {
		return fmt.Errorf("failed to update balance cache for wallet %s (%s): %w", snapshot.WalletID, snapshot.Asset, err)
	}
	return nil
}

// GetBalanceSnapshot retrieves the cached balance for a wallet and asset.
func (r *WalletRepository) GetBalanceSnapshot(ctx context.Context, q repository.DBExecutor, walletID uuid.UUID, asset domain.Asset) (*domain.BalanceSnapshot, error) {
	var snapshot domain.BalanceSnapshot
	query := `SELECT wallet_id, asset, amount, observed_at, source FROM balance_snapshots WHERE wallet_id = $1 AND asset = $2`
	if err := q.GetContext(ctx, &snapshot, query, walletID, asset); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get balance snapshot for wallet %s (%s): %w", walletID, asset, err)
	}
	return &snapshot, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
