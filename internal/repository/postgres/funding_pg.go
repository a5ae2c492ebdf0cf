// internal/repository/postgres/funding_pg.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/repository"
	"chainflow-wallet/internal/util"
)

const fundingColumns = `id, wallet_id, address, asset, outcome, tx_reference, baseline_balance, expected_increase,
	failure_reason, settled, final_balance, requested_at, settled_at, updated_at`

// FundingAttemptRepository implements repository.FundingAttemptRepository for PostgreSQL.
type FundingAttemptRepository struct{}

// NewFundingAttemptRepository creates a new FundingAttemptRepository.
func NewFundingAttemptRepository(_ *sqlx.DB) repository.FundingAttemptRepository {
	return &FundingAttemptRepository{}
}

// Create inserts a new funding attempt record using the provided DBExecutor.
func (r *FundingAttemptRepository) Create(ctx context.Context, q repository.DBExecutor, attempt *domain.FundingAttempt) error {
	query := `INSERT INTO funding_attempts (` + fundingColumns + `)
              VALUES (:id, :wallet_id, :address, :asset, :outcome, :tx_reference, :baseline_balance, :expected_increase,
                      :failure_reason, :settled, :final_balance, :requested_at, :settled_at, :updated_at)`
	if _, err := q.NamedExecContext(ctx, query, attempt); err != nil {
		return fmt.Errorf("failed to create funding attempt: %w", err)
	}
	return nil
}

// UpdateOutcome stores the gateway result of an attempt, stamped with attempt.UpdatedAt.
func (r *FundingAttemptRepository) UpdateOutcome(ctx context.Context, q repository.DBExecutor, attempt *domain.FundingAttempt) error {
	query := `UPDATE funding_attempts
              SET outcome = :outcome, tx_reference = :tx_reference, expected_increase = :expected_increase,
                  failure_reason = :failure_reason, updated_at = :updated_at
              WHERE id = :id`
	result, err := q.NamedExecContext(ctx, query, attempt)
	if err != nil {
		return fmt.Errorf("failed to update funding attempt %s: %w", attempt.ID, err)
	}
	return expectOneRow(result, attempt.ID)
}

// MarkSettled flags the attempt as confirmed. Settling twice is a no-op.
func (r *FundingAttemptRepository) MarkSettled(ctx context.Context, q repository.DBExecutor, id uuid.UUID, finalBalance decimal.Decimal, settledAt time.Time) error {
	query := `UPDATE funding_attempts
              SET settled = TRUE, final_balance = $1, settled_at = $2, updated_at = $2
              WHERE id = $3 AND settled = FALSE`
	if _, err := q.ExecContext(ctx, query, finalBalance, settledAt.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark funding attempt %s settled: %w", id, err)
	}
	return nil
}

// GetByID retrieves a funding attempt by its ID.
func (r *FundingAttemptRepository) GetByID(ctx context.Context, q repository.DBExecutor, id uuid.UUID) (*domain.FundingAttempt, error) {
	var attempt domain.FundingAttempt
	query := `SELECT ` + fundingColumns + ` FROM funding_attempts WHERE id = $1`
	if err := q.GetContext(ctx, &attempt, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get funding attempt %s: %w", id, err)
	}
	return &attempt, nil
}

// ListByWallet retrieves a paginated list of attempts for a wallet.
// It performs two queries: one for the data and one for the total count.
func (r *FundingAttemptRepository) ListByWallet(ctx context.Context, q repository.DBExecutor, walletID uuid.UUID, limit, offset int) ([]domain.FundingAttempt, int64, error) {
	attempts := []domain.FundingAttempt{}
	query := `SELECT ` + fundingColumns + `
		FROM funding_attempts
		WHERE wallet_id = $1
		ORDER BY requested_at DESC
		LIMIT $2 OFFSET $3`
	if err := q.SelectContext(ctx, &attempts, query, walletID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to fetch funding attempts for wallet %s: %w", walletID, err)
	}

	var totalCount int64
	if err := q.GetContext(ctx, &totalCount, `SELECT COUNT(*) FROM funding_attempts WHERE wallet_id = $1`, walletID); err != nil {
		return nil, 0, fmt.Errorf("failed to count funding attempts for wallet %s: %w", walletID, err)
	}
	return attempts, totalCount, nil
}

// ListUnsettled retrieves succeeded attempts still waiting for on-chain confirmation.
func (r *FundingAttemptRepository) ListUnsettled(ctx context.Context, q repository.DBExecutor, cutoff time.Time, limit int) ([]domain.FundingAttempt, error) {
	attempts := []domain.FundingAttempt{}
	query := `SELECT ` + fundingColumns + `
		FROM funding_attempts
		WHERE outcome = $1 AND settled = FALSE AND requested_at < $2
		ORDER BY requested_at ASC
		LIMIT $3`
	if err := q.SelectContext(ctx, &attempts, query, domain.FundingOutcomeSucceeded, cutoff.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list unsettled funding attempts: %w", err)
	}
	return attempts, nil
}

func expectOneRow(result sql.Result, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return util.ErrNotFound
	}
	return nil
}
