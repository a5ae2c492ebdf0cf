// internal/repository/funding_repo.go
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainflow-wallet/internal/domain"
)

// FundingAttemptRepository defines the interface for funding attempt data operations.
type FundingAttemptRepository interface {
	// Create adds a new funding attempt record.
	Create(ctx context.Context, q DBExecutor, attempt *domain.FundingAttempt) error
	// UpdateOutcome records the gateway's answer for an attempt.
	UpdateOutcome(ctx context.Context, q DBExecutor, attempt *domain.FundingAttempt) error
	// MarkSettled flags the attempt as confirmed on-chain with the observed balance.
	MarkSettled(ctx context.Context, q DBExecutor, id uuid.UUID, finalBalance decimal.Decimal, settledAt time.Time) error
	// GetByID retrieves a single attempt.
	GetByID(ctx context.Context, q DBExecutor, id uuid.UUID) (*domain.FundingAttempt, error)
	// ListByWallet retrieves a page of attempts for a wallet, newest first, with the total count.
	ListByWallet(ctx context.Context, q DBExecutor, walletID uuid.UUID, limit, offset int) ([]domain.FundingAttempt, int64, error)
	// ListUnsettled retrieves succeeded attempts still awaiting confirmation that were requested before cutoff.
	ListUnsettled(ctx context.Context, q DBExecutor, cutoff time.Time, limit int) ([]domain.FundingAttempt, error)
}
