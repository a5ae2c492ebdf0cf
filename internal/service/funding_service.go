// internal/service/funding_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainflow-wallet/internal/client/faucet"
	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/guard"
	"chainflow-wallet/internal/metrics"
	"chainflow-wallet/internal/repository"
	"chainflow-wallet/internal/util"
)

// FundingPolicy decides whether and how much to request for one asset.
type FundingPolicy struct {
	// RepeatUntilThreshold skips the request while the balance is at or above Target.
	// Without it every call issues exactly one request.
	RepeatUntilThreshold bool
	Target               decimal.Decimal
	// ExpectedIncrease is used for settlement when the faucet does not report an amount.
	ExpectedIncrease decimal.Decimal
}

// DefaultFundingPolicies returns repeat-until-threshold for the native token and
// single-shot for the stablecoin.
func DefaultFundingPolicies() map[domain.Asset]FundingPolicy {
	return map[domain.Asset]FundingPolicy{
		domain.AssetNative: {
			RepeatUntilThreshold: true,
			Target:               decimal.RequireFromString("0.01"),
			ExpectedIncrease:     decimal.RequireFromString("0.0001"),
		},
		domain.AssetStable: {
			ExpectedIncrease: decimal.NewFromInt(1),
		},
	}
}

// FundingService coordinates faucet requests and their settlement.
type FundingService interface {
	// RequestFunding tops up the wallet at address. A skipped request returns an
	// attempt with outcome SKIPPED; every other failure returns a nil attempt and a typed error.
	RequestFunding(ctx context.Context, address string, asset domain.Asset) (*domain.FundingAttempt, error)
	// SettleAttempt waits for a succeeded attempt to land on-chain and records the result.
	SettleAttempt(ctx context.Context, attempt *domain.FundingAttempt) (*domain.Settlement, error)
	// RecheckUnsettled takes one chain reading for attempts left unsettled and settles those
	// whose threshold is now met. It returns how many were settled.
	RecheckUnsettled(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	GetAttempt(ctx context.Context, walletID, attemptID uuid.UUID) (*domain.FundingAttempt, error)
	ListAttempts(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.FundingAttempt, int64, error)
}

type fundingService struct {
	dbExecutor  repository.DBExecutor
	walletRepo  repository.WalletRepository
	fundingRepo repository.FundingAttemptRepository
	faucet      FundsRequester
	balances    BalanceService
	settlement  SettlementService
	guard       guard.Guard
	clock       clockwork.Clock
	policies    map[domain.Asset]FundingPolicy
	tolerance   decimal.Decimal
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewFundingService creates a new FundingService.
func NewFundingService(
	dbExecutor repository.DBExecutor,
	walletRepo repository.WalletRepository,
	fundingRepo repository.FundingAttemptRepository,
	gateway FundsRequester,
	balances BalanceService,
	settlement SettlementService,
	g guard.Guard,
	clock clockwork.Clock,
	policies map[domain.Asset]FundingPolicy,
	tolerance decimal.Decimal,
	m *metrics.Metrics,
	logger *zap.Logger,
) FundingService {
	if policies == nil {
		policies = DefaultFundingPolicies()
	}
	if !tolerance.IsPositive() {
		tolerance = DefaultSettlementConfig().Tolerance
	}
	return &fundingService{
		dbExecutor:  dbExecutor,
		walletRepo:  walletRepo,
		fundingRepo: fundingRepo,
		faucet:      gateway,
		balances:    balances,
		settlement:  settlement,
		guard:       g,
		clock:       clock,
		policies:    policies,
		tolerance:   tolerance,
		metrics:     m,
		logger:      logger,
	}
}

func fundingKey(asset domain.Asset, address string) string {
	return fmt.Sprintf("funding:%s:%s", asset, strings.ToLower(address))
}

func (s *fundingService) RequestFunding(ctx context.Context, address string, asset domain.Asset) (*domain.FundingAttempt, error) {
	policy, ok := s.policies[asset]
	if !ok || !asset.Valid() {
		return nil, fmt.Errorf("%w: %s", util.ErrUnsupportedAsset, asset)
	}

	release, err := s.guard.Acquire(ctx, fundingKey(asset, address))
	if err != nil {
		s.metrics.GuardRejections.WithLabelValues("funding").Inc()
		return nil, err
	}
	defer release()

	wallet, err := s.walletRepo.GetByAddress(ctx, s.dbExecutor, address)
	if err != nil {
		return nil, fmt.Errorf("request funding: %w", err)
	}

	current, err := s.balances.Current(ctx, wallet, asset)
	if err != nil {
		return nil, fmt.Errorf("request funding: %w", err)
	}

	if policy.RepeatUntilThreshold && current.Amount.GreaterThanOrEqual(policy.Target) {
		s.metrics.FundingOutcomes.WithLabelValues(string(asset), string(domain.FundingOutcomeSkipped)).Inc()
		s.logger.Info("Funding skipped, balance at target",
			zap.String("address", wallet.Address),
			zap.String("asset", string(asset)),
			zap.String("balance", current.Amount.String()),
			zap.String("target", policy.Target.String()))
		return domain.NewSkippedAttempt(wallet, asset, current.Amount, s.clock.Now()), nil
	}

	attempt := domain.NewFundingAttempt(wallet, asset, current.Amount, policy.ExpectedIncrease, s.clock.Now())
	if err := s.fundingRepo.Create(ctx, s.dbExecutor, attempt); err != nil {
		return nil, fmt.Errorf("request funding: %w", err)
	}

	receipt, gwErr := s.faucet.RequestFunds(ctx, wallet.Address, wallet.Network, asset)
	resultErr := s.applyReceipt(attempt, receipt, gwErr)
	attempt.UpdatedAt = s.clock.Now().UTC()

	// The faucet has been called; the outcome must be recorded even if the caller went away.
	if err := s.fundingRepo.UpdateOutcome(context.WithoutCancel(ctx), s.dbExecutor, attempt); err != nil {
		s.logger.Error("Failed to record funding outcome",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("outcome", string(attempt.Outcome)),
			zap.Error(err))
		if resultErr == nil {
			return nil, fmt.Errorf("request funding: %w", err)
		}
	}

	s.metrics.FundingOutcomes.WithLabelValues(string(asset), string(attempt.Outcome)).Inc()
	if resultErr != nil {
		s.logger.Warn("Funding request failed",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("address", wallet.Address),
			zap.String("asset", string(asset)),
			zap.String("outcome", string(attempt.Outcome)),
			zap.Error(resultErr))
		return nil, resultErr
	}

	s.logger.Info("Funding request accepted",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("address", wallet.Address),
		zap.String("asset", string(asset)),
		zap.String("expected_increase", attempt.ExpectedIncrease.String()))
	return attempt, nil
}

// applyReceipt moves attempt to its post-gateway outcome and returns the error for the caller.
func (s *fundingService) applyReceipt(attempt *domain.FundingAttempt, receipt *faucet.Receipt, gwErr error) error {
	fail := func(outcome domain.FundingOutcome, err error) error {
		reason := err.Error()
		attempt.Outcome = outcome
		attempt.FailureReason = &reason
		return err
	}

	switch {
	case gwErr != nil:
		if _, ok := util.AsRateLimited(gwErr); ok {
			return fail(domain.FundingOutcomeRateLimited, gwErr)
		}
		return fail(domain.FundingOutcomeFailed, gwErr)
	case receipt == nil || len(receipt.TxReferences) == 0:
		return fail(domain.FundingOutcomeFailed, util.ErrNoFundsReceived)
	}

	ref := strings.Join(receipt.TxReferences, ",")
	attempt.Outcome = domain.FundingOutcomeSucceeded
	attempt.TxReference = &ref
	if receipt.Amount.IsPositive() {
		attempt.ExpectedIncrease = receipt.Amount
	}
	return nil
}

func (s *fundingService) SettleAttempt(ctx context.Context, attempt *domain.FundingAttempt) (*domain.Settlement, error) {
	if attempt.Settled {
		final := attempt.BaselineBalance
		if attempt.FinalBalance != nil {
			final = *attempt.FinalBalance
		}
		return &domain.Settlement{State: domain.SettlementSettled, Settled: true, FinalBalance: final}, nil
	}
	if !attempt.NeedsSettlement() {
		return nil, fmt.Errorf("%w: attempt %s has outcome %s", util.ErrInvalidInput, attempt.ID, attempt.Outcome)
	}

	result, err := s.settlement.AwaitSettlement(ctx, attempt.Address, attempt.Asset, attempt.ExpectedIncrease, attempt.BaselineBalance)
	if err != nil {
		return nil, err
	}
	if !result.Settled {
		return result, nil
	}

	if err := s.markSettled(context.WithoutCancel(ctx), attempt, result.FinalBalance); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *fundingService) markSettled(ctx context.Context, attempt *domain.FundingAttempt, finalBalance decimal.Decimal) error {
	settledAt := s.clock.Now().UTC()
	if err := s.fundingRepo.MarkSettled(ctx, s.dbExecutor, attempt.ID, finalBalance, settledAt); err != nil {
		return fmt.Errorf("settle attempt: %w", err)
	}
	attempt.Settled = true
	attempt.FinalBalance = &finalBalance
	attempt.SettledAt = &settledAt
	return nil
}

func (s *fundingService) RecheckUnsettled(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	attempts, err := s.fundingRepo.ListUnsettled(ctx, s.dbExecutor, s.clock.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("recheck unsettled: %w", err)
	}

	settled := 0
	for i := range attempts {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		attempt := &attempts[i]
		ok, err := s.recheck(ctx, attempt)
		if err != nil {
			s.logger.Debug("Recheck skipped attempt",
				zap.String("attempt_id", attempt.ID.String()),
				zap.Error(err))
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, nil
}

// recheck takes a single reading under the settlement guard so it never overlaps a live poll.
func (s *fundingService) recheck(ctx context.Context, attempt *domain.FundingAttempt) (bool, error) {
	release, err := s.guard.Acquire(ctx, settlementKey(attempt.Asset, attempt.Address))
	if err != nil {
		return false, err
	}
	defer release()

	balance, err := s.balances.Observe(ctx, attempt.WalletID, attempt.Address, attempt.Asset)
	if err != nil {
		return false, err
	}
	if balance.LessThan(attempt.SettlementThreshold(s.tolerance)) {
		return false, nil
	}
	if err := s.markSettled(ctx, attempt, balance); err != nil {
		return false, err
	}
	s.metrics.SettlementResults.WithLabelValues(string(attempt.Asset), string(domain.SettlementSettled)).Inc()
	s.logger.Info("Unsettled attempt confirmed on recheck",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("final_balance", balance.String()))
	return true, nil
}

func (s *fundingService) GetAttempt(ctx context.Context, walletID, attemptID uuid.UUID) (*domain.FundingAttempt, error) {
	attempt, err := s.fundingRepo.GetByID(ctx, s.dbExecutor, attemptID)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	// Attempts of other wallets are indistinguishable from missing ones.
	if attempt.WalletID != walletID {
		return nil, util.ErrNotFound
	}
	return attempt, nil
}

func (s *fundingService) ListAttempts(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.FundingAttempt, int64, error) {
	attempts, total, err := s.fundingRepo.ListByWallet(ctx, s.dbExecutor, walletID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, total, nil
}
