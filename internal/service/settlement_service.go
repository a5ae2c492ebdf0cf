// internal/service/settlement_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/guard"
	"chainflow-wallet/internal/metrics"
	"chainflow-wallet/internal/repository"
)

// SettlementConfig controls the reconciliation poll loop.
type SettlementConfig struct {
	GraceDelay   time.Duration   // wait before the first read
	PollInterval time.Duration   // wait between reads
	MaxAttempts  int             // chain reads per run
	Tolerance    decimal.Decimal // fraction of the expected increase that counts as delivered
}

// DefaultSettlementConfig returns the production defaults: 3s grace, 18 reads 5s apart, 95% tolerance.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		GraceDelay:   3 * time.Second,
		PollInterval: 5 * time.Second,
		MaxAttempts:  18,
		Tolerance:    decimal.RequireFromString("0.95"),
	}
}

// Budget is the longest a run can wait on the clock.
func (c SettlementConfig) Budget() time.Duration {
	if c.MaxAttempts <= 0 {
		return c.GraceDelay
	}
	return c.GraceDelay + time.Duration(c.MaxAttempts-1)*c.PollInterval
}

// SettlementService waits for a requested balance change to become visible on-chain.
type SettlementService interface {
	// AwaitSettlement polls until balance ≥ baseline + expectedIncrease × tolerance or the
	// attempt ceiling is reached. An exhausted run is returned as a result, not an error.
	AwaitSettlement(ctx context.Context, address string, asset domain.Asset, expectedIncrease, baseline decimal.Decimal) (*domain.Settlement, error)
}

type settlementService struct {
	dbExecutor repository.DBExecutor
	walletRepo repository.WalletRepository
	balances   BalanceService
	guard      guard.Guard
	clock      clockwork.Clock
	config     SettlementConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewSettlementService creates a new SettlementService.
func NewSettlementService(
	dbExecutor repository.DBExecutor,
	walletRepo repository.WalletRepository,
	balances BalanceService,
	g guard.Guard,
	clock clockwork.Clock,
	config SettlementConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) SettlementService {
	defaults := DefaultSettlementConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if !config.Tolerance.IsPositive() {
		config.Tolerance = defaults.Tolerance
	}
	return &settlementService{
		dbExecutor: dbExecutor,
		walletRepo: walletRepo,
		balances:   balances,
		guard:      g,
		clock:      clock,
		config:     config,
		metrics:    m,
		logger:     logger,
	}
}

func settlementKey(asset domain.Asset, address string) string {
	return fmt.Sprintf("settlement:%s:%s", asset, strings.ToLower(address))
}

func (s *settlementService) AwaitSettlement(ctx context.Context, address string, asset domain.Asset, expectedIncrease, baseline decimal.Decimal) (*domain.Settlement, error) {
	release, err := s.guard.Acquire(ctx, settlementKey(asset, address))
	if err != nil {
		s.metrics.GuardRejections.WithLabelValues("settlement").Inc()
		return nil, err
	}
	defer release()

	wallet, err := s.walletRepo.GetByAddress(ctx, s.dbExecutor, address)
	if err != nil {
		return nil, fmt.Errorf("await settlement: %w", err)
	}

	result := &domain.Settlement{
		State:        domain.SettlementWaitingGrace,
		FinalBalance: baseline,
		Threshold:    baseline.Add(expectedIncrease.Mul(s.config.Tolerance)),
	}
	start := s.clock.Now()

	if err := sleep(ctx, s.clock, s.config.GraceDelay); err != nil {
		return nil, err
	}

	result.State = domain.SettlementPolling
	for result.Reads < s.config.MaxAttempts {
		if result.Reads > 0 {
			if err := sleep(ctx, s.clock, s.config.PollInterval); err != nil {
				return nil, err
			}
		}

		result.Reads++
		balance, err := s.balances.Observe(ctx, wallet.ID, wallet.Address, asset)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.FailedReads++
			s.logger.Debug("Settlement read failed",
				zap.String("address", wallet.Address),
				zap.String("asset", string(asset)),
				zap.Int("read", result.Reads),
				zap.Error(err))
			continue
		}

		result.FinalBalance = balance
		if balance.GreaterThanOrEqual(result.Threshold) {
			result.State = domain.SettlementSettled
			result.Settled = true
			break
		}
	}
	if !result.Settled {
		result.State = domain.SettlementExhausted
	}

	elapsed := s.clock.Since(start)
	s.metrics.SettlementResults.WithLabelValues(string(asset), string(result.State)).Inc()
	s.metrics.SettlementDuration.WithLabelValues(string(asset)).Observe(elapsed.Seconds())
	s.logger.Info("Settlement finished",
		zap.String("address", wallet.Address),
		zap.String("asset", string(asset)),
		zap.String("state", string(result.State)),
		zap.String("final_balance", result.FinalBalance.String()),
		zap.String("threshold", result.Threshold.String()),
		zap.Int("reads", result.Reads),
		zap.Int("failed_reads", result.FailedReads),
		zap.Duration("elapsed", elapsed))
	return result, nil
}
