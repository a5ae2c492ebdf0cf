// internal/service/balance_service.go
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/metrics"
	"chainflow-wallet/internal/repository"
	"chainflow-wallet/internal/util"
)

// BalanceService keeps the advisory balance cache in step with the chain.
type BalanceService interface {
	// Observe reads the chain and writes the result through to the cache. It never falls back.
	Observe(ctx context.Context, walletID uuid.UUID, address string, asset domain.Asset) (decimal.Decimal, error)
	// Current returns a fresh chain read, or the last cached value when the chain is unreachable.
	Current(ctx context.Context, wallet *domain.Wallet, asset domain.Asset) (*domain.BalanceSnapshot, error)
	// Refresh returns Current for every tracked asset.
	Refresh(ctx context.Context, wallet *domain.Wallet) ([]domain.BalanceSnapshot, error)
}

type balanceService struct {
	dbExecutor repository.DBExecutor
	walletRepo repository.WalletRepository
	chain      BalanceReader
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewBalanceService creates a new BalanceService.
func NewBalanceService(
	dbExecutor repository.DBExecutor,
	walletRepo repository.WalletRepository,
	chain BalanceReader,
	clock clockwork.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) BalanceService {
	return &balanceService{
		dbExecutor: dbExecutor,
		walletRepo: walletRepo,
		chain:      chain,
		clock:      clock,
		metrics:    m,
		logger:     logger,
	}
}

func (s *balanceService) Observe(ctx context.Context, walletID uuid.UUID, address string, asset domain.Asset) (decimal.Decimal, error) {
	amount, err := s.chain.GetBalance(ctx, address, asset)
	if err != nil {
		s.metrics.ChainReadFailures.WithLabelValues(string(asset)).Inc()
		return decimal.Zero, err
	}

	snapshot := domain.NewChainSnapshot(walletID, asset, amount, s.clock.Now())
	if err := s.walletRepo.UpdateBalanceCache(ctx, s.dbExecutor, snapshot); err != nil {
		// The cache is advisory; a failed write must not hide a good read.
		s.logger.Warn("Failed to write balance cache",
			zap.String("wallet_id", walletID.String()),
			zap.String("asset", string(asset)),
			zap.Error(err))
	}
	return amount, nil
}

func (s *balanceService) Current(ctx context.Context, wallet *domain.Wallet, asset domain.Asset) (*domain.BalanceSnapshot, error) {
	amount, readErr := s.Observe(ctx, wallet.ID, wallet.Address, asset)
	if readErr == nil {
		return domain.NewChainSnapshot(wallet.ID, asset, amount, s.clock.Now()), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cached, err := s.walletRepo.GetBalanceSnapshot(ctx, s.dbExecutor, wallet.ID, asset)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, fmt.Errorf("read %s balance: %w", asset, readErr)
		}
		return nil, fmt.Errorf("read cached %s balance: %w", asset, err)
	}

	s.logger.Info("Serving cached balance after chain read failure",
		zap.String("address", wallet.Address),
		zap.String("asset", string(asset)),
		zap.Time("observed_at", cached.ObservedAt),
		zap.Error(readErr))
	cached.Source = domain.SourceCache
	return cached, nil
}

func (s *balanceService) Refresh(ctx context.Context, wallet *domain.Wallet) ([]domain.BalanceSnapshot, error) {
	snapshots := make([]domain.BalanceSnapshot, 0, len(domain.Assets))
	for _, asset := range domain.Assets {
		snapshot, err := s.Current(ctx, wallet, asset)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	return snapshots, nil
}
