// internal/service/wallet_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/metrics"
	"chainflow-wallet/internal/repository"
	"chainflow-wallet/internal/util"
	"chainflow-wallet/pkg/db"
)

const discardTimeout = 10 * time.Second

// ProvisioningConfig bounds wallet creation.
type ProvisioningConfig struct {
	MaxAttempts int           // creation attempts per logical request
	RetryDelay  time.Duration // base delay between attempts, jittered ±50%
}

// DefaultProvisioningConfig returns the production defaults.
func DefaultProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{MaxAttempts: 3, RetryDelay: 500 * time.Millisecond}
}

// WalletService defines the interface for wallet provisioning.
type WalletService interface {
	// EnsureWallet returns the user's wallet, creating it on first access.
	// Concurrent calls for the same user share one creation and receive the same wallet.
	EnsureWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	// GetWallet returns the user's wallet without creating one.
	GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
}

// walletService implements the WalletService interface.
type walletService struct {
	dbBeginner db.DBTxBeginner       // For starting transactions (e.g., *sqlx.DB)
	dbExecutor repository.DBExecutor // For non-transactional reads (e.g., *sqlx.DB)
	walletRepo repository.WalletRepository
	accounts   AccountCreator
	beginTx    db.BeginTxFunc
	commitTx   db.CommitTxFunc
	rollbackTx db.RollbackTxFunc
	clock      clockwork.Clock
	config     ProvisioningConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger

	inflight singleflight.Group
}

// NewWalletService creates a new instance of WalletService.
func NewWalletService(
	dbBeginner db.DBTxBeginner,
	dbExecutor repository.DBExecutor,
	walletRepo repository.WalletRepository,
	accounts AccountCreator,
	beginTx db.BeginTxFunc,
	commitTx db.CommitTxFunc,
	rollbackTx db.RollbackTxFunc,
	clock clockwork.Clock,
	config ProvisioningConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) WalletService {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultProvisioningConfig().MaxAttempts
	}
	return &walletService{
		dbBeginner: dbBeginner,
		dbExecutor: dbExecutor,
		walletRepo: walletRepo,
		accounts:   accounts,
		beginTx:    beginTx,
		commitTx:   commitTx,
		rollbackTx: rollbackTx,
		clock:      clock,
		config:     config,
		metrics:    m,
		logger:     logger,
	}
}

func (s *walletService) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	if userID == uuid.Nil {
		return nil, util.ErrInvalidInput
	}
	wallet, err := s.walletRepo.GetByUser(ctx, s.dbExecutor, userID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return wallet, nil
}

// EnsureWallet returns the user's live wallet, provisioning one on a miss.
func (s *walletService) EnsureWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	if userID == uuid.Nil {
		return nil, util.ErrInvalidInput
	}

	wallet, err := s.walletRepo.GetByUser(ctx, s.dbExecutor, userID)
	if err == nil {
		s.metrics.ProvisioningOutcomes.WithLabelValues(metrics.ProvisionExisting).Inc()
		return wallet, nil
	}
	if !errors.Is(err, util.ErrWalletNotFound) {
		return nil, fmt.Errorf("ensure wallet: failed to look up wallet: %w", err)
	}

	// A flight runs on its leader's context. If the leader is cancelled the
	// followers start a fresh flight instead of inheriting the cancellation.
	for {
		ch := s.inflight.DoChan(userID.String(), func() (interface{}, error) {
			return s.provision(ctx, userID)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(*domain.Wallet), nil
			}
			if isContextError(res.Err) && ctx.Err() == nil {
				continue
			}
			return nil, res.Err
		}
	}
}

// provision creates the wallet, retrying up to the configured ceiling.
func (s *walletService) provision(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, s.clock, s.retryDelay()); err != nil {
				return nil, err
			}
		}

		wallet, outcome, err := s.tryCreate(ctx, userID)
		if err == nil {
			s.metrics.ProvisioningOutcomes.WithLabelValues(outcome).Inc()
			s.metrics.ProvisioningAttempts.Observe(float64(attempt))
			return wallet, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		s.logger.Warn("Wallet creation attempt failed",
			zap.String("user_id", userID.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.config.MaxAttempts),
			zap.Error(err))
	}

	s.metrics.ProvisioningOutcomes.WithLabelValues(metrics.ProvisionExhausted).Inc()
	return nil, fmt.Errorf("%w after %d attempts: %v", util.ErrProvisioningExhausted, s.config.MaxAttempts, lastErr)
}

// tryCreate mints an account and persists it. On a conflict the minted account is
// discarded and the existing wallet is returned.
func (s *walletService) tryCreate(ctx context.Context, userID uuid.UUID) (*domain.Wallet, string, error) {
	account, err := s.accounts.CreateAccount(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("create account: %w", err)
	}

	wallet := domain.NewWallet(userID, account.Address, s.accounts.Network(), account.CredentialHandle)
	insertErr := s.insertWallet(ctx, wallet)
	if insertErr == nil {
		s.logger.Info("Wallet provisioned",
			zap.String("user_id", userID.String()),
			zap.String("wallet_id", wallet.ID.String()),
			zap.String("address", wallet.Address),
			zap.String("network", string(wallet.Network)))
		return wallet, metrics.ProvisionCreated, nil
	}

	// The account was never persisted, so nothing else can reference it.
	s.discard(ctx, userID, account.CredentialHandle)

	if !errors.Is(insertErr, util.ErrDuplicateEntry) {
		return nil, "", insertErr
	}

	existing, err := s.walletRepo.GetByUser(ctx, s.dbExecutor, userID)
	if err != nil {
		// The conflict was on the address, not the user.
		return nil, "", fmt.Errorf("insert conflicted without a live wallet for user: %w", err)
	}
	s.logger.Info("Lost wallet creation race, using existing wallet",
		zap.String("user_id", userID.String()),
		zap.String("wallet_id", existing.ID.String()))
	return existing, metrics.ProvisionRecovered, nil
}

// insertWallet stores the wallet and its zero balance snapshots atomically.
func (s *walletService) insertWallet(ctx context.Context, wallet *domain.Wallet) error {
	txController, err := s.beginTx(ctx, s.dbBeginner)
	if err != nil {
		return fmt.Errorf("insert wallet: failed to begin transaction: %w", err)
	}
	defer s.rollbackTx(txController)

	txExecutor, ok := txController.(repository.DBExecutor)
	if !ok {
		return fmt.Errorf("insert wallet: transaction controller does not implement DBExecutor")
	}

	if err := s.walletRepo.InsertIfAbsent(ctx, txExecutor, wallet); err != nil {
		return err
	}
	for _, asset := range domain.Assets {
		snapshot := domain.NewInitialSnapshot(wallet.ID, asset, wallet.CreatedAt)
		if err := s.walletRepo.UpdateBalanceCache(ctx, txExecutor, snapshot); err != nil {
			return fmt.Errorf("insert wallet: failed to seed %s balance: %w", asset, err)
		}
	}

	if err := s.commitTx(txController); err != nil {
		return fmt.Errorf("insert wallet: failed to commit transaction: %w", err)
	}
	return nil
}

// discard releases a minted account. The credential handle is never logged.
func (s *walletService) discard(ctx context.Context, userID uuid.UUID, credentialHandle string) {
	s.metrics.DiscardedAccounts.Inc()
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	if err := s.accounts.DiscardAccount(dctx, credentialHandle); err != nil {
		s.logger.Error("Failed to discard unused account",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (s *walletService) retryDelay() time.Duration {
	base := s.config.RetryDelay
	if base <= 0 {
		return 0
	}
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
