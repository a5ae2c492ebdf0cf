// internal/app.go
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	router "chainflow-wallet/internal/api"
	"chainflow-wallet/internal/api/handler"
	"chainflow-wallet/internal/client/chain"
	"chainflow-wallet/internal/client/custody"
	"chainflow-wallet/internal/client/faucet"
	"chainflow-wallet/internal/config"
	"chainflow-wallet/internal/guard"
	"chainflow-wallet/internal/metrics"
	"chainflow-wallet/internal/repository"
	"chainflow-wallet/internal/repository/postgres"
	"chainflow-wallet/internal/service"
	"chainflow-wallet/internal/util"
	"chainflow-wallet/internal/worker"
	"chainflow-wallet/pkg/db"
)

// Application holds all the initialized components of the application.
type Application struct {
	Config   *config.AppConfig
	Logger   *zap.Logger
	DB       *sqlx.DB
	Redis    redis.UniversalClient
	Registry *prometheus.Registry

	// Repositories
	WalletRepository  repository.WalletRepository
	FundingRepository repository.FundingAttemptRepository

	// Services
	WalletService     service.WalletService
	BalanceService    service.BalanceService
	SettlementService service.SettlementService
	FundingService    service.FundingService

	// Background workers
	Dispatcher *worker.Dispatcher
	Recheck    *worker.Recheck

	// HTTP API
	HTTPHandler http.Handler
}

// NewApplication creates a new Application instance.
func NewApplication() *Application {
	return &Application{Logger: util.GetLogger()}
}

// Initialize initializes all application components.
func (app *Application) Initialize(ctx context.Context) error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	app.Config = cfg

	// 2. Initialize Logger
	if err := util.InitLogger(cfg.LogLevel, cfg.Environment); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = util.GetLogger()
	app.Logger.Info("Application configuration loaded successfully.",
		zap.String("environment", cfg.Environment))

	// 3. Connect to Database and apply migrations
	database, err := db.NewPostgresDB(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.DB = database
	if err := db.RunMigrations(app.DB); err != nil {
		return err
	}
	app.Logger.Info("Database connection established and migrations applied.")

	// 4. Metrics
	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(app.Registry)

	// 5. In-flight guard, cross-process when Redis is configured
	g, err := app.initGuard(ctx)
	if err != nil {
		return err
	}

	// 6. Initialize Repositories
	app.WalletRepository = postgres.NewWalletRepository(app.DB)
	app.FundingRepository = postgres.NewFundingAttemptRepository(app.DB)

	// 7. External clients
	chainClient := chain.NewClient(cfg.Chain, app.Logger)
	faucetClient := faucet.NewClient(cfg.Faucet, app.Logger)
	custodyClient := custody.NewClient(cfg.Custody, app.Logger)

	// 8. Initialize Services
	settlementConfig, err := cfg.SettlementService()
	if err != nil {
		return err
	}
	policies, err := cfg.FundingPolicies()
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()

	// Pass the concrete db.BeginTx, db.CommitTx, db.RollbackTx functions from pkg/db
	app.WalletService = service.NewWalletService(
		app.DB, // This is the DBTxBeginner
		app.DB, // This is the DBExecutor
		app.WalletRepository,
		custodyClient,
		db.BeginTx,
		db.CommitTx,
		db.RollbackTx,
		clock,
		cfg.ProvisioningService(),
		m,
		app.Logger,
	)
	app.BalanceService = service.NewBalanceService(app.DB, app.WalletRepository, chainClient, clock, m, app.Logger)
	app.SettlementService = service.NewSettlementService(
		app.DB, app.WalletRepository, app.BalanceService, g, clock, settlementConfig, m, app.Logger)
	app.FundingService = service.NewFundingService(
		app.DB,
		app.WalletRepository,
		app.FundingRepository,
		faucetClient,
		app.BalanceService,
		app.SettlementService,
		g,
		clock,
		policies,
		settlementConfig.Tolerance,
		m,
		app.Logger,
	)
	app.Logger.Info("Services initialized.",
		zap.Duration("settlement_budget", settlementConfig.Budget()))

	// 9. Background workers
	app.Dispatcher = worker.NewDispatcher(app.FundingService, cfg.DispatcherWorker(), app.Logger)
	app.Recheck = worker.NewRecheck(app.FundingService, cfg.RecheckWorker(), app.Logger)
	if err := app.Recheck.Start(); err != nil {
		return err
	}

	// 10. Initialize HTTP Handlers and Router
	walletHandler := handler.NewWalletHandler(
		app.WalletService, app.BalanceService, app.FundingService, app.Dispatcher, app.Logger)
	app.HTTPHandler = router.NewRouter(walletHandler, app.Registry, app.Logger)
	app.Logger.Info("HTTP router and handlers initialized.")

	return nil
}

func (app *Application) initGuard(ctx context.Context) (guard.Guard, error) {
	local := guard.NewLocal()
	if !app.Config.Redis.Enabled() {
		app.Logger.Info("Redis not configured, in-flight guard is process-local")
		return local, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     app.Config.Redis.Addr,
		Password: app.Config.Redis.Password,
		DB:       app.Config.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	app.Redis = rdb
	app.Logger.Info("Redis connection established, in-flight guard is cross-process")

	return guard.Chain{
		local,
		guard.NewRedis(rdb, app.Config.Redis.KeyPrefix, app.Config.Redis.LeaseTTL, app.Logger),
	}, nil
}

// Shutdown gracefully shuts down application resources.
// Settlement still running when ctx expires is cancelled and left for the recheck job.
func (app *Application) Shutdown(ctx context.Context) error {
	app.Logger.Info("Shutting down application...")

	if app.Recheck != nil {
		app.Recheck.Stop(ctx)
	}
	if app.Dispatcher != nil {
		if err := app.Dispatcher.Shutdown(ctx); err != nil {
			app.Logger.Warn("Settlement dispatcher did not drain", zap.Error(err))
		}
	}
	if app.Redis != nil {
		if err := app.Redis.Close(); err != nil {
			app.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}
	if app.DB != nil {
		if err := app.DB.Close(); err != nil {
			app.Logger.Error("Failed to close database connection", zap.Error(err))
			return fmt.Errorf("failed to close database connection: %w", err)
		}
		app.Logger.Info("Database connection closed.")
	}

	app.Logger.Info("Application shut down gracefully.")
	_ = app.Logger.Sync()
	return nil
}
