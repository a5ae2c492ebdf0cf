// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"chainflow-wallet/internal/client/chain"
	"chainflow-wallet/internal/client/custody"
	"chainflow-wallet/internal/client/faucet"
	"chainflow-wallet/internal/domain"
	"chainflow-wallet/internal/service"
	"chainflow-wallet/internal/worker"
	"chainflow-wallet/pkg/db" // Import db package for its Config struct
)

// AppConfig holds all application-wide configurations.
type AppConfig struct {
	Environment  string             `mapstructure:"environment" validate:"oneof=development staging production test"`
	LogLevel     string             `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Server       ServerConfig       `mapstructure:"server"`
	DB           db.Config          `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Chain        chain.Config       `mapstructure:"chain"`
	Faucet       faucet.Config      `mapstructure:"faucet"`
	Custody      custody.Config     `mapstructure:"custody"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Funding      FundingConfig      `mapstructure:"funding"`
	Settlement   SettlementConfig   `mapstructure:"settlement"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Recheck      RecheckConfig      `mapstructure:"recheck"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig enables the cross-process guard when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type ProvisioningConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// FundingConfig amounts are decimal strings so no precision is lost on load.
type FundingConfig struct {
	NativeTarget string `mapstructure:"native_target" validate:"required"`
	NativeDrip   string `mapstructure:"native_drip" validate:"required"`
	StableDrip   string `mapstructure:"stable_drip" validate:"required"`
}

type SettlementConfig struct {
	GraceDelay   time.Duration `mapstructure:"grace_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
	Tolerance    string        `mapstructure:"tolerance" validate:"required"`
}

type DispatcherConfig struct {
	Workers   int `mapstructure:"workers" validate:"min=1"`
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
}

type RecheckConfig struct {
	Schedule  string        `mapstructure:"schedule" validate:"required"`
	OlderThan time.Duration `mapstructure:"older_than"`
	BatchSize int           `mapstructure:"batch_size" validate:"min=1"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads configuration from defaults, an optional config.yaml and the environment.
// Nested keys map to env vars with "." replaced by "_", e.g. SETTLEMENT_POLL_INTERVAL.
func LoadConfig() (*AppConfig, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "user")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "walletdb")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.connect_retries", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "chainflow:")
	v.SetDefault("redis.lease_ttl", 5*time.Minute)

	v.SetDefault("chain.rpc_url", "https://sepolia.base.org")
	v.SetDefault("chain.stablecoin_contract", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	v.SetDefault("chain.native_decimals", 18)
	v.SetDefault("chain.stable_decimals", 6)
	v.SetDefault("chain.requests_per_second", 10)
	v.SetDefault("chain.timeout", 10*time.Second)

	v.SetDefault("faucet.base_url", "http://localhost:8081")
	v.SetDefault("faucet.api_key", "")
	v.SetDefault("faucet.timeout", 30*time.Second)
	v.SetDefault("faucet.native.token", "eth")
	v.SetDefault("faucet.native.cooldown", 24*time.Hour)
	v.SetDefault("faucet.stable.token", "usdc")
	v.SetDefault("faucet.stable.cooldown", 24*time.Hour)

	v.SetDefault("custody.base_url", "http://localhost:8082")
	v.SetDefault("custody.api_key", "")
	v.SetDefault("custody.network", string(domain.NetworkBaseSepolia))
	v.SetDefault("custody.timeout", 15*time.Second)

	v.SetDefault("provisioning.max_attempts", 3)
	v.SetDefault("provisioning.retry_delay", 500*time.Millisecond)

	v.SetDefault("funding.native_target", "0.01")
	v.SetDefault("funding.native_drip", "0.0001")
	v.SetDefault("funding.stable_drip", "1")

	v.SetDefault("settlement.grace_delay", 3*time.Second)
	v.SetDefault("settlement.poll_interval", 5*time.Second)
	v.SetDefault("settlement.max_attempts", 18)
	v.SetDefault("settlement.tolerance", "0.95")

	v.SetDefault("dispatcher.workers", 8)
	v.SetDefault("dispatcher.queue_size", 256)

	v.SetDefault("recheck.schedule", "@every 5m")
	v.SetDefault("recheck.older_than", 5*time.Minute)
	v.SetDefault("recheck.batch_size", 100)
	v.SetDefault("recheck.timeout", 2*time.Minute)
}

func (c *AppConfig) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if !c.Custody.Network.Valid() {
		return fmt.Errorf("unsupported custody network %q", c.Custody.Network)
	}
	if c.Chain.RPCURL == "" || c.Faucet.BaseURL == "" || c.Custody.BaseURL == "" {
		return errors.New("chain, faucet and custody endpoints are required")
	}
	if _, err := c.FundingPolicies(); err != nil {
		return err
	}
	settlement, err := c.SettlementService()
	if err != nil {
		return err
	}
	// The lease must outlive a full settlement loop or a second instance could start polling.
	if c.Redis.Enabled() && c.Redis.LeaseTTL <= settlement.Budget() {
		return fmt.Errorf("redis lease_ttl %s must exceed the settlement budget %s", c.Redis.LeaseTTL, settlement.Budget())
	}
	return nil
}

// FundingPolicies converts the funding section into per-asset policies.
func (c *AppConfig) FundingPolicies() (map[domain.Asset]service.FundingPolicy, error) {
	target, err := positiveDecimal("funding.native_target", c.Funding.NativeTarget)
	if err != nil {
		return nil, err
	}
	nativeDrip, err := positiveDecimal("funding.native_drip", c.Funding.NativeDrip)
	if err != nil {
		return nil, err
	}
	stableDrip, err := positiveDecimal("funding.stable_drip", c.Funding.StableDrip)
	if err != nil {
		return nil, err
	}

	return map[domain.Asset]service.FundingPolicy{
		domain.AssetNative: {RepeatUntilThreshold: true, Target: target, ExpectedIncrease: nativeDrip},
		domain.AssetStable: {ExpectedIncrease: stableDrip},
	}, nil
}

// SettlementService converts the settlement section.
func (c *AppConfig) SettlementService() (service.SettlementConfig, error) {
	tolerance, err := positiveDecimal("settlement.tolerance", c.Settlement.Tolerance)
	if err != nil {
		return service.SettlementConfig{}, err
	}
	if tolerance.GreaterThan(decimal.NewFromInt(1)) {
		return service.SettlementConfig{}, fmt.Errorf("settlement.tolerance %s must not exceed 1", tolerance)
	}
	return service.SettlementConfig{
		GraceDelay:   c.Settlement.GraceDelay,
		PollInterval: c.Settlement.PollInterval,
		MaxAttempts:  c.Settlement.MaxAttempts,
		Tolerance:    tolerance,
	}, nil
}

func (c *AppConfig) ProvisioningService() service.ProvisioningConfig {
	return service.ProvisioningConfig{
		MaxAttempts: c.Provisioning.MaxAttempts,
		RetryDelay:  c.Provisioning.RetryDelay,
	}
}

func (c *AppConfig) DispatcherWorker() worker.DispatcherConfig {
	return worker.DispatcherConfig{Workers: c.Dispatcher.Workers, QueueSize: c.Dispatcher.QueueSize}
}

func (c *AppConfig) RecheckWorker() worker.RecheckConfig {
	return worker.RecheckConfig{
		Schedule:  c.Recheck.Schedule,
		OlderThan: c.Recheck.OlderThan,
		BatchSize: c.Recheck.BatchSize,
		Timeout:   c.Recheck.Timeout,
	}
}

func positiveDecimal(key, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", key, value)
	}
	return d, nil
}
