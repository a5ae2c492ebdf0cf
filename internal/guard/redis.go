// internal/guard/redis.go
package guard

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chainflow-wallet/internal/util"
)

//go:embed lua/release.lua
var luaRelease string

const defaultLeaseTTL = 5 * time.Minute

// Redis is a lease-based guard shared by every process using the same Redis.
// A lease expires after its TTL so a crashed holder cannot wedge the key.
type Redis struct {
	rdb        redis.UniversalClient
	ttl        time.Duration
	prefix     string
	scrRelease *redis.Script
	logger     *zap.Logger
}

// NewRedis creates a Redis guard. ttl must exceed the longest guarded call.
func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	g := &Redis{
		rdb:        rdb,
		ttl:        ttl,
		prefix:     prefix,
		scrRelease: redis.NewScript(luaRelease),
		logger:     logger,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = g.scrRelease.Load(ctx, rdb).Err() // Run falls back to EVAL
	}()
	return g
}

func (g *Redis) leaseKey(key string) string {
	return fmt.Sprintf("%slease:{%s}", g.prefix, key)
}

// Acquire implements Guard.
func (g *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	leaseKey := g.leaseKey(key)

	ok, err := g.rdb.SetNX(ctx, leaseKey, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", util.ErrOperationInFlight, key)
	}

	return func() {
		// The caller's context may already be cancelled; release must still run.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := g.scrRelease.Run(releaseCtx, g.rdb, []string{leaseKey}, token).Err(); err != nil {
			g.logger.Warn("Failed to release lease", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
