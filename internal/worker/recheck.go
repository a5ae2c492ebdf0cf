// internal/worker/recheck.go
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Rechecker re-reads attempts that finished polling without settling.
type Rechecker interface {
	RecheckUnsettled(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// RecheckConfig controls the unsettled recheck job.
type RecheckConfig struct {
	Schedule  string        // cron spec or descriptor, e.g. "@every 5m"
	OlderThan time.Duration // only attempts requested before now-OlderThan
	BatchSize int
	Timeout   time.Duration // per run
}

// DefaultRecheckConfig returns default configuration
func DefaultRecheckConfig() RecheckConfig {
	return RecheckConfig{
		Schedule:  "@every 5m",
		OlderThan: 5 * time.Minute,
		BatchSize: 100,
		Timeout:   2 * time.Minute,
	}
}

// Recheck periodically settles attempts whose funds landed after the poll loop gave up.
type Recheck struct {
	rechecker Rechecker
	config    RecheckConfig
	cron      *cron.Cron
	logger    *zap.Logger
}

// NewRecheck creates the job. Overlapping runs are skipped.
func NewRecheck(rechecker Rechecker, config RecheckConfig, logger *zap.Logger) *Recheck {
	defaults := DefaultRecheckConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.OlderThan <= 0 {
		config.OlderThan = defaults.OlderThan
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	cronLog := cronLogger{logger: logger.Named("cron").Sugar()}
	return &Recheck{
		rechecker: rechecker,
		config:    config,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		logger:    logger,
	}
}

// Start schedules the job.
func (r *Recheck) Start() error {
	if _, err := r.cron.AddFunc(r.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Unsettled recheck failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule unsettled recheck %q: %w", r.config.Schedule, err)
	}

	r.cron.Start()
	r.logger.Info("Unsettled recheck started", zap.String("schedule", r.config.Schedule))
	return nil
}

// RunOnce performs a single recheck pass.
func (r *Recheck) RunOnce(ctx context.Context) (int, error) {
	settled, err := r.rechecker.RecheckUnsettled(ctx, r.config.OlderThan, r.config.BatchSize)
	if settled > 0 {
		r.logger.Info("Unsettled recheck settled attempts", zap.Int("settled", settled))
	}
	return settled, err
}

// Stop unschedules the job and waits for a running pass, or for ctx.
func (r *Recheck) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
		r.logger.Info("Unsettled recheck stopped")
	case <-ctx.Done():
		r.logger.Warn("Unsettled recheck still running at shutdown")
	}
}

// cronLogger adapts zap to cron.Logger so recovered panics and skipped runs are logged.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
