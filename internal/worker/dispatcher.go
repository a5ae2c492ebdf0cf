// internal/worker/dispatcher.go

// Package worker runs settlement outside the request path.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"chainflow-wallet/internal/domain"
)

var (
	ErrDispatcherClosed = errors.New("settlement dispatcher is shut down")
	ErrQueueFull        = errors.New("settlement queue is full")
)

// Settler settles one funding attempt. It is satisfied by service.FundingService.
type Settler interface {
	SettleAttempt(ctx context.Context, attempt *domain.FundingAttempt) (*domain.Settlement, error)
}

// DispatcherConfig holds configuration for the settlement dispatcher
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   8,
		QueueSize: 256,
	}
}

// Dispatcher settles funding attempts on a bounded pool of goroutines.
// Jobs run on an application-lifetime context, not the request context.
type Dispatcher struct {
	config  DispatcherConfig
	settler Settler
	logger  *zap.Logger

	jobs chan *domain.FundingAttempt

	mu     sync.RWMutex
	closed bool

	wg             sync.WaitGroup
	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(settler Settler, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:         config,
		settler:        settler,
		logger:         logger,
		jobs:           make(chan *domain.FundingAttempt, config.QueueSize),
		lifetimeCtx:    ctx,
		lifetimeCancel: cancel,
	}

	for i := 0; i < config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Info("Settlement dispatcher started",
		zap.Int("workers", config.Workers),
		zap.Int("queue_size", config.QueueSize))
	return d
}

// Submit queues attempt for settlement without blocking.
func (d *Dispatcher) Submit(attempt *domain.FundingAttempt) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.jobs <- attempt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and drains the queue. If ctx expires first the
// in-flight settlements are cancelled and ctx's error is returned once they exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.lifetimeCancel()
		d.logger.Info("Settlement dispatcher drained")
		return nil
	case <-ctx.Done():
		d.lifetimeCancel()
		<-done
		d.logger.Warn("Settlement dispatcher shutdown deadline exceeded, in-flight work cancelled")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for attempt := range d.jobs {
		if d.lifetimeCtx.Err() != nil {
			d.logger.Info("Dropping queued settlement after cancellation",
				zap.Int("worker_id", id),
				zap.String("attempt_id", attempt.ID.String()))
			continue
		}
		d.settle(id, attempt)
	}
}

func (d *Dispatcher) settle(id int, attempt *domain.FundingAttempt) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Settlement panicked",
				zap.Int("worker_id", id),
				zap.String("attempt_id", attempt.ID.String()),
				zap.Any("panic", r))
		}
	}()

	result, err := d.settler.SettleAttempt(d.lifetimeCtx, attempt)
	if err != nil {
		d.logger.Warn("Settlement did not complete",
			zap.Int("worker_id", id),
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(err))
		return
	}
	d.logger.Debug("Settlement finished",
		zap.Int("worker_id", id),
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("state", string(result.State)))
}
