package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of background work submitted by the action executor
type Task func(ctx context.Context) error

// Dispatcher runs fire-and-forget background tasks. Async workflow actions
// are submitted here so instance-state transitions never block on, or
// depend on, side-effect delivery.
type Dispatcher interface {
	// Submit schedules a task for background execution. After Close,
	// submissions are dropped with a warning.
	Submit(name string, task Task)

	// Close stops accepting tasks and waits for in-flight tasks to finish
	Close() error
}

// taskDispatcher is the concrete implementation of Dispatcher
type taskDispatcher struct {
	logger  *zap.Logger
	baseCtx context.Context

	wg     sync.WaitGroup
	sem    chan struct{}
	closed atomic.Bool
}

// Option configures the dispatcher
type Option func(*taskDispatcher)

// WithConcurrency caps the number of tasks running at once
func WithConcurrency(n int) Option {
	return func(d *taskDispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// New creates a dispatcher. baseCtx bounds the lifetime of every task it
// runs; cancel it to abort in-flight work during shutdown.
func New(baseCtx context.Context, logger *zap.Logger, opts ...Option) Dispatcher {
	d := &taskDispatcher{
		logger:  logger,
		baseCtx: baseCtx,
		sem:     make(chan struct{}, 16),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit schedules a task for background execution
func (d *taskDispatcher) Submit(name string, task Task) {
	if d.closed.Load() {
		d.logger.Warn("Dispatcher closed, dropping task", zap.String("task", name))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("Background task panicked",
					zap.String("task", name),
					zap.Any("panic", p))
			}
		}()

		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		if err := task(d.baseCtx); err != nil {
			d.logger.Error("Background task failed",
				zap.String("task", name),
				zap.Error(err))
		}
	}()
}

// Close stops accepting tasks and waits for in-flight tasks
func (d *taskDispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already closed")
	}
	d.wg.Wait()
	d.logger.Info("Dispatcher closed")
	return nil
}
