// Package pulse runs task attempts: a fixed pool of executors for first
// attempts and a separate timer-driven pool for retries.
package pulse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/props"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Work is one unit of pool work. ctx is cancelled when the pool stops.
type Work func(ctx context.Context)

// WorkerPoolConfig contains configuration for a worker pool
type WorkerPoolConfig struct {
	Name        string        `json:"name"`         // Pool name used in logs
	Workers     int           `json:"workers"`      // Number of executor goroutines
	QueueSize   int           `json:"queue_size"`   // Buffered submissions; 0 hands work directly to a worker
	StopTimeout time.Duration `json:"stop_timeout"` // How long Stop waits for running work
}

// DefaultWorkerPoolConfig returns the task executor defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Name:        "executor",
		Workers:     props.DefaultTaskExecutorPoolSize,
		StopTimeout: 30 * time.Second,
	}
}

// PoolConfigsFromProps reads taskexecutor.threadpool.size and
// taskretry.threadpool.coresize.
func PoolConfigsFromProps(p props.Props) (executor, retry WorkerPoolConfig, err error) {
	executor = DefaultWorkerPoolConfig()
	if executor.Workers, err = p.IntE(props.TaskExecutorPoolSize, props.DefaultTaskExecutorPoolSize); err != nil {
		return executor, retry, err
	}
	retry = DefaultWorkerPoolConfig()
	retry.Name = "retry"
	if retry.Workers, err = p.IntE(props.TaskRetryPoolSize, props.DefaultTaskRetryPoolSize); err != nil {
		return executor, retry, err
	}
	if executor.Workers < 1 || retry.Workers < 1 {
		return executor, retry, errors.Wrapf(errors.ErrInvalidConfig,
			"%s and %s must be positive", props.TaskExecutorPoolSize, props.TaskRetryPoolSize)
	}
	return executor, retry, nil
}

// WorkerPool runs submitted work on a fixed number of goroutines.
type WorkerPool struct {
	name          string
	config        WorkerPoolConfig
	workers       int
	work          chan Work
	parentCtx     context.Context // Parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       bool
	stopped       bool
	processed     int         // Work items finished
	activeWorkers int         // Workers currently executing
	startTime     time.Time   // When the pool started
	logger        pulseLogger // Shows STARTING/CLOSING levels
	mu            sync.Mutex
}

// NewWorkerPool creates a pool whose work is cancelled with ctx. Call Start
// before submitting.
func NewWorkerPool(ctx context.Context, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Name == "" {
		cfg.Name = "executor"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		name:      cfg.Name,
		config:    cfg,
		workers:   cfg.Workers,
		work:      make(chan Work, cfg.QueueSize),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    pulseLogger{logger.OrNop(log).Named("pulse").With("pool", cfg.Name)},
	}
}

// Start launches the workers. Starting twice is a no-op.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true
	wp.startTime = time.Now()

	// Check memory pressure and warn if worker count may be too high
	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Starting worker pool", "workers", wp.workers)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit queues w. It blocks until a worker or the queue accepts it, ctx is
// done, or the pool stops.
func (wp *WorkerPool) Submit(ctx context.Context, w Work) error {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return ErrPoolStopped
	}
	wp.mu.Unlock()
	if wp.ctx.Err() != nil {
		return ErrPoolStopped
	}

	select {
	case wp.work <- w:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.Tag(ctx.Err(), errors.ErrCancelled), "submit work")
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop cancels running work and waits for workers to exit, up to the
// configured timeout.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()

	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all workers exited cleanly", "processed", wp.Processed())
	case <-time.After(wp.config.StopTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", wp.config.StopTimeout)
	}
}

// Processed returns how many work items finished.
func (wp *WorkerPool) Processed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.processed
}

// Active returns how many workers are executing.
func (wp *WorkerPool) Active() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.activeWorkers
}

// Workers returns the configured worker count.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case w := <-wp.work:
			wp.execute(id, w)
		}
	}
}

func (wp *WorkerPool) execute(id int, w Work) {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.processed++
		wp.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Work panicked", "worker_id", id, "panic", r)
		}
	}()
	w(wp.ctx)
}
