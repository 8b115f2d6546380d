package pulse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/logger"
)

// RetryScheduler delays work on timers and then runs it on its own pool,
// so retries never take an executor slot from first attempts.
type RetryScheduler struct {
	pool   *WorkerPool
	logger pulseLogger

	mu      sync.Mutex
	timers  map[*time.Timer]Work
	stopped bool
}

// NewRetryScheduler creates a scheduler whose pool is cancelled with ctx.
func NewRetryScheduler(ctx context.Context, cfg WorkerPoolConfig, log *zap.SugaredLogger) *RetryScheduler {
	if cfg.Name == "" {
		cfg.Name = "retry"
	}
	return &RetryScheduler{
		pool:   NewWorkerPool(ctx, cfg, log),
		logger: pulseLogger{logger.OrNop(log).Named("pulse").With("pool", cfg.Name)},
		timers: make(map[*time.Timer]Work),
	}
}

// Start launches the retry pool and drops pending retries once the
// context is cancelled.
func (s *RetryScheduler) Start() {
	s.pool.Start()
	go func() {
		<-s.pool.ctx.Done()
		s.flush()
	}()
}

// Schedule runs w on the retry pool after delay. If the scheduler stops
// first, w is called on the caller's behalf with a cancelled context so it
// can observe the cancellation.
func (s *RetryScheduler) Schedule(delay time.Duration, w Work) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		go w(s.pool.ctx)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if _, ok := s.timers[timer]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.timers, timer)
		s.mu.Unlock()

		if err := s.pool.Submit(s.pool.ctx, w); err != nil {
			w(s.pool.ctx)
		}
	})
	s.timers[timer] = w
	s.logger.Debugw("Retry scheduled", logger.FieldDelay, delay, "pending", len(s.timers))
}

// Pending returns how many retries are waiting on their timer.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Pool returns the retry pool.
func (s *RetryScheduler) Pool() *WorkerPool {
	return s.pool
}

// Stop cancels pending retries and stops the retry pool.
func (s *RetryScheduler) Stop() {
	s.pool.Stop()
	s.flush()
}

// flush stops every pending timer and hands its work a cancelled context.
func (s *RetryScheduler) flush() {
	s.mu.Lock()
	s.stopped = true
	var dropped []Work
	for t, w := range s.timers {
		// A timer that already fired finds itself in the map and submits
		// to the stopped pool, which hands w the cancelled context.
		if t.Stop() {
			dropped = append(dropped, w)
			delete(s.timers, t)
		}
	}
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.logger.Closing("Dropping pending retries", "count", len(dropped))
	}
	for _, w := range dropped {
		w(s.pool.ctx)
	}
}
