package fork

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/record"
)

// Status is a branch's lifecycle position inside a task.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCESSFUL"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// Handler consumes one branch's records on that branch's goroutine.
// Handle is called once per record in stream order; Finish once at end of
// stream. Neither is called after the branch is aborted.
type Handler interface {
	Handle(ctx context.Context, rec record.Record) error
	Finish(ctx context.Context) error
}

// Config sizes the branch queues.
type Config struct {
	// Capacity bounds each branch queue.
	Capacity int
	// Timeout is how long Offer waits on a full queue before aborting the
	// branch.
	Timeout time.Duration
	// FailTaskOnTimeout makes a branch timeout fail the whole task instead
	// of dropping only that branch.
	FailTaskOnTimeout bool
}

// ConfigFromProps reads the fork.record.queue.* options.
func ConfigFromProps(p props.Props) (Config, error) {
	capacity, err := p.IntE(props.ForkQueueCapacity, props.DefaultForkQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	if capacity < 1 {
		return Config{}, errors.Wrapf(errors.ErrInvalidConfig, "%s must be positive, got %d", props.ForkQueueCapacity, capacity)
	}
	timeout, err := p.DurationE(props.ForkQueueTimeout, props.DefaultForkQueueTimeout,
		p.String(props.ForkQueueTimeoutUnit, props.DefaultForkQueueTimeoutUnit))
	if err != nil {
		return Config{}, err
	}
	return Config{
		Capacity:          capacity,
		Timeout:           timeout,
		FailTaskOnTimeout: p.Bool(props.ForkFailOnBranchTimeout, true),
	}, nil
}

// BranchResult is a branch's final state, read after Close or Abort.
type BranchResult struct {
	Index  int
	Name   string
	Status Status
	Err    error
	// Received counts records accepted into the branch queue.
	Received int64
	// Processed counts records the handler consumed.
	Processed int64
}

type branch struct {
	index   int
	name    string
	queue   chan record.Record
	handler Handler

	stop     chan struct{} // closed to abort
	done     chan struct{} // closed when the goroutine exits
	stopOnce sync.Once

	mu     sync.Mutex
	status Status
	err    error

	received  atomic.Int64
	processed atomic.Int64
	closed    bool // queue closed; producer side only
}

func (b *branch) setStatus(s Status, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return false
	}
	b.status = s
	b.err = err
	return true
}

func (b *branch) live() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == StatusRunning
}

func (b *branch) abort(err error) {
	b.setStatus(StatusAborted, err)
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *branch) run(ctx context.Context, log *zap.SugaredLogger) {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			err := errors.Wrapf(errors.FromPanic(r), "branch %s handler", b.name)
			b.setStatus(StatusFailed, err)
			b.stopOnce.Do(func() { close(b.stop) })
			log.Errorw("Branch handler panicked", logger.FieldBranch, b.name, logger.FieldError, err)
		}
	}()
	for {
		select {
		case <-b.stop:
			return
		case rec, ok := <-b.queue:
			if !ok {
				err := b.handler.Finish(ctx)
				if err != nil {
					b.setStatus(StatusFailed, err)
					log.Infow("Branch failed at end of stream", logger.FieldBranch, b.name, logger.FieldError, err)
					return
				}
				b.setStatus(StatusSucceeded, nil)
				return
			}
			// Abort wins over a record that was already queued
			select {
			case <-b.stop:
				return
			default:
			}
			if err := b.handler.Handle(ctx, rec); err != nil {
				b.setStatus(StatusFailed, err)
				b.stopOnce.Do(func() { close(b.stop) })
				log.Infow("Branch failed", logger.FieldBranch, b.name, logger.FieldError, err)
				return
			}
			b.processed.Add(1)
		}
	}
}

// Distributor fans records out to branch goroutines through bounded
// queues. Offer, Close and Abort are called from the single producer
// goroutine of a task.
type Distributor struct {
	cfg      Config
	branches []*branch
	log      *zap.SugaredLogger
	closed   bool
}

// NewDistributor starts one goroutine per branch. names and handlers are
// parallel slices.
func NewDistributor(ctx context.Context, names []string, handlers []Handler, cfg Config, log *zap.SugaredLogger) (*Distributor, error) {
	if len(names) == 0 || len(names) != len(handlers) {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "%d branch names for %d handlers", len(names), len(handlers))
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = props.DefaultForkQueueCapacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = props.DefaultForkQueueTimeout * time.Millisecond
	}

	d := &Distributor{cfg: cfg, log: logger.OrNop(log).Named("fork")}
	for i, name := range names {
		b := &branch{
			index:   i,
			name:    name,
			queue:   make(chan record.Record, cfg.Capacity),
			handler: handlers[i],
			stop:    make(chan struct{}),
			done:    make(chan struct{}),
			status:  StatusRunning,
		}
		d.branches = append(d.branches, b)
		go b.run(ctx, d.log)
	}
	return d, nil
}

// Branches returns the number of branches.
func (d *Distributor) Branches() int {
	return len(d.branches)
}

// Live returns how many branches are still accepting records.
func (d *Distributor) Live() int {
	n := 0
	for _, b := range d.branches {
		if b.live() {
			n++
		}
	}
	return n
}

// QueueLen returns the number of records waiting in branch i's queue.
func (d *Distributor) QueueLen(i int) int {
	return len(d.branches[i].queue)
}

// Offer delivers rec to each branch in targets, in order. A full queue
// blocks for up to the configured timeout; on expiry that branch is
// aborted with ErrBranchTimeout and, when FailTaskOnTimeout is set, Offer
// returns the error. Branches already stopped are skipped. Offer returns an
// error once no branch is left alive.
func (d *Distributor) Offer(ctx context.Context, rec record.Record, targets []int) error {
	if d.closed {
		return errors.New("offer after close")
	}
	if err := cancelled(ctx); err != nil {
		return err
	}

	replicate := len(targets) > 1
	for _, i := range targets {
		if i < 0 || i >= len(d.branches) {
			return errors.Wrapf(errors.ErrInvalidConfig, "fork operator routed to branch %d of %d", i, len(d.branches))
		}
		b := d.branches[i]
		if !b.live() {
			continue
		}

		out := rec
		if replicate {
			out = rec.Copy()
		}
		if err := d.send(ctx, b, out); err != nil {
			return err
		}
	}

	if d.Live() == 0 {
		if err := cancelled(ctx); err != nil {
			return err
		}
		return d.firstError()
	}
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.Tag(err, errors.ErrCancelled), "offer interrupted")
	}
	return nil
}

func (d *Distributor) send(ctx context.Context, b *branch, rec record.Record) error {
	select {
	case b.queue <- rec:
		b.received.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case b.queue <- rec:
		b.received.Add(1)
		return nil
	case <-b.done:
		// Handler failed while we waited
		return nil
	case <-ctx.Done():
		return cancelled(ctx)
	case <-timer.C:
		err := errors.WithDetailf(
			errors.Wrapf(errors.ErrBranchTimeout, "branch %s queue full for %s", b.name, d.cfg.Timeout),
			"Capacity: %d", d.cfg.Capacity)
		b.abort(err)
		d.log.Warnw("Branch queue timed out",
			logger.FieldBranch, b.name,
			logger.FieldCapacity, d.cfg.Capacity,
			"timeout", d.cfg.Timeout.String(),
			"fail_task", d.cfg.FailTaskOnTimeout)
		if d.cfg.FailTaskOnTimeout {
			return err
		}
		return nil
	}
}

func (d *Distributor) firstError() error {
	for _, b := range d.branches {
		b.mu.Lock()
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return errors.New("no live fork branches")
}

// Close signals end of stream to every live branch and waits for each
// handler to finish.
func (d *Distributor) Close() []BranchResult {
	if !d.closed {
		d.closed = true
		for _, b := range d.branches {
			if !b.closed {
				b.closed = true
				close(b.queue)
			}
		}
	}
	return d.wait()
}

// Abort stops intake and discards queued records without invoking
// handlers. Branches that had not finished become ABORTED with cause.
func (d *Distributor) Abort(cause error) []BranchResult {
	d.closed = true
	for _, b := range d.branches {
		b.abort(cause)
	}
	return d.wait()
}

func (d *Distributor) wait() []BranchResult {
	results := make([]BranchResult, len(d.branches))
	for i, b := range d.branches {
		<-b.done
		b.mu.Lock()
		results[i] = BranchResult{
			Index:     b.index,
			Name:      b.name,
			Status:    b.status,
			Err:       b.err,
			Received:  b.received.Load(),
			Processed: b.processed.Load(),
		}
		b.mu.Unlock()
	}
	return results
}
