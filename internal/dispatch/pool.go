package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dshills/keymesh/internal/message"
)

// DefaultMaxInFlight is the concurrency limit of a Pool created without
// WithMaxInFlight.
const DefaultMaxInFlight = 64

// Pool runs handlers concurrently up to a fixed limit.
type Pool struct {
	maxInFlight int64
	timeout     time.Duration
	executor    *Executor

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	inFlight    atomic.Int64
	submitted   atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	panicked    atomic.Uint64
	timedOut    atomic.Uint64
	totalTimeNs atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

type poolConfig struct {
	maxInFlight  int64
	timeout      time.Duration
	panicHandler PanicHandler
}

// WithMaxInFlight sets how many handlers may run at once.
func WithMaxInFlight(n int) PoolOption {
	return func(c *poolConfig) {
		if n > 0 {
			c.maxInFlight = int64(n)
		}
	}
}

// WithHandlerTimeout bounds each handler run. Zero means no deadline.
func WithHandlerTimeout(d time.Duration) PoolOption {
	return func(c *poolConfig) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithPanicHandler sets the callback invoked when a handler panics.
func WithPanicHandler(h PanicHandler) PoolOption {
	return func(c *poolConfig) {
		c.panicHandler = h
	}
}

// NewPool creates a pool.
func NewPool(opts ...PoolOption) *Pool {
	cfg := poolConfig{
		maxInFlight:  DefaultMaxInFlight,
		panicHandler: defaultPanicHandler,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:         ctx,
		cancel:      cancel,
		maxInFlight: cfg.maxInFlight,
		timeout:     cfg.timeout,
		executor:    NewExecutor(WithExecutorPanicHandler(cfg.panicHandler)),
		sem:         semaphore.NewWeighted(cfg.maxInFlight),
	}
}

// Submit waits for a free slot and runs handler for q on a new goroutine.
// ctx bounds only the wait for a slot; the handler runs under the pool's own
// context, which Cancel ends. done, if not nil, receives the result after the
// handler returned. Submit returns ctx.Err() if the slot wait is abandoned.
func (p *Pool) Submit(ctx context.Context, q *message.Query, handler Handler, done func(Result)) error {
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return err
	}

	p.submitted.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inFlight.Add(-1)

		result := p.executor.ExecuteWithTimeout(p.ctx, q, handler, p.timeout)
		p.record(result)
		if done != nil {
			done(result)
		}
	}()
	return nil
}

func (p *Pool) record(r Result) {
	p.totalTimeNs.Add(r.Duration.Nanoseconds())
	switch {
	case r.Panicked:
		p.panicked.Add(1)
	case r.Skipped:
		p.failed.Add(1)
	case r.Error != nil:
		if r.TimedOut() {
			p.timedOut.Add(1)
		}
		p.failed.Add(1)
	default:
		p.succeeded.Add(1)
	}
}

// Close refuses further submissions. Handlers already submitted keep running.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Cancel cancels the context of every running and future handler.
func (p *Pool) Cancel() {
	p.cancel()
}

// Wait blocks until every submitted handler returned or ctx is done.
// Call Close first so no submission races the wait.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of handlers currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// MaxInFlight returns the concurrency limit.
func (p *Pool) MaxInFlight() int {
	return int(p.maxInFlight)
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	submitted := p.submitted.Load()
	totalNs := p.totalTimeNs.Load()

	var avgNs int64
	if completed := p.succeeded.Load() + p.failed.Load() + p.panicked.Load(); completed > 0 {
		avgNs = totalNs / int64(completed)
	}

	return PoolStats{
		Submitted:     submitted,
		Succeeded:     p.succeeded.Load(),
		Failed:        p.failed.Load(),
		Panicked:      p.panicked.Load(),
		TimedOut:      p.timedOut.Load(),
		InFlight:      p.InFlight(),
		TotalDuration: time.Duration(totalNs),
		AvgDuration:   time.Duration(avgNs),
	}
}

// PoolStats contains statistics for a pool.
type PoolStats struct {
	// Submitted is the number of handlers started.
	Submitted uint64

	// Succeeded is the number of handlers that returned nil.
	Succeeded uint64

	// Failed is the number of handlers that returned an error or were skipped.
	Failed uint64

	// Panicked is the number of handlers that panicked.
	Panicked uint64

	// TimedOut is the number of failures caused by the handler deadline.
	TimedOut uint64

	// InFlight is the number of handlers running now.
	InFlight int

	TotalDuration time.Duration
	AvgDuration   time.Duration
}
