package substitute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of resolver pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("resolver pool is shut down")

// ResolverPool bounds how many credential decryptions run at once across
// all substitution passes. Each pass groups its resolutions in a Batch so
// it can wait for its own work without blocking on other passes sharing
// the pool.
type ResolverPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup // every in-flight resolution, drained by Shutdown
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewResolverPool creates a pool with the given max concurrency.
func NewResolverPool(size int) *ResolverPool {
	if size <= 0 {
		size = 1
	}
	return &ResolverPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Batch starts a unit of work that shares the pool's concurrency limit
// but completes independently of other batches.
func (p *ResolverPool) Batch() *Batch {
	return &Batch{pool: p}
}

// Batch is one substitution pass's slice of the pool.
type Batch struct {
	pool *ResolverPool
	wg   sync.WaitGroup
}

// Submit schedules fn on the pool. It blocks while the pool is at
// capacity, respects context cancellation while waiting for a slot, and
// returns ErrPoolShutdown once the pool is shut down.
func (b *Batch) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p := b.pool

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Slot held; re-check shutdown under the lock so a racing Shutdown
	// cannot run its wg.Wait before a late Add.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	b.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			b.wg.Done()
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until every resolution submitted through this batch has
// returned. Other batches' work does not hold it up.
func (b *Batch) Wait() {
	b.wg.Wait()
}

// Shutdown stops the pool: new submissions are rejected and all active
// resolutions run to completion.
func (p *ResolverPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of pool activity.
func (p *ResolverPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
