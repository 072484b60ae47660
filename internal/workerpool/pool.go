// Package workerpool implements a small fixed-size worker pool used by
// the dispatcher to run math and string handlers off the main slot-scan
// loop. Each pool owns one FIFO queue of pending slot indices, guarded by
// a condition variable in the style of a capacity-gated resource pool,
// and a fixed set of long-lived goroutines managed through an errgroup.
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ShutdownMode controls how Shutdown treats work still sitting in the
// queue when it is called.
type ShutdownMode int

const (
	// Drain lets every already-queued task run to completion before
	// Shutdown returns.
	Drain ShutdownMode = iota
	// Immediate discards queued-but-not-yet-started tasks; tasks
	// already handed to a worker still run to completion, since workers
	// are never preempted mid-task.
	Immediate
)

func (m ShutdownMode) String() string {
	switch m {
	case Drain:
		return "drain"
	case Immediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Handler processes one unit of work identified by its slot index.
type Handler func(slot int)

// Pool is a fixed-size worker pool with a FIFO backlog queue.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []int
	closed   bool
	handler  Handler
	g        *errgroup.Group
	shutDone bool
}

// New starts a pool of n workers, each repeatedly pulling a slot index
// from the queue and invoking handler. n is clamped to at least 1.
func New(n int, handler Handler) *Pool {
	if n < 1 {
		n = 1
	}
	g := &errgroup.Group{}
	p := &Pool{handler: handler, g: g}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			p.runWorker()
			return nil
		})
	}
	return p
}

func (p *Pool) runWorker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		slot := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.handler(slot)
	}
}

// Submit enqueues a slot index for processing. It returns false if the
// pool has already begun shutting down.
func (p *Pool) Submit(slot int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, slot)
	p.cond.Signal()
	return true
}

// PendingCount returns the number of tasks currently queued but not yet
// handed to a worker.
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting new work and waits for workers to exit
// according to mode. It is idempotent: calls after the first return 0
// immediately.
func (p *Pool) Shutdown(mode ShutdownMode) (discarded int) {
	p.mu.Lock()
	if p.shutDone {
		p.mu.Unlock()
		return 0
	}
	p.shutDone = true

	if mode == Immediate {
		discarded = len(p.queue)
		p.queue = nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cond.Broadcast()
	// Workers never return an error; Wait only blocks until all have
	// drained their remaining work (or exited immediately, for
	// Immediate mode, once the queue they observe is empty).
	_ = p.g.Wait()
	return discarded
}

// Wait blocks until ctx is done or the pool's workers have all exited,
// whichever comes first. It does not itself initiate shutdown.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
