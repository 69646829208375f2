package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Pool is a bounded worker pool with a fixed-size queue. Execution slots
// bound how many capabilities run at once; the queue bounds how many may
// wait. A full queue rejects immediately so the UI can say "busy" instead
// of silently stacking work.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers goroutines servicing a queue of queueSize.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("worker panic recovered", "panic", r, "stack", string(debug.Stack()))
				}
			}()
			fn()
		}()
	}
}

// Submit enqueues fn. Returns an error when the queue is full or the pool
// is shut down; fn is never silently dropped.
func (p *Pool) Submit(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("dispatch: pool is shut down")
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return fmt.Errorf("dispatch: execution queue is full")
	}
}

// Shutdown stops accepting work and waits for in-flight tasks, bounded by
// ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

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
