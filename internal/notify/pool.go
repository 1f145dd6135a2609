package notify

import (
	"context"
	"sync"
)

// Pool runs handle on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	jobs   chan Intent
	handle func(Intent)
	size   int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(size, queue int, handle func(Intent)) *Pool {
	if size < 1 {
		size = 1
	}
	if queue < 1 {
		queue = 1
	}
	return &Pool{jobs: make(chan Intent, queue), handle: handle, size: size}
}

func (p *Pool) Run() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for in := range p.jobs {
				p.handle(in)
			}
		}()
	}
}

// Submit never blocks. It reports false when the queue is full or the pool is closed.
func (p *Pool) Submit(in Intent) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- in:
		return true
	default:
		return false
	}
}

// Close stops intake and waits for queued work, or until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
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
