// Package worker runs long-lived background tasks on a fixed pool of
// goroutines, at most one task per key at a time.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a unit of background work. ctx is cancelled on shutdown.
type Task func(ctx context.Context)

// Runner accepts keyed tasks. Submit returns false when a task with the
// same key is already queued or running.
type Runner interface {
	Submit(key string, task Task) bool
}

type job struct {
	key  string
	task Task
}

// Pool manages a pool of workers that execute tasks concurrently.
type Pool struct {
	workers int
	queue   chan job
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	pending  sync.WaitGroup

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPool creates and starts a pool with the given number of workers.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:  workers,
		queue:    make(chan job, workers*16),
		logger:   logger,
		inFlight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			p.run(id, j)
		}
	}
}

func (p *Pool) run(id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", id, "key", j.key, "panic", r)
		}
		p.release(j.key)
	}()
	j.task(p.ctx)
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
	p.pending.Done()
}

// Submit queues task under key. It blocks while the queue is full and
// returns false if key is already in flight or the pool is shut down.
func (p *Pool) Submit(key string, task Task) bool {
	p.mu.Lock()
	if p.ctx.Err() != nil || p.inFlight[key] {
		p.mu.Unlock()
		return false
	}
	p.inFlight[key] = true
	p.pending.Add(1)
	p.mu.Unlock()

	select {
	case p.queue <- job{key: key, task: task}:
		return true
	case <-p.ctx.Done():
		p.release(key)
		return false
	}
}

// InFlight returns the number of queued or running tasks.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Wait blocks until no task is queued or running.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Shutdown cancels running tasks and waits for the workers to exit. Tasks
// still queued are dropped.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.cancel()
		p.mu.Unlock()
		p.wg.Wait()
		for {
			select {
			case j := <-p.queue:
				p.logger.Warn("dropping queued task", "key", j.key)
				p.release(j.key)
			default:
				return
			}
		}
	})
}

// Inline runs each task synchronously on the caller's goroutine. It keeps
// the same per-key exclusion as Pool.
type Inline struct {
	ctx context.Context

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewInline returns a runner that passes ctx to every task.
func NewInline(ctx context.Context) *Inline {
	return &Inline{ctx: ctx, inFlight: make(map[string]bool)}
}

// Submit runs task before returning.
func (r *Inline) Submit(key string, task Task) bool {
	r.mu.Lock()
	if r.inFlight[key] {
		r.mu.Unlock()
		return false
	}
	r.inFlight[key] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, key)
		r.mu.Unlock()
	}()
	task(r.ctx)
	return true
}
