package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work. ctx is cancelled once the pool has drained or its
// drain deadline passed.
type Task func(ctx context.Context)

// Pool is a bounded goroutine pool with a fixed-size task queue. Submit never
// blocks; a full queue rejects the task.
type Pool struct {
	name      string
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a pool with maxWorkers goroutines and a queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	return NewNamed("workerpool", maxWorkers, queueSize)
}

// NewNamed is New with a name attached to the pool's log lines.
func NewNamed(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Context is cancelled after Drain.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit enqueues a task. Returns false if the pool is stopped or full.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	// Add before enqueue so Drain cannot miss the task.
	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for queued and running tasks, bounded by ctx, then cancels the
// pool context and lets workers exit. Drain implies StopAccepting.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name)
	}

	p.cancel()
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

// Shutdown is StopAccepting followed by Drain.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
