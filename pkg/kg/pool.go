package kg

import (
	"errors"
	"sync"
)

// ErrPoolClosed is returned when work is submitted after shutdown began.
// The pool is never recreated; a closed pool stays closed for the process
// lifetime.
var ErrPoolClosed = errors.New("extraction worker pool is closed")

// workerPool is a bounded pool for LLM-backed extraction calls. One pool
// serves the whole process.
type workerPool struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

var (
	poolOnce   sync.Once
	globalPool *workerPool
)

// sharedPool returns the process-global pool, creating it on first use.
func sharedPool(workers int) *workerPool {
	poolOnce.Do(func() {
		if workers <= 0 {
			workers = 2
		}
		globalPool = newWorkerPool(workers)
	})
	return globalPool
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case task := <-p.tasks:
					task()
				case <-p.quit:
					return
				}
			}
		}()
	}
	return p
}

// Submit hands the task to a pool worker, blocking until one is free.
func (p *workerPool) Submit(task func()) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Run executes the task on a worker and waits for it to finish.
func (p *workerPool) Run(task func()) error {
	done := make(chan struct{})
	if err := p.Submit(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Shutdown stops accepting work and waits for workers to exit.
func (p *workerPool) Shutdown() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
