// Package workerpool offloads blocking per-tile kernel work onto a bounded
// set of goroutines, the Go equivalent of the Python original's use of
// asyncio.to_thread to keep tile compute off whichever goroutine is driving
// a job's executor. It is deliberately separate from internal/scheduler:
// the scheduler's worker semaphore bounds how many jobs may be RUNNING at
// once, while this pool bounds how much raw tile-compute concurrency the
// process allows regardless of how many jobs are running.
package workerpool

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
)

// Pool runs submitted functions on a fixed number of goroutines.
type Pool struct {
	tasks  chan func()
	logger arbor.ILogger
	wg     sync.WaitGroup
	once   sync.Once
	stop   chan struct{}
}

// New creates a pool with size goroutines. size <= 0 is treated as 1.
func New(size int, logger arbor.ILogger) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		tasks:  make(chan func()),
		logger: logger,
		stop:   make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error().Interface("panic", r).Int("pool_worker", id).Msg("Recovered from panic in offloaded task")
					}
				}()
				task()
			}()
		}
	}
}

// Submit runs fn on a pool goroutine and blocks until it completes, the
// context is canceled, or the pool is stopped. Returns ctx.Err() on
// cancellation so callers can distinguish "kernel ran and returned an
// error" from "offload never happened."
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	task := func() {
		done <- fn()
	}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return context.Canceled
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals every pool goroutine to exit and waits for them to drain.
// In-flight Submit calls waiting to hand off a task unblock with
// context.Canceled; a task already running is allowed to finish.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}
