package fetch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs tasks on at most size goroutines at a time. Submit never
// blocks and there is no queueing timeout.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules task. If the pool closes before task gets a slot, task
// still runs, with a cancelled ctx, so it can release whoever waits on it.
func (p *Pool) Submit(task func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			task(p.ctx)
			return
		}
		defer p.sem.Release(1)
		task(p.ctx)
	}()
}

// Close cancels queued tasks and waits for every submitted task to return.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
