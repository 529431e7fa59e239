package taskpool

import (
	"context"
	"sync"
	"time"
)

// Pool runs delayed, one-shot jobs on a bounded set of workers. Jobs are
// scheduled with Delay and executed at most once; after Stop, jobs whose
// timers have not fired yet are dropped. Jobs touching shared state must
// take their own locks and be idempotent, since a job may run after the
// condition it was scheduled to check has already been resolved.
type Pool struct {
	jobs   chan func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(workers, queue int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan func(), queue),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			job()
		}
	}
}

// Delay schedules fn to run once after d.
func (p *Pool) Delay(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		select {
		case p.jobs <- fn:
		case <-p.ctx.Done():
		}
	})
}

// Stop cancels the workers. In-flight jobs finish; queued and future jobs
// are dropped.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
