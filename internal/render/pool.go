package render

import (
	"context"
	"log/slog"
	"sync"
)

type poolJob struct {
	ctx context.Context
	job *Job
}

// Pool executes render jobs on a fixed set of workers. Results and worker
// log output cross back through a typed message channel; a single dispatcher
// goroutine decodes them. In-flight jobs cannot be killed, only waited out:
// Drain blocks until every accepted job has finished.
type Pool struct {
	render Func
	logger *slog.Logger

	jobs chan poolJob
	msgs chan Message

	mu      sync.Mutex
	waiters map[int64]chan RenderResult

	pending  sync.WaitGroup
	workers  sync.WaitGroup
	done     chan struct{}
	closeOne sync.Once
}

// NewPool starts size workers plus the message dispatcher.
func NewPool(size int, render Func, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = defaultThreads
	}
	p := &Pool{
		render:  render,
		logger:  logger,
		jobs:    make(chan poolJob),
		msgs:    make(chan Message, 64),
		waiters: make(map[int64]chan RenderResult),
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	go p.dispatch()
	return p
}

func (p *Pool) worker() {
	defer p.workers.Done()

	// Workers log through the message channel, not the shared logger.
	logger := slog.New(&chanHandler{msgs: p.msgs})
	for pj := range p.jobs {
		out, err := p.render(pj.ctx, pj.job, logger)
		p.msgs <- RenderResult{EntryID: pj.job.EntryID, Output: out, Err: err}
	}
}

func (p *Pool) dispatch() {
	defer close(p.done)

	for m := range p.msgs {
		switch m := m.(type) {
		case LogRecord:
			p.logger.Log(context.Background(), m.Level, m.Message, m.Args...)
		case RenderResult:
			p.mu.Lock()
			reply := p.waiters[m.EntryID]
			delete(p.waiters, m.EntryID)
			p.mu.Unlock()
			if reply != nil {
				reply <- m
			}
		}
	}
}

// Run submits a job and blocks until it finishes. If ctx is cancelled before
// a worker accepts the job, the job is abandoned and the cancellation error
// returned; once accepted, Run waits for the worker regardless.
func (p *Pool) Run(ctx context.Context, job *Job) (map[string]any, error) {
	p.pending.Add(1)
	defer p.pending.Done()

	reply := make(chan RenderResult, 1)
	p.mu.Lock()
	p.waiters[job.EntryID] = reply
	p.mu.Unlock()

	select {
	case p.jobs <- poolJob{ctx: ctx, job: job}:
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, job.EntryID)
		p.mu.Unlock()
		return nil, ctx.Err()
	}

	res := <-reply
	return res.Output, res.Err
}

// Drain blocks until every accepted job has completed. Called before a
// cancelled cycle proceeds to its cancel hooks.
func (p *Pool) Drain() {
	p.pending.Wait()
}

// Close shuts the pool down after draining outstanding work.
func (p *Pool) Close() {
	p.closeOne.Do(func() {
		p.pending.Wait()
		close(p.jobs)
		p.workers.Wait()
		close(p.msgs)
		<-p.done
	})
}
