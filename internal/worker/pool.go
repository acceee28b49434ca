package worker

import (
	"context"
	"time"

	"widgetflow/internal/domain"
	"widgetflow/internal/queue"
)

// Pool drains the job queue with a bounded number of goroutines. The
// queue's one-row-per-widget invariant means no two leased jobs share a
// widget id, so workers never contend on the same record.
type Pool struct {
	repo      queue.Repository
	runner    *Runner
	sem       chan struct{}
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, runner *Runner, size int, pollEvery time.Duration) *Pool {
	return &Pool{repo: repo, runner: runner, sem: make(chan struct{}, size), pollEvery: pollEvery}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		job, err := p.repo.LeaseNext(ctx, now)
		if err != nil {
			return
		}
		p.sem <- struct{}{}
		go func(j domain.RefreshJob) {
			defer func() { <-p.sem }()
			c, cancel := context.WithTimeout(ctx, queue.DefaultVisibility*time.Second)
			defer cancel()
			p.runner.Run(c, j)
		}(job)
	}
}
