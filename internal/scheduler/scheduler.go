// Package scheduler runs scraper jobs on a bounded worker pool with
// cooperative cancellation.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/cheri-lab/dwarfscan/internal/logging"
	"github.com/cheri-lab/dwarfscan/internal/scraper"
)

// Job is one schedulable scraping task.
type Job interface {
	// Name identifies the scraper kind.
	Name() string
	// Path identifies the input binary.
	Path() string
	// InitSchema prepares the storage schema and statements.
	InitSchema() error
	// Run executes the job, observing ctx at compilation unit
	// boundaries.
	Run(ctx context.Context) error
	// Result reports errors and statistics after Run returns.
	Result() scraper.Result
}

// Future resolves with a job's result once it terminates.
type Future struct {
	done   chan struct{}
	result scraper.Result
	err    error
}

// Wait blocks until the job terminates and returns its result. The error
// is non-nil when the job failed or was cancelled before it started.
func (f *Future) Wait() (scraper.Result, error) {
	<-f.done
	return f.result, f.err
}

// Pool is a bounded worker pool. One job scrapes one binary; jobs only
// share the storage manager, which serializes internally.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a pool running at most workers jobs concurrently.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule enqueues a job and returns its future.
func (p *Pool) Schedule(job Job) *Future {
	future := &Future{done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(future.done)

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-p.ctx.Done():
			future.err = p.ctx.Err()
			return
		}
		if err := p.ctx.Err(); err != nil {
			future.err = err
			return
		}

		log := logging.L().WithField("job", job.Path())
		if err := job.InitSchema(); err != nil {
			log.WithError(err).Error("Schema initialization failed, aborting all jobs")
			future.err = fmt.Errorf("schema initialization failed: %w", err)
			future.result = job.Result()
			p.cancel()
			return
		}
		err := job.Run(p.ctx)
		future.result = job.Result()
		if err != nil {
			log.WithError(err).Errorf("DWARF scraper %s failed", job.Name())
			future.err = err
			return
		}
		log.Infof("Scraper %s completed job", job.Name())
	}()
	return future
}

// Cancel drops pending jobs and signals running ones, which finish their
// current compilation unit and return.
func (p *Pool) Cancel() {
	p.cancel()
}

// Wait blocks until every scheduled job has terminated.
func (p *Pool) Wait() {
	p.wg.Wait()
}
