package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/utilitywarehouse/mirror-sync/internal/lock"
	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the default number of concurrent sync attempts
const DefaultPoolSize = 4

// Runner runs a single sync attempt
type Runner interface {
	Run(ctx context.Context, repositoryID string) Outcome
}

// Pool runs submitted attempts with bounded concurrency
type Pool struct {
	runner Runner
	sem    *semaphore.Weighted

	lock    lock.Mutex
	pending map[string]struct{}
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewPool returns a Pool running at most size attempts at a time. Attempts
// use a context derived from ctx.
func NewPool(ctx context.Context, runner Runner, size int, log *slog.Logger) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		runner:  runner,
		sem:     semaphore.NewWeighted(int64(size)),
		pending: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
}

// Submit queues an attempt for the repository and returns immediately. It is
// a no-op if the repository is already waiting for a free worker or if the
// pool is stopped.
func (p *Pool) Submit(repositoryID string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stopped {
		p.log.Debug("pool stopped, dropping sync request", "repo", repositoryID)
		return
	}
	if _, ok := p.pending[repositoryID]; ok {
		p.log.Debug("sync already queued", "repo", repositoryID)
		return
	}
	p.pending[repositoryID] = struct{}{}

	p.wg.Add(1)
	go p.run(repositoryID)
}

func (p *Pool) run(repositoryID string) {
	defer p.wg.Done()

	err := p.sem.Acquire(p.ctx, 1)

	p.lock.Lock()
	delete(p.pending, repositoryID)
	p.lock.Unlock()

	if err != nil {
		return
	}
	defer p.sem.Release(1)

	p.runner.Run(p.ctx, repositoryID)
}

// Stop drops queued attempts, cancels the context of running attempts and
// waits for them to return.
func (p *Pool) Stop() {
	p.lock.Lock()
	p.stopped = true
	p.lock.Unlock()

	p.cancel()
	p.wg.Wait()
}
