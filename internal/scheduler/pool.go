package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// TaskFunc processes one relay. The context carries the per-task deadline;
// implementations must release every socket and DB handle before returning.
type TaskFunc func(ctx context.Context, relay storage.Relay)

// WorkerFactory builds the per-worker resources (private store handle, relay
// client, engine) once at worker start. The returned cleanup runs when the
// worker exits.
type WorkerFactory func(ctx context.Context) (TaskFunc, func(), error)

// Pool runs N workers draining a shared relay channel. Each worker gates K
// concurrent tasks with a semaphore allocated once at worker start, and each
// task runs under its own deadline.
type Pool struct {
	cfg     *config.Service
	factory WorkerFactory
	log     *ops.Logger
}

func NewPool(cfg *config.Service, factory WorkerFactory, log *ops.Logger) *Pool {
	return &Pool{cfg: cfg, factory: factory, log: log.WithComponent("pool")}
}

// ChanCapacity is the bound for the work channel feeding this pool.
func (p *Pool) ChanCapacity() int {
	return p.cfg.Workers * p.cfg.TasksPerWorker
}

// Run drains items until the channel closes or ctx is cancelled, then joins
// the workers. On cancellation the join is bounded by the grace timeout;
// workers still running past it are abandoned with an error.
func (p *Pool) Run(ctx context.Context, items <-chan storage.Relay) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, items)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.GraceTimeout()):
		p.log.Error("workers did not join within grace period",
			"grace_s", p.cfg.GraceTimeoutSecs)
		return fmt.Errorf("worker join exceeded %ds grace period", p.cfg.GraceTimeoutSecs)
	}
}

func (p *Pool) worker(ctx context.Context, id int, items <-chan storage.Relay) {
	log := p.log.WithFields("worker", id)

	task, cleanup, err := p.factory(ctx)
	if err != nil {
		log.Error("worker setup failed", "error", err)
		return
	}
	defer cleanup()

	// One gate per worker for its whole life. Allocating a fresh gate per
	// batch would multiply effective concurrency.
	sem := semaphore.NewWeighted(int64(p.cfg.TasksPerWorker))

	var tasks sync.WaitGroup
	defer tasks.Wait()

	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			return

		case relay, ok := <-items:
			if !ok {
				return
			}
			emptyPolls = 0
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			tasks.Add(1)
			go func(r storage.Relay) {
				defer tasks.Done()
				defer sem.Release(1)
				tctx, cancel := context.WithTimeout(ctx, p.cfg.RelayDeadline())
				defer cancel()
				task(tctx, r)
			}(relay)

		case <-time.After(p.cfg.PollInterval()):
			// The producer may just be slow; only a run of empty polls
			// means the channel is genuinely drained.
			emptyPolls++
			if emptyPolls >= p.cfg.MaxEmptyPolls {
				log.Debug("idle, exiting", "empty_polls", emptyPolls)
				return
			}
		}
	}
}
