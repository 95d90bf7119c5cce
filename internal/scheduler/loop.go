package scheduler

import (
	"context"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// Producer enqueues one iteration's working set. It must return once the set
// is exhausted or ctx is cancelled; the loop closes the channel.
type Producer func(ctx context.Context, out chan<- storage.Relay) error

// Loop drives a service: each iteration streams the working set through the
// pool, runs an optional after-iteration hook, then sleeps the loop interval.
// It exits when ctx is cancelled or the pool fails to shut down cleanly.
type Loop struct {
	name    string
	cfg     *config.Service
	pool    *Pool
	produce Producer
	after   func(ctx context.Context) error
	log     *ops.Logger
}

func NewLoop(name string, cfg *config.Service, pool *Pool, produce Producer, after func(context.Context) error, log *ops.Logger) *Loop {
	return &Loop{
		name:    name,
		cfg:     cfg,
		pool:    pool,
		produce: produce,
		after:   after,
		log:     log.WithComponent(name),
	}
}

func (l *Loop) Run(ctx context.Context) error {
	for {
		start := time.Now()

		items := make(chan storage.Relay, l.pool.ChanCapacity())
		prodErr := make(chan error, 1)
		go func() {
			defer close(items)
			prodErr <- l.produce(ctx, items)
		}()

		poolErr := l.pool.Run(ctx, items)

		// Workers can idle-exit while the producer stalls on a slow page; keep
		// receiving so the producer never blocks on a channel nobody reads.
		// Whatever lands here is picked up again next iteration.
		dropped := 0
		for range items {
			dropped++
		}
		if poolErr != nil {
			return poolErr
		}
		if dropped > 0 && ctx.Err() == nil {
			l.log.Warn("working-set items arrived after workers exited", "dropped", dropped)
		}

		if err := <-prodErr; err != nil && ctx.Err() == nil {
			l.log.Error("working-set producer failed", "error", err)
		}

		if l.after != nil && ctx.Err() == nil {
			if err := l.after(ctx); err != nil {
				l.log.Error("post-iteration hook failed", "error", err)
			}
		}

		elapsed := time.Since(start)
		ops.IterationDuration.WithLabelValues(l.name).Observe(elapsed.Seconds())
		l.log.Debug("iteration finished", "elapsed_s", int(elapsed.Seconds()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.LoopInterval()):
		}
	}
}
