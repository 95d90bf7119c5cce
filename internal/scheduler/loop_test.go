package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

func TestLoopCompletesWhenProducerOutlivesWorkers(t *testing.T) {
	// One worker, one task slot: the work channel holds a single item. The
	// producer emits one item, then stalls well past the idle-exit window,
	// then emits more items than the channel can buffer. The iteration must
	// still complete instead of deadlocking on a channel nobody reads.
	cfg := &config.Service{
		Workers:          1,
		TasksPerWorker:   1,
		PollIntervalMs:   10,
		MaxEmptyPolls:    2,
		GraceTimeoutSecs: 1,
		RequestTimeoutMs: 100,
		DeadlineMult:     2,
		LoopIntervalMins: 60,
	}

	var processed atomic.Int32
	factory := func(ctx context.Context) (TaskFunc, func(), error) {
		task := func(tctx context.Context, relay storage.Relay) {
			processed.Add(1)
		}
		return task, func() {}, nil
	}

	produce := func(ctx context.Context, out chan<- storage.Relay) error {
		emit := func(url string) error {
			select {
			case out <- storage.Relay{URL: url, Network: "clearnet"}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := emit("wss://early.test"); err != nil {
			return err
		}
		// Longer than max_empty_polls x poll_interval: every worker idles out.
		time.Sleep(150 * time.Millisecond)
		for i := 0; i < 5; i++ {
			if err := emit(fmt.Sprintf("wss://late%d.test", i)); err != nil {
				return err
			}
		}
		return nil
	}

	iterDone := make(chan struct{})
	var once atomic.Bool
	after := func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(iterDone)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(cfg, factory, testLogger())
	loop := NewLoop("test", cfg, pool, produce, after, testLogger())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case <-iterDone:
	case <-time.After(5 * time.Second):
		t.Fatal("iteration never completed after producer stall")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after cancellation")
	}

	if got := processed.Load(); got < 1 {
		t.Errorf("processed %d items, want at least the pre-stall item", got)
	}
}
