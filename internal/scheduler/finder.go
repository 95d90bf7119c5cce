package scheduler

import (
	"context"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/finder"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// FinderRunner runs discovery passes on a fixed interval. Discovery is a
// single streaming scan plus a handful of HTTP fetches, so it needs no
// worker pool.
type FinderRunner struct {
	cfg   *config.Config
	store *storage.Store
	fnd   *finder.Finder
	ready *ops.Event
	log   *ops.Logger
}

func NewFinder(ctx context.Context, cfg *config.Config, ready *ops.Event, log *ops.Logger) (*FinderRunner, error) {
	store, err := storage.New(ctx, &cfg.Database, log)
	if err != nil {
		return nil, err
	}

	socks5 := ""
	if cfg.Tor.Enabled {
		socks5 = cfg.Tor.SOCKS5
	}
	fetcher, err := bbnostr.NewHTTPFetcher(cfg.Finder.RequestTimeout(), socks5)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &FinderRunner{
		cfg:   cfg,
		store: store,
		fnd:   finder.New(store, fetcher, cfg.Finder.Directories, cfg.Finder.Blocklist, log),
		ready: ready,
		log:   log.WithComponent("finder"),
	}, nil
}

func (f *FinderRunner) Run(ctx context.Context) error {
	for {
		start := time.Now()
		accepted, err := f.fnd.Discover(ctx, start)
		if err != nil && ctx.Err() == nil {
			f.log.Error("discovery pass failed", "error", err)
		}
		f.ready.Set()

		elapsed := time.Since(start)
		ops.IterationDuration.WithLabelValues("finder").Observe(elapsed.Seconds())
		f.log.Info("discovery complete", "accepted", accepted, "elapsed_s", int(elapsed.Seconds()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.Finder.LoopInterval()):
		}
	}
}

func (f *FinderRunner) Close() error {
	return f.store.Close()
}

// Ping reports database connectivity for the readiness endpoint.
func (f *FinderRunner) Ping(ctx context.Context) error {
	return f.store.Ping(ctx)
}
