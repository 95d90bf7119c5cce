package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/monitor"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// MonitorRunner probes relays whose metadata has gone stale and appends
// fresh snapshots.
type MonitorRunner struct {
	cfg   *config.Config
	store *storage.Store
	ready *ops.Event
	log   *ops.Logger
}

func NewMonitor(ctx context.Context, cfg *config.Config, ready *ops.Event, log *ops.Logger) (*MonitorRunner, error) {
	store, err := storage.New(ctx, &cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return &MonitorRunner{
		cfg:   cfg,
		store: store,
		ready: ready,
		log:   log.WithComponent("monitor"),
	}, nil
}

func (m *MonitorRunner) Run(ctx context.Context) error {
	pool := NewPool(&m.cfg.Monitor, m.workerFactory, m.log)
	loop := NewLoop("monitor", &m.cfg.Monitor, pool, m.produce, m.pruneOrphans, m.log)
	return loop.Run(ctx)
}

func (m *MonitorRunner) Close() error {
	return m.store.Close()
}

// Ping reports database connectivity for the readiness endpoint.
func (m *MonitorRunner) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// produce streams every relay without a snapshot inside the freshness window,
// including relays never probed.
func (m *MonitorRunner) produce(ctx context.Context, out chan<- storage.Relay) error {
	cutoff := time.Now().Add(-m.cfg.Monitor.FreshnessCutoff()).Unix()
	return m.store.ListRelaysForMetadata(ctx, cutoff, func(relay storage.Relay) error {
		select {
		case out <- relay:
			m.ready.Set()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (m *MonitorRunner) workerFactory(ctx context.Context) (TaskFunc, func(), error) {
	store, err := storage.New(ctx, &m.cfg.Database, m.log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open worker store: %w", err)
	}

	socks5 := ""
	if m.cfg.Tor.Enabled {
		socks5 = m.cfg.Tor.SOCKS5
	}
	fetcher, err := bbnostr.NewHTTPFetcher(m.cfg.Monitor.RequestTimeout(), socks5)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	dialer := bbnostr.NewDialer(m.cfg.Monitor.RequestTimeout(), socks5, m.log)
	prober, err := monitor.NewProber(fetcher, dialer, m.log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	task := func(tctx context.Context, relay storage.Relay) {
		md := prober.Probe(tctx, relay, time.Now())
		if tctx.Err() != nil && md.Nip11 == nil && md.Nip66 == nil {
			ops.RelaysProcessed.WithLabelValues("monitor", "deadline").Inc()
			return
		}
		if err := store.UpsertRelayMetadata(tctx, md); err != nil {
			m.log.Warn("failed to write snapshot", "relay", relay.URL, "error", err)
			ops.RelaysProcessed.WithLabelValues("monitor", "storage_error").Inc()
			return
		}
		ops.RelaysProcessed.WithLabelValues("monitor", "ok").Inc()
	}
	return task, func() { store.Close() }, nil
}

// pruneOrphans drops payload rows no snapshot references anymore.
func (m *MonitorRunner) pruneOrphans(ctx context.Context) error {
	n11, err := m.store.DeleteOrphanNip11(ctx)
	if err != nil {
		return err
	}
	n66, err := m.store.DeleteOrphanNip66(ctx)
	if err != nil {
		return err
	}
	if n11+n66 > 0 {
		m.log.Info("pruned orphan payloads", "nip11", n11, "nip66", n66)
	}
	return nil
}
