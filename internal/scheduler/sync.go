package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
	engine "github.com/bigbrotr/bigbrotr/internal/sync"
)

// syncState is the persisted resume state for a sync service: when the last
// iteration ran and the per-relay high-watermark created_at.
type syncState struct {
	LastRun    int64            `json:"last_run"`
	Watermarks map[string]int64 `json:"watermarks"`
}

// sharedState is the in-memory view of syncState shared by every worker of
// one sync service.
type sharedState struct {
	mu sync.Mutex
	st syncState
}

func (s *sharedState) watermark(relayURL string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.Watermarks[relayURL]
	return w, ok
}

func (s *sharedState) snapshotWith(relayURL string, ts int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks := make(map[string]int64, len(s.st.Watermarks)+1)
	for k, v := range s.st.Watermarks {
		marks[k] = v
	}
	if ts > marks[relayURL] {
		marks[relayURL] = ts
	}
	return json.Marshal(syncState{LastRun: s.st.LastRun, Watermarks: marks})
}

func (s *sharedState) commit(relayURL string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Watermarks == nil {
		s.st.Watermarks = map[string]int64{}
	}
	if ts > s.st.Watermarks[relayURL] {
		s.st.Watermarks[relayURL] = ts
	}
}

// watermarkWriter commits each event batch and the advanced watermark state
// in the same transaction, so a recorded watermark can never get ahead of its
// events. The in-memory watermark only advances after the commit succeeds.
type watermarkWriter struct {
	store   *storage.Store
	service string
	shared  *sharedState
}

func (w *watermarkWriter) UpsertEventsBatch(ctx context.Context, events []*nostr.Event, relay storage.Relay, seenAt int64) (int, error) {
	ts := maxCreatedAt(events)
	blob, err := w.shared.snapshotWith(relay.URL, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to encode sync state: %w", err)
	}
	n, err := w.store.UpsertEventsBatchWithState(ctx, events, relay, seenAt, w.service, blob)
	if err != nil {
		return n, err
	}
	w.shared.commit(relay.URL, ts)
	return n, nil
}

func maxCreatedAt(events []*nostr.Event) int64 {
	var max int64
	for _, ev := range events {
		if ts := int64(ev.CreatedAt); ts > max {
			max = ts
		}
	}
	return max
}

// SyncRunner is one sync service: the synchronizer sweeping the discovered
// relay population, or the prioritizer owning its configured relay list
// exclusively.
type SyncRunner struct {
	name     string
	cfg      *config.Config
	svc      *config.SyncService
	priority bool

	store  *storage.Store
	shared *sharedState
	ready  *ops.Event
	log    *ops.Logger

	iterStart time.Time
	processed atomic.Int64
	added     atomic.Int64
	failed    atomic.Int64
}

// NewSynchronizer builds the general sync service over readable relays,
// excluding the prioritizer's set.
func NewSynchronizer(ctx context.Context, cfg *config.Config, ready *ops.Event, log *ops.Logger) (*SyncRunner, error) {
	return newSyncRunner(ctx, "synchronizer", cfg, &cfg.Synchronizer, false, ready, log)
}

// NewPrioritizer builds the sync service for the configured priority relays.
func NewPrioritizer(ctx context.Context, cfg *config.Config, ready *ops.Event, log *ops.Logger) (*SyncRunner, error) {
	return newSyncRunner(ctx, "prioritizer", cfg, &cfg.Prioritizer, true, ready, log)
}

func newSyncRunner(ctx context.Context, name string, cfg *config.Config, svc *config.SyncService, priority bool, ready *ops.Event, log *ops.Logger) (*SyncRunner, error) {
	store, err := storage.New(ctx, &cfg.Database, log)
	if err != nil {
		return nil, err
	}

	r := &SyncRunner{
		name:     name,
		cfg:      cfg,
		svc:      svc,
		priority: priority,
		store:    store,
		shared:   &sharedState{},
		ready:    ready,
		log:      log.WithComponent(name),
	}
	if err := r.loadState(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

func (r *SyncRunner) loadState(ctx context.Context) error {
	blob, err := r.store.LoadServiceState(ctx, r.name)
	if err != nil {
		return err
	}
	if blob == nil {
		return nil
	}
	var st syncState
	if err := json.Unmarshal(blob, &st); err != nil {
		r.log.Warn("discarding unreadable service state", "error", err)
		return nil
	}
	r.shared.st = st
	r.log.Info("resuming from saved state",
		"last_run", st.LastRun, "watermarks", len(st.Watermarks))
	return nil
}

// Run executes iterations until ctx is cancelled.
func (r *SyncRunner) Run(ctx context.Context) error {
	pool := NewPool(&r.svc.Service, r.workerFactory, r.log)
	loop := NewLoop(r.name, &r.svc.Service, pool, r.produce, r.saveIterationState, r.log)
	return loop.Run(ctx)
}

// Close releases the scheduler's own store pool.
func (r *SyncRunner) Close() error {
	return r.store.Close()
}

// Ping reports database connectivity for the readiness endpoint.
func (r *SyncRunner) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// produce streams this iteration's working set. The prioritizer syncs its
// configured relays unconditionally; the synchronizer selects relays whose
// latest reachability test within the freshness window reported readable,
// minus the prioritizer's set.
func (r *SyncRunner) produce(ctx context.Context, out chan<- storage.Relay) error {
	now := time.Now()
	r.iterStart = now
	r.processed.Store(0)
	r.added.Store(0)
	r.failed.Store(0)

	emit := func(relay storage.Relay) error {
		select {
		case out <- relay:
			r.ready.Set()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if r.priority {
		for _, raw := range r.svc.Relays {
			relay, err := storage.NewRelay(raw, now.Unix())
			if err != nil {
				r.log.Warn("skipping invalid priority relay", "url", raw, "error", err)
				continue
			}
			if err := r.store.UpsertRelay(ctx, relay); err != nil {
				return err
			}
			if err := emit(relay); err != nil {
				return err
			}
		}
		return nil
	}

	exclude := make([]string, 0, len(r.cfg.Prioritizer.Relays))
	for _, raw := range r.cfg.Prioritizer.Relays {
		if url, err := bbnostr.NormalizeURL(raw); err == nil {
			exclude = append(exclude, url)
		}
	}
	cutoff := now.Add(-r.svc.FreshnessCutoff()).Unix()

	if !r.svc.Shuffle {
		return r.store.ListRelaysForSync(ctx, cutoff, true, exclude, emit)
	}

	// Shuffle trades strict ordering for load spreading. The listing stays
	// cursor-paged, so shuffling happens per buffered chunk rather than over
	// the full set.
	buf := make([]storage.Relay, 0, 1000)
	flush := func() error {
		rand.Shuffle(len(buf), func(i, j int) { buf[i], buf[j] = buf[j], buf[i] })
		for _, relay := range buf {
			if err := emit(relay); err != nil {
				return err
			}
		}
		buf = buf[:0]
		return nil
	}
	err := r.store.ListRelaysForSync(ctx, cutoff, true, exclude, func(relay storage.Relay) error {
		buf = append(buf, relay)
		if len(buf) == cap(buf) {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// workerFactory opens the worker's private store pool and builds its engine.
func (r *SyncRunner) workerFactory(ctx context.Context) (TaskFunc, func(), error) {
	store, err := storage.New(ctx, &r.cfg.Database, r.log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open worker store: %w", err)
	}

	dialer := bbnostr.NewDialer(r.svc.RequestTimeout(), r.torProxy(), r.log)
	writer := &watermarkWriter{store: store, service: r.name, shared: r.shared}
	eng := engine.NewEngine(dialer, writer, r.svc, r.log)

	task := func(tctx context.Context, relay storage.Relay) {
		r.syncOne(tctx, store, eng, relay)
	}
	return task, func() { store.Close() }, nil
}

func (r *SyncRunner) torProxy() string {
	if r.cfg.Tor.Enabled {
		return r.cfg.Tor.SOCKS5
	}
	return ""
}

func (r *SyncRunner) syncOne(ctx context.Context, store *storage.Store, eng *engine.Engine, relay storage.Relay) {
	since := r.resumePoint(ctx, store, relay.URL)
	until := time.Now().Unix()

	s := nostr.Timestamp(since)
	u := nostr.Timestamp(until)
	filter := nostr.Filter{
		Kinds: r.svc.Kinds,
		Since: &s,
		Until: &u,
		Limit: r.svc.Limit,
	}

	batchCap := r.svc.Limit
	if ml, err := store.GetRelayMaxLimit(ctx, relay.URL); err == nil && ml != nil && *ml > 0 && *ml < batchCap {
		batchCap = *ml
	}

	rep := eng.Sync(ctx, relay, filter, batchCap)

	outcome := "ok"
	if rep.TerminalCause != "" {
		outcome = rep.TerminalCause
		r.failed.Add(1)
	}
	r.processed.Add(1)
	r.added.Add(int64(rep.EventsNew))
	ops.RelaysProcessed.WithLabelValues(r.name, outcome).Inc()
	r.log.LogRelayOutcome(relay.URL, rep.EventsSeen, rep.EventsNew, rep.Warnings, rep.TerminalCause, rep.Err)
}

// resumePoint picks the sync window start: the saved watermark, or the max
// created_at already stored for this relay, or zero for a fresh relay.
func (r *SyncRunner) resumePoint(ctx context.Context, store *storage.Store, relayURL string) int64 {
	if w, ok := r.shared.watermark(relayURL); ok {
		return w
	}
	last, err := store.GetLastSeenCreatedAt(ctx, relayURL)
	if err != nil {
		r.log.Warn("failed to read resume point, starting from zero",
			"relay", relayURL, "error", err)
		return 0
	}
	if last == nil {
		return 0
	}
	return *last
}

// saveIterationState records the iteration completion. Per-relay watermarks
// were already committed alongside their batches; this stamps last_run.
func (r *SyncRunner) saveIterationState(ctx context.Context) error {
	r.log.LogIterationSummary(r.name,
		int(r.processed.Load()), int(r.added.Load()), int(r.failed.Load()),
		time.Since(r.iterStart), r.svc.FailureRateAlert, r.svc.FailureAlertSample)

	r.shared.mu.Lock()
	r.shared.st.LastRun = time.Now().Unix()
	blob, err := json.Marshal(r.shared.st)
	r.shared.mu.Unlock()
	if err != nil {
		return err
	}
	return r.store.SaveServiceState(ctx, r.name, blob, time.Now().Unix())
}
