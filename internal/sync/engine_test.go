package sync

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

func testLogger() *ops.Logger {
	return ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

func testSyncConfig() *config.SyncService {
	return &config.SyncService{
		Limit:         10,
		MinLimit:      1,
		MaxIterations: 50,
		EventsPerSec:  100000,
	}
}

var (
	testSK     = nostr.GeneratePrivateKey()
	signedOnce sync.Map
)

// signedEvent returns a valid signed event at the given timestamp, cached so
// repeated test runs over the same timestamps stay cheap.
func signedEvent(t *testing.T, ts int64, content string) nostr.Event {
	t.Helper()
	key := content + "|" + time.Unix(ts, 0).String()
	if v, ok := signedOnce.Load(key); ok {
		return v.(nostr.Event)
	}
	pk, err := nostr.GetPublicKey(testSK)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	ev := nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(ts),
		Kind:      nostr.KindTextNote,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	if err := ev.Sign(testSK); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signedOnce.Store(key, ev)
	return ev
}

// fakeRelay serves a fixed event set, honoring since/until/limit like a
// well-behaved relay: newest first, truncated at min(filter.Limit, cap).
// With ignoreLimit set it returns every match regardless of the requested
// limit, like a relay that does not implement limits.
type fakeRelay struct {
	events      []nostr.Event
	cap         int
	ignoreLimit bool

	mu   sync.Mutex
	reqs int
}

func (r *fakeRelay) Dial(ctx context.Context, url string) (bbnostr.RelayConn, error) {
	return &fakeConn{relay: r}, nil
}

type fakeConn struct {
	relay *fakeRelay
}

func (c *fakeConn) Subscribe(ctx context.Context, f nostr.Filter) (bbnostr.RelaySub, error) {
	c.relay.mu.Lock()
	c.relay.reqs++
	c.relay.mu.Unlock()

	since := int64(0)
	if f.Since != nil {
		since = int64(*f.Since)
	}
	until := int64(1<<62 - 1)
	if f.Until != nil {
		until = int64(*f.Until)
	}

	var matched []nostr.Event
	for _, ev := range c.relay.events {
		ts := int64(ev.CreatedAt)
		if ts >= since && ts <= until {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if !c.relay.ignoreLimit {
		limit := c.relay.cap
		if f.Limit > 0 && f.Limit < limit {
			limit = f.Limit
		}
		if len(matched) > limit {
			matched = matched[:limit]
		}
	}

	events := make(chan nostr.Event, len(matched))
	for _, ev := range matched {
		events <- ev
	}
	eose := make(chan struct{})
	close(eose)
	return &fakeSub{events: events, eose: eose}, nil
}

func (c *fakeConn) Publish(ctx context.Context, ev nostr.Event) (bool, error) {
	return false, errors.New("not supported")
}

func (c *fakeConn) Close() error { return nil }

type fakeSub struct {
	events chan nostr.Event
	eose   chan struct{}
}

func (s *fakeSub) Events() <-chan nostr.Event { return s.events }

// EOSE is already closed while events sit buffered, exactly like the
// production client when the relay's EOSE frame lands right behind the
// events: the engine must drain the buffer instead of trusting the signal.
func (s *fakeSub) EOSE() <-chan struct{} { return s.eose }

func (s *fakeSub) Unsub() {}

// fakeStore records batch inserts, deduplicating by event id like the
// database primary key does.
type fakeStore struct {
	mu     sync.Mutex
	events map[string]nostr.Event
	fail   error
}

func (s *fakeStore) UpsertEventsBatch(ctx context.Context, events []*nostr.Event, relay storage.Relay, seenAt int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	if s.events == nil {
		s.events = map[string]nostr.Event{}
	}
	added := 0
	for _, ev := range events {
		if _, ok := s.events[ev.ID]; !ok {
			s.events[ev.ID] = *ev
			added++
		}
	}
	return added, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testRelay() storage.Relay {
	return storage.Relay{URL: "wss://relay.test", Network: "clearnet", InsertedAt: 0}
}

func window(since, until int64) nostr.Filter {
	s := nostr.Timestamp(since)
	u := nostr.Timestamp(until)
	return nostr.Filter{Since: &s, Until: &u, Limit: 10}
}

func TestSyncShortBatch(t *testing.T) {
	relay := &fakeRelay{cap: 10}
	for i := int64(0); i < 4; i++ {
		relay.events = append(relay.events, signedEvent(t, 1600000000+i*10, "short"))
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 10)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish (err=%v)", rep.TerminalCause, rep.Err)
	}
	if store.count() != 4 {
		t.Errorf("stored %d events, want 4", store.count())
	}
	if rep.EventsNew != 4 {
		t.Errorf("EventsNew = %d, want 4", rep.EventsNew)
	}
}

func TestSyncCompletenessUnderCap(t *testing.T) {
	// 12 events over distinct timestamps, relay caps responses at 3. A naive
	// single REQ would miss 9; the window sweep must find them all.
	relay := &fakeRelay{cap: 3}
	for i := int64(0); i < 12; i++ {
		relay.events = append(relay.events, signedEvent(t, 1600000000+i*7, "full"))
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 3)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish (err=%v)", rep.TerminalCause, rep.Err)
	}
	if store.count() != 12 {
		t.Errorf("stored %d events, want 12", store.count())
	}
}

func TestSyncDrainsEventsBufferedAtEOSE(t *testing.T) {
	// The subscription delivers all nine events buffered with EOSE already
	// signalled; if the engine trusts EOSE over the buffer, the batch reads
	// short and events are silently skipped.
	relay := &fakeRelay{cap: 10}
	for i := int64(0); i < 9; i++ {
		relay.events = append(relay.events, signedEvent(t, 1600000000+i*3, "buffered"))
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 10)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish (err=%v)", rep.TerminalCause, rep.Err)
	}
	if store.count() != 9 {
		t.Errorf("stored %d events, want all 9 delivered before EOSE", store.count())
	}
}

func TestSyncExactlyFullBatchesNoWarnings(t *testing.T) {
	// Four events, relay truncating at 2: the sweep sees full batches that
	// hold exactly the cap, which is normal operation, not overflow.
	relay := &fakeRelay{cap: 2}
	for i := int64(0); i < 4; i++ {
		relay.events = append(relay.events, signedEvent(t, 1600000000+i*10, "exact"))
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 2)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish (err=%v)", rep.TerminalCause, rep.Err)
	}
	if store.count() != 4 {
		t.Errorf("stored %d events, want 4", store.count())
	}
	if len(rep.Warnings) != 0 {
		t.Errorf("warnings = %v, want none for exactly-full batches", rep.Warnings)
	}
}

func TestSyncOverflowWarnsOnExcessEvent(t *testing.T) {
	// A relay ignoring the requested limit keeps sending past the cap; the
	// excess event is the proof of truncation that warrants the warning.
	relay := &fakeRelay{cap: 3, ignoreLimit: true}
	for i := int64(0); i < 5; i++ {
		relay.events = append(relay.events, signedEvent(t, 1600000000+i*7, "excess"))
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 3)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish (err=%v)", rep.TerminalCause, rep.Err)
	}
	if store.count() != 5 {
		t.Errorf("stored %d events, want 5", store.count())
	}
	if !hasWarningPrefix(rep.Warnings, "batch_overflow") {
		t.Errorf("warnings = %v, want batch_overflow", rep.Warnings)
	}
}

func TestSyncInvalidEventStillCountsTowardBatch(t *testing.T) {
	// 12 events, one tampered, relay caps at 3. A full batch containing the
	// invalid event must still classify as full, or the sweep pops the window
	// and skips the valid events beyond the cap.
	relay := &fakeRelay{cap: 3}
	for i := int64(0); i < 12; i++ {
		ev := signedEvent(t, 1600000000+i*7, "mixed")
		if i == 5 {
			ev.Content = "tampered after signing"
		}
		relay.events = append(relay.events, ev)
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 3)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish (err=%v)", rep.TerminalCause, rep.Err)
	}
	if store.count() != 11 {
		t.Errorf("stored %d events, want the 11 valid ones", store.count())
	}
	if !hasWarningPrefix(rep.Warnings, "rejected reason=id_mismatch") {
		t.Errorf("warnings = %v, want an id_mismatch rejection", rep.Warnings)
	}
}

func TestSyncEventsSeenCountsDistinct(t *testing.T) {
	a := signedEvent(t, 1600000010, "dup")
	b := signedEvent(t, 1600000020, "dup")
	relay := &fakeRelay{cap: 10, events: []nostr.Event{a, b, a}}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 10)

	if rep.EventsSeen != 2 {
		t.Errorf("EventsSeen = %d, want 2 distinct despite the duplicated delivery", rep.EventsSeen)
	}
	if store.count() != 2 {
		t.Errorf("stored %d events, want 2", store.count())
	}
}

func TestSyncEmptyWindow(t *testing.T) {
	relay := &fakeRelay{cap: 10}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 10)

	if rep.TerminalCause != "" || rep.EventsSeen != 0 || store.count() != 0 {
		t.Errorf("empty window: cause=%q seen=%d stored=%d", rep.TerminalCause, rep.EventsSeen, store.count())
	}
}

func TestSyncTimestampPlateau(t *testing.T) {
	// Five events share one timestamp and the relay caps at 3: the window
	// cannot be split by time, so the engine takes the 3 offered, warns, and
	// steps past. Losing the other 2 is the documented limit.
	relay := &fakeRelay{cap: 3}
	for i := 0; i < 5; i++ {
		relay.events = append(relay.events, signedEvent(t, 1600000100, "plateau"+string(rune('a'+i))))
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 3)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish", rep.TerminalCause)
	}
	if store.count() != 3 {
		t.Errorf("stored %d events, want 3", store.count())
	}
	if !hasWarningPrefix(rep.Warnings, "timestamp_plateau") {
		t.Errorf("warnings = %v, want a timestamp_plateau entry", rep.Warnings)
	}
}

// stuckRelay always returns the same full batch spanning distinct timestamps
// no matter the window, so no pass ever makes progress.
type stuckRelay struct {
	batch []nostr.Event
}

func (r *stuckRelay) Dial(ctx context.Context, url string) (bbnostr.RelayConn, error) {
	return &stuckConn{batch: r.batch}, nil
}

type stuckConn struct{ batch []nostr.Event }

func (c *stuckConn) Subscribe(ctx context.Context, f nostr.Filter) (bbnostr.RelaySub, error) {
	events := make(chan nostr.Event, len(c.batch))
	for _, ev := range c.batch {
		events <- ev
	}
	eose := make(chan struct{})
	close(eose)
	return &fakeSub{events: events, eose: eose}, nil
}

func (c *stuckConn) Publish(ctx context.Context, ev nostr.Event) (bool, error) {
	return false, errors.New("not supported")
}
func (c *stuckConn) Close() error { return nil }

func TestSyncLoopGuard(t *testing.T) {
	batch := []nostr.Event{
		signedEvent(t, 1600000010, "stuck"),
		signedEvent(t, 1600000020, "stuck"),
		signedEvent(t, 1600000030, "stuck"),
	}
	store := &fakeStore{}
	cfg := testSyncConfig()
	cfg.MaxIterations = 10
	eng := NewEngine(&stuckRelay{batch: batch}, store, cfg, testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 3)

	if rep.TerminalCause != CauseStuck {
		t.Fatalf("terminal cause = %q, want %q", rep.TerminalCause, CauseStuck)
	}
	if !hasWarningPrefix(rep.Warnings, "stuck interval=") {
		t.Errorf("warnings = %v, want the stuck interval named", rep.Warnings)
	}
}

// slowRelay never delivers events or EOSE, simulating a relay that accepts
// the subscription and goes silent.
type slowRelay struct{}

func (r *slowRelay) Dial(ctx context.Context, url string) (bbnostr.RelayConn, error) {
	return &slowConn{}, nil
}

type slowConn struct{}

func (c *slowConn) Subscribe(ctx context.Context, f nostr.Filter) (bbnostr.RelaySub, error) {
	return &fakeSub{events: make(chan nostr.Event), eose: make(chan struct{})}, nil
}

func (c *slowConn) Publish(ctx context.Context, ev nostr.Event) (bool, error) {
	return false, errors.New("not supported")
}
func (c *slowConn) Close() error { return nil }

func TestSyncDeadline(t *testing.T) {
	store := &fakeStore{}
	eng := NewEngine(&slowRelay{}, store, testSyncConfig(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	rep := eng.Sync(ctx, testRelay(), window(1600000000, 1600001000), 10)
	elapsed := time.Since(start)

	if rep.TerminalCause != CauseDeadline {
		t.Fatalf("terminal cause = %q, want %q", rep.TerminalCause, CauseDeadline)
	}
	if elapsed > time.Second {
		t.Errorf("sync returned after %v, want prompt return on deadline", elapsed)
	}
	if store.count() != 0 {
		t.Errorf("stored %d events from a partial batch, want 0", store.count())
	}
}

type failDialer struct{}

func (failDialer) Dial(ctx context.Context, url string) (bbnostr.RelayConn, error) {
	return nil, errors.New("connection refused")
}

func TestSyncDialFailure(t *testing.T) {
	eng := NewEngine(failDialer{}, &fakeStore{}, testSyncConfig(), testLogger())
	rep := eng.Sync(context.Background(), testRelay(), window(0, 100), 10)
	if rep.TerminalCause != CauseRelayError || rep.Err == nil {
		t.Fatalf("cause=%q err=%v, want relay_error with cause", rep.TerminalCause, rep.Err)
	}
}

func TestSyncRejectsTamperedEvents(t *testing.T) {
	good := signedEvent(t, 1600000010, "good")
	bad := signedEvent(t, 1600000020, "bad")
	bad.Content = "tampered after signing"

	relay := &fakeRelay{cap: 10, events: []nostr.Event{good, bad}}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 10)

	if rep.TerminalCause != "" {
		t.Fatalf("terminal cause = %q, want clean finish", rep.TerminalCause)
	}
	if store.count() != 1 {
		t.Errorf("stored %d events, want only the valid one", store.count())
	}
	if !hasWarningPrefix(rep.Warnings, "rejected reason=id_mismatch") {
		t.Errorf("warnings = %v, want an id_mismatch rejection", rep.Warnings)
	}
}

func TestSyncStorageFailureAborts(t *testing.T) {
	relay := &fakeRelay{cap: 10, events: []nostr.Event{signedEvent(t, 1600000010, "x")}}
	store := &fakeStore{fail: errors.New("pool exhausted")}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	rep := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 10)

	if rep.TerminalCause != CauseStorageError || rep.Err == nil {
		t.Fatalf("cause=%q err=%v, want storage_error", rep.TerminalCause, rep.Err)
	}
}

func TestSyncIdempotent(t *testing.T) {
	relay := &fakeRelay{cap: 3}
	for i := int64(0); i < 8; i++ {
		relay.events = append(relay.events, signedEvent(t, 1600000000+i*5, "again"))
	}
	store := &fakeStore{}
	eng := NewEngine(relay, store, testSyncConfig(), testLogger())

	first := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 3)
	second := eng.Sync(context.Background(), testRelay(), window(1600000000, 1600001000), 3)

	if first.EventsNew != 8 {
		t.Errorf("first run EventsNew = %d, want 8", first.EventsNew)
	}
	if second.EventsNew != 0 {
		t.Errorf("second run EventsNew = %d, want 0 (idempotent inserts)", second.EventsNew)
	}
	if store.count() != 8 {
		t.Errorf("stored %d events, want 8", store.count())
	}
}

func hasWarningPrefix(warnings []string, prefix string) bool {
	for _, w := range warnings {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}
