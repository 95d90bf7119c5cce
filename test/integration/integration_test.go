//go:build integration

// Integration tests against a real PostgreSQL instance. Point them at a
// database via BIGBROTR_DB_USER / BIGBROTR_DB_PASSWORD (and optionally
// BIGBROTR_DB_HOST / BIGBROTR_DB_NAME), then run:
//
//	go test -tags integration ./test/integration
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

func testDatabase(t *testing.T) *config.Database {
	t.Helper()
	user := os.Getenv("BIGBROTR_DB_USER")
	if user == "" {
		t.Skip("BIGBROTR_DB_USER not set; integration tests need a PostgreSQL instance")
	}
	cfg := config.Default()
	cfg.Database.User = user
	cfg.Database.Password = os.Getenv("BIGBROTR_DB_PASSWORD")
	if v := os.Getenv("BIGBROTR_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("BIGBROTR_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	return &cfg.Database
}

func newTestStore(t *testing.T) (*storage.Store, *config.Database) {
	t.Helper()
	dbCfg := testDatabase(t)
	log := ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
	st, err := storage.New(context.Background(), dbCfg, log)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.ApplySchema(context.Background()); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	return st, dbCfg
}

// rawDB opens a plain connection for fixtures and checks the Store API does
// not expose. The lib/pq driver is registered through the storage package.
func rawDB(t *testing.T, dbCfg *config.Database) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func queryInt(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

// testRelay builds a relay with a unique URL so repeated runs never collide.
func testRelay(t *testing.T, name string) storage.Relay {
	t.Helper()
	url := fmt.Sprintf("wss://%s-%d.test", name, time.Now().UnixNano())
	r, err := storage.NewRelay(url, time.Now().Unix())
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	return r
}

func signedEvent(t *testing.T, sk string, ts int64, content string) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
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
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return &ev
}

func uniqueContent(label string) string {
	return fmt.Sprintf("%s %d", label, time.Now().UnixNano())
}

func TestUpsertEventIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	relay := testRelay(t, "idem")
	sk := nostr.GeneratePrivateKey()
	ts := time.Now().Unix()
	ev := signedEvent(t, sk, ts, uniqueContent("idempotent insert"))

	inserted, err := st.UpsertEvent(ctx, ev, relay, ts)
	if err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
	if !inserted {
		t.Error("first insert reported not new")
	}

	inserted, err = st.UpsertEvent(ctx, ev, relay, ts+1)
	if err != nil {
		t.Fatalf("UpsertEvent rerun: %v", err)
	}
	if inserted {
		t.Error("second insert reported new; primary-key collision must be a no-op")
	}

	last, err := st.GetLastSeenCreatedAt(ctx, relay.URL)
	if err != nil {
		t.Fatalf("GetLastSeenCreatedAt: %v", err)
	}
	if last == nil || *last != ts {
		t.Errorf("watermark = %v, want %d", last, ts)
	}
}

func TestUpsertEventsBatchCountsNew(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	relay := testRelay(t, "batch")
	sk := nostr.GeneratePrivateKey()
	ts := time.Now().Unix()

	var events []*nostr.Event
	for i := int64(0); i < 3; i++ {
		events = append(events, signedEvent(t, sk, ts+i, uniqueContent("batch insert")))
	}

	n, err := st.UpsertEventsBatch(ctx, events, relay, ts)
	if err != nil {
		t.Fatalf("UpsertEventsBatch: %v", err)
	}
	if n != 3 {
		t.Errorf("first batch inserted %d, want 3", n)
	}

	n, err = st.UpsertEventsBatch(ctx, events, relay, ts+1)
	if err != nil {
		t.Fatalf("UpsertEventsBatch rerun: %v", err)
	}
	if n != 0 {
		t.Errorf("second batch inserted %d, want 0", n)
	}
}

func TestOrphanEventCleanup(t *testing.T) {
	st, dbCfg := newTestStore(t)
	db := rawDB(t, dbCfg)
	ctx := context.Background()
	relay := testRelay(t, "orphan")
	sk := nostr.GeneratePrivateKey()
	ts := time.Now().Unix()
	ev := signedEvent(t, sk, ts, uniqueContent("to be orphaned"))

	if _, err := st.UpsertEvent(ctx, ev, relay, ts); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	// Sever the relay association directly; the event is now unreferenced.
	if _, err := db.Exec(`DELETE FROM events_relays WHERE event_id = $1`, ev.ID); err != nil {
		t.Fatalf("delete link: %v", err)
	}

	deleted, err := st.DeleteOrphanEvents(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanEvents: %v", err)
	}
	if deleted < 1 {
		t.Errorf("deleted = %d, want at least the orphaned event", deleted)
	}
	if n := queryInt(t, db, `SELECT COUNT(*) FROM events WHERE id = $1`, ev.ID); n != 0 {
		t.Errorf("orphaned event still present (%d rows)", n)
	}

	deleted, err = st.DeleteOrphanEvents(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanEvents rerun: %v", err)
	}
	if deleted != 0 {
		t.Errorf("rerun deleted %d, want 0", deleted)
	}
}

func TestMetadataContentDedup(t *testing.T) {
	st, dbCfg := newTestStore(t)
	db := rawDB(t, dbCfg)
	ctx := context.Background()
	relay := testRelay(t, "dedup")
	if err := st.UpsertRelay(ctx, relay); err != nil {
		t.Fatalf("UpsertRelay: %v", err)
	}

	name := "steady relay"
	version := "1.0"
	info := &bbnostr.Nip11Info{Name: &name, Version: &version, SupportedNips: []int{1, 11}}
	yes := true
	rttOpen := int64(40)
	rttRead := int64(60)
	res := &storage.Nip66Result{Openable: &yes, Readable: &yes, RTTOpen: &rttOpen, RTTRead: &rttRead}

	// Ten probes, identical payloads: ten snapshots, one row per payload.
	base := time.Now().Unix()
	for i := int64(0); i < 10; i++ {
		md := storage.RelayMetadata{
			RelayURL:    relay.URL,
			GeneratedAt: base + i,
			Nip11:       info,
			Nip66:       res,
		}
		if err := st.UpsertRelayMetadata(ctx, md); err != nil {
			t.Fatalf("UpsertRelayMetadata %d: %v", i, err)
		}
	}

	if n := queryInt(t, db, `SELECT COUNT(*) FROM relay_metadata WHERE relay_url = $1`, relay.URL); n != 10 {
		t.Errorf("snapshots = %d, want 10", n)
	}
	if n := queryInt(t, db, `SELECT COUNT(DISTINCT nip11_id) FROM relay_metadata WHERE relay_url = $1`, relay.URL); n != 1 {
		t.Errorf("distinct nip11 payloads = %d, want 1", n)
	}
	if n := queryInt(t, db, `SELECT COUNT(*) FROM nip11 WHERE id = $1`, storage.Nip11ID(info)); n != 1 {
		t.Errorf("nip11 rows = %d, want exactly one content-addressed row", n)
	}
	if n := queryInt(t, db, `SELECT COUNT(*) FROM nip66 WHERE id = $1`, storage.Nip66ID(res)); n != 1 {
		t.Errorf("nip66 rows = %d, want exactly one content-addressed row", n)
	}
}

func TestListRelaysForSyncUsesLatestSnapshot(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()
	cutoff := now - 3600

	snapshot := func(r storage.Relay, at int64, readable bool, rtt int64) {
		t.Helper()
		yes := true
		res := &storage.Nip66Result{Openable: &yes, Readable: &readable, RTTOpen: &rtt}
		md := storage.RelayMetadata{RelayURL: r.URL, GeneratedAt: at, Nip66: res}
		if err := st.UpsertRelayMetadata(ctx, md); err != nil {
			t.Fatalf("UpsertRelayMetadata: %v", err)
		}
	}

	wentDark := testRelay(t, "went-dark")
	cameBack := testRelay(t, "came-back")
	stale := testRelay(t, "stale")
	for _, r := range []storage.Relay{wentDark, cameBack, stale} {
		if err := st.UpsertRelay(ctx, r); err != nil {
			t.Fatalf("UpsertRelay: %v", err)
		}
	}

	// Only the newest snapshot inside the freshness window decides.
	snapshot(wentDark, now-600, true, 41)
	snapshot(wentDark, now-300, false, 42)
	snapshot(cameBack, now-600, false, 43)
	snapshot(cameBack, now-300, true, 44)
	snapshot(stale, now-7200, true, 45)

	got := map[string]bool{}
	err := st.ListRelaysForSync(ctx, cutoff, true, nil, func(r storage.Relay) error {
		got[r.URL] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ListRelaysForSync: %v", err)
	}

	if got[wentDark.URL] {
		t.Error("relay whose latest snapshot is unreadable was selected")
	}
	if !got[cameBack.URL] {
		t.Error("relay whose latest snapshot is readable was not selected")
	}
	if got[stale.URL] {
		t.Error("relay with only a stale snapshot was selected")
	}
}

func TestServiceStateRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	service := fmt.Sprintf("it-%d", time.Now().UnixNano())

	blob, err := st.LoadServiceState(ctx, service)
	if err != nil {
		t.Fatalf("LoadServiceState: %v", err)
	}
	if blob != nil {
		t.Fatalf("state for unknown service = %s, want nil", blob)
	}

	want := []byte(`{"last_run":42,"watermarks":{"wss://r.test":100}}`)
	if err := st.SaveServiceState(ctx, service, want, time.Now().Unix()); err != nil {
		t.Fatalf("SaveServiceState: %v", err)
	}
	got, err := st.LoadServiceState(ctx, service)
	if err != nil {
		t.Fatalf("LoadServiceState after save: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("state = %s, want %s", got, want)
	}
}
