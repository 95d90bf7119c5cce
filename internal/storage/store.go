package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
)

// listPageSize bounds how many rows a streaming listing holds in memory.
const listPageSize = 1000

// Store is the only gate to persisted state. Each Store owns a private
// connection pool sized from config; pools are never shared across workers.
type Store struct {
	db  *sqlx.DB
	log *ops.Logger
}

// New opens a Store with its own pool and verifies connectivity.
func New(ctx context.Context, cfg *config.Database, log *ops.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", wrapErr("ping", "", err))
	}

	return &Store{
		db:  db,
		log: log.WithComponent("storage"),
	}, nil
}

// Ping checks pool connectivity; used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRelay inserts a relay if it is not already known. Idempotent.
func (s *Store) UpsertRelay(ctx context.Context, r Relay) error {
	return withRetry(ctx, s.log, "upsert_relay", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO relays (url, network, inserted_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (url) DO NOTHING`,
			r.URL, r.Network, r.InsertedAt)
		return wrapErr("upsert_relay", r.URL, err)
	})
}

// UpsertEvent writes one event, the relay it was seen on, and the link
// between them in a single transaction. Returns whether the event row was
// new. Primary-key collisions on any of the three inserts are no-ops.
func (s *Store) UpsertEvent(ctx context.Context, ev *nostr.Event, relay Relay, seenAt int64) (bool, error) {
	var inserted bool
	err := withRetry(ctx, s.log, "upsert_event", func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			n, err := insertEvents(ctx, tx, []*nostr.Event{ev}, relay, seenAt)
			inserted = n > 0
			return err
		})
	})
	return inserted, wrapErr("upsert_event", relay.URL, err)
}

// UpsertEventsBatch writes a batch of events and their relay links in one
// transaction. Returns the number of event rows that were new.
func (s *Store) UpsertEventsBatch(ctx context.Context, events []*nostr.Event, relay Relay, seenAt int64) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var inserted int
	err := withRetry(ctx, s.log, "upsert_events_batch", func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			n, err := insertEvents(ctx, tx, events, relay, seenAt)
			inserted = n
			return err
		})
	})
	return inserted, wrapErr("upsert_events_batch", relay.URL, err)
}

// UpsertEventsBatchWithState writes a batch and a service-state checkpoint in
// the same transaction, so a watermark never commits ahead of its events.
func (s *Store) UpsertEventsBatchWithState(ctx context.Context, events []*nostr.Event, relay Relay, seenAt int64, service string, state json.RawMessage) (int, error) {
	var inserted int
	err := withRetry(ctx, s.log, "upsert_events_batch_with_state", func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			n, err := insertEvents(ctx, tx, events, relay, seenAt)
			if err != nil {
				return err
			}
			inserted = n
			return saveState(ctx, tx, service, state, time.Now().Unix())
		})
	})
	return inserted, wrapErr("upsert_events_batch_with_state", relay.URL, err)
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, events []*nostr.Event, relay Relay, seenAt int64) (int, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relays (url, network, inserted_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (url) DO NOTHING`,
		relay.URL, relay.Network, relay.InsertedAt); err != nil {
		return 0, err
	}

	inserted := 0
	for _, ev := range events {
		tags, err := json.Marshal(ev.Tags)
		if err != nil {
			return 0, fmt.Errorf("failed to encode tags for event %.16s: %w", ev.ID, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, tags, ev.Content, ev.Sig)
		if err != nil {
			return 0, fmt.Errorf("event %.16s: %w", ev.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events_relays (event_id, relay_url, seen_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (event_id, relay_url) DO NOTHING`,
			ev.ID, relay.URL, seenAt); err != nil {
			return 0, fmt.Errorf("event link %.16s: %w", ev.ID, err)
		}
	}
	return inserted, nil
}

// UpsertRelayMetadata computes the content addresses of the snapshot's
// nip11/nip66 payloads, inserts them if unseen, and appends the snapshot row.
// Snapshots never mutate.
func (s *Store) UpsertRelayMetadata(ctx context.Context, md RelayMetadata) error {
	err := withRetry(ctx, s.log, "upsert_relay_metadata", func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			var nip11ID, nip66ID sql.NullString

			if md.Nip11 != nil {
				id := Nip11ID(md.Nip11)
				if err := insertNip11(ctx, tx, id, md.Nip11); err != nil {
					return err
				}
				nip11ID = sql.NullString{String: id, Valid: true}
			}

			if md.Nip66 != nil {
				id := Nip66ID(md.Nip66)
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO nip66 (id, openable, readable, writable, rtt_open, rtt_read, rtt_write)
					 VALUES ($1, $2, $3, $4, $5, $6, $7)
					 ON CONFLICT (id) DO NOTHING`,
					id, md.Nip66.Openable, md.Nip66.Readable, md.Nip66.Writable,
					md.Nip66.RTTOpen, md.Nip66.RTTRead, md.Nip66.RTTWrite); err != nil {
					return err
				}
				nip66ID = sql.NullString{String: id, Valid: true}
			}

			_, err := tx.ExecContext(ctx,
				`INSERT INTO relay_metadata (relay_url, generated_at, nip11_id, nip66_id)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (relay_url, generated_at) DO NOTHING`,
				md.RelayURL, md.GeneratedAt, nip11ID, nip66ID)
			return err
		})
	})
	return wrapErr("upsert_relay_metadata", md.RelayURL, err)
}

func insertNip11(ctx context.Context, tx *sqlx.Tx, id string, info *bbnostr.Nip11Info) error {
	supported, err := json.Marshal(info.SupportedNips)
	if err != nil {
		return err
	}
	limitation, err := json.Marshal(info.Limitation)
	if err != nil {
		return err
	}
	extra, err := json.Marshal(info.ExtraFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO nip11 (id, name, description, banner, icon, pubkey, contact,
		                    supported_nips, software, version, privacy_policy,
		                    terms_of_service, limitation, extra_fields)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		id, info.Name, info.Description, info.Banner, info.Icon, info.Pubkey,
		info.Contact, supported, info.Software, info.Version,
		info.PrivacyPolicy, info.TermsOfService, limitation, extra)
	return err
}

// ListRelaysForSync streams the sync working set: relays whose latest
// metadata snapshot is fresher than cutoff and, when readableOnly is set,
// whose latest reachability test reported readable. Relays in exclude are
// skipped. Results stream in pages of listPageSize; fn returning an error
// stops the scan.
func (s *Store) ListRelaysForSync(ctx context.Context, cutoff int64, readableOnly bool, exclude []string, fn func(Relay) error) error {
	query := `
		SELECT r.url, r.network, r.inserted_at
		FROM relays r
		JOIN (
			SELECT DISTINCT ON (m.relay_url) m.relay_url, m.nip66_id
			FROM relay_metadata m
			WHERE m.generated_at > $1
			ORDER BY m.relay_url, m.generated_at DESC
		) latest ON latest.relay_url = r.url
		LEFT JOIN nip66 n ON n.id = latest.nip66_id
		WHERE ($2 = FALSE OR n.readable = TRUE)
		  AND r.url <> ALL($3)
		  AND r.url > $4
		ORDER BY r.url
		LIMIT $5`

	if exclude == nil {
		exclude = []string{}
	}
	cursor := ""
	for {
		var page []Relay
		err := withRetry(ctx, s.log, "list_relays_for_sync", func() error {
			page = page[:0]
			return s.db.SelectContext(ctx, &page, query,
				cutoff, readableOnly, pq.Array(exclude), cursor, listPageSize)
		})
		if err != nil {
			return wrapErr("list_relays_for_sync", "", err)
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page) < listPageSize {
			return nil
		}
		cursor = page[len(page)-1].URL
	}
}

// ListRelaysForMetadata streams relays with no metadata snapshot newer than
// cutoff (including relays never probed).
func (s *Store) ListRelaysForMetadata(ctx context.Context, cutoff int64, fn func(Relay) error) error {
	query := `
		SELECT r.url, r.network, r.inserted_at
		FROM relays r
		WHERE NOT EXISTS (
			SELECT 1 FROM relay_metadata m
			WHERE m.relay_url = r.url AND m.generated_at > $1
		)
		  AND r.url > $2
		ORDER BY r.url
		LIMIT $3`

	cursor := ""
	for {
		var page []Relay
		err := withRetry(ctx, s.log, "list_relays_for_metadata", func() error {
			page = page[:0]
			return s.db.SelectContext(ctx, &page, query, cutoff, cursor, listPageSize)
		})
		if err != nil {
			return wrapErr("list_relays_for_metadata", "", err)
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(page) < listPageSize {
			return nil
		}
		cursor = page[len(page)-1].URL
	}
}

// GetLastSeenCreatedAt returns the max created_at of any event linked to the
// relay, or nil when no event has been stored for it. This is the sync
// resume watermark.
func (s *Store) GetLastSeenCreatedAt(ctx context.Context, relayURL string) (*int64, error) {
	var max sql.NullInt64
	err := withRetry(ctx, s.log, "get_last_seen_created_at", func() error {
		return s.db.GetContext(ctx, &max,
			`SELECT MAX(e.created_at)
			 FROM events_relays er
			 JOIN events e ON e.id = er.event_id
			 WHERE er.relay_url = $1`, relayURL)
	})
	if err != nil {
		return nil, wrapErr("get_last_seen_created_at", relayURL, err)
	}
	if !max.Valid {
		return nil, nil
	}
	v := max.Int64
	return &v, nil
}

// GetRelayMaxLimit returns the relay's advertised limitation.max_limit from
// its most recent information document, or nil when unknown.
func (s *Store) GetRelayMaxLimit(ctx context.Context, relayURL string) (*int, error) {
	var limit sql.NullInt64
	err := withRetry(ctx, s.log, "get_relay_max_limit", func() error {
		err := s.db.GetContext(ctx, &limit,
			`SELECT (d.limitation->>'max_limit')::int
			 FROM relay_metadata m
			 JOIN nip11 d ON d.id = m.nip11_id
			 WHERE m.relay_url = $1 AND m.nip11_id IS NOT NULL
			 ORDER BY m.generated_at DESC
			 LIMIT 1`, relayURL)
		if err == sql.ErrNoRows {
			limit = sql.NullInt64{}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, wrapErr("get_relay_max_limit", relayURL, err)
	}
	if !limit.Valid {
		return nil, nil
	}
	v := int(limit.Int64)
	return &v, nil
}

// LoadServiceState returns the persisted state blob for a service, or nil
// when none exists.
func (s *Store) LoadServiceState(ctx context.Context, service string) (json.RawMessage, error) {
	var state json.RawMessage
	err := withRetry(ctx, s.log, "load_service_state", func() error {
		err := s.db.GetContext(ctx, &state,
			`SELECT state FROM service_state WHERE service_name = $1`, service)
		if err == sql.ErrNoRows {
			state = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, wrapErr("load_service_state", "", err)
	}
	return state, nil
}

// SaveServiceState overwrites the state blob for a service.
func (s *Store) SaveServiceState(ctx context.Context, service string, state json.RawMessage, updatedAt int64) error {
	err := withRetry(ctx, s.log, "save_service_state", func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			return saveState(ctx, tx, service, state, updatedAt)
		})
	})
	return wrapErr("save_service_state", "", err)
}

func saveState(ctx context.Context, tx *sqlx.Tx, service string, state json.RawMessage, updatedAt int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO service_state (service_name, state, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (service_name) DO UPDATE
		 SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		service, state, updatedAt)
	return err
}

// DeleteOrphanEvents removes events with no remaining relay association.
func (s *Store) DeleteOrphanEvents(ctx context.Context) (int64, error) {
	return s.deleteOrphans(ctx, "delete_orphan_events",
		`DELETE FROM events e
		 WHERE NOT EXISTS (SELECT 1 FROM events_relays er WHERE er.event_id = e.id)`)
}

// DeleteOrphanNip11 removes information documents no snapshot references.
func (s *Store) DeleteOrphanNip11(ctx context.Context) (int64, error) {
	return s.deleteOrphans(ctx, "delete_orphan_nip11",
		`DELETE FROM nip11 d
		 WHERE NOT EXISTS (SELECT 1 FROM relay_metadata m WHERE m.nip11_id = d.id)`)
}

// DeleteOrphanNip66 removes reachability results no snapshot references.
func (s *Store) DeleteOrphanNip66(ctx context.Context) (int64, error) {
	return s.deleteOrphans(ctx, "delete_orphan_nip66",
		`DELETE FROM nip66 t
		 WHERE NOT EXISTS (SELECT 1 FROM relay_metadata m WHERE m.nip66_id = t.id)`)
}

func (s *Store) deleteOrphans(ctx context.Context, op, query string) (int64, error) {
	var deleted int64
	err := withRetry(ctx, s.log, op, func() error {
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, wrapErr(op, "", err)
}

// ListCandidateURLs streams distinct relay URLs referenced by r-tags of
// stored kind 10002 events (NIP-65 relay lists).
func (s *Store) ListCandidateURLs(ctx context.Context, fn func(string) error) error {
	query := `
		SELECT DISTINCT t->>1 AS url
		FROM events e, LATERAL jsonb_array_elements(e.tags) t
		WHERE e.kind = 10002
		  AND t->>0 = 'r'
		  AND jsonb_array_length(t) >= 2
		  AND t->>1 > $1
		ORDER BY url
		LIMIT $2`

	cursor := ""
	for {
		var page []string
		err := withRetry(ctx, s.log, "list_candidate_urls", func() error {
			page = page[:0]
			return s.db.SelectContext(ctx, &page, query, cursor, listPageSize)
		})
		if err != nil {
			return wrapErr("list_candidate_urls", "", err)
		}
		for _, u := range page {
			if err := fn(u); err != nil {
				return err
			}
		}
		if len(page) < listPageSize {
			return nil
		}
		cursor = page[len(page)-1]
	}
}

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
