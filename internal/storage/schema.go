package storage

import (
	"context"
	"fmt"
)

// Schema DDL. Applied by the initializer service; every statement is
// idempotent so re-running is safe. The store never relies on session-scoped
// state, so it works behind a transaction-pooling proxy.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS relays (
		url         TEXT PRIMARY KEY,
		network     TEXT NOT NULL CHECK (network IN ('clearnet', 'tor')),
		inserted_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY CHECK (char_length(id) = 64),
		pubkey     TEXT NOT NULL CHECK (char_length(pubkey) = 64),
		created_at BIGINT NOT NULL,
		kind       INTEGER NOT NULL CHECK (kind BETWEEN 0 AND 65535),
		tags       JSONB NOT NULL,
		content    TEXT NOT NULL,
		sig        TEXT NOT NULL CHECK (char_length(sig) = 128)
	)`,
	`CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind)`,
	`CREATE INDEX IF NOT EXISTS events_created_at_idx ON events (created_at)`,

	`CREATE TABLE IF NOT EXISTS events_relays (
		event_id  TEXT NOT NULL REFERENCES events (id) ON DELETE CASCADE,
		relay_url TEXT NOT NULL REFERENCES relays (url) ON DELETE CASCADE,
		seen_at   BIGINT NOT NULL,
		PRIMARY KEY (event_id, relay_url)
	)`,
	`CREATE INDEX IF NOT EXISTS events_relays_relay_event_idx
		ON events_relays (relay_url, event_id)`,
	`CREATE INDEX IF NOT EXISTS events_relays_relay_seen_idx
		ON events_relays (relay_url, seen_at DESC)`,

	`CREATE TABLE IF NOT EXISTS nip11 (
		id               TEXT PRIMARY KEY CHECK (char_length(id) = 64),
		name             TEXT,
		description      TEXT,
		banner           TEXT,
		icon             TEXT,
		pubkey           TEXT,
		contact          TEXT,
		supported_nips   JSONB,
		software         TEXT,
		version          TEXT,
		privacy_policy   TEXT,
		terms_of_service TEXT,
		limitation       JSONB,
		extra_fields     JSONB
	)`,

	`CREATE TABLE IF NOT EXISTS nip66 (
		id        TEXT PRIMARY KEY CHECK (char_length(id) = 64),
		openable  BOOLEAN,
		readable  BOOLEAN,
		writable  BOOLEAN,
		rtt_open  BIGINT,
		rtt_read  BIGINT,
		rtt_write BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS nip66_readable_idx ON nip66 (readable) WHERE readable = TRUE`,

	`CREATE TABLE IF NOT EXISTS relay_metadata (
		relay_url    TEXT NOT NULL REFERENCES relays (url) ON DELETE CASCADE,
		generated_at BIGINT NOT NULL,
		nip11_id     TEXT REFERENCES nip11 (id),
		nip66_id     TEXT REFERENCES nip66 (id),
		PRIMARY KEY (relay_url, generated_at)
	)`,
	`CREATE INDEX IF NOT EXISTS relay_metadata_url_generated_idx
		ON relay_metadata (relay_url, generated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS service_state (
		service_name TEXT PRIMARY KEY,
		state        JSONB NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
}

// ApplySchema creates all tables and indexes. Idempotent.
func (s *Store) ApplySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", wrapErr("apply_schema", "", err))
		}
	}
	return nil
}
