package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// RunInitializer applies the schema, seeds the relay table from the optional
// seed file (one URL per line, # comments), and sweeps orphaned rows. It is
// a one-shot command, safe to re-run.
func RunInitializer(ctx context.Context, cfg *config.Config, log *ops.Logger) error {
	log = log.WithComponent("initializer")

	store, err := storage.New(ctx, &cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ApplySchema(ctx); err != nil {
		return err
	}
	log.Info("schema applied")

	if cfg.Initializer.SeedFile != "" {
		added, err := seedRelays(ctx, store, cfg.Initializer.SeedFile, cfg.Finder.Blocklist, log)
		if err != nil {
			return err
		}
		log.Info("seed relays loaded", "file", cfg.Initializer.SeedFile, "added", added)
	}

	events, err := store.DeleteOrphanEvents(ctx)
	if err != nil {
		return err
	}
	n11, err := store.DeleteOrphanNip11(ctx)
	if err != nil {
		return err
	}
	n66, err := store.DeleteOrphanNip66(ctx)
	if err != nil {
		return err
	}
	if events+n11+n66 > 0 {
		log.Info("orphans removed", "events", events, "nip11", n11, "nip66", n66)
	}

	return nil
}

type relayUpserter interface {
	UpsertRelay(ctx context.Context, r storage.Relay) error
}

// seedRelays ingests one URL per line, skipping blanks and # comments. Seed
// files are user-influenced input and later become dial targets, so every
// URL passes the same safety vetting the finder applies.
func seedRelays(ctx context.Context, store relayUpserter, path string, blocklist []string, log *ops.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	now := time.Now().Unix()
	added := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		relay, err := storage.NewRelay(line, now)
		if err != nil {
			log.Warn("skipping invalid seed relay", "url", line, "error", err)
			continue
		}
		if err := bbnostr.CheckURLSafety(relay.URL, blocklist); err != nil {
			log.Warn("skipping unsafe seed relay", "url", line, "error", err)
			continue
		}
		if err := store.UpsertRelay(ctx, relay); err != nil {
			return added, err
		}
		added++
	}
	return added, scanner.Err()
}
