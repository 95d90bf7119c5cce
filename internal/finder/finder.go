package finder

import (
	"context"
	"encoding/json"
	"time"

	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// CandidateSource is the slice of the store the finder reads and writes.
type CandidateSource interface {
	ListCandidateURLs(ctx context.Context, fn func(string) error) error
	UpsertRelay(ctx context.Context, r storage.Relay) error
}

// Finder discovers relay URLs from stored NIP-65 relay lists (kind 10002
// r-tags) and from configured public directory APIs, vets them, and inserts
// the survivors as relays.
type Finder struct {
	store       CandidateSource
	fetcher     *bbnostr.HTTPFetcher
	directories []string
	blocklist   []string
	log         *ops.Logger
}

func New(store CandidateSource, fetcher *bbnostr.HTTPFetcher, directories, blocklist []string, log *ops.Logger) *Finder {
	return &Finder{
		store:       store,
		fetcher:     fetcher,
		directories: directories,
		blocklist:   blocklist,
		log:         log.WithComponent("finder"),
	}
}

// Discover runs one full discovery pass and returns how many previously
// unknown candidates were accepted. Individual bad candidates are skipped,
// not errors; only store scan failures abort the pass.
func (f *Finder) Discover(ctx context.Context, now time.Time) (int, error) {
	accepted := 0
	seen := make(map[string]struct{})

	ingest := func(raw string) {
		url, ok := f.vet(raw)
		if !ok {
			return
		}
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}

		relay, err := storage.NewRelay(url, now.Unix())
		if err != nil {
			return
		}
		if err := f.store.UpsertRelay(ctx, relay); err != nil {
			f.log.Warn("failed to insert discovered relay", "relay", url, "error", err)
			return
		}
		accepted++
		ops.RelaysDiscovered.Inc()
	}

	err := f.store.ListCandidateURLs(ctx, func(raw string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ingest(raw)
		return nil
	})
	if err != nil {
		return accepted, err
	}

	for _, dir := range f.directories {
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		urls, err := f.fetchDirectory(ctx, dir)
		if err != nil {
			f.log.Warn("directory fetch failed", "directory", dir, "error", err)
			continue
		}
		for _, raw := range urls {
			ingest(raw)
		}
	}

	return accepted, nil
}

// vet normalizes a candidate and rejects anything that would make a later
// outgoing connection unsafe: bad schemes, missing hosts, IP literals in
// loopback/private/reserved ranges, blocklisted hosts.
func (f *Finder) vet(raw string) (string, bool) {
	url, err := bbnostr.NormalizeURL(raw)
	if err != nil {
		return "", false
	}
	if err := bbnostr.CheckURLSafety(url, f.blocklist); err != nil {
		f.log.Debug("candidate rejected", "url", url, "error", err)
		return "", false
	}
	return url, true
}

// fetchDirectory pulls a directory API and extracts relay URLs from the
// common response shapes: a bare JSON array of URL strings, or an object
// whose "relays" member is an array of strings or of objects with a "url"
// field.
func (f *Finder) fetchDirectory(ctx context.Context, dir string) ([]string, error) {
	body, err := f.fetcher.Get(ctx, dir)
	if err != nil {
		return nil, err
	}
	return parseDirectory(body), nil
}

func parseDirectory(body []byte) []string {
	var plain []string
	if err := json.Unmarshal(body, &plain); err == nil {
		return plain
	}

	var wrapped struct {
		Relays json.RawMessage `json:"relays"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Relays == nil {
		return nil
	}
	if err := json.Unmarshal(wrapped.Relays, &plain); err == nil {
		return plain
	}

	var objs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(wrapped.Relays, &objs); err != nil {
		return nil
	}
	urls := make([]string, 0, len(objs))
	for _, o := range objs {
		if o.URL != "" {
			urls = append(urls, o.URL)
		}
	}
	return urls
}
