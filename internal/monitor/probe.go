package monitor

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// Prober produces relay metadata snapshots: the NIP-11 information document
// and a staged NIP-66 reachability test (open, read, write).
type Prober struct {
	fetcher *bbnostr.HTTPFetcher
	dialer  bbnostr.RelayDialer
	log     *ops.Logger

	sk     string
	pubkey string
}

// NewProber builds a prober. A fresh throwaway keypair signs the write-test
// events; the key lives only as long as the prober.
func NewProber(fetcher *bbnostr.HTTPFetcher, dialer bbnostr.RelayDialer, log *ops.Logger) (*Prober, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, err
	}
	return &Prober{
		fetcher: fetcher,
		dialer:  dialer,
		log:     log.WithComponent("monitor"),
		sk:      sk,
		pubkey:  pk,
	}, nil
}

// Probe runs both probes against one relay and returns the snapshot. Probe
// failures are recorded in the snapshot, never returned as errors; the only
// way to not get a snapshot is context cancellation before any stage ran.
func (p *Prober) Probe(ctx context.Context, relay storage.Relay, now time.Time) storage.RelayMetadata {
	md := storage.RelayMetadata{
		RelayURL:    relay.URL,
		GeneratedAt: now.Unix(),
	}

	info, err := p.fetcher.FetchNip11(ctx, relay.URL)
	if err != nil {
		p.log.Debug("nip11 fetch failed", "relay", relay.URL, "error", err)
	} else {
		md.Nip11 = info
	}

	md.Nip66 = p.testReachability(ctx, relay.URL, now)
	return md
}

// testReachability runs the staged connection test. A failed stage sets its
// boolean false and leaves its RTT nil; stages short-circuited by an earlier
// failure keep nil booleans, preserving "not tested" in the snapshot.
func (p *Prober) testReachability(ctx context.Context, url string, now time.Time) *storage.Nip66Result {
	res := &storage.Nip66Result{}

	start := time.Now()
	conn, err := p.dialer.Dial(ctx, url)
	if err != nil {
		p.log.Debug("open test failed", "relay", url, "error", err)
		res.Openable = boolPtr(false)
		return res
	}
	defer conn.Close()
	res.Openable = boolPtr(true)
	res.RTTOpen = int64Ptr(time.Since(start).Milliseconds())

	if readRTT, ok := p.testRead(ctx, conn, url); ok {
		res.Readable = boolPtr(true)
		res.RTTRead = int64Ptr(readRTT)
	} else {
		res.Readable = boolPtr(false)
		return res
	}

	if writeRTT, ok := p.testWrite(ctx, conn, url, now); ok {
		res.Writable = boolPtr(true)
		res.RTTWrite = int64Ptr(writeRTT)
	} else {
		res.Writable = boolPtr(false)
	}
	return res
}

// testRead times a minimal REQ to EOSE.
func (p *Prober) testRead(ctx context.Context, conn bbnostr.RelayConn, url string) (int64, bool) {
	start := time.Now()
	sub, err := conn.Subscribe(ctx, nostr.Filter{Limit: 1})
	if err != nil {
		p.log.Debug("read test failed", "relay", url, "error", err)
		return 0, false
	}
	defer sub.Unsub()

	for {
		select {
		case <-sub.Events():
			// Drain; only EOSE completes the stage.
		case <-sub.EOSE():
			return time.Since(start).Milliseconds(), true
		case <-ctx.Done():
			return 0, false
		}
	}
}

// testWrite times publishing a signed ephemeral note to the relay's OK reply.
// A rejection (OK false) means not writable, which is a valid result.
func (p *Prober) testWrite(ctx context.Context, conn bbnostr.RelayConn, url string, now time.Time) (int64, bool) {
	ev := nostr.Event{
		PubKey:    p.pubkey,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      nostr.KindTextNote,
		Tags:      nostr.Tags{},
		Content:   "bigbrotr connectivity check",
	}
	if err := ev.Sign(p.sk); err != nil {
		p.log.Warn("failed to sign write-test event", "error", err)
		return 0, false
	}

	start := time.Now()
	accepted, err := conn.Publish(ctx, ev)
	if err != nil || !accepted {
		p.log.Debug("write test failed", "relay", url, "error", err)
		return 0, false
	}
	return time.Since(start).Milliseconds(), true
}

func boolPtr(v bool) *bool    { return &v }
func int64Ptr(v int64) *int64 { return &v }
