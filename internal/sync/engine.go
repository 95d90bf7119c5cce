package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/bigbrotr/bigbrotr/internal/config"
	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// Terminal causes for a sync run. Empty means the window was fully swept.
const (
	CauseDeadline     = "deadline"
	CauseStuck        = "stuck"
	CauseRelayError   = "relay_error"
	CauseStorageError = "storage_error"
)

// Report summarizes one sync run against one relay.
type Report struct {
	EventsSeen    int
	EventsNew     int
	Warnings      []string
	TerminalCause string
	Err           error
}

// EventWriter is the slice of the store the engine needs.
type EventWriter interface {
	UpsertEventsBatch(ctx context.Context, events []*nostr.Event, relay storage.Relay, seenAt int64) (int, error)
}

// Engine extracts every event a relay will serve within a time range, despite
// the relay capping each response at its advertised max_limit. It keeps a
// stack of pending window ends and a rolling left cursor; full responses
// narrow the window from the right, everything else advances the cursor.
type Engine struct {
	dialer bbnostr.RelayDialer
	store  EventWriter
	log    *ops.Logger

	eventsPerSec  int
	minLimit      int
	maxIterations int
}

// NewEngine builds an engine with the sync knobs from cfg.
func NewEngine(dialer bbnostr.RelayDialer, store EventWriter, cfg *config.SyncService, log *ops.Logger) *Engine {
	return &Engine{
		dialer:        dialer,
		store:         store,
		log:           log.WithComponent("sync"),
		eventsPerSec:  cfg.EventsPerSec,
		minLimit:      cfg.MinLimit,
		maxIterations: cfg.MaxIterations,
	}
}

// Sync runs the window-stack sweep of [filter.Since, filter.Until] against
// one relay and writes everything it serves to the store. batchCap is the
// relay's advertised max_limit, already clamped to the configured filter
// limit by the caller; values below min_limit are raised to it.
//
// Re-entrant per relay: events already stored are no-op inserts, so a
// restarted sync converges on the same final state.
func (e *Engine) Sync(ctx context.Context, relay storage.Relay, filter nostr.Filter, batchCap int) Report {
	var rep Report

	if batchCap < e.minLimit {
		batchCap = e.minLimit
	}

	since := int64(0)
	if filter.Since != nil {
		since = int64(*filter.Since)
	}
	until := time.Now().Unix()
	if filter.Until != nil {
		until = int64(*filter.Until)
	}
	if since > until {
		rep.Err = fmt.Errorf("invalid window: since %d after until %d", since, until)
		rep.TerminalCause = CauseRelayError
		return rep
	}

	conn, err := e.dialer.Dial(ctx, relay.URL)
	if err != nil {
		rep.Err = fmt.Errorf("failed to dial %s: %w", relay.URL, err)
		rep.TerminalCause = terminalCauseFor(ctx, CauseRelayError)
		return rep
	}
	defer conn.Close()

	// Intake token bucket is per relay, protecting memory against a relay
	// that floods the subscription.
	limiter := rate.NewLimiter(rate.Limit(e.eventsPerSec), e.eventsPerSec)

	// Pending window ends, innermost on top. cursor is the left edge shared
	// by every pending window.
	stack := []int64{until}
	cursor := since

	for iter := 0; len(stack) > 0; iter++ {
		if iter >= e.maxIterations {
			rep.TerminalCause = CauseStuck
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("stuck interval=[%d,%d]", cursor, stack[len(stack)-1]))
			return rep
		}
		if ctx.Err() != nil {
			rep.TerminalCause = CauseDeadline
			return rep
		}

		currentUntil := stack[len(stack)-1]
		if currentUntil < cursor {
			// Window already swept from the left by an inner pass.
			stack = stack[:len(stack)-1]
			continue
		}

		b, err := e.fetchBatch(ctx, conn, relay.URL, filter, cursor, currentUntil, batchCap, limiter, &rep)
		if err != nil {
			rep.Err = err
			rep.TerminalCause = terminalCauseFor(ctx, CauseRelayError)
			return rep
		}

		// Classification goes by how many distinct events the relay returned,
		// valid or not; invalid events are filtered out of the write set only.
		switch {
		case b.received == 0:
			stack = stack[:len(stack)-1]
			cursor = currentUntil + 1

		case b.received < batchCap:
			if !e.writeBatch(ctx, relay, b.events, &rep) {
				return rep
			}
			stack = stack[:len(stack)-1]
			cursor = currentUntil + 1

		case b.minTS < b.maxTS:
			// Full batch spanning distinct timestamps: everything strictly
			// before maxTS is complete under the truncation; the rest of the
			// window gets a narrower pass.
			complete := b.events[:0:0]
			for _, ev := range b.events {
				if int64(ev.CreatedAt) < b.maxTS {
					complete = append(complete, ev)
				}
			}
			if !e.writeBatch(ctx, relay, complete, &rep) {
				return rep
			}
			stack = append(stack, b.maxTS-1)

		default:
			// Full batch on a single timestamp: the window cannot be split
			// by time. Take what the relay gave, step past the plateau, and
			// re-poll the rest of the window.
			if !e.writeBatch(ctx, relay, b.events, &rep) {
				return rep
			}
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("timestamp_plateau count=%d ts=%d", b.received, b.maxTS))
			e.log.Warn("timestamp plateau, events beyond cap are unreachable",
				"relay", relay.URL, "ts", b.maxTS, "count", b.received)
			cursor = b.maxTS + 1
		}
	}

	return rep
}

type batch struct {
	events   []*nostr.Event // valid events, the write set
	received int            // distinct events the relay returned, valid or not
	minTS    int64
	maxTS    int64
}

// fetchBatch opens one REQ over [since, until] and reads until EOSE,
// end-of-stream, or the batch cap. Duplicates within the response are
// dropped; events failing validation count toward the batch but are tallied
// into the report instead of the write set.
func (e *Engine) fetchBatch(ctx context.Context, conn bbnostr.RelayConn, relayURL string, base nostr.Filter, since, until int64, batchCap int, limiter *rate.Limiter, rep *Report) (*batch, error) {
	f := base
	s := nostr.Timestamp(since)
	u := nostr.Timestamp(until)
	f.Since = &s
	f.Until = &u
	f.Limit = batchCap

	sub, err := conn.Subscribe(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", relayURL, err)
	}
	defer sub.Unsub()

	b := &batch{}
	seen := make(map[string]struct{}, batchCap)
	rejected := map[string]int{}
	now := time.Now()

	take := func(ev nostr.Event) {
		if _, dup := seen[ev.ID]; dup {
			return
		}
		seen[ev.ID] = struct{}{}
		rep.EventsSeen++
		b.received++
		ts := int64(ev.CreatedAt)
		if b.received == 1 || ts < b.minTS {
			b.minTS = ts
		}
		if ts > b.maxTS {
			b.maxTS = ts
		}

		if verr := bbnostr.ValidateEvent(&ev, now); verr != nil {
			reason := "invalid"
			var ve *bbnostr.ValidationError
			if errors.As(verr, &ve) {
				reason = ve.Reason
			}
			rejected[reason]++
			ops.EventsRejected.WithLabelValues(reason).Inc()
			return
		}
		evCopy := ev
		b.events = append(b.events, &evCopy)
	}

	eosed := false
	for b.received < batchCap && !eosed {
		select {
		case ev := <-sub.Events():
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			take(ev)
		case <-sub.EOSE():
			eosed = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// EOSE races event delivery: the stream-end signal can land while events
	// handed over earlier still sit in the subscription buffer. Drain them
	// before classifying, or the batch reads short and the sweep advances
	// past events that were never written.
	if eosed {
		for b.received < batchCap {
			select {
			case ev := <-sub.Events():
				if err := limiter.Wait(ctx); err != nil {
					return nil, err
				}
				take(ev)
			default:
				return e.finishBatch(b, rejected, rep), nil
			}
		}
	}

	// The batch is exactly full. Only a distinct event beyond the cap proves
	// the relay truncated; a window holding exactly batchCap events is an
	// ordinary full pass and gets no warning.
	for {
		var ev nostr.Event
		if eosed {
			select {
			case ev = <-sub.Events():
			default:
				return e.finishBatch(b, rejected, rep), nil
			}
		} else {
			select {
			case ev = <-sub.Events():
			case <-sub.EOSE():
				eosed = true
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		rep.Warnings = append(rep.Warnings, "batch_overflow")
		return e.finishBatch(b, rejected, rep), nil
	}
}

func (e *Engine) finishBatch(b *batch, rejected map[string]int, rep *Report) *batch {
	for _, reason := range sortedKeys(rejected) {
		rep.Warnings = append(rep.Warnings,
			fmt.Sprintf("rejected reason=%s count=%d", reason, rejected[reason]))
	}
	return b
}

// writeBatch flushes events to the store. Returns false when the run must
// abort, with the report's cause and error already set.
func (e *Engine) writeBatch(ctx context.Context, relay storage.Relay, events []*nostr.Event, rep *Report) bool {
	if len(events) == 0 {
		return true
	}
	added, err := e.store.UpsertEventsBatch(ctx, events, relay, time.Now().Unix())
	if err != nil {
		rep.Err = fmt.Errorf("failed to write batch for %s: %w", relay.URL, err)
		rep.TerminalCause = terminalCauseFor(ctx, CauseStorageError)
		return false
	}
	rep.EventsNew += added
	ops.EventsNew.Add(float64(added))
	return true
}

// terminalCauseFor prefers the deadline cause when the context expired, so a
// dial or write failure racing shutdown is not misreported.
func terminalCauseFor(ctx context.Context, fallback string) string {
	if ctx.Err() != nil {
		return CauseDeadline
	}
	return fallback
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
