package nostr

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// Events claiming to predate the network are dropped.
	minCreatedAt = 1577836800 // 2020-01-01T00:00:00Z

	maxClockSkew    = time.Hour
	maxContentBytes = 1 << 20
	maxKind         = 65535
)

// ValidationError explains why an event was rejected before insert.
type ValidationError struct {
	Reason string
	detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event (%s): %s", e.Reason, e.detail)
}

func invalid(reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, detail: fmt.Sprintf(format, args...)}
}

// ValidateEvent checks an event received from a relay before it may be
// written to the store: the id must equal the recomputed content hash, the
// signature must verify against the pubkey, and the scalar fields must be in
// range. Rejections are warnings for the caller, never sync failures.
func ValidateEvent(ev *nostr.Event, now time.Time) error {
	if ev == nil {
		return invalid("nil", "no event")
	}
	if ev.Kind < 0 || ev.Kind > maxKind {
		return invalid("kind_out_of_range", "kind %d", ev.Kind)
	}
	if int64(ev.CreatedAt) < minCreatedAt {
		return invalid("created_at_too_old", "created_at %d", ev.CreatedAt)
	}
	if ev.CreatedAt.Time().After(now.Add(maxClockSkew)) {
		return invalid("created_at_in_future", "created_at %d", ev.CreatedAt)
	}
	if len(ev.Content) > maxContentBytes {
		return invalid("content_too_large", "%d bytes", len(ev.Content))
	}
	for _, tag := range ev.Tags {
		if tag == nil {
			return invalid("malformed_tags", "nil tag array")
		}
	}
	if computed := ev.GetID(); computed != ev.ID {
		return invalid("id_mismatch", "claimed %s, computed %s", ev.ID, computed)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return invalid("bad_signature", "sig %.16s", ev.Sig)
	}
	return nil
}
