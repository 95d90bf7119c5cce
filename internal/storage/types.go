package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	bbnostr "github.com/bigbrotr/bigbrotr/internal/nostr"
)

// Relay is a known relay endpoint. URL is normalized; network is "clearnet"
// or "tor" and must agree with the hostname (.onion iff tor).
type Relay struct {
	URL        string `db:"url"`
	Network    string `db:"network"`
	InsertedAt int64  `db:"inserted_at"`
}

// NewRelay builds a Relay from a raw URL, normalizing it and deriving the
// network from the hostname.
func NewRelay(rawURL string, insertedAt int64) (Relay, error) {
	url, err := bbnostr.NormalizeURL(rawURL)
	if err != nil {
		return Relay{}, err
	}
	return Relay{
		URL:        url,
		Network:    string(bbnostr.NetworkOf(url)),
		InsertedAt: insertedAt,
	}, nil
}

// Nip66Result is one reachability test outcome. Pointer fields preserve the
// distinction between "not tested" (nil) and "tested and failed" (false/0).
type Nip66Result struct {
	Openable *bool  `db:"openable"`
	Readable *bool  `db:"readable"`
	Writable *bool  `db:"writable"`
	RTTOpen  *int64 `db:"rtt_open"`
	RTTRead  *int64 `db:"rtt_read"`
	RTTWrite *int64 `db:"rtt_write"`
}

// RelayMetadata is one probe snapshot for a relay. Either side may be nil
// when that probe was not performed.
type RelayMetadata struct {
	RelayURL    string
	GeneratedAt int64
	Nip11       *bbnostr.Nip11Info
	Nip66       *Nip66Result
}

// Nip11ID derives the content address of an information document: SHA-256
// over its canonical JSON form. Canonical JSON (sorted keys, no whitespace,
// explicit nulls) is collision-proof where delimiter-joined field
// concatenation is not.
func Nip11ID(info *bbnostr.Nip11Info) string {
	var limitation any
	if info.Limitation != nil {
		limitation = map[string]any{
			"max_message_length":     intOrNil(info.Limitation.MaxMessageLength),
			"max_subscriptions":      intOrNil(info.Limitation.MaxSubscriptions),
			"max_filters":            intOrNil(info.Limitation.MaxFilters),
			"max_limit":              intOrNil(info.Limitation.MaxLimit),
			"max_subid_length":       intOrNil(info.Limitation.MaxSubidLength),
			"max_event_tags":         intOrNil(info.Limitation.MaxEventTags),
			"max_content_length":     intOrNil(info.Limitation.MaxContentLength),
			"min_pow_difficulty":     intOrNil(info.Limitation.MinPowDifficulty),
			"auth_required":          boolOrNil(info.Limitation.AuthRequired),
			"payment_required":       boolOrNil(info.Limitation.PaymentRequired),
			"restricted_writes":      boolOrNil(info.Limitation.RestrictedWrites),
			"created_at_lower_limit": intOrNil(info.Limitation.CreatedAtLowerLimit),
			"created_at_upper_limit": intOrNil(info.Limitation.CreatedAtUpperLimit),
		}
	}

	return canonicalHash(map[string]any{
		"name":             strOrNil(info.Name),
		"description":      strOrNil(info.Description),
		"banner":           strOrNil(info.Banner),
		"icon":             strOrNil(info.Icon),
		"pubkey":           strOrNil(info.Pubkey),
		"contact":          strOrNil(info.Contact),
		"supported_nips":   info.SupportedNips,
		"software":         strOrNil(info.Software),
		"version":          strOrNil(info.Version),
		"privacy_policy":   strOrNil(info.PrivacyPolicy),
		"terms_of_service": strOrNil(info.TermsOfService),
		"limitation":       limitation,
		"extra_fields":     canonicalizeExtra(info.ExtraFields),
	})
}

// Nip66ID derives the content address of a reachability result. Untested
// booleans canonicalize to false for identity purposes; the stored row keeps
// the nil.
func Nip66ID(r *Nip66Result) string {
	return canonicalHash(map[string]any{
		"openable":  boolOrFalse(r.Openable),
		"readable":  boolOrFalse(r.Readable),
		"writable":  boolOrFalse(r.Writable),
		"rtt_open":  int64OrNil(r.RTTOpen),
		"rtt_read":  int64OrNil(r.RTTRead),
		"rtt_write": int64OrNil(r.RTTWrite),
	})
}

// canonicalHash serializes v as canonical JSON and hashes it.
// encoding/json emits map keys sorted, which provides the canonical order.
func canonicalHash(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Maps of scalars and re-decoded JSON never fail to marshal.
		panic("storage: canonical serialization failed: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalizeExtra re-decodes raw JSON values so nested objects serialize
// with sorted keys and normalized whitespace.
func canonicalizeExtra(extra map[string]json.RawMessage) any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(extra))
	for k, raw := range extra {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			out[k] = string(raw)
			continue
		}
		out[k] = v
	}
	return out
}

func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64OrNil(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolOrNil(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolOrFalse(p *bool) bool {
	return p != nil && *p
}
