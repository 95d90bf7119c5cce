package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Nip11Limitation is the structured "limitation" object of a NIP-11 document.
type Nip11Limitation struct {
	MaxMessageLength    *int  `json:"max_message_length,omitempty"`
	MaxSubscriptions    *int  `json:"max_subscriptions,omitempty"`
	MaxFilters          *int  `json:"max_filters,omitempty"`
	MaxLimit            *int  `json:"max_limit,omitempty"`
	MaxSubidLength      *int  `json:"max_subid_length,omitempty"`
	MaxEventTags        *int  `json:"max_event_tags,omitempty"`
	MaxContentLength    *int  `json:"max_content_length,omitempty"`
	MinPowDifficulty    *int  `json:"min_pow_difficulty,omitempty"`
	AuthRequired        *bool `json:"auth_required,omitempty"`
	PaymentRequired     *bool `json:"payment_required,omitempty"`
	RestrictedWrites    *bool `json:"restricted_writes,omitempty"`
	CreatedAtLowerLimit *int  `json:"created_at_lower_limit,omitempty"`
	CreatedAtUpperLimit *int  `json:"created_at_upper_limit,omitempty"`
}

// Nip11Info is a relay information document. Top-level fields outside the
// canonical set are preserved in ExtraFields.
type Nip11Info struct {
	Name           *string          `json:"name,omitempty"`
	Description    *string          `json:"description,omitempty"`
	Banner         *string          `json:"banner,omitempty"`
	Icon           *string          `json:"icon,omitempty"`
	Pubkey         *string          `json:"pubkey,omitempty"`
	Contact        *string          `json:"contact,omitempty"`
	SupportedNips  []int            `json:"supported_nips,omitempty"`
	Software       *string          `json:"software,omitempty"`
	Version        *string          `json:"version,omitempty"`
	PrivacyPolicy  *string          `json:"privacy_policy,omitempty"`
	TermsOfService *string          `json:"terms_of_service,omitempty"`
	Limitation     *Nip11Limitation `json:"limitation,omitempty"`

	ExtraFields map[string]json.RawMessage `json:"-"`
}

var nip11CanonicalKeys = map[string]bool{
	"name": true, "description": true, "banner": true, "icon": true,
	"pubkey": true, "contact": true, "supported_nips": true,
	"software": true, "version": true, "privacy_policy": true,
	"terms_of_service": true, "limitation": true,
}

// UnmarshalJSON decodes the canonical fields and stashes every unknown
// top-level field into ExtraFields.
func (i *Nip11Info) UnmarshalJSON(data []byte) error {
	type alias Nip11Info
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if nip11CanonicalKeys[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		a.ExtraFields = raw
	}

	*i = Nip11Info(a)
	return nil
}

// MaxLimitOrDefault returns the relay's advertised per-REQ event cap, or def
// when the document does not declare one.
func (i *Nip11Info) MaxLimitOrDefault(def int) int {
	if i == nil || i.Limitation == nil || i.Limitation.MaxLimit == nil || *i.Limitation.MaxLimit <= 0 {
		return def
	}
	return *i.Limitation.MaxLimit
}

// HTTPFetcher retrieves NIP-11 documents and directory listings, routing
// .onion hosts through the configured SOCKS5 proxy.
type HTTPFetcher struct {
	clearnet *http.Client
	tor      *http.Client
}

// NewHTTPFetcher builds a fetcher. socks5 may be empty, in which case .onion
// fetches fail instead of leaking through the clearnet client.
func NewHTTPFetcher(timeout time.Duration, socks5 string) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		clearnet: &http.Client{Timeout: timeout},
	}

	if socks5 != "" {
		dialer, err := proxy.SOCKS5("tcp", socks5, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build SOCKS5 dialer for %s: %w", socks5, err)
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}
		f.tor = &http.Client{Timeout: timeout, Transport: transport}
	}

	return f, nil
}

func (f *HTTPFetcher) clientFor(host string) (*http.Client, error) {
	if strings.HasSuffix(strings.ToLower(host), ".onion") {
		if f.tor == nil {
			return nil, fmt.Errorf("no SOCKS5 proxy configured for .onion host %s", host)
		}
		return f.tor, nil
	}
	return f.clearnet, nil
}

// Get performs a plain GET and returns the body. Used by the finder for
// directory APIs.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client, err := f.clientFor(req.URL.Hostname())
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	const maxBody = 4 << 20
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// FetchNip11 retrieves a relay's information document. A missing, malformed
// or non-200 document yields an error; callers treat that as nip11 = nil.
func (f *HTTPFetcher) FetchNip11(ctx context.Context, wsURL string) (*Nip11Info, error) {
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	client, err := f.clientFor(req.URL.Hostname())
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay info request failed: status %d", resp.StatusCode)
	}

	var info Nip11Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse relay info: %w", err)
	}
	return &info, nil
}
