package nostr

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Network classifies a relay URL's transport network.
type Network string

const (
	NetworkClearnet Network = "clearnet"
	NetworkTor      Network = "tor"
)

// NormalizeURL canonicalizes a relay websocket URL: lowercased scheme and
// host, default ports stripped, trailing slash removed.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty relay URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse relay URL %q: %w", raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("relay URL %q has scheme %q, want ws or wss", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("relay URL %q has no hostname", raw)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "ws" && port == "80") || (scheme == "wss" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	return scheme + "://" + host + path, nil
}

// NetworkOf returns the network a normalized relay URL resolves over.
// Tor relays use .onion hostnames.
func NetworkOf(relayURL string) Network {
	u, err := url.Parse(relayURL)
	if err != nil {
		return NetworkClearnet
	}
	if strings.HasSuffix(strings.ToLower(u.Hostname()), ".onion") {
		return NetworkTor
	}
	return NetworkClearnet
}

// CheckURLSafety rejects relay URLs that would make outgoing connections to
// loopback, private, link-local or otherwise reserved addresses. Relay URLs
// arrive from user-influenced sources (kind 10002 tags, seed files, directory
// APIs) and later become websocket dial targets, so this check is mandatory.
// Only IP-literal hostnames are checked; named hosts are resolved at dial
// time and skip it. Hosts on the blocklist are rejected by suffix match.
func CheckURLSafety(relayURL string, blocklist []string) error {
	u, err := url.Parse(relayURL)
	if err != nil {
		return fmt.Errorf("failed to parse relay URL: %w", err)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("relay URL has no hostname")
	}
	if host == "localhost" {
		return fmt.Errorf("relay host %q is loopback", host)
	}

	for _, blocked := range blocklist {
		blocked = strings.ToLower(strings.TrimSpace(blocked))
		if blocked == "" {
			continue
		}
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("relay host %q is blocklisted", host)
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("relay address %s is loopback", ip)
	case ip.IsPrivate():
		return fmt.Errorf("relay address %s is private", ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("relay address %s is link-local", ip)
	case ip.IsMulticast():
		return fmt.Errorf("relay address %s is multicast", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("relay address %s is unspecified", ip)
	}

	// CGNAT (100.64.0.0/10) and class E are not covered by the net helpers.
	if v4 := ip.To4(); v4 != nil {
		if v4[0] == 100 && v4[1] >= 64 && v4[1] < 128 {
			return fmt.Errorf("relay address %s is carrier-grade NAT space", ip)
		}
		if v4[0] >= 240 {
			return fmt.Errorf("relay address %s is reserved", ip)
		}
	}

	return nil
}
