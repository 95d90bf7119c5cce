package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/net/proxy"

	"github.com/bigbrotr/bigbrotr/internal/ops"
)

// RelaySub is one open REQ subscription. Events arrive on Events until the
// relay signals EOSE or the stream ends; both are reported through EOSE.
// Consumers must select on their own context alongside these channels.
type RelaySub interface {
	Events() <-chan nostr.Event
	EOSE() <-chan struct{}
	Unsub()
}

// RelayConn is an open connection to a single relay.
type RelayConn interface {
	Subscribe(ctx context.Context, filter nostr.Filter) (RelaySub, error)
	Publish(ctx context.Context, ev nostr.Event) (bool, error)
	Close() error
}

// RelayDialer opens relay connections. The context passed to Dial bounds the
// whole connection lifetime: when it is cancelled the underlying websocket is
// closed, which unblocks every pending subscription and publish.
type RelayDialer interface {
	Dial(ctx context.Context, url string) (RelayConn, error)
}

const writeTimeout = 10 * time.Second

// Dialer is the production RelayDialer. Clearnet relays connect directly;
// .onion relays connect through the configured SOCKS5 proxy.
type Dialer struct {
	handshakeTimeout time.Duration
	socks5           string
	log              *ops.Logger
}

// NewDialer builds a Dialer. socks5 may be empty; .onion dials then fail
// instead of leaking through the clearnet path.
func NewDialer(handshakeTimeout time.Duration, socks5 string, log *ops.Logger) *Dialer {
	return &Dialer{
		handshakeTimeout: handshakeTimeout,
		socks5:           socks5,
		log:              log.WithComponent("relayclient"),
	}
}

// Dial opens a websocket connection to the relay and starts its read loop.
func (d *Dialer) Dial(ctx context.Context, url string) (RelayConn, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	if NetworkOf(url) == NetworkTor {
		if d.socks5 == "" {
			return nil, fmt.Errorf("no SOCKS5 proxy configured for %s", url)
		}
		socks, err := proxy.SOCKS5("tcp", d.socks5, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build SOCKS5 dialer: %w", err)
		}
		wsd.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socks.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socks.Dial(network, addr)
		}
	}

	ws, _, err := wsd.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &Conn{
		ws:     ws,
		url:    url,
		log:    d.log,
		subs:   make(map[string]*subscription),
		pubs:   make(map[string]chan okReply),
		closed: make(chan struct{}),
	}
	// Context cancellation must release the socket, not just abandon it.
	c.stopAfter = context.AfterFunc(ctx, func() { c.Close() })
	go c.readLoop()
	return c, nil
}

type okReply struct {
	ok     bool
	reason string
}

// Conn is a live NIP-01 connection.
type Conn struct {
	ws  *websocket.Conn
	url string
	log *ops.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*subscription
	pubs    map[string]chan okReply
	nextSub int

	closeOnce sync.Once
	closed    chan struct{}
	stopAfter func() bool
}

type subscription struct {
	id       string
	conn     *Conn
	events   chan nostr.Event
	eose     chan struct{}
	eoseOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscription) Events() <-chan nostr.Event { return s.events }
func (s *subscription) EOSE() <-chan struct{}      { return s.eose }

// Unsub sends CLOSE and stops event delivery. Idempotent.
func (s *subscription) Unsub() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.conn.removeSub(s.id)
		s.conn.send([]interface{}{"CLOSE", s.id})
	})
}

func (s *subscription) signalEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

// Subscribe opens a REQ with the given filter.
func (c *Conn) Subscribe(ctx context.Context, filter nostr.Filter) (RelaySub, error) {
	select {
	case <-c.closed:
		return nil, fmt.Errorf("connection to %s is closed", c.url)
	default:
	}

	c.mu.Lock()
	c.nextSub++
	sub := &subscription{
		id:     fmt.Sprintf("bb%d", c.nextSub),
		conn:   c,
		events: make(chan nostr.Event, 512),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.send([]interface{}{"REQ", sub.id, filter}); err != nil {
		c.removeSub(sub.id)
		return nil, fmt.Errorf("failed to send REQ to %s: %w", c.url, err)
	}
	return sub, nil
}

// Publish sends an event and waits for the relay's OK reply. The returned
// bool is the relay's accepted flag.
func (c *Conn) Publish(ctx context.Context, ev nostr.Event) (bool, error) {
	reply := make(chan okReply, 1)
	c.mu.Lock()
	c.pubs[ev.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pubs, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.send([]interface{}{"EVENT", ev}); err != nil {
		return false, fmt.Errorf("failed to send EVENT to %s: %w", c.url, err)
	}

	select {
	case r := <-reply:
		if !r.ok {
			return false, fmt.Errorf("relay %s rejected event: %s", c.url, r.reason)
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.closed:
		return false, fmt.Errorf("connection to %s closed before OK", c.url)
	}
}

// Close tears the connection down. Safe to call multiple times and from any
// goroutine; it unblocks all pending subscriptions and publishes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.stopAfter != nil {
			c.stopAfter()
		}
		c.ws.Close()

		c.mu.Lock()
		for _, sub := range c.subs {
			sub.signalEOSE()
		}
		c.subs = map[string]*subscription{}
		c.mu.Unlock()
	})
	return nil
}

func (c *Conn) send(frame []interface{}) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) removeSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Conn) lookupSub(id string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *Conn) readLoop() {
	defer c.Close()

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		env := nostr.ParseMessage(string(msg))
		if env == nil {
			c.log.Debug("unparseable frame", "relay", c.url, "frame", truncate(string(msg), 128))
			continue
		}

		switch e := env.(type) {
		case *nostr.EventEnvelope:
			if e.SubscriptionID == nil {
				continue
			}
			sub := c.lookupSub(*e.SubscriptionID)
			if sub == nil {
				continue
			}
			select {
			case sub.events <- e.Event:
			case <-sub.done:
			case <-c.closed:
				return
			}

		case *nostr.EOSEEnvelope:
			if sub := c.lookupSub(string(*e)); sub != nil {
				sub.signalEOSE()
			}

		case *nostr.ClosedEnvelope:
			// Relay-initiated end of subscription; treat as end-of-stream.
			if sub := c.lookupSub(e.SubscriptionID); sub != nil {
				sub.signalEOSE()
			}

		case *nostr.OKEnvelope:
			c.mu.Lock()
			reply := c.pubs[e.EventID]
			c.mu.Unlock()
			if reply != nil {
				select {
				case reply <- okReply{ok: e.OK, reason: e.Reason}:
				default:
				}
			}

		case *nostr.NoticeEnvelope:
			c.log.Debug("relay notice", "relay", c.url, "notice", truncate(string(*e), 256))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
