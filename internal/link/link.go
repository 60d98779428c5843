// Package link owns the WebSocket transport to the backend.
//
// Each identity gets two kinds of connections: multiplexed data sessions
// (WebSocket wrapped in a yamux client, handed to the pool) and a single
// control link carrying ping/pong frames for the heartbeat monitor. Both
// ride the same endpoint; the identity travels as a query parameter so the
// backend can route to the right tenant.
package link

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/gluk-w/tunnelcore/internal/pool"
	"github.com/gluk-w/tunnelcore/internal/protocol"
	"github.com/gluk-w/tunnelcore/internal/terrors"
)

// Config holds the transport settings.
type Config struct {
	// Endpoint is the backend WebSocket URL, e.g. wss://backend:9443/tunnel.
	Endpoint string
	// DialTimeout bounds each connection attempt. Defaults to 10s.
	DialTimeout time.Duration
	// HTTPClient overrides the client used for the WebSocket handshake.
	// Tests point this at an httptest server.
	HTTPClient *http.Client
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	return out
}

// endpointFor appends the identity to the endpoint query string.
func endpointFor(endpoint, identity string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", terrors.Configf("bad_endpoint", "parse endpoint %q: %v", endpoint, err)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialWS establishes one WebSocket connection and wraps it as a net.Conn.
func dialWS(ctx context.Context, cfg Config, identity string) (net.Conn, *websocket.Conn, error) {
	target, err := endpointFor(cfg.Endpoint, identity)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	wsConn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, nil, terrors.Networkf("dial_failed", err, "dial %s for identity %q", cfg.Endpoint, identity)
	}

	// Wrap the WebSocket as a net.Conn. The NetConn context must outlive
	// the dial context, so use Background here.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	return netConn, wsConn, nil
}

// NewSessionDialer returns a pool.Dialer that dials the backend over
// WebSocket and layers a yamux client session on top.
func NewSessionDialer(cfg Config) pool.Dialer {
	cfg = cfg.withDefaults()
	return func(ctx context.Context, identity string) (pool.MuxSession, error) {
		netConn, wsConn, err := dialWS(ctx, cfg, identity)
		if err != nil {
			return nil, err
		}

		session, err := yamux.Client(netConn, nil)
		if err != nil {
			wsConn.CloseNow()
			return nil, terrors.Networkf("mux_failed", err, "yamux client for identity %q", identity)
		}
		log.Printf("link: session established for identity %q", identity)
		return session, nil
	}
}

// Control is the per-identity control link carrying ping/pong frames.
// It implements heartbeat.Sender.
type Control struct {
	identity string
	conn     net.Conn
	ws       *websocket.Conn
	br       *bufio.Reader

	writeMu sync.Mutex

	mu     sync.Mutex
	onPong func(id string)
	closed bool
}

// OpenControl dials the control link for an identity and starts its read
// loop. Pong frames are delivered to the onPong callback; any other inbound
// frame on the control link is dropped with a log line.
func OpenControl(ctx context.Context, cfg Config, identity string, onPong func(id string)) (*Control, error) {
	cfg = cfg.withDefaults()
	netConn, wsConn, err := dialWS(ctx, cfg, identity)
	if err != nil {
		return nil, err
	}

	c := &Control{
		identity: identity,
		conn:     netConn,
		ws:       wsConn,
		br:       bufio.NewReader(netConn),
		onPong:   onPong,
	}
	go c.readLoop()
	log.Printf("link: control link open for identity %q", identity)
	return c, nil
}

// SendPing writes a ping frame on the control link.
func (c *Control) SendPing(id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.conn, protocol.Ping(id)); err != nil {
		return terrors.Networkf("ping_failed", err, "send ping for identity %q", c.identity)
	}
	return nil
}

// readLoop routes inbound control frames until the link closes.
func (c *Control) readLoop() {
	for {
		frame, err := protocol.ReadFrame(c.br)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && !isNetClosedErr(err) {
				log.Printf("link: control read for %q: %v", c.identity, err)
			}
			return
		}

		switch frame.Type {
		case protocol.TypePong:
			c.mu.Lock()
			cb := c.onPong
			c.mu.Unlock()
			if cb != nil {
				cb(frame.ID)
			}
		case protocol.TypePing:
			// Backend-initiated probe; answer it.
			c.writeMu.Lock()
			err := protocol.WriteFrame(c.conn, protocol.Pong(frame.ID))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("link: answer ping for %q: %v", c.identity, err)
				return
			}
		default:
			log.Printf("link: unexpected %s frame on control link for %q", frame.Type, c.identity)
		}
	}
}

// Close tears down the control link.
func (c *Control) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Connector re-establishes an identity's control link. It implements
// reconnect.Connector; the supervisor registers OnConnected to rebind the
// heartbeat monitor to the fresh link.
type Connector struct {
	cfg Config

	mu          sync.Mutex
	onPong      func(identity, id string)
	onConnected func(identity string, ctrl *Control)
}

// NewConnector creates a Connector for the given transport settings.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg.withDefaults()}
}

// OnPong registers the pong router shared by all control links.
func (cn *Connector) OnPong(cb func(identity, id string)) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.onPong = cb
}

// OnConnected registers the callback invoked with each freshly opened
// control link.
func (cn *Connector) OnConnected(cb func(identity string, ctrl *Control)) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.onConnected = cb
}

// Connect dials a fresh control link for the identity.
func (cn *Connector) Connect(ctx context.Context, identity string) error {
	cn.mu.Lock()
	onPong := cn.onPong
	onConnected := cn.onConnected
	cn.mu.Unlock()

	ctrl, err := OpenControl(ctx, cn.cfg, identity, func(id string) {
		if onPong != nil {
			onPong(identity, id)
		}
	})
	if err != nil {
		return err
	}
	if onConnected != nil {
		onConnected(identity, ctrl)
	}
	return nil
}

func isNetClosedErr(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}

// String describes the transport target, for startup logging.
func (c Config) String() string {
	return fmt.Sprintf("endpoint=%s dial_timeout=%s", c.Endpoint, c.DialTimeout)
}
