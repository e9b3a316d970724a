package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerlink/pkg/peer"
	"peerlink/pkg/retry"
)

const defaultClientWriteTimeout = 10 * time.Second

// ClientConfig describes how to reach a relay room
type ClientConfig struct {
	URL  string
	Room string
	// PeerID is assigned by the server when empty
	PeerID string
	// Token is sent as a bearer token
	Token        string
	WriteTimeout time.Duration
	Retry        retry.Config
	Dialer       *websocket.Dialer
	Logger       *zap.SugaredLogger
}

// Client is a Relay over a WebSocketServer connection
type Client struct {
	conn *websocket.Conn
	id   string
	room string

	writeMu      sync.Mutex
	writeTimeout time.Duration

	signals   chan peer.SignalData
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	logger *zap.SugaredLogger
}

var _ Relay = (*Client)(nil)

// Dial connects to the relay, retrying per cfg.Retry. Refused handshakes
// (4xx responses) are not retried.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultClientWriteTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	target, err := relayURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	retryCfg := cfg.Retry
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		cfg.Logger.Warnw("relay dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	conn, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, fmt.Errorf("relay refused connection (%s): %v: %w", resp.Status, err, retry.ErrPermanent)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:         conn,
		room:         cfg.Room,
		writeTimeout: cfg.WriteTimeout,
		signals:      make(chan peer.SignalData, 64),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		logger:       cfg.Logger,
	}

	if err := c.awaitJoined(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func relayURL(cfg ClientConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", cfg.Room)
	if cfg.PeerID != "" {
		q.Set("peer_id", cfg.PeerID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitJoined reads the admission message that precedes everything else
func (c *Client) awaitJoined(ctx context.Context) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	var msg SignalMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read joined message: %w", err)
	}
	if msg.Type != MessageJoined {
		return fmt.Errorf("unexpected first message %q", msg.Type)
	}

	c.id = msg.From
	if msg.Peers > 0 {
		c.markReady()
	}
	c.logger.Infow("joined relay room", "room", c.room, "peer_id", c.id, "peers", msg.Peers)
	return nil
}

func (c *Client) readLoop() {
	for {
		var msg SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("relay connection lost", "room", c.room, "error", err)
			}
			c.shutdown(err, false)
			return
		}

		switch msg.Type {
		case MessagePeerJoined:
			c.logger.Debugw("peer joined room", "room", c.room, "peer_id", msg.From)
			c.markReady()
		case MessagePeerLeft:
			c.logger.Infow("peer left room", "room", c.room, "peer_id", msg.From)
		case MessageSignal:
			var sd peer.SignalData
			if err := json.Unmarshal(msg.Payload, &sd); err != nil {
				c.logger.Warnw("dropping malformed signal", "from_peer", msg.From, "error", err)
				continue
			}
			// a signal implies someone is there even if peer_joined was missed
			c.markReady()
			select {
			case c.signals <- sd:
			case <-c.done:
				return
			}
		case MessageError:
			c.logger.Warnw("relay reported an error", "room", c.room, "message", msg.Message)
		default:
			c.logger.Debugw("ignoring relay message", "type", msg.Type)
		}
	}
}

func (c *Client) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// shutdown ends the client once. A farewell tells the server we are leaving
// before the connection drops.
func (c *Client) shutdown(err error, farewell bool) {
	c.closeOnce.Do(func() {
		if farewell {
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			c.conn.WriteJSON(SignalMessage{Type: MessageLeave})
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
		}

		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// ID returns the peer id the server admitted this client under
func (c *Client) ID() string { return c.id }

// Err returns the error that ended the read loop, nil after Close
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send implements Relay
func (c *Client) Send(ctx context.Context, sd peer.SignalData) error {
	select {
	case <-c.done:
		return ErrRelayClosed
	default:
	}

	msg, err := signalMessage(sd)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}

func (c *Client) Signals() <-chan peer.SignalData { return c.signals }
func (c *Client) Ready() <-chan struct{}          { return c.ready }
func (c *Client) Done() <-chan struct{}           { return c.done }

// Close sends a leave message and closes the connection
func (c *Client) Close() error {
	c.shutdown(nil, true)
	return nil
}
