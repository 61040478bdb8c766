// Package websocket connects to brokers that speak a message protocol over
// websocket frames.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/timzifer/brokerctx/retry"
	"github.com/timzifer/brokerctx/runtime/connections"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("websocket: connection closed")

// Connector dials websocket endpoints.
type Connector struct {
	logger zerolog.Logger
}

var _ connections.Connector = (*Connector)(nil)

// NewConnector returns a connector for ws and wss addresses.
func NewConnector(logger zerolog.Logger) *Connector {
	return &Connector{logger: logger}
}

// Connect performs the websocket handshake. ctx bounds the handshake only.
func (c *Connector) Connect(ctx context.Context, address string, raw json.RawMessage) (connections.Connection, error) {
	settings, err := DecodeSettings(raw)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse address %s: %w", address, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("websocket: unsupported scheme %q in %s", u.Scheme, address)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: settings.handshakeTimeout(),
		Subprotocols:     settings.Subprotocols,
	}
	conn, resp, err := dialer.DialContext(ctx, address, settings.Header())
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, fmt.Errorf("websocket: connect %s: %w", address, cause)
		}
		if resp != nil {
			return nil, fmt.Errorf("websocket: connect %s: %w (status %d)", address, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket: connect %s: %w", address, err)
	}

	c.logger.Debug().Str("address", address).Str("subprotocol", conn.Subprotocol()).Msg("websocket: connected")
	return &Connection{
		address:      address,
		conn:         conn,
		logger:       c.logger,
		writeTimeout: settings.writeTimeout(),
	}, nil
}

// Connection is an established websocket session. Send and Receive may be
// called concurrently with each other.
type Connection struct {
	address      string
	conn         *websocket.Conn
	logger       zerolog.Logger
	writeTimeout time.Duration
	policy       atomic.Pointer[retry.Policy]

	writeMu sync.Mutex
	readMu  sync.Mutex
	closed  atomic.Bool
}

var _ connections.Connection = (*Connection)(nil)

// SetRetryPolicy assigns the policy used by Send.
func (c *Connection) SetRetryPolicy(policy *retry.Policy) {
	c.policy.Store(policy)
}

// RetryPolicy returns the assigned policy, nil when none was set.
func (c *Connection) RetryPolicy() *retry.Policy {
	return c.policy.Load()
}

// Conn exposes the underlying websocket connection.
func (c *Connection) Conn() *websocket.Conn {
	return c.conn
}

// Send writes data as a text frame.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	err := c.RetryPolicy().Do(ctx, func() error {
		if c.closed.Load() {
			return retry.Permanent(ErrClosed)
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		deadline := time.Now().Add(c.writeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return c.conn.WriteMessage(websocket.TextMessage, data)
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("address", c.address).Msg("websocket: send failed")
		return fmt.Errorf("websocket: send: %w", err)
	}
	return nil
}

// Receive blocks until the next data frame arrives. A Receive interrupted by
// ctx leaves the connection unusable for further reads.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("websocket: receive: %w", err)
	}
	return data, nil
}

// Close sends a close frame and closes the network connection. Later calls do
// nothing.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.logger.Debug().Str("address", c.address).Msg("websocket: closed")
	return c.conn.Close()
}
