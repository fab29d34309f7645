// Package channel maintains the agent's single outbound control connection.
//
// The connection is a websocket authenticated with a short-lived channel
// token. Frames are decoded into protocol messages and handed to a Handler
// one at a time; a non-nil reply goes back over the same socket.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/mattjoyce/fleet-agent/internal/protocol"
	"github.com/mattjoyce/fleet-agent/internal/sysinfo"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	// maxFrameBytes caps inbound frames; run-analysis carries an environment
	// map but nothing larger.
	maxFrameBytes = 4 << 20
)

// ErrClosed is returned by Send when no connection is open.
var ErrClosed = errors.New("control channel closed")

// Handler processes one inbound message and returns an optional reply.
type Handler interface {
	Handle(ctx context.Context, msg protocol.Message) protocol.Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg protocol.Message) protocol.Message

func (f HandlerFunc) Handle(ctx context.Context, msg protocol.Message) protocol.Message {
	return f(ctx, msg)
}

// Config configures a Client.
type Config struct {
	AgentVersion string
	Host         sysinfo.Info
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client owns the control connection. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	// mu serializes Connect/Close and guards conn and tokens.
	mu     sync.Mutex
	conn   *websocket.Conn
	tokens oauth2.TokenSource
	tokFor ConnectionInfo
	open   atomic.Bool

	// writeMu serializes frames; a websocket allows one writer at a time.
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// NewClient creates a Client. Nothing is dialed until Connect.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: logger.With("component", "channel"),
	}
}

// IsOpen reports whether the control connection is currently usable.
func (c *Client) IsOpen() bool {
	return c.open.Load()
}

// Connect opens the control connection and registers the agent. It is a
// no-op while a connection is open; after a disconnect it drops the stale
// socket and dials a fresh one.
func (c *Client) Connect(ctx context.Context, info ConnectionInfo, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.open.Load() {
		return nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	socketURL, err := info.SocketURL()
	if err != nil {
		return err
	}

	tok, err := c.tokenSource(info).Token()
	if err != nil {
		c.tokens = nil
		return fmt.Errorf("acquire channel token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	if info.UserAgent != "" {
		header.Set("User-Agent", info.UserAgent)
	}

	c.logger.Debug("dialing control channel", "url", socketURL)
	conn, resp, err := c.dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			err = statusError(resp)
			if errors.Is(err, ErrUnauthorized) {
				// The cached token may have been revoked early.
				c.tokens = nil
			}
		}
		return fmt.Errorf("dial control channel: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	register := protocol.Register{
		AgentID:      info.AgentID,
		OS:           c.cfg.Host.OS,
		AgentVersion: c.cfg.AgentVersion,
		LocalIP:      c.cfg.Host.LocalIP,
		Hostname:     c.cfg.Host.Hostname,
	}
	if err := c.write(conn, register); err != nil {
		_ = conn.Close()
		return fmt.Errorf("register agent: %w", err)
	}

	c.conn = conn
	c.open.Store(true)

	c.wg.Add(1)
	go c.receiveLoop(conn, h)

	c.logger.Info("control channel connected", "url", socketURL, "agent_id", info.AgentID)
	return nil
}

// Send writes one message to the open connection.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.open.Load() {
		return ErrClosed
	}
	if err := c.write(conn, msg); err != nil {
		c.markClosed(conn, err)
		return err
	}
	return nil
}

// Close shuts the connection down and waits for the receive loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.open.Store(false)
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) tokenSource(info ConnectionInfo) oauth2.TokenSource {
	if c.tokens == nil || c.tokFor != info {
		c.tokens = newTokenSource(context.Background(), c.http, info)
		c.tokFor = info
	}
	return c.tokens
}

func (c *Client) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	c.logger.Debug("sent frame", "type", msg.Type())
	return nil
}

// receiveLoop hands each inbound frame to h in order until the socket
// fails. Decode failures arrive as protocol.Unknown so the loop never stops
// on a bad frame.
func (c *Client) receiveLoop(conn *websocket.Conn, h Handler) {
	defer c.wg.Done()

	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.markClosed(conn, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("malformed frame", "error", err)
		}
		c.logger.Debug("received frame", "type", msg.Type())

		reply := h.Handle(ctx, msg)
		if reply == nil {
			continue
		}
		if err := c.write(conn, reply); err != nil {
			c.logger.Warn("failed to send reply", "type", reply.Type(), "error", err)
			c.markClosed(conn, err)
		}
	}
}

// markClosed flags the channel closed if conn is still the current socket.
func (c *Client) markClosed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if !current {
		return
	}
	if c.open.Swap(false) {
		if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Info("control channel closed by peer")
		} else {
			c.logger.Warn("control channel disconnected", "error", cause)
		}
	}
}
