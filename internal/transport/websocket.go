package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// WSClient reads change feed messages from a websocket.
type WSClient struct {
	url    string
	token  string
	logger *events.Logger

	// Connection state
	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	// Channels
	messages chan models.WSMessage
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a WebSocket client.
func NewWSClient(wsURL, token string, logger *events.Logger) *WSClient {
	// Convert http(s) to ws(s)
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	return &WSClient{
		url:          wsURL,
		token:        token,
		logger:       logger.WithField("component", "ws_client"),
		messages:     make(chan models.WSMessage, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// SetHeartbeat overrides the ping interval and pong timeout.
func (c *WSClient) SetHeartbeat(pingInterval, pongTimeout time.Duration) {
	c.pingInterval = pingInterval
	c.pongTimeout = pongTimeout
}

// Connect establishes WebSocket connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	if c.closed {
		return fmt.Errorf("client closed")
	}

	c.logger.WithField("url", c.url).Debug("Connecting to WebSocket")

	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("WebSocket connected")
	return nil
}

// Messages returns the message channel. It is closed when the connection ends.
func (c *WSClient) Messages() <-chan models.WSMessage {
	return c.messages
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Done is closed once the client is closed.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

// readLoop reads messages from WebSocket.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = c.Close()
		close(c.messages)
		close(c.errors)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("WebSocket read error")
				c.errors <- err
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		msg, err := models.ParseWSMessage(data)
		if err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed message")
			continue
		}

		c.logger.WithFields(map[string]interface{}{
			"type": string(msg.Type),
			"seq":  msg.Seq,
		}).Debug("Received message")

		select {
		case c.messages <- *msg:
		case <-c.done:
			return
		}
	}
}

// pingLoop sends periodic pings.
func (c *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
