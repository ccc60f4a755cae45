package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wamcp/internal/buildinfo"
)

// Keepalive timing for websocket connections.
const (
	wsPingInterval = 20 * time.Second
	wsPongWait     = wsPingInterval + 10*time.Second
	wsWriteWait    = 10 * time.Second
)

// WebSocketConfig configures a websocket MCP transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the upgrade request.
	Headers map[string]string

	// AuthToken, when set, is sent as a bearer credential.
	AuthToken string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSConn is a websocket carrying one JSON envelope per text message.
type WSConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	inbox     chan inbound
	closeOnce sync.Once
	closed    chan struct{}
}

// OpenWebSocket performs the upgrade handshake. A rejected upgrade
// fails with a ConnectionError carrying the HTTP status.
func OpenWebSocket(ctx context.Context, cfg WebSocketConfig) (*WSConn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, &ConnectionError{Status: status, Err: fmt.Errorf("websocket dial %s: %w", cfg.URL, err)}
	}

	c := &WSConn{
		ws:     ws,
		logger: logger,
		inbox:  make(chan inbound, 16),
		closed: make(chan struct{}),
	}

	ws.SetReadLimit(maxBodySize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go c.readLoop()
	go c.pingLoop()

	logger.Info("MCP websocket connected", "url", cfg.URL)
	return c, nil
}

func (c *WSConn) readLoop() {
	defer close(c.inbox)

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			case c.inbox <- inbound{err: fmt.Errorf("websocket read: %w", err)}:
			}
			return
		}
		// Any traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbox <- inbound{data: data}:
		case <-c.closed:
			return
		}
	}
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("websocket ping failed", "error", err)
			}
		}
	}
}

// Send writes one envelope as a text message.
func (c *WSConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return &ConnectionError{Err: ErrClosed}
	default:
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Err: fmt.Errorf("websocket write: %w", err)}
	}
	return nil
}

// Receive returns the next inbound message.
func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	return receiveFrom(ctx, c.inbox, c.closed)
}

// Close sends a close frame and tears down the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// WriteControl may run concurrently with WriteMessage.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
