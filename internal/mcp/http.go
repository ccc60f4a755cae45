package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/wamcp/internal/httpkit"
)

// messagePath is appended to the endpoint URL for envelope POSTs
// unless the event stream announces a different endpoint.
const messagePath = "/tools/call"

// maxBodySize caps response bodies and stream events.
const maxBodySize = 10 << 20 // 10 MiB

// sessionHeader carries the server-assigned session for affinity.
const sessionHeader = "Mcp-Session"

// HTTPConfig configures an HTTP MCP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint. It is probed with GET on open;
	// envelopes are POSTed to URL + "/tools/call".
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// AuthToken, when set, is sent as a bearer credential.
	AuthToken string

	// Timeout bounds each POST round trip. Zero uses the httpkit default.
	Timeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPConn talks to an MCP server over HTTP. Each envelope is POSTed
// as a JSON body; a JSON reply body is queued for Receive. When the open
// probe answers with text/event-stream the stream stays attached and its
// message events are queued too, so replies sent asynchronously (202
// Accepted) still reach the correlator.
type HTTPConn struct {
	baseURL *url.URL
	client  *http.Client
	logger  *slog.Logger

	mu         sync.RWMutex
	messageURL string
	sessionID  string

	inbox        chan inbound
	cancelStream context.CancelFunc
	closeOnce    sync.Once
	closed       chan struct{}
}

// OpenHTTP probes the endpoint and returns a live connection. A non-2xx
// probe fails with a ConnectionError carrying the status code.
func OpenHTTP(ctx context.Context, cfg HTTPConfig) (*HTTPConn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &ConnectionError{Err: fmt.Errorf("invalid endpoint URL %q", cfg.URL)}
	}

	opts := []httpkit.ClientOption{
		httpkit.WithHeaders(cfg.Headers),
		httpkit.WithBearerToken(cfg.AuthToken),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}

	c := &HTTPConn{
		baseURL:    base,
		client:     httpkit.NewClient(opts...),
		logger:     logger,
		messageURL: strings.TrimRight(cfg.URL, "/") + messagePath,
		inbox:      make(chan inbound, 16),
		closed:     make(chan struct{}),
	}

	// The stream outlives ctx; ctx only bounds the probe itself.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	c.cancelStream = cancel

	streamClient := httpkit.NewClient(append(opts, httpkit.WithTimeout(0))...)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Err: fmt.Errorf("create probe request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := streamClient.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, &ConnectionError{Err: fmt.Errorf("probe %s: %w", cfg.URL, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return nil, &ConnectionError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("probe %s: %s", cfg.URL, strings.TrimSpace(body)),
		}
	}

	c.captureSession(resp)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		logger.Info("MCP event stream attached", "url", cfg.URL)
		go c.readStream(resp.Body)
	} else {
		httpkit.DrainAndClose(resp.Body, 1<<20)
		cancel()
	}

	return c, nil
}

// readStream queues message events from the server until the stream
// ends. Any end of stream other than Close is reported to Receive as a
// connection failure.
func (c *HTTPConn) readStream(body io.ReadCloser) {
	defer body.Close()

	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxBodySize}) {
		if err != nil {
			if !c.isClosed() && !errors.Is(err, context.Canceled) {
				c.deliver(inbound{err: fmt.Errorf("event stream: %w", err)})
			}
			return
		}

		switch ev.Type {
		case "", "message":
			c.deliver(inbound{data: []byte(ev.Data)})
		case "endpoint":
			c.setMessageURL(ev.Data)
		default:
			c.logger.Debug("ignoring MCP stream event", "type", ev.Type)
		}
	}

	if !c.isClosed() {
		c.deliver(inbound{err: errors.New("event stream ended")})
	}
}

// setMessageURL adopts a POST endpoint announced by the server,
// resolved against the base URL.
func (c *HTTPConn) setMessageURL(raw string) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || raw == "" {
		c.logger.Warn("ignoring invalid MCP endpoint event", "data", raw)
		return
	}
	resolved := c.baseURL.ResolveReference(ref).String()

	c.mu.Lock()
	c.messageURL = resolved
	c.mu.Unlock()
	c.logger.Debug("MCP message endpoint announced", "url", resolved)
}

func (c *HTTPConn) deliver(in inbound) {
	select {
	case c.inbox <- in:
	case <-c.closed:
	}
}

func (c *HTTPConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *HTTPConn) captureSession(resp *http.Response) {
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
}

// Send POSTs one envelope. A JSON reply body is queued for Receive;
// 202 Accepted means the reply will arrive on the event stream. Server
// errors (5xx) and network failures are connection failures; other
// non-2xx statuses are returned as plain errors.
func (c *HTTPConn) Send(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return &ConnectionError{Err: ErrClosed}
	}

	c.mu.RLock()
	target, sid := c.messageURL, c.sessionID
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		}
		return &ConnectionError{Err: fmt.Errorf("HTTP request to %s: %w", target, err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	c.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 500:
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return &ConnectionError{Status: resp.StatusCode, Err: fmt.Errorf("MCP server error: %s", strings.TrimSpace(body))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, strings.TrimSpace(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("read response body: %w", err)}
	}
	if body = bytes.TrimSpace(body); len(body) > 0 {
		c.deliver(inbound{data: body})
	}
	return nil
}

// Receive returns the next queued reply or stream event.
func (c *HTTPConn) Receive(ctx context.Context) ([]byte, error) {
	return receiveFrom(ctx, c.inbox, c.closed)
}

// Close detaches the event stream. Idle pooled connections are left to
// the transport's idle timeout.
func (c *HTTPConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancelStream()
	})
	return nil
}

// SessionID returns the Mcp-Session value assigned by the server, if any.
func (c *HTTPConn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}
