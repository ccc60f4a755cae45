package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// Conn is one open channel to an MCP server. Implementations handle
// framing only; correlation lives in [Correlator].
type Conn interface {
	// Send writes one envelope.
	Send(ctx context.Context, data []byte) error

	// Receive returns exactly one inbound envelope. It fails with
	// ErrTimeout when ctx expires and with a ConnectionError once the
	// channel is closed or broken.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the channel. It is idempotent and unblocks any
	// pending Receive.
	Close() error
}

// TransportKind selects the channel used to reach a server.
type TransportKind string

// Supported transports.
const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

// ParseTransportKind normalizes a transport name. Accepted aliases:
// pipe for stdio; sse and http-stream for http; socket and ws for
// websocket.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio", "pipe":
		return TransportStdio, nil
	case "http", "sse", "http-stream":
		return TransportHTTP, nil
	case "websocket", "socket", "ws":
		return TransportWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport %q (valid: stdio, http, websocket)", s)
	}
}

// ServerConfig describes how to reach one MCP server. The Client treats
// registered configs as read-only; UpdateServer swaps in a new copy.
type ServerConfig struct {
	Name      string
	Transport TransportKind
	// Endpoint is the executable for stdio servers and the URL otherwise.
	Endpoint string
	Args     []string
	Env      []string
	// AuthToken is sent as a bearer credential by http and websocket.
	AuthToken           string
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	SessionTimeout      time.Duration
	Headers             map[string]string
	// Handshake requests the initialize/initialized exchange on
	// non-stdio transports.
	Handshake bool
	// RetryToolErrors retries server-reported tool errors as well as
	// connection failures and timeouts.
	RetryToolErrors bool
}

// Default ServerConfig values applied to zero fields.
const (
	DefaultCallTimeout         = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultSessionTimeout      = time.Hour
)

// withDefaults returns a deep copy of c with zero fields defaulted.
func (c ServerConfig) withDefaults() ServerConfig {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Env = slices.Clone(c.Env)
	out.Headers = maps.Clone(c.Headers)
	if out.Transport == "" {
		out.Transport = TransportStdio
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultCallTimeout
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = DefaultSessionTimeout
	}
	return out
}

// usesHandshake reports whether connections to this server must go
// through the initialize/initialized exchange.
func (c ServerConfig) usesHandshake() bool {
	return c.Transport == TransportStdio || c.Handshake
}

// DialFunc opens a Conn for a server. Client uses [Dial] unless a test
// supplies its own.
type DialFunc func(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Conn, error)

// Dial opens a Conn of the configured transport kind. Every failure is
// reported as a *ConnectionError.
func Dial(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		conn Conn
		err  error
	)
	switch cfg.Transport {
	case TransportStdio:
		conn, err = OpenStdio(ctx, StdioConfig{
			Command: cfg.Endpoint,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Logger:  logger,
		})
	case TransportHTTP:
		conn, err = OpenHTTP(ctx, HTTPConfig{
			URL:       cfg.Endpoint,
			Headers:   cfg.Headers,
			AuthToken: cfg.AuthToken,
			Timeout:   cfg.Timeout,
			Logger:    logger,
		})
	case TransportWebSocket:
		conn, err = OpenWebSocket(ctx, WebSocketConfig{
			URL:       cfg.Endpoint,
			Headers:   cfg.Headers,
			AuthToken: cfg.AuthToken,
			Logger:    logger,
		})
	default:
		err = fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
	if err != nil {
		var ce *ConnectionError
		if errors.As(err, &ce) {
			if ce.Server == "" {
				ce.Server = cfg.Name
			}
			return nil, ce
		}
		return nil, &ConnectionError{Server: cfg.Name, Err: err}
	}
	return conn, nil
}

// inbound is one frame delivered by a transport's reader goroutine.
type inbound struct {
	data []byte
	err  error
}

// receiveFrom waits for the next frame on ch. It is shared by the
// transports whose reads happen on a dedicated goroutine.
func receiveFrom(ctx context.Context, ch <-chan inbound, closed <-chan struct{}) ([]byte, error) {
	select {
	case in, ok := <-ch:
		if !ok {
			return nil, &ConnectionError{Err: ErrClosed}
		}
		if in.err != nil {
			return nil, &ConnectionError{Err: in.err}
		}
		return in.data, nil
	case <-closed:
		return nil, &ConnectionError{Err: ErrClosed}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
