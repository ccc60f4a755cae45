package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// levelTrace matches config.LevelTrace; wire payloads are logged there.
const levelTrace = slog.Level(-8)

// Correlator multiplexes concurrent calls over one Conn. Every request
// gets a fresh id; a single read loop routes each response to the caller
// waiting on that id, so arrival order does not matter.
type Correlator struct {
	conn    Conn
	timeout time.Duration
	logger  *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Message
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// NewCorrelator starts the read loop on conn. timeout bounds calls whose
// context carries no deadline; zero means [DefaultCallTimeout].
func NewCorrelator(conn Conn, timeout time.Duration, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &Correlator{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		pending: make(map[int64]chan *Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for the response with the same id. A
// response carrying an error member yields a *ToolError wrapping the
// *RPCError. When the wait expires the pending entry is dropped and
// ErrTimeout is returned; the connection stays open.
func (c *Correlator) Call(ctx context.Context, method string, params any) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, &ToolError{Tool: method, Err: fmt.Errorf("marshal request: %w", err)}
	}

	c.logger.Log(ctx, levelTrace, "mcp request", "id", id, "method", method, "payload", string(data))

	if err := c.conn.Send(ctx, data); err != nil {
		return nil, c.translate(method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, &ToolError{Tool: method, RPC: msg.Error}
		}
		return msg, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Debug("mcp call timed out", "id", id, "method", method)
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Notify sends a one-way message with no id. No response is expected.
func (c *Correlator) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	c.logger.Log(ctx, levelTrace, "mcp notification", "method", method, "payload", string(data))

	if err := c.conn.Send(ctx, data); err != nil {
		return c.translate(method, err)
	}
	return nil
}

// translate maps a Send failure onto the error taxonomy. Connection
// failures and timeouts pass through; anything else completed a round
// trip without a usable result.
func (c *Correlator) translate(method string, err error) error {
	switch {
	case IsConnectionError(err), errors.Is(err, ErrTimeout),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &ToolError{Tool: method, Err: err}
	}
}

// readLoop routes inbound envelopes until the connection fails.
func (c *Correlator) readLoop() {
	for {
		data, err := c.conn.Receive(context.Background())
		if err != nil {
			c.fail(err)
			return
		}

		c.logger.Log(context.Background(), levelTrace, "mcp inbound", "payload", string(data))

		msg, err := DecodeMessage(data)
		if err != nil {
			c.logger.Warn("discarding malformed MCP envelope", "error", err)
			continue
		}

		if !msg.IsResponse() {
			c.logger.Debug("ignoring MCP message without matching request",
				"method", msg.Method,
				"has_id", msg.ID != nil,
			)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("discarding MCP response with unknown id", "id", *msg.ID)
			continue
		}
		ch <- msg
	}
}

// fail records the terminal error and releases every waiting caller.
func (c *Correlator) fail(err error) {
	if !IsConnectionError(err) {
		err = &ConnectionError{Err: err}
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	n := len(c.pending)
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		if n > 0 {
			c.logger.Warn("MCP connection lost with calls in flight", "pending", n, "error", err)
		}
		close(c.done)
	})
}

// Done is closed once the connection has failed or been closed.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal connection error, or nil while live.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of calls awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the underlying connection and fails pending calls.
func (c *Correlator) Close() error {
	c.fail(&ConnectionError{Err: ErrClosed})
	return c.conn.Close()
}
