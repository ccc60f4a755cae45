package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// replyFunc builds the envelopes a mockConn delivers in answer to one
// outbound message. Returning nil delivers nothing.
type replyFunc func(msg *Message) [][]byte

// mockConn is an in-memory Conn. Everything sent is recorded and
// offered to reply; replies are queued for Receive.
type mockConn struct {
	reply replyFunc

	mu      sync.Mutex
	sent    []*Message
	sendErr error

	sentCh    chan *Message
	inbox     chan inbound
	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn(reply replyFunc) *mockConn {
	return &mockConn{
		reply:  reply,
		sentCh: make(chan *Message, 64),
		inbox:  make(chan inbound, 64),
		closed: make(chan struct{}),
	}
}

func (m *mockConn) Send(_ context.Context, data []byte) error {
	select {
	case <-m.closed:
		return &ConnectionError{Err: ErrClosed}
	default:
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sendErr := m.sendErr
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}
	m.sentCh <- msg

	if m.reply != nil {
		for _, out := range m.reply(msg) {
			m.inject(out)
		}
	}
	return nil
}

func (m *mockConn) Receive(ctx context.Context) ([]byte, error) {
	return receiveFrom(ctx, m.inbox, m.closed)
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) inject(data []byte) {
	select {
	case m.inbox <- inbound{data: data}:
	case <-m.closed:
	}
}

// breakConn simulates the transport dying underneath the reader.
func (m *mockConn) breakConn(err error) {
	select {
	case m.inbox <- inbound{err: err}:
	case <-m.closed:
	}
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *mockConn) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Method)
	}
	return out
}

// nextSent waits for the next outbound message.
func (m *mockConn) nextSent(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-m.sentCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return nil
	}
}

func resultEnvelope(id int64, result any) []byte {
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	return data
}

func errorEnvelope(id int64, code int, message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	return data
}

// echoReply answers like a minimal MCP server: initialize gets server
// info, tools/call echoes its arguments, tools/list lists one tool, and
// everything else gets an empty result. Notifications get nothing.
func echoReply(msg *Message) [][]byte {
	if msg.ID == nil {
		return nil
	}
	switch msg.Method {
	case MethodInitialize:
		return [][]byte{resultEnvelope(*msg.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": "mock", "version": "1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})}
	case MethodToolsCall:
		var p ToolCallParams
		_ = json.Unmarshal(msg.Params, &p)
		return [][]byte{resultEnvelope(*msg.ID, map[string]any{"echo": p.Arguments})}
	case MethodToolsList:
		return [][]byte{resultEnvelope(*msg.ID, map[string]any{
			"tools": []map[string]any{{"name": "ping", "description": "echo"}},
		})}
	default:
		return [][]byte{resultEnvelope(*msg.ID, map[string]any{})}
	}
}

// mockDialer hands out mockConns and counts dials. fail, when set,
// decides whether dial number n (1-based) fails; sendErr decides the
// Send failure of the conn it returns.
type mockDialer struct {
	reply   replyFunc
	fail    func(n int) error
	sendErr func(n int) error

	mu    sync.Mutex
	dials int
	conns []*mockConn
}

func (d *mockDialer) Dial(_ context.Context, cfg ServerConfig, _ *slog.Logger) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		if err := d.fail(d.dials); err != nil {
			return nil, &ConnectionError{Server: cfg.Name, Err: err}
		}
	}
	reply := d.reply
	if reply == nil {
		reply = echoReply
	}
	conn := newMockConn(reply)
	if d.sendErr != nil {
		conn.sendErr = d.sendErr(d.dials)
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *mockDialer) last() *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errInjected = errors.New("injected failure")

// sleepRecorder is a SleepFunc that records delays without sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.delays {
		sum += d
	}
	return sum
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
