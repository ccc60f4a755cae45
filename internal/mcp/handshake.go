package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/wamcp/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version advertised in initialize.
const ProtocolVersion = "2024-11-05"

// HandshakeState is the lifecycle position of a [Handshake].
type HandshakeState int32

// Handshake states, in order. Closed is terminal.
const (
	StateUnstarted HandshakeState = iota
	StateStarted
	StateInitializing
	StateReady
	StateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarted:
		return "started"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int32(s))
	}
}

// Handshake is one connection that must complete the initialize /
// notifications/initialized exchange before it accepts tool calls:
//
//	Unstarted -> Started -> Initializing -> Ready -> Closed
//
// Any state moves to Closed on Close or on a read/write failure. A
// closed Handshake cannot be reused; build a new one to reconnect.
type Handshake struct {
	cfg    ServerConfig
	dial   DialFunc
	logger *slog.Logger

	mu     sync.Mutex
	state  HandshakeState
	corr   *Correlator
	lost   error // set when the transport died rather than being closed
	info   ServerInfo
	result initializeResult
}

// NewHandshake prepares a connection to cfg. dial defaults to [Dial].
func NewHandshake(cfg ServerConfig, dial DialFunc, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = Dial
	}
	return &Handshake{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		logger: logger,
	}
}

// State returns the current state.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ServerInfo returns the identity the server reported in initialize.
func (h *Handshake) ServerInfo() ServerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

func (h *Handshake) precondition(want HandshakeState, op string) *PreconditionError {
	return &PreconditionError{
		Server: h.cfg.Name,
		Reason: fmt.Sprintf("%s requires state %s, connection is %s", op, want, h.state),
	}
}

// Start opens the transport. On failure the state stays Unstarted.
func (h *Handshake) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateUnstarted {
		defer h.mu.Unlock()
		return h.precondition(StateUnstarted, "start")
	}
	h.mu.Unlock()

	conn, err := h.dial(ctx, h.cfg, h.logger)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateUnstarted {
		// Closed while dialing.
		conn.Close()
		return h.precondition(StateUnstarted, "start")
	}
	h.corr = NewCorrelator(conn, h.cfg.Timeout, h.logger)
	h.state = StateStarted
	go h.watch(h.corr)
	return nil
}

// watch moves to Closed when the connection dies underneath us.
func (h *Handshake) watch(corr *Correlator) {
	<-corr.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateClosed {
		h.logger.Info("MCP connection closed", "previous_state", h.state.String(), "error", corr.Err())
		h.state = StateClosed
		h.lost = corr.Err()
	}
}

// Initialize sends initialize, waits for its response, then sends
// notifications/initialized. Any failure closes the connection.
func (h *Handshake) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateStarted {
		defer h.mu.Unlock()
		return h.precondition(StateStarted, "initialize")
	}
	h.state = StateInitializing
	corr := h.corr
	h.mu.Unlock()

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	msg, err := corr.Call(ctx, MethodInitialize, params)
	if err != nil {
		h.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			h.Close()
			return &ToolError{Server: h.cfg.Name, Tool: MethodInitialize, Err: fmt.Errorf("decode result: %w", err)}
		}
	}

	if err := corr.Notify(ctx, MethodInitialized, nil); err != nil {
		h.Close()
		return fmt.Errorf("send initialized notification: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInitializing {
		return h.precondition(StateInitializing, "initialize")
	}
	h.state = StateReady
	h.info = result.ServerInfo
	h.result = result

	h.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// Call issues a request on a Ready connection. Before Ready, or after
// Close, it fails with a *PreconditionError without touching the wire.
// After the transport died it fails with the *ConnectionError that
// ended it.
func (h *Handshake) Call(ctx context.Context, method string, params any) (*Message, error) {
	h.mu.Lock()
	if h.state != StateReady {
		defer h.mu.Unlock()
		if h.lost != nil {
			return nil, h.lost
		}
		return nil, h.precondition(StateReady, method)
	}
	corr := h.corr
	h.mu.Unlock()

	return corr.Call(ctx, method, params)
}

// CallTool invokes tools/call and returns the raw result object.
func (h *Handshake) CallTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	msg, err := h.Call(ctx, MethodToolsCall, ToolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, tagToolError(err, h.cfg.Name, tool)
	}
	return msg.Result, nil
}

// ListTools invokes tools/list.
func (h *Handshake) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	msg, err := h.Call(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, tagToolError(err, h.cfg.Name, MethodToolsList)
	}
	return decodeToolsList(h.cfg.Name, msg)
}

// Done is closed when the underlying connection ends. It is nil before
// Start.
func (h *Handshake) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.corr == nil {
		return nil
	}
	return h.corr.Done()
}

// Close moves to Closed and releases the transport. It is idempotent.
func (h *Handshake) Close() error {
	h.mu.Lock()
	corr := h.corr
	h.state = StateClosed
	h.mu.Unlock()

	if corr == nil {
		return nil
	}
	return corr.Close()
}

// metadata describes the negotiated session for the session tracker.
func (h *Handshake) metadata() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	md := map[string]string{}
	if h.info.Name != "" {
		md["server_name"] = h.info.Name
	}
	if h.info.Version != "" {
		md["server_version"] = h.info.Version
	}
	if h.result.ProtocolVersion != "" {
		md["protocol_version"] = h.result.ProtocolVersion
	}
	return md
}
