package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"
)

func newTestHandshake(t *testing.T, reply replyFunc) (*Handshake, *mockDialer) {
	t.Helper()
	d := &mockDialer{reply: reply}
	h := NewHandshake(ServerConfig{Name: "test", Endpoint: "mock", Timeout: time.Second}, d.Dial, discardLogger())
	t.Cleanup(func() { h.Close() })
	return h, d
}

func TestHandshake_FullSequence(t *testing.T) {
	h, d := newTestHandshake(t, echoReply)
	ctx := context.Background()

	if got := h.State(); got != StateUnstarted {
		t.Fatalf("initial state = %s, want unstarted", got)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.State(); got != StateStarted {
		t.Fatalf("state after Start = %s, want started", got)
	}
	if err := h.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := h.State(); got != StateReady {
		t.Fatalf("state after Initialize = %s, want ready", got)
	}
	if info := h.ServerInfo(); info.Name != "mock" || info.Version != "1.0" {
		t.Errorf("ServerInfo = %+v", info)
	}

	result, err := h.CallTool(ctx, "ping", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if string(result) != `{"echo":{"n":1}}` {
		t.Errorf("result = %s", result)
	}

	tools, err := h.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Errorf("tools = %+v", tools)
	}

	want := []string{MethodInitialize, MethodInitialized, MethodToolsCall, MethodToolsList}
	if got := d.last().sentMethods(); !slices.Equal(got, want) {
		t.Errorf("sent methods = %v, want %v", got, want)
	}
}

func TestHandshake_InitializeParams(t *testing.T) {
	h, d := newTestHandshake(t, echoReply)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	init := d.last().nextSent(t)
	if init.ID == nil || *init.ID != 1 {
		t.Errorf("initialize id = %v, want 1", init.ID)
	}
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Roots    map[string]any `json:"roots"`
			Sampling map[string]any `json:"sampling"`
		} `json:"capabilities"`
		ClientInfo struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	if err := json.Unmarshal(init.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q", params.ProtocolVersion)
	}
	if params.Capabilities.Roots["listChanged"] != true || params.Capabilities.Sampling == nil {
		t.Errorf("capabilities = %+v", params.Capabilities)
	}
	if params.ClientInfo.Name != "wamcp" {
		t.Errorf("clientInfo.name = %q", params.ClientInfo.Name)
	}

	notif := d.last().nextSent(t)
	if notif.Method != MethodInitialized || notif.ID != nil {
		t.Errorf("second message = %+v, want id-less %s", notif, MethodInitialized)
	}
}

func TestHandshake_ToolCallBeforeReadyIsPrecondition(t *testing.T) {
	// Withhold the initialize response until the test injects it.
	reply := func(msg *Message) [][]byte {
		if msg.Method == MethodInitialize {
			return nil
		}
		return echoReply(msg)
	}
	h, d := newTestHandshake(t, reply)
	ctx := context.Background()

	if _, err := h.CallTool(ctx, "ping", nil); !IsPreconditionError(err) {
		t.Fatalf("CallTool before Start = %v, want PreconditionError", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	initDone := make(chan error, 1)
	go func() { initDone <- h.Initialize(ctx) }()

	conn := d.last()
	initReq := conn.nextSent(t)
	if got := h.State(); got != StateInitializing {
		t.Fatalf("state = %s, want initializing", got)
	}

	_, err := h.CallTool(ctx, "ping", map[string]any{"n": 1})
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("CallTool during initialize = %v, want PreconditionError", err)
	}
	if slices.Contains(conn.sentMethods(), MethodToolsCall) {
		t.Error("a rejected call must not reach the wire")
	}

	conn.inject(resultEnvelope(*initReq.ID, map[string]any{"serverInfo": map[string]any{"name": "late"}}))
	if err := <-initDone; err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := h.CallTool(ctx, "ping", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("CallTool after Ready: %v", err)
	}
	if string(result) != `{"echo":{"n":1}}` {
		t.Errorf("result = %s", result)
	}
}

func TestHandshake_InitializeErrorCloses(t *testing.T) {
	reply := func(msg *Message) [][]byte {
		if msg.Method == MethodInitialize {
			return [][]byte{errorEnvelope(*msg.ID, -32600, "unsupported protocol")}
		}
		return echoReply(msg)
	}
	h, d := newTestHandshake(t, reply)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := h.Initialize(ctx)
	var te *ToolError
	if !errors.As(err, &te) || te.RPC == nil {
		t.Fatalf("Initialize = %v, want ToolError with server payload", err)
	}
	if got := h.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if !d.last().isClosed() {
		t.Error("transport should be closed")
	}
	if slices.Contains(d.last().sentMethods(), MethodInitialized) {
		t.Error("initialized must not be sent after a failed initialize")
	}
}

func TestHandshake_ClosedIsTerminal(t *testing.T) {
	h, _ := newTestHandshake(t, echoReply)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if got := h.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if err := h.Start(ctx); !IsPreconditionError(err) {
		t.Errorf("Start after Close = %v, want PreconditionError", err)
	}
	if err := h.Initialize(ctx); !IsPreconditionError(err) {
		t.Errorf("Initialize after Close = %v, want PreconditionError", err)
	}
	if _, err := h.CallTool(ctx, "ping", nil); !IsPreconditionError(err) {
		t.Errorf("CallTool after Close = %v, want PreconditionError", err)
	}
}

func TestHandshake_TransportFailureCloses(t *testing.T) {
	h, d := newTestHandshake(t, echoReply)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	d.last().breakConn(errors.New("broken pipe"))

	deadline := time.Now().Add(2 * time.Second)
	for h.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want closed after read failure", h.State())
		}
		time.Sleep(time.Millisecond)
	}

	// A dead transport is a connection failure, not a misuse.
	_, err := h.CallTool(ctx, "ping", nil)
	if !IsConnectionError(err) || IsPreconditionError(err) {
		t.Errorf("CallTool after transport failure = %v, want ConnectionError", err)
	}
}

func TestHandshake_StartFailureStaysUnstarted(t *testing.T) {
	d := &mockDialer{fail: func(int) error { return errInjected }}
	h := NewHandshake(ServerConfig{Name: "test", Endpoint: "mock"}, d.Dial, slog.New(slog.DiscardHandler))

	err := h.Start(context.Background())
	if !IsConnectionError(err) {
		t.Fatalf("Start = %v, want ConnectionError", err)
	}
	if got := h.State(); got != StateUnstarted {
		t.Errorf("state = %s, want unstarted", got)
	}
}

func TestHandshakeStateString(t *testing.T) {
	if got := StateReady.String(); got != "ready" {
		t.Errorf("StateReady.String() = %q", got)
	}
	if got := HandshakeState(42).String(); got != "HandshakeState(42)" {
		t.Errorf("unknown state String() = %q", got)
	}
}
